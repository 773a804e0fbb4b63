package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/lmittmann/tint"
	"go.uber.org/fx"

	"github.com/Vali0004/cors-anywhere/internal/config"
	"github.com/Vali0004/cors-anywhere/internal/gate"
	"github.com/Vali0004/cors-anywhere/internal/handler"
	"github.com/Vali0004/cors-anywhere/internal/metrics"
	"github.com/Vali0004/cors-anywhere/internal/middleware"
	"github.com/Vali0004/cors-anywhere/internal/proxy"
	"github.com/Vali0004/cors-anywhere/internal/ratelimit"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("cors-anywhere"),
		kong.Description("CORS proxy: prepend a target URL to the request path and it is fetched with CORS headers added."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			func() gate.InitialHandler { return gate.NopInitialHandler{} },
			config.Load,
			newLogger,
			newEcho,
			newRateLimiter,
			metrics.New,
			proxy.NewSelector,
			proxy.NewResolver,
			proxy.NewEngine,
			gate.New,
			handler.NewHelpPage,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	case "console":
		h = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	default:
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running streamed
	// responses. Protection is provided by the upstream client timeout, ReadTimeout,
	// and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.StripHopByHop())
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}

	return e
}

func newRateLimiter(cfg *config.Config, logger *slog.Logger) (ratelimit.Checker, error) {
	checker, err := ratelimit.New(cfg.Limit.Spec)
	if err != nil {
		return nil, err
	}
	if cfg.Limit.Spec != "" {
		logger.Info("per-origin rate limit enabled", "spec", cfg.Limit.Spec)
	}
	return checker, nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
