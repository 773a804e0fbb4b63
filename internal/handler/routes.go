package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Vali0004/cors-anywhere/internal/config"
	"github.com/Vali0004/cors-anywhere/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The proxy
// handler owns the catch-all: any path not claimed by a service route is
// treated as a target URL.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}
