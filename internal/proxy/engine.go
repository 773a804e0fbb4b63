// Package proxy implements the forwarding engine: it issues outbound requests
// for admitted exchanges, follows redirects within a bounded hop count, and
// mediates the final upstream response back to the client.
package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Vali0004/cors-anywhere/internal/config"
	"github.com/Vali0004/cors-anywhere/internal/cors"
	"github.com/Vali0004/cors-anywhere/internal/metrics"
	"github.com/Vali0004/cors-anywhere/internal/target"
)

// hopByHopHeaders never travel through the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// droppedResponseHeaders are stripped from every mediated response, canonical
// form. Third-party cookies must never reach the client; the rest are
// hop-by-hop.
var droppedResponseHeaders = map[string]bool{
	"Set-Cookie":          true,
	"Set-Cookie2":         true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// redirectStatuses are the statuses that carry a Location worth acting on.
// Only 301/302/303 are followed proxy-side; 307/308 must preserve the method
// and body, so the client follows those itself through the proxy.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// Engine owns the pooled upstream client and the redirect-following loop.
type Engine struct {
	client   *http.Client
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	xForward bool
}

// NewEngine creates an Engine with connection pooling and redirects disabled
// on the underlying client; redirect handling belongs to Forward, not the
// transport. The metrics parameter is optional; pass nil to disable upstream
// metrics recording.
func NewEngine(cfg *config.Config, sel Selector, res Resolver, logger *slog.Logger, m *metrics.Metrics) *Engine {
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			return sel.ProxyForURL(req.URL)
		},
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Engine{
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		resolver: res,
		logger:   logger.With("component", "engine"),
		metrics:  m,
		xForward: cfg.Proxy.XForward,
	}
}

// Forward sends the admitted exchange to its target and streams the mediated
// response to the client. 301/302/303 redirects are re-issued transparently
// until MaxRedirects is exhausted; each followed hop is recorded in an
// X-CORS-Redirect-<n> response header. Any transport or build failure is
// reported through the CORS-safe fallback responder.
func (e *Engine) Forward(c echo.Context, ex *Exchange) error {
	inbound := c.Request()
	res := c.Response()

	header := e.outboundHeader(c)
	method := inbound.Method
	var body io.Reader = inbound.Body
	contentLength := inbound.ContentLength
	if contentLength == 0 && len(inbound.TransferEncoding) == 0 {
		body = http.NoBody
	}

	for {
		out, err := e.buildRequest(c, method, header, body, contentLength, ex.Target)
		if err != nil {
			return e.fail(c, err)
		}

		start := time.Now()
		resp, err := e.client.Do(out) //nolint:bodyclose // closed on follow or in finalize
		duration := time.Since(start).Seconds()

		methodLabel := metrics.NormalizeMethod(method)
		if e.metrics != nil {
			e.metrics.UpstreamDuration.WithLabelValues(methodLabel).Observe(duration)
		}
		if err != nil {
			return e.fail(c, fmt.Errorf("upstream request: %w", err))
		}
		if e.metrics != nil {
			e.metrics.UpstreamResponses.WithLabelValues(methodLabel, strconv.Itoa(resp.StatusCode)).Inc()
		}

		// Only the very first hop documents the original target.
		if ex.RedirectCount == 0 {
			res.Header().Set("X-Request-URL", ex.Target.Href)
		}

		next, resolved := e.redirectTarget(resp, ex.Target)
		if next == nil {
			return e.finalize(c, resp, ex)
		}

		follow := resp.StatusCode != http.StatusTemporaryRedirect &&
			resp.StatusCode != http.StatusPermanentRedirect &&
			ex.RedirectCount < ex.MaxRedirects

		if !follow {
			// Hand the redirect back to the client, routed through this proxy.
			resp.Header.Set("Location", ex.ProxyBaseURL+"/"+resolved)
			return e.finalize(c, resp, ex)
		}

		// Abort the in-flight hop before re-entering the send state.
		_ = resp.Body.Close()

		ex.RedirectCount++
		res.Header().Set(
			fmt.Sprintf("X-CORS-Redirect-%d", ex.RedirectCount),
			fmt.Sprintf("%d %s", resp.StatusCode, resolved),
		)
		if e.metrics != nil {
			e.metrics.RedirectsFollowed.Inc()
		}

		e.logger.Debug("following redirect",
			"status", resp.StatusCode,
			"location", resolved,
			"hop", ex.RedirectCount,
		)

		// Followed redirects downgrade to a body-less GET.
		method = http.MethodGet
		body = http.NoBody
		contentLength = 0
		header.Del("Content-Type")
		ex.Target = next
	}
}

// redirectTarget inspects a hop response and returns the parsed next target
// plus the absolute Location it resolved to. It returns nil when the response
// is not a redirect, carries no Location, or the Location cannot be resolved
// against the current target; such responses are passed through untouched.
func (e *Engine) redirectTarget(resp *http.Response, current *target.Target) (*target.Target, string) {
	if !redirectStatuses[resp.StatusCode] {
		return nil, ""
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, ""
	}
	base, err := url.Parse(current.Href)
	if err != nil {
		return nil, ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return nil, ""
	}
	resolved := base.ResolveReference(ref).String()
	next := target.Parse(resolved)
	if next == nil {
		return nil, ""
	}
	return next, resolved
}

// buildRequest constructs the outbound request for one hop. With a resolver
// configured, the hostname is resolved up front and the resolved address
// replaces the URL host while the Host header keeps the original hostname.
func (e *Engine) buildRequest(c echo.Context, method string, header http.Header, body io.Reader, contentLength int64, t *target.Target) (*http.Request, error) {
	ctx := c.Request().Context()

	u, err := url.Parse(t.Href)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	if e.resolver != nil {
		addrs, err := e.resolver.LookupHost(ctx, t.Hostname)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", t.Hostname, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("resolve %s: no addresses", t.Hostname)
		}
		u.Host = joinResolved(addrs[0], t.Port)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	req.ContentLength = contentLength
	req.Host = t.Host
	return req, nil
}

// joinResolved rebuilds a URL host from a resolved address and the original
// port, bracketing IPv6 literals.
func joinResolved(addr string, port int) string {
	if port >= 0 {
		return net.JoinHostPort(addr, strconv.Itoa(port))
	}
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return "[" + addr + "]"
	}
	return addr
}

// outboundHeader clones the inbound headers minus hop-by-hop entries and
// Content-Length (the request's ContentLength field is authoritative), and
// appends the X-Forwarded-* set when enabled.
func (e *Engine) outboundHeader(c echo.Context) http.Header {
	inbound := c.Request()
	h := make(http.Header, len(inbound.Header))
	for k, vals := range inbound.Header {
		h[k] = append([]string(nil), vals...)
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
	h.Del("Content-Length")

	if e.xForward {
		h.Add("X-Forwarded-For", c.RealIP())
		if h.Get("X-Forwarded-Proto") == "" {
			h.Set("X-Forwarded-Proto", c.Scheme())
		}
		if h.Get("X-Forwarded-Host") == "" {
			h.Set("X-Forwarded-Host", inbound.Host)
		}
	}
	return h
}

// finalize mediates the last hop's response to the client: strips cookies and
// hop-by-hop headers, stamps X-Final-URL, synthesizes the CORS header set
// last so Expose-Headers covers everything, then streams the body through.
func (e *Engine) finalize(c echo.Context, resp *http.Response, ex *Exchange) error {
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	h := res.Header()
	for k, vals := range resp.Header {
		if droppedResponseHeaders[k] {
			continue
		}
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set("X-Final-URL", ex.Target.Href)
	cors.Apply(h, c.Request(), ex.CORSMaxAge)

	res.WriteHeader(resp.StatusCode)

	// If the copy fails mid-stream the status line is already on the wire;
	// the client sees a truncated body. Log it and move on.
	if _, err := io.Copy(res, resp.Body); err != nil {
		e.logger.Error("streaming response body",
			"err", err,
			"url", ex.Target.Href,
		)
	}
	return nil
}

// fail is the CORS-safe fallback responder for transport-level errors after
// admission. Headers already sent means the exchange cannot be downgraded to
// a clean error page, so the response is simply ended; otherwise every header
// accumulated so far is discarded and a 404 diagnostic goes out. Never a 500:
// upstream failure detail is not an internal error of this proxy.
func (e *Engine) fail(c echo.Context, err error) error {
	req := c.Request()
	if req.Context().Err() != nil {
		// Client went away; nothing useful left to write.
		return nil
	}

	e.logger.Error("proxy error",
		"err", err,
		"url", req.RequestURI,
	)
	if e.metrics != nil {
		e.metrics.UpstreamErrors.Inc()
	}

	res := c.Response()
	if res.Committed {
		return nil
	}
	clear(res.Header())
	res.Header().Set("Access-Control-Allow-Origin", "*")
	return c.String(http.StatusNotFound, "Not found because of proxy error: "+err.Error())
}
