// Package gate implements the admission pipeline: an ordered sequence of
// checks that either approves a request for forwarding or terminates it with
// a CORS-readable response.
package gate

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Vali0004/cors-anywhere/internal/config"
	"github.com/Vali0004/cors-anywhere/internal/cors"
	"github.com/Vali0004/cors-anywhere/internal/metrics"
	"github.com/Vali0004/cors-anywhere/internal/proxy"
	"github.com/Vali0004/cors-anywhere/internal/ratelimit"
	"github.com/Vali0004/cors-anywhere/internal/target"
)

// Kind classifies an admission Decision.
type Kind int

const (
	// Proceed hands the request to the forwarding engine.
	Proceed Kind = iota
	// Handled means the initial-request hook wrote the response itself.
	Handled
	// Preflight answers an OPTIONS request with the CORS header set.
	Preflight
	// Help serves the usage document for non-proxy requests.
	Help
	// Probe answers the reserved self-test path.
	Probe
	// Reject terminates the request with Status and Message.
	Reject
	// SameOrigin redirects the caller straight to its own origin's target.
	SameOrigin
)

// Decision is the outcome of Admit. Terminal kinds carry the CORS header set
// computed at admission so even error bodies stay readable cross-origin;
// Proceed carries the Exchange for the forwarding engine instead.
type Decision struct {
	Kind     Kind
	Status   int
	Message  string
	Header   http.Header
	Exchange *proxy.Exchange
}

// InitialHandler is an optional short-circuit hook invoked with the parsed
// target (possibly nil) before any built-in check. Returning true means the
// hook fully handled the request.
type InitialHandler interface {
	HandleInitial(c echo.Context, t *target.Target) bool
}

// NopInitialHandler never handles anything. It is the default hook.
type NopInitialHandler struct{}

// HandleInitial reports that the request was not handled.
func (NopInitialHandler) HandleInitial(echo.Context, *target.Target) bool { return false }

var (
	// explicitScheme matches request paths that spell out the target scheme.
	explicitScheme = regexp.MustCompile(`^/(?i:https?):`)
	// missingSlash matches the "http:/host" mistake worth a dedicated diagnostic.
	missingSlash = regexp.MustCompile(`^/(?i:https?):/[^/]`)
)

// Gate evaluates the admission checks in a fixed order; the first rejecting
// check wins.
type Gate struct {
	cfg     *config.Config
	limiter ratelimit.Checker
	initial InitialHandler
	logger  *slog.Logger
	metrics *metrics.Metrics
	require []string // lowercased require_header names
}

// New creates a Gate. The metrics parameter is optional; pass nil to disable
// rejection counting.
func New(cfg *config.Config, limiter ratelimit.Checker, initial InitialHandler, logger *slog.Logger, m *metrics.Metrics) *Gate {
	require := make([]string, 0, len(cfg.Proxy.RequireHeader))
	for _, name := range cfg.Proxy.RequireHeader {
		require = append(require, strings.ToLower(name))
	}
	return &Gate{
		cfg:     cfg,
		limiter: limiter,
		initial: initial,
		logger:  logger.With("component", "gate"),
		metrics: m,
		require: require,
	}
}

// Admit runs the admission pipeline for one inbound request.
func (g *Gate) Admit(c echo.Context) *Decision {
	r := c.Request()
	rawPath := r.RequestURI
	corsHeader := cors.Apply(make(http.Header), r, g.cfg.Proxy.CORSMaxAge)

	if r.Method == http.MethodOptions {
		return &Decision{Kind: Preflight, Status: http.StatusOK, Header: corsHeader}
	}

	tgt := target.Parse(strings.TrimPrefix(rawPath, "/"))

	if g.initial != nil && g.initial.HandleInitial(c, tgt) {
		return &Decision{Kind: Handled}
	}

	if tgt == nil {
		if missingSlash.MatchString(rawPath) {
			return g.reject(http.StatusBadRequest, "invalid_url", corsHeader,
				"The URL is invalid: two slashes are needed after the http(s):.")
		}
		return &Decision{Kind: Help, Status: http.StatusOK, Header: corsHeader}
	}

	// Reserved self-test path: clients probe it to learn whether they need
	// the proxy at all. It bypasses every policy below.
	if tgt.Host == "iscorsneeded" {
		return &Decision{Kind: Probe, Status: http.StatusOK, Message: "no"}
	}

	if tgt.Port > 65535 {
		return g.reject(http.StatusBadRequest, "bad_port", corsHeader,
			"Port number too large: "+strconv.Itoa(tgt.Port))
	}

	// Scheme-less requests pay a routability check so junk like /favicon.ico
	// is refused before a network round trip. 404, not 400: scanners probing
	// random paths learn nothing about the proxy.
	if !explicitScheme.MatchString(rawPath) && !target.IsRoutable(tgt.Hostname) {
		return g.reject(http.StatusNotFound, "invalid_host", corsHeader,
			"Invalid host: "+tgt.Hostname)
	}

	if !g.hasRequiredHeader(r.Header) {
		return g.reject(http.StatusBadRequest, "missing_header", corsHeader,
			"Missing required request header. Must specify one of: "+strings.Join(g.require, ", "))
	}

	origin := r.Header.Get("Origin")

	if containsString(g.cfg.Policy.OriginBlacklist, origin) {
		return g.reject(http.StatusForbidden, "origin_blacklist", corsHeader,
			fmt.Sprintf("The origin %q was blacklisted by the operator of this proxy.", origin))
	}

	if len(g.cfg.Policy.OriginWhitelist) > 0 && !containsString(g.cfg.Policy.OriginWhitelist, origin) {
		return g.reject(http.StatusForbidden, "origin_whitelist", corsHeader,
			fmt.Sprintf("The origin %q was not whitelisted by the operator of this proxy.", origin))
	}

	if matchesDomain(tgt.Hostname, g.cfg.Policy.TargetBlacklist) {
		return g.reject(http.StatusForbidden, "target_blacklist", corsHeader,
			fmt.Sprintf("The host %q was blacklisted by the operator of this proxy.", tgt.Hostname))
	}

	if len(g.cfg.Policy.TargetWhitelist) > 0 && !matchesDomain(tgt.Hostname, g.cfg.Policy.TargetWhitelist) {
		return g.reject(http.StatusForbidden, "target_whitelist", corsHeader,
			fmt.Sprintf("The host %q was not whitelisted by the operator of this proxy.", tgt.Hostname))
	}

	if msg := g.limiter.Check(origin); msg != "" {
		return g.reject(http.StatusTooManyRequests, "ratelimit", corsHeader,
			fmt.Sprintf("The origin %q has sent too many requests.\n%s", origin, msg))
	}

	// A same-origin caller does not need the proxy: send it straight to the
	// target and let caches keep it away from here.
	if g.cfg.Proxy.RedirectSameOrigin && origin != "" && strings.HasPrefix(tgt.Href, origin+"/") {
		corsHeader.Set("Vary", "origin")
		corsHeader.Set("Cache-Control", "private")
		corsHeader.Set("Location", tgt.Href)
		return &Decision{Kind: SameOrigin, Status: http.StatusMovedPermanently, Header: corsHeader}
	}

	// Admitted: apply the configured request-header transforms before the
	// engine clones the header set.
	for _, name := range g.cfg.Proxy.RemoveHeaders {
		r.Header.Del(name)
	}
	for name, value := range g.cfg.Proxy.SetHeaders {
		r.Header.Set(name, value)
	}

	return &Decision{
		Kind: Proceed,
		Exchange: &proxy.Exchange{
			Target:       tgt,
			ProxyBaseURL: c.Scheme() + "://" + r.Host,
			MaxRedirects: g.cfg.Proxy.MaxRedirects,
			CORSMaxAge:   g.cfg.Proxy.CORSMaxAge,
		},
	}
}

func (g *Gate) reject(status int, reason string, header http.Header, message string) *Decision {
	if g.metrics != nil {
		g.metrics.GateRejections.WithLabelValues(reason).Inc()
	}
	g.logger.Debug("request rejected",
		"status", status,
		"reason", reason,
	)
	return &Decision{Kind: Reject, Status: status, Message: message, Header: header}
}

// hasRequiredHeader reports whether the request carries at least one of the
// configured required headers. An empty requirement always passes.
func (g *Gate) hasRequiredHeader(h http.Header) bool {
	if len(g.require) == 0 {
		return true
	}
	for _, name := range g.require {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}

// matchesDomain reports whether hostname equals an entry or is a subdomain of
// one. Blacklist and whitelist deliberately share this single equal-or-suffix
// matcher. hostname is already lowercase.
func matchesDomain(hostname string, domains []string) bool {
	for _, domain := range domains {
		domain = strings.ToLower(domain)
		if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
