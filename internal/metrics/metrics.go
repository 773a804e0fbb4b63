// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    prometheus.Counter
	RedirectsFollowed prometheus.Counter
	GateRejections    *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_anywhere_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_class"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_anywhere_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_class"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cors_anywhere_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cors_anywhere_upstream_request_duration_seconds",
			Help:    "Outbound hop latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_anywhere_upstream_responses_total",
			Help: "Total outbound hop responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cors_anywhere_upstream_errors_total",
			Help: "Outbound exchanges that failed at the transport level.",
		}),

		RedirectsFollowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cors_anywhere_redirects_followed_total",
			Help: "Total redirect hops followed on behalf of clients.",
		}),

		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cors_anywhere_gate_rejections_total",
			Help: "Requests refused during admission, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.RedirectsFollowed,
		m.GateRejections,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the service's own route prefixes.
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics", "/iscorsneeded"}

// NormalizePath returns a bounded path label for Prometheus metrics. Proxied
// request paths embed arbitrary target URLs, so everything that is not a
// service route collapses to "proxy".
func NormalizePath(path string) string {
	if path == "" || path == "/" {
		return "help"
	}
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "proxy"
}
