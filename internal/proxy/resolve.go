package proxy

import (
	"context"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/Vali0004/cors-anywhere/internal/config"
)

// Selector picks an upstream HTTP proxy for a target URL. A nil URL with a
// nil error means "connect directly".
type Selector interface {
	ProxyForURL(u *url.URL) (*url.URL, error)
}

// envSelector consults the standard HTTP_PROXY/HTTPS_PROXY/NO_PROXY
// environment variables.
type envSelector struct {
	proxyFunc func(*url.URL) (*url.URL, error)
}

func (s envSelector) ProxyForURL(u *url.URL) (*url.URL, error) {
	return s.proxyFunc(u)
}

// fixedSelector routes every target through one configured proxy.
type fixedSelector struct {
	proxy *url.URL
}

func (s fixedSelector) ProxyForURL(*url.URL) (*url.URL, error) {
	return s.proxy, nil
}

// NewSelector builds the upstream proxy selector: the configured fixed proxy
// when upstream.proxy is set, otherwise the process environment.
func NewSelector(cfg *config.Config) (Selector, error) {
	if cfg.Upstream.Proxy != "" {
		u, err := url.Parse(cfg.Upstream.Proxy)
		if err != nil {
			return nil, err
		}
		return fixedSelector{proxy: u}, nil
	}
	return envSelector{proxyFunc: httpproxy.FromEnvironment().ProxyFunc()}, nil
}

// Resolver resolves a hostname to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NewResolver builds the optional DNS override from config. It returns nil
// when upstream.dns_server is unset, in which case the engine leaves
// resolution to the transport's dialer.
func NewResolver(cfg *config.Config) Resolver {
	server := cfg.Upstream.DNSServer
	if server == "" {
		return nil
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, server)
		},
	}
}
