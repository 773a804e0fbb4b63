// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-anywhere/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong. The env names follow the
// conventions of typical CORS proxy deployments (HOST, PORT,
// CORSANYWHERE_BLACKLIST and friends) so existing deploy scripts keep working.
type CLI struct {
	Config          string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	OriginBlacklist string `kong:"help='Comma-separated origins to refuse (overrides config).',env='CORSANYWHERE_BLACKLIST'"`
	OriginWhitelist string `kong:"help='Comma-separated origins to allow (overrides config).',env='CORSANYWHERE_WHITELIST'"`
	RateLimit       string `kong:"help='Rate limit spec: \"max period-minutes [unlimited hosts]\" (overrides config).',env='CORSANYWHERE_RATELIMIT'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is read-only after
// Load returns; concurrent requests consult it without locking.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Policy   PolicyConfig   `toml:"policy"`
	Limit    LimitConfig    `toml:"ratelimit"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"` // 0 disables the inbound body limit
}

// ProxyConfig controls request mediation: redirect following, preflight
// caching, header hygiene and the help document.
type ProxyConfig struct {
	MaxRedirects       int               `toml:"max_redirects"` // 0 means "use default" (5)
	CORSMaxAge         int               `toml:"cors_max_age"`  // seconds; 0 disables Access-Control-Max-Age
	RequireHeader      []string          `toml:"require_header"`
	RemoveHeaders      []string          `toml:"remove_headers"`
	SetHeaders         map[string]string `toml:"set_headers"`
	RedirectSameOrigin bool              `toml:"redirect_same_origin"`
	XForward           bool              `toml:"x_forward"`
	HelpFile           string            `toml:"help_file"`
}

// PolicyConfig holds the origin and target access lists. Origins match
// exactly; target entries match the hostname or any of its subdomains.
type PolicyConfig struct {
	OriginBlacklist []string `toml:"origin_blacklist"`
	OriginWhitelist []string `toml:"origin_whitelist"`
	TargetBlacklist []string `toml:"target_blacklist"`
	TargetWhitelist []string `toml:"target_whitelist"`
}

// LimitConfig holds the per-origin rate limit spec.
type LimitConfig struct {
	Spec string `toml:"spec"` // "max period-minutes [unlimited hosts]", empty disables
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	Proxy           string `toml:"proxy"`      // fixed upstream HTTP proxy URL; empty uses the environment
	DNSServer       string `toml:"dns_server"` // "host:port" of a DNS server overriding system resolution
	TimeoutSeconds  int    `toml:"timeout_seconds"` // 0 disables the whole-exchange timeout
	IdleConnections int    `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides. When no explicit
// path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-anywhere/config.toml then configs/config.toml; if neither exists
// the proxy runs on defaults plus CLI/env overrides alone.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.OriginBlacklist != "" {
		c.Policy.OriginBlacklist = splitList(cli.OriginBlacklist)
	}
	if cli.OriginWhitelist != "" {
		c.Policy.OriginWhitelist = splitList(cli.OriginWhitelist)
	}
	if cli.RateLimit != "" {
		c.Limit.Spec = cli.RateLimit
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Proxy.MaxRedirects < 0 {
		return fmt.Errorf("proxy.max_redirects must be non-negative; got %d", c.Proxy.MaxRedirects)
	}
	if c.Proxy.CORSMaxAge < 0 {
		return fmt.Errorf("proxy.cors_max_age must be non-negative; got %d", c.Proxy.CORSMaxAge)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}

	// Upstream proxy URL, when fixed.
	if c.Upstream.Proxy != "" {
		u, err := url.Parse(c.Upstream.Proxy)
		if err != nil {
			return fmt.Errorf("upstream.proxy is not a valid URL: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("upstream.proxy must be an absolute URL; got %q", c.Upstream.Proxy)
		}
	}

	// DNS override, when set.
	if c.Upstream.DNSServer != "" {
		if _, _, err := net.SplitHostPort(c.Upstream.DNSServer); err != nil {
			return fmt.Errorf("upstream.dns_server must be host:port; got %q", c.Upstream.DNSServer)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "console", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text, console; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, MaxRedirects, etc.), zero means "unset" because
// TOML cannot distinguish between an explicit 0 and an omitted key. Setting
// port=0 in the config file therefore results in the default port (8080).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Proxy.MaxRedirects == 0 {
		c.Proxy.MaxRedirects = 5
	}
	if c.Proxy.HelpFile == "" {
		c.Proxy.HelpFile = "help.txt"
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
