// Package target parses path-embedded upstream URLs and decides whether a
// hostname is plausibly routable.
package target

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Target is a parsed upstream URL. It is immutable once produced by Parse.
type Target struct {
	Scheme   string // "http" or "https"
	Host     string // hostname plus optional ":port", IPv6 bracketed
	Hostname string // lowercased, no brackets
	Port     int    // -1 when absent; may exceed 65535 (callers reject, not Parse)
	Path     string // path plus query, always starts with "/" or "?"
	Href     string // canonical "scheme://host path" form
}

// collapsedScheme matches the common client mistake of a single slash after
// the scheme, e.g. "http:/example.com".
var collapsedScheme = regexp.MustCompile(`^(?i:(https?)):/([^/].*)$`)

// schemeOnly matches inputs that start with an http(s) scheme but never formed
// a valid "scheme://" prefix, e.g. "http:" or "http:?x". These are ambiguous
// and rejected rather than guessed at.
var schemeOnly = regexp.MustCompile(`^(?i:https?):`)

// Parse parses a request path with the leading "/" already stripped into a
// Target. It tolerates scheme-less input ("example.com/a", "//example.com/a")
// and repairs a collapsed "http:/host" prefix when the first segment plausibly
// names an authority (contains ".", ":" or "["). It returns nil when no
// hostname can be extracted.
//
// Parse is pure: it performs no I/O and equal inputs yield equal Targets.
func Parse(raw string) *Target {
	if m := collapsedScheme.FindStringSubmatch(raw); m != nil {
		seg := m[2]
		if i := strings.IndexAny(seg, "/?"); i >= 0 {
			seg = seg[:i]
		}
		if !strings.ContainsAny(seg, ".:[") {
			// "http:/x" is as likely a mangled path as a mangled URL.
			return nil
		}
		raw = strings.ToLower(m[1]) + "://" + m[2]
	}

	var scheme string
	switch {
	case len(raw) >= 7 && strings.EqualFold(raw[:7], "http://"):
		scheme, raw = "http", raw[7:]
	case len(raw) >= 8 && strings.EqualFold(raw[:8], "https://"):
		scheme, raw = "https", raw[8:]
	case schemeOnly.MatchString(raw):
		return nil
	case strings.HasPrefix(raw, "//"):
		raw = raw[2:]
	}

	hostport := raw
	path := "/"
	if i := strings.IndexAny(raw, "/?"); i >= 0 {
		hostport, path = raw[:i], raw[i:]
	}

	hostname, port, ok := splitPort(hostport)
	if !ok || hostname == "" {
		return nil
	}
	hostname = strings.ToLower(hostname)

	if scheme == "" {
		scheme = "http"
		if port == 443 {
			scheme = "https"
		}
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port >= 0 {
		host += ":" + strconv.Itoa(port)
	}

	return &Target{
		Scheme:   scheme,
		Host:     host,
		Hostname: hostname,
		Port:     port,
		Path:     path,
		Href:     scheme + "://" + host + path,
	}
}

// splitPort splits "host[:port]" where a port is a run of 1–5 digits. A
// non-numeric or over-long suffix is kept as part of the hostname, mirroring
// how lenient URL parsers treat it. A trailing bare colon is dropped.
func splitPort(hostport string) (hostname string, port int, ok bool) {
	if strings.HasPrefix(hostport, "[") {
		end := strings.Index(hostport, "]")
		if end < 0 {
			return "", -1, false
		}
		hostname = hostport[1:end]
		rest := hostport[end+1:]
		if rest == "" {
			return hostname, -1, true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", -1, false
		}
		digits := rest[1:]
		if digits == "" {
			return hostname, -1, true
		}
		p, valid := parsePort(digits)
		if !valid {
			return "", -1, false
		}
		return hostname, p, true
	}

	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return hostport, -1, true
	}
	digits := hostport[i+1:]
	if digits == "" {
		return hostport[:i], -1, true
	}
	if p, valid := parsePort(digits); valid {
		return hostport[:i], p, true
	}
	return hostport, -1, true
}

func parsePort(digits string) (int, bool) {
	if len(digits) > 5 {
		return -1, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return -1, false
		}
	}
	p, err := strconv.Atoi(digits)
	if err != nil {
		return -1, false
	}
	return p, true
}

// IsRoutable reports whether a hostname is plausibly reachable on the public
// internet: it ends in an ICANN-listed public suffix or is a literal IP
// address. It is a cheap pre-flight heuristic to refuse junk like
// "favicon.ico" before a network round trip, not a security boundary, and is
// bypassed for requests that carry an explicit scheme.
func IsRoutable(hostname string) bool {
	if _, err := netip.ParseAddr(hostname); err == nil {
		return true
	}
	hostname = strings.ToLower(hostname)
	suffix, icann := publicsuffix.PublicSuffix(hostname)
	return icann && suffix != "" && len(hostname) > len(suffix)
}
