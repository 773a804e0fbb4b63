// Package ratelimit provides the per-origin request rate check consulted
// during request admission.
package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Checker decides whether an origin may send another request. A non-empty
// return value is a human-readable violation message; empty means allowed.
// Implementations must be safe for concurrent use and must not block.
type Checker interface {
	Check(origin string) string
}

// Nop allows every request. It is the default when no limit is configured.
type Nop struct{}

// Check always allows.
func (Nop) Check(string) string { return "" }

// specPattern matches "max period-minutes [unlimited hosts...]".
var specPattern = regexp.MustCompile(`^(\d+) (\d+)(?:\s*$|\s+(.+)$)`)

// schemePrefix strips "scheme://" from an origin to get its host.
var schemePrefix = regexp.MustCompile(`^[\w\-]+://`)

// OriginLimiter enforces a token-bucket limit per origin host. Hosts listed
// as unlimited, either literally or via /regex/ patterns, bypass the limit.
type OriginLimiter struct {
	max     int
	period  time.Duration
	exact   map[string]bool
	regexps []*regexp.Regexp
	message string

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSweep time.Time
	now       func() time.Time
}

// New parses a rate limit spec of the form
//
//	"<max-requests> <period-minutes> [host or /pattern/ ...]"
//
// and returns a Checker. An empty spec yields the no-op checker.
func New(spec string) (Checker, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Nop{}, nil
	}

	m := specPattern.FindStringSubmatch(spec)
	if m == nil {
		return nil, fmt.Errorf("ratelimit: invalid spec %q, want \"max period-minutes [unlimited hosts]\"", spec)
	}
	maxRequests, err := strconv.Atoi(m[1])
	if err != nil || maxRequests < 1 {
		return nil, fmt.Errorf("ratelimit: max requests must be a positive integer; got %q", m[1])
	}
	periodMinutes, err := strconv.Atoi(m[2])
	if err != nil || periodMinutes < 1 {
		return nil, fmt.Errorf("ratelimit: period must be a positive number of minutes; got %q", m[2])
	}

	l := &OriginLimiter{
		max:      maxRequests,
		period:   time.Duration(periodMinutes) * time.Minute,
		exact:    make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
	l.lastSweep = l.now()

	periodText := "minute"
	if periodMinutes != 1 {
		periodText = fmt.Sprintf("%d minutes", periodMinutes)
	}
	l.message = fmt.Sprintf("The number of requests is limited to %d per %s. "+
		"Please self-host this proxy if you need more quota.", maxRequests, periodText)

	for _, part := range strings.Fields(m[3]) {
		if strings.HasPrefix(part, "/") && strings.HasSuffix(part, "/") && len(part) > 1 {
			re, err := regexp.Compile(`(?i)^(?:` + part[1:len(part)-1] + `)$`)
			if err != nil {
				return nil, fmt.Errorf("ratelimit: invalid host pattern %q: %w", part, err)
			}
			l.regexps = append(l.regexps, re)
			continue
		}
		l.exact[strings.ToLower(part)] = true
	}

	return l, nil
}

// Check consumes one token from the origin's bucket and reports a violation
// message when the bucket is empty. Unlimited hosts never consume tokens.
func (l *OriginLimiter) Check(origin string) string {
	host := strings.ToLower(schemePrefix.ReplaceAllString(origin, ""))

	if l.exact[host] {
		return ""
	}
	for _, re := range l.regexps {
		if re.MatchString(host) {
			return ""
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop idle buckets once per period so the map stays bounded.
	if now := l.now(); now.Sub(l.lastSweep) >= l.period {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastSweep = now
	}

	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.max)/l.period.Seconds()), l.max)
		l.limiters[host] = lim
	}
	if !lim.Allow() {
		return l.message
	}
	return ""
}
