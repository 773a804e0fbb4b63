// Package cors synthesizes the response headers a browser needs to consume a
// proxied response cross-origin.
package cors

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Apply stamps the CORS header set onto h and returns it.
//
// It mirrors Access-Control-Request-Method/-Headers from the request into the
// corresponding Allow headers and deletes them from the request so they are
// never forwarded upstream. Access-Control-Expose-Headers is computed last
// from the names present in h at that point, so Apply must run after every
// header that should be client-readable has been added and before the
// response is flushed.
func Apply(h http.Header, r *http.Request, maxAge int) http.Header {
	h.Set("Access-Control-Allow-Origin", "*")

	if r.Method == http.MethodOptions && maxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	}

	if v := r.Header.Get("Access-Control-Request-Method"); v != "" {
		h.Set("Access-Control-Allow-Methods", v)
		r.Header.Del("Access-Control-Request-Method")
	}
	if v := r.Header.Get("Access-Control-Request-Headers"); v != "" {
		h.Set("Access-Control-Allow-Headers", v)
		r.Header.Del("Access-Control-Request-Headers")
	}

	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", exposedNames(h))

	return h
}

// exposedNames joins every header name currently in h, sorted for
// deterministic output. Expose-Headers itself is not yet in h when called.
func exposedNames(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
