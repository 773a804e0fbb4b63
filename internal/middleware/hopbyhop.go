package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are connection-scoped headers that must not travel through
// the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from inbound requests before any handler sees them.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}
			return next(c)
		}
	}
}
