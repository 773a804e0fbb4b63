package proxy

import (
	"github.com/Vali0004/cors-anywhere/internal/target"
)

// Exchange is the per-request state threaded through the forwarding engine.
// It is created once at admission and mutated only while following redirects;
// it is discarded when the response is finalized.
type Exchange struct {
	// Target is the upstream URL for the current hop. Redirect hops replace it.
	Target *target.Target

	// ProxyBaseURL is this proxy's own external base ("scheme://host"), used
	// to rewrite Location headers the client must follow itself.
	ProxyBaseURL string

	// RedirectCount is the number of redirect hops already followed.
	RedirectCount int

	// MaxRedirects bounds RedirectCount; hops past it are handed back to the
	// client via a rewritten Location.
	MaxRedirects int

	// CORSMaxAge is the Access-Control-Max-Age value for preflights, in
	// seconds. Zero omits the header.
	CORSMaxAge int
}
