package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Vali0004/cors-anywhere/internal/gate"
	"github.com/Vali0004/cors-anywhere/internal/proxy"
)

// ProxyHandler ties the admission gate to the forwarding engine: every
// request on the catch-all route goes through Admit, and only a Proceed
// decision reaches the engine.
type ProxyHandler struct {
	gate   *gate.Gate
	engine *proxy.Engine
	help   *HelpPage
	logger *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(g *gate.Gate, e *proxy.Engine, help *HelpPage, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		gate:   g,
		engine: e,
		help:   help,
		logger: logger.With("component", "proxy_handler"),
	}
}

// Handle runs one request through the admission pipeline and acts on the
// decision. Terminal decisions carry their own header set; it is merged into
// the response before the body is written.
func (h *ProxyHandler) Handle(c echo.Context) error {
	d := h.gate.Admit(c)

	if d.Header != nil {
		out := c.Response().Header()
		for k, vals := range d.Header {
			for _, v := range vals {
				out.Add(k, v)
			}
		}
	}

	switch d.Kind {
	case gate.Proceed:
		return h.engine.Forward(c, d.Exchange)
	case gate.Handled:
		return nil
	case gate.Preflight:
		return c.NoContent(d.Status)
	case gate.Help:
		return h.help.Render(c, d.Status)
	case gate.Probe, gate.Reject:
		return c.String(d.Status, d.Message)
	case gate.SameOrigin:
		return c.NoContent(d.Status)
	default:
		h.logger.Error("unhandled admission decision", "kind", int(d.Kind))
		return c.NoContent(http.StatusInternalServerError)
	}
}
