package handler

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/Vali0004/cors-anywhere/internal/config"
)

// HelpPage serves the usage document shown for requests that carry no target
// URL. The file is read once and cached for the lifetime of the process.
type HelpPage struct {
	path   string
	logger *slog.Logger

	once        sync.Once
	body        string
	contentType string
	readErr     error
}

// NewHelpPage creates a HelpPage backed by the configured help file.
func NewHelpPage(cfg *config.Config, logger *slog.Logger) *HelpPage {
	return &HelpPage{
		path:   cfg.Proxy.HelpFile,
		logger: logger.With("component", "help"),
	}
}

// Render writes the help document with the given status. A read failure is
// reported as a 500 and cached; it stands until restart.
func (h *HelpPage) Render(c echo.Context, status int) error {
	h.once.Do(h.load)

	if h.readErr != nil {
		h.logger.Error("reading help file",
			"err", h.readErr,
			"path", h.path,
		)
		return c.String(http.StatusInternalServerError, "")
	}
	return c.Blob(status, h.contentType, []byte(h.body))
}

func (h *HelpPage) load() {
	data, err := os.ReadFile(h.path)
	if err != nil {
		h.readErr = err
		return
	}
	h.body = string(data)
	h.contentType = "text/plain"
	if strings.HasSuffix(h.path, ".html") {
		h.contentType = "text/html"
	}
}
