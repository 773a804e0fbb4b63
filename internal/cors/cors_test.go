package cors

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestApply_AlwaysAllowsAnyOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/example.com", http.NoBody)
	h := Apply(make(http.Header), r, 0)

	if got := h.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	if got := h.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want %q", got, "true")
	}
}

func TestApply_MaxAge(t *testing.T) {
	tests := []struct {
		name   string
		method string
		maxAge int
		want   string
	}{
		{"OPTIONS with max age", http.MethodOptions, 600, "600"},
		{"OPTIONS without max age", http.MethodOptions, 0, ""},
		{"GET never gets max age", http.MethodGet, 600, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/example.com", http.NoBody)
			h := Apply(make(http.Header), r, tt.maxAge)
			if got := h.Get("Access-Control-Max-Age"); got != tt.want {
				t.Errorf("Access-Control-Max-Age = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApply_MirrorsPreflightRequestHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodOptions, "/example.com", http.NoBody)
	r.Header.Set("Access-Control-Request-Method", "PUT")
	r.Header.Set("Access-Control-Request-Headers", "x-custom, content-type")

	h := Apply(make(http.Header), r, 0)

	if got := h.Get("Access-Control-Allow-Methods"); got != "PUT" {
		t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, "PUT")
	}
	if got := h.Get("Access-Control-Allow-Headers"); got != "x-custom, content-type" {
		t.Errorf("Access-Control-Allow-Headers = %q, want %q", got, "x-custom, content-type")
	}

	// The mirrored headers must not survive on the request, or they would be
	// forwarded upstream.
	if got := r.Header.Get("Access-Control-Request-Method"); got != "" {
		t.Errorf("Access-Control-Request-Method still on request: %q", got)
	}
	if got := r.Header.Get("Access-Control-Request-Headers"); got != "" {
		t.Errorf("Access-Control-Request-Headers still on request: %q", got)
	}
}

func TestApply_ExposesFinalHeaderSet(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/example.com", http.NoBody)
	h := make(http.Header)
	h.Set("X-Final-Url", "http://example.com/")
	h.Set("Content-Type", "text/plain")

	Apply(h, r, 0)

	exposed := h.Get("Access-Control-Expose-Headers")
	for _, want := range []string{"X-Final-Url", "Content-Type", "Access-Control-Allow-Origin", "Access-Control-Allow-Credentials"} {
		if !strings.Contains(exposed, want) {
			t.Errorf("Access-Control-Expose-Headers = %q, missing %q", exposed, want)
		}
	}
	if strings.Contains(exposed, "Access-Control-Expose-Headers") {
		t.Errorf("Access-Control-Expose-Headers should not list itself: %q", exposed)
	}
}

func TestApply_Deterministic(t *testing.T) {
	mk := func() http.Header {
		r := httptest.NewRequest(http.MethodGet, "/example.com", http.NoBody)
		h := make(http.Header)
		h.Set("X-B", "1")
		h.Set("X-A", "2")
		h.Set("X-C", "3")
		return Apply(h, r, 0)
	}

	first := mk().Get("Access-Control-Expose-Headers")
	for range 10 {
		if got := mk().Get("Access-Control-Expose-Headers"); got != first {
			t.Fatalf("Expose-Headers not deterministic: %q vs %q", got, first)
		}
	}
}
