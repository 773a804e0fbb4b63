package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func TestNew_EmptySpecIsNop(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := c.(Nop); !ok {
		t.Fatalf("New(\"\") = %T, want Nop", c)
	}
	for range 1000 {
		if msg := c.Check("http://example.com"); msg != "" {
			t.Fatalf("Nop.Check() = %q, want empty", msg)
		}
	}
}

func TestNew_InvalidSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"words", "lots of requests"},
		{"missing period", "50"},
		{"zero max", "0 1"},
		{"zero period", "10 0"},
		{"bad pattern", "10 1 /[/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.spec); err == nil {
				t.Errorf("New(%q) expected error, got nil", tt.spec)
			}
		})
	}
}

func TestCheck_BlocksAfterBurst(t *testing.T) {
	c, err := New("3 1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := range 3 {
		if msg := c.Check("https://example.com"); msg != "" {
			t.Fatalf("request %d: Check() = %q, want allowed", i+1, msg)
		}
	}

	msg := c.Check("https://example.com")
	if msg == "" {
		t.Fatal("fourth request should be limited")
	}
	if !strings.Contains(msg, "limited to 3 per minute") {
		t.Errorf("message = %q, want mention of the limit", msg)
	}
}

func TestCheck_PluralPeriodMessage(t *testing.T) {
	c, err := New("1 5")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_ = c.Check("https://example.com")
	msg := c.Check("https://example.com")
	if !strings.Contains(msg, "per 5 minutes") {
		t.Errorf("message = %q, want %q", msg, "per 5 minutes")
	}
}

func TestCheck_OriginsAreIndependent(t *testing.T) {
	c, err := New("1 1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if msg := c.Check("https://a.example.com"); msg != "" {
		t.Fatalf("a first request blocked: %q", msg)
	}
	if msg := c.Check("https://b.example.com"); msg != "" {
		t.Fatalf("b first request blocked: %q", msg)
	}
	if msg := c.Check("https://a.example.com"); msg == "" {
		t.Fatal("a second request should be limited")
	}
}

func TestCheck_UnlimitedHosts(t *testing.T) {
	c, err := New("1 1 trusted.example.com /(.*\\.)?wild\\.example\\.com/")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name   string
		origin string
	}{
		{"literal host", "https://trusted.example.com"},
		{"literal host case-insensitive", "https://Trusted.Example.COM"},
		{"pattern match", "https://wild.example.com"},
		{"pattern subdomain match", "https://a.wild.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := range 10 {
				if msg := c.Check(tt.origin); msg != "" {
					t.Fatalf("request %d: Check(%q) = %q, want unlimited", i+1, tt.origin, msg)
				}
			}
		})
	}

	// An unrelated origin still hits the limit.
	_ = c.Check("https://other.example.com")
	if msg := c.Check("https://other.example.com"); msg == "" {
		t.Fatal("unrelated origin should still be limited")
	}
}

func TestCheck_SchemeStripped(t *testing.T) {
	c, err := New("1 1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// The two spellings share one bucket: the host is the key, not the origin.
	if msg := c.Check("http://example.com"); msg != "" {
		t.Fatalf("first request blocked: %q", msg)
	}
	if msg := c.Check("https://example.com"); msg == "" {
		t.Fatal("same host over https should share the bucket and be limited")
	}
}

func TestCheck_SweepClearsBuckets(t *testing.T) {
	c, err := New("1 1")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l := c.(*OriginLimiter)

	current := time.Now()
	l.now = func() time.Time { return current }

	_ = l.Check("https://a.example.com")
	_ = l.Check("https://b.example.com")
	if len(l.limiters) != 2 {
		t.Fatalf("limiters = %d, want 2", len(l.limiters))
	}

	current = current.Add(l.period + time.Second)
	_ = l.Check("https://c.example.com")
	if len(l.limiters) != 1 {
		t.Errorf("limiters after sweep = %d, want 1", len(l.limiters))
	}
}
