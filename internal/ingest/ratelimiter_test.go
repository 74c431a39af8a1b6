package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"opsrelay/internal/config"
)

func testLimiterConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 3,
		BurstSize:     1,
		WindowSize:    100 * time.Millisecond,
		CleanupPeriod: time.Hour,
		ExemptPaths:   []string{"/health"},
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	// Limit is base + burst.
	for i := 0; i < 4; i++ {
		allowed, remaining, _ := rl.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d: rejected under the limit", i+1)
		}
		if remaining != 3-i {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, 3-i)
		}
	}
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Error("request over the limit must be rejected")
	}

	// Another source has its own window.
	if allowed, _, _ := rl.Allow("10.0.0.2"); !allowed {
		t.Error("distinct source must not share the exhausted window")
	}

	m := rl.Metrics()
	if m.Allowed != 5 || m.Limited != 1 || m.TrackedSources != 2 {
		t.Errorf("metrics = %+v, want Allowed 5, Limited 1, TrackedSources 2", m)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	for i := 0; i < 4; i++ {
		rl.Allow("10.0.0.1")
	}
	if allowed, _, _ := rl.Allow("10.0.0.1"); allowed {
		t.Fatal("window should be exhausted")
	}

	time.Sleep(120 * time.Millisecond)
	if allowed, _, _ := rl.Allow("10.0.0.1"); !allowed {
		t.Error("a fresh window must admit the source again")
	}
}

func TestRateLimiterExemptPaths(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	if !rl.IsExempt("/health") {
		t.Error("/health should be exempt")
	}
	if rl.IsExempt("/v1/alerts") {
		t.Error("/v1/alerts should not be exempt")
	}
}

func TestRateLimiterEvictsStaleSources(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	time.Sleep(250 * time.Millisecond) // two windows past the reset
	rl.evictStale()

	if got := rl.Metrics().TrackedSources; got != 0 {
		t.Errorf("tracked sources = %d, want 0 after eviction", got)
	}
}

func TestSourceAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
	req.RemoteAddr = "203.0.113.7:40000"
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")

	if got := sourceAddr(req, false); got != "203.0.113.7" {
		t.Errorf("untrusted proxy: source = %q, want RemoteAddr host", got)
	}
	if got := sourceAddr(req, true); got != "198.51.100.9" {
		t.Errorf("trusted proxy: source = %q, want first forwarded hop", got)
	}

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.10")
	if got := sourceAddr(req, true); got != "198.51.100.10" {
		t.Errorf("trusted proxy: source = %q, want X-Real-IP", got)
	}
}
