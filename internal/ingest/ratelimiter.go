package ingest

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"opsrelay/internal/config"
)

// RateLimiter throttles alert producers per source IP over a fixed window.
// It sits in front of the ring buffer, so a flooding producer is rejected
// here before its alerts can crowd out everyone else's queue slots.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	exempt map[string]bool

	mu      sync.RWMutex
	sources map[string]*sourceWindow

	allowed uint64
	limited uint64

	stopCh chan struct{}
}

// sourceWindow is one producer's request count in its current window.
type sourceWindow struct {
	mu    sync.Mutex
	count int
	reset time.Time
}

// NewRateLimiter creates a limiter and starts its source-eviction loop.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 5 * time.Minute
	}

	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, path := range cfg.ExemptPaths {
		exempt[path] = true
	}

	rl := &RateLimiter{
		cfg:     cfg,
		exempt:  exempt,
		sources: make(map[string]*sourceWindow),
		stopCh:  make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow counts one request from the given source and reports whether it is
// under the limit, how many requests remain and when the window resets.
func (rl *RateLimiter) Allow(source string) (bool, int, time.Time) {
	now := time.Now()

	rl.mu.Lock()
	sw := rl.sources[source]
	if sw == nil {
		sw = &sourceWindow{reset: now.Add(rl.cfg.WindowSize)}
		rl.sources[source] = sw
	}
	rl.mu.Unlock()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if now.After(sw.reset) {
		sw.count = 0
		sw.reset = now.Add(rl.cfg.WindowSize)
	}

	limit := rl.cfg.RequestsPerIP + rl.cfg.BurstSize
	if sw.count >= limit {
		atomic.AddUint64(&rl.limited, 1)
		return false, 0, sw.reset
	}

	sw.count++
	atomic.AddUint64(&rl.allowed, 1)
	return true, limit - sw.count, sw.reset
}

// IsExempt reports whether a path bypasses rate limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exempt[path]
}

func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictStale()
		case <-rl.stopCh:
			return
		}
	}
}

// evictStale drops sources whose window ended more than a full window ago;
// a returning producer simply starts a fresh window.
func (rl *RateLimiter) evictStale() {
	cutoff := time.Now().Add(-rl.cfg.WindowSize)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for source, sw := range rl.sources {
		sw.mu.Lock()
		stale := sw.reset.Before(cutoff)
		sw.mu.Unlock()
		if stale {
			delete(rl.sources, source)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("stale rate limit sources evicted", "removed", removed, "tracked", len(rl.sources))
	}
}

// Stop halts the eviction loop.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// RateLimiterMetrics holds limiter counters.
type RateLimiterMetrics struct {
	Allowed        uint64 `json:"allowed"`
	Limited        uint64 `json:"limited"`
	TrackedSources int    `json:"tracked_sources"`
}

// Metrics returns current limiter counters.
func (rl *RateLimiter) Metrics() RateLimiterMetrics {
	rl.mu.RLock()
	tracked := len(rl.sources)
	rl.mu.RUnlock()

	return RateLimiterMetrics{
		Allowed:        atomic.LoadUint64(&rl.allowed),
		Limited:        atomic.LoadUint64(&rl.limited),
		TrackedSources: tracked,
	}
}

// rateLimitMiddleware rejects requests over the per-source limit with 429
// and standard X-RateLimit headers.
func rateLimitMiddleware(next http.Handler, cfg config.RateLimitConfig) http.Handler {
	limiter := NewRateLimiter(cfg)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		source := sourceAddr(r, cfg.TrustProxy)
		allowed, remaining, reset := limiter.Allow(source)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.RequestsPerIP+cfg.BurstSize))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if !allowed {
			slog.Warn("alert producer rate limited",
				"source", source,
				"path", r.URL.Path,
				"method", r.Method)

			retryAfter := int(time.Until(reset).Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"code":"RATE_LIMITED","message":"too many requests","retry_after":%d}`, retryAfter)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// sourceAddr extracts the producer address, honoring proxy headers only
// when the deployment says the proxy is trusted.
func sourceAddr(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
