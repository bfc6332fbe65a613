// Package middleware holds the HTTP middleware chain: per-account rate
// limiting and request logging.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter enforces a per-account sliding window on API calls.
// Expired windows are garbage-collected in the background.
type RateLimiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	limit   int
	burst   int
	log     *slog.Logger
	stop    chan struct{}
}

type window struct {
	count atomic.Int64
	start time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per minute per key,
// with short bursts up to twice the limit.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = 120
	}
	rl := &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		burst:   limit * 2,
		log:     slog.With("component", "rate_limiter"),
		stop:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under key fits the current window. The
// fast path only holds the read lock; the atomic counter keeps concurrent
// increments exact.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	w, ok := rl.windows[key]
	if ok && now.Sub(w.start) <= time.Minute {
		count := int(w.count.Add(1))
		rl.mu.RUnlock()
		if count > rl.burst {
			rl.log.Warn("rate limit exceeded", "key", key, "count", count, "burst", rl.burst)
			return false
		}
		if count > rl.limit {
			rl.log.Warn("rate limit soft-exceeded, within burst", "key", key, "count", count, "limit", rl.limit)
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok = rl.windows[key]
	if ok && now.Sub(w.start) <= time.Minute {
		return int(w.count.Add(1)) <= rl.burst
	}
	w = &window{start: now}
	w.count.Store(1)
	rl.windows[key] = w
	return true
}

// Middleware keys requests by the X-Account-ID header; requests without one
// share the anonymous bucket.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Account-ID")
		if key == "" {
			key = "anonymous"
		}
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the cleanup loop.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.start) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
