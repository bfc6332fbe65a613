package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBurst(t *testing.T) {
	rl := NewRateLimiter(5)
	defer rl.Close()

	// burst = 2x limit
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("acct-1"), "call %d", i+1)
	}
	assert.False(t, rl.Allow("acct-1"))
}

func TestAllowConcurrentCountsAreExact(t *testing.T) {
	rl := NewRateLimiter(50) // burst 100
	defer rl.Close()

	// Seed the window so every goroutine takes the read-locked fast path.
	assert.True(t, rl.Allow("acct-1"))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("acct-1") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// Exactly the burst passes, seed call included.
	assert.Equal(t, int64(99), allowed.Load())
}

func TestAllowKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Close()

	for i := 0; i < 2; i++ {
		assert.True(t, rl.Allow("acct-1"))
	}
	assert.False(t, rl.Allow("acct-1"))
	assert.True(t, rl.Allow("acct-2"))
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Close()

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	req.Header.Set("X-Account-ID", "7")

	var last int
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestMiddlewareAnonymousBucket(t *testing.T) {
	rl := NewRateLimiter(1)
	defer rl.Close()

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
