package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"evmoracle/core/identity"
)

func TestRateLimiterKeysByCaller(t *testing.T) {
	limiter := newRateLimiter(RateLimit{RequestsPerMinute: 1, Burst: 2}, slog.Default())
	now := time.Unix(1_700_000_000, 0)
	limiter.now = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(caller identity.Identity, addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/pairs", nil)
		req.RemoteAddr = addr
		if caller != "" {
			req = req.WithContext(WithCaller(req.Context(), caller))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := call("alice", "10.0.0.1:1000"); code != http.StatusNoContent {
			t.Fatalf("request %d: unexpected status %d", i, code)
		}
	}
	if code := call("alice", "10.0.0.2:1000"); code != http.StatusTooManyRequests {
		t.Fatalf("expected alice to be limited across addresses, got %d", code)
	}
	if code := call("bob", "10.0.0.1:1000"); code != http.StatusNoContent {
		t.Fatalf("expected bob to have a separate budget, got %d", code)
	}
	if code := call("", "10.0.0.3:1000"); code != http.StatusNoContent {
		t.Fatalf("expected anonymous caller keyed by address, got %d", code)
	}

	now = now.Add(time.Minute)
	if code := call("alice", "10.0.0.1:1000"); code != http.StatusNoContent {
		t.Fatalf("expected token refill after a minute, got %d", code)
	}

	now = now.Add(2 * visitorIdleTTL)
	call("carol", "10.0.0.4:1000")
	limiter.mu.Lock()
	remaining := len(limiter.visitors)
	limiter.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("expected idle visitors to be swept, %d remain", remaining)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	limiter := newRateLimiter(RateLimit{}, slog.Default())
	if got := limiter.Middleware(next); got == nil {
		t.Fatalf("expected passthrough handler")
	}
}
