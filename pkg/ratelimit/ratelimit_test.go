package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// Burst of 2 at 10/s: two immediate events, then wait ~100ms per token
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("test-key") {
		t.Error("Third request should be rate limited")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("test-key") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := PerMinute(1)

	if !limiter.Allow("discord:alice") {
		t.Fatal("alice's first event should be allowed")
	}
	if limiter.Allow("discord:alice") {
		t.Error("alice's second event should be limited")
	}
	if !limiter.Allow("discord:bob") {
		t.Error("bob should have his own bucket")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)

	handler := limiter.Middleware(func(r *http.Request) string {
		return "test-key"
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 3)
	for i := range codes {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhook", nil))
		codes[i] = rr.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two requests should succeed, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request should be rate limited, got %d", codes[2])
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(1, 1)
	limiter.Allow("a")
	limiter.Allow("b")

	if n := limiter.CleanupOldLimiters(time.Hour); n != 0 {
		t.Errorf("fresh limiters removed: %d", n)
	}
	time.Sleep(10 * time.Millisecond)
	if n := limiter.CleanupOldLimiters(time.Millisecond); n != 2 {
		t.Errorf("expected 2 stale limiters removed, got %d", n)
	}
	if limiter.Len() != 0 {
		t.Errorf("expected no tracked keys, got %d", limiter.Len())
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	if got := IPKeyFunc(req); got != "10.0.0.5" {
		t.Errorf("IPKeyFunc = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := IPKeyFunc(req); got != "203.0.113.7" {
		t.Errorf("IPKeyFunc with XFF = %q", got)
	}
}
