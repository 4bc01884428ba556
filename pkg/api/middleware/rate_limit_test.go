package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request within burst should be allowed")
	}
	if !rl.Allow("10.0.0.1") {
		t.Fatal("second request within burst should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("request beyond burst should be denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("other clients keep their own bucket")
	}
}

func TestRateLimiterEvictStale(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow("10.0.0.1")

	rl.mu.Lock()
	rl.clients["10.0.0.1"].lastSeen = time.Now().Add(-clientEvictAfter - time.Minute)
	rl.mu.Unlock()

	rl.evictStale()

	rl.mu.Lock()
	_, ok := rl.clients["10.0.0.1"]
	rl.mu.Unlock()
	if ok {
		t.Fatal("stale client bucket should have been evicted")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:41000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:41001"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:55123"
	if got := clientKey(req); got != "192.168.1.5" {
		t.Errorf("expected host only, got %q", got)
	}

	req.RemoteAddr = "not-an-addr"
	if got := clientKey(req); got != "not-an-addr" {
		t.Errorf("expected raw remote addr fallback, got %q", got)
	}
}
