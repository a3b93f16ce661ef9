package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newTestThrottle(t *testing.T, perMinute int) *Throttle {
	t.Helper()
	cfg := NewThrottleConfig(perMinute)
	cfg.CleanupInterval = time.Minute
	th := NewThrottle(cfg)
	t.Cleanup(th.Stop)
	return th
}

func throttleRequest(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestThrottle_AllowsBurstThenReturns429(t *testing.T) {
	th := newTestThrottle(t, 3)

	handler := th.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		if w := throttleRequest(handler, "10.0.0.1:1000"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := throttleRequest(handler, "10.0.0.1:1001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	// 3 req/min = 0.05 req/sec → 1トークン補充まで20秒
	if got, _ := strconv.Atoi(w.Header().Get("Retry-After")); got != 20 {
		t.Errorf("Retry-After = %q, want 20", w.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q, want RATE_LIMIT_EXCEEDED", body.Code)
	}
}

func TestThrottle_IndependentPerIP(t *testing.T) {
	th := newTestThrottle(t, 1)

	handler := th.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if w := throttleRequest(handler, "10.0.0.1:1"); w.Code != http.StatusOK {
		t.Fatalf("ip1 first: status = %d", w.Code)
	}
	if w := throttleRequest(handler, "10.0.0.1:2"); w.Code != http.StatusTooManyRequests {
		t.Errorf("ip1 second: status = %d, want 429", w.Code)
	}
	if w := throttleRequest(handler, "10.0.0.2:1"); w.Code != http.StatusOK {
		t.Errorf("ip2 first: status = %d, want 200", w.Code)
	}
	if th.Len() != 2 {
		t.Errorf("Len = %d, want 2", th.Len())
	}
}

func TestThrottle_CleanupRemovesStaleEntries(t *testing.T) {
	th := newTestThrottle(t, 10)

	handler := th.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	throttleRequest(handler, "10.0.0.1:1")

	th.cleanup(time.Now().Add(time.Minute))
	if th.Len() != 1 {
		t.Errorf("entry should survive within ttl, Len = %d", th.Len())
	}

	th.cleanup(time.Now().Add(3 * time.Minute))
	if th.Len() != 0 {
		t.Errorf("stale entry should be removed, Len = %d", th.Len())
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.1", "192.0.2.1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := ClientIP(req); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
