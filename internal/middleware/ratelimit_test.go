package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestRateLimiter creates a RateLimiter suitable for testing (no background cleanup).
func newTestRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		config: RateLimiterConfig{
			MaxRequests:     maxRequests,
			Window:          window,
			CleanupInterval: 1 * time.Hour, // won't fire during test
		},
		nowFunc: time.Now,
		stopCh:  make(chan struct{}),
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	})
}

func byCallerID(r *http.Request) string { return CallerIDFromContext(r.Context()) }

func reasonRequest(conversationID string) *http.Request {
	body, _ := json.Marshal(map[string]string{"conversationId": conversationID})
	return httptest.NewRequest(http.MethodPost, "/api/reason", bytes.NewReader(body))
}

func TestRateLimit_UnderLimit(t *testing.T) {
	rl := newTestRateLimiter(5, 1*time.Minute)
	defer rl.Stop()
	handler := RateLimit(rl, byCallerID)(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		req = req.WithContext(WithCallerID(req.Context(), "caller-1"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	rl := newTestRateLimiter(3, 1*time.Minute)
	defer rl.Stop()
	handler := RateLimit(rl, byCallerID)(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		req = req.WithContext(WithCallerID(req.Context(), "caller-1"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req = req.WithContext(WithCallerID(req.Context(), "caller-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("4th request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response body: %v", err)
	}
	if body["success"] != false {
		t.Error("expected success=false")
	}
	if body["error"] != "rate limit exceeded" {
		t.Errorf("error = %q, want %q", body["error"], "rate limit exceeded")
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_PerCallerIsolation(t *testing.T) {
	rl := newTestRateLimiter(2, 1*time.Minute)
	defer rl.Stop()
	handler := RateLimit(rl, byCallerID)(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		req = req.WithContext(WithCallerID(req.Context(), "caller-A"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("caller-A request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req = req.WithContext(WithCallerID(req.Context(), "caller-A"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("caller-A 3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req = req.WithContext(WithCallerID(req.Context(), "caller-B"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("caller-B request: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRateLimit_ByConversationID(t *testing.T) {
	rl := newTestRateLimiter(1, 1*time.Minute)
	defer rl.Stop()
	handler := RateLimit(rl, ConversationIDKey)(okHandler())

	req := reasonRequest("conv-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	req = reasonRequest("conv-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request same conversation: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	req = reasonRequest("conv-2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("different conversation: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestConversationIDKey_PreservesBodyForHandler(t *testing.T) {
	rl := newTestRateLimiter(10, 1*time.Minute)
	defer rl.Stop()

	var bodySeenByHandler string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodySeenByHandler = string(b)
		w.WriteHeader(http.StatusOK)
	})
	handler := RateLimit(rl, ConversationIDKey)(inner)

	req := reasonRequest("conv-keep-body")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !strings.Contains(bodySeenByHandler, "conv-keep-body") {
		t.Errorf("handler did not see original body, got %q", bodySeenByHandler)
	}
}

func TestRateLimit_429ResponseBody(t *testing.T) {
	rl := newTestRateLimiter(1, 1*time.Minute)
	defer rl.Stop()
	handler := RateLimit(rl, byCallerID)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req = req.WithContext(WithCallerID(req.Context(), "caller-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req = req.WithContext(WithCallerID(req.Context(), "caller-1"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if len(body) != 2 {
		t.Errorf("response has %d fields, want 2", len(body))
	}
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	if body["error"] != "rate limit exceeded" {
		t.Errorf("error = %q, want %q", body["error"], "rate limit exceeded")
	}

	retryAfter := rec.Header().Get("Retry-After")
	if retryAfter == "" {
		t.Error("missing Retry-After header")
	}
}

func TestRateLimit_WindowExpiry(t *testing.T) {
	mu := sync.Mutex{}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	rl := &RateLimiter{
		config: RateLimiterConfig{
			MaxRequests:     2,
			Window:          1 * time.Minute,
			CleanupInterval: 1 * time.Hour,
		},
		nowFunc: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		stopCh: make(chan struct{}),
	}
	defer rl.Stop()
	handler := RateLimit(rl, byCallerID)(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
		req = req.WithContext(WithCallerID(req.Context(), "caller-1"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d at t=0: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req = req.WithContext(WithCallerID(req.Context(), "caller-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("3rd request at t=0: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	mu.Lock()
	now = now.Add(61 * time.Second)
	mu.Unlock()

	req = httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req = req.WithContext(WithCallerID(req.Context(), "caller-1"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("request after window expiry: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRateLimit_FallbackToRemoteAddr(t *testing.T) {
	rl := newTestRateLimiter(1, 1*time.Minute)
	defer rl.Stop()
	handler := RateLimit(rl, byCallerID)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request same IP: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("request from different IP: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := newTestRateLimiter(3, 1*time.Minute)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		allowed, _ := rl.Allow("key1")
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	allowed, retryAfter := rl.Allow("key1")
	if allowed {
		t.Error("4th request should be denied")
	}
	if retryAfter < 1 {
		t.Errorf("retryAfter = %d, want >= 1", retryAfter)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	mu := sync.Mutex{}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	rl := &RateLimiter{
		config: RateLimiterConfig{
			MaxRequests:     2,
			Window:          1 * time.Minute,
			CleanupInterval: 100 * time.Millisecond,
		},
		nowFunc: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
		stopCh: make(chan struct{}),
	}

	rl.Allow("caller-stale")
	rl.Allow("caller-stale")

	if _, ok := rl.windows.Load("caller-stale"); !ok {
		t.Fatal("expected caller-stale to exist")
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	go rl.cleanup()
	time.Sleep(300 * time.Millisecond)
	rl.Stop()

	if _, ok := rl.windows.Load("caller-stale"); ok {
		t.Error("expected caller-stale to be cleaned up")
	}
}

func TestPruneExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-1 * time.Minute)

	timestamps := []time.Time{
		now.Add(-2 * time.Minute),  // expired
		now.Add(-90 * time.Second), // expired
		now.Add(-30 * time.Second), // still valid
		now,                        // still valid
	}

	result := pruneExpired(timestamps, cutoff)
	if len(result) != 2 {
		t.Errorf("pruneExpired returned %d entries, want 2", len(result))
	}
}
