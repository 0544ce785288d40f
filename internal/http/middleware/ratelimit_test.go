package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func limiterRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.POST("/webhooks/billing", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimiter_BurstThenThrottle(t *testing.T) {
	rl := NewRateLimiter(0, 2, KeyByUserOrIP()) // no refill, burst of 2
	r := limiterRouter(rl)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on 429")
	}
}

func TestRateLimiter_KeysByUserWhenPresent(t *testing.T) {
	rl := NewRateLimiter(0, 1, KeyByUserOrIP())
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", c.GetHeader("X-User-ID"))
	})
	r.Use(rl.Handler())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(user string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-User-ID", user)
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("alice"); code != http.StatusOK {
		t.Fatalf("alice first: got %d", code)
	}
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("alice second: got %d, want 429", code)
	}
	// A different user has their own bucket.
	if code := send("bob"); code != http.StatusOK {
		t.Fatalf("bob: got %d, want 200", code)
	}
}

func TestRateLimiter_ExemptPath(t *testing.T) {
	rl := NewRateLimiter(0, 1, KeyByUserOrIP()).Exempt("/webhooks/billing")
	r := limiterRouter(rl)

	// Exhaust the bucket on a limited path.
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	}

	// Exempt path still passes.
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/billing", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("exempt request %d: got %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByUserOrIP())
	rl.ttl = 10 * time.Millisecond

	_ = rl.getVisitor("ip:1.2.3.4")
	time.Sleep(20 * time.Millisecond)

	// Force the sweep on the next lookup.
	rl.mu.Lock()
	rl.lookups = visitorGCThreshold
	rl.mu.Unlock()
	_ = rl.getVisitor("ip:5.6.7.8")

	rl.mu.Lock()
	_, stale := rl.visitors["ip:1.2.3.4"]
	_, fresh := rl.visitors["ip:5.6.7.8"]
	rl.mu.Unlock()

	if stale {
		t.Fatalf("idle visitor should have been evicted")
	}
	if !fresh {
		t.Fatalf("fresh visitor missing")
	}
}

func TestRateLimiter_CoercesBurst(t *testing.T) {
	rl := NewRateLimiter(1, 0, KeyByUserOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst = %d, want 1", rl.burst)
	}
}
