package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimiter_AllowAndDeny(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	rl := NewRateLimiterWithNow(2, time.Minute, func() time.Time { return clock })

	if !rl.Allow("ip") {
		t.Fatalf("expected allow")
	}
	if !rl.Allow("ip") {
		t.Fatalf("expected allow")
	}
	if rl.Allow("ip") {
		t.Fatalf("expected deny")
	}
	if !rl.Allow("other") {
		t.Fatalf("expected keys to be independent")
	}

	clock = clock.Add(time.Minute + time.Second)
	if !rl.Allow("ip") {
		t.Fatalf("expected allow after window")
	}
}

func TestRateLimiter_SweepsExpiredKeysWithoutBackgroundWork(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(1, time.Minute, func() time.Time { return clock })

	for _, key := range []string{"a", "b", "c"} {
		rl.Allow(key)
	}
	clock = clock.Add(30 * time.Second)
	rl.Allow("d")
	if n := len(rl.requests); n != 4 {
		t.Fatalf("expected 4 tracked keys inside the window, got %d", n)
	}

	clock = clock.Add(45 * time.Second)
	rl.Allow("e")
	if _, ok := rl.requests["a"]; ok {
		t.Fatalf("expected expired key swept")
	}
	if n := len(rl.requests); n != 2 {
		t.Fatalf("expected d and e to remain, got %d keys", n)
	}
}

func TestRateLimitMiddleware_KeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiterWithNow(1, time.Minute, func() time.Time { return clock })

	r := gin.New()
	r.POST("/", func(c *gin.Context) {
		c.Set(userIDContextKey, c.GetHeader("X-User"))
		c.Next()
	}, RateLimitMiddleware(rl), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("a"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w := do("a")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", w.Header().Get("Retry-After"))
	}
	if w := do("b"); w.Code != http.StatusOK {
		t.Fatalf("expected other user to pass, got %d", w.Code)
	}
}
