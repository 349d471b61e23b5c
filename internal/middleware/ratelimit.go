package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a fixed-window counter per key.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string]*requestInfo
	limit    int
	window   time.Duration
	now      func() time.Time

	// expired keys are dropped by the first allow after nextSweep
	nextSweep time.Time
}

type requestInfo struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, window, time.Now)
}

func NewRateLimiterWithNow(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		requests:  make(map[string]*requestInfo),
		limit:     limit,
		window:    window,
		now:       now,
		nextSweep: now().Add(window),
	}
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for key, info := range rl.requests {
		if now.After(info.resetAt) {
			delete(rl.requests, key)
		}
	}
	rl.nextSweep = now.Add(rl.window)
}

func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.allow(key)
	return ok
}

// allow also returns how long until the key's window resets.
func (rl *RateLimiter) allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.After(rl.nextSweep) {
		rl.sweepLocked(now)
	}
	info, exists := rl.requests[key]
	if !exists || now.After(info.resetAt) {
		rl.requests[key] = &requestInfo{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if info.count >= rl.limit {
		return false, info.resetAt.Sub(now)
	}

	info.count++
	return true, 0
}

// RateLimitMiddleware limits by authenticated user when RequireAuth ran
// earlier in the chain, and by client IP otherwise.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if uid, ok := UserIDFromContext(c); ok {
			key = "user:" + uid
		}
		ok, wait := rl.allow(key)
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
