// Package middleware: signaling rate limiting.
//
// The fast-path signaling endpoints are reachable before a session has
// any lease, so they get their own sliding-window limiter keyed by
// session id. This is separate from the pipeline's per-lease token
// bucket, which covers action budgets.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// SignalingMaxOffers bounds re-offers per session per window. Offer
	// churn past this is a misbehaving host, not a reconnect.
	SignalingMaxOffers = 10

	// SignalingWindow is the sliding window for offer counting.
	SignalingWindow = 1 * time.Minute

	cleanupInterval  = 5 * time.Minute
	cleanupThreshold = 10 * time.Minute
)

// SlidingLimiter is a simple in-memory sliding window rate limiter.
// Records attempt timestamps per key, filters to the window, and allows
// while the count stays under the cap. Entries are swept periodically
// so abandoned keys do not leak.
type SlidingLimiter struct {
	attempts map[string][]time.Time
	mu       sync.Mutex
	once     sync.Once
}

// NewSlidingLimiter creates an empty limiter.
func NewSlidingLimiter() *SlidingLimiter {
	return &SlidingLimiter{attempts: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether it fits the
// window.
func (rl *SlidingLimiter) Allow(key string, maxAttempts int, window time.Duration) bool {
	rl.once.Do(func() { go rl.cleanup() })

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	valid := rl.attempts[key][:0]
	for _, t := range rl.attempts[key] {
		if now.Sub(t) < window {
			valid = append(valid, t)
		}
	}

	if len(valid) >= maxAttempts {
		rl.attempts[key] = valid
		return false
	}

	rl.attempts[key] = append(valid, now)
	return true
}

func (rl *SlidingLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, attempts := range rl.attempts {
			valid := attempts[:0]
			for _, t := range attempts {
				if now.Sub(t) < cleanupThreshold {
					valid = append(valid, t)
				}
			}
			if len(valid) == 0 {
				delete(rl.attempts, key)
			} else {
				rl.attempts[key] = valid
			}
		}
		rl.mu.Unlock()
	}
}

// SignalingRateLimit guards the WebRTC offer endpoint against offer
// churn, keyed by the route's session id.
func SignalingRateLimit(rl *SlidingLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow("offer:"+c.Param("id"), SignalingMaxOffers, SignalingWindow) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "signaling rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
