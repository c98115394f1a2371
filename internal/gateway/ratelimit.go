package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────────
// Keyed Token Bucket Rate Limiter
//
// Adapted from the teacher's per-IP HTTP limiter, generalized to a string
// key: the WebSocket read loop keys it by user id (every inbound frame past
// the handshake carries an authenticated session), guarding against a
// client flooding JOIN_LOBBY/INPUT/PING frames, and Middleware keys it by
// client IP for the HTTP surface.
//
// A background goroutine evicts buckets idle for more than
// cleanupIdleDuration to prevent unbounded memory growth from churned
// connections.
// ──────────────────────────────────────────────────────────────────────

const cleanupIdleDuration = 10 * time.Minute

type bucket struct {
	tokens   float64
	lastSeen time.Time
	mu       sync.Mutex
}

// RateLimiter holds per-user token buckets.
type RateLimiter struct {
	rate  float64 // tokens added per second
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter allows ratePerSec frames/second per user with burst
// capacity burst.
func NewRateLimiter(ratePerSec float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		rate:    ratePerSec,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether userID may send one more frame right now,
// consuming a token if so.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[userID]
	if !ok {
		b = &bucket{tokens: rl.burst}
		rl.buckets[userID] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastSeen = now

	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}
	return false
}

// Middleware returns a Gin handler enforcing the limit per client IP, for
// the plain HTTP surface (auth/logout/lobbies/admin routes).
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-cleanupIdleDuration)
		rl.mu.Lock()
		for id, b := range rl.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, id)
			}
		}
		rl.mu.Unlock()
	}
}
