package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Limiter is an in-memory per-client token bucket. Good enough for one
// school's traffic; swap to Redis if this ever runs behind more than one
// instance.
type Limiter struct {
	capacity  int
	perMinute int

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewLimiter creates a limiter that refills perMinute tokens up to capacity.
func NewLimiter(capacity, perMinute int) *Limiter {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &Limiter{
		capacity:  capacity,
		perMinute: perMinute,
		state:     make(map[string]*bucket),
	}
}

// Gin returns a handler enforcing per-IP limits.
func (l *Limiter) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip, time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *Limiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: float64(l.capacity) - 1, last: now}
		return true
	}

	refill := now.Sub(b.last).Minutes() * float64(l.perMinute)
	if refill > 0 {
		b.tokens += refill
		if b.tokens > float64(l.capacity) {
			b.tokens = float64(l.capacity)
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
