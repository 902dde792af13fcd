package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"

	"classattend/internal/auth"
)

// TokenBucket is an in-memory per-caller rate limiter. Callers are keyed by
// their JWT subject when authenticated and by client IP otherwise. A caller
// idle long enough to refill completely is forgotten.
type TokenBucket struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    *ttlcache.Cache[string, *bucket]

	Now func() time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewTokenBucket creates a limiter with capacity tokens refilled at
// perMinute.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	state := ttlcache.New(ttlcache.WithTTL[string, *bucket](refillTime(capacity, perMinute)))
	go state.Start()
	return &TokenBucket{
		capacity: capacity,
		rate:     perMinute,
		state:    state,
		Now:      time.Now,
	}
}

// refillTime is how long an empty bucket takes to fill up again.
func refillTime(capacity, perMinute int) time.Duration {
	if perMinute <= 0 {
		return time.Hour
	}
	d := time.Duration(capacity) * time.Minute / time.Duration(perMinute)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Len reports how many callers are tracked.
func (l *TokenBucket) Len() int { return l.state.Len() }

// Stop ends the eviction loop.
func (l *TokenBucket) Stop() { l.state.Stop() }

// GinMiddleware enforces the limit. Mount it after auth.Bearer to key by
// subject.
func (l *TokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(callerKey(c)) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func callerKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok {
		return "sub:" + claims.Subject
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

func (l *TokenBucket) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	item := l.state.Get(key)
	if item == nil {
		l.state.Set(key, &bucket{tokens: l.capacity - 1, last: now}, ttlcache.DefaultTTL)
		return true
	}
	b := item.Value()
	elapsed := now.Sub(b.last).Minutes()
	refill := int(elapsed * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
