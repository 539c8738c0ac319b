package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/subha-wp/trading-app/internal/dto"
)

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per authenticated user, falling back to
// the client IP for anonymous requests.
type RateLimiter struct {
	config   *RateLimitConfig
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:   config,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (r *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.config.Enabled || r.config.RequestsPerMinute <= 0 {
			c.Next()
			return
		}

		if !r.allow(visitorKey(c)) {
			c.Header("Retry-After", strconv.Itoa(int(r.interval().Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.ErrorResponse{
				Error:   "rate limit exceeded",
				Code:    "RATE_LIMITED",
				Message: "Too many trade requests, slow down",
			})
			return
		}

		c.Next()
	}
}

func (r *RateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	v, ok := r.visitors[key]
	if !ok {
		burst := r.config.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Every(r.interval()), burst)}
		r.visitors[key] = v
	}
	v.lastSeen = now

	return v.limiter.AllowN(now, 1)
}

func (r *RateLimiter) interval() time.Duration {
	return time.Minute / time.Duration(r.config.RequestsPerMinute)
}

// Cleanup drops buckets idle for longer than maxIdle.
func (r *RateLimiter) Cleanup(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	cutoff := r.now().Add(-maxIdle)
	for key, v := range r.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(r.visitors, key)
			removed++
		}
	}
	return removed
}

func visitorKey(c *gin.Context) string {
	if userID, ok := UserID(c); ok {
		return "user:" + strconv.Itoa(userID)
	}
	return "ip:" + c.ClientIP()
}
