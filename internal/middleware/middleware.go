package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	AccountHeader = "X-Account-ID"
	accountKey    = "account_id"
)

// Identity requires the X-Account-ID header set by the authenticating proxy
// in front of the service. The value is trusted as given.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(AccountHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": AccountHeader + " header required",
			})
			return
		}
		c.Set(accountKey, id)
		c.Next()
	}
}

// AccountID returns the identity stored by Identity.
func AccountID(c *gin.Context) string {
	return c.GetString(accountKey)
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter gives every account its own token bucket refilling at rps with
// room for burst requests. A bucket left alone for burst/rps is full again, so
// such buckets are dropped and recreated on demand. A zero rps disables it.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*bucket
	rps       rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	r := &RateLimiter{
		clients: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
	if rps > 0 {
		r.idle = time.Duration(float64(burst) / rps * float64(time.Second))
	}
	return r
}

// PerSecond allows rps requests per second per account with a burst of the
// same size.
func PerSecond(rps int) *RateLimiter {
	if rps <= 0 {
		return NewRateLimiter(0, 0)
	}
	return NewRateLimiter(float64(rps), rps)
}

func (r *RateLimiter) allow(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if now.Sub(r.lastSweep) >= r.idle {
		r.sweep(now)
	}
	b, ok := r.clients[clientID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(r.rps, r.burst)}
		r.clients[clientID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (r *RateLimiter) sweep(now time.Time) {
	for id, b := range r.clients {
		if now.Sub(b.seen) >= r.idle {
			delete(r.clients, id)
		}
	}
	r.lastSweep = now
}

func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.rps <= 0 {
			c.Next()
			return
		}
		clientID := AccountID(c)
		if clientID == "" {
			clientID = c.ClientIP()
		}
		if !r.allow(clientID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Logger writes one structured line per request.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id := AccountID(c); id != "" {
			fields = append(fields, zap.String("account_id", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case status >= http.StatusBadRequest:
			log.Info("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
