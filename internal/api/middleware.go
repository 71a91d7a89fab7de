// Package api implements the admin REST API of the game host: client table
// inspection and control, session history and Prometheus metrics.
package api

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequireToken rejects requests whose bearer token does not match token.
// An empty token leaves the routes open.
func RequireToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}

		got, ok := bearerToken(c.GetHeader("Authorization"))
		switch {
		case !ok:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
		case subtle.ConstantTimeCompare([]byte(got), want) != 1:
			log.Warn().Str("client_ip", c.ClientIP()).Str("path", c.Request.URL.Path).Msg("API: rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		default:
			c.Next()
		}
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// bucketIdleTTL is how long an untouched per-IP bucket is kept.
const bucketIdleTTL = 5 * time.Minute

// RateLimiter is a per-IP token bucket. Each address may burst up to twice
// the sustained rate.
type RateLimiter struct {
	rate  float64
	burst float64

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per IP.
// A non-positive rps disables limiting.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		rate:    float64(rps),
		burst:   float64(2 * rps),
		buckets: make(map[string]*bucket),
	}
}

// Middleware answers 429 with a Retry-After hint once an IP runs dry.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rate <= 0 {
			c.Next()
			return
		}
		if !rl.allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(1/rl.rate))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > bucketIdleTTL {
		for k, b := range rl.buckets {
			if now.Sub(b.seen) > bucketIdleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{tokens: rl.burst, seen: now}
		rl.buckets[ip] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.seen).Seconds()*rl.rate)
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// SecurityHeaders marks API responses as non-embeddable, non-sniffable JSON.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Server", "mniam")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Cache-Control", "no-store")
		}
		c.Next()
	}
}

// RequestLogger logs every request once it completes. Server errors are
// logged at warn level, everything else at debug.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := zerolog.DebugLevel
		if status >= http.StatusInternalServerError {
			level = zerolog.WarnLevel
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		log.WithLevel(level).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("took", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("API request")
	}
}
