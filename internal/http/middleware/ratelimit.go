// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory token-bucket rate limiter. Requests are
// first classified into a traffic class (static assets, extension and
// internal automation, bulk campaign authoring, the rest of the API) and
// then limited per (class, identity), so the extension's polling never eats
// the quota of a user editing campaigns.
//
// The limiter is process-local and is meant for abuse control at the edge,
// not for authorization.
package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Traffic classes.
const (
	ClassStatic   = "static-asset"
	ClassInternal = "internal-automation"
	ClassBulk     = "bulk-authoring"
	ClassAPI      = "authenticated-api"
)

// Quota is a single token bucket definition.
type Quota struct {
	RPS   float64
	Burst int
}

// keyFunc selects the identity used to key a bucket within a class.
type keyFunc func(*gin.Context) string

// ClassifyFunc maps a request to a traffic class.
type ClassifyFunc func(*gin.Context) string

// KeyByUserOrIP keys buckets by the caller (context identity or X-User-ID),
// falling back to the client IP.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get("userID"); ok {
			if s, ok := v.(string); ok && s != "" {
				return "user:" + s
			}
		}
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return "user:" + h
		}
		return "ip:" + c.ClientIP()
	}
}

// ClassifyByRoute buckets requests by path and method. Paths are matched
// relative to apiBase.
func ClassifyByRoute(apiBase string) ClassifyFunc {
	apiBase = strings.TrimRight(apiBase, "/")
	return func(c *gin.Context) string {
		p := c.Request.URL.Path
		switch {
		case strings.HasPrefix(p, "/swagger/"), p == "/health", p == "/metrics", p == "/favicon.ico":
			return ClassStatic
		}
		rel := strings.TrimPrefix(p, apiBase)
		switch {
		case strings.HasPrefix(rel, "/extension/"), strings.HasPrefix(rel, "/internal/"):
			return ClassInternal
		case strings.HasPrefix(rel, "/campaigns") &&
			(c.Request.Method == http.MethodPost || c.Request.Method == http.MethodDelete):
			return ClassBulk
		}
		return ClassAPI
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per (class, identity). Buckets are
// created on demand and idle ones are evicted opportunistically.
// Safe for concurrent use.
type RateLimiter struct {
	quotas   map[string]Quota
	classify ClassifyFunc
	keyFn    keyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	cleanupN uint64
}

// NewRateLimiter builds a limiter from per-class quotas. Requests whose
// class has no quota fall back to ClassAPI; if that is missing too they
// pass unlimited. Bursts <= 0 are coerced to 1.
func NewRateLimiter(quotas map[string]Quota, classify ClassifyFunc, keyFn keyFunc) *RateLimiter {
	q := make(map[string]Quota, len(quotas))
	for name, v := range quotas {
		if v.Burst <= 0 {
			v.Burst = 1
		}
		q[name] = v
	}
	if classify == nil {
		classify = func(*gin.Context) string { return ClassAPI }
	}
	return &RateLimiter{
		quotas:   q,
		classify: classify,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

func (rl *RateLimiter) quotaFor(class string) (string, Quota, bool) {
	if q, ok := rl.quotas[class]; ok {
		return class, q, true
	}
	q, ok := rl.quotas[ClassAPI]
	return ClassAPI, q, ok
}

// getVisitor returns the bucket for key, creating it with q when absent.
// Idle buckets are swept every 5000 lookups, before the requested one is
// touched so a stale bucket can be evicted even when it is the one asked for.
func (rl *RateLimiter) getVisitor(key string, q Quota) *rate.Limiter {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, vv := range rl.visitors {
			if now.Sub(vv.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rate.Limit(q.RPS), q.Burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// IsRateBypass reports whether IdempotencyValidator marked the request as a
// replay, which is served without consuming tokens.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limits. Denied requests get 429 with Retry-After: 1
// and an X-RateLimit-Class header naming the exhausted bucket.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		class, q, ok := rl.quotaFor(rl.classify(c))
		if !ok {
			c.Next()
			return
		}
		if rl.getVisitor(class+"|"+rl.keyFn(c), q).Allow() {
			c.Next()
			return
		}

		c.Header("Retry-After", "1")
		c.Header("X-RateLimit-Class", class)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
