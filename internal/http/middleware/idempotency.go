// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// Idempotency support: unsafe requests may carry an Idempotency-Key header.
// The validator checks its shape, stashes it on the context and, when a
// scope applies to the matched route, asks a lookup whether a completed
// request with the same (user, scope, key) already exists. Handlers decide
// how to replay; the middleware only marks the request.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the client's key.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemScope  = "idem.scope"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

// ScopeCampaignCreate is the idempotency scope of POST /campaigns.
const ScopeCampaignCreate = "campaigns.create"

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the validated key stored by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// GetIdempotencyScope returns the scope resolved for this request, if any.
func GetIdempotencyScope(c *gin.Context) string {
	v, _ := c.Get(ctxKeyIdemScope)
	s, _ := v.(string)
	return s
}

// IsReplay reports whether a completed request with the same key was found.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ScopeFunc maps a request to an idempotency scope. An empty scope means
// the route does not take part in replay detection.
type ScopeFunc func(c *gin.Context) string

// CampaignCreateScope scopes POST requests on the campaigns collection.
func CampaignCreateScope(c *gin.Context) string {
	if c.Request.Method != http.MethodPost {
		return ""
	}
	if strings.HasSuffix(c.FullPath(), "/campaigns") {
		return ScopeCampaignCreate
	}
	return ""
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters; defaults to ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Scope resolves the replay scope. Nil disables lookups.
	Scope ScopeFunc
}

// IdempotencyLookup reports whether a still-valid record exists for
// (userID, scope, key). Errors are treated as "not found".
type IdempotencyLookup func(ctx context.Context, userID, scope, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header and marks
// replays. A malformed key is answered with 400; an absent key is a no-op.
// A detected replay also bypasses rate limiting.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if opts.Scope == nil || lookup == nil {
			c.Next()
			return
		}
		scope := opts.Scope(c)
		if scope == "" {
			c.Next()
			return
		}
		c.Set(ctxKeyIdemScope, scope)

		if exists, _ := lookup(c.Request.Context(), userIDFromCtx(c), scope, key, time.Now().UTC()); exists {
			c.Set(ctxKeyIdemReplay, true)
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	}
}

// userIDFromCtx resolves the caller the same way the handlers do: the
// authenticated identity, then the X-User-ID header, then "demo-user".
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}
