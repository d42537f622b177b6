// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file holds the request plumbing every route relies on: correlation
// IDs, caller identity, the request-scoped logger and panic recovery.
// Install in this order: RequestID, Identity, RedactingLogger, Recovery.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"

	// HeaderUserID names the caller. Authentication happens upstream; the
	// gateway forwards the verified id in this header.
	HeaderUserID = "X-User-ID"

	maxUserIDLen = 64
)

// RequestID reuses an incoming X-Request-ID or generates a UUIDv4, echoes it
// on the response and stores it under "requestID".
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Identity copies the X-User-ID header into the "userID" context key unless
// an earlier middleware already set one. Oversized ids are rejected.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v, ok := c.Get("userID"); ok {
			if s, _ := v.(string); s != "" {
				c.Next()
				return
			}
		}
		uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if len(uid) > maxUserIDLen {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_request",
				"message":    "X-User-ID too long",
			})
			return
		}
		if uid != "" {
			c.Set("userID", uid)
		}
		c.Next()
	}
}

// attachLogger stores a logger carrying the request id and caller on both
// the Gin context (for handlers) and the request context (for services).
func attachLogger(c *gin.Context) *zerolog.Logger {
	rid, _ := c.Get(requestIDKey)
	uid, _ := c.Get("userID")
	l := log.With().
		Str("request_id", asString(rid)).
		Str("user_id", asString(uid)).
		Logger()
	c.Set(loggerKey, &l)
	c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
	return &l
}

// LoggerFrom returns the request-scoped logger, or a plain global one when
// none was attached.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// Recovery turns a panic into a JSON 500 carrying the request id and logs
// the stack. If the handler already wrote, only the status is set.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid, _ := c.Get(requestIDKey)
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", asString(rid)).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, asString(rid))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": asString(rid),
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truncate caps s at max bytes, appending an ellipsis. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
