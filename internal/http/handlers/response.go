// Package handlers provides HTTP handler implementations for the public API.
//
// Every failure is written as an ErrorResponse with a stable code; service
// errors are translated in one place (failService) so a given error always
// maps to the same status everywhere.
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "invalid_transition",
//	  "message": "campaign cannot be scheduled from its current state"
//	}
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-campaign-dispatch/internal/http/middleware"
	"github.com/tbourn/go-campaign-dispatch/internal/services"
)

// ErrorResponse is the error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
	// Field names the rejected input on validation errors
	Field string `json:"field,omitempty" example:"channel"`
}

// fail aborts with an ErrorResponse. 5xx responses are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	failField(c, status, code, msg, "")
}

func failField(c *gin.Context, status int, code, msg, field string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
		Field:     field,
	})
}

// Fail is the exported variant of fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failService translates a service error into its HTTP status and code.
// Unknown errors become a 500 whose message does not leak internals.
func failService(c *gin.Context, err error) {
	var ve *services.ValidationError
	switch {
	case errors.As(err, &ve):
		failField(c, http.StatusBadRequest, ErrCodeValidation, ve.Error(), ve.Field)
	case errors.Is(err, services.ErrCampaignNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "campaign not found")
	case errors.Is(err, services.ErrTaskNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "task not found")
	case errors.Is(err, services.ErrQuizNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "quiz not found")
	case errors.Is(err, services.ErrSessionNotFound):
		fail(c, http.StatusNotFound, ErrCodeSessionNotFound, "no extension session; send a heartbeat first")
	case errors.Is(err, services.ErrSessionExpired):
		fail(c, http.StatusGone, ErrCodeSessionExpired, "extension session expired; send a heartbeat")
	case errors.Is(err, services.ErrLoginRequired):
		fail(c, http.StatusLocked, ErrCodeLoginRequired, "login required on the agent device")
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, "campaign cannot change to that state from its current one")
	case errors.Is(err, services.ErrAudienceEmpty):
		fail(c, http.StatusUnprocessableEntity, ErrCodeAudienceEmpty, "no recipients matched the audience filter")
	case errors.Is(err, services.ErrInsufficientCredit):
		fail(c, http.StatusPaymentRequired, ErrCodeInsufficientCredit, "insufficient credit")
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

// ok writes body as JSON with status.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes 204.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// notModified sets a weak ETag and reports whether the client's
// If-None-Match already matches it, in which case 304 has been written.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}
