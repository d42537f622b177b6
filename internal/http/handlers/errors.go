package handlers

// Error codes returned in ErrorResponse.Code. Clients branch on these, never
// on messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Campaigns and credits.
	ErrCodeValidation         = "validation_failed"
	ErrCodeInvalidTransition  = "invalid_transition"
	ErrCodeAudienceEmpty      = "audience_empty"
	ErrCodeInsufficientCredit = "insufficient_credit"

	// Extension protocol.
	ErrCodeSessionNotFound = "session_not_found"
	ErrCodeSessionExpired  = "session_expired"
	ErrCodeLoginRequired   = "login_required"
)
