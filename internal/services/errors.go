// Package services defines the business logic for campaigns, the credit
// ledger, audience resolution, the dispatch scheduler and the extension
// bridge. This file centralizes service-level error values so that they can
// be consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the class of every input rejected before any state
	// change. Use errors.As with *ValidationError for the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientCredit is returned by a debit that would take the
	// balance below zero. The balance is left untouched.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrAudienceEmpty is returned when scheduling resolves zero recipients.
	ErrAudienceEmpty = errors.New("audience is empty")

	// ErrLoginRequired is returned to an agent whose session is blocked until
	// the user logs in again.
	ErrLoginRequired = errors.New("login required")

	// ErrDeliveryTimeout marks an agent task whose lease expired without an
	// acknowledgement.
	ErrDeliveryTimeout = errors.New("delivery timeout")

	// ErrPermanentDelivery is a non-retryable send failure.
	ErrPermanentDelivery = errors.New("permanent delivery failure")

	// ErrInternal wraps unexpected storage or invariant failures.
	ErrInternal = errors.New("internal error")

	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSessionNotFound   = errors.New("extension session not found")
	ErrSessionExpired    = errors.New("extension session expired")
	ErrQuizNotFound      = errors.New("quiz not found")
)

// ValidationError names the rejected field and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func internal(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrInternal, err)
}
