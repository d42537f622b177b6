// Package delivery hands rendered paid-channel messages to the outside
// world. Senders return plain errors for transient failures (the caller
// retries) and wrap non-retryable ones with Permanent.
package delivery

import (
	"context"
	"errors"
)

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// Message is one rendered send.
type Message struct {
	TaskID     string `json:"task_id"`
	CampaignID string `json:"campaign_id"`
	OwnerID    string `json:"owner_id"`
	Channel    string `json:"channel"`
	Contact    string `json:"contact"`
	Body       string `json:"body"`
	Attempt    int    `json:"attempt"`
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent wraps err so that IsPermanent reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

func validate(msg Message) error {
	switch {
	case msg.TaskID == "":
		return Permanent(errors.New("missing task id"))
	case msg.Contact == "":
		return Permanent(errors.New("missing contact"))
	}
	return nil
}
