package platform

import (
	"context"
	"errors"
	"fmt"

	"hermod/internal/envelope"
)

// Update is the canonical form of one chat-platform update, normalized at
// the webhook boundary before the inbound pipeline sees it
type Update struct {
	BotID     string
	UpdateID  int64
	ChatID    int64
	MessageID int64
	ReplyToID int64
	TopicID   int64
	Text      string
	Payload   envelope.Payload
}

// Sender delivers an output envelope to one chat-platform destination and
// reports the platform message id of the delivered message
type Sender interface {
	Send(ctx context.Context, destination string, env *envelope.Envelope) (int64, error)
}

// DeliveryError is a classified chat-platform delivery failure
type DeliveryError struct {
	StatusCode int
	Err        error
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed (status %d): %v", e.StatusCode, e.Err)
}

// Unwrap exposes the underlying cause
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure class is worth retrying
// (rate limiting and server-side errors)
func (e *DeliveryError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsRetryable reports whether err is a retryable delivery failure
func IsRetryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}
