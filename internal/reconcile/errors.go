package reconcile

import (
	"errors"
	"fmt"
	"time"
)

// ErrPaymentNotCompleted means the gateway did not confirm payment.
var ErrPaymentNotCompleted = errors.New("reconcile: payment not completed")

// ErrClaimLost means the claim expired and another attempt took it over.
var ErrClaimLost = errors.New("reconcile: claim no longer held")

// IdempotencyInProgressError is returned while another attempt holds the claim.
type IdempotencyInProgressError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *IdempotencyInProgressError) Error() string {
	return fmt.Sprintf("reconcile: reconciliation in progress for %s", e.Key)
}

// ExternalVerificationError means the gateway gave no answer. The attempt can
// be retried with the same token.
type ExternalVerificationError struct {
	Attempts int
	Err      error
}

func (e *ExternalVerificationError) Error() string {
	return fmt.Sprintf("reconcile: payment verification unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExternalVerificationError) Unwrap() error { return e.Err }

// SessionMismatchError means the caller named an appointment the payment
// session was not opened for.
type SessionMismatchError struct {
	SessionID string
	Field     string
}

func (e *SessionMismatchError) Error() string {
	return fmt.Sprintf("reconcile: payment session %s does not match %s", e.SessionID, e.Field)
}
