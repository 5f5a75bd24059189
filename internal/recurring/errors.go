package recurring

import (
	"errors"
	"fmt"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
)

var (
	// ErrNotFound is returned when a subscription, payment or change request
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict means another worker already claimed the payment.
	// Callers treat it as already handled.
	ErrConcurrencyConflict = errors.New("payment already claimed")
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// InvalidStateError reports a lifecycle transition the current status forbids.
type InvalidStateError struct {
	ID     string
	Status string
	Action string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in status %s", e.Action, e.ID, e.Status)
}

func invalidSubscriptionState(sub *models.Subscription, action string) *InvalidStateError {
	return &InvalidStateError{ID: sub.ID, Status: string(sub.Status), Action: action}
}

// PersistenceError wraps a store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PaymentProviderError is a declined or failed charge.
type PaymentProviderError struct {
	Reason string
	Code   string
}

func (e *PaymentProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment provider: %s (%s)", e.Reason, e.Code)
	}
	return "payment provider: " + e.Reason
}

// PendingChargeError means the provider accepted a charge that has not
// settled yet. A retry would be a second charge under a new idempotency key.
type PendingChargeError struct {
	TransactionID string
	Status        string
}

func (e *PendingChargeError) Error() string {
	return fmt.Sprintf("payment provider: charge %s is %s", e.TransactionID, e.Status)
}
