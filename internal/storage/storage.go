// Package storage defines the persistence contract shared by the Postgres and
// in-memory stores.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a conditional write finds the record in an
	// unexpected state, or when a second open payment would be created.
	ErrConflict = errors.New("storage: conflict")
)

// SubscriptionFilter narrows subscription searches. Zero values match everything.
type SubscriptionFilter struct {
	DonorID    string
	CampaignID string
	Status     models.SubscriptionStatus
	Limit      int
	Offset     int
}

// StatusChange is a conditional lifecycle transition of a subscription.
type StatusChange struct {
	From   []models.SubscriptionStatus
	To     models.SubscriptionStatus
	At     time.Time
	Reason string
	// Optional overrides written with the transition.
	NextProcessDate *time.Time
	RetryCount      *int
}

// PaymentCompletion carries the fields written when a charge succeeds.
type PaymentCompletion struct {
	ProcessedDate         time.Time
	ProviderTransactionID string
}

// Store is the durable store.
type Store interface {
	Ping(ctx context.Context) error

	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	// UpdateSubscriptionTerms writes amount, currency, frequency, interval,
	// end date, receipts flag and campaign. The next process date and retry
	// count belong to the scheduler and are never written here.
	UpdateSubscriptionTerms(ctx context.Context, sub *models.Subscription) error
	// TransitionSubscription applies ch only if the current status is in ch.From.
	TransitionSubscription(ctx context.Context, id string, ch StatusChange) (*models.Subscription, error)
	SearchSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]models.Subscription, error)
	// ListUnscheduled returns active subscriptions last updated before
	// updatedBefore that have no scheduled or processing payment.
	ListUnscheduled(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Subscription, error)

	// SchedulePayment inserts p and, in the same transaction, sets the owning
	// subscription's next process date and retry count. It returns ErrConflict
	// when the subscription is not active or already has an open payment.
	SchedulePayment(ctx context.Context, p *models.ScheduledPayment, nextProcessDate time.Time, retryCount int) error
	// ReplaceScheduledPayment cancels the scheduled payment oldID and inserts p
	// in its place in one transaction. A non-nil nextProcessDate moves the
	// subscription's next process date with it. It returns ErrConflict when
	// oldID is no longer scheduled or the subscription is not active.
	ReplaceScheduledPayment(ctx context.Context, oldID string, p *models.ScheduledPayment, nextProcessDate *time.Time) error
	GetPayment(ctx context.Context, id string) (*models.ScheduledPayment, error)
	ListPaymentsBySubscription(ctx context.Context, subscriptionID string) ([]models.ScheduledPayment, error)
	OpenPayment(ctx context.Context, subscriptionID string) (*models.ScheduledPayment, error)
	ListDuePayments(ctx context.Context, asOf time.Time, limit int) ([]models.ScheduledPayment, error)
	ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.ScheduledPayment, error)
	ListRecentPayments(ctx context.Context, status models.PaymentStatus, limit int) ([]models.ScheduledPayment, error)

	// ClaimPayment moves a payment scheduled -> processing.
	ClaimPayment(ctx context.Context, id string, now time.Time) (*models.ScheduledPayment, error)
	// RecordPaymentSuccess moves a payment processing -> completed and adds it
	// to the subscription's statistics atomically.
	RecordPaymentSuccess(ctx context.Context, id string, c PaymentCompletion) (*models.ScheduledPayment, error)
	// RecordPaymentFailure moves a payment processing -> failed and records the
	// failure on the subscription atomically.
	RecordPaymentFailure(ctx context.Context, id string, reason string, now time.Time) (*models.ScheduledPayment, error)
	// CancelClaimedPayment moves a payment processing -> cancelled without
	// touching the subscription's statistics.
	CancelClaimedPayment(ctx context.Context, id string, reason string, now time.Time) (*models.ScheduledPayment, error)
	MarkReceiptSent(ctx context.Context, id string) error
	// CancelScheduledPayments moves every scheduled payment of a subscription to
	// cancelled and returns how many changed. Processing payments are untouched.
	CancelScheduledPayments(ctx context.Context, subscriptionID string, now time.Time) (int, error)

	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	UpsertCampaign(ctx context.Context, c *models.Campaign) error

	CreateChangeRequest(ctx context.Context, cr *models.ChangeRequest) error
	GetChangeRequest(ctx context.Context, id string) (*models.ChangeRequest, error)
	// UpdateChangeRequest writes the decision fields only while the stored
	// status is still from, and returns ErrConflict otherwise.
	UpdateChangeRequest(ctx context.Context, cr *models.ChangeRequest, from models.ChangeRequestStatus) error
	ListChangeRequests(ctx context.Context, status models.ChangeRequestStatus, limit int) ([]models.ChangeRequest, error)
}
