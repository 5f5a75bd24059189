package models

import "time"

// Frequency is the billing cadence of a recurring donation.
type Frequency string

const (
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyAnnually  Frequency = "annually"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyAnnually:
		return true
	}
	return false
}

// SubscriptionStatus represents valid subscription states
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPaused    SubscriptionStatus = "paused"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusCompleted SubscriptionStatus = "completed"
	StatusFailed    SubscriptionStatus = "failed"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s SubscriptionStatus) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	case StatusActive, StatusPaused:
		return false
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Only active and paused may move back and forth; every other edge is one-way.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	switch s {
	case StatusActive:
		switch next {
		case StatusPaused, StatusCancelled, StatusCompleted, StatusFailed:
			return true
		}
	case StatusPaused:
		switch next {
		case StatusActive, StatusCancelled:
			return true
		}
	case StatusCancelled, StatusCompleted, StatusFailed:
		return false
	}
	return false
}

// Subscription is a recurring donation plan.
type Subscription struct {
	ID                 string             `json:"id"`
	DonorID            string             `json:"donor_id"`
	AccountRef         string             `json:"account_ref"`
	Amount             int64              `json:"amount"`
	Currency           string             `json:"currency"`
	Frequency          Frequency          `json:"frequency"`
	IntervalCount      int                `json:"interval_count"`
	StartDate          time.Time          `json:"start_date"`
	EndDate            *time.Time         `json:"end_date,omitempty"`
	Status             SubscriptionStatus `json:"status"`
	NextProcessDate    time.Time          `json:"next_process_date"`
	RetryCount         int                `json:"retry_count"`
	MaxRetries         int                `json:"max_retries"`
	TotalCollected     int64              `json:"total_collected"`
	SuccessfulPayments int                `json:"successful_payments"`
	FailedPayments     int                `json:"failed_payments"`
	LastPaymentDate    *time.Time         `json:"last_payment_date,omitempty"`
	LastPaymentAmount  int64              `json:"last_payment_amount,omitempty"`
	LastFailureDate    *time.Time         `json:"last_failure_date,omitempty"`
	LastFailureReason  string             `json:"last_failure_reason,omitempty"`
	PauseReason        string             `json:"pause_reason,omitempty"`
	CancellationReason string             `json:"cancellation_reason,omitempty"`
	SendReceipts       bool               `json:"send_receipts"`
	CampaignID         *string            `json:"campaign_id,omitempty"`
	PausedAt           *time.Time         `json:"paused_at,omitempty"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// PaymentStatus represents valid scheduled payment states
type PaymentStatus string

const (
	PaymentScheduled  PaymentStatus = "scheduled"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	// PaymentCancelled marks a scheduled attempt withdrawn before it was claimed.
	PaymentCancelled PaymentStatus = "cancelled"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentScheduled, PaymentProcessing, PaymentCompleted, PaymentFailed, PaymentCancelled:
		return true
	}
	return false
}

// Open reports whether the payment still occupies the subscription's single open slot.
func (s PaymentStatus) Open() bool {
	switch s {
	case PaymentScheduled, PaymentProcessing:
		return true
	case PaymentCompleted, PaymentFailed, PaymentCancelled:
		return false
	}
	return false
}

// ScheduledPayment is one billing attempt for a subscription.
type ScheduledPayment struct {
	ID                    string        `json:"id"`
	SubscriptionID        string        `json:"subscription_id"`
	Amount                int64         `json:"amount"`
	Currency              string        `json:"currency"`
	BaseAmount            int64         `json:"base_amount"`
	ScheduledDate         time.Time     `json:"scheduled_date"`
	AttemptNumber         int           `json:"attempt_number"`
	Status                PaymentStatus `json:"status"`
	ProcessingStartedAt   *time.Time    `json:"processing_started_at,omitempty"`
	ProcessedDate         *time.Time    `json:"processed_date,omitempty"`
	ProviderTransactionID string        `json:"provider_transaction_id,omitempty"`
	FailureReason         string        `json:"failure_reason,omitempty"`
	ReceiptGenerated      bool          `json:"receipt_generated"`
	ReceiptSent           bool          `json:"receipt_sent"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// Campaign groups subscriptions raising money toward a target.
type Campaign struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	TargetAmount          int64     `json:"target_amount"`
	RaisedAmount          int64     `json:"raised_amount"`
	SubscriberCount       int       `json:"subscriber_count"`
	ActiveSubscriberCount int       `json:"active_subscriber_count"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ChangeType is the kind of change a donor asks for.
type ChangeType string

const (
	ChangeAmount    ChangeType = "amount"
	ChangeFrequency ChangeType = "frequency"
	ChangePause     ChangeType = "pause"
	ChangeResume    ChangeType = "resume"
	ChangeCancel    ChangeType = "cancel"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeAmount, ChangeFrequency, ChangePause, ChangeResume, ChangeCancel:
		return true
	}
	return false
}

// ChangeRequestStatus represents valid change request states
type ChangeRequestStatus string

const (
	ChangePending  ChangeRequestStatus = "pending"
	ChangeApproved ChangeRequestStatus = "approved"
	ChangeRejected ChangeRequestStatus = "rejected"
	ChangeApplied  ChangeRequestStatus = "applied"
)

// ChangeRequest records a donor-initiated change to a subscription.
type ChangeRequest struct {
	ID               string              `json:"id"`
	SubscriptionID   string              `json:"subscription_id"`
	ChangeType       ChangeType          `json:"change_type"`
	NewValue         string              `json:"new_value,omitempty"`
	Reason           string              `json:"reason,omitempty"`
	RequestedDate    time.Time           `json:"requested_date"`
	EffectiveDate    time.Time           `json:"effective_date"`
	RequiresApproval bool                `json:"requires_approval"`
	Status           ChangeRequestStatus `json:"status"`
	DonorNotified    bool                `json:"donor_notified"`
	DecidedAt        *time.Time          `json:"decided_at,omitempty"`
	DecisionNote     string              `json:"decision_note,omitempty"`
}

// API Request/Response types

type CreateSubscriptionRequest struct {
	DonorID       string     `json:"donor_id"`
	AccountRef    string     `json:"account_ref"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Frequency     Frequency  `json:"frequency"`
	IntervalCount int        `json:"interval_count"`
	StartDate     *time.Time `json:"start_date"`
	EndDate       *time.Time `json:"end_date"`
	MaxRetries    int        `json:"max_retries"`
	SendReceipts  bool       `json:"send_receipts"`
	CampaignID    *string    `json:"campaign_id"`
}

type UpdateSubscriptionRequest struct {
	Amount        *int64     `json:"amount"`
	Frequency     *Frequency `json:"frequency"`
	IntervalCount *int       `json:"interval_count"`
	EndDate       *time.Time `json:"end_date"`
	SendReceipts  *bool      `json:"send_receipts"`
	CampaignID    *string    `json:"campaign_id"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type CreateChangeRequestRequest struct {
	SubscriptionID string     `json:"subscription_id"`
	ChangeType     ChangeType `json:"change_type"`
	NewValue       string     `json:"new_value"`
	Reason         string     `json:"reason"`
	EffectiveDate  *time.Time `json:"effective_date"`
}

type DecisionRequest struct {
	Note string `json:"note"`
}
