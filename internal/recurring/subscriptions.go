package recurring

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

// SubscriptionManager owns the lifecycle of recurring donation plans.
type SubscriptionManager struct {
	store     storage.Store
	scheduler *Scheduler
	cfg       config.Billing
	clock     Clock
	log       *zap.Logger
}

func NewSubscriptionManager(store storage.Store, scheduler *Scheduler, cfg config.Billing, clock Clock, log *zap.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		store:     store,
		scheduler: scheduler,
		cfg:       cfg,
		clock:     clock,
		log:       log.Named("subscriptions"),
	}
}

// Create validates and stores a new active subscription and schedules its
// first attempt on the start date.
func (m *SubscriptionManager) Create(ctx context.Context, req models.CreateSubscriptionRequest) (*models.Subscription, error) {
	if strings.TrimSpace(req.DonorID) == "" {
		return nil, &ValidationError{Field: "donor_id", Message: "is required"}
	}
	if req.Amount <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	if !req.Frequency.Valid() {
		return nil, &ValidationError{Field: "frequency", Message: "must be one of weekly, monthly, quarterly, annually"}
	}
	if req.StartDate == nil || req.StartDate.IsZero() {
		return nil, &ValidationError{Field: "start_date", Message: "is required"}
	}
	interval := req.IntervalCount
	if interval == 0 {
		interval = 1
	}
	if interval < 1 {
		return nil, &ValidationError{Field: "interval_count", Message: "must be at least 1"}
	}
	if req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		return nil, &ValidationError{Field: "end_date", Message: "must not be before start_date"}
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = m.cfg.MaxRetries
	}
	if maxRetries < 1 {
		return nil, &ValidationError{Field: "max_retries", Message: "must be at least 1"}
	}
	currency, err := normalizeCurrency(req.Currency, m.cfg.DefaultCurrency)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	sub := &models.Subscription{
		ID:              uuid.NewString(),
		DonorID:         strings.TrimSpace(req.DonorID),
		AccountRef:      strings.TrimSpace(req.AccountRef),
		Amount:          req.Amount,
		Currency:        currency,
		Frequency:       req.Frequency,
		IntervalCount:   interval,
		StartDate:       *req.StartDate,
		EndDate:         req.EndDate,
		Status:          models.StatusActive,
		NextProcessDate: *req.StartDate,
		MaxRetries:      maxRetries,
		SendReceipts:    req.SendReceipts,
		CampaignID:      req.CampaignID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return nil, &PersistenceError{Op: "create subscription", Err: err}
	}
	m.log.Info("subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("donor_id", sub.DonorID),
		zap.Int64("amount", sub.Amount),
		zap.String("frequency", string(sub.Frequency)),
	)

	// The subscription is already stored. If its first attempt cannot be
	// written, Reconcile schedules it once the processing timeout has passed.
	if _, err := m.scheduler.ScheduleNext(ctx, sub.ID); err != nil {
		m.log.Error("failed to schedule first payment", zap.String("subscription_id", sub.ID), zap.Error(err))
		return sub, nil
	}
	return m.Get(ctx, sub.ID)
}

// Update changes the terms of a subscription. When amount, frequency or
// interval change on an active subscription the pending attempt is replaced
// by one carrying the new terms, keeping its billing date and attempt number.
func (m *SubscriptionManager) Update(ctx context.Context, id string, req models.UpdateSubscriptionRequest) (*models.Subscription, error) {
	sub, err := loadSubscription(ctx, m.store, id)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return nil, invalidSubscriptionState(sub, "update")
	}

	termsChanged := false
	if req.Amount != nil {
		if *req.Amount <= 0 {
			return nil, &ValidationError{Field: "amount", Message: "must be greater than zero"}
		}
		termsChanged = termsChanged || *req.Amount != sub.Amount
		sub.Amount = *req.Amount
	}
	if req.Frequency != nil {
		if !req.Frequency.Valid() {
			return nil, &ValidationError{Field: "frequency", Message: "must be one of weekly, monthly, quarterly, annually"}
		}
		termsChanged = termsChanged || *req.Frequency != sub.Frequency
		sub.Frequency = *req.Frequency
	}
	if req.IntervalCount != nil {
		if *req.IntervalCount < 1 {
			return nil, &ValidationError{Field: "interval_count", Message: "must be at least 1"}
		}
		termsChanged = termsChanged || *req.IntervalCount != sub.IntervalCount
		sub.IntervalCount = *req.IntervalCount
	}
	if req.EndDate != nil {
		if req.EndDate.Before(sub.StartDate) {
			return nil, &ValidationError{Field: "end_date", Message: "must not be before start_date"}
		}
		sub.EndDate = req.EndDate
	}
	if req.SendReceipts != nil {
		sub.SendReceipts = *req.SendReceipts
	}
	if req.CampaignID != nil {
		sub.CampaignID = req.CampaignID
	}

	sub.UpdatedAt = m.clock.Now()
	if err := m.store.UpdateSubscriptionTerms(ctx, sub); err != nil {
		return nil, &PersistenceError{Op: "update subscription", Err: err}
	}
	m.log.Info("subscription updated", zap.String("subscription_id", sub.ID), zap.Bool("terms_changed", termsChanged))

	if termsChanged && sub.Status == models.StatusActive {
		if err := m.reissuePending(ctx, sub.ID); err != nil {
			return nil, err
		}
	}
	return m.Get(ctx, sub.ID)
}

// reissuePending moves the open attempt onto the stored terms. An attempt
// already being charged keeps the old terms and the new ones apply next
// cycle. With no open attempt there is nothing to move; the processor
// schedules the next one from the stored terms.
func (m *SubscriptionManager) reissuePending(ctx context.Context, id string) error {
	sub, err := loadSubscription(ctx, m.store, id)
	if err != nil {
		return err
	}
	open, err := m.store.OpenPayment(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return &PersistenceError{Op: "find open payment", Err: err}
	case open.Status != models.PaymentScheduled:
		return nil
	}
	_, err = m.scheduler.Reissue(ctx, sub, open)
	return err
}

// Pause stops billing of an active subscription and withdraws its pending attempt.
func (m *SubscriptionManager) Pause(ctx context.Context, id, reason string) (*models.Subscription, error) {
	sub, err := m.transition(ctx, id, "pause", storage.StatusChange{
		From:   []models.SubscriptionStatus{models.StatusActive},
		To:     models.StatusPaused,
		At:     m.clock.Now(),
		Reason: strings.TrimSpace(reason),
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.scheduler.CancelPending(ctx, id); err != nil {
		return nil, err
	}
	m.log.Info("subscription paused", zap.String("subscription_id", id), zap.String("reason", sub.PauseReason))
	return sub, nil
}

// Resume reactivates a paused subscription. Billing restarts one period after
// the resume date rather than from the pre-pause cycle, and retries reset.
func (m *SubscriptionManager) Resume(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := loadSubscription(ctx, m.store, id)
	if err != nil {
		return nil, err
	}
	from := []models.SubscriptionStatus{models.StatusPaused}
	if m.cfg.AllowResumeFailed {
		from = append(from, models.StatusFailed)
	}

	now := m.clock.Now()
	next := ComputeNextDate(now, sub.Frequency, sub.IntervalCount)
	zero := 0
	if _, err := m.transition(ctx, id, "resume", storage.StatusChange{
		From:            from,
		To:              models.StatusActive,
		At:              now,
		NextProcessDate: &next,
		RetryCount:      &zero,
	}); err != nil {
		return nil, err
	}
	if _, err := m.scheduler.ScheduleNext(ctx, id); err != nil {
		return nil, err
	}
	m.log.Info("subscription resumed", zap.String("subscription_id", id), zap.Time("next_process_date", next))
	return m.Get(ctx, id)
}

// Cancel ends a subscription permanently.
func (m *SubscriptionManager) Cancel(ctx context.Context, id, reason string) (*models.Subscription, error) {
	sub, err := m.transition(ctx, id, "cancel", storage.StatusChange{
		From:   []models.SubscriptionStatus{models.StatusActive, models.StatusPaused},
		To:     models.StatusCancelled,
		At:     m.clock.Now(),
		Reason: strings.TrimSpace(reason),
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.scheduler.CancelPending(ctx, id); err != nil {
		return nil, err
	}
	m.log.Info("subscription cancelled", zap.String("subscription_id", id), zap.String("reason", sub.CancellationReason))
	return sub, nil
}

func (m *SubscriptionManager) Get(ctx context.Context, id string) (*models.Subscription, error) {
	return loadSubscription(ctx, m.store, id)
}

func (m *SubscriptionManager) Search(ctx context.Context, filter storage.SubscriptionFilter) ([]models.Subscription, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: "unknown status"}
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	subs, err := m.store.SearchSubscriptions(ctx, filter)
	if err != nil {
		return nil, &PersistenceError{Op: "search subscriptions", Err: err}
	}
	return subs, nil
}

// Payments returns the attempt history of a subscription.
func (m *SubscriptionManager) Payments(ctx context.Context, id string) ([]models.ScheduledPayment, error) {
	if _, err := loadSubscription(ctx, m.store, id); err != nil {
		return nil, err
	}
	payments, err := m.store.ListPaymentsBySubscription(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "list payments", Err: err}
	}
	return payments, nil
}

func (m *SubscriptionManager) transition(ctx context.Context, id, action string, ch storage.StatusChange) (*models.Subscription, error) {
	sub, err := m.store.TransitionSubscription(ctx, id, ch)
	switch {
	case err == nil:
		return sub, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		cur, lerr := loadSubscription(ctx, m.store, id)
		if lerr != nil {
			return nil, lerr
		}
		return nil, invalidSubscriptionState(cur, action)
	}
	return nil, &PersistenceError{Op: action + " subscription", Err: err}
}

func normalizeCurrency(code, fallback string) (string, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		code = strings.ToLower(fallback)
	}
	if len(code) != 3 {
		return "", &ValidationError{Field: "currency", Message: "must be a 3-letter ISO code"}
	}
	for _, r := range code {
		if r < 'a' || r > 'z' {
			return "", &ValidationError{Field: "currency", Message: "must be a 3-letter ISO code"}
		}
	}
	return code, nil
}
