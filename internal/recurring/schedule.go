package recurring

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

// ComputeNextDate returns the billing date one period after date.
//
// Month-based periods keep the day of month when it exists in the target
// month and otherwise clamp to that month's last day, so Jan 31 + 1 month is
// Feb 28 (Feb 29 in leap years) and Feb 29 + 1 year is Feb 28. Clamping is
// applied per step: the clamped day becomes the anchor for the next period.
// An intervalCount below 1 is treated as 1.
func ComputeNextDate(date time.Time, frequency models.Frequency, intervalCount int) time.Time {
	if intervalCount < 1 {
		intervalCount = 1
	}
	switch frequency {
	case models.FrequencyWeekly:
		return date.AddDate(0, 0, 7*intervalCount)
	case models.FrequencyMonthly:
		return addMonthsClamped(date, intervalCount)
	case models.FrequencyQuarterly:
		return addMonthsClamped(date, 3*intervalCount)
	case models.FrequencyAnnually:
		return addMonthsClamped(date, 12*intervalCount)
	}
	// Unknown frequencies are rejected at creation; fall back to monthly.
	return addMonthsClamped(date, intervalCount)
}

func addMonthsClamped(date time.Time, months int) time.Time {
	y, m, d := date.Date()
	hh, mm, ss := date.Clock()
	first := time.Date(y, m+time.Month(months), 1, hh, mm, ss, date.Nanosecond(), date.Location())
	if last := daysIn(first.Year(), first.Month(), date.Location()); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// Scheduler materializes the next due payment attempt of a subscription.
type Scheduler struct {
	store storage.Store
	clock Clock
	log   *zap.Logger
}

func NewScheduler(store storage.Store, clock Clock, log *zap.Logger) *Scheduler {
	return &Scheduler{store: store, clock: clock, log: log.Named("scheduler")}
}

// ScheduleNext creates the attempt for the subscription's next process date
// and advances that date by one period. It does nothing for subscriptions that
// are not active, and returns the existing attempt when one is already open.
// A subscription whose next date falls after its end date is completed instead.
func (s *Scheduler) ScheduleNext(ctx context.Context, subscriptionID string) (*models.ScheduledPayment, error) {
	sub, err := loadSubscription(ctx, s.store, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.StatusActive {
		return nil, nil
	}

	open, err := s.store.OpenPayment(ctx, sub.ID)
	if err == nil {
		return open, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, &PersistenceError{Op: "find open payment", Err: err}
	}

	now := s.clock.Now()
	if sub.EndDate != nil && sub.NextProcessDate.After(*sub.EndDate) {
		_, err := s.store.TransitionSubscription(ctx, sub.ID, storage.StatusChange{
			From: []models.SubscriptionStatus{models.StatusActive},
			To:   models.StatusCompleted,
			At:   now,
		})
		if err != nil && !errors.Is(err, storage.ErrConflict) {
			return nil, &PersistenceError{Op: "complete subscription", Err: err}
		}
		s.log.Info("subscription completed", zap.String("subscription_id", sub.ID))
		return nil, nil
	}

	payment := newPayment(sub, sub.NextProcessDate, 1, now)
	next := ComputeNextDate(sub.NextProcessDate, sub.Frequency, sub.IntervalCount)
	if err := s.store.SchedulePayment(ctx, payment, next, 0); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost a race with a concurrent scheduler or lifecycle change.
			open, oerr := s.store.OpenPayment(ctx, sub.ID)
			if oerr != nil {
				return nil, nil
			}
			return open, nil
		}
		return nil, &PersistenceError{Op: "schedule payment", Err: err}
	}

	s.log.Debug("payment scheduled",
		zap.String("subscription_id", sub.ID),
		zap.String("payment_id", payment.ID),
		zap.Time("scheduled_date", payment.ScheduledDate),
		zap.Time("next_process_date", next),
	)
	return payment, nil
}

// Reissue replaces a scheduled attempt with one carrying the subscription's
// current terms. The replacement keeps the attempt's date and number, so a
// retry stays a retry and the retry count is untouched. A first attempt also
// re-anchors the next process date one new period after its date. It returns
// nil when the attempt was claimed or withdrawn first; the new terms then
// apply from the next cycle.
func (s *Scheduler) Reissue(ctx context.Context, sub *models.Subscription, open *models.ScheduledPayment) (*models.ScheduledPayment, error) {
	replacement := newPayment(sub, open.ScheduledDate, open.AttemptNumber, s.clock.Now())
	var next *time.Time
	if open.AttemptNumber == 1 {
		n := ComputeNextDate(open.ScheduledDate, sub.Frequency, sub.IntervalCount)
		next = &n
	}

	err := s.store.ReplaceScheduledPayment(ctx, open.ID, replacement, next)
	switch {
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		s.log.Info("pending payment changed concurrently; not reissued",
			zap.String("subscription_id", sub.ID),
			zap.String("payment_id", open.ID),
		)
		return nil, nil
	case err != nil:
		return nil, &PersistenceError{Op: "reissue payment", Err: err}
	}

	s.log.Debug("payment reissued",
		zap.String("subscription_id", sub.ID),
		zap.String("replaced_payment_id", open.ID),
		zap.String("payment_id", replacement.ID),
		zap.Int("attempt", replacement.AttemptNumber),
	)
	return replacement, nil
}

// CancelPending withdraws attempts still in scheduled status. Processing,
// completed and failed attempts are left alone.
func (s *Scheduler) CancelPending(ctx context.Context, subscriptionID string) (int, error) {
	n, err := s.store.CancelScheduledPayments(ctx, subscriptionID, s.clock.Now())
	if err != nil {
		return 0, &PersistenceError{Op: "cancel pending payments", Err: err}
	}
	if n > 0 {
		s.log.Debug("pending payments cancelled", zap.String("subscription_id", subscriptionID), zap.Int("count", n))
	}
	return n, nil
}

func newPayment(sub *models.Subscription, scheduled time.Time, attempt int, now time.Time) *models.ScheduledPayment {
	return &models.ScheduledPayment{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Amount:         sub.Amount,
		Currency:       sub.Currency,
		BaseAmount:     sub.Amount,
		ScheduledDate:  scheduled,
		AttemptNumber:  attempt,
		Status:         models.PaymentScheduled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func loadSubscription(ctx context.Context, store storage.Store, id string) (*models.Subscription, error) {
	sub, err := store.GetSubscription(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get subscription", Err: err}
	}
	return sub, nil
}
