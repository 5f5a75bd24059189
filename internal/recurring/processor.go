package recurring

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/notify"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

const processingTimeoutReason = "processing timeout"

// BatchResult counts what one ProcessDue or Reconcile run did.
type BatchResult struct {
	Due       int `json:"due"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
	// Scheduled counts active subscriptions Reconcile found without an open
	// attempt and scheduled again.
	Scheduled int `json:"scheduled,omitempty"`
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeSkipped
)

// Processor charges due payments and applies the retry policy.
type Processor struct {
	store      storage.Store
	scheduler  *Scheduler
	provider   PaymentProvider
	dispatcher notify.Dispatcher
	cfg        config.Billing
	clock      Clock
	log        *zap.Logger
	tracer     trace.Tracer
}

func NewProcessor(store storage.Store, scheduler *Scheduler, provider PaymentProvider, dispatcher notify.Dispatcher, cfg config.Billing, clock Clock, log *zap.Logger) *Processor {
	return &Processor{
		store:      store,
		scheduler:  scheduler,
		provider:   provider,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      clock,
		log:        log.Named("processor"),
		tracer:     otel.Tracer("recurring-donations/processor"),
	}
}

// ProcessDue charges every scheduled payment due by asOf, up to the batch
// size. Each payment is isolated: a failure is counted and logged and the
// batch moves on. Only a failure to list due payments is returned.
func (p *Processor) ProcessDue(ctx context.Context, asOf time.Time) (BatchResult, error) {
	ctx, span := p.tracer.Start(ctx, "Processor.ProcessDue", trace.WithAttributes(
		attribute.String("as_of", asOf.Format(time.RFC3339)),
	))
	defer span.End()

	due, err := p.store.ListDuePayments(ctx, asOf, p.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due payments")
		return BatchResult{}, &PersistenceError{Op: "list due payments", Err: err}
	}

	res := BatchResult{Due: len(due)}
	for _, payment := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := p.process(ctx, payment.ID)
		res.add(out, err)
		if err != nil && !errors.Is(err, ErrConcurrencyConflict) {
			p.log.Error("payment processing failed",
				zap.String("payment_id", payment.ID),
				zap.String("subscription_id", payment.SubscriptionID),
				zap.Error(err),
			)
		}
	}

	span.SetAttributes(
		attribute.Int("payments.due", res.Due),
		attribute.Int("payments.completed", res.Completed),
		attribute.Int("payments.failed", res.Failed),
	)
	p.log.Info("due payments processed",
		zap.Int("due", res.Due),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("errored", res.Errored),
	)
	return res, nil
}

// ProcessOne claims and charges one payment. It returns
// ErrConcurrencyConflict when another worker owns the payment. A declined
// charge is not an error: it is recorded and retried by policy.
func (p *Processor) ProcessOne(ctx context.Context, paymentID string) error {
	_, err := p.process(ctx, paymentID)
	return err
}

// Reconcile fails payments stuck in processing longer than the processing
// timeout and sends them through the retry policy. It recovers attempts
// orphaned by a crash between claiming and recording the charge outcome.
// It then schedules active subscriptions left without an open attempt, such
// as one whose first payment could not be written at creation.
func (p *Processor) Reconcile(ctx context.Context, now time.Time) (BatchResult, error) {
	ctx, span := p.tracer.Start(ctx, "Processor.Reconcile")
	defer span.End()

	cutoff := now.Add(-p.cfg.ProcessingTimeout)
	stale, err := p.store.ListStaleProcessing(ctx, cutoff, p.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list stale payments")
		return BatchResult{}, &PersistenceError{Op: "list stale payments", Err: err}
	}

	res := BatchResult{Due: len(stale)}
	for _, payment := range stale {
		log := p.log.With(
			zap.String("payment_id", payment.ID),
			zap.String("subscription_id", payment.SubscriptionID),
		)
		err := p.fail(ctx, &payment, processingTimeoutReason, now, log)
		switch {
		case errors.Is(err, ErrConcurrencyConflict):
			res.Skipped++
		case err != nil:
			res.Errored++
			log.Error("failed to reconcile stale payment", zap.Error(err))
		default:
			res.Failed++
			log.Warn("stale processing payment failed", zap.Timep("processing_started_at", payment.ProcessingStartedAt))
		}
	}

	unscheduled, err := p.store.ListUnscheduled(ctx, cutoff, p.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list unscheduled subscriptions")
		return res, &PersistenceError{Op: "list unscheduled subscriptions", Err: err}
	}
	for _, sub := range unscheduled {
		payment, err := p.scheduler.ScheduleNext(ctx, sub.ID)
		if err != nil {
			res.Errored++
			p.log.Error("failed to schedule unscheduled subscription", zap.String("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		if payment != nil {
			res.Scheduled++
			p.log.Warn("scheduled subscription with no open payment",
				zap.String("subscription_id", sub.ID),
				zap.Time("scheduled_date", payment.ScheduledDate),
			)
		}
	}
	span.SetAttributes(attribute.Int("subscriptions.scheduled", res.Scheduled))
	return res, nil
}

func (p *Processor) process(ctx context.Context, paymentID string) (outcome, error) {
	ctx, span := p.tracer.Start(ctx, "Processor.ProcessOne", trace.WithAttributes(
		attribute.String("payment.id", paymentID),
	))
	defer span.End()

	out, err := p.processClaimed(ctx, paymentID)
	if err != nil && !errors.Is(err, ErrConcurrencyConflict) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (p *Processor) processClaimed(ctx context.Context, paymentID string) (outcome, error) {
	payment, err := p.store.ClaimPayment(ctx, paymentID, p.clock.Now())
	switch {
	case errors.Is(err, storage.ErrConflict):
		return outcomeNone, ErrConcurrencyConflict
	case errors.Is(err, storage.ErrNotFound):
		return outcomeNone, ErrNotFound
	case err != nil:
		return outcomeNone, &PersistenceError{Op: "claim payment", Err: err}
	}

	log := p.log.With(
		zap.String("payment_id", payment.ID),
		zap.String("subscription_id", payment.SubscriptionID),
		zap.Int("attempt", payment.AttemptNumber),
	)

	// A load failure leaves the payment in processing for Reconcile.
	sub, err := loadSubscription(ctx, p.store, payment.SubscriptionID)
	if err != nil {
		return outcomeNone, err
	}
	if sub.Status != models.StatusActive {
		return outcomeSkipped, p.withdraw(ctx, payment, "subscription "+string(sub.Status), log)
	}

	result, err := p.charge(ctx, sub, payment)
	var pending *PendingChargeError
	switch {
	case errors.As(err, &pending):
		return outcomeFailed, p.unsettled(ctx, payment, pending, log)
	case err != nil:
		reason := failureReason(err)
		log.Warn("charge failed", zap.String("reason", reason), zap.Error(err))
		return outcomeFailed, p.fail(ctx, payment, reason, p.clock.Now(), log)
	}
	return outcomeCompleted, p.complete(ctx, sub, payment, result, log)
}

// withdraw cancels a claimed attempt that was never charged. It is not a
// failure, so the subscription's failure statistics stay as they were.
func (p *Processor) withdraw(ctx context.Context, payment *models.ScheduledPayment, reason string, log *zap.Logger) error {
	_, err := p.store.CancelClaimedPayment(ctx, payment.ID, reason, p.clock.Now())
	switch {
	case errors.Is(err, storage.ErrConflict):
		return ErrConcurrencyConflict
	case err != nil:
		return &PersistenceError{Op: "cancel claimed payment", Err: err}
	}
	log.Info("payment withdrawn", zap.String("reason", reason))
	return nil
}

// unsettled closes an attempt the provider accepted but has not settled. The
// cycle is not retried and billing moves on to the next one; the provider's
// charge is left for manual reconciliation.
func (p *Processor) unsettled(ctx context.Context, payment *models.ScheduledPayment, pending *PendingChargeError, log *zap.Logger) error {
	log.Warn("charge pending at provider; needs reconciliation",
		zap.String("transaction_id", pending.TransactionID),
		zap.String("provider_status", pending.Status),
	)
	reason := "payment pending at provider: " + pending.TransactionID
	if err := p.recordFailure(ctx, payment, reason, p.clock.Now(), log); err != nil {
		return err
	}
	_, err := p.scheduler.ScheduleNext(ctx, payment.SubscriptionID)
	return err
}

func (p *Processor) charge(ctx context.Context, sub *models.Subscription, payment *models.ScheduledPayment) (ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()

	return p.provider.Charge(ctx, ChargeRequest{
		AccountRef:     sub.AccountRef,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		IdempotencyKey: idempotencyKey(payment.ID),
		SubscriptionID: sub.ID,
		PaymentID:      payment.ID,
	})
}

func (p *Processor) complete(ctx context.Context, sub *models.Subscription, payment *models.ScheduledPayment, result ChargeResult, log *zap.Logger) error {
	_, err := p.store.RecordPaymentSuccess(ctx, payment.ID, storage.PaymentCompletion{
		ProcessedDate:         p.clock.Now(),
		ProviderTransactionID: result.TransactionID,
	})
	if err != nil {
		log.Error("charge succeeded but was not recorded",
			zap.String("transaction_id", result.TransactionID),
			zap.Error(err),
		)
		return &PersistenceError{Op: "record payment success", Err: err}
	}
	log.Info("payment completed",
		zap.Int64("amount", payment.Amount),
		zap.String("transaction_id", result.TransactionID),
	)

	// ScheduleNext reloads the subscription and does nothing unless it is
	// still active, so a pause or cancel that landed mid-charge wins.
	if _, err := p.scheduler.ScheduleNext(ctx, sub.ID); err != nil {
		return err
	}

	if sub.SendReceipts {
		p.dispatch(ctx, notify.Task{
			Kind:           notify.KindReceipt,
			PaymentID:      payment.ID,
			SubscriptionID: sub.ID,
		}, log)
	}
	return nil
}

// fail records a failed attempt and applies the retry policy. A conflict on
// the processing -> failed write means someone else already settled it.
func (p *Processor) fail(ctx context.Context, payment *models.ScheduledPayment, reason string, now time.Time, log *zap.Logger) error {
	if err := p.recordFailure(ctx, payment, reason, now, log); err != nil {
		return err
	}
	return p.retryOrFail(ctx, payment, reason, now, log)
}

func (p *Processor) recordFailure(ctx context.Context, payment *models.ScheduledPayment, reason string, now time.Time, log *zap.Logger) error {
	_, err := p.store.RecordPaymentFailure(ctx, payment.ID, reason, now)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return ErrConcurrencyConflict
	case err != nil:
		return &PersistenceError{Op: "record payment failure", Err: err}
	}
	log.Info("payment failed", zap.String("reason", reason))
	return nil
}

// retryOrFail schedules the next attempt while retries remain, otherwise
// moves the subscription to failed and notifies the donor.
func (p *Processor) retryOrFail(ctx context.Context, payment *models.ScheduledPayment, reason string, now time.Time, log *zap.Logger) error {
	sub, err := loadSubscription(ctx, p.store, payment.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status != models.StatusActive {
		log.Info("subscription not active; no retry", zap.String("status", string(sub.Status)))
		return nil
	}

	retryCount := sub.RetryCount + 1
	if retryCount < sub.MaxRetries {
		retry := newPayment(sub, now.Add(p.cfg.RetryDelay), retryCount+1, now)
		retry.Amount = payment.Amount
		retry.Currency = payment.Currency
		retry.BaseAmount = payment.BaseAmount

		err := p.store.SchedulePayment(ctx, retry, sub.NextProcessDate, retryCount)
		switch {
		case errors.Is(err, storage.ErrConflict):
			log.Info("retry not scheduled; subscription changed concurrently")
			return nil
		case err != nil:
			return &PersistenceError{Op: "schedule retry", Err: err}
		}
		log.Info("payment retry scheduled",
			zap.String("retry_payment_id", retry.ID),
			zap.Int("retry_count", retryCount),
			zap.Time("scheduled_date", retry.ScheduledDate),
		)
		return nil
	}

	_, err = p.store.TransitionSubscription(ctx, sub.ID, storage.StatusChange{
		From:       []models.SubscriptionStatus{models.StatusActive},
		To:         models.StatusFailed,
		At:         now,
		Reason:     reason,
		RetryCount: &retryCount,
	})
	switch {
	case errors.Is(err, storage.ErrConflict):
		log.Info("subscription changed concurrently; not failing it")
		return nil
	case err != nil:
		return &PersistenceError{Op: "fail subscription", Err: err}
	}
	log.Warn("retries exhausted; subscription failed", zap.Int("retry_count", retryCount))

	p.dispatch(ctx, notify.Task{
		Kind:           notify.KindPaymentFailed,
		PaymentID:      payment.ID,
		SubscriptionID: sub.ID,
		Reason:         reason,
	}, log)
	return nil
}

// dispatch enqueues a notification. Failures are logged only.
func (p *Processor) dispatch(ctx context.Context, task notify.Task, log *zap.Logger) {
	task.EnqueuedAt = p.clock.Now()
	if err := p.dispatcher.Dispatch(ctx, task); err != nil {
		log.Warn("failed to dispatch notification", zap.String("kind", string(task.Kind)), zap.Error(err))
	}
}

func (r *BatchResult) add(out outcome, err error) {
	switch {
	case errors.Is(err, ErrConcurrencyConflict):
		r.Skipped++
	case err != nil:
		r.Errored++
	case out == outcomeCompleted:
		r.Completed++
	case out == outcomeFailed:
		r.Failed++
	case out == outcomeSkipped:
		r.Skipped++
	}
}

func failureReason(err error) string {
	var pe *PaymentProviderError
	switch {
	case errors.As(err, &pe):
		return pe.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return "payment provider timeout"
	}
	return err.Error()
}
