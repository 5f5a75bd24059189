package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

const paymentColumns = `id, subscription_id, amount, currency, base_amount, scheduled_date,
	attempt_number, status, processing_started_at, processed_date, provider_transaction_id,
	failure_reason, receipt_generated, receipt_sent, created_at, updated_at`

func scanPayment(row scanner) (*models.ScheduledPayment, error) {
	var p models.ScheduledPayment
	err := row.Scan(&p.ID, &p.SubscriptionID, &p.Amount, &p.Currency, &p.BaseAmount,
		&p.ScheduledDate, &p.AttemptNumber, &p.Status, &p.ProcessingStartedAt,
		&p.ProcessedDate, &p.ProviderTransactionID, &p.FailureReason,
		&p.ReceiptGenerated, &p.ReceiptSent, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (db *DB) queryPayments(ctx context.Context, op string, query string, args ...any) ([]models.ScheduledPayment, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer rows.Close()

	var payments []models.ScheduledPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return payments, nil
}

// SchedulePayment inserts p and advances the owning subscription in one
// transaction. The partial unique index on open payments turns a second open
// attempt into storage.ErrConflict.
func (db *DB) SchedulePayment(ctx context.Context, p *models.ScheduledPayment, nextProcessDate time.Time, retryCount int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE subscriptions
		 SET next_process_date = $2, retry_count = $3, updated_at = $4
		 WHERE id = $1 AND status = 'active'`,
		p.SubscriptionID, nextProcessDate, retryCount, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to advance subscription: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to advance subscription: %w", err)
	} else if n == 0 {
		return fmt.Errorf("failed to schedule payment: %w", storage.ErrConflict)
	}

	if err := insertPayment(ctx, tx, p); err != nil {
		return fmt.Errorf("failed to schedule payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReplaceScheduledPayment withdraws a scheduled attempt and inserts its
// replacement in one transaction. The old row is cancelled first so the
// partial unique index on open payments admits the new one.
func (db *DB) ReplaceScheduledPayment(ctx context.Context, oldID string, p *models.ScheduledPayment, nextProcessDate *time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_payments
		 SET status = 'cancelled', updated_at = $3
		 WHERE id = $1 AND subscription_id = $2 AND status = 'scheduled'`,
		oldID, p.SubscriptionID, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to withdraw payment: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to withdraw payment: %w", err)
	} else if n == 0 {
		return fmt.Errorf("failed to replace payment: %w", storage.ErrConflict)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE subscriptions
		 SET next_process_date = COALESCE($2, next_process_date), updated_at = $3
		 WHERE id = $1 AND status = 'active'`,
		p.SubscriptionID, nextProcessDate, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to move subscription: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to move subscription: %w", err)
	} else if n == 0 {
		return fmt.Errorf("failed to replace payment: %w", storage.ErrConflict)
	}

	if err := insertPayment(ctx, tx, p); err != nil {
		return fmt.Errorf("failed to replace payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertPayment(ctx context.Context, tx *sql.Tx, p *models.ScheduledPayment) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO scheduled_payments (`+paymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.SubscriptionID, p.Amount, p.Currency, p.BaseAmount, p.ScheduledDate,
		p.AttemptNumber, p.Status, p.ProcessingStartedAt, p.ProcessedDate,
		p.ProviderTransactionID, p.FailureReason, p.ReceiptGenerated, p.ReceiptSent,
		p.CreatedAt, p.UpdatedAt,
	)
	return mapError(err)
}

// GetPayment retrieves a scheduled payment by ID
func (db *DB) GetPayment(ctx context.Context, id string) (*models.ScheduledPayment, error) {
	p, err := scanPayment(db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM scheduled_payments WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", mapError(err))
	}
	return p, nil
}

// ListPaymentsBySubscription returns the full attempt history of a subscription
func (db *DB) ListPaymentsBySubscription(ctx context.Context, subscriptionID string) ([]models.ScheduledPayment, error) {
	return db.queryPayments(ctx, "list payments",
		`SELECT `+paymentColumns+`
		 FROM scheduled_payments
		 WHERE subscription_id = $1
		 ORDER BY scheduled_date, created_at`,
		subscriptionID,
	)
}

// OpenPayment returns the scheduled or processing payment of a subscription
func (db *DB) OpenPayment(ctx context.Context, subscriptionID string) (*models.ScheduledPayment, error) {
	p, err := scanPayment(db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+`
		 FROM scheduled_payments
		 WHERE subscription_id = $1 AND status IN ('scheduled', 'processing')
		 LIMIT 1`,
		subscriptionID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to get open payment: %w", mapError(err))
	}
	return p, nil
}

// ListDuePayments returns scheduled payments due on or before asOf
func (db *DB) ListDuePayments(ctx context.Context, asOf time.Time, limit int) ([]models.ScheduledPayment, error) {
	return db.queryPayments(ctx, "list due payments",
		`SELECT `+paymentColumns+`
		 FROM scheduled_payments
		 WHERE status = 'scheduled' AND scheduled_date <= $1
		 ORDER BY scheduled_date, created_at
		 LIMIT $2`,
		asOf, limit,
	)
}

// ListStaleProcessing returns payments claimed before startedBefore and never finished
func (db *DB) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.ScheduledPayment, error) {
	return db.queryPayments(ctx, "list stale payments",
		`SELECT `+paymentColumns+`
		 FROM scheduled_payments
		 WHERE status = 'processing' AND processing_started_at < $1
		 ORDER BY processing_started_at
		 LIMIT $2`,
		startedBefore, limit,
	)
}

// ListRecentPayments returns the most recently updated payments in a status
func (db *DB) ListRecentPayments(ctx context.Context, status models.PaymentStatus, limit int) ([]models.ScheduledPayment, error) {
	return db.queryPayments(ctx, "list recent payments",
		`SELECT `+paymentColumns+`
		 FROM scheduled_payments
		 WHERE status = $1
		 ORDER BY updated_at DESC
		 LIMIT $2`,
		status, limit,
	)
}

// ClaimPayment atomically moves a payment from scheduled to processing
func (db *DB) ClaimPayment(ctx context.Context, id string, now time.Time) (*models.ScheduledPayment, error) {
	p, err := scanPayment(db.QueryRowContext(ctx,
		`UPDATE scheduled_payments
		 SET status = 'processing', processing_started_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'scheduled'
		 RETURNING `+paymentColumns,
		id, now,
	))
	if err != nil {
		return nil, db.transitionError(ctx, "claim payment", id, err)
	}
	return p, nil
}

// RecordPaymentSuccess completes a processing payment and adds it to the
// subscription's statistics in one transaction
func (db *DB) RecordPaymentSuccess(ctx context.Context, id string, c storage.PaymentCompletion) (*models.ScheduledPayment, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := scanPayment(tx.QueryRowContext(ctx,
		`UPDATE scheduled_payments
		 SET status = 'completed', processed_date = $2, provider_transaction_id = $3, updated_at = $2
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+paymentColumns,
		id, c.ProcessedDate, c.ProviderTransactionID,
	))
	if err != nil {
		return nil, db.transitionError(ctx, "complete payment", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE subscriptions
		 SET successful_payments = successful_payments + 1,
		     total_collected = total_collected + $2,
		     last_payment_date = $3,
		     last_payment_amount = $2,
		     updated_at = $3
		 WHERE id = $1`,
		p.SubscriptionID, p.Amount, c.ProcessedDate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record payment success: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return p, nil
}

// RecordPaymentFailure fails a processing payment and records the failure on
// the subscription in one transaction
func (db *DB) RecordPaymentFailure(ctx context.Context, id string, reason string, now time.Time) (*models.ScheduledPayment, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	p, err := scanPayment(tx.QueryRowContext(ctx,
		`UPDATE scheduled_payments
		 SET status = 'failed', processed_date = $2, failure_reason = $3, updated_at = $2
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+paymentColumns,
		id, now, reason,
	))
	if err != nil {
		return nil, db.transitionError(ctx, "fail payment", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE subscriptions
		 SET failed_payments = failed_payments + 1,
		     last_failure_date = $2,
		     last_failure_reason = $3,
		     updated_at = $2
		 WHERE id = $1`,
		p.SubscriptionID, now, reason,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record payment failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return p, nil
}

// CancelClaimedPayment withdraws a processing payment that was never charged.
// The subscription's statistics are left alone.
func (db *DB) CancelClaimedPayment(ctx context.Context, id string, reason string, now time.Time) (*models.ScheduledPayment, error) {
	p, err := scanPayment(db.QueryRowContext(ctx,
		`UPDATE scheduled_payments
		 SET status = 'cancelled', failure_reason = $2, updated_at = $3
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+paymentColumns,
		id, reason, now,
	))
	if err != nil {
		return nil, db.transitionError(ctx, "cancel claimed payment", id, err)
	}
	return p, nil
}

// MarkReceiptSent flags the receipt of a completed payment as delivered
func (db *DB) MarkReceiptSent(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE scheduled_payments
		 SET receipt_generated = TRUE, receipt_sent = TRUE, updated_at = NOW()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to mark receipt: %w", storage.ErrNotFound)
	}
	return nil
}

// CancelScheduledPayments withdraws every not-yet-claimed attempt of a subscription
func (db *DB) CancelScheduledPayments(ctx context.Context, subscriptionID string, now time.Time) (int, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE scheduled_payments
		 SET status = 'cancelled', updated_at = $2
		 WHERE subscription_id = $1 AND status = 'scheduled'`,
		subscriptionID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel scheduled payments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to cancel scheduled payments: %w", err)
	}
	return int(n), nil
}

// transitionError distinguishes a missing payment from a lost conditional update.
func (db *DB) transitionError(ctx context.Context, op, id string, err error) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	var exists bool
	if qerr := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM scheduled_payments WHERE id = $1)`, id,
	).Scan(&exists); qerr != nil {
		return fmt.Errorf("failed to %s: %w", op, qerr)
	}
	if !exists {
		return fmt.Errorf("failed to %s: %w", op, storage.ErrNotFound)
	}
	return fmt.Errorf("failed to %s: %w", op, storage.ErrConflict)
}
