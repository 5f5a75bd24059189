package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

const subscriptionColumns = `id, donor_id, account_ref, amount, currency, frequency, interval_count,
	start_date, end_date, status, next_process_date, retry_count, max_retries,
	total_collected, successful_payments, failed_payments, last_payment_date,
	last_payment_amount, last_failure_date, last_failure_reason, pause_reason,
	cancellation_reason, send_receipts, campaign_id, paused_at, cancelled_at,
	created_at, updated_at`

func scanSubscription(row scanner) (*models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(&sub.ID, &sub.DonorID, &sub.AccountRef, &sub.Amount, &sub.Currency,
		&sub.Frequency, &sub.IntervalCount, &sub.StartDate, &sub.EndDate, &sub.Status,
		&sub.NextProcessDate, &sub.RetryCount, &sub.MaxRetries, &sub.TotalCollected,
		&sub.SuccessfulPayments, &sub.FailedPayments, &sub.LastPaymentDate,
		&sub.LastPaymentAmount, &sub.LastFailureDate, &sub.LastFailureReason,
		&sub.PauseReason, &sub.CancellationReason, &sub.SendReceipts, &sub.CampaignID,
		&sub.PausedAt, &sub.CancelledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription inserts a new subscription
func (db *DB) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		         $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)`,
		sub.ID, sub.DonorID, sub.AccountRef, sub.Amount, sub.Currency, sub.Frequency,
		sub.IntervalCount, sub.StartDate, sub.EndDate, sub.Status, sub.NextProcessDate,
		sub.RetryCount, sub.MaxRetries, sub.TotalCollected, sub.SuccessfulPayments,
		sub.FailedPayments, sub.LastPaymentDate, sub.LastPaymentAmount, sub.LastFailureDate,
		sub.LastFailureReason, sub.PauseReason, sub.CancellationReason, sub.SendReceipts,
		sub.CampaignID, sub.PausedAt, sub.CancelledAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", mapError(err))
	}
	return nil
}

// GetSubscription retrieves a subscription by ID
func (db *DB) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := scanSubscription(db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", mapError(err))
	}
	return sub, nil
}

// UpdateSubscriptionTerms writes the billing terms of a subscription. The
// schedule columns are owned by SchedulePayment and are left untouched.
func (db *DB) UpdateSubscriptionTerms(ctx context.Context, sub *models.Subscription) error {
	res, err := db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET amount = $2, currency = $3, frequency = $4, interval_count = $5, end_date = $6,
		     send_receipts = $7, campaign_id = $8, updated_at = $9
		 WHERE id = $1`,
		sub.ID, sub.Amount, sub.Currency, sub.Frequency, sub.IntervalCount, sub.EndDate,
		sub.SendReceipts, sub.CampaignID, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to update subscription: %w", storage.ErrNotFound)
	}
	return nil
}

// TransitionSubscription moves a subscription to ch.To only while its status is
// one of ch.From
func (db *DB) TransitionSubscription(ctx context.Context, id string, ch storage.StatusChange) (*models.Subscription, error) {
	from := make([]string, len(ch.From))
	for i, s := range ch.From {
		from[i] = string(s)
	}

	sub, err := scanSubscription(db.QueryRowContext(ctx,
		`UPDATE subscriptions
		 SET status = $2,
		     updated_at = $3,
		     pause_reason = CASE WHEN $2 = 'paused' THEN $4 WHEN $2 = 'active' THEN '' ELSE pause_reason END,
		     paused_at = CASE WHEN $2 = 'paused' THEN $3 ELSE paused_at END,
		     cancellation_reason = CASE WHEN $2 = 'cancelled' THEN $4 ELSE cancellation_reason END,
		     cancelled_at = CASE WHEN $2 = 'cancelled' THEN $3 ELSE cancelled_at END,
		     next_process_date = COALESCE($5, next_process_date),
		     retry_count = COALESCE($6, retry_count)
		 WHERE id = $1 AND status = ANY($7)
		 RETURNING `+subscriptionColumns,
		id, string(ch.To), ch.At, ch.Reason, ch.NextProcessDate, ch.RetryCount, pq.Array(from),
	))
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition subscription: %w", err)
	}
	if _, gerr := db.GetSubscription(ctx, id); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("failed to transition subscription: %w", storage.ErrConflict)
}

// SearchSubscriptions lists subscriptions matching the filter, newest first
func (db *DB) SearchSubscriptions(ctx context.Context, f storage.SubscriptionFilter) ([]models.Subscription, error) {
	var (
		where []string
		args  []any
	)
	if f.DonorID != "" {
		args = append(args, f.DonorID)
		where = append(where, fmt.Sprintf("donor_id = $%d", len(args)))
	}
	if f.CampaignID != "" {
		args = append(args, f.CampaignID)
		where = append(where, fmt.Sprintf("campaign_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return db.querySubscriptions(ctx, "search subscriptions", query, args...)
}

// ListUnscheduled returns active subscriptions with no open payment that have
// not been touched since updatedBefore
func (db *DB) ListUnscheduled(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Subscription, error) {
	return db.querySubscriptions(ctx, "list unscheduled subscriptions",
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions s
		 WHERE s.status = 'active' AND s.updated_at < $1
		   AND NOT EXISTS (
		     SELECT 1 FROM scheduled_payments p
		     WHERE p.subscription_id = s.id AND p.status IN ('scheduled', 'processing'))
		 ORDER BY s.next_process_date
		 LIMIT $2`,
		updatedBefore, limit,
	)
}

func (db *DB) querySubscriptions(ctx context.Context, op string, query string, args ...any) ([]models.Subscription, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	defer rows.Close()

	var subscriptions []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subscriptions = append(subscriptions, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return subscriptions, nil
}
