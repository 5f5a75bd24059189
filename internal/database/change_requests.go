package database

import (
	"context"
	"fmt"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

const changeRequestColumns = `id, subscription_id, change_type, new_value, reason, requested_date,
	effective_date, requires_approval, status, donor_notified, decided_at, decision_note`

func scanChangeRequest(row scanner) (*models.ChangeRequest, error) {
	var cr models.ChangeRequest
	err := row.Scan(&cr.ID, &cr.SubscriptionID, &cr.ChangeType, &cr.NewValue, &cr.Reason,
		&cr.RequestedDate, &cr.EffectiveDate, &cr.RequiresApproval, &cr.Status,
		&cr.DonorNotified, &cr.DecidedAt, &cr.DecisionNote)
	if err != nil {
		return nil, err
	}
	return &cr, nil
}

// CreateChangeRequest inserts a change request
func (db *DB) CreateChangeRequest(ctx context.Context, cr *models.ChangeRequest) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO change_requests (`+changeRequestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cr.ID, cr.SubscriptionID, cr.ChangeType, cr.NewValue, cr.Reason, cr.RequestedDate,
		cr.EffectiveDate, cr.RequiresApproval, cr.Status, cr.DonorNotified, cr.DecidedAt,
		cr.DecisionNote,
	)
	if err != nil {
		return fmt.Errorf("failed to create change request: %w", mapError(err))
	}
	return nil
}

// GetChangeRequest retrieves a change request by ID
func (db *DB) GetChangeRequest(ctx context.Context, id string) (*models.ChangeRequest, error) {
	cr, err := scanChangeRequest(db.QueryRowContext(ctx,
		`SELECT `+changeRequestColumns+` FROM change_requests WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get change request: %w", mapError(err))
	}
	return cr, nil
}

// UpdateChangeRequest stores the decision fields of a change request while
// it is still in status from
func (db *DB) UpdateChangeRequest(ctx context.Context, cr *models.ChangeRequest, from models.ChangeRequestStatus) error {
	res, err := db.ExecContext(ctx,
		`UPDATE change_requests
		 SET status = $2, donor_notified = $3, decided_at = $4, decision_note = $5
		 WHERE id = $1 AND status = $6`,
		cr.ID, cr.Status, cr.DonorNotified, cr.DecidedAt, cr.DecisionNote, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update change request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update change request: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM change_requests WHERE id = $1)`, cr.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to update change request: %w", err)
	}
	if !exists {
		return fmt.Errorf("failed to update change request: %w", storage.ErrNotFound)
	}
	return fmt.Errorf("failed to update change request: %w", storage.ErrConflict)
}

// ListChangeRequests returns requests in a status, oldest first
func (db *DB) ListChangeRequests(ctx context.Context, status models.ChangeRequestStatus, limit int) ([]models.ChangeRequest, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+changeRequestColumns+`
		 FROM change_requests
		 WHERE status = $1
		 ORDER BY requested_date
		 LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list change requests: %w", err)
	}
	defer rows.Close()

	var requests []models.ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change request: %w", err)
		}
		requests = append(requests, *cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list change requests: %w", err)
	}
	return requests, nil
}
