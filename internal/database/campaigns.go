package database

import (
	"context"
	"fmt"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
)

// GetCampaign retrieves a campaign by ID
func (db *DB) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	var c models.Campaign
	err := db.QueryRowContext(ctx,
		`SELECT id, name, target_amount, raised_amount, subscriber_count, active_subscriber_count, updated_at
		 FROM campaigns
		 WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.TargetAmount, &c.RaisedAmount, &c.SubscriberCount,
		&c.ActiveSubscriberCount, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", mapError(err))
	}
	return &c, nil
}

// UpsertCampaign stores the rollup figures of a campaign
func (db *DB) UpsertCampaign(ctx context.Context, c *models.Campaign) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO campaigns (id, name, target_amount, raised_amount, subscriber_count, active_subscriber_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET raised_amount = EXCLUDED.raised_amount,
		     subscriber_count = EXCLUDED.subscriber_count,
		     active_subscriber_count = EXCLUDED.active_subscriber_count,
		     updated_at = EXCLUDED.updated_at`,
		c.ID, c.Name, c.TargetAmount, c.RaisedAmount, c.SubscriberCount,
		c.ActiveSubscriberCount, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}
	return nil
}
