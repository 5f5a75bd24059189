package recurring

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

// Monthly equivalents used for recurring revenue. Fixed so MRR is reproducible.
const (
	weeklyToMonthly    = 4.33
	quarterlyToMonthly = 1.0 / 3
	annuallyToMonthly  = 1.0 / 12
)

const aggregatePageSize = 500

type Dashboard struct {
	GeneratedAt    time.Time                         `json:"generated_at"`
	ActiveCount    int                               `json:"active_count"`
	MRR            float64                           `json:"mrr"`
	ARR            float64                           `json:"arr"`
	AverageAmount  float64                           `json:"average_amount"`
	NewThisMonth   int                               `json:"new_this_month"`
	ChurnThisMonth int                               `json:"churn_this_month"`
	TotalCollected int64                             `json:"total_collected"`
	StatusCounts   map[models.SubscriptionStatus]int `json:"status_counts"`
	RecentPayments []models.ScheduledPayment         `json:"recent_payments"`
	RecentFailures []models.ScheduledPayment         `json:"recent_failures"`
}

// Aggregator computes revenue statistics and campaign rollups.
type Aggregator struct {
	store storage.Store
	cfg   config.Billing
	clock Clock
	log   *zap.Logger
}

func NewAggregator(store storage.Store, cfg config.Billing, clock Clock, log *zap.Logger) *Aggregator {
	return &Aggregator{store: store, cfg: cfg, clock: clock, log: log.Named("aggregator")}
}

// MonthlyAmount normalizes one billing amount to its monthly equivalent.
func MonthlyAmount(amount int64, frequency models.Frequency, intervalCount int) float64 {
	if intervalCount < 1 {
		intervalCount = 1
	}
	a := float64(amount)
	switch frequency {
	case models.FrequencyWeekly:
		a *= weeklyToMonthly
	case models.FrequencyQuarterly:
		a *= quarterlyToMonthly
	case models.FrequencyAnnually:
		a *= annuallyToMonthly
	}
	return a / float64(intervalCount)
}

// ComputeDashboard summarizes every subscription as of now. Amounts of
// different currencies are summed as-is.
func (a *Aggregator) ComputeDashboard(ctx context.Context, now time.Time) (*Dashboard, error) {
	subs, err := a.allSubscriptions(ctx, storage.SubscriptionFilter{})
	if err != nil {
		return nil, err
	}

	monthStart := time.Date(now.UTC().Year(), now.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)
	inMonth := func(t time.Time) bool { return !t.Before(monthStart) && t.Before(monthEnd) }

	d := &Dashboard{
		GeneratedAt:  now,
		StatusCounts: make(map[models.SubscriptionStatus]int),
	}
	var mrr float64
	var activeTotal int64
	for _, sub := range subs {
		d.StatusCounts[sub.Status]++
		d.TotalCollected += sub.TotalCollected
		if inMonth(sub.CreatedAt) {
			d.NewThisMonth++
		}
		if sub.Status == models.StatusCancelled && sub.CancelledAt != nil && inMonth(*sub.CancelledAt) {
			d.ChurnThisMonth++
		}
		if sub.Status != models.StatusActive {
			continue
		}
		d.ActiveCount++
		activeTotal += sub.Amount
		mrr += MonthlyAmount(sub.Amount, sub.Frequency, sub.IntervalCount)
	}
	d.MRR = round2(mrr)
	d.ARR = round2(mrr * 12)
	if d.ActiveCount > 0 {
		d.AverageAmount = round2(float64(activeTotal) / float64(d.ActiveCount))
	}

	if d.RecentPayments, err = a.store.ListRecentPayments(ctx, models.PaymentCompleted, a.cfg.RecentFeedSize); err != nil {
		return nil, &PersistenceError{Op: "list recent payments", Err: err}
	}
	if d.RecentFailures, err = a.store.ListRecentPayments(ctx, models.PaymentFailed, a.cfg.RecentFeedSize); err != nil {
		return nil, &PersistenceError{Op: "list recent failures", Err: err}
	}
	return d, nil
}

// RefreshCampaign recomputes a campaign's rollups from its subscriptions.
func (a *Aggregator) RefreshCampaign(ctx context.Context, campaignID string) (*models.Campaign, error) {
	campaign, err := a.store.GetCampaign(ctx, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get campaign", Err: err}
	}

	subs, err := a.allSubscriptions(ctx, storage.SubscriptionFilter{CampaignID: campaignID})
	if err != nil {
		return nil, err
	}
	campaign.RaisedAmount = 0
	campaign.SubscriberCount = len(subs)
	campaign.ActiveSubscriberCount = 0
	for _, sub := range subs {
		campaign.RaisedAmount += sub.TotalCollected
		if sub.Status == models.StatusActive {
			campaign.ActiveSubscriberCount++
		}
	}
	campaign.UpdatedAt = a.clock.Now()

	if err := a.store.UpsertCampaign(ctx, campaign); err != nil {
		return nil, &PersistenceError{Op: "update campaign", Err: err}
	}
	a.log.Info("campaign refreshed",
		zap.String("campaign_id", campaign.ID),
		zap.Int64("raised_amount", campaign.RaisedAmount),
		zap.Int("subscribers", campaign.SubscriberCount),
	)
	return campaign, nil
}

func (a *Aggregator) allSubscriptions(ctx context.Context, filter storage.SubscriptionFilter) ([]models.Subscription, error) {
	filter.Limit = aggregatePageSize
	var all []models.Subscription
	for {
		page, err := a.store.SearchSubscriptions(ctx, filter)
		if err != nil {
			return nil, &PersistenceError{Op: "search subscriptions", Err: err}
		}
		all = append(all, page...)
		if len(page) < filter.Limit {
			return all, nil
		}
		filter.Offset += len(page)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
