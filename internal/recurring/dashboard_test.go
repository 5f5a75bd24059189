package recurring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
)

func TestMonthlyAmount(t *testing.T) {
	tests := []struct {
		amount   int64
		freq     models.Frequency
		interval int
		want     float64
	}{
		{100, models.FrequencyWeekly, 1, 433},
		{100, models.FrequencyMonthly, 1, 100},
		{300, models.FrequencyQuarterly, 1, 100},
		{1200, models.FrequencyAnnually, 1, 100},
		{200, models.FrequencyMonthly, 2, 100},
		{100, models.FrequencyWeekly, 2, 216.5},
	}
	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			assert.InDelta(t, tt.want, MonthlyAmount(tt.amount, tt.freq, tt.interval), 1e-9)
		})
	}
}

func TestComputeDashboard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.clock.Set(day(2024, 1, 20))
	env.create(t, 100, models.FrequencyWeekly)
	env.create(t, 100, models.FrequencyMonthly)
	env.create(t, 300, models.FrequencyQuarterly)
	env.create(t, 1200, models.FrequencyAnnually)
	paused := env.create(t, 5000, models.FrequencyMonthly)
	_, err := env.subs.Pause(ctx, paused.ID, "")
	require.NoError(t, err)
	cancelled := env.create(t, 7000, models.FrequencyMonthly)
	_, err = env.subs.Cancel(ctx, cancelled.ID, "")
	require.NoError(t, err)

	env.provider.Decline("Insufficient funds")
	_, err = env.processor.ProcessDue(ctx, env.clock.Now())
	require.NoError(t, err)

	d, err := env.aggregator.ComputeDashboard(ctx, env.clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 4, d.ActiveCount)
	assert.InDelta(t, 733.0, d.MRR, 1e-9)
	assert.InDelta(t, 8796.0, d.ARR, 1e-9)
	assert.InDelta(t, 425.0, d.AverageAmount, 1e-9)
	assert.Equal(t, 6, d.NewThisMonth)
	assert.Equal(t, 1, d.ChurnThisMonth)
	assert.Equal(t, 4, d.StatusCounts[models.StatusActive])
	assert.Equal(t, 1, d.StatusCounts[models.StatusPaused])
	assert.Equal(t, 1, d.StatusCounts[models.StatusCancelled])
	assert.Len(t, d.RecentPayments, 3)
	assert.Len(t, d.RecentFailures, 1)
	assert.Equal(t, "Insufficient funds", d.RecentFailures[0].FailureReason)
}

func TestComputeDashboardMonthBoundaries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.clock.Set(day(2024, 1, 31))
	sub := env.create(t, 100, models.FrequencyMonthly)

	env.clock.Set(day(2024, 2, 1))
	_, err := env.subs.Cancel(ctx, sub.ID, "")
	require.NoError(t, err)

	jan, err := env.aggregator.ComputeDashboard(ctx, day(2024, 1, 31))
	require.NoError(t, err)
	assert.Equal(t, 1, jan.NewThisMonth)
	assert.Zero(t, jan.ChurnThisMonth)

	feb, err := env.aggregator.ComputeDashboard(ctx, day(2024, 2, 15))
	require.NoError(t, err)
	assert.Zero(t, feb.NewThisMonth)
	assert.Equal(t, 1, feb.ChurnThisMonth)
	assert.Zero(t, feb.ActiveCount)
	assert.Zero(t, feb.MRR)
}

func TestRefreshCampaign(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpsertCampaign(ctx, &models.Campaign{
		ID:           "winter-drive",
		Name:         "Winter drive",
		TargetAmount: 100000,
	}))
	campaign := "winter-drive"
	inCampaign := func(r *models.CreateSubscriptionRequest) { r.CampaignID = &campaign }
	env.create(t, 40, models.FrequencyMonthly, inCampaign)
	second := env.create(t, 60, models.FrequencyMonthly, inCampaign)
	env.create(t, 999, models.FrequencyMonthly)

	_, err := env.processor.ProcessDue(ctx, env.clock.Now())
	require.NoError(t, err)
	_, err = env.subs.Cancel(ctx, second.ID, "")
	require.NoError(t, err)

	c, err := env.aggregator.RefreshCampaign(ctx, "winter-drive")
	require.NoError(t, err)

	assert.Equal(t, int64(100), c.RaisedAmount)
	assert.Equal(t, 2, c.SubscriberCount)
	assert.Equal(t, 1, c.ActiveSubscriberCount)
	assert.Equal(t, int64(100000), c.TargetAmount)

	stored, err := env.store.GetCampaign(ctx, "winter-drive")
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored.RaisedAmount)
}

func TestRefreshUnknownCampaign(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.aggregator.RefreshCampaign(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
