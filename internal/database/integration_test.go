//go:build integration

package database_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/database"
	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/notify"
	"github.com/jeet-patel/recurring-donations-backend/internal/provider"
	"github.com/jeet-patel/recurring-donations-backend/internal/recurring"
)

// Run with: go test -tags integration ./internal/database/...
// against the Postgres described by the DB_* environment variables.

type testClock struct{ now time.Time }

func (c testClock) Now() time.Time { return c.now }

func setupTest(t *testing.T) *database.DB {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	testDB, err := database.New(cfg.Database, zap.NewNop())
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	require.NoError(t, testDB.RunMigrations(context.Background()))

	clean := func() {
		testDB.Exec("DELETE FROM change_requests")
		testDB.Exec("DELETE FROM scheduled_payments")
		testDB.Exec("DELETE FROM subscriptions")
		testDB.Exec("DELETE FROM campaigns")
	}
	clean()
	t.Cleanup(func() {
		clean()
		testDB.Close()
	})
	return testDB
}

func billing() config.Billing {
	return config.Billing{
		DefaultCurrency:   "usd",
		MaxRetries:        3,
		RetryDelay:        72 * time.Hour,
		ProcessingTimeout: 15 * time.Minute,
		ProviderTimeout:   5 * time.Second,
		BatchSize:         100,
		ApprovalThreshold: 10000,
		RecentFeedSize:    10,
	}
}

func TestBillingCycleAgainstPostgres(t *testing.T) {
	testDB := setupTest(t)
	ctx := context.Background()
	log := zap.NewNop()
	clock := testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	queue := notify.NewLocalQueue(64)
	fake := provider.NewFake(log)

	scheduler := recurring.NewScheduler(testDB, clock, log)
	subs := recurring.NewSubscriptionManager(testDB, scheduler, billing(), clock, log)
	processor := recurring.NewProcessor(testDB, scheduler, fake, queue, billing(), clock, log)

	start := clock.now
	sub, err := subs.Create(ctx, models.CreateSubscriptionRequest{
		DonorID:      "donor-100",
		AccountRef:   "pm_card_visa",
		Amount:       2500,
		Frequency:    models.FrequencyMonthly,
		StartDate:    &start,
		SendReceipts: true,
	})
	require.NoError(t, err)

	res, err := processor.ProcessDue(ctx, clock.now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	got, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got.TotalCollected)
	assert.Equal(t, 1, got.SuccessfulPayments)
	assert.True(t, got.NextProcessDate.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))

	payments, err := subs.Payments(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, models.PaymentCompleted, payments[0].Status)
	assert.Equal(t, models.PaymentScheduled, payments[1].Status)

	cancelled, err := subs.Cancel(ctx, sub.ID, "moving abroad")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	payments, err = subs.Payments(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCancelled, payments[1].Status)
}

func TestConcurrentClaimsAgainstPostgres(t *testing.T) {
	testDB := setupTest(t)
	ctx := context.Background()
	log := zap.NewNop()
	clock := testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	fake := provider.NewFake(log)

	scheduler := recurring.NewScheduler(testDB, clock, log)
	subs := recurring.NewSubscriptionManager(testDB, scheduler, billing(), clock, log)
	processor := recurring.NewProcessor(testDB, scheduler, fake, notify.NewLocalQueue(64), billing(), clock, log)

	start := clock.now
	sub, err := subs.Create(ctx, models.CreateSubscriptionRequest{
		DonorID:    "donor-101",
		AccountRef: "pm_card_visa",
		Amount:     1000,
		Frequency:  models.FrequencyWeekly,
		StartDate:  &start,
	})
	require.NoError(t, err)
	payments, err := subs.Payments(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = processor.ProcessOne(ctx, payments[0].ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, recurring.ErrConcurrencyConflict)
		}
	}
	assert.Equal(t, 1, wins)

	got, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.TotalCollected)
}

func TestResponseTime(t *testing.T) {
	testDB := setupTest(t)
	log := zap.NewNop()
	clock := testClock{now: time.Now().UTC()}
	scheduler := recurring.NewScheduler(testDB, clock, log)
	subs := recurring.NewSubscriptionManager(testDB, scheduler, billing(), clock, log)

	start := clock.now
	began := time.Now()
	_, err := subs.Create(context.Background(), models.CreateSubscriptionRequest{
		DonorID:   "donor-perf",
		Amount:    500,
		Frequency: models.FrequencyMonthly,
		StartDate: &start,
	})
	elapsed := time.Since(began)
	require.NoError(t, err)

	if elapsed > 150*time.Millisecond {
		t.Errorf("create took %v, over the 150ms target", elapsed)
	}
	t.Logf("create subscription time: %v", elapsed)
}
