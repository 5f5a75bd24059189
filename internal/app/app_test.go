package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/notify"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("STORE", "memory")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("NOTIFY_TIMEOUT", "1s")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNewInMemory(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Redis)
	assert.IsType(t, &notify.LocalQueue{}, a.Queue)

	start := time.Now().UTC()
	sub, err := a.Subscriptions.Create(context.Background(), models.CreateSubscriptionRequest{
		DonorID:      "donor-1",
		AccountRef:   "pm_card_visa",
		Amount:       2500,
		Frequency:    models.FrequencyMonthly,
		StartDate:    &start,
		SendReceipts: true,
	})
	require.NoError(t, err)

	res, err := a.Processor.ProcessDue(context.Background(), start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	// the receipt task is picked up by the pool and marked sent
	ctx, cancel := context.WithCancel(context.Background())
	go a.NotificationPool().Run(ctx)
	defer cancel()
	assert.Eventually(t, func() bool {
		payments, err := a.Subscriptions.Payments(context.Background(), sub.ID)
		if err != nil {
			return false
		}
		for _, p := range payments {
			if p.Status == models.PaymentCompleted {
				return p.ReceiptSent
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = mr.Port()

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Redis)
	assert.IsType(t, &notify.RedisQueue{}, a.Queue)
	require.NoError(t, a.Queue.Dispatch(context.Background(), notify.Task{Kind: notify.KindReceipt, PaymentID: "p1"}))
	assert.True(t, mr.Exists(cfg.Notifications.Queue))
}

func TestNewFailsWhenRedisIsDown(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = "1"

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNotificationPoolDrainReturnsWhenEmpty(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Notifications.Timeout = time.Minute
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Queue.Dispatch(context.Background(), notify.Task{Kind: notify.KindPaymentFailed, SubscriptionID: "s1"}))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Notifications.Timeout)
	defer cancel()
	start := time.Now()
	assert.Equal(t, 1, a.NotificationPool().Drain(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)
}
