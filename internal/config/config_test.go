package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 3, cfg.Billing.MaxRetries)
	assert.Equal(t, 72*time.Hour, cfg.Billing.RetryDelay)
	assert.Equal(t, int64(10000), cfg.Billing.ApprovalThreshold)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, "host=localhost port=5432 user=postgres password=postgres dbname=donations_db sslmode=disable", cfg.Database.DSN())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APPROVAL_THRESHOLD", "50000")
	t.Setenv("RETRY_DELAY", "24h")
	t.Setenv("STORE", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(50000), cfg.Billing.ApprovalThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Billing.RetryDelay)
	assert.Equal(t, "memory", cfg.Store)
}

func TestLoadRejectsStripeWithoutKey(t *testing.T) {
	t.Setenv("PAYMENT_PROVIDER", "stripe")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("STORE", "dynamo")

	_, err := Load()
	assert.Error(t, err)
}
