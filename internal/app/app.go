// Package app wires the store, Redis, payment provider and engine services
// shared by the API and the worker binaries.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/cache"
	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/database"
	"github.com/jeet-patel/recurring-donations-backend/internal/memstore"
	"github.com/jeet-patel/recurring-donations-backend/internal/notify"
	"github.com/jeet-patel/recurring-donations-backend/internal/provider"
	"github.com/jeet-patel/recurring-donations-backend/internal/recurring"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

// Queue carries notification tasks from the engine to the delivery pool.
type Queue interface {
	notify.Dispatcher
	notify.Source
}

type App struct {
	Config config.Config
	Log    *zap.Logger
	Clock  recurring.Clock

	Store storage.Store
	// Redis is nil when REDIS_ENABLED=false.
	Redis *cache.Redis
	Queue Queue

	Scheduler     *recurring.Scheduler
	Subscriptions *recurring.SubscriptionManager
	Processor     *recurring.Processor
	Aggregator    *recurring.Aggregator
	Changes       *recurring.ChangeRequestManager

	closers []func() error
}

// New connects to the configured backends and builds the services.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Clock: recurring.SystemClock{}}

	switch cfg.Store {
	case "memory":
		log.Warn("using in-memory store, data is lost on restart")
		a.Store = memstore.New()
	default:
		db, err := database.New(cfg.Database, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		a.Store = db
	}

	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, redisClient.Close)
		a.Redis = redisClient
		a.Queue = notify.NewRedisQueue(redisClient, cfg.Notifications.Queue)
	} else {
		log.Warn("redis disabled, notifications stay in-process")
		a.Queue = notify.NewLocalQueue(1024)
	}

	var payments recurring.PaymentProvider
	switch cfg.Provider.Kind {
	case "stripe":
		payments = provider.NewStripe(cfg.Provider.StripeKey, log)
	default:
		payments = provider.NewFake(log)
	}

	a.Scheduler = recurring.NewScheduler(a.Store, a.Clock, log)
	a.Subscriptions = recurring.NewSubscriptionManager(a.Store, a.Scheduler, cfg.Billing, a.Clock, log)
	a.Processor = recurring.NewProcessor(a.Store, a.Scheduler, payments, a.Queue, cfg.Billing, a.Clock, log)
	a.Aggregator = recurring.NewAggregator(a.Store, cfg.Billing, a.Clock, log)
	a.Changes = recurring.NewChangeRequestManager(a.Store, a.Subscriptions, a.Queue, cfg.Billing, a.Clock, log)
	return a, nil
}

// NotificationPool delivers queued tasks through the log notifier and marks
// receipts sent in the store.
func (a *App) NotificationPool() *notify.Pool {
	return notify.NewPool(a.Queue, notify.NewLogNotifier(a.Log), a.Store,
		a.Config.Notifications.Workers, a.Config.Notifications.Timeout, a.Log)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
