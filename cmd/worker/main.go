package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/app"
	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/logging"
	"github.com/jeet-patel/recurring-donations-backend/internal/tracing"
)

const tickLockKey = "recurring-donations:tick"

func main() {
	once := flag.Bool("once", false, "process due payments once and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()
	logger = logger.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	if *once {
		tick(ctx, a)
		drain(a)
		return
	}

	go a.NotificationPool().Run(ctx)

	logger.Info("worker started", zap.Duration("interval", cfg.TickInterval))
	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()
	tick(ctx, a)
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		case <-ticker.C:
			tick(ctx, a)
		}
	}
}

// tick runs one ProcessDue and Reconcile pass. With Redis it first takes a
// lock so overlapping invocations skip instead of racing on claims.
func tick(ctx context.Context, a *app.App) {
	if a.Redis != nil {
		token := uuid.NewString()
		ok, err := a.Redis.TryLock(ctx, tickLockKey, token, a.Config.TickInterval)
		if err != nil {
			a.Log.Warn("tick lock unavailable, running unlocked", zap.Error(err))
		} else if !ok {
			a.Log.Info("another worker holds the tick lock, skipping")
			return
		} else {
			defer func() {
				if err := a.Redis.Unlock(context.Background(), tickLockKey, token); err != nil {
					a.Log.Warn("failed to release tick lock", zap.Error(err))
				}
			}()
		}
	}

	now := a.Clock.Now()
	due, err := a.Processor.ProcessDue(ctx, now)
	if err != nil {
		a.Log.Error("process due failed", zap.Error(err))
	} else {
		a.Log.Info("processed due payments",
			zap.Int("due", due.Due),
			zap.Int("completed", due.Completed),
			zap.Int("failed", due.Failed),
			zap.Int("skipped", due.Skipped),
			zap.Int("errored", due.Errored),
		)
	}

	stale, err := a.Processor.Reconcile(ctx, now)
	if err != nil {
		a.Log.Error("reconcile failed", zap.Error(err))
		return
	}
	if stale.Due > 0 {
		a.Log.Info("reconciled stale payments", zap.Int("count", stale.Due), zap.Int("failed", stale.Failed))
	}
	if stale.Scheduled > 0 {
		a.Log.Info("scheduled subscriptions with no open payment", zap.Int("count", stale.Scheduled))
	}
}

// drain delivers notifications queued during a -once run and returns as soon
// as the queue is empty, bounded by the notification timeout.
func drain(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Notifications.Timeout)
	defer cancel()
	n := a.NotificationPool().Drain(ctx)
	a.Log.Info("notifications drained", zap.Int("count", n))
}
