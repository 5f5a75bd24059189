package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/app"
	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/handlers"
	"github.com/jeet-patel/recurring-donations-backend/internal/logging"
	"github.com/jeet-patel/recurring-donations-backend/internal/middleware"
	"github.com/jeet-patel/recurring-donations-backend/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

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

	// Receipts and notifications are delivered in-process when the API runs
	// without a separate worker consuming the queue.
	go a.NotificationPool().Run(ctx)

	mux := http.NewServeMux()

	// Health endpoint
	if a.Redis != nil {
		mux.HandleFunc("GET /health", handlers.Health(a.Store, a.Redis))
	} else {
		mux.HandleFunc("GET /health", handlers.Health(a.Store, nil))
	}

	handlers.NewSubscriptionHandler(a.Subscriptions, logger).Register(mux)
	handlers.NewChangeRequestHandler(a.Changes, logger).Register(mux)
	handlers.NewDashboardHandler(a.Aggregator, a.Clock, logger).Register(mux)

	var finalHandler http.Handler = mux
	if a.Redis != nil {
		// Apply middleware
		handler := middleware.RateLimiter(a.Redis, cfg.HTTP.RateLimit, cfg.HTTP.RateLimitWindow, logger)(
			middleware.Idempotency(a.Redis, cfg.HTTP.IdempotencyTTL, logger)(mux),
		)

		// Skip idempotency and rate limiting for reads
		finalHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || strings.HasPrefix(r.URL.Path, "/health") {
				mux.ServeHTTP(w, r)
				return
			}
			handler.ServeHTTP(w, r)
		})
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      finalHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting server",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.Store),
		zap.String("provider", cfg.Provider.Kind),
		zap.Strings("endpoints", []string{
			"GET  /health",
			"POST /subscriptions",
			"GET  /subscriptions",
			"GET  /subscriptions/{id}",
			"PATCH /subscriptions/{id}",
			"POST /subscriptions/{id}/pause",
			"POST /subscriptions/{id}/resume",
			"POST /subscriptions/{id}/cancel",
			"GET  /subscriptions/{id}/payments",
			"POST /change-requests",
			"GET  /change-requests",
			"GET  /change-requests/{id}",
			"POST /change-requests/{id}/approve",
			"POST /change-requests/{id}/reject",
			"GET  /dashboard",
			"POST /campaigns/{id}/refresh",
		}),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
