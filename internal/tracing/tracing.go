// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
)

// Shutdown flushes and stops the provider.
type Shutdown func(ctx context.Context) error

// Setup installs a global tracer provider exporting over OTLP/HTTP. With no
// endpoint configured a no-op provider is installed and spans are dropped.
func Setup(cfg config.Tracing, log *zap.Logger) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opt := otlptracehttp.WithEndpoint(endpoint)
	if strings.Contains(endpoint, "://") {
		opt = otlptracehttp.WithEndpointURL(endpoint)
	}
	exporter, err := otlptracehttp.New(ctx, opt)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	ratio := clampRatio(cfg.SamplingRatio)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)

	log.Info("tracing initialized",
		zap.String("endpoint", endpoint),
		zap.Float64("sampling_ratio", ratio),
	)
	return provider.Shutdown, nil
}

func clampRatio(v float64) float64 {
	if v <= 0 {
		return 0.1
	}
	if v > 1 {
		return 1
	}
	return v
}
