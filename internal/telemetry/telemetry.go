// Package telemetry builds the OpenTelemetry tracer provider for the ledger service.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.uber.org/zap"
)

const ServiceName = "reservation-ledger"

type Config struct {
	// CollectorEndpoint is the OTLP/gRPC collector address (host:port). Empty turns exporting off.
	CollectorEndpoint string
	ServiceVersion    string
}

func newResource(cfg Config) *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.TelemetrySDKLanguageGo,
	)
}

// NewTracerProvider returns a provider that batches spans to the collector and installs it as the
// global provider. Without an endpoint nothing is sampled, so spans cost almost nothing.
func NewTracerProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rsc := newResource(cfg)

	var tp *sdktrace.TracerProvider
	if cfg.CollectorEndpoint == "" {
		logger.Warn("telemetry turned off: no collector endpoint")
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithResource(rsc),
			sdktrace.WithSampler(sdktrace.NeverSample()),
		)
	} else {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(rsc),
		)
		logger.Info("telemetry exporting spans", zap.String("endpoint", cfg.CollectorEndpoint))
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}
