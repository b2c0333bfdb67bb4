// Package tracing initialises the OpenTelemetry SDK for the engine.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls tracer construction.
type Config struct {
	// Enabled turns tracing on. When false a noop tracer is installed.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address, host:port.
	// Default "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	// ServiceName labels exported spans. Default "quorum".
	ServiceName string `yaml:"service_name"`

	// SampleRatio in [0,1]. Default 1 (always sample).
	SampleRatio float64 `yaml:"sample_ratio"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`
}

// Tracer wraps the configured tracer and its provider for shutdown.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// New initialises the OpenTelemetry SDK from config and installs the
// global propagator. Shut the tracer down when done.
func New(ctx context.Context, config Config) (*Tracer, error) {
	if config.ServiceName == "" {
		config.ServiceName = "quorum"
	}

	if !config.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(config.ServiceName)}, nil
	}

	if config.Endpoint == "" {
		config.Endpoint = "localhost:4317"
	}
	if config.SampleRatio <= 0 || config.SampleRatio > 1 {
		config.SampleRatio = 1
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: failed to create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: failed to build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(config.SampleRatio))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return &Tracer{
		tracer:   provider.Tracer(config.ServiceName),
		provider: provider,
	}, nil
}

// Start opens a span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(ctx)
}
