// Package otel provides OpenTelemetry integration for Plaid.
// It wraps trace and metric providers with configurable exporters.
// When disabled, all operations are no-ops with zero overhead.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for Plaid traces.
	TracerName = "plaid"
	// MeterName is the instrumentation scope name for Plaid metrics.
	MeterName = "plaid"
	// Version is the Plaid version reported in telemetry.
	Version = "v0.1-dev"
)

// Config holds OTel configuration, decoded from the otel section of
// logging.toml.
type Config struct {
	Enabled     bool    `toml:"enabled"`
	Exporter    string  `toml:"exporter"`
	ServiceName string  `toml:"service_name"`
	SampleRate  float64 `toml:"sample_rate"`
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init sets up OpenTelemetry with the given config.
// Returns a Provider that must be Shutdown() on exit.
// If config.Enabled is false, returns a no-op provider — there is no
// collector endpoint in Plaid's deployment model, only a local stdout
// exporter for operator debugging, so disabled is the common case.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "plaid"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("plaid.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(sampleRate),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
	)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// createExporter supports only the two exporters grounded in the example
// corpus' go.mod: "stdout" (stdouttrace) and "none" (discard). There is no
// otlp collector dependency wired into this build.
func createExporter(cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout", "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: stdout, none)", cfg.Exporter)
	}
}

// noopExporter discards all spans. Used for exporter=none.
type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}
func (e *noopExporter) Shutdown(_ context.Context) error { return nil }
