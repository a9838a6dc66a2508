package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Plaid spans.
var (
	AttrModule       = attribute.Key("plaid.module")
	AttrLogType      = attribute.Key("plaid.log_type")
	AttrCapability   = attribute.Key("plaid.capability")
	AttrLogbackDepth = attribute.Key("plaid.logback.depth")
	AttrGeneratorKind = attribute.Key("plaid.generator.kind")
	AttrListener     = attribute.Key("plaid.listener")
	AttrStorageBackend = attribute.Key("plaid.storage.backend")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound webhook request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call a rule makes through a
// capability (named HTTP request, Telegram notify, shared-database access).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
