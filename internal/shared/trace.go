package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type logbackDepthKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id, used to correlate one invocation's
// logs and audit entries.
func NewTraceID() string {
	return uuid.NewString()
}

// WithLogbackDepth attaches the current logback chain depth to the
// context, so nested capability calls and log lines can report how far
// down a log_back chain the current invocation sits.
func WithLogbackDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, logbackDepthKey{}, depth)
}

// LogbackDepth returns the current logback chain depth, or 0 for a root
// invocation.
func LogbackDepth(ctx context.Context) int {
	if v, ok := ctx.Value(logbackDepthKey{}).(int); ok {
		return v
	}
	return 0
}
