package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Plaid metrics instruments.
type Metrics struct {
	InvocationDuration  metric.Float64Histogram
	InvocationsTotal    metric.Int64Counter
	InvocationErrors    metric.Int64Counter
	ComputeExhausted    metric.Int64Counter
	QueueDepth          metric.Int64UpDownCounter
	MessagesDropped     metric.Int64Counter
	LogbacksEnqueued    metric.Int64Counter
	LogbacksDropped     metric.Int64Counter
	CapabilityCalls     metric.Int64Counter
	CapabilityDenials   metric.Int64Counter
	StorageBytesWritten metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InvocationDuration, err = meter.Float64Histogram("plaid.invocation.duration",
		metric.WithDescription("Rule module invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.InvocationsTotal, err = meter.Int64Counter("plaid.invocation.total",
		metric.WithDescription("Total rule module invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.InvocationErrors, err = meter.Int64Counter("plaid.invocation.errors",
		metric.WithDescription("Rule module invocations that returned a trap or error"),
	)
	if err != nil {
		return nil, err
	}

	m.ComputeExhausted, err = meter.Int64Counter("plaid.invocation.compute_exhausted",
		metric.WithDescription("Invocations terminated for exceeding their compute budget"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("plaid.dispatcher.queue_depth",
		metric.WithDescription("Current depth of a log type's bounded dispatch channel"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDropped, err = meter.Int64Counter("plaid.dispatcher.messages_dropped",
		metric.WithDescription("Messages dropped because a log type's queue was saturated"),
	)
	if err != nil {
		return nil, err
	}

	m.LogbacksEnqueued, err = meter.Int64Counter("plaid.logback.enqueued",
		metric.WithDescription("Logback messages successfully enqueued for dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.LogbacksDropped, err = meter.Int64Counter("plaid.logback.dropped",
		metric.WithDescription("Logback messages dropped for exceeding depth or budget"),
	)
	if err != nil {
		return nil, err
	}

	m.CapabilityCalls, err = meter.Int64Counter("plaid.capability.calls",
		metric.WithDescription("Total host-call invocations across all capabilities"),
	)
	if err != nil {
		return nil, err
	}

	m.CapabilityDenials, err = meter.Int64Counter("plaid.capability.denials",
		metric.WithDescription("Host-call invocations denied by the allowlist or test-mode gate"),
	)
	if err != nil {
		return nil, err
	}

	m.StorageBytesWritten, err = meter.Int64Counter("plaid.storage.bytes_written",
		metric.WithDescription("Total bytes written through the storage capability"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
