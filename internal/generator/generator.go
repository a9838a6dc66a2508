// Package generator implements the message sources that feed the
// dispatcher: HTTP webhook listeners, an interval timer, a websocket
// tailer, and a small poller abstraction for opaque upstream connectors.
// Every generator follows the same shape: a Config struct, a
// scheduler and gateway listener: a Config struct, a constructor that
// fills in defaults, and Start(ctx)/Stop() lifecycle methods backed by a
// context.CancelFunc and a sync.WaitGroup.
package generator

import (
	"context"
	"time"

	"github.com/obelisk/plaid/internal/dispatcher"
)

// Sink is the narrow slice of *dispatcher.Dispatcher every generator
// depends on: Enqueue for fire-and-forget delivery (webhook POSTs,
// interval ticks, websocket frames, poller results), Dispatch for the
// one case that needs a synchronous rule response (webhook GET routes
// whose get_mode is rule-backed).
type Sink interface {
	Enqueue(ctx context.Context, event dispatcher.RawEvent) error
	Dispatch(ctx context.Context, event dispatcher.RawEvent) ([]dispatcher.Outcome, error)
}

// PollerFunc adapts a plain poll function into a Generator, for the
// illustrative SQS-like connectors, out of scope beyond
// their interface: a poller is just "call this on an interval, enqueue
// whatever it returns".
type PollerFunc func(ctx context.Context) ([]byte, error)

// Generator is the lifecycle every message source implements.
type Generator interface {
	Start(ctx context.Context)
	Stop()
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
