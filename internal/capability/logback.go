package capability

import (
	"context"
	"errors"
	"time"

	"github.com/obelisk/plaid/internal/audit"
)

// ErrLogbackDepthExceeded is returned when an invocation has already
// consumed its full logback chain budget.
var ErrLogbackDepthExceeded = errors.New("capability: logback chain depth exceeded")

// LogBack enqueues a new message of logType derived from the calling
// module's own invocation, consuming one unit of the chain's remaining
// logback budget. A chain that has run out is refused outright: the
// caller gets ErrLogbackDepthExceeded rather than an unbounded loop.
func (r *Registry) LogBack(ctx context.Context, inv *Invocation, logType string, payload []byte, delay time.Duration) error {
	if inv.Budget == nil {
		return errors.New("capability: logback requires an invocation budget")
	}
	remaining, ok := inv.Budget.LogbacksRemaining.Decrement()
	if !ok {
		audit.Record(ctx, "deny", "logback", inv.Module, inv.LogType, "depth_exceeded")
		return ErrLogbackDepthExceeded
	}
	if err := inv.chargeComputationLocked(r.costOf("logback", 1)); err != nil {
		audit.Record(ctx, "deny", "logback", inv.Module, inv.LogType, "resource_exhausted")
		return err
	}
	inv.Budget.LogbacksRemaining = remaining

	if inv.LogbackEmit == nil {
		audit.Record(ctx, "deny", "logback", inv.Module, inv.LogType, "no_emitter_configured")
		return errors.New("capability: logback emitter not configured for this invocation")
	}
	if err := inv.LogbackEmit(ctx, logType, payload, delay); err != nil {
		audit.Record(ctx, "deny", "logback", inv.Module, inv.LogType, "emit_failed")
		return err
	}
	audit.Record(ctx, "allow", "logback", inv.Module, inv.LogType, "granted")
	return nil
}
