// Package capability implements the host-call surface a rule module
// reaches through its WASM imports. Every capability passes through the
// same four-stage pipeline before it touches the network or a storage
// backend: an allowlist check, a test-mode gate, a budget charge
// against the invocation's computation meter, and secret interpolation
// applied just before use.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/obelisk/plaid/internal/audit"
	"github.com/obelisk/plaid/internal/message"
)

// ErrAllowlistDenied is returned when the caller is not in a resource's
// allowed_rules list.
var ErrAllowlistDenied = errors.New("capability: allowlist denied")

// ErrTestModeDenied is returned when the system is in test mode and
// neither the module nor the resource is exempt.
var ErrTestModeDenied = errors.New("capability: denied in test mode")

// ErrResourceExhausted is returned when a capability call's cost would
// exceed the invocation's remaining computation budget.
var ErrResourceExhausted = errors.New("capability: computation budget exhausted")

// Invocation carries everything a capability call needs to know about
// the rule invocation it is running inside: identity, the originating
// message, the mutable per-call budget, and the secrets the module is
// permitted to resolve. The executor constructs one per invocation and
// passes it to every host call the rule makes during that invocation.
type Invocation struct {
	Module         string
	LogType        string
	Source         message.LogSource
	Accessory      map[string]string
	Secrets        map[string]string
	TestMode       bool
	TestModeExempt bool

	Budget *message.ExecBudget

	// budgetMu guards Budget.Computation against concurrent mutation: the
	// executor's watchdog goroutine charges wall-clock ticks against it
	// from outside the guest call that is itself issuing host calls on
	// the same invocation.
	budgetMu sync.Mutex

	// LogbackEmit enqueues a new message on behalf of log_back. Supplied
	// by the dispatcher; nil in contexts (like tests) that don't need it.
	LogbackEmit func(ctx context.Context, logType string, payload []byte, delay time.Duration) error
}

// ChargeWatchdogTick deducts cost from the invocation's computation meter
// on behalf of the executor's periodic watchdog, which approximates
// metering the guest's raw execution time between host calls. It reports
// whether the charge succeeded; a false return means the invocation's
// computation budget is exhausted and the executor should abort it.
func (inv *Invocation) ChargeWatchdogTick(cost uint64) bool {
	inv.budgetMu.Lock()
	defer inv.budgetMu.Unlock()
	return chargeComputation(inv.Budget, cost) == nil
}

// chargeComputation subtracts cost from the invocation's remaining
// computation budget, failing closed if that would go negative. The
// watchdog's ticks race with in-flight capability calls for the same
// invocation, so every caller must hold budgetMu; gate and unprivileged
// take it via chargeComputationLocked below, ChargeWatchdogTick directly.
func chargeComputation(budget *message.ExecBudget, cost uint64) error {
	if budget == nil {
		return nil
	}
	if budget.Computation < cost {
		return ErrResourceExhausted
	}
	budget.Computation -= cost
	return nil
}

// testModeAllows reports whether a resource may be called while the
// system runs in test mode: the module itself is exempt, or the
// resource has opted in via available_in_test_mode (this is an Open
// Question: module exemption and resource exemption are independent
// "or" conditions, not one overriding the other).
func testModeAllows(inv *Invocation, resourceAvailableInTest bool) bool {
	if !inv.TestMode {
		return true
	}
	return inv.TestModeExempt || resourceAvailableInTest
}

func containsRule(allowed []string, module string) bool {
	for _, a := range allowed {
		if a == module {
			return true
		}
	}
	return false
}

// gate runs the allowlist and test-mode checks common to every
// allowlisted resource (named requests, cloud connectors), auditing
// both the allow and every deny outcome, and charges cost on success.
func gate(ctx context.Context, inv *Invocation, capabilityName string, allowedRules []string, availableInTest bool, cost uint64) error {
	if !containsRule(allowedRules, inv.Module) {
		audit.Record(ctx, "deny", capabilityName, inv.Module, inv.LogType, "not_in_allowed_rules")
		return fmt.Errorf("%w: %s not in allowed_rules for %s", ErrAllowlistDenied, inv.Module, capabilityName)
	}
	if !testModeAllows(inv, availableInTest) {
		audit.Record(ctx, "deny", capabilityName, inv.Module, inv.LogType, "test_mode_denied")
		return fmt.Errorf("%w: %s", ErrTestModeDenied, capabilityName)
	}
	if err := inv.chargeComputationLocked(cost); err != nil {
		audit.Record(ctx, "deny", capabilityName, inv.Module, inv.LogType, "resource_exhausted")
		return err
	}
	audit.Record(ctx, "allow", capabilityName, inv.Module, inv.LogType, "granted")
	return nil
}

// chargeComputationLocked is chargeComputation with budgetMu held, for
// capability call-sites racing against the executor's watchdog.
func (inv *Invocation) chargeComputationLocked(cost uint64) error {
	inv.budgetMu.Lock()
	defer inv.budgetMu.Unlock()
	return chargeComputation(inv.Budget, cost)
}
