// Package executor turns a dispatched Message into at most one rule
// invocation: it owns the instance LRU, meters
// computation and wall-clock time, and collects the rule's response.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/obelisk/plaid/internal/capability"
	"github.com/obelisk/plaid/internal/loader"
	"github.com/obelisk/plaid/internal/message"
)

// Reason codes form a deterministic fault taxonomy: every way an
// invocation can fail resolves to exactly one of these.
const (
	ReasonResourceExhausted = "RESOURCE_EXHAUSTED"
	ReasonTimeout           = "TIMEOUT"
	ReasonMemoryExceeded    = "MEMORY_EXCEEDED"
	ReasonNoEntryPoint      = "NO_ENTRY_POINT"
	ReasonTrap              = "TRAP"
)

// Fault is a structured invocation failure. The dispatcher logs it; it
// is never translated into an HTTP 5xx on its own.
type Fault struct {
	Reason   string
	Filename string
	Detail   string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", f.Reason, f.Filename, f.Detail)
}

// Result is what a completed invocation hands back to the dispatcher.
type Result struct {
	// Response is the Some(bytes) a rule returned, or nil for None.
	Response []byte
	// ApplicationError is non-empty when the rule's own entry point
	// returned an error code; this is never a host-level Fault.
	ApplicationError string
}

const defaultWatchdogTick = 250 * time.Millisecond

// Config bundles an Executor's dependencies.
type Config struct {
	Runtime       wazero.Runtime
	Registry      *capability.Registry
	Logger        *slog.Logger
	PoolCapacity  int
	InvokeTimeout time.Duration
}

// Executor owns the instance pool and the shared host-function module
// every rule instance imports against.
type Executor struct {
	runtime       wazero.Runtime
	registry      *capability.Registry
	logger        *slog.Logger
	pool          *instancePool
	slots         *slotRegistry
	invokeTimeout time.Duration
	generation    atomic.Uint64
}

// New builds an Executor and registers its host-function module on
// runtime. The host module is registered once and shared by every rule
// instance the runtime later instantiates.
func New(ctx context.Context, cfg Config) (*Executor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout <= 0 {
		invokeTimeout = 30 * time.Second
	}
	e := &Executor{
		runtime:       cfg.Runtime,
		registry:      cfg.Registry,
		logger:        logger,
		pool:          newInstancePool(cfg.PoolCapacity),
		slots:         newSlotRegistry(),
		invokeTimeout: invokeTimeout,
	}
	if err := buildHostModule(ctx, cfg.Runtime, cfg.Registry, logger, e.slots); err != nil {
		return nil, fmt.Errorf("executor: register host module: %w", err)
	}
	return e, nil
}

func (e *Executor) Close(ctx context.Context) {
	e.pool.closeAll(ctx)
}

// acquire returns a ready instance of artifact for logType, instantiating
// a fresh one on pool miss.
func (e *Executor) acquire(ctx context.Context, artifact *loader.Artifact, logType string) (*pooledInstance, error) {
	key := poolKey(artifact.Filename, logType)
	if inst, ok := e.pool.checkout(key); ok {
		return inst, nil
	}
	gen := e.generation.Add(1)
	module, err := instantiate(ctx, e.runtime, artifact.Compiled, key, gen)
	if err != nil {
		return nil, err
	}
	slot := e.slots.register(module.Name())
	return &pooledInstance{key: key, filename: artifact.Filename, module: module, slot: slot}, nil
}

func (e *Executor) release(ctx context.Context, inst *pooledInstance, faulted bool) {
	if faulted {
		e.slots.unregister(inst.module.Name())
		e.pool.discard(ctx, inst)
		return
	}
	e.pool.checkin(ctx, inst)
}

// Invoke runs msg against artifact's compiled module: it picks the
// recognized entry-point export present on the module, meters wall
// clock, and surfaces either a Result or a Fault. msg.Budget is mutated
// in place by capability calls (computation, logbacks remaining) made
// during the invocation.
func (e *Executor) Invoke(ctx context.Context, artifact *loader.Artifact, msg *message.Message, logbackEmit func(ctx context.Context, logType string, payload []byte, delay time.Duration) error, testMode bool) (Result, error) {
	inst, err := e.acquire(ctx, artifact, msg.LogType)
	if err != nil {
		return Result{}, &Fault{Reason: ReasonNoEntryPoint, Filename: artifact.Filename, Detail: err.Error()}
	}

	sourceJSON, err := json.Marshal(sourceEnvelope(msg.Source))
	if err != nil {
		e.release(ctx, inst, false)
		return Result{}, &Fault{Reason: ReasonTrap, Filename: artifact.Filename, Detail: "encode source: " + err.Error()}
	}

	inv := &capability.Invocation{
		Module:         artifact.Filename,
		LogType:        msg.LogType,
		Source:         msg.Source,
		Accessory:      msg.Accessory,
		Secrets:        msg.AvailableSecrets,
		TestMode:       testMode,
		TestModeExempt: artifact.TestModeExempt,
		Budget:         &msg.Budget,
		LogbackEmit:    logbackEmit,
	}

	invokeCtx, cancel := context.WithTimeout(ctx, e.invokeTimeout)
	defer cancel()
	inst.slot.bind(invokeCtx, inv)
	defer inst.slot.bind(context.Background(), nil)

	var watchdogExhausted atomic.Bool
	watchdogDone := make(chan struct{})
	go e.runWatchdog(invokeCtx, inv, cancel, &watchdogExhausted, watchdogDone)
	defer close(watchdogDone)

	result, callErr := callEntryPoint(invokeCtx, inst.module, msg.Payload, sourceJSON)
	if callErr != nil {
		var fault *Fault
		switch {
		case watchdogExhausted.Load():
			fault = &Fault{Reason: ReasonResourceExhausted, Filename: artifact.Filename, Detail: "computation budget exhausted by watchdog"}
		case errors.As(callErr, &fault):
			if fault.Filename == "" {
				fault.Filename = artifact.Filename
			}
		default:
			fault = classifyFault(artifact.Filename, callErr)
		}
		e.logger.Warn("rule invocation fault", "module", artifact.Filename, "log_type", msg.LogType, "reason", fault.Reason)
		e.release(ctx, inst, true)
		return Result{}, fault
	}

	e.release(ctx, inst, false)
	return result, nil
}

// watchdogTickCost is the computation units charged per watchdog tick, a
// coarse stand-in for instrumenting the guest's basic blocks: it bounds a
// rule that never calls a host function (a tight CPU loop) to roughly
// invokeTimeout/defaultWatchdogTick*watchdogTickCost units of "work" on
// top of whatever capability calls it makes.
const watchdogTickCost = 1

// runWatchdog charges watchdogTickCost against inv's computation budget
// on every tick until ctx is done, canceling the invocation early if the
// budget is exhausted before the guest returns on its own. This is the
// approximation that a periodic-checkpoint compute meter allows in
// place of true basic-block instrumentation: a rule that only spins
// without making host calls is still eventually stopped.
func (e *Executor) runWatchdog(ctx context.Context, inv *capability.Invocation, cancel context.CancelFunc, exhausted *atomic.Bool, done <-chan struct{}) {
	ticker := time.NewTicker(defaultWatchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !inv.ChargeWatchdogTick(watchdogTickCost) {
				exhausted.Store(true)
				cancel()
				return
			}
		}
	}
}

// sourceEnvelope flattens a message.LogSource into a small JSON-friendly
// struct so every source kind shares one wire shape on the guest side.
type sourceEnvelopeValue struct {
	Kind         string            `json:"kind"`
	Path         string            `json:"path,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Query        map[string]string `json:"query,omitempty"`
	Schedule     string            `json:"schedule,omitempty"`
	CallerModule string            `json:"caller_module,omitempty"`
	Depth        int               `json:"depth,omitempty"`
	Name         string            `json:"name,omitempty"`
}

func sourceEnvelope(source message.LogSource) sourceEnvelopeValue {
	switch s := source.(type) {
	case message.Webhook:
		return sourceEnvelopeValue{Kind: s.Kind(), Path: s.Path, Method: s.Method, Headers: s.Headers, Query: s.Query}
	case message.Interval:
		return sourceEnvelopeValue{Kind: s.Kind(), Schedule: s.Schedule}
	case message.Logback:
		return sourceEnvelopeValue{Kind: s.Kind(), CallerModule: s.CallerModule, Depth: s.Depth}
	case message.WebSocket:
		return sourceEnvelopeValue{Kind: s.Kind(), Name: s.Name}
	case message.Generator:
		return sourceEnvelopeValue{Kind: s.Kind(), Name: s.Name}
	default:
		return sourceEnvelopeValue{Kind: "unknown"}
	}
}

// callEntryPoint picks the one recognized entry-point export present on
// module and invokes it. The four entry-point arities distinguished
// collapse to two distinct wire shapes at the wazero ABI boundary
// (payload-only vs payload+source; the payload/payload_bytes distinction
// is guest-side only), so only two export names are actually dispatched
// on, with a third variant for entry points that may return a
// persistent response.
func callEntryPoint(ctx context.Context, module api.Module, payload, sourceJSON []byte) (Result, error) {
	payloadPtr, ok := writeGuestBytes(ctx, module, payload)
	if !ok && len(payload) > 0 {
		return Result{}, errors.New("executor: guest does not export alloc, cannot deliver payload")
	}
	sourcePtr, ok := writeGuestBytes(ctx, module, sourceJSON)
	if !ok && len(sourceJSON) > 0 {
		return Result{}, errors.New("executor: guest does not export alloc, cannot deliver source")
	}

	if fn := module.ExportedFunction("handle_with_response"); fn != nil {
		results, err := fn.Call(ctx, uint64(payloadPtr), uint64(len(payload)), uint64(sourcePtr), uint64(len(sourceJSON)))
		if err != nil {
			return Result{}, err
		}
		return decodeResponseResult(module, results)
	}
	if fn := module.ExportedFunction("handle_with_source"); fn != nil {
		results, err := fn.Call(ctx, uint64(payloadPtr), uint64(len(payload)), uint64(sourcePtr), uint64(len(sourceJSON)))
		if err != nil {
			return Result{}, err
		}
		return decodeCodeResult(results)
	}
	if fn := module.ExportedFunction("handle"); fn != nil {
		results, err := fn.Call(ctx, uint64(payloadPtr), uint64(len(payload)))
		if err != nil {
			return Result{}, err
		}
		return decodeCodeResult(results)
	}
	return Result{}, &Fault{Reason: ReasonNoEntryPoint, Detail: "no recognized entry-point export found"}
}

func decodeCodeResult(results []uint64) (Result, error) {
	if len(results) == 0 || results[0] == 0 {
		return Result{}, nil
	}
	return Result{ApplicationError: fmt.Sprintf("rule returned error code %d", results[0])}, nil
}

func decodeResponseResult(module api.Module, results []uint64) (Result, error) {
	if len(results) == 0 {
		return Result{}, nil
	}
	packed := results[0]
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	if ptr == 0 && length == 0 {
		return Result{}, nil
	}
	data, ok := readGuestBytes(module, ptr, length)
	if !ok {
		return Result{}, errors.New("executor: failed to read response bytes from guest memory")
	}
	return Result{Response: data}, nil
}

// classifyFault maps a wazero execution error to a deterministic Fault,
// classifies a trap or exit code into one of the Fault reasons above.
func classifyFault(filename string, err error) *Fault {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Reason: ReasonTimeout, Filename: filename, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &Fault{Reason: ReasonTimeout, Filename: filename, Detail: "canceled"}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: ReasonTimeout, Filename: filename, Detail: err.Error()}
	}
	if errors.Is(err, capability.ErrResourceExhausted) {
		return &Fault{Reason: ReasonResourceExhausted, Filename: filename, Detail: err.Error()}
	}
	return &Fault{Reason: ReasonTrap, Filename: filename, Detail: err.Error()}
}
