// Package dispatcher routes typed messages from generators to the rule
// modules whose derived log-type matches, enforcing the bounded-channel
// backpressure and logback chaining semantics.
// Routing is an exact log-type lookup; one job per matching module goes
// onto a single shared bounded channel drained by a fixed worker pool.
// internal/bus is used only to publish observability events.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obelisk/plaid/internal/bus"
	"github.com/obelisk/plaid/internal/executor"
	"github.com/obelisk/plaid/internal/loader"
	"github.com/obelisk/plaid/internal/message"
)

// ErrQueueSaturated is returned when the dispatch channel was too full
// to take a job for any matching module: webhook generators translate this into an HTTP 503,
// cron and other async generators log the drop and move on.
var ErrQueueSaturated = errors.New("dispatcher: queue saturated")

// Invoker is the slice of *executor.Executor the dispatcher depends on,
// narrowed to an interface so tests can exercise routing, backpressure,
// and logback chaining against a fake without a real wazero runtime.
type Invoker interface {
	Invoke(ctx context.Context, artifact *loader.Artifact, msg *message.Message, logbackEmit func(ctx context.Context, logType string, payload []byte, delay time.Duration) error, testMode bool) (executor.Result, error)
}

// RawEvent is what a generator hands the dispatcher: a payload and its
// source, not yet bound to any specific module's budget, accessory data,
// or secrets — those are resolved per matching artifact at enqueue time.
type RawEvent struct {
	LogType           string
	Payload           []byte
	Source            message.LogSource
	LogbacksRemaining message.Limit
}

// Outcome pairs one matched artifact's invocation result with any fault.
type Outcome struct {
	Filename string
	Result   executor.Result
	Err      error
}

type job struct {
	artifact *loader.Artifact
	msg      *message.Message
	result   chan<- Outcome
}

// Config bundles a Dispatcher's dependencies.
type Config struct {
	Executor  Invoker
	Bus       *bus.Bus
	Logger    *slog.Logger
	Artifacts []*loader.Artifact
	Workers   int
	QueueSize int
	TestMode  bool
}

// Dispatcher owns the bounded job channel and fixed worker pool that
// decouple generators from rule execution (a "parallel thread
// pool of size execution_threads").
type Dispatcher struct {
	exec      Invoker
	bus       *bus.Bus
	logger    *slog.Logger
	testMode  bool
	byLogType map[string][]*loader.Artifact
	workers   int

	jobs       chan job
	queueDepth atomic.Int64
	queueCap   int

	wg   sync.WaitGroup
	quit chan struct{}
}

// New builds a Dispatcher; call Start to spin up its worker pool.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	byLogType := make(map[string][]*loader.Artifact)
	for _, a := range cfg.Artifacts {
		byLogType[a.LogType] = append(byLogType[a.LogType], a)
	}
	return &Dispatcher{
		exec:      cfg.Executor,
		bus:       cfg.Bus,
		logger:    logger,
		testMode:  cfg.TestMode,
		byLogType: byLogType,
		workers:   workers,
		jobs:      make(chan job, queueSize),
		queueCap:  queueSize,
		quit:      make(chan struct{}),
	}
}

// Start spins up the fixed worker pool. Workers run until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// Stop signals the workers to exit and waits for them to return. A worker
// finishes the job it is running; jobs still in the channel may be left
// unrun.
func (d *Dispatcher) Stop() {
	close(d.quit)
	d.wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case j := <-d.jobs:
			d.queueDepth.Add(-1)
			d.runJob(ctx, j)
		}
	}
}

func (d *Dispatcher) runJob(ctx context.Context, j job) {
	start := time.Now()
	logbackEmit := d.logbackEmitter(j.artifact, j.msg)
	res, err := d.exec.Invoke(ctx, j.artifact, j.msg, logbackEmit, d.testMode)
	duration := time.Since(start)

	depth := logbackDepth(j.msg.Source)
	evt := bus.InvocationEvent{
		Module:     j.artifact.Filename,
		LogType:    j.msg.LogType,
		Depth:      depth,
		DurationMS: duration.Milliseconds(),
	}
	switch {
	case err == nil:
		d.publish(bus.TopicInvocationCompleted, evt)
	default:
		evt.Err = err.Error()
		var fault *executor.Fault
		if errors.As(err, &fault) && fault.Reason == executor.ReasonTimeout {
			d.publish(bus.TopicInvocationTimedOut, evt)
		} else {
			d.publish(bus.TopicInvocationFailed, evt)
		}
	}

	if j.result != nil {
		j.result <- Outcome{Filename: j.artifact.Filename, Result: res, Err: err}
	}
}

// Enqueue schedules event for every module matching its log-type,
// fire-and-forget: a module whose job the full channel cannot take is a
// dropped schedule for that module alone, not a hard failure for the whole
// event. It returns ErrQueueSaturated only when every matching module
// was dropped.
func (d *Dispatcher) Enqueue(ctx context.Context, event RawEvent) error {
	artifacts := d.byLogType[event.LogType]
	if len(artifacts) == 0 {
		return nil
	}
	scheduled := 0
	for _, artifact := range artifacts {
		msg := d.buildMessage(artifact, event)
		if d.submit(job{artifact: artifact, msg: msg}) {
			scheduled++
		} else {
			d.publish(bus.TopicQueueSaturated, bus.QueueEvent{LogType: event.LogType, Depth: int(d.queueDepth.Load()), Cap: d.queueCap})
		}
	}
	if scheduled == 0 {
		return ErrQueueSaturated
	}
	return nil
}

// Dispatch schedules event like Enqueue, but blocks for every matching
// module's invocation to finish and returns their outcomes — used by
// webhook routes whose reply to the caller depends on the rule's own
// response ("200 on accepted enqueue (or on a synchronous
// rule response)").
func (d *Dispatcher) Dispatch(ctx context.Context, event RawEvent) ([]Outcome, error) {
	artifacts := d.byLogType[event.LogType]
	if len(artifacts) == 0 {
		return nil, nil
	}
	resultCh := make(chan Outcome, len(artifacts))
	scheduled := 0
	for _, artifact := range artifacts {
		msg := d.buildMessage(artifact, event)
		if d.submit(job{artifact: artifact, msg: msg, result: resultCh}) {
			scheduled++
		} else {
			d.publish(bus.TopicQueueSaturated, bus.QueueEvent{LogType: event.LogType, Depth: int(d.queueDepth.Load()), Cap: d.queueCap})
		}
	}
	if scheduled == 0 {
		return nil, ErrQueueSaturated
	}
	outcomes := make([]Outcome, 0, scheduled)
	for i := 0; i < scheduled; i++ {
		select {
		case out := <-resultCh:
			outcomes = append(outcomes, out)
		case <-ctx.Done():
			return outcomes, ctx.Err()
		}
	}
	return outcomes, nil
}

// publish is a nil-safe wrapper so a Dispatcher built without a bus (as
// in unit tests that don't care about observability events) never
// panics on a nil *bus.Bus.
func (d *Dispatcher) publish(topic string, payload interface{}) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(topic, payload)
}

// submit makes a single non-blocking attempt to enqueue j, reporting
// whether the job was accepted.
func (d *Dispatcher) submit(j job) bool {
	select {
	case d.jobs <- j:
		d.queueDepth.Add(1)
		return true
	default:
		return false
	}
}

// buildMessage materializes a per-module Message from a raw generator
// event: payload and source travel through unchanged, but accessory
// data, secrets, and every budget ceiling are resolved from the specific
// artifact about to run, never from the generator.
func (d *Dispatcher) buildMessage(artifact *loader.Artifact, event RawEvent) *message.Message {
	return &message.Message{
		LogType:          artifact.LogType,
		Payload:          event.Payload,
		Source:           event.Source,
		Accessory:        artifact.Accessory,
		AvailableSecrets: artifact.Secrets,
		Budget: message.ExecBudget{
			Computation:       artifact.Computation,
			MemoryPages:       artifact.MemoryPages,
			StorageBytes:      artifact.StorageLimit,
			LogbacksRemaining: event.LogbacksRemaining,
		},
	}
}

// logbackEmitter builds the closure the executor hands to every
// capability.LogBack call made during msg's invocation. By the time it
// runs, capability.LogBack has already decremented
// msg.Budget.LogbacksRemaining in place, so the child event simply
// carries that value forward ("logbacks_remaining =
// caller.logbacks_remaining.decrement()").
func (d *Dispatcher) logbackEmitter(artifact *loader.Artifact, msg *message.Message) func(ctx context.Context, logType string, payload []byte, delay time.Duration) error {
	return func(ctx context.Context, logType string, payload []byte, delay time.Duration) error {
		event := RawEvent{
			LogType:           logType,
			Payload:           payload,
			Source:            message.Logback{CallerModule: artifact.Filename, Depth: logbackDepth(msg.Source) + 1},
			LogbacksRemaining: msg.Budget.LogbacksRemaining,
		}
		if delay <= 0 {
			return d.emitLogback(ctx, event)
		}
		// A delayed logback is still "enqueued" synchronously in the
		// sense required here: the schedule is committed
		// before this call returns, even though the actual enqueue
		// onto the job channel happens later on its own goroutine.
		time.AfterFunc(delay, func() {
			if err := d.emitLogback(context.Background(), event); err != nil {
				d.logger.Warn("delayed logback dropped", "log_type", logType, "error", err)
			}
		})
		return nil
	}
}

func (d *Dispatcher) emitLogback(ctx context.Context, event RawEvent) error {
	err := d.Enqueue(ctx, event)
	caller := ""
	if lb, ok := event.Source.(message.Logback); ok {
		caller = lb.CallerModule
	}
	if err != nil {
		d.publish(bus.TopicLogbackDropped, bus.LogbackEvent{
			CallerModule:  caller,
			TargetLogType: event.LogType,
			Depth:         logbackDepth(event.Source),
			Reason:        err.Error(),
		})
		return fmt.Errorf("dispatcher: logback to %s dropped: %w", event.LogType, err)
	}
	d.publish(bus.TopicLogbackEnqueued, bus.LogbackEvent{
		CallerModule:  caller,
		TargetLogType: event.LogType,
		Depth:         logbackDepth(event.Source),
	})
	return nil
}

func logbackDepth(source message.LogSource) int {
	if lb, ok := source.(message.Logback); ok {
		return lb.Depth
	}
	return 0
}
