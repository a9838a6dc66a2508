package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/obelisk/plaid/internal/bus"
	"github.com/obelisk/plaid/internal/executor"
	"github.com/obelisk/plaid/internal/loader"
	"github.com/obelisk/plaid/internal/message"
)

// fakeInvoker stands in for the executor: it records every invocation
// and lets tests script a canned result/error per call, so routing,
// backpressure, and logback chaining can be exercised without a real
// wazero runtime.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []string

	invoke func(ctx context.Context, artifact *loader.Artifact, msg *message.Message, logbackEmit func(ctx context.Context, logType string, payload []byte, delay time.Duration) error, testMode bool) (executor.Result, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, artifact *loader.Artifact, msg *message.Message, logbackEmit func(ctx context.Context, logType string, payload []byte, delay time.Duration) error, testMode bool) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, artifact.Filename)
	f.mu.Unlock()
	if f.invoke != nil {
		return f.invoke(ctx, artifact, msg, logbackEmit, testMode)
	}
	return executor.Result{}, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func artifactFor(filename, logType string) *loader.Artifact {
	return &loader.Artifact{
		Filename:     filename,
		LogType:      logType,
		Computation:  1000,
		StorageLimit: message.Unlimited(),
	}
}

func TestDispatch_RoutesToMatchingArtifactsOnly(t *testing.T) {
	fake := &fakeInvoker{}
	d := New(Config{
		Executor:  fake,
		Artifacts: []*loader.Artifact{artifactFor("billing.wasm", "billing"), artifactFor("alerts.wasm", "alerts")},
		Workers:   2,
		QueueSize: 8,
	})
	d.Start(context.Background())
	defer d.Stop()

	outcomes, err := d.Dispatch(context.Background(), RawEvent{LogType: "billing", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Filename != "billing.wasm" {
		t.Fatalf("expected exactly the billing module invoked, got %+v", outcomes)
	}
}

func TestDispatch_FansOutToEveryMatchingArtifact(t *testing.T) {
	fake := &fakeInvoker{}
	d := New(Config{
		Executor: fake,
		Artifacts: []*loader.Artifact{
			artifactFor("a.wasm", "billing"),
			artifactFor("b.wasm", "billing"),
		},
		Workers:   2,
		QueueSize: 8,
	})
	d.Start(context.Background())
	defer d.Stop()

	outcomes, err := d.Dispatch(context.Background(), RawEvent{LogType: "billing", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected both modules invoked, got %+v", outcomes)
	}
}

func TestDispatch_UnmatchedLogTypeInvokesNothing(t *testing.T) {
	fake := &fakeInvoker{}
	d := New(Config{
		Executor:  fake,
		Artifacts: []*loader.Artifact{artifactFor("billing.wasm", "billing")},
		Workers:   1,
		QueueSize: 8,
	})
	d.Start(context.Background())
	defer d.Stop()

	outcomes, err := d.Dispatch(context.Background(), RawEvent{LogType: "unknown", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected no modules invoked, got %+v", outcomes)
	}
	if fake.callCount() != 0 {
		t.Fatalf("expected zero invocations, got %d", fake.callCount())
	}
}

// TestEnqueue_SaturatedQueueReportsDrop implements spec scenario-style
// coverage for the "webhook generators respond 503 when full" backpressure
// rule: a dispatcher with no workers running and a capacity-1 queue drops
// the second event.
func TestEnqueue_SaturatedQueueReportsDrop(t *testing.T) {
	fake := &fakeInvoker{}
	b := bus.New()
	sub := b.Subscribe(bus.TopicQueueSaturated)
	d := New(Config{
		Executor:  fake,
		Bus:       b,
		Artifacts: []*loader.Artifact{artifactFor("billing.wasm", "billing")},
		Workers:   0, // no worker drains the queue, so the second send fills it
		QueueSize: 1,
	})

	if err := d.Enqueue(context.Background(), RawEvent{LogType: "billing", Payload: []byte("1")}); err != nil {
		t.Fatalf("expected first enqueue to succeed: %v", err)
	}
	if err := d.Enqueue(context.Background(), RawEvent{LogType: "billing", Payload: []byte("2")}); !errors.Is(err, ErrQueueSaturated) {
		t.Fatalf("expected ErrQueueSaturated, got %v", err)
	}

	select {
	case evt := <-sub.Ch():
		if evt.Topic != bus.TopicQueueSaturated {
			t.Fatalf("expected queue.saturated event, got %s", evt.Topic)
		}
	default:
		t.Fatal("expected a queue.saturated event to be published")
	}
}

// TestLogback_ChainsThroughDispatcherWithIncrementedDepth implements
// spec scenario S3 at the dispatcher layer: a rule's log_back call
// becomes a new Message with Source.Depth = caller.Depth+1 and the
// caller's already-decremented LogbacksRemaining carried forward.
func TestLogback_ChainsThroughDispatcherWithIncrementedDepth(t *testing.T) {
	var observed *message.Message
	var mu sync.Mutex
	done := make(chan struct{})

	fake := &fakeInvoker{}
	fake.invoke = func(ctx context.Context, artifact *loader.Artifact, msg *message.Message, logbackEmit func(ctx context.Context, logType string, payload []byte, delay time.Duration) error, testMode bool) (executor.Result, error) {
		if artifact.Filename == "parent.wasm" {
			msg.Budget.LogbacksRemaining, _ = msg.Budget.LogbacksRemaining.Decrement()
			_ = logbackEmit(ctx, "child_log", []byte("chained"), 0)
			return executor.Result{}, nil
		}
		mu.Lock()
		observed = msg
		mu.Unlock()
		close(done)
		return executor.Result{}, nil
	}

	d := New(Config{
		Executor: fake,
		Artifacts: []*loader.Artifact{
			artifactFor("parent.wasm", "parent_log"),
			artifactFor("child.wasm", "child_log"),
		},
		Workers:   2,
		QueueSize: 8,
	})
	d.Start(context.Background())
	defer d.Stop()

	event := RawEvent{LogType: "parent_log", Payload: []byte("x"), LogbacksRemaining: message.Limited(3)}
	if _, err := d.Dispatch(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chained invocation")
	}

	mu.Lock()
	defer mu.Unlock()
	lb, ok := observed.Source.(message.Logback)
	if !ok {
		t.Fatalf("expected Logback source, got %T", observed.Source)
	}
	if lb.CallerModule != "parent.wasm" || lb.Depth != 1 {
		t.Fatalf("expected caller=parent.wasm depth=1, got %+v", lb)
	}
	if observed.Budget.LogbacksRemaining.Value() != 2 {
		t.Fatalf("expected chained budget to carry the decremented value 2, got %s", observed.Budget.LogbacksRemaining)
	}
}
