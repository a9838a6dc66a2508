package generator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/dispatcher"
)

// recordingSink collects every event Enqueue receives, standing in for
// the dispatcher so the interval generator's cadence can be asserted
// against real time without a worker pool.
type recordingSink struct {
	mu     sync.Mutex
	events []dispatcher.RawEvent
}

func (s *recordingSink) Enqueue(ctx context.Context, event dispatcher.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Dispatch(ctx context.Context, event dispatcher.RawEvent) ([]dispatcher.Outcome, error) {
	return nil, nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// TestInterval_DueScheduleFiresOncePerRun implements spec scenario S4's
// cadence rule: a due schedule fires once, and the generator's faster
// tick interval does not fire it again before the schedule's next run.
func TestInterval_DueScheduleFiresOncePerRun(t *testing.T) {
	sink := &recordingSink{}
	g := NewInterval(IntervalConfig{
		Schedules:    []config.IntervalSchedule{{Name: "yearly", Cron: "0 0 1 1 *", LogType: "heartbeat"}},
		Sink:         sink,
		TickInterval: 20 * time.Millisecond,
	})
	g.schedules[0].nextRun = time.Now().Add(-time.Second)
	g.Start(context.Background())
	defer g.Stop()

	time.Sleep(120 * time.Millisecond)

	if sink.count() != 1 {
		t.Fatalf("expected exactly 1 fire in 120ms of 20ms ticks, got %d", sink.count())
	}
}

func TestInterval_UnparseableScheduleIsSkippedNotFatal(t *testing.T) {
	sink := &recordingSink{}
	g := NewInterval(IntervalConfig{
		Schedules: []config.IntervalSchedule{
			{Name: "bad", Cron: "not a cron expr", LogType: "x"},
		},
		Sink: sink,
	})

	if len(g.schedules) != 0 {
		t.Fatalf("expected the unparseable schedule to be skipped, got %d scheduled", len(g.schedules))
	}
}

func TestInterval_ComputesNextRunAfterFiring(t *testing.T) {
	sched, err := cronParser.Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := sched.Next(now)
	if !next.After(now) {
		t.Fatalf("expected next run to be strictly after now, got %v", next)
	}
}
