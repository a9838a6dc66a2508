package generator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/obelisk/plaid/internal/bus"
	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/dispatcher"
	"github.com/obelisk/plaid/internal/message"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type scheduledInterval struct {
	config.IntervalSchedule
	schedule cronlib.Schedule
	nextRun  time.Time
}

// IntervalConfig holds the dependencies for the interval generator.
type IntervalConfig struct {
	Schedules []config.IntervalSchedule
	Sink      Sink
	Bus       *bus.Bus
	Logger    *slog.Logger
	// TickInterval is how often due schedules are checked; defaults to
	// one minute.
	TickInterval time.Duration
}

// IntervalGenerator fires a Message onto the dispatcher for each
// configured cron schedule when it comes due, the way a cron
// cron.Scheduler fires a persisted task — generalized from "create a
// task row" to "emit a Message".
type IntervalGenerator struct {
	sink     Sink
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	schedules []*scheduledInterval

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInterval builds an IntervalGenerator. Schedules with an
// unparseable cron expression are skipped with a logged warning rather
// than failing the whole generator.
func NewInterval(cfg IntervalConfig) *IntervalGenerator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &IntervalGenerator{
		sink:     cfg.Sink,
		bus:      cfg.Bus,
		logger:   logger,
		interval: nonZero(cfg.TickInterval, time.Minute),
	}
	now := time.Now()
	for _, s := range cfg.Schedules {
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			logger.Warn("interval generator: skipping unparseable schedule", "name", s.Name, "cron", s.Cron, "error", err)
			continue
		}
		g.schedules = append(g.schedules, &scheduledInterval{
			IntervalSchedule: s,
			schedule:         sched,
			nextRun:          sched.Next(now),
		})
	}
	return g
}

// Start begins the generator's tick loop in a background goroutine.
func (g *IntervalGenerator) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(1)
	go g.loop(ctx)
	g.logger.Info("interval generator started", "schedules", len(g.schedules), "tick", g.interval)
}

// Stop cancels the tick loop and waits for it to exit.
func (g *IntervalGenerator) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.logger.Info("interval generator stopped")
}

func (g *IntervalGenerator) loop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *IntervalGenerator) tick(ctx context.Context) {
	now := time.Now()
	for _, s := range g.schedules {
		if now.Before(s.nextRun) {
			continue
		}
		g.fire(ctx, s, now)
		s.nextRun = s.schedule.Next(now)
	}
}

// fire enqueues one Message for a due schedule. A saturated dispatcher
// queue drops the tick with a log — the persistent
// state of the source system (here, just the in-memory next-run clock)
// is never consulted to replay a missed tick.
func (g *IntervalGenerator) fire(ctx context.Context, s *scheduledInterval, now time.Time) {
	event := dispatcher.RawEvent{
		LogType: s.LogType,
		Payload: nil,
		Source:  message.Interval{Schedule: s.Cron},
	}
	if err := g.sink.Enqueue(ctx, event); err != nil {
		g.logger.Warn("interval generator: tick dropped", "name", s.Name, "log_type", s.LogType, "error", err)
		g.publish(bus.TopicGeneratorBackoff, bus.GeneratorEvent{Name: s.Name, Kind: "interval", LogType: s.LogType, Reason: err.Error()})
		return
	}
	g.publish(bus.TopicGeneratorFired, bus.GeneratorEvent{Name: s.Name, Kind: "interval", LogType: s.LogType})
	g.logger.Debug("interval generator: fired", "name", s.Name, "log_type", s.LogType, "at", now)
}

func (g *IntervalGenerator) publish(topic string, payload interface{}) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, payload)
}
