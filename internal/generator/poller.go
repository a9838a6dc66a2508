package generator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/obelisk/plaid/internal/bus"
	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/dispatcher"
	"github.com/obelisk/plaid/internal/message"
)

// PollerConfig holds the dependencies for one named poller.
type PollerConfig struct {
	Poller config.Poller
	Poll   PollerFunc
	Sink   Sink
	Bus    *bus.Bus
	Logger *slog.Logger
}

// IntervalPoller calls a PollerFunc on a fixed interval and enqueues
// whatever it returns, standing in for the SQS-like queue consumers and
// upstream audit-log tailers, treated as "opaque
// adapters" — Plaid only needs to know how to turn their output into a
// Message.
type IntervalPoller struct {
	cfg    config.Poller
	poll   PollerFunc
	sink   Sink
	bus    *bus.Bus
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIntervalPoller builds an IntervalPoller from cfg.
func NewIntervalPoller(cfg PollerConfig) *IntervalPoller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IntervalPoller{
		cfg:    cfg.Poller,
		poll:   cfg.Poll,
		sink:   cfg.Sink,
		bus:    cfg.Bus,
		logger: logger,
	}
}

// Start begins the poll loop in a background goroutine.
func (p *IntervalPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("poller started", "name", p.cfg.Name, "interval_seconds", p.cfg.IntervalSecs)
}

// Stop cancels the poll loop and waits for it to exit.
func (p *IntervalPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("poller stopped", "name", p.cfg.Name)
}

func (p *IntervalPoller) loop(ctx context.Context) {
	defer p.wg.Done()

	interval := nonZero(time.Duration(p.cfg.IntervalSecs)*time.Second, 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *IntervalPoller) tick(ctx context.Context) {
	payload, err := p.poll(ctx)
	if err != nil {
		p.logger.Warn("poller: poll failed", "name", p.cfg.Name, "error", err)
		p.publish(bus.TopicGeneratorBackoff, bus.GeneratorEvent{Name: p.cfg.Name, Kind: "generator", LogType: p.cfg.LogType, Reason: err.Error()})
		return
	}
	if payload == nil {
		return
	}
	event := dispatcher.RawEvent{
		LogType: p.cfg.LogType,
		Payload: payload,
		Source:  message.Generator{Name: p.cfg.Name},
	}
	if err := p.sink.Enqueue(ctx, event); err != nil {
		p.logger.Warn("poller: result dropped", "name", p.cfg.Name, "error", err)
		return
	}
	p.publish(bus.TopicGeneratorFired, bus.GeneratorEvent{Name: p.cfg.Name, Kind: "generator", LogType: p.cfg.LogType})
}

func (p *IntervalPoller) publish(topic string, payload interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(topic, payload)
}
