package generator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/obelisk/plaid/internal/bus"
	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/dispatcher"
	"github.com/obelisk/plaid/internal/message"
)

// WebSocketConfig holds the dependencies for the websocket tailer.
type WebSocketConfig struct {
	Upstreams []config.WebSocketUpstream
	Sink      Sink
	Bus       *bus.Bus
	Logger    *slog.Logger
}

// WebSocketGenerator tails one or more upstream websocket endpoints,
// forwarding each text/binary frame as a Message payload. Unlike the
// teacher's gateway, which accepts inbound connections from clients,
// Plaid's tailer is itself the client: it dials out and reconnects with
// backoff when the upstream drops, grounded on the same coder/websocket
// library used for dialing out to the tail endpoint.
type WebSocketGenerator struct {
	upstreams []config.WebSocketUpstream
	sink      Sink
	bus       *bus.Bus
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocket builds a WebSocketGenerator; call Start to dial every
// configured upstream.
func NewWebSocket(cfg WebSocketConfig) *WebSocketGenerator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketGenerator{
		upstreams: cfg.Upstreams,
		sink:      cfg.Sink,
		bus:       cfg.Bus,
		logger:    logger,
	}
}

// Start spawns one tailing goroutine per configured upstream.
func (g *WebSocketGenerator) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	for _, u := range g.upstreams {
		g.wg.Add(1)
		go g.tail(ctx, u)
	}
	g.logger.Info("websocket generator started", "upstreams", len(g.upstreams))
}

// Stop cancels every tailing goroutine and waits for them to exit.
func (g *WebSocketGenerator) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	g.logger.Info("websocket generator stopped")
}

// tail dials u and reads frames until ctx is cancelled, reconnecting
// with exponential backoff whenever the connection drops. Each dropped
// connection is one failed attempt from backoff.Retry's perspective;
// ctx cancellation is the only way the loop ends without error.
func (g *WebSocketGenerator) tail(ctx context.Context, u config.WebSocketUpstream) {
	defer g.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second

	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		err := g.tailOnce(ctx, u)
		if err != nil {
			g.logger.Warn("websocket tailer: connection dropped, backing off", "name", u.Name, "url", u.URL, "error", err)
			g.publish(bus.TopicGeneratorBackoff, bus.GeneratorEvent{Name: u.Name, Kind: "websocket", LogType: u.LogType, Reason: err.Error()})
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(0))
}

// tailOnce dials u, then reads frames until the connection closes or
// ctx is cancelled, enqueueing each one. It returns nil only when ctx
// was the reason the loop stopped.
func (g *WebSocketGenerator) tailOnce(ctx context.Context, u config.WebSocketUpstream) error {
	conn, _, err := websocket.Dial(ctx, u.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "tailer shutting down")
	g.logger.Info("websocket tailer: connected", "name", u.Name, "url", u.URL)

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		event := dispatcher.RawEvent{
			LogType: u.LogType,
			Payload: payload,
			Source:  message.WebSocket{Name: u.Name},
		}
		if err := g.sink.Enqueue(ctx, event); err != nil {
			g.logger.Warn("websocket tailer: frame dropped", "name", u.Name, "log_type", u.LogType, "error", err)
			continue
		}
		g.publish(bus.TopicGeneratorFired, bus.GeneratorEvent{Name: u.Name, Kind: "websocket", LogType: u.LogType})
	}
}

func (g *WebSocketGenerator) publish(topic string, payload interface{}) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, payload)
}
