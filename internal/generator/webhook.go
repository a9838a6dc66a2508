package generator

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/obelisk/plaid/internal/bus"
	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/dispatcher"
	"github.com/obelisk/plaid/internal/message"
)

// ResponseCache is the slice of internal/responsecache a webhook
// listener needs to serve GET routes whose get_mode is rule-backed:
// check for a fresh cached response, or invoke the rule and record
// what it returned, with at most one concurrent invocation per
// fingerprint.
type ResponseCache interface {
	ServeGET(ctx context.Context, route config.WebhookRoute, fingerprint string, invoke func(ctx context.Context) ([]byte, error)) ([]byte, error)
}

// WebhookConfig holds the dependencies for the webhook generator's two
// listeners.
type WebhookConfig struct {
	Webhooks config.WebhooksConfig
	Sink     Sink
	Cache    ResponseCache
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// WebhookGenerator runs the internal and external HTTP listeners
// described by webhooks.toml. It is the only generator that can answer
// a caller synchronously, since the webhook wire protocol has a
// response status to produce on every request.
type WebhookGenerator struct {
	sink   Sink
	cache  ResponseCache
	bus    *bus.Bus
	logger *slog.Logger

	webhooks         config.WebhooksConfig
	routesByListener map[string][]config.WebhookRoute

	servers []listenerServer
	wg      sync.WaitGroup
}

// listenerServer pairs a bound *http.Server with the TLS cert/key
// paths ListenAndServeTLS needs, since http.Server itself only carries
// a *tls.Config once started.
type listenerServer struct {
	server   *http.Server
	certFile string
	keyFile  string
}

// NewWebhook builds a WebhookGenerator; call Start to bind its
// listeners.
func NewWebhook(cfg WebhookConfig) *WebhookGenerator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &WebhookGenerator{
		sink:             cfg.Sink,
		cache:            cfg.Cache,
		bus:              cfg.Bus,
		logger:           logger,
		webhooks:         cfg.Webhooks,
		routesByListener: map[string][]config.WebhookRoute{},
	}
	for _, r := range cfg.Webhooks.Routes {
		g.routesByListener[r.Listener] = append(g.routesByListener[r.Listener], r)
	}
	g.servers = []listenerServer{
		g.buildServer("internal", cfg.Webhooks.Internal),
		g.buildServer("external", cfg.Webhooks.External),
	}
	return g
}

func (g *WebhookGenerator) buildServer(name string, lc config.ListenerConfig) listenerServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	for _, route := range g.routesByListener[name] {
		route := route
		mux.HandleFunc("/webhook/"+strings.TrimPrefix(route.Path, "/"), func(w http.ResponseWriter, r *http.Request) {
			g.handleRoute(w, r, route)
		})
	}
	server := &http.Server{
		Addr:    lc.Address,
		Handler: mux,
	}
	ls := listenerServer{server: server}
	if lc.CertFile != "" && lc.KeyFile != "" {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		ls.certFile = lc.CertFile
		ls.keyFile = lc.KeyFile
	}
	return ls
}

// Start binds both listeners and serves in background goroutines. A
// listener with an empty address is left unbound.
func (g *WebhookGenerator) Start(ctx context.Context) {
	for _, ls := range g.servers {
		if ls.server.Addr == "" {
			continue
		}
		ls := ls
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			var err error
			if ls.server.TLSConfig != nil {
				err = ls.server.ListenAndServeTLS(ls.certFile, ls.keyFile)
			} else {
				err = ls.server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("webhook listener stopped", "addr", ls.server.Addr, "error", err)
			}
		}()
		g.logger.Info("webhook listener started", "addr", ls.server.Addr)
	}
	go func() {
		<-ctx.Done()
		g.Stop()
	}()
}

// Stop gracefully shuts down both listeners.
func (g *WebhookGenerator) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ls := range g.servers {
		_ = ls.server.Shutdown(ctx)
	}
	g.wg.Wait()
}

func (g *WebhookGenerator) handleRoute(w http.ResponseWriter, r *http.Request, route config.WebhookRoute) {
	if max := g.webhooks.EffectiveMaxPayloadBytes(route); max > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, max)
	}
	switch r.Method {
	case http.MethodPost:
		g.handlePost(w, r, route)
	case http.MethodGet:
		g.handleGet(w, r, route)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost enqueues the route's rule and answers 200 on accepted
// enqueue, 503 when the dispatcher's queue is saturated — the
// "200 on accepted enqueue ... 503 saturated".
func (g *WebhookGenerator) handlePost(w http.ResponseWriter, r *http.Request, route config.WebhookRoute) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	event := dispatcher.RawEvent{
		LogType:           route.LogType,
		Payload:           body,
		Source:            g.webhookSource(r, route),
		LogbacksRemaining: limitFromConfig(route.LogbacksAllowed),
	}
	if err := g.sink.Enqueue(r.Context(), event); err != nil {
		if errors.Is(err, dispatcher.ErrQueueSaturated) {
			g.publish(bus.TopicQueueSaturated, bus.QueueEvent{LogType: route.LogType})
			http.Error(w, "saturated", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	g.publish(bus.TopicGeneratorFired, bus.GeneratorEvent{Name: route.Path, Kind: "webhook", LogType: route.LogType})
	w.WriteHeader(http.StatusOK)
}

// handleGet resolves the route's get_mode. A route without one only
// accepts POST, so GET is a 405; "static" serves fixed bytes; "rule"
// synchronously dispatches the route's log type and serves the first
// response any matching module returns (through the response cache when
// one is set) — the get_mode "rule" field is not read, so no single
// module is selected; "upstream" proxies a GET to a fixed external URL.
func (g *WebhookGenerator) handleGet(w http.ResponseWriter, r *http.Request, route config.WebhookRoute) {
	if route.GetMode == nil {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch route.GetMode.Kind {
	case "static":
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, route.GetMode.Static)
	case "rule":
		g.handleGetRule(w, r, route)
	case "upstream":
		g.handleGetUpstream(w, route)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (g *WebhookGenerator) handleGetRule(w http.ResponseWriter, r *http.Request, route config.WebhookRoute) {
	invoke := func(ctx context.Context) ([]byte, error) {
		event := dispatcher.RawEvent{
			LogType:           route.LogType,
			Payload:           nil,
			Source:            g.webhookSource(r, route),
			LogbacksRemaining: limitFromConfig(route.LogbacksAllowed),
		}
		outcomes, err := g.sink.Dispatch(ctx, event)
		if err != nil {
			return nil, err
		}
		for _, o := range outcomes {
			if o.Err == nil && o.Result.Response != nil {
				return o.Result.Response, nil
			}
		}
		return nil, nil
	}

	var body []byte
	var err error
	if g.cache != nil {
		body, err = g.cache.ServeGET(r.Context(), route, fingerprint(r, route), invoke)
	} else {
		body, err = invoke(r.Context())
	}
	if err != nil {
		if errors.Is(err, dispatcher.ErrQueueSaturated) {
			http.Error(w, "saturated", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (g *WebhookGenerator) handleGetUpstream(w http.ResponseWriter, route config.WebhookRoute) {
	resp, err := http.Get(route.GetMode.Upstream)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// webhookSource builds a Message's LogSource from the request,
// allowlisting headers per the route's configuration and carrying
// every query parameter through verbatim — everything not on the
// header allowlist is dropped.
func (g *WebhookGenerator) webhookSource(r *http.Request, route config.WebhookRoute) message.Webhook {
	allowed := make(map[string]string, len(route.AllowedHeaders))
	for _, h := range route.AllowedHeaders {
		if v := r.Header.Get(h); v != "" {
			allowed[h] = v
		}
	}
	query := make(map[string]string, len(r.URL.Query()))
	for k, values := range r.URL.Query() {
		if len(values) > 0 {
			query[k] = values[0]
		}
	}
	return message.Webhook{
		Path:    route.Path,
		Method:  r.Method,
		Headers: allowed,
		Query:   query,
	}
}

// fingerprint builds the cache key Fingerprinted caching mode keys on: a
// SHA-256 hash of a canonical join of sorted query and
// allowlisted-header key/value pairs.
func fingerprint(r *http.Request, route config.WebhookRoute) string {
	var parts []string
	for k, values := range r.URL.Query() {
		if len(values) > 0 {
			parts = append(parts, "q:"+k+"="+values[0])
		}
	}
	for _, h := range route.AllowedHeaders {
		if v := r.Header.Get(h); v != "" {
			parts = append(parts, "h:"+h+"="+v)
		}
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:])
}

func (g *WebhookGenerator) publish(topic string, payload interface{}) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(topic, payload)
}

// limitFromConfig mirrors internal/loader's config.Limit→message.Limit
// conversion; config stays a leaf package so it cannot return message
// types directly.
func limitFromConfig(l config.Limit) message.Limit {
	if !l.Limited {
		return message.Unlimited()
	}
	return message.Limited(l.N)
}
