package capability

import (
	"context"
	"log/slog"
	"time"

	"github.com/obelisk/plaid/internal/cache"
	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/message"
	"github.com/obelisk/plaid/internal/otel"
	"github.com/obelisk/plaid/internal/storage"
)

// ResponseCache is the subset of internal/responsecache's surface the
// get_response capability needs; declared here to keep capability from
// importing the generator-facing response cache package directly.
type ResponseCache interface {
	Get(route string) ([]byte, bool)
}

// Registry is the full host-call surface, wired once at boot and shared
// read-only across every invocation the executor runs.
type Registry struct {
	logger *slog.Logger
	metrics *otel.Metrics

	ruleStore   *storage.RuleStore
	sharedStore *storage.SharedStore
	cache       *cache.Cache

	namedRequests map[string]config.NamedRequest
	telegram      map[string]config.TelegramConnector
	telegramBots  *telegramBots
	responseCache ResponseCache

	capabilityCosts map[string]uint64
}

// Config bundles a Registry's dependencies.
type Config struct {
	Logger          *slog.Logger
	Metrics         *otel.Metrics
	RuleStore       *storage.RuleStore
	SharedStore     *storage.SharedStore
	Cache           *cache.Cache
	NamedRequests   map[string]config.NamedRequest
	Telegram        map[string]config.TelegramConnector
	ResponseCache   ResponseCache
	CapabilityCosts map[string]uint64
}

func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:          logger,
		metrics:         cfg.Metrics,
		ruleStore:       cfg.RuleStore,
		sharedStore:     cfg.SharedStore,
		cache:           cfg.Cache,
		namedRequests:   cfg.NamedRequests,
		telegram:        cfg.Telegram,
		telegramBots:    newTelegramBots(),
		responseCache:   cfg.ResponseCache,
		capabilityCosts: cfg.CapabilityCosts,
	}
}

func (r *Registry) costOf(capability string, fallback uint64) uint64 {
	if c, ok := r.capabilityCosts[capability]; ok {
		return c
	}
	return fallback
}

// PrintDebugString logs a rule-emitted debug line. Always allowed, no
// budget charge: debug output must never be the thing that exhausts a
// rule's compute meter.
func (r *Registry) PrintDebugString(inv *Invocation, msg string) {
	r.logger.Debug("rule debug output", "module", inv.Module, "log_type", inv.LogType, "msg", msg)
}

// GetTime returns the host's current wall-clock time.
func (r *Registry) GetTime(ctx context.Context, inv *Invocation) (time.Time, error) {
	if err := inv.chargeComputationLocked(r.costOf("time.now", 1)); err != nil {
		return time.Time{}, err
	}
	return time.Now().UTC(), nil
}

// GetHeaders returns the allowlisted request headers for a
// webhook-sourced invocation, or an empty map for any other source.
func (r *Registry) GetHeaders(ctx context.Context, inv *Invocation) (map[string]string, error) {
	if err := unprivileged(ctx, inv, "get_headers", true, r.costOf("get_headers", 1)); err != nil {
		return nil, err
	}
	if wh, ok := inv.Source.(message.Webhook); ok {
		return wh.Headers, nil
	}
	return map[string]string{}, nil
}

// GetQueryParams returns the request's query parameters for a
// webhook-sourced invocation, or an empty map for any other source.
func (r *Registry) GetQueryParams(ctx context.Context, inv *Invocation) (map[string]string, error) {
	if err := unprivileged(ctx, inv, "get_query_params", true, r.costOf("get_query_params", 1)); err != nil {
		return nil, err
	}
	if wh, ok := inv.Source.(message.Webhook); ok {
		return wh.Query, nil
	}
	return map[string]string{}, nil
}

// GetResponse returns the currently cached persistent response for
// route, if one exists, so a rule can make conditional decisions based
// on what a prior invocation last returned.
func (r *Registry) GetResponse(ctx context.Context, inv *Invocation, route string) ([]byte, bool, error) {
	if err := unprivileged(ctx, inv, "get_response", true, r.costOf("get_response", 1)); err != nil {
		return nil, false, err
	}
	if r.responseCache == nil {
		return nil, false, nil
	}
	body, ok := r.responseCache.Get(route)
	return body, ok, nil
}
