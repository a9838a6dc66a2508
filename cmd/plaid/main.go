// Command plaid boots the automation host: it loads configuration,
// compiles every signed rule module, wires the capability registry and
// storage backends, and starts the dispatcher and message generators.
// It runs until SIGINT/SIGTERM, then shuts every component down in
// reverse dependency order.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/obelisk/plaid/internal/audit"
	"github.com/obelisk/plaid/internal/bus"
	"github.com/obelisk/plaid/internal/cache"
	"github.com/obelisk/plaid/internal/capability"
	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/dispatcher"
	"github.com/obelisk/plaid/internal/executor"
	"github.com/obelisk/plaid/internal/generator"
	"github.com/obelisk/plaid/internal/loader"
	"github.com/obelisk/plaid/internal/otel"
	"github.com/obelisk/plaid/internal/policy"
	"github.com/obelisk/plaid/internal/responsecache"
	"github.com/obelisk/plaid/internal/storage"
	"github.com/obelisk/plaid/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Process exit codes: 0 on clean shutdown, 1 on config/secret/signer
// misconfiguration, 2 on a fatal runtime panic.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimePanic = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config", "config", "directory holding the TOML configuration files")
	dataDir := flag.String("data", ".", "working directory for plaid_ready, logs, and module metadata")
	policyPath := flag.String("policy", "", "path to the operator-maintained guardrail policy YAML (optional)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("plaid " + Version)
		return exitOK
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "plaid: fatal runtime panic: %v\n", r)
			os.Exit(exitRuntimePanic)
		}
	}()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plaid: config: %v\n", err)
		return exitConfigError
	}

	logger, logCloser, err := telemetry.NewLogger(*dataDir, cfg.Logging.Level, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plaid: logging: %v\n", err)
		return exitConfigError
	}
	defer logCloser.Close()

	logger.Info("startup phase", "phase", "config_loaded", "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := otel.Init(ctx, otel.Config{})
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return exitConfigError
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return exitConfigError
	}

	if err := audit.Init(*dataDir); err != nil {
		logger.Error("audit init failed", "error", err)
		return exitConfigError
	}
	defer audit.Close()

	pol := policy.Default()
	if *policyPath != "" {
		pol, err = policy.Load(*policyPath)
		if err != nil {
			logger.Error("policy load failed", "error", err)
			return exitConfigError
		}
	}
	livePolicy := policy.NewLivePolicy(pol, *policyPath)

	watcher := config.NewWatcher(*configDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start, edits to the config directory will not be picked up", "error", err)
	} else {
		go watchConfigReloads(watcher, livePolicy, *policyPath, logger)
	}

	backend, err := openStorageBackend(cfg.Storage)
	if err != nil {
		logger.Error("storage backend init failed", "error", err)
		return exitConfigError
	}
	defer backend.Close()

	ruleStore := storage.NewRuleStore(backend)
	sharedStore := storage.NewSharedStore(backend, sharedDBsFromConfig(cfg.Storage.SharedDatabases))

	sharedCache := cache.New(cfg.Cache.Capacity)

	ldr, err := loader.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("loader init failed", "error", err)
		return exitConfigError
	}
	defer ldr.Close(ctx)

	artifacts, err := ldr.Load(ctx)
	if err != nil {
		logger.Error("module load failed", "error", err)
		return exitConfigError
	}
	logger.Info("startup phase", "phase", "modules_loaded", "count", len(artifacts))

	perRouteCap := make(map[string]uint64, len(artifacts))
	for _, a := range artifacts {
		perRouteCap[a.LogType] = a.PersistentResponseBytes
	}
	respCache := responsecache.New(perRouteCap)

	registry := capability.New(capability.Config{
		Logger:          logger,
		Metrics:         metrics,
		RuleStore:       ruleStore,
		SharedStore:     sharedStore,
		Cache:           sharedCache,
		NamedRequests:   cfg.Apis.NamedRequests,
		Telegram:        cfg.Apis.Telegram,
		ResponseCache:   respCache,
		CapabilityCosts: cfg.Executor.CapabilityCosts,
	})

	exec, err := executor.New(ctx, executor.Config{
		Runtime:       ldr.Runtime(),
		Registry:      registry,
		Logger:        logger,
		PoolCapacity:  cfg.Executor.LRUCacheSize,
		InvokeTimeout: cfg.ExecutorInvokeTimeout(),
	})
	if err != nil {
		logger.Error("executor init failed", "error", err)
		return exitConfigError
	}
	defer exec.Close(ctx)

	eventBus := bus.NewWithLogger(logger)

	disp := dispatcher.New(dispatcher.Config{
		Executor:  exec,
		Bus:       eventBus,
		Logger:    logger,
		Artifacts: artifacts,
		Workers:   cfg.Executor.ExecutionThreads,
		QueueSize: cfg.Executor.QueueSize,
		TestMode:  cfg.Data.TestMode,
	})
	disp.Start(ctx)
	defer disp.Stop()
	logger.Info("startup phase", "phase", "dispatcher_started", "workers", cfg.Executor.ExecutionThreads)

	generators := startGenerators(ctx, cfg, disp, respCache, eventBus, logger)
	defer func() {
		for _, g := range generators {
			g.Stop()
		}
	}()
	logger.Info("startup phase", "phase", "generators_started", "count", len(generators))

	if err := writeReadyMarker(*dataDir); err != nil {
		logger.Error("ready marker write failed", "error", err)
		return exitConfigError
	}
	if err := writeModulesSnapshot(*dataDir, artifacts); err != nil {
		logger.Warn("modules snapshot write failed", "error", err)
	}
	logger.Info("plaid ready", "version", Version)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return exitOK
}

// startGenerators builds and starts every configured message source.
// Each one depends only on the dispatcher's narrow Sink interface.
func startGenerators(ctx context.Context, cfg *config.Config, disp *dispatcher.Dispatcher, respCache *responsecache.Store, eventBus *bus.Bus, logger *slog.Logger) []generator.Generator {
	var generators []generator.Generator

	webhooks := generator.NewWebhook(generator.WebhookConfig{
		Webhooks: cfg.Webhooks,
		Sink:     disp,
		Cache:    respCache,
		Bus:      eventBus,
		Logger:   logger,
	})
	webhooks.Start(ctx)
	generators = append(generators, webhooks)

	if len(cfg.Generators.Intervals) > 0 {
		interval := generator.NewInterval(generator.IntervalConfig{
			Schedules: cfg.Generators.Intervals,
			Sink:      disp,
			Bus:       eventBus,
			Logger:    logger,
		})
		interval.Start(ctx)
		generators = append(generators, interval)
	}

	if len(cfg.Generators.WebSockets) > 0 {
		ws := generator.NewWebSocket(generator.WebSocketConfig{
			Upstreams: cfg.Generators.WebSockets,
			Sink:      disp,
			Bus:       eventBus,
			Logger:    logger,
		})
		ws.Start(ctx)
		generators = append(generators, ws)
	}

	for _, p := range cfg.Generators.Pollers {
		p := p
		poller := generator.NewIntervalPoller(generator.PollerConfig{
			Poller: p,
			Poll:   httpPoll(p),
			Sink:   disp,
			Bus:    eventBus,
			Logger: logger,
		})
		poller.Start(ctx)
		generators = append(generators, poller)
	}

	return generators
}

// httpPoll is an illustrative poller implementation: a plain GET against
// a fixed endpoint addressed by the poller's own name, standing in for
// whatever opaque upstream connector an operator wires in.
func httpPoll(p config.Poller) generator.PollerFunc {
	return func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Name, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("poller %s: upstream status %d", p.Name, resp.StatusCode)
		}
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if rerr != nil {
				break
			}
		}
		if len(buf) == 0 {
			return nil, nil
		}
		return buf, nil
	}
}

// watchConfigReloads drains the config watcher's events for the process
// lifetime. An event whose base name matches the guardrail policy file
// reloads the policy, but the watcher only watches the TOML files in
// config.ConfigFileNames, so a policy file under any other name is read
// once at boot. TOML edits are logged for operator visibility but take
// effect only on the next restart, since quotas and listener addresses
// are baked into components at construction time.
func watchConfigReloads(w *config.Watcher, lp *policy.LivePolicy, policyPath string, logger *slog.Logger) {
	for ev := range w.Events() {
		if policyPath != "" && filepath.Base(ev.Path) == filepath.Base(policyPath) {
			if err := policy.ReloadFromFile(lp, policyPath); err != nil {
				logger.Error("policy reload failed, keeping previous policy", "error", err)
				continue
			}
			logger.Info("policy reloaded", "version", lp.PolicyVersion())
			continue
		}
		logger.Info("config file changed, restart plaid to apply", "path", ev.Path)
	}
}

func openStorageBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "redis":
		return storage.OpenRedis(context.Background(), storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "sqlite", "":
		path := cfg.SQLitePath
		if path == "" {
			path = "plaid.db"
		}
		return storage.OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func sharedDBsFromConfig(cfgs map[string]config.SharedDBConfig) map[string]storage.SharedDB {
	out := make(map[string]storage.SharedDB, len(cfgs))
	for name, c := range cfgs {
		readers := make(map[string]struct{}, len(c.Readers)+len(c.Writers))
		writers := make(map[string]struct{}, len(c.Writers))
		for _, r := range c.Readers {
			readers[r] = struct{}{}
		}
		for _, w := range c.Writers {
			readers[w] = struct{}{}
			writers[w] = struct{}{}
		}
		limit := storage.Unlimited()
		if c.SizeLimit.Limited {
			limit = storage.Limited(c.SizeLimit.N)
		}
		out[name] = storage.SharedDB{
			Name:      name,
			Readers:   readers,
			Writers:   writers,
			SizeLimit: limit,
		}
	}
	return out
}

// writeReadyMarker creates the empty plaid_ready file that signals a
// successful boot — operators poll for its existence.
func writeReadyMarker(dataDir string) error {
	f, err := os.Create(filepath.Join(dataDir, "plaid_ready"))
	if err != nil {
		return err
	}
	return f.Close()
}

func writeModulesSnapshot(dataDir string, artifacts []*loader.Artifact) error {
	type moduleInfo struct {
		Filename                string `json:"filename"`
		LogType                 string `json:"log_type"`
		SHA256                  string `json:"sha256"`
		Computation             uint64 `json:"computation"`
		MemoryPages             uint32 `json:"memory_pages"`
		PersistentResponseBytes uint64 `json:"persistent_response_bytes"`
	}
	snapshot := make([]moduleInfo, 0, len(artifacts))
	for _, a := range artifacts {
		snapshot = append(snapshot, moduleInfo{
			Filename:                a.Filename,
			LogType:                 a.LogType,
			SHA256:                  a.SHA256,
			Computation:             a.Computation,
			MemoryPages:             a.MemoryPages,
			PersistentResponseBytes: a.PersistentResponseBytes,
		})
	}
	return writeJSONFile(filepath.Join(dataDir, "modules.json"), snapshot)
}

func writeJSONFile(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
