// Package config loads Plaid's boot-time TOML configuration files and the
// separate secrets file, and resolves the `{plaid-secret{KEY}}`
// interpolation form wherever a config value is consumed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Limit mirrors message.Limit without importing the message package, so
// config stays a leaf dependency. artifact.go in internal/loader converts
// between the two at the boundary.
type Limit struct {
	Limited bool
	N       uint64
}

func Unlimited() Limit     { return Limit{} }
func Limited(n uint64) Limit { return Limit{Limited: true, N: n} }

// UnmarshalText lets Limit appear as either the bare string "unlimited"
// or an integer in TOML (BurntSushi/toml calls UnmarshalText for any
// target implementing it when the source is a string).
func (l *Limit) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" || s == "unlimited" {
		*l = Unlimited()
		return nil
	}
	var n uint64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fmt.Errorf("invalid limit %q: %w", s, err)
	}
	*l = Limited(n)
	return nil
}

// ListenerConfig is one of the two webhook listener addresses.
type ListenerConfig struct {
	Address  string `toml:"address"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// GetMode describes a webhook route's behavior for HTTP GET.
type GetMode struct {
	Kind        string `toml:"kind"` // "static" | "rule" | "upstream"
	Static      string `toml:"static"`
	Rule        string `toml:"rule"`
	CachingMode string `toml:"caching_mode"` // "none" | "timed" | "fingerprinted"
	TimedSecs   int    `toml:"timed_seconds"`
	Upstream    string `toml:"upstream"`
}

// WebhookRoute binds a path on one of the two listeners to a log-type.
type WebhookRoute struct {
	Listener        string   `toml:"listener"` // "internal" | "external"
	Path            string   `toml:"path"`
	LogType         string   `toml:"log_type"`
	AllowedHeaders  []string `toml:"allowed_headers"`
	LogbacksAllowed Limit    `toml:"logbacks_allowed"`
	GetMode         *GetMode `toml:"get_mode"`
	// MaxPayloadBytes caps the POST body this route accepts; 0 means
	// fall back to WebhooksConfig.DefaultMaxPayloadBytes, which itself
	// defaults to unlimited.
	MaxPayloadBytes int64 `toml:"max_payload_bytes"`
}

// WebhooksConfig is the `webhooks.toml` file.
type WebhooksConfig struct {
	Internal ListenerConfig `toml:"internal"`
	External ListenerConfig `toml:"external"`
	Routes   []WebhookRoute `toml:"routes"`
	// DefaultMaxPayloadBytes applies to any route that doesn't set its
	// own MaxPayloadBytes. 0 means unlimited.
	DefaultMaxPayloadBytes int64 `toml:"default_max_payload_bytes"`
}

// EffectiveMaxPayloadBytes returns the byte ceiling handlePost should
// enforce for this route: the route's own override, or the listener
// default, or 0 for unlimited.
func (w WebhooksConfig) EffectiveMaxPayloadBytes(route WebhookRoute) int64 {
	if route.MaxPayloadBytes > 0 {
		return route.MaxPayloadBytes
	}
	return w.DefaultMaxPayloadBytes
}

// ModuleOverride carries per-module quota overrides from `loading.toml`.
type ModuleOverride struct {
	Computation             uint64            `toml:"computation"`
	MemoryPages             uint32            `toml:"memory_pages"`
	StorageBytes            Limit             `toml:"storage_bytes"`
	PersistentResponseBytes uint64            `toml:"persistent_response_bytes"`
	Secrets                 map[string]string `toml:"secrets"`
	Accessory               map[string]string `toml:"accessory_data"`
}

// LoadingConfig is the `loading.toml` file, the module loader's
// configuration surface.
type LoadingConfig struct {
	ModuleDir          string `toml:"module_dir"`
	SignatureDir       string `toml:"signature_dir"`
	SignersFile        string `toml:"signers_file"`
	SignaturesRequired int    `toml:"signatures_required"`
	CompilerBackend    string `toml:"compiler_backend"` // "cranelift" | "llvm" (mapped to wazero compiler/interpreter)

	LogTypeOverrides map[string]string `toml:"log_type_overrides"`

	AccessoryDataUniversal           map[string]string            `toml:"accessory_data_universal"`
	AccessoryDataLogTypeOverrides    map[string]map[string]string `toml:"accessory_data_log_type_overrides"`
	AccessoryDataFileOverrides       map[string]map[string]string `toml:"accessory_data_file_overrides"`

	DefaultComputation uint64 `toml:"default_computation"`
	DefaultMemoryPages uint32 `toml:"default_memory_pages"`

	TestModeExemptions []string                  `toml:"test_mode_exemptions"`
	ModuleOverrides    map[string]ModuleOverride `toml:"module_overrides"`
}

// NamedRequest is a preconfigured outbound HTTP request a rule may trigger
// via `network.make_named_request`.
type NamedRequest struct {
	URL             string            `toml:"url"` // may contain {variable} URI templates
	Method          string            `toml:"method"`
	BodyTemplate    string            `toml:"body_template"` // may contain {variable} literal substitutions
	Headers         map[string]string `toml:"headers"`
	AllowedRules    []string          `toml:"allowed_rules"`
	TimeoutSeconds  int               `toml:"timeout_seconds"`
	ReturnCode      bool              `toml:"return_code"`
	ReturnBody      bool              `toml:"return_body"`
	AvailableInTest bool              `toml:"available_in_test_mode"`
}

// TelegramConnector is the one illustrative cloud/SaaS connector Plaid
// ships (connectors are treated as opaque adapters reachable only
// through the capability layer).
type TelegramConnector struct {
	BotToken        string   `toml:"bot_token"` // may be a {plaid-secret{KEY}} reference
	ChatID          int64    `toml:"chat_id"`
	AllowedRules    []string `toml:"allowed_rules"`
	AvailableInTest bool     `toml:"available_in_test_mode"`
}

// ApisConfig is the `apis.toml` file.
type ApisConfig struct {
	NamedRequests map[string]NamedRequest     `toml:"named_requests"`
	Telegram      map[string]TelegramConnector `toml:"telegram"`
}

// DataConfig is the `data.toml` file: boot-time flags unrelated to any
// single component.
type DataConfig struct {
	TestMode     bool   `toml:"test_mode"`
	SecretsFile  string `toml:"secrets_file"`
}

// SharedDBConfig describes a named namespace shared across an allowlist
// of modules, each tagged read-only or read-write.
type SharedDBConfig struct {
	Readers   []string `toml:"readers"`
	Writers   []string `toml:"writers"`
	SizeLimit Limit    `toml:"size_limit"`
}

// StorageConfig is the `storage.toml` file.
type StorageConfig struct {
	Backend           string                    `toml:"backend"` // "sqlite" | "redis"
	SQLitePath        string                    `toml:"sqlite_path"`
	RedisAddr         string                    `toml:"redis_addr"`
	RedisPassword     string                    `toml:"redis_password"`
	RedisDB           int                       `toml:"redis_db"`
	DefaultSizeLimit  Limit                     `toml:"default_size_limit"`
	ModuleOverrides   map[string]Limit          `toml:"module_overrides"`
	SharedDatabases   map[string]SharedDBConfig `toml:"shared_databases"`
}

// CacheConfig is the `cache.toml` file.
type CacheConfig struct {
	Capacity       int `toml:"capacity"`
	DefaultTTLSecs int `toml:"default_ttl_seconds"`
}

// LoggingConfig is the `logging.toml` file.
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// ExecutorConfig is the `executor.toml` file.
type ExecutorConfig struct {
	ExecutionThreads   int               `toml:"execution_threads"`
	QueueSize          int               `toml:"queue_size"`
	LRUCacheSize       int               `toml:"lru_cache_size"`
	InvokeTimeoutSecs  int               `toml:"invoke_timeout_seconds"`
	CapabilityCosts    map[string]uint64 `toml:"capability_costs"`
}

// IntervalSchedule fires a Message on a cron-like cadence, the config
// surface for the §4.F interval-timer generator.
type IntervalSchedule struct {
	Name    string `toml:"name"`
	Cron    string `toml:"cron"` // standard 5-field expression
	LogType string `toml:"log_type"`
}

// WebSocketUpstream tails a remote websocket endpoint, forwarding each
// text frame as a Message payload.
type WebSocketUpstream struct {
	Name    string `toml:"name"`
	URL     string `toml:"url"`
	LogType string `toml:"log_type"`
}

// Poller long-polls a named upstream on a fixed interval — the
// illustrative stand-in for an SQS-like queue or
// consumer, since such connectors are themselves out of scope.
type Poller struct {
	Name         string `toml:"name"`
	LogType      string `toml:"log_type"`
	IntervalSecs int    `toml:"interval_seconds"`
}

// GeneratorsConfig is the `generators.toml` file.
type GeneratorsConfig struct {
	Intervals  []IntervalSchedule  `toml:"intervals"`
	WebSockets []WebSocketUpstream `toml:"websockets"`
	Pollers    []Poller            `toml:"pollers"`
}

// Config aggregates every on-disk TOML file into one boot-time value.
type Config struct {
	Webhooks   WebhooksConfig
	Loading    LoadingConfig
	Apis       ApisConfig
	Data       DataConfig
	Storage    StorageConfig
	Cache      CacheConfig
	Logging    LoggingConfig
	Executor   ExecutorConfig
	Generators GeneratorsConfig

	Secrets map[string]string
}

// Load reads every configuration file from dir and the secrets file
// referenced by data.toml. Missing optional files decode to zero values;
// a malformed file is a fatal ConfigError.
func Load(dir string) (*Config, error) {
	cfg := &Config{}

	if err := decodeFile(filepath.Join(dir, "webhooks.toml"), &cfg.Webhooks); err != nil {
		return nil, err
	}
	if err := decodeFile(filepath.Join(dir, "loading.toml"), &cfg.Loading); err != nil {
		return nil, err
	}
	if err := decodeFile(filepath.Join(dir, "apis.toml"), &cfg.Apis); err != nil {
		return nil, err
	}
	if err := decodeFile(filepath.Join(dir, "data.toml"), &cfg.Data); err != nil {
		return nil, err
	}
	if err := decodeFile(filepath.Join(dir, "storage.toml"), &cfg.Storage); err != nil {
		return nil, err
	}
	if err := decodeFile(filepath.Join(dir, "cache.toml"), &cfg.Cache); err != nil {
		return nil, err
	}
	if err := decodeFile(filepath.Join(dir, "logging.toml"), &cfg.Logging); err != nil {
		return nil, err
	}
	if err := decodeFile(filepath.Join(dir, "executor.toml"), &cfg.Executor); err != nil {
		return nil, err
	}
	if err := decodeFile(filepath.Join(dir, "generators.toml"), &cfg.Generators); err != nil {
		return nil, err
	}

	secretsPath := cfg.Data.SecretsFile
	if secretsPath == "" {
		secretsPath = filepath.Join(dir, "secrets.toml")
	} else if !filepath.IsAbs(secretsPath) {
		secretsPath = filepath.Join(dir, secretsPath)
	}
	secrets, err := loadSecrets(secretsPath)
	if err != nil {
		return nil, err
	}
	cfg.Secrets = secrets

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Loading.DefaultComputation == 0 {
		c.Loading.DefaultComputation = 10_000_000
	}
	if c.Loading.DefaultMemoryPages == 0 {
		c.Loading.DefaultMemoryPages = 16
	}
	if c.Loading.CompilerBackend == "" {
		c.Loading.CompilerBackend = "cranelift"
	}
	if c.Loading.SignatureDir == "" {
		c.Loading.SignatureDir = "module_signatures"
	}
	if c.Loading.SignaturesRequired > 0 && c.Loading.SignersFile == "" {
		return fmt.Errorf("config: signatures_required=%d but no signers_file configured", c.Loading.SignaturesRequired)
	}
	if c.Executor.ExecutionThreads <= 0 {
		c.Executor.ExecutionThreads = 1
	}
	if c.Executor.QueueSize <= 0 {
		c.Executor.QueueSize = 256
	}
	if c.Executor.LRUCacheSize <= 0 {
		c.Executor.LRUCacheSize = 64
	}
	if c.Executor.InvokeTimeoutSecs <= 0 {
		c.Executor.InvokeTimeoutSecs = 30
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 1024
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	return nil
}

func decodeFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) ExecutorInvokeTimeout() time.Duration {
	return time.Duration(c.Executor.InvokeTimeoutSecs) * time.Second
}

func (c *Config) CacheDefaultTTL() time.Duration {
	if c.Cache.DefaultTTLSecs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Cache.DefaultTTLSecs) * time.Second
}

var secretPattern = regexp.MustCompile(`\{plaid-secret\{([^}]+)\}\}`)

// Interpolate replaces every `{plaid-secret{KEY}}` occurrence in s with
// the resolved value from secrets. Keys absent from secrets are left as
// the literal placeholder, so a misconfiguration is visible rather than
// silently producing an empty string a rule might treat as valid.
func Interpolate(s string, secrets map[string]string) string {
	if !secretPattern.MatchString(s) {
		return s
	}
	return secretPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := secretPattern.FindStringSubmatch(match)
		key := sub[1]
		if v, ok := secrets[key]; ok {
			return v
		}
		return match
	})
}
