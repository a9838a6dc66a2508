// Package policy implements the host-side guardrails a capability call
// must pass before it reaches the network or a storage backend: an
// SSRF-resistant URL check for named HTTP requests, and a generic
// capability-name allowlist used as a fallback when a capability's own
// config (allowed_rules in apis.toml) doesn't apply.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface consumers use to check capability access.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowCapability(capability string) bool
	AllowPath(path string) bool
	PolicyVersion() string
}

// Policy is the serializable guardrail data — loaded once at boot from an
// operator-maintained YAML file, distinct from the per-route/per-connector
// allowed_rules lists that live in the TOML config.
type Policy struct {
	AllowDomains      []string `yaml:"allow_domains"`
	AllowPaths        []string `yaml:"allow_paths"`
	AllowCapabilities []string `yaml:"allow_capabilities"`
	AllowLoopback     bool     `yaml:"allow_loopback"`
}

func Default() Policy {
	return Policy{}
}

// knownCapabilities are the capability names an allow_capabilities entry
// may list (storage, cache, network, cloud connectors, crypto, time,
// logging). They are policy vocabulary, not the host module's export
// names.
var knownCapabilities = map[string]struct{}{
	"storage.get":          {},
	"storage.put":          {},
	"storage.delete":       {},
	"storage.list_keys":    {},
	"shared_db.get":        {},
	"shared_db.insert":     {},
	"shared_db.delete":     {},
	"shared_db.list_keys":  {},
	"cache.get":            {},
	"cache.put":            {},
	"network.make_named_request": {},
	"cloud.telegram_notify": {},
	"crypto.sha256":        {},
	"crypto.random_bytes":  {},
	"time.now":             {},
	"log.emit":             {},
	"log_back":             {},
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// AllowHTTPURL reports whether a named HTTP request's target URL may be
// dialed. Guards against SSRF into loopback/private/link-local ranges
// regardless of domain allowlisting, unless allow_loopback is set (useful
// for local integration tests against a fixture server).
func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // Not an IP address (e.g. a hostname).
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func (p Policy) AllowCapability(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return false
	}
	for _, allowed := range p.AllowCapabilities {
		if strings.ToLower(strings.TrimSpace(allowed)) == capability {
			return true
		}
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// AllowPath checks whether a filesystem path (module dir, signature dir)
// is within an allowed prefix. An empty AllowPaths list permits all paths.
func (p Policy) AllowPath(path string) bool {
	if len(p.AllowPaths) == 0 {
		return true
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved, err = filepath.EvalSymlinks(filepath.Dir(path))
		if err != nil {
			return false
		}
		resolved = filepath.Join(resolved, filepath.Base(path))
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false
	}
	for _, allowed := range p.AllowPaths {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if evalAllowed, evalErr := filepath.EvalSymlinks(allowedAbs); evalErr == nil {
			allowedAbs = evalAllowed
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (p Policy) validate() error {
	for _, capName := range p.AllowCapabilities {
		capability := strings.ToLower(strings.TrimSpace(capName))
		if capability == "" {
			continue
		}
		if _, ok := knownCapabilities[capability]; !ok {
			return fmt.Errorf("unknown capability %q", capName)
		}
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe mutation, wholesale
// replacement (Reload, ReloadFromFile), and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string
}

func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) AllowHTTPURL(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowHTTPURL(raw)
}

func (lp *LivePolicy) AllowCapability(capability string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowCapability(capability)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

func (lp *LivePolicy) AllowPath(path string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowPath(path)
}

func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}
	return false
}

// AllowDomain adds a domain at runtime and persists the change.
func (lp *LivePolicy) AllowDomain(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return fmt.Errorf("empty domain")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if containsNormalized(lp.data.AllowDomains, domain) {
		return nil
	}
	lp.data.AllowDomains = append(lp.data.AllowDomains, domain)
	return lp.persist()
}

// AddCapability grants a capability at runtime and persists the change.
func (lp *LivePolicy) AddCapability(capability string) error {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return fmt.Errorf("empty capability")
	}
	if _, ok := knownCapabilities[capability]; !ok {
		return fmt.Errorf("unknown capability %q", capability)
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if containsNormalized(lp.data.AllowCapabilities, capability) {
		return nil
	}
	lp.data.AllowCapabilities = append(lp.data.AllowCapabilities, capability)
	return lp.persist()
}

func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowDomains = append([]string(nil), lp.data.AllowDomains...)
	cp.AllowPaths = append([]string(nil), lp.data.AllowPaths...)
	cp.AllowCapabilities = append([]string(nil), lp.data.AllowCapabilities...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file
// parses and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.AllowDomains {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowPaths {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowCapabilities {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
