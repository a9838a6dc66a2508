package capability

import (
	"context"
	"time"

	"github.com/obelisk/plaid/internal/audit"
	"github.com/obelisk/plaid/internal/message"
	"github.com/obelisk/plaid/internal/storage"
)

// storageLimit converts the invocation's message.Limit into the
// storage package's own local Limit type, the same boundary conversion
// internal/loader does for config.Limit.
func storageLimit(l message.Limit) storage.Limit {
	if !l.IsLimited() {
		return storage.Unlimited()
	}
	return storage.Limited(l.Value())
}

// unprivileged runs the test-mode and budget stages of the pipeline
// without the allowlist check: storage and cache access is controlled
// entirely by what a module's imports were resolved against at load
// time, not by a per-resource allowed_rules list.
func unprivileged(ctx context.Context, inv *Invocation, capabilityName string, availableInTest bool, cost uint64) error {
	if !testModeAllows(inv, availableInTest) {
		audit.Record(ctx, "deny", capabilityName, inv.Module, inv.LogType, "test_mode_denied")
		return ErrTestModeDenied
	}
	if err := inv.chargeComputationLocked(cost); err != nil {
		audit.Record(ctx, "deny", capabilityName, inv.Module, inv.LogType, "resource_exhausted")
		return err
	}
	audit.Record(ctx, "allow", capabilityName, inv.Module, inv.LogType, "granted")
	return nil
}

// StorageGet reads a key from the calling module's private namespace.
func (r *Registry) StorageGet(ctx context.Context, inv *Invocation, key string) ([]byte, bool, error) {
	if err := unprivileged(ctx, inv, "storage.get", true, r.costOf("storage.get", 1)); err != nil {
		return nil, false, err
	}
	return r.ruleStore.Get(ctx, inv.Module, key)
}

// StoragePut writes a key into the calling module's private namespace,
// bounded by the invocation's configured storage quota.
func (r *Registry) StoragePut(ctx context.Context, inv *Invocation, key string, value []byte) error {
	if err := unprivileged(ctx, inv, "storage.put", true, r.costOf("storage.put", 2)); err != nil {
		return err
	}
	limit := message.Unlimited()
	if inv.Budget != nil {
		limit = inv.Budget.StorageBytes
	}
	return r.ruleStore.Insert(ctx, inv.Module, key, value, storageLimit(limit))
}

// StorageDelete removes a key from the calling module's private
// namespace and returns the value that was present.
func (r *Registry) StorageDelete(ctx context.Context, inv *Invocation, key string) ([]byte, error) {
	if err := unprivileged(ctx, inv, "storage.delete", true, r.costOf("storage.delete", 1)); err != nil {
		return nil, err
	}
	return r.ruleStore.Delete(ctx, inv.Module, key)
}

// StorageListKeys lists keys under prefix in the calling module's
// private namespace.
func (r *Registry) StorageListKeys(ctx context.Context, inv *Invocation, prefix string) ([]string, error) {
	if err := unprivileged(ctx, inv, "storage.list_keys", true, r.costOf("storage.list_keys", 1)); err != nil {
		return nil, err
	}
	return r.ruleStore.ListKeys(ctx, inv.Module, prefix)
}

// SharedDBGet reads a key from a named shared database, subject to the
// database's reader/writer allowlist.
func (r *Registry) SharedDBGet(ctx context.Context, inv *Invocation, dbName, key string) ([]byte, bool, error) {
	if err := unprivileged(ctx, inv, "shared_db.get", true, r.costOf("shared_db.get", 1)); err != nil {
		return nil, false, err
	}
	return r.sharedStore.Get(ctx, inv.Module, dbName, key)
}

// SharedDBInsert writes a key into a named shared database, subject to
// the database's reader/writer allowlist.
func (r *Registry) SharedDBInsert(ctx context.Context, inv *Invocation, dbName, key string, value []byte) error {
	if err := unprivileged(ctx, inv, "shared_db.insert", true, r.costOf("shared_db.insert", 2)); err != nil {
		return err
	}
	return r.sharedStore.Insert(ctx, inv.Module, dbName, key, value)
}

// SharedDBDelete removes a key from a named shared database, subject to
// the database's reader/writer allowlist.
func (r *Registry) SharedDBDelete(ctx context.Context, inv *Invocation, dbName, key string) ([]byte, error) {
	if err := unprivileged(ctx, inv, "shared_db.delete", true, r.costOf("shared_db.delete", 1)); err != nil {
		return nil, err
	}
	return r.sharedStore.Delete(ctx, inv.Module, dbName, key)
}

// SharedDBListKeys lists keys under prefix in a named shared database,
// subject to the database's reader/writer allowlist.
func (r *Registry) SharedDBListKeys(ctx context.Context, inv *Invocation, dbName, prefix string) ([]string, error) {
	if err := unprivileged(ctx, inv, "shared_db.list_keys", true, r.costOf("shared_db.list_keys", 1)); err != nil {
		return nil, err
	}
	return r.sharedStore.ListKeys(ctx, inv.Module, dbName, prefix)
}

// CacheGet reads a key from the process-local cache, scoped to the
// calling module.
func (r *Registry) CacheGet(ctx context.Context, inv *Invocation, key string) ([]byte, bool, error) {
	if err := unprivileged(ctx, inv, "cache.get", true, r.costOf("cache.get", 1)); err != nil {
		return nil, false, err
	}
	v, ok := r.cache.Get(inv.Module, key)
	return v, ok, nil
}

// CachePut writes a key into the process-local cache, scoped to the
// calling module, with the given time-to-live.
func (r *Registry) CachePut(ctx context.Context, inv *Invocation, key string, value []byte, ttl time.Duration) error {
	if err := unprivileged(ctx, inv, "cache.put", true, r.costOf("cache.put", 1)); err != nil {
		return err
	}
	r.cache.Put(inv.Module, key, value, ttl)
	return nil
}
