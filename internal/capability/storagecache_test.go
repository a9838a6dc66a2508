package capability

import (
	"context"
	"testing"
	"time"

	"github.com/obelisk/plaid/internal/cache"
	"github.com/obelisk/plaid/internal/message"
	"github.com/obelisk/plaid/internal/storage"
)

type memBackend struct {
	data map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: map[string][]byte{}} }

func (m *memBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	v, ok := m.data[namespace+"\x00"+key]
	return v, ok, nil
}

func (m *memBackend) Insert(ctx context.Context, namespace, key string, value []byte, limit storage.Limit) error {
	m.data[namespace+"\x00"+key] = value
	return nil
}

func (m *memBackend) Delete(ctx context.Context, namespace, key string) ([]byte, error) {
	k := namespace + "\x00" + key
	v, ok := m.data[k]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(m.data, k)
	return v, nil
}

func (m *memBackend) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	var keys []string
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memBackend) NamespaceSize(ctx context.Context, namespace string) (int64, error) { return 0, nil }
func (m *memBackend) Close() error                                                        { return nil }

func newTestRegistry() *Registry {
	backend := newMemBackend()
	return New(Config{
		RuleStore:   storage.NewRuleStore(backend),
		SharedStore: storage.NewSharedStore(backend, map[string]storage.SharedDB{}),
		Cache:       cache.New(16),
	})
}

func TestStoragePutGet_RoundTripsThroughRuleStore(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 100})

	if err := r.StoragePut(ctx, inv, "k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := r.StorageGet(ctx, inv, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("expected v, got %q ok=%v err=%v", got, ok, err)
	}
}

func TestStorageGet_DeniedWhenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 0})

	if _, _, err := r.StorageGet(ctx, inv, "k"); err != ErrResourceExhausted {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestCachePutGet_ScopedByModule(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	a := newInvocation("a.wasm", message.ExecBudget{Computation: 100})
	b := newInvocation("b.wasm", message.ExecBudget{Computation: 100})

	if err := r.CachePut(ctx, a, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := r.CacheGet(ctx, b, "k"); ok {
		t.Fatal("expected cache isolation between modules")
	}
	got, ok, err := r.CacheGet(ctx, a, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("expected v, got %q ok=%v err=%v", got, ok, err)
	}
}
