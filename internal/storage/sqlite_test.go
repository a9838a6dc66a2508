package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plaid.db")
	b, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteBackend_InsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Insert(ctx, "rule\x00billing.wasm", "my_key", []byte("first_value"), Unlimited()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, ok, err := b.Get(ctx, "rule\x00billing.wasm", "my_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(got) != "first_value" {
		t.Fatalf("expected first_value, got %q ok=%v", got, ok)
	}
}

func TestSQLiteBackend_GetMissingKeyReturnsFalse(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	_, ok, err := b.Get(ctx, "rule\x00billing.wasm", "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestSQLiteBackend_DeleteReturnsPriorValue(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	if err := b.Insert(ctx, "rule\x00billing.wasm", "k", []byte("v"), Unlimited()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	prior, err := b.Delete(ctx, "rule\x00billing.wasm", "k")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if string(prior) != "v" {
		t.Fatalf("expected prior value 'v', got %q", prior)
	}
	if _, ok, _ := b.Get(ctx, "rule\x00billing.wasm", "k"); ok {
		t.Fatal("expected key gone after delete")
	}
}

func TestSQLiteBackend_DeleteMissingKeyReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	if _, err := b.Delete(ctx, "rule\x00billing.wasm", "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteBackend_ListKeysAllAndPrefix(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	for _, k := range []string{"alpha", "alpha_2", "beta"} {
		if err := b.Insert(ctx, "rule\x00mod.wasm", k, []byte("v"), Unlimited()); err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}
	all, err := b.ListKeys(ctx, "rule\x00mod.wasm", "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(all))
	}
	prefixed, err := b.ListKeys(ctx, "rule\x00mod.wasm", "alpha")
	if err != nil {
		t.Fatalf("list prefix: %v", err)
	}
	if len(prefixed) != 2 {
		t.Fatalf("expected 2 keys with prefix alpha, got %d", len(prefixed))
	}
}

// TestSQLiteBackend_StorageCapRejectsOverflow mirrors the scenario of a
// module with a 50-byte limit that already holds a 9-byte entry (key
// plus value), attempting to insert a 43-byte value under the 7-byte key
// "new_key": 9 + 7 + 43 = 59 > 50.
func TestSQLiteBackend_StorageCapRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	ns := "rule\x00limited.wasm"
	limit := Limited(50)

	if err := b.Insert(ctx, ns, "k", []byte("12345678"), limit); err != nil {
		t.Fatalf("initial insert: %v", err)
	}

	overflow := make([]byte, 43)
	for i := range overflow {
		overflow[i] = 'a'
	}
	err := b.Insert(ctx, ns, "new_key", overflow, limit)
	if err != ErrSizeLimitExceeded {
		t.Fatalf("expected ErrSizeLimitExceeded, got %v", err)
	}

	if _, ok, _ := b.Get(ctx, ns, "new_key"); ok {
		t.Fatal("rejected insert must not have written a value")
	}
}

func TestSQLiteBackend_StorageCapAllowsOverwriteWithinBudget(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	ns := "rule\x00limited.wasm"
	limit := Limited(20)

	if err := b.Insert(ctx, ns, "k", []byte("1234567890"), limit); err != nil {
		t.Fatalf("initial insert: %v", err)
	}
	if err := b.Insert(ctx, ns, "k", []byte("abcde"), limit); err != nil {
		t.Fatalf("overwrite within budget should succeed: %v", err)
	}
	got, ok, _ := b.Get(ctx, ns, "k")
	if !ok || string(got) != "abcde" {
		t.Fatalf("expected overwritten value, got %q", got)
	}
}

func TestSQLiteBackend_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	if err := b.Insert(ctx, "rule\x00a.wasm", "k", []byte("a-value"), Unlimited()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, ok, _ := b.Get(ctx, "rule\x00b.wasm", "k"); ok {
		t.Fatal("expected cross-namespace miss")
	}
}
