package storage

import (
	"context"
	"testing"
)

func TestRuleStore_RoundTripAndIsolation(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	rs := NewRuleStore(backend)

	if err := rs.Insert(ctx, "billing_alert.wasm", "my_key", []byte("first_value"), Unlimited()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, ok, err := rs.Get(ctx, "billing_alert.wasm", "my_key")
	if err != nil || !ok || string(got) != "first_value" {
		t.Fatalf("expected first_value, got %q ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := rs.Get(ctx, "other_rule.wasm", "my_key"); ok {
		t.Fatal("expected isolation from another module's namespace")
	}
}

func TestRuleStore_DeleteReturnsPriorAndListKeys(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	rs := NewRuleStore(backend)

	if err := rs.Insert(ctx, "mod.wasm", "k1", []byte("v1"), Unlimited()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := rs.Insert(ctx, "mod.wasm", "k2", []byte("v2"), Unlimited()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	keys, err := rs.ListKeys(ctx, "mod.wasm", "")
	if err != nil || len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v err=%v", keys, err)
	}
	prior, err := rs.Delete(ctx, "mod.wasm", "k1")
	if err != nil || string(prior) != "v1" {
		t.Fatalf("expected prior v1, got %q err=%v", prior, err)
	}
}

func sharedDBFixture() map[string]SharedDB {
	return map[string]SharedDB{
		"testdb": {
			Name:    "testdb",
			Readers: map[string]struct{}{"reader_rule.wasm": {}},
			Writers: map[string]struct{}{"writer_rule.wasm": {}},
		},
	}
}

func TestSharedStore_ReadOnlyModuleCannotInsert(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	ss := NewSharedStore(backend, sharedDBFixture())

	if err := ss.Insert(ctx, "reader_rule.wasm", "testdb", "k", []byte("v")); err == nil {
		t.Fatal("expected read-only module to be denied write access")
	}
}

func TestSharedStore_ReadWriteModuleCanInsertAndReaderSeesIt(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	ss := NewSharedStore(backend, sharedDBFixture())

	if err := ss.Insert(ctx, "writer_rule.wasm", "testdb", "k", []byte("v")); err != nil {
		t.Fatalf("expected writer to succeed: %v", err)
	}
	got, ok, err := ss.Get(ctx, "reader_rule.wasm", "testdb", "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("expected reader to see written value, got %q ok=%v err=%v", got, ok, err)
	}
}

func TestSharedStore_UnknownModuleDeniedEntirely(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	ss := NewSharedStore(backend, sharedDBFixture())

	if _, _, err := ss.Get(ctx, "stranger.wasm", "testdb", "k"); err == nil {
		t.Fatal("expected unknown module to be denied read access")
	}
}

func TestSharedStore_UnknownDatabaseNameErrors(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	ss := NewSharedStore(backend, sharedDBFixture())

	if _, _, err := ss.Get(ctx, "writer_rule.wasm", "does_not_exist", "k"); err == nil {
		t.Fatal("expected error for unknown shared database")
	}
}
