package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := context.Background()
	Record(ctx, "deny", "storage.put", "rules/quota.wasm", "orders", "size_limit_exceeded")
	Record(ctx, "allow", "http.named_request", "rules/notify.wasm", "alerts", "capability_granted")

	path := filepath.Join(dir, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "deny" {
		t.Fatalf("expected deny decision, got %#v", first["decision"])
	}
	if first["capability"] != "storage.put" {
		t.Fatalf("expected capability storage.put, got %#v", first["capability"])
	}
	if first["module"] != "rules/quota.wasm" || first["log_type"] != "orders" {
		t.Fatalf("expected module/log_type to be recorded, got %#v", first)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := context.Background()
	Record(ctx, "allow", "test.op1", "m1.wasm", "t1", "test")
	Record(ctx, "deny", "test.op2", "m2.wasm", "t2", "test2")

	path := filepath.Join(dir, "logs", "audit.jsonl")

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	Record(ctx, "allow", "test.op3", "m3.wasm", "t3", "test3")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	size2 := info2.Size()
	if size2 <= size1 {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", size1, size2)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}

	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
		if _, ok := e["decision"]; !ok {
			t.Fatalf("line %d missing decision", i)
		}
	}
}

func TestDenyCountIncrements(t *testing.T) {
	dir := t.TempDir()
	if err := Init(dir); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record(context.Background(), "deny", "storage.put", "m.wasm", "t", "denied")
	if DenyCount() != before+1 {
		t.Fatalf("expected deny count to increment, before=%d after=%d", before, DenyCount())
	}
}
