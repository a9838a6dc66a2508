// Package audit records every capability-dispatch decision (allow/deny) to
// an append-only JSONL file, so an operator can reconstruct what a rule
// module was permitted or refused to do without reading process logs.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obelisk/plaid/internal/shared"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	TraceID    string `json:"trace_id,omitempty"`
	Decision   string `json:"decision"`
	Capability string `json:"capability"`
	Module     string `json:"module"`
	LogType    string `json:"log_type"`
	Reason     string `json:"reason"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens (creating if needed) logs/audit.jsonl under dataDir. Calling
// Init twice is a no-op — the audit sink is a process-wide singleton,
// append-only by design: entries are never edited or deleted in place.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures an optional database sink: once set, every Record
// also inserts a row into that database's audit_log table. The JSONL
// file is always written regardless.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions recorded since
// process start.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record logs one capability-dispatch decision. traceID correlates this
// entry with the invocation's log lines and otel span; module and logType
// identify which rule and which log type triggered the call.
func Record(ctx context.Context, decision, capability, module, logType, reason string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:    traceID,
			Decision:   decision,
			Capability: capability,
			Module:     module,
			LogType:    logType,
			Reason:     reason,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, module, log_type, capability, decision, reason)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, module, logType, capability, decision, reason)
	}
}
