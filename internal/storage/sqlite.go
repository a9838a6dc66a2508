package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend is the embedded-database Backend, grounded on the
// B-tree-style single-writer model used for the default
// deployment (no external storage dependency required).
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the SQLite file at path and
// ensures the kv_entries table exists.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: empty sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := b.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("storage: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) initSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv_entries (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, key)
		);
	`)
	if err != nil {
		return fmt.Errorf("storage: create kv_entries: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }

func (b *SQLiteBackend) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: get: %w", err)
	}
	return value, true, nil
}

func (b *SQLiteBackend) Insert(ctx context.Context, namespace, key string, value []byte, limit Limit) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin insert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if limit.Limited {
			var existingLen sql.NullInt64
			err := tx.QueryRowContext(ctx,
				`SELECT length(value) FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key,
			).Scan(&existingLen)
			if err != nil && err != sql.ErrNoRows {
				return fmt.Errorf("storage: check existing value: %w", err)
			}

			var currentSize int64
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(SUM(length(key) + length(value)), 0) FROM kv_entries WHERE namespace = ?`, namespace,
			).Scan(&currentSize); err != nil {
				return fmt.Errorf("storage: compute namespace size: %w", err)
			}

			delta := int64(len(value))
			if existingLen.Valid {
				delta -= existingLen.Int64
			} else {
				delta += int64(len(key))
			}
			if currentSize+delta > int64(limit.N) {
				return ErrSizeLimitExceeded
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO kv_entries (namespace, key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, namespace, key, value)
		if err != nil {
			return fmt.Errorf("storage: insert: %w", err)
		}
		return tx.Commit()
	})
}

func (b *SQLiteBackend) Delete(ctx context.Context, namespace, key string) ([]byte, error) {
	var prior []byte
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx,
			`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key,
		).Scan(&prior)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("storage: read before delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, namespace, key,
		); err != nil {
			return fmt.Errorf("storage: delete: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return prior, nil
}

func (b *SQLiteBackend) ListKeys(ctx context.Context, namespace, prefix string) ([]string, error) {
	var rows *sql.Rows
	var err error
	if prefix == "" {
		rows, err = b.db.QueryContext(ctx, `SELECT key FROM kv_entries WHERE namespace = ? ORDER BY key`, namespace)
	} else {
		rows, err = b.db.QueryContext(ctx,
			`SELECT key FROM kv_entries WHERE namespace = ? AND key LIKE ? ESCAPE '\' ORDER BY key`,
			namespace, likePrefix(prefix))
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) NamespaceSize(ctx context.Context, namespace string) (int64, error) {
	var size int64
	err := b.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(length(key) + length(value)), 0) FROM kv_entries WHERE namespace = ?`, namespace,
	).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("storage: namespace size: %w", err)
	}
	return size, nil
}

func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

// retryOnBusy retries f when SQLite reports the database is busy or
// locked, with bounded exponential backoff and jitter on top of the
// driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
