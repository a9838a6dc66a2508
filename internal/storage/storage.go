// Package storage implements the two persistence surfaces a rule's
// storage capability calls resolve against: a per-module key/value
// namespace and a small number of named, access-controlled shared
// namespaces. Both are backed by the same pluggable Backend so the
// operator can choose SQLite or Redis without the capability layer
// caring which.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Delete when the key did not previously
// exist; Get never returns it — a missing key is reported as (nil, false).
var ErrNotFound = errors.New("storage: key not found")

// ErrSizeLimitExceeded is returned by Insert when writing value would
// push the owning namespace's total size over its configured ceiling.
// The store is left unchanged.
var ErrSizeLimitExceeded = errors.New("storage: size limit exceeded")

// Backend is the physical key/value engine. Namespace + key together
// form the backend's physical key; callers never see backend-specific
// encoding.
type Backend interface {
	// Get returns the value and true if present.
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	// Insert atomically checks the namespace's size budget and writes
	// value, returning ErrSizeLimitExceeded without writing if it would
	// be exceeded. limit.Limited == false means no cap.
	Insert(ctx context.Context, namespace, key string, value []byte, limit Limit) error
	// Delete removes key and returns the value that was present, or
	// ErrNotFound if it was absent.
	Delete(ctx context.Context, namespace, key string) ([]byte, error)
	// ListKeys returns every key in namespace whose key has the given
	// prefix; an empty prefix lists all keys in the namespace.
	ListKeys(ctx context.Context, namespace, prefix string) ([]string, error)
	// NamespaceSize returns the current total byte size (keys + values)
	// tracked for namespace. Insert does not call it: each backend
	// computes the size inside its own atomic check.
	NamespaceSize(ctx context.Context, namespace string) (int64, error)
	Close() error
}

// Limit mirrors message.Limit without importing it, keeping storage a
// leaf dependency the same way config.Limit does.
type Limit struct {
	Limited bool
	N       uint64
}

func Unlimited() Limit       { return Limit{} }
func Limited(n uint64) Limit { return Limit{Limited: true, N: n} }

// RuleStore is the per-module key/value namespace. Physical keys are
// namespaced by the owning module's filename so two rules can never see
// each other's data even on a shared backend.
type RuleStore struct {
	backend Backend
}

func NewRuleStore(backend Backend) *RuleStore {
	return &RuleStore{backend: backend}
}

func (s *RuleStore) namespace(moduleFilename string) string {
	return "rule\x00" + moduleFilename
}

func (s *RuleStore) Get(ctx context.Context, moduleFilename, key string) ([]byte, bool, error) {
	return s.backend.Get(ctx, s.namespace(moduleFilename), key)
}

func (s *RuleStore) Insert(ctx context.Context, moduleFilename, key string, value []byte, limit Limit) error {
	return s.backend.Insert(ctx, s.namespace(moduleFilename), key, value, limit)
}

func (s *RuleStore) Delete(ctx context.Context, moduleFilename, key string) ([]byte, error) {
	return s.backend.Delete(ctx, s.namespace(moduleFilename), key)
}

func (s *RuleStore) ListKeys(ctx context.Context, moduleFilename, prefix string) ([]string, error) {
	return s.backend.ListKeys(ctx, s.namespace(moduleFilename), prefix)
}

// SharedDB is a single named namespace shared across an allowlist of
// modules, each tagged reader or reader+writer. Access control is
// enforced here, one level above the backend.
type SharedDB struct {
	Name      string
	Readers   map[string]struct{}
	Writers   map[string]struct{}
	SizeLimit Limit
}

// CanRead reports whether moduleFilename may call Get/ListKeys. Writers
// are implicitly readers.
func (d SharedDB) CanRead(moduleFilename string) bool {
	if _, ok := d.Readers[moduleFilename]; ok {
		return true
	}
	_, ok := d.Writers[moduleFilename]
	return ok
}

func (d SharedDB) CanWrite(moduleFilename string) bool {
	_, ok := d.Writers[moduleFilename]
	return ok
}

// SharedStore dispatches to a named SharedDB, enforcing its
// reader/writer allowlist before touching the backend.
type SharedStore struct {
	backend Backend
	dbs     map[string]SharedDB
}

func NewSharedStore(backend Backend, dbs map[string]SharedDB) *SharedStore {
	return &SharedStore{backend: backend, dbs: dbs}
}

func (s *SharedStore) namespace(dbName string) string {
	return "shared\x00" + dbName
}

func (s *SharedStore) lookup(dbName string) (SharedDB, error) {
	db, ok := s.dbs[dbName]
	if !ok {
		return SharedDB{}, fmt.Errorf("storage: unknown shared database %q", dbName)
	}
	return db, nil
}

func (s *SharedStore) Get(ctx context.Context, moduleFilename, dbName, key string) ([]byte, bool, error) {
	db, err := s.lookup(dbName)
	if err != nil {
		return nil, false, err
	}
	if !db.CanRead(moduleFilename) {
		return nil, false, fmt.Errorf("storage: %q has no read access to shared database %q", moduleFilename, dbName)
	}
	return s.backend.Get(ctx, s.namespace(dbName), key)
}

func (s *SharedStore) Insert(ctx context.Context, moduleFilename, dbName, key string, value []byte) error {
	db, err := s.lookup(dbName)
	if err != nil {
		return err
	}
	if !db.CanWrite(moduleFilename) {
		return fmt.Errorf("storage: %q has no write access to shared database %q", moduleFilename, dbName)
	}
	return s.backend.Insert(ctx, s.namespace(dbName), key, value, db.SizeLimit)
}

func (s *SharedStore) Delete(ctx context.Context, moduleFilename, dbName, key string) ([]byte, error) {
	db, err := s.lookup(dbName)
	if err != nil {
		return nil, err
	}
	if !db.CanWrite(moduleFilename) {
		return nil, fmt.Errorf("storage: %q has no write access to shared database %q", moduleFilename, dbName)
	}
	return s.backend.Delete(ctx, s.namespace(dbName), key)
}

func (s *SharedStore) ListKeys(ctx context.Context, moduleFilename, dbName, prefix string) ([]string, error) {
	db, err := s.lookup(dbName)
	if err != nil {
		return nil, err
	}
	if !db.CanRead(moduleFilename) {
		return nil, fmt.Errorf("storage: %q has no read access to shared database %q", moduleFilename, dbName)
	}
	return s.backend.ListKeys(ctx, s.namespace(dbName), prefix)
}
