package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config is the minimal configuration needed to open a warehouse repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string `json:"kind"`
	DSN  string `json:"dsn"`
}

// Repository is a backend-agnostic interface over one warehouse database.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the sync engine needs. Each backend implements these semantics
// in its own idiomatic way (MSSQL MERGE, Postgres and SQLite ON CONFLICT,
// etc).
type Repository interface {
	// Close releases backend resources (connections, pools). Treat as "call once".
	Close()

	// EnsureTables creates the given tables when they do not exist yet.
	// Idempotent; safe to run at every startup.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// Dimension APIs.
	//
	// LookupKey returns the surrogate id for a natural key value, or ok=false
	// when no row matches. EnsureKey inserts the value when missing and always
	// returns the surrogate id; the insert is idempotent under concurrent
	// callers (guarded by the natural key's unique constraint).
	LookupKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, bool, error)
	EnsureKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, error)

	// Row movement APIs.
	//
	// SelectRowsSince returns rows whose trackColumn is strictly greater than
	// since, ordered by trackColumn ascending. A zero since selects all rows.
	SelectRowsSince(ctx context.Context, table string, columns []string, trackColumn string, since time.Time) ([][]any, error)

	// UpsertRows writes rows keyed by keyColumns: matched rows are updated,
	// unmatched rows inserted, atomically per statement. keyColumns must be a
	// subset of columns and the target must carry a matching unique constraint.
	UpsertRows(ctx context.Context, table string, columns []string, rows [][]any, keyColumns []string) (int64, error)

	// InsertRows bulk-inserts rows. When dedupeColumns is non-empty the insert
	// is idempotent: rows colliding on those columns are silently dropped.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error)

	// DeleteRowsByKey deletes rows whose keyColumn matches any of keys. With
	// a non-zero cutoff only rows whose trackColumn is at or before cutoff
	// are deleted, so rows landing after a delta snapshot was taken survive
	// until they are processed.
	DeleteRowsByKey(ctx context.Context, table, keyColumn string, keys []any, trackColumn string, cutoff time.Time) (int64, error)

	// Watermark APIs, backed by a sync-log table (name PRIMARY KEY, last_synced).
	//
	// Watermark returns ok=false when no entry exists for name, which callers
	// interpret as "full load". SetWatermark upserts the entry.
	Watermark(ctx context.Context, logTable, name string) (time.Time, bool, error)
	SetWatermark(ctx context.Context, logTable, name string, ts time.Time) error

	// Begin opens a unit of work. The caller must finish it with Commit or
	// Rollback; Rollback after Commit is a no-op.
	Begin(ctx context.Context) (Unit, error)
}

// Unit is a single database transaction scoped to one row of work.
//
// RelaxConstraints suspends foreign-key enforcement for writes inside this
// unit and returns a restore function. The caller must invoke restore before
// Commit on every path; Rollback also restores, since all three backends
// scope the relaxed mode to the transaction.
type Unit interface {
	Exists(ctx context.Context, table string, columns []string, values []any) (bool, error)
	InsertReturningKey(ctx context.Context, table string, columns []string, values []any, idColumn string) (int64, error)
	Insert(ctx context.Context, table string, columns []string, values []any) error
	RelaxConstraints(ctx context.Context, tables []string) (restore func(context.Context) error, err error)
	Commit() error
	Rollback() error
}

// Factory constructs a Repository from configuration.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "mssql", "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The kind string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.Kind")
	}

	factoryMu.RLock()
	f := factories[cfg.Kind]
	factoryMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
