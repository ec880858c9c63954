package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"datamirror/internal/codec"
)

// Config is the minimal configuration needed to open a destination store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Store is the backend-agnostic destination of a sync run.
//
// IMPORTANT: This interface is intentionally minimal and focused on what the
// sync driver needs: declare the table once, then check-then-insert records
// inside one transaction per page. Each backend implements it in its own
// dialect (placeholders, identifier quoting, create-if-missing DDL).
type Store interface {
	// Close releases backend resources. Treat Close as "call once".
	Close()

	// Dialect reports placeholder and quoting rules for predicates built by
	// the existence matcher.
	Dialect() codec.Dialect

	// EnsureTable creates the table if it does not exist. It never alters an
	// existing table; calling it again with the same spec is a no-op.
	EnsureTable(ctx context.Context, t TableSpec) error

	// Begin opens the transaction that holds one page of writes.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one page worth of existence checks and inserts.
//
// Commit makes the page durable. Rollback after Commit is a no-op, so callers
// can always defer Rollback.
type Tx interface {
	// Exists reports whether at least one row of table matches where.
	// where is a predicate built with the store's Dialect; args bind in order.
	Exists(ctx context.Context, table string, where string, args []any) (bool, error)

	// Insert writes one row.
	Insert(ctx context.Context, table string, columns []string, args []any) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Factory opens a Store for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The kind string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

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

// Open constructs a Store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
