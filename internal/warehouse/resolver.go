// Package warehouse implements the staging-to-warehouse synchronization
// engine: dimension resolution, reference-data movement, and the per-row
// fact load with its watermark bookkeeping.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"carsync/internal/mapping"
	"carsync/internal/storage"
)

// ResolvePolicy selects how a dimension treats values missing from its table.
//
// LookupOnly is for closed enumerations (fuel, car type, color, condition):
// the reference mover populates them and an unknown value means the source
// row cannot be classified. LookupOrInsert is for open vocabularies (make,
// model) where the data itself defines the dimension.
type ResolvePolicy int

const (
	LookupOnly ResolvePolicy = iota
	LookupOrInsert
)

func (p ResolvePolicy) String() string {
	switch p {
	case LookupOnly:
		return "lookup_only"
	case LookupOrInsert:
		return "lookup_or_insert"
	default:
		return fmt.Sprintf("ResolvePolicy(%d)", int(p))
	}
}

// Dimension describes one warehouse dimension table and how raw values reach
// it: the mapping domain canonicalizes the label, the policy decides whether
// unknown canonical values are created or rejected.
type Dimension struct {
	Table     string // e.g. "dim_make"
	KeyColumn string // natural key column, e.g. "make_name"
	IDColumn  string // surrogate column, e.g. "make_key"
	Domain    string // mapping domain, e.g. "make"; "" means no mapping
	Policy    ResolvePolicy
}

// NotFoundError reports a value that did not resolve to a dimension row.
type NotFoundError struct {
	Dimension string
	Value     string
}

func (e *NotFoundError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("warehouse: %s: empty value", e.Dimension)
	}
	return fmt.Sprintf("warehouse: %s: no row for %q", e.Dimension, e.Value)
}

// IsNotFound reports whether err is a dimension NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Resolver translates raw categorical values into dimension surrogate keys.
//
// Resolution is deterministic: the same raw value always yields the same
// surrogate, within a run (memoized) and across runs (the natural key's
// unique constraint). The cache only holds successful resolutions, so a
// LookupOnly miss is retried against the table on every call; the reference
// mover may have filled the gap between rows.
type Resolver struct {
	repo storage.Repository
	maps mapping.Set

	mu    sync.Mutex
	cache map[string]int64
}

func NewResolver(repo storage.Repository, maps mapping.Set) *Resolver {
	return &Resolver{
		repo:  repo,
		maps:  maps,
		cache: make(map[string]int64),
	}
}

// Resolve returns the surrogate key for raw in dim's table.
//
// Edge cases:
//   - An empty (or whitespace-only) raw value returns NotFoundError without
//     touching the table; an empty dimension row is never created.
//   - Unmapped labels pass through the mapping unchanged, so a label that
//     already is its own canonical form resolves normally.
//
// Errors:
//   - *NotFoundError when the canonical value has no row and the policy is
//     LookupOnly.
//   - The repository error otherwise, wrapped with the dimension table.
func (r *Resolver) Resolve(ctx context.Context, dim Dimension, raw string) (int64, error) {
	canonical := storage.NormalizeKey(raw)
	if canonical == "" {
		return 0, &NotFoundError{Dimension: dim.Table, Value: ""}
	}
	if dim.Domain != "" {
		canonical = r.maps.Apply(dim.Domain, canonical)
	}

	cacheKey := dim.Table + "\x00" + canonical
	r.mu.Lock()
	id, hit := r.cache[cacheKey]
	r.mu.Unlock()
	if hit {
		return id, nil
	}

	id, ok, err := r.repo.LookupKey(ctx, dim.Table, dim.KeyColumn, dim.IDColumn, canonical)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", dim.Table, err)
	}
	if !ok {
		if dim.Policy != LookupOrInsert {
			return 0, &NotFoundError{Dimension: dim.Table, Value: canonical}
		}
		id, err = r.repo.EnsureKey(ctx, dim.Table, dim.KeyColumn, dim.IDColumn, canonical)
		if err != nil {
			return 0, fmt.Errorf("resolve %s: %w", dim.Table, err)
		}
	}

	r.mu.Lock()
	r.cache[cacheKey] = id
	r.mu.Unlock()
	return id, nil
}
