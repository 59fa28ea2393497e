// Package metastore holds the authoritative structured metadata for
// indexed items, keyed by the same IDs the vector index uses.
//
// The store never interprets IDs; referential integrity with the vector
// index is maintained by the ingestion pipeline and reconciled by the
// retrieval engine, not enforced here.
package metastore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid metastore configuration")

	// ErrUnavailable indicates the backing store is unreachable.
	ErrUnavailable = errors.New("metadata store unavailable")
)

// Metadata is the structured record for one item.
type Metadata struct {
	// Owner identifies who ingested the item.
	Owner string `json:"owner,omitempty"`

	// Tags are free-form labels used for filtering and tag-weighted
	// re-ranking.
	Tags []string `json:"tags,omitempty"`

	// CreatedAt is when the item was created at its source.
	CreatedAt time.Time `json:"created_at"`

	// Visibility scopes who may see the item (e.g. "public", "private").
	Visibility string `json:"visibility,omitempty"`

	// Extra carries additional opaque fields round-tripped untouched.
	Extra map[string]string `json:"extra,omitempty"`
}

// HasTag reports whether the item carries the given tag.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Filter is a structured constraint over metadata.
//
// Zero-valued fields match everything. Tags use overlap semantics: an
// item matches when it carries at least one of the filter tags.
type Filter struct {
	Tags         []string
	After        time.Time
	Before       time.Time
	Visibilities []string
}

// Empty reports whether the filter constrains nothing.
func (f Filter) Empty() bool {
	return len(f.Tags) == 0 && f.After.IsZero() && f.Before.IsZero() && len(f.Visibilities) == 0
}

// Matches reports whether md satisfies every constraint in the filter.
func (f Filter) Matches(md Metadata) bool {
	if len(f.Tags) > 0 {
		found := false
		for _, t := range f.Tags {
			if md.HasTag(t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.After.IsZero() && md.CreatedAt.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && !md.CreatedAt.Before(f.Before) {
		return false
	}
	if len(f.Visibilities) > 0 {
		found := false
		for _, v := range f.Visibilities {
			if md.Visibility == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Store is the metadata store contract.
//
// Implementations:
//   - SQLiteStore: embedded, file-backed or in-memory
//   - PostgresStore: shared Postgres deployment
type Store interface {
	// GetMany returns metadata for the given IDs. Missing IDs are simply
	// absent from the map, not an error.
	GetMany(ctx context.Context, ids []string) (map[string]Metadata, error)

	// Put inserts or replaces the metadata for id.
	Put(ctx context.Context, id string, md Metadata) error

	// Delete removes the metadata for id. Unknown IDs are ignored.
	Delete(ctx context.Context, id string) error

	// IDs returns every stored item ID. Used by reconciliation sweeps;
	// not on the query hot path.
	IDs(ctx context.Context) ([]string, error)

	// MatchIDs returns the IDs of all items satisfying the filter. Used
	// for pre-filter pushdown when the filter is highly selective.
	MatchIDs(ctx context.Context, f Filter) ([]string, error)

	// Close releases backend resources.
	Close() error
}
