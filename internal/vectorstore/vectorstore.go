// Package vectorstore defines the vector index contract and its backends.
//
// An Index stores fixed-dimension vectors keyed by opaque item IDs and
// answers nearest-neighbor queries by cosine similarity. The similarity
// metric is fixed at index creation and never changes for the lifetime of
// the data: changing it would invalidate every prior relative ranking.
//
// All backends tolerate concurrent upserts and deletes during queries; a
// query may observe a point-in-time snapshot (read-committed, not
// serializable). None of them take a global lock on the query path.
package vectorstore

import (
	"context"
	"errors"
	"math"
)

// Sentinel errors for index operations.
var (
	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid index configuration")

	// ErrDimensionMismatch is returned when a vector's length does not
	// match the index's configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnavailable indicates the index backend is unreachable.
	ErrUnavailable = errors.New("vector index unavailable")
)

// Candidate is a nearest-neighbor hit: an item ID and its similarity to
// the query vector. Higher scores are more similar. Candidates are
// transient; they exist only between the index query and the metadata join.
type Candidate struct {
	ID    string
	Score float32
}

// Embedder generates vector embeddings from text.
//
// Embeddings are dense numerical representations that capture semantic
// meaning. EmbedDocuments preserves input order.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector index contract.
//
// Implementations:
//   - MemoryIndex: in-process brute-force scan, always exact
//   - ChromemIndex: embedded chromem-go with optional persistence
//   - PgvectorIndex: Postgres with the pgvector extension
type Index interface {
	// Upsert inserts or replaces the vector for id. Attrs are optional
	// exact-match attributes usable as a query pre-filter.
	Upsert(ctx context.Context, id string, vector []float32, attrs map[string]string) error

	// Delete removes the given IDs. Unknown IDs are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Query returns up to k candidates ordered by similarity descending.
	// attrFilter, when non-nil, restricts results to vectors whose attrs
	// contain every given key/value pair. Depending on the backend the
	// result may be approximate.
	Query(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error)

	// ExactQuery is the brute-force verification path: same contract as
	// Query but guaranteed exact. Test suites use it to measure the
	// approximate path's recall.
	ExactQuery(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error)

	// Has reports whether the index holds a vector for id.
	Has(ctx context.Context, id string) (bool, error)

	// Count returns the number of stored vectors.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// CosineSimilarity computes the cosine of the angle between a and b.
// Returns 0 for zero-norm inputs.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// matchesAttrs reports whether attrs contains every key/value in filter.
func matchesAttrs(attrs, filter map[string]string) bool {
	for k, v := range filter {
		if attrs[k] != v {
			return false
		}
	}
	return true
}
