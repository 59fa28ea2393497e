package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryIndex is an in-process brute-force index. Every query scans all
// vectors, so results are always exact. It doubles as the verification
// baseline for recall measurements and as the test backend.
//
// Reads take a shared lock scoped to the whole scan; writes lock briefly
// per operation. A query that overlaps a write sees either the old or the
// new state of each item, never a torn vector.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	vectors   map[string]memoryEntry
	logger    *zap.Logger
}

type memoryEntry struct {
	vector []float32
	attrs  map[string]string
}

// NewMemoryIndex creates a MemoryIndex for vectors of the given dimension.
func NewMemoryIndex(dimension int, logger *zap.Logger) (*MemoryIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryIndex{
		dimension: dimension,
		vectors:   make(map[string]memoryEntry),
		logger:    logger,
	}, nil
}

// Upsert inserts or replaces the vector for id.
func (m *MemoryIndex) Upsert(ctx context.Context, id string, vector []float32, attrs map[string]string) error {
	if id == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidConfig)
	}
	if len(vector) != m.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), m.dimension)
	}

	// Copy so the caller can reuse its buffers.
	vec := make([]float32, len(vector))
	copy(vec, vector)
	var attrCopy map[string]string
	if len(attrs) > 0 {
		attrCopy = make(map[string]string, len(attrs))
		for k, v := range attrs {
			attrCopy[k] = v
		}
	}

	m.mu.Lock()
	m.vectors[id] = memoryEntry{vector: vec, attrs: attrCopy}
	m.mu.Unlock()
	return nil
}

// Delete removes the given IDs. Unknown IDs are ignored.
func (m *MemoryIndex) Delete(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.vectors, id)
	}
	m.mu.Unlock()
	return nil
}

// Query scans all vectors and returns the top k by cosine similarity,
// ties broken by ID ascending for determinism.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error) {
	start := time.Now()
	candidates, err := m.scan(ctx, vector, k, attrFilter)
	observeQuery("memory", start, err)
	return candidates, err
}

// ExactQuery is identical to Query: a brute-force scan is already exact.
func (m *MemoryIndex) ExactQuery(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error) {
	return m.scan(ctx, vector, k, attrFilter)
}

func (m *MemoryIndex) scan(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, k)
	}
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), m.dimension)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	candidates := make([]Candidate, 0, len(m.vectors))
	for id, entry := range m.vectors {
		if attrFilter != nil && !matchesAttrs(entry.attrs, attrFilter) {
			continue
		}
		candidates = append(candidates, Candidate{ID: id, Score: CosineSimilarity(vector, entry.vector)})
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Has reports whether the index holds a vector for id.
func (m *MemoryIndex) Has(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	_, ok := m.vectors[id]
	m.mu.RUnlock()
	return ok, nil
}

// Count returns the number of stored vectors.
func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	n := len(m.vectors)
	m.mu.RUnlock()
	return n, nil
}

// Close is a no-op for the in-memory index.
func (m *MemoryIndex) Close() error {
	return nil
}

var _ Index = (*MemoryIndex)(nil)
