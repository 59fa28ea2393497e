package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/quiverhq/quiverd/internal/metastore"
	"github.com/quiverhq/quiverd/internal/rerank"
	"github.com/quiverhq/quiverd/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// stubEmbedder returns canned vectors per text, with optional delay and
// error injection.
type stubEmbedder struct {
	vectors map[string][]float32
	delay   time.Duration
	err     error
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	vec, ok := s.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no stub vector for %q", text)
	}
	return vec, nil
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// countingIndex records how many queries reached the index.
type countingIndex struct {
	vectorstore.Index
	queries int
}

func (c *countingIndex) Query(ctx context.Context, vec []float32, k int, f map[string]string) ([]vectorstore.Candidate, error) {
	c.queries++
	return c.Index.Query(ctx, vec, k, f)
}

// failingStore simulates a down metadata store.
type failingStore struct{}

func (failingStore) GetMany(context.Context, []string) (map[string]metastore.Metadata, error) {
	return nil, fmt.Errorf("%w: connection refused", metastore.ErrUnavailable)
}
func (failingStore) Put(context.Context, string, metastore.Metadata) error {
	return metastore.ErrUnavailable
}
func (failingStore) Delete(context.Context, string) error { return metastore.ErrUnavailable }
func (failingStore) IDs(context.Context) ([]string, error) {
	return nil, metastore.ErrUnavailable
}
func (failingStore) MatchIDs(context.Context, metastore.Filter) ([]string, error) {
	return nil, metastore.ErrUnavailable
}
func (failingStore) Close() error { return nil }

func newMemoryStore(t *testing.T) *metastore.SQLiteStore {
	t.Helper()
	store, err := metastore.NewSQLiteStore(context.Background(), metastore.SQLiteConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func ingest(t *testing.T, index vectorstore.Index, store metastore.Store, id string, vec []float32, md metastore.Metadata) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, id, md))
	attrs := map[string]string{}
	if md.Visibility != "" {
		attrs["visibility"] = md.Visibility
	}
	require.NoError(t, index.Upsert(ctx, id, vec, attrs))
}

func TestEngine_Search_RankedAndBounded(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(3, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	now := time.Now().UTC()
	ingest(t, index, store, "a", []float32{1, 0, 0}, metastore.Metadata{CreatedAt: now})
	ingest(t, index, store, "b", []float32{0.9, 0.1, 0}, metastore.Metadata{CreatedAt: now})
	ingest(t, index, store, "c", []float32{0, 1, 0}, metastore.Metadata{CreatedAt: now})
	ingest(t, index, store, "d", []float32{0, 0, 1}, metastore.Metadata{CreatedAt: now})

	embedder := &stubEmbedder{vectors: map[string][]float32{"query": {1, 0, 0}}}
	eng, err := New(embedder, index, store, nil, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := eng.Search(ctx, Query{Text: "query", K: 2})
	require.NoError(t, err)
	require.False(t, resp.Partial)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "a", resp.Results[0].ID)
	assert.Equal(t, "b", resp.Results[1].ID)
	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.Rank)
		if i > 0 {
			assert.LessOrEqual(t, r.Score, resp.Results[i-1].Score)
		}
	}
}

func TestEngine_Search_SelfRetrieval(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(4, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	vectors := map[string][]float32{
		"alpha": {1, 0, 0, 0},
		"beta":  {0, 1, 0, 0},
		"gamma": {0.5, 0.5, 0.7, 0},
	}
	now := time.Now().UTC()
	for id, vec := range vectors {
		ingest(t, index, store, id, vec, metastore.Metadata{CreatedAt: now})
	}

	embedder := &stubEmbedder{vectors: vectors}
	eng, err := New(embedder, index, store, nil, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Every item queried with its own text must rank first.
	for id := range vectors {
		resp, err := eng.Search(ctx, Query{Text: id, K: 1})
		require.NoError(t, err)
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, id, resp.Results[0].ID)
	}
}

func TestEngine_Search_DeletedNeverReturned(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	now := time.Now().UTC()
	ingest(t, index, store, "keep", []float32{1, 0}, metastore.Metadata{CreatedAt: now})
	ingest(t, index, store, "gone", []float32{0.99, 0.01}, metastore.Metadata{CreatedAt: now})

	require.NoError(t, index.Delete(ctx, "gone"))
	require.NoError(t, store.Delete(ctx, "gone"))

	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, err := New(embedder, index, store, nil, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := eng.Search(ctx, Query{Text: "q", K: 5})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, "gone", r.ID)
	}
}

func TestEngine_Search_IntegrityGapDroppedOnce(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	now := time.Now().UTC()
	ingest(t, index, store, "ok", []float32{1, 0}, metastore.Metadata{CreatedAt: now})
	ingest(t, index, store, "orphan", []float32{0.95, 0.05}, metastore.Metadata{CreatedAt: now})

	// Metadata deleted out-of-band: the vector stays behind.
	require.NoError(t, store.Delete(ctx, "orphan"))

	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, err := New(embedder, index, store, nil, Options{}, logger)
	require.NoError(t, err)

	resp, err := eng.Search(ctx, Query{Text: "q", K: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ok", resp.Results[0].ID)

	gapLogs := logs.FilterMessage("dropping candidate with missing metadata").All()
	require.Len(t, gapLogs, 1)
	assert.Equal(t, "orphan", gapLogs[0].ContextMap()["id"])
}

func TestEngine_Search_RetryLogsEachGapOnce(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	// 20 vectors, only 3 with metadata. K=4 with F=3, M=10 gives an
	// initial overfetch of 14 — the index returns its full ask, so the
	// engine retries at the 10x cap and sees the same gaps again.
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("item-%02d", i)
		vec := []float32{1, float32(i) * 0.01}
		require.NoError(t, index.Upsert(ctx, id, vec, nil))
		if i < 3 {
			require.NoError(t, store.Put(ctx, id, metastore.Metadata{CreatedAt: now}))
		}
	}

	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, err := New(embedder, index, store, nil, Options{}, logger)
	require.NoError(t, err)

	resp, err := eng.Search(ctx, Query{Text: "q", K: 4})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)

	gapLogs := logs.FilterMessage("dropping candidate with missing metadata").All()
	assert.Len(t, gapLogs, 17)

	seen := make(map[any]struct{})
	for _, entry := range gapLogs {
		id := entry.ContextMap()["id"]
		_, dup := seen[id]
		assert.False(t, dup, "gap %v logged more than once", id)
		seen[id] = struct{}{}
	}
}

func TestEngine_Search_EmbedTimeoutSkipsIndex(t *testing.T) {
	ctx := context.Background()
	inner, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	index := &countingIndex{Index: inner}
	store := newMemoryStore(t)

	embedder := &stubEmbedder{
		vectors: map[string][]float32{"q": {1, 0}},
		delay:   200 * time.Millisecond,
	}
	eng, err := New(embedder, index, store, nil, Options{
		EmbedTimeout: 20 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = eng.Search(ctx, Query{Text: "q", K: 1})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, index.queries, "index must not be queried after the embed stage timed out")
}

func TestEngine_Search_EmbeddingError(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	embedder := &stubEmbedder{err: fmt.Errorf("model exploded")}
	eng, err := New(embedder, index, store, nil, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = eng.Search(ctx, Query{Text: "q", K: 1})
	require.ErrorIs(t, err, ErrEmbedding)
}

func TestEngine_Search_MetadataUnavailable(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, index.Upsert(ctx, "a", []float32{1, 0}, nil))
	require.NoError(t, index.Upsert(ctx, "b", []float32{0.5, 0.5}, nil))

	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}

	t.Run("fails without partial results", func(t *testing.T) {
		eng, err := New(embedder, index, failingStore{}, nil, Options{}, zaptest.NewLogger(t))
		require.NoError(t, err)

		_, err = eng.Search(ctx, Query{Text: "q", K: 2})
		require.ErrorIs(t, err, ErrMetadataUnavailable)
	})

	t.Run("degrades with partial results", func(t *testing.T) {
		eng, err := New(embedder, index, failingStore{}, nil, Options{PartialResults: true}, zaptest.NewLogger(t))
		require.NoError(t, err)

		resp, err := eng.Search(ctx, Query{Text: "q", K: 2})
		require.NoError(t, err)
		assert.True(t, resp.Partial)
		require.Len(t, resp.Results, 2)
		assert.Equal(t, "a", resp.Results[0].ID)
		for _, r := range resp.Results {
			assert.Empty(t, r.Metadata.Owner)
			assert.Nil(t, r.Metadata.Tags)
		}
	})
}

func TestEngine_Search_ToyCorpus(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(3, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	// Toy embedding space where textual similarity tracks vector
	// closeness: cat and feline are near, dog is nearer than car.
	vectors := map[string][]float32{
		"cat":    {1, 0.1, 0},
		"dog":    {0.6, 0.8, 0},
		"car":    {0, 0.1, 1},
		"feline": {0.98, 0.15, 0.02},
	}
	now := time.Now().UTC()
	ingest(t, index, store, "A", vectors["cat"], metastore.Metadata{CreatedAt: now})
	ingest(t, index, store, "B", vectors["dog"], metastore.Metadata{CreatedAt: now})
	ingest(t, index, store, "C", vectors["car"], metastore.Metadata{CreatedAt: now})

	embedder := &stubEmbedder{vectors: vectors}
	eng, err := New(embedder, index, store, nil, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := eng.Search(ctx, Query{Text: "feline", K: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "A", resp.Results[0].ID)
	assert.Contains(t, []string{"B", "C"}, resp.Results[1].ID)
}

func TestEngine_Search_TieBreakDeterministic(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	now := time.Now().UTC()
	// Identical vectors: scores tie exactly, order must fall back to ID.
	for _, id := range []string{"zulu", "alpha", "mike"} {
		ingest(t, index, store, id, []float32{1, 0}, metastore.Metadata{CreatedAt: now})
	}

	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, err := New(embedder, index, store, nil, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		resp, err := eng.Search(ctx, Query{Text: "q", K: 3})
		require.NoError(t, err)
		require.Len(t, resp.Results, 3)
		assert.Equal(t, "alpha", resp.Results[0].ID)
		assert.Equal(t, "mike", resp.Results[1].ID)
		assert.Equal(t, "zulu", resp.Results[2].ID)
	}
}

func TestEngine_Search_Filters(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ingest(t, index, store, "pub-old", []float32{1, 0}, metastore.Metadata{
		Tags: []string{"go"}, CreatedAt: base, Visibility: "public",
	})
	ingest(t, index, store, "pub-new", []float32{0.95, 0.05}, metastore.Metadata{
		Tags: []string{"go"}, CreatedAt: base.AddDate(0, 6, 0), Visibility: "public",
	})
	ingest(t, index, store, "priv-new", []float32{0.9, 0.1}, metastore.Metadata{
		Tags: []string{"ml"}, CreatedAt: base.AddDate(0, 6, 0), Visibility: "private",
	})

	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, err := New(embedder, index, store, nil, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Run("visibility filter", func(t *testing.T) {
		resp, err := eng.Search(ctx, Query{Text: "q", K: 5, Filter: metastore.Filter{
			Visibilities: []string{"private"},
		}})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "priv-new", resp.Results[0].ID)
	})

	t.Run("tag and time filter", func(t *testing.T) {
		resp, err := eng.Search(ctx, Query{Text: "q", K: 5, Filter: metastore.Filter{
			Tags:  []string{"go"},
			After: base.AddDate(0, 3, 0),
		}})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "pub-new", resp.Results[0].ID)
	})
}

func TestEngine_Search_MinScore(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	now := time.Now().UTC()
	ingest(t, index, store, "close", []float32{1, 0}, metastore.Metadata{CreatedAt: now})
	ingest(t, index, store, "far", []float32{0, 1}, metastore.Metadata{CreatedAt: now})

	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	eng, err := New(embedder, index, store, nil, Options{MinScore: 0.5}, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := eng.Search(ctx, Query{Text: "q", K: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "close", resp.Results[0].ID)
}

func TestEngine_Search_RecencyPolicyReorders(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	now := time.Now().UTC()
	// Slightly more similar but two years old vs slightly less similar
	// but fresh: a strong recency weight flips the order.
	ingest(t, index, store, "stale", []float32{1, 0}, metastore.Metadata{
		CreatedAt: now.AddDate(-2, 0, 0),
	})
	ingest(t, index, store, "fresh", []float32{0.98, 0.05}, metastore.Metadata{
		CreatedAt: now,
	})

	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0}}}
	policy := rerank.RecencyBoosted{HalfLife: 90 * 24 * time.Hour, Weight: 0.4}
	eng, err := New(embedder, index, store, policy, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := eng.Search(ctx, Query{Text: "q", K: 2})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "fresh", resp.Results[0].ID)
	assert.Equal(t, "stale", resp.Results[1].ID)
}

func TestEngine_Search_InvalidQuery(t *testing.T) {
	ctx := context.Background()
	index, err := vectorstore.NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)
	store := newMemoryStore(t)

	embedder := &stubEmbedder{vectors: map[string][]float32{}}
	eng, err := New(embedder, index, store, nil, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = eng.Search(ctx, Query{Text: "", K: 1})
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = eng.Search(ctx, Query{Text: "q", K: 0})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestNew_Validation(t *testing.T) {
	index, err := vectorstore.NewMemoryIndex(2, nil)
	require.NoError(t, err)
	store := newMemoryStore(t)
	embedder := &stubEmbedder{}

	_, err = New(nil, index, store, nil, Options{}, nil)
	require.Error(t, err)
	_, err = New(embedder, nil, store, nil, Options{}, nil)
	require.Error(t, err)
	_, err = New(embedder, index, nil, nil, Options{}, nil)
	require.Error(t, err)

	eng, err := New(embedder, index, store, nil, Options{}, nil)
	require.NoError(t, err)
	require.NotNil(t, eng)
}
