package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewMemoryIndex(t *testing.T) {
	t.Run("valid dimension", func(t *testing.T) {
		idx, err := NewMemoryIndex(4, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NotNil(t, idx)
	})

	t.Run("invalid dimension", func(t *testing.T) {
		_, err := NewMemoryIndex(0, nil)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestMemoryIndex_Upsert(t *testing.T) {
	ctx := context.Background()
	idx, err := NewMemoryIndex(3, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Run("insert and count", func(t *testing.T) {
		require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0, 0}, nil))
		require.NoError(t, idx.Upsert(ctx, "b", []float32{0, 1, 0}, nil))

		n, err := idx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("replace does not grow count", func(t *testing.T) {
		require.NoError(t, idx.Upsert(ctx, "a", []float32{0, 0, 1}, nil))

		n, err := idx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// The replaced vector must win the query.
		results, err := idx.Query(ctx, []float32{0, 0, 1}, 1, nil)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "a", results[0].ID)
	})

	t.Run("empty id", func(t *testing.T) {
		err := idx.Upsert(ctx, "", []float32{1, 0, 0}, nil)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		err := idx.Upsert(ctx, "c", []float32{1, 0}, nil)
		require.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("caller buffer reuse is safe", func(t *testing.T) {
		vec := []float32{1, 0, 0}
		require.NoError(t, idx.Upsert(ctx, "d", vec, nil))
		vec[0] = -1

		results, err := idx.Query(ctx, []float32{1, 0, 0}, 4, nil)
		require.NoError(t, err)
		for _, c := range results {
			if c.ID == "d" {
				assert.InDelta(t, 1.0, float64(c.Score), 1e-6)
			}
		}
	})
}

func TestMemoryIndex_Query(t *testing.T) {
	ctx := context.Background()
	idx, err := NewMemoryIndex(3, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "x", []float32{1, 0, 0}, map[string]string{"kind": "doc"}))
	require.NoError(t, idx.Upsert(ctx, "y", []float32{0.9, 0.1, 0}, map[string]string{"kind": "note"}))
	require.NoError(t, idx.Upsert(ctx, "z", []float32{0, 0, 1}, map[string]string{"kind": "doc"}))

	t.Run("ordered by similarity descending", func(t *testing.T) {
		results, err := idx.Query(ctx, []float32{1, 0, 0}, 3, nil)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "x", results[0].ID)
		assert.Equal(t, "y", results[1].ID)
		assert.Equal(t, "z", results[2].ID)
		for i := 1; i < len(results); i++ {
			assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
		}
	})

	t.Run("truncates to k", func(t *testing.T) {
		results, err := idx.Query(ctx, []float32{1, 0, 0}, 2, nil)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("attr filter", func(t *testing.T) {
		results, err := idx.Query(ctx, []float32{1, 0, 0}, 3, map[string]string{"kind": "doc"})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "x", results[0].ID)
		assert.Equal(t, "z", results[1].ID)
	})

	t.Run("ties break by id ascending", func(t *testing.T) {
		tieIdx, err := NewMemoryIndex(2, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NoError(t, tieIdx.Upsert(ctx, "bbb", []float32{1, 0}, nil))
		require.NoError(t, tieIdx.Upsert(ctx, "aaa", []float32{1, 0}, nil))

		results, err := tieIdx.Query(ctx, []float32{1, 0}, 2, nil)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "aaa", results[0].ID)
		assert.Equal(t, "bbb", results[1].ID)
	})

	t.Run("invalid k", func(t *testing.T) {
		_, err := idx.Query(ctx, []float32{1, 0, 0}, 0, nil)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := idx.Query(ctx, []float32{1, 0}, 1, nil)
		require.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("canceled context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := idx.Query(canceled, []float32{1, 0, 0}, 1, nil)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryIndex_Delete(t *testing.T) {
	ctx := context.Background()
	idx, err := NewMemoryIndex(2, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0}, nil))
	require.NoError(t, idx.Upsert(ctx, "b", []float32{0, 1}, nil))

	require.NoError(t, idx.Delete(ctx, "a", "missing"))

	has, err := idx.Has(ctx, "a")
	require.NoError(t, err)
	assert.False(t, has)

	has, err = idx.Has(ctx, "b")
	require.NoError(t, err)
	assert.True(t, has)

	// A deleted ID never appears in query results.
	results, err := idx.Query(ctx, []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0.0},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			assert.InDelta(t, tt.want, float64(got), 1e-6)
		})
	}
}
