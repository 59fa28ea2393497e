package vectorstore

import (
	"context"
	"fmt"
)

// RecallAtK measures the fraction of exact top-k neighbors that the
// approximate Query path also returns, averaged over the given query
// vectors. A score of 1.0 means Query matched ExactQuery on every query.
//
// Backends whose Query is already exact trivially score 1.0; the
// measurement matters for approximate backends like pgvector's ivfflat.
func RecallAtK(ctx context.Context, index Index, queries [][]float32, k int) (float64, error) {
	if k <= 0 {
		return 0, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, k)
	}
	if len(queries) == 0 {
		return 0, fmt.Errorf("%w: at least one query vector required", ErrInvalidConfig)
	}

	var hits, total int
	for _, q := range queries {
		exact, err := index.ExactQuery(ctx, q, k, nil)
		if err != nil {
			return 0, fmt.Errorf("exact query: %w", err)
		}
		if len(exact) == 0 {
			continue
		}

		approx, err := index.Query(ctx, q, k, nil)
		if err != nil {
			return 0, fmt.Errorf("approximate query: %w", err)
		}

		got := make(map[string]struct{}, len(approx))
		for _, c := range approx {
			got[c.ID] = struct{}{}
		}
		for _, c := range exact {
			if _, ok := got[c.ID]; ok {
				hits++
			}
		}
		total += len(exact)
	}

	if total == 0 {
		return 0, fmt.Errorf("%w: no exact neighbors found for any query", ErrInvalidConfig)
	}
	return float64(hits) / float64(total), nil
}
