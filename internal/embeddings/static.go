package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// StaticProvider is a deterministic, model-free embedder for tests and
// development. Each whitespace token hashes to a handful of vector
// positions, so texts sharing tokens land closer together than texts
// sharing none. It is not a semantic model; it only guarantees
// determinism and non-degenerate geometry.
type StaticProvider struct {
	dimension int
}

// NewStaticProvider creates a StaticProvider with the given dimension.
func NewStaticProvider(dimension int) (*StaticProvider, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dimension)
	}
	return &StaticProvider{dimension: dimension}, nil
}

// EmbedDocuments generates embeddings for multiple texts, preserving
// input order.
func (p *StaticProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if text == "" {
			return nil, fmt.Errorf("%w: text %d is empty", ErrEmptyInput, i)
		}
		vectors[i] = p.embed(text)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *StaticProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	return p.embed(text), nil
}

func (p *StaticProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		seed := h.Sum64()
		// Three positions per token keeps vectors sparse but overlapping.
		for j := 0; j < 3; j++ {
			pos := int((seed >> (j * 16)) % uint64(p.dimension))
			sign := float32(1)
			if (seed>>(j*16+8))&1 == 1 {
				sign = -1
			}
			vec[pos] += sign
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Degenerate input (e.g. whitespace only); pin to a fixed axis.
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Dimension returns the configured embedding dimension.
func (p *StaticProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op.
func (p *StaticProvider) Close() error {
	return nil
}
