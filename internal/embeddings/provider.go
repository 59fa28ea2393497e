package embeddings

import (
	"fmt"
	"strings"
	"time"

	"github.com/quiverhq/quiverd/internal/vectorstore"
	"go.uber.org/zap"
)

// Provider is the embedding provider contract.
type Provider interface {
	vectorstore.Embedder
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is the provider type: "fastembed", "tei", or "static".
	Provider string
	// Model is the embedding model name.
	Model string
	// BaseURL is the TEI server URL (tei only).
	BaseURL string
	// APIKey is the bearer token for TEI gateways (tei only, optional).
	APIKey string
	// CacheDir is the model cache directory (fastembed only).
	CacheDir string
	// Dimension is the vector dimension (static only; detected from the
	// model name otherwise).
	Dimension int
	// Timeout bounds TEI requests (tei only).
	Timeout time.Duration
}

// NewProvider creates an embedding provider from the configuration.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "fastembed", "":
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "tei":
		svc, err := NewService(ServiceConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		dim := cfg.Dimension
		if dim == 0 {
			dim = detectDimension(cfg.Model)
		}
		return &teiProvider{Service: svc, dimension: dim}, nil
	case "static":
		dim := cfg.Dimension
		if dim == 0 {
			dim = 384
		}
		return NewStaticProvider(dim)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// detectDimension returns the embedding dimension for a model name,
// falling back to 384 for unknown small models.
func detectDimension(model string) int {
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	switch {
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	default:
		return 384
	}
}

// teiProvider wraps Service to satisfy Provider.
type teiProvider struct {
	*Service
	dimension int
}

func (t *teiProvider) Dimension() int {
	return t.dimension
}

// Close is a no-op; TEI is a remote service.
func (t *teiProvider) Close() error {
	return nil
}
