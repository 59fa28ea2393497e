// Package config provides configuration loading for quiverd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. Every retrieval knob (over-fetch factor, timeout budgets,
// re-rank policy, partial-result policy) is surfaced here so deployments
// never have to patch code to tune ranking behavior.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete quiverd configuration.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Index      IndexConfig      `koanf:"index"`
	Metastore  MetastoreConfig  `koanf:"metastore"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is the encoder format: json or console.
	Format string `koanf:"format"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider is the provider type: fastembed, tei, or static.
	Provider string `koanf:"provider"`
	// Model is the embedding model name and version.
	// Changing the model invalidates all stored vectors.
	Model string `koanf:"model"`
	// BaseURL is the inference server URL (TEI provider only).
	BaseURL string `koanf:"base_url"`
	// APIKey is the inference server API key (optional).
	APIKey Secret `koanf:"api_key"`
	// CacheDir is the model cache directory (FastEmbed provider only).
	CacheDir string `koanf:"cache_dir"`
	// Dimension is the embedding dimension. Must match the model's output
	// and the index's vector size.
	Dimension int `koanf:"dimension"`
}

// IndexConfig holds vector index configuration.
type IndexConfig struct {
	// Backend is the index backend: chromem, pgvector, or memory.
	Backend string `koanf:"backend"`
	// Path is the persistence directory (chromem backend).
	// Empty means in-memory only.
	Path string `koanf:"path"`
	// Collection is the collection name (chromem) or table name (pgvector).
	Collection string `koanf:"collection"`
	// DSN is the Postgres connection string (pgvector backend).
	DSN Secret `koanf:"dsn"`
	// Compress enables gzip compression for persisted data (chromem backend).
	Compress bool `koanf:"compress"`
}

// MetastoreConfig holds metadata store configuration.
type MetastoreConfig struct {
	// Backend is the store backend: sqlite or postgres.
	Backend string `koanf:"backend"`
	// Path is the database file path (sqlite backend).
	// Empty means an in-memory database.
	Path string `koanf:"path"`
	// DSN is the Postgres connection string (postgres backend).
	DSN Secret `koanf:"dsn"`
}

// RetrievalConfig holds retrieval engine configuration.
type RetrievalConfig struct {
	// OverfetchFactor multiplies K to size the candidate fetch,
	// anticipating post-filter losses.
	OverfetchFactor int `koanf:"overfetch_factor"`
	// OverfetchMargin is the additive floor on over-fetch: the engine
	// fetches max(K*factor, K+margin) candidates.
	OverfetchMargin int `koanf:"overfetch_margin"`
	// MaxOverfetchFactor caps the retry fetch at K*max. One retry only.
	MaxOverfetchFactor int `koanf:"max_overfetch_factor"`
	// PartialResults degrades to vector-only results when the metadata
	// store is unavailable instead of failing the request.
	PartialResults bool `koanf:"partial_results"`
	// MinScore drops results scoring below the threshold after re-ranking.
	// Zero disables the cut.
	MinScore float64 `koanf:"min_score"`
	// Rerank selects and parameterizes the re-ranking policy.
	Rerank RerankConfig `koanf:"rerank"`
	// Timeouts are the per-stage deadline budgets.
	Timeouts TimeoutConfig `koanf:"timeouts"`
}

// RerankConfig selects a re-ranking policy.
//
// Policies form a small closed set so ranking stays explicit and testable:
//   - pure_similarity: rank by vector similarity alone
//   - recency_boosted: blend similarity with an exponential age decay
//   - tag_weighted: additive boosts for configured tags
type RerankConfig struct {
	Policy string `koanf:"policy"`
	// HalfLife is the age at which the recency factor halves
	// (recency_boosted only).
	HalfLife Duration `koanf:"half_life"`
	// Weight is the share of the final score taken by the recency factor,
	// in [0, 1) (recency_boosted only).
	Weight float64 `koanf:"weight"`
	// TagWeights maps tag names to additive score boosts (tag_weighted only).
	TagWeights map[string]float64 `koanf:"tag_weights"`
}

// TimeoutConfig holds per-stage deadline budgets. Each stage gets the
// smaller of its budget and the time remaining on the request context.
type TimeoutConfig struct {
	Embed    Duration `koanf:"embed"`
	Index    Duration `koanf:"index"`
	Metadata Duration `koanf:"metadata"`
}

// applyDefaults fills in defaults for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384
	}

	if cfg.Index.Backend == "" {
		cfg.Index.Backend = "chromem"
	}
	if cfg.Index.Collection == "" {
		cfg.Index.Collection = "quiverd_items"
	}

	if cfg.Metastore.Backend == "" {
		cfg.Metastore.Backend = "sqlite"
	}

	r := &cfg.Retrieval
	if r.OverfetchFactor == 0 {
		r.OverfetchFactor = 3
	}
	if r.OverfetchMargin == 0 {
		r.OverfetchMargin = 10
	}
	if r.MaxOverfetchFactor == 0 {
		r.MaxOverfetchFactor = 10
	}
	if r.Rerank.Policy == "" {
		r.Rerank.Policy = "pure_similarity"
	}
	if r.Rerank.HalfLife == 0 {
		r.Rerank.HalfLife = Duration(180 * 24 * time.Hour)
	}
	if r.Rerank.Weight == 0 {
		r.Rerank.Weight = 0.2
	}
	if r.Timeouts.Embed == 0 {
		r.Timeouts.Embed = Duration(5 * time.Second)
	}
	if r.Timeouts.Index == 0 {
		r.Timeouts.Index = Duration(2 * time.Second)
	}
	if r.Timeouts.Metadata == 0 {
		r.Timeouts.Metadata = Duration(2 * time.Second)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console, got %q", c.Logging.Format)
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei", "static":
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embeddings.Dimension)
	}

	switch c.Index.Backend {
	case "chromem", "memory":
	case "pgvector":
		if !c.Index.DSN.IsSet() {
			return fmt.Errorf("index dsn required for pgvector backend")
		}
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}

	switch c.Metastore.Backend {
	case "sqlite":
	case "postgres":
		if !c.Metastore.DSN.IsSet() {
			return fmt.Errorf("metastore dsn required for postgres backend")
		}
	default:
		return fmt.Errorf("unknown metastore backend %q", c.Metastore.Backend)
	}

	r := c.Retrieval
	if r.OverfetchFactor < 1 {
		return fmt.Errorf("overfetch factor must be >= 1, got %d", r.OverfetchFactor)
	}
	if r.OverfetchMargin < 0 {
		return fmt.Errorf("overfetch margin must be >= 0, got %d", r.OverfetchMargin)
	}
	if r.MaxOverfetchFactor < r.OverfetchFactor {
		return fmt.Errorf("max overfetch factor %d must be >= overfetch factor %d",
			r.MaxOverfetchFactor, r.OverfetchFactor)
	}
	if r.MinScore < 0 || r.MinScore > 1 {
		return fmt.Errorf("min score must be in [0, 1], got %v", r.MinScore)
	}

	switch r.Rerank.Policy {
	case "pure_similarity", "tag_weighted":
	case "recency_boosted":
		if r.Rerank.HalfLife.Duration() <= 0 {
			return fmt.Errorf("recency half-life must be positive")
		}
		if r.Rerank.Weight < 0 || r.Rerank.Weight >= 1 {
			return fmt.Errorf("recency weight must be in [0, 1), got %v", r.Rerank.Weight)
		}
	default:
		return fmt.Errorf("unknown rerank policy %q", r.Rerank.Policy)
	}

	for name, d := range map[string]Duration{
		"embed":    r.Timeouts.Embed,
		"index":    r.Timeouts.Index,
		"metadata": r.Timeouts.Metadata,
	} {
		if d.Duration() <= 0 {
			return fmt.Errorf("%s timeout must be positive", name)
		}
	}

	return nil
}
