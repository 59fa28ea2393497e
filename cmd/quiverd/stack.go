package main

import (
	"context"
	"fmt"

	"github.com/quiverhq/quiverd/internal/config"
	"github.com/quiverhq/quiverd/internal/embeddings"
	"github.com/quiverhq/quiverd/internal/engine"
	"github.com/quiverhq/quiverd/internal/ingest"
	"github.com/quiverhq/quiverd/internal/metastore"
	"github.com/quiverhq/quiverd/internal/rerank"
	"github.com/quiverhq/quiverd/internal/vectorstore"
	"go.uber.org/zap"
)

// stack bundles the wired components behind one Close.
type stack struct {
	embedder embeddings.Provider
	index    vectorstore.Index
	meta     metastore.Store
	engine   *engine.Engine
	indexer  *ingest.Indexer
	logger   *zap.Logger
}

// buildStack wires the configured backends into a ready engine and
// indexer. Callers must Close the stack when done.
func buildStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stack, error) {
	embedder, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		CacheDir:  cfg.Embeddings.CacheDir,
		Dimension: cfg.Embeddings.Dimension,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	index, err := buildIndex(ctx, cfg, logger)
	if err != nil {
		embedder.Close()
		return nil, err
	}

	meta, err := buildMetastore(ctx, cfg, logger)
	if err != nil {
		embedder.Close()
		index.Close()
		return nil, err
	}

	policy, err := rerank.FromConfig(cfg.Retrieval.Rerank)
	if err != nil {
		embedder.Close()
		index.Close()
		meta.Close()
		return nil, fmt.Errorf("creating rerank policy: %w", err)
	}

	eng, err := engine.New(embedder, index, meta, policy, engine.OptionsFromConfig(cfg.Retrieval), logger)
	if err != nil {
		embedder.Close()
		index.Close()
		meta.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	indexer, err := ingest.New(embedder, index, meta, logger)
	if err != nil {
		embedder.Close()
		index.Close()
		meta.Close()
		return nil, fmt.Errorf("creating indexer: %w", err)
	}

	return &stack{
		embedder: embedder,
		index:    index,
		meta:     meta,
		engine:   eng,
		indexer:  indexer,
		logger:   logger,
	}, nil
}

func buildIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger) (vectorstore.Index, error) {
	switch cfg.Index.Backend {
	case "chromem":
		return vectorstore.NewChromemIndex(vectorstore.ChromemConfig{
			Path:       cfg.Index.Path,
			Collection: cfg.Index.Collection,
			Compress:   cfg.Index.Compress,
			VectorSize: cfg.Embeddings.Dimension,
		}, logger)
	case "pgvector":
		return vectorstore.NewPgvectorIndex(ctx, vectorstore.PgvectorConfig{
			DSN:        cfg.Index.DSN.Value(),
			Table:      cfg.Index.Collection,
			VectorSize: cfg.Embeddings.Dimension,
		}, logger)
	case "memory":
		return vectorstore.NewMemoryIndex(cfg.Embeddings.Dimension, logger)
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

func buildMetastore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (metastore.Store, error) {
	switch cfg.Metastore.Backend {
	case "sqlite":
		return metastore.NewSQLiteStore(ctx, metastore.SQLiteConfig{
			Path: cfg.Metastore.Path,
		}, logger)
	case "postgres":
		return metastore.NewPostgresStore(ctx, metastore.PostgresConfig{
			DSN: cfg.Metastore.DSN.Value(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown metastore backend %q", cfg.Metastore.Backend)
	}
}

// Close releases every component; the last error wins.
func (s *stack) Close() error {
	var err error
	if e := s.embedder.Close(); e != nil {
		err = e
	}
	if e := s.index.Close(); e != nil {
		err = e
	}
	if e := s.meta.Close(); e != nil {
		err = e
	}
	return err
}
