// Package ingest writes items into the vector index and the metadata
// store, maintaining the cross-store referential-integrity invariant the
// retrieval engine relies on.
//
// Dual writes are ordered so a crash between them never leaves a vector
// without metadata: metadata lands first, the vector second, and a failed
// vector write rolls the metadata back. Since search only discovers items
// through the index, metadata-without-vector is invisible and gets swept
// by Reconcile.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/quiverhq/quiverd/internal/embeddings"
	"github.com/quiverhq/quiverd/internal/metastore"
	"github.com/quiverhq/quiverd/internal/vectorstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidItem indicates an item that cannot be indexed.
var ErrInvalidItem = errors.New("invalid item")

// batchConcurrency bounds parallel dual writes in IndexBatch.
const batchConcurrency = 8

// Item is one unit of content to index. Either Text or Vector must be
// set; when both are, Vector wins and Text is not re-embedded.
type Item struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata metastore.Metadata
}

// Indexer performs dual writes into both stores.
type Indexer struct {
	embedder embeddings.Provider
	index    vectorstore.Index
	meta     metastore.Store
	logger   *zap.Logger
}

// New creates an Indexer.
func New(embedder embeddings.Provider, index vectorstore.Index, meta metastore.Store, logger *zap.Logger) (*Indexer, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if index == nil {
		return nil, errors.New("vector index is required")
	}
	if meta == nil {
		return nil, errors.New("metadata store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{embedder: embedder, index: index, meta: meta, logger: logger}, nil
}

// IndexItem writes one item into both stores and returns its ID,
// generating one when the item has none.
func (x *Indexer) IndexItem(ctx context.Context, item Item) (string, error) {
	if item.Text == "" && len(item.Vector) == 0 {
		return "", fmt.Errorf("%w: either text or vector required", ErrInvalidItem)
	}

	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}

	vector := item.Vector
	if len(vector) == 0 {
		var err error
		vector, err = x.embedder.EmbedQuery(ctx, item.Text)
		if err != nil {
			return "", fmt.Errorf("embedding item: %w", err)
		}
	}

	if err := x.write(ctx, id, vector, item.Metadata); err != nil {
		return "", err
	}

	x.logger.Debug("item indexed", zap.String("id", id))
	return id, nil
}

// IndexBatch embeds all text items in one call, then writes the batch
// with bounded concurrency. Returned IDs preserve input order. The batch
// is not atomic: on error, already-written items stay indexed.
func (x *Indexer) IndexBatch(ctx context.Context, items []Item) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	// Collect texts needing embedding, batched for the provider.
	var (
		texts   []string
		textIdx []int
	)
	for i, item := range items {
		if item.Text == "" && len(item.Vector) == 0 {
			return nil, fmt.Errorf("%w: item %d has neither text nor vector", ErrInvalidItem, i)
		}
		if len(item.Vector) == 0 {
			texts = append(texts, item.Text)
			textIdx = append(textIdx, i)
		}
	}

	vectors := make([][]float32, len(items))
	for i, item := range items {
		vectors[i] = item.Vector
	}
	if len(texts) > 0 {
		embedded, err := x.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding batch: %w", err)
		}
		for j, i := range textIdx {
			vectors[i] = embedded[j]
		}
	}

	ids := make([]string, len(items))
	for i, item := range items {
		if item.ID == "" {
			ids[i] = uuid.NewString()
		} else {
			ids[i] = item.ID
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i := range items {
		g.Go(func() error {
			if err := x.write(gctx, ids[i], vectors[i], items[i].Metadata); err != nil {
				return fmt.Errorf("item %s: %w", ids[i], err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	x.logger.Info("batch indexed", zap.Int("count", len(items)))
	return ids, nil
}

// write performs the ordered dual write for one item.
func (x *Indexer) write(ctx context.Context, id string, vector []float32, md metastore.Metadata) error {
	if err := x.meta.Put(ctx, id, md); err != nil {
		return fmt.Errorf("storing metadata: %w", err)
	}

	if err := x.index.Upsert(ctx, id, vector, vectorAttrs(md)); err != nil {
		// Roll the metadata back so the item is visible in neither store.
		if rbErr := x.meta.Delete(ctx, id); rbErr != nil {
			x.logger.Error("metadata rollback failed, reconcile will sweep it",
				zap.String("id", id),
				zap.Error(rbErr),
			)
		}
		return fmt.Errorf("upserting vector: %w", err)
	}
	return nil
}

// DeleteItem removes an item from both stores. The vector goes first:
// a crash in between leaves orphan metadata, which search never sees and
// Reconcile cleans up.
func (x *Indexer) DeleteItem(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidItem)
	}
	if err := x.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting vector: %w", err)
	}
	if err := x.meta.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	x.logger.Debug("item deleted", zap.String("id", id))
	return nil
}

// vectorAttrs derives the index attribute filter fields from metadata.
// Only visibility is pushed down; everything else filters post-join.
func vectorAttrs(md metastore.Metadata) map[string]string {
	if md.Visibility == "" {
		return nil
	}
	return map[string]string{"visibility": md.Visibility}
}
