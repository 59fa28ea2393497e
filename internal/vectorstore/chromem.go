package vectorstore

import (
	"context"
	"fmt"
	"os"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("quiverd.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means in-memory.
	Path string

	// Collection is the collection name.
	// Default: "quiverd_items"
	Collection string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	// Must match the embedder's output dimension.
	// Default: 384
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "quiverd_items"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemIndex implements Index on chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies: pure Go, no external service, optional persistence to gob
// files. Its search is a full scan, so Query and ExactQuery coincide.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemIndex creates a ChromemIndex with the given configuration.
func NewChromemIndex(config ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	// The embedding func must be non-nil or chromem-go falls back to its
	// OpenAI default for persisted collections. Vectors always arrive
	// precomputed, so the func only guards against accidental use.
	collection, err := db.GetOrCreateCollection(config.Collection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", config.Collection, err)
	}

	logger.Info("chromem index initialized",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection),
		zap.Int("vector_size", config.VectorSize),
		zap.Bool("compress", config.Compress),
	)

	return &ChromemIndex{
		db:         db,
		collection: collection,
		config:     config,
		logger:     logger,
	}, nil
}

// rejectEmbedding is the collection's embedding func. The index only
// accepts precomputed vectors.
func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("chromem index stores precomputed vectors only")
}

// Upsert inserts or replaces the vector for id.
func (c *ChromemIndex) Upsert(ctx context.Context, id string, vector []float32, attrs map[string]string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	if id == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidConfig)
	}
	if len(vector) != c.config.VectorSize {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), c.config.VectorSize)
	}

	// chromem has no replace; drop any prior document for the ID first.
	// A missing ID is not an error worth surfacing here.
	_ = c.collection.Delete(ctx, nil, nil, id)

	doc := chromem.Document{
		ID:        id,
		Metadata:  attrs,
		Embedding: vector,
	}
	if err := c.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document %s: %w", id, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete removes the given IDs. Unknown IDs are ignored.
func (c *ChromemIndex) Delete(ctx context.Context, ids ...string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Delete")
	defer span.End()
	span.SetAttributes(attribute.Int("id_count", len(ids)))

	if len(ids) == 0 {
		return nil
	}

	for _, id := range ids {
		if err := c.collection.Delete(ctx, nil, nil, id); err != nil {
			// chromem errors on unknown IDs; deletion is idempotent here.
			c.logger.Debug("delete skipped",
				zap.String("id", id),
				zap.Error(err),
			)
		}
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query returns up to k candidates ordered by similarity descending.
func (c *ChromemIndex) Query(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error) {
	start := time.Now()
	candidates, err := c.query(ctx, vector, k, attrFilter)
	observeQuery("chromem", start, err)
	return candidates, err
}

// ExactQuery is identical to Query: chromem-go always scans exhaustively.
func (c *ChromemIndex) ExactQuery(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error) {
	return c.query(ctx, vector, k, attrFilter)
}

func (c *ChromemIndex) query(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, k)
	}
	if len(vector) != c.config.VectorSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), c.config.VectorSize)
	}

	// chromem requires nResults <= document count.
	docCount := c.collection.Count()
	if docCount == 0 {
		return []Candidate{}, nil
	}
	if k > docCount {
		k = docCount
	}

	results, err := c.collection.QueryEmbedding(ctx, vector, k, attrFilter, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", c.config.Collection, err)
	}

	candidates := make([]Candidate, len(results))
	for i, r := range results {
		candidates[i] = Candidate{ID: r.ID, Score: r.Similarity}
	}

	span.SetAttributes(attribute.Int("results_count", len(candidates)))
	span.SetStatus(codes.Ok, "success")
	return candidates, nil
}

// Has reports whether the index holds a vector for id.
func (c *ChromemIndex) Has(ctx context.Context, id string) (bool, error) {
	_, err := c.collection.GetByID(ctx, id)
	return err == nil, nil
}

// Count returns the number of stored vectors.
func (c *ChromemIndex) Count(ctx context.Context) (int, error) {
	return c.collection.Count(), nil
}

// Close closes the index. chromem-go persists incrementally, so there is
// nothing to flush.
func (c *ChromemIndex) Close() error {
	c.logger.Info("chromem index closed")
	return nil
}

var _ Index = (*ChromemIndex)(nil)
