package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

var pgTablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PgvectorConfig holds configuration for the pgvector-backed index.
type PgvectorConfig struct {
	// DSN is the Postgres connection string.
	DSN string

	// Table is the vector table name. Default: "quiverd_vectors".
	Table string

	// VectorSize is the embedding dimension, fixed at table creation.
	// Default: 384
	VectorSize int

	// Lists is the ivfflat cluster count. Default: 100.
	Lists int
}

// ApplyDefaults sets default values for unset fields.
func (c *PgvectorConfig) ApplyDefaults() {
	if c.Table == "" {
		c.Table = "quiverd_vectors"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.Lists == 0 {
		c.Lists = 100
	}
}

// Validate validates the configuration.
func (c *PgvectorConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: dsn is required", ErrInvalidConfig)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if !pgTablePattern.MatchString(c.Table) {
		return fmt.Errorf("%w: invalid table name %q", ErrInvalidConfig, c.Table)
	}
	return nil
}

// PgvectorIndex implements Index on Postgres with the pgvector extension.
//
// Query uses the ivfflat index (approximate); ExactQuery disables index
// scans inside a transaction to force a sequential scan, which pgvector
// guarantees to be exact.
type PgvectorIndex struct {
	db     *sql.DB
	config PgvectorConfig
	logger *zap.Logger
}

// NewPgvectorIndex opens the Postgres connection and ensures the vector
// table and ivfflat index exist.
func NewPgvectorIndex(ctx context.Context, config PgvectorConfig, logger *zap.Logger) (*PgvectorIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(15 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	idx := &PgvectorIndex{db: db, config: config, logger: logger}
	if err := idx.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("pgvector index initialized",
		zap.String("table", config.Table),
		zap.Int("vector_size", config.VectorSize),
	)
	return idx, nil
}

// migrate creates the extension, table, and ivfflat index if absent.
// Table names are validated against pgTablePattern, so interpolation here
// is safe.
func (p *PgvectorIndex) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			attrs JSONB NOT NULL DEFAULT '{}'::jsonb
		)`, p.config.Table, p.config.VectorSize),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`,
			p.config.Table, p.config.Table, p.config.Lists),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating vector table: %w", err)
		}
	}
	return nil
}

// Upsert inserts or replaces the vector for id.
func (p *PgvectorIndex) Upsert(ctx context.Context, id string, vector []float32, attrs map[string]string) error {
	if id == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidConfig)
	}
	if len(vector) != p.config.VectorSize {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), p.config.VectorSize)
	}

	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshaling attrs: %w", err)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, attrs)
		VALUES ($1, $2, $3)
		ON CONFLICT (id)
		DO UPDATE SET embedding = EXCLUDED.embedding, attrs = EXCLUDED.attrs`,
		p.config.Table)

	if _, err := p.db.ExecContext(ctx, stmt, id, pgvector.NewVector(vector), attrsJSON); err != nil {
		return fmt.Errorf("%w: upserting vector: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes the given IDs. Unknown IDs are ignored.
func (p *PgvectorIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, p.config.Table)
	if _, err := p.db.ExecContext(ctx, stmt, pq.Array(ids)); err != nil {
		return fmt.Errorf("%w: deleting vectors: %v", ErrUnavailable, err)
	}
	return nil
}

// Query returns up to k candidates via the ivfflat index (approximate).
func (p *PgvectorIndex) Query(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error) {
	start := time.Now()
	candidates, err := p.query(ctx, p.db, vector, k, attrFilter)
	observeQuery("pgvector", start, err)
	return candidates, err
}

// ExactQuery forces a sequential scan for a guaranteed-exact result.
func (p *PgvectorIndex) ExactQuery(ctx context.Context, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	// SET LOCAL scopes the planner override to this transaction.
	for _, stmt := range []string{
		`SET LOCAL enable_indexscan = off`,
		`SET LOCAL enable_bitmapscan = off`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("disabling index scan: %w", err)
		}
	}

	return p.query(ctx, tx, vector, k, attrFilter)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *PgvectorIndex) query(ctx context.Context, q querier, vector []float32, k int, attrFilter map[string]string) ([]Candidate, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, k)
	}
	if len(vector) != p.config.VectorSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), p.config.VectorSize)
	}

	// The <=> operator computes cosine distance (1 - cosine_similarity),
	// so ordering by distance ascending yields most-similar first.
	vec := pgvector.NewVector(vector)
	args := []any{vec, vec, k}
	where := ""
	if len(attrFilter) > 0 {
		filterJSON, err := json.Marshal(attrFilter)
		if err != nil {
			return nil, fmt.Errorf("marshaling attr filter: %w", err)
		}
		where = "WHERE attrs @> $4::jsonb"
		args = append(args, filterJSON)
	}

	stmt := fmt.Sprintf(`
		SELECT id, 1 - (embedding <=> $1) AS score
		FROM %s
		%s
		ORDER BY embedding <=> $2, id
		LIMIT $3`, p.config.Table, where)

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying vectors: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var score float64
		if err := rows.Scan(&c.ID, &score); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		c.Score = float32(score)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading candidates: %v", ErrUnavailable, err)
	}
	return candidates, nil
}

// Has reports whether the index holds a vector for id.
func (p *PgvectorIndex) Has(ctx context.Context, id string) (bool, error) {
	stmt := fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, p.config.Table)
	var one int
	err := p.db.QueryRowContext(ctx, stmt, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: checking vector: %v", ErrUnavailable, err)
	}
	return true, nil
}

// Count returns the number of stored vectors.
func (p *PgvectorIndex) Count(ctx context.Context) (int, error) {
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.config.Table)
	var n int
	if err := p.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting vectors: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Close closes the database connection.
func (p *PgvectorIndex) Close() error {
	return p.db.Close()
}

var _ Index = (*PgvectorIndex)(nil)
