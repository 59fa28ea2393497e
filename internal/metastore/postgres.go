package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig holds configuration for the Postgres store.
type PostgresConfig struct {
	// DSN is the Postgres connection string.
	DSN string
}

// PostgresStore implements Store on Postgres. Tags live in a TEXT[]
// column so overlap filters push down as `tags && $n`.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore opens the connection and ensures the schema.
func NewPostgresStore(ctx context.Context, config PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("%w: dsn is required", ErrInvalidConfig)
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &PostgresStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("postgres metastore initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			visibility TEXT NOT NULL DEFAULT '',
			extra JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS items_created_at_idx ON items (created_at)`,
		`CREATE INDEX IF NOT EXISTS items_tags_idx ON items USING gin (tags)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating items table: %w", err)
		}
	}
	return nil
}

// GetMany returns metadata for the given IDs; missing IDs are absent.
func (s *PostgresStore) GetMany(ctx context.Context, ids []string) (map[string]Metadata, error) {
	result := make(map[string]Metadata, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, tags, created_at, visibility, extra FROM items WHERE id = ANY($1)`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("%w: fetching metadata: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, owner, visibility string
			tags                  pq.StringArray
			createdAt             time.Time
			extraJSON             []byte
		)
		if err := rows.Scan(&id, &owner, &tags, &createdAt, &visibility, &extraJSON); err != nil {
			return nil, fmt.Errorf("scanning metadata row: %w", err)
		}
		md := Metadata{
			Owner:      owner,
			CreatedAt:  createdAt.UTC(),
			Visibility: visibility,
		}
		if len(tags) > 0 {
			md.Tags = []string(tags)
		}
		if err := json.Unmarshal(extraJSON, &md.Extra); err != nil {
			return nil, fmt.Errorf("unmarshaling extra for %s: %w", id, err)
		}
		if len(md.Extra) == 0 {
			md.Extra = nil
		}
		result[id] = md
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading metadata rows: %v", ErrUnavailable, err)
	}
	return result, nil
}

// Put inserts or replaces the metadata for id.
func (s *PostgresStore) Put(ctx context.Context, id string, md Metadata) error {
	if id == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidConfig)
	}
	extra := md.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshaling extra: %w", err)
	}
	tags := md.Tags
	if tags == nil {
		tags = []string{}
	}

	stmt := `INSERT INTO items (id, owner, tags, created_at, visibility, extra)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			tags = EXCLUDED.tags,
			created_at = EXCLUDED.created_at,
			visibility = EXCLUDED.visibility,
			extra = EXCLUDED.extra`

	if _, err := s.db.ExecContext(ctx, stmt,
		id, md.Owner, pq.Array(tags), md.CreatedAt, md.Visibility, extraJSON); err != nil {
		return fmt.Errorf("%w: storing metadata: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes the metadata for id. Unknown IDs are ignored.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: deleting metadata: %v", ErrUnavailable, err)
	}
	return nil
}

// IDs returns every stored item ID.
func (s *PostgresStore) IDs(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM items ORDER BY id`)
}

// MatchIDs returns the IDs of all items satisfying the filter.
func (s *PostgresStore) MatchIDs(ctx context.Context, f Filter) ([]string, error) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Tags) > 0 {
		clauses = append(clauses, `tags && `+arg(pq.Array(f.Tags)))
	}
	if !f.After.IsZero() {
		clauses = append(clauses, `created_at >= `+arg(f.After))
	}
	if !f.Before.IsZero() {
		clauses = append(clauses, `created_at < `+arg(f.Before))
	}
	if len(f.Visibilities) > 0 {
		clauses = append(clauses, `visibility = ANY(`+arg(pq.Array(f.Visibilities))+`)`)
	}

	stmt := `SELECT id FROM items`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	stmt += ` ORDER BY id`

	return s.queryIDs(ctx, stmt, args...)
}

func (s *PostgresStore) queryIDs(ctx context.Context, stmt string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing ids: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading ids: %v", ErrUnavailable, err)
	}
	return ids, nil
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
