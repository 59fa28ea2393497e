package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	// Import the pure-Go SQLite driver.
	_ "modernc.org/sqlite"
)

// SQLiteConfig holds configuration for the embedded SQLite store.
type SQLiteConfig struct {
	// Path is the database file. Empty means an in-memory database,
	// useful for tests and throwaway deployments.
	Path string
}

// SQLiteStore implements Store on an embedded SQLite database.
//
// Timestamps are stored as Unix nanoseconds so time-range filters can be
// pushed down as integer comparisons. Tags are stored as a JSON array and
// filtered with json_each.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database and ensures the schema.
func NewSQLiteStore(ctx context.Context, config SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := config.Path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	} else {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating directory for %s: %w", dsn, err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc/sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY under concurrent access and keeps in-memory
	// databases from being torn down between pooled connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite metastore initialized", zap.String("path", config.Path))
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		visibility TEXT NOT NULL DEFAULT '',
		extra TEXT NOT NULL DEFAULT '{}'
	)`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("migrating items table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS items_created_at_idx ON items (created_at)`); err != nil {
		return fmt.Errorf("migrating items index: %w", err)
	}
	return nil
}

// GetMany returns metadata for the given IDs; missing IDs are absent.
func (s *SQLiteStore) GetMany(ctx context.Context, ids []string) (map[string]Metadata, error) {
	result := make(map[string]Metadata, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	stmt := fmt.Sprintf(
		`SELECT id, owner, tags, created_at, visibility, extra FROM items WHERE id IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching metadata: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, owner, tagsJSON, visibility, extraJSON string
			createdNanos                               int64
		)
		if err := rows.Scan(&id, &owner, &tagsJSON, &createdNanos, &visibility, &extraJSON); err != nil {
			return nil, fmt.Errorf("scanning metadata row: %w", err)
		}
		md, err := decodeRow(owner, tagsJSON, createdNanos, visibility, extraJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", id, err)
		}
		result[id] = md
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading metadata rows: %v", ErrUnavailable, err)
	}
	return result, nil
}

// Put inserts or replaces the metadata for id.
func (s *SQLiteStore) Put(ctx context.Context, id string, md Metadata) error {
	if id == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidConfig)
	}
	tagsJSON, extraJSON, err := encodeRow(md)
	if err != nil {
		return err
	}

	stmt := `INSERT INTO items (id, owner, tags, created_at, visibility, extra)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			tags = excluded.tags,
			created_at = excluded.created_at,
			visibility = excluded.visibility,
			extra = excluded.extra`

	if _, err := s.db.ExecContext(ctx, stmt,
		id, md.Owner, string(tagsJSON), md.CreatedAt.UnixNano(), md.Visibility, string(extraJSON)); err != nil {
		return fmt.Errorf("%w: storing metadata: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes the metadata for id. Unknown IDs are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: deleting metadata: %v", ErrUnavailable, err)
	}
	return nil
}

// IDs returns every stored item ID.
func (s *SQLiteStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM items ORDER BY id`)
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

// MatchIDs returns the IDs of all items satisfying the filter.
func (s *SQLiteStore) MatchIDs(ctx context.Context, f Filter) ([]string, error) {
	var (
		clauses []string
		args    []any
	)

	if len(f.Tags) > 0 {
		placeholders := make([]string, len(f.Tags))
		for i, tag := range f.Tags {
			placeholders[i] = "?"
			args = append(args, tag)
		}
		clauses = append(clauses, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM json_each(items.tags) WHERE json_each.value IN (%s))`,
			strings.Join(placeholders, ",")))
	}
	if !f.After.IsZero() {
		clauses = append(clauses, `created_at >= ?`)
		args = append(args, f.After.UnixNano())
	}
	if !f.Before.IsZero() {
		clauses = append(clauses, `created_at < ?`)
		args = append(args, f.Before.UnixNano())
	}
	if len(f.Visibilities) > 0 {
		placeholders := make([]string, len(f.Visibilities))
		for i, v := range f.Visibilities {
			placeholders[i] = "?"
			args = append(args, v)
		}
		clauses = append(clauses, fmt.Sprintf(`visibility IN (%s)`, strings.Join(placeholders, ",")))
	}

	stmt := `SELECT id FROM items`
	if len(clauses) > 0 {
		stmt += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	stmt += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: matching ids: %v", ErrUnavailable, err)
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeRow(md Metadata) (tagsJSON, extraJSON []byte, err error) {
	tags := md.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err = json.Marshal(tags)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling tags: %w", err)
	}
	extra := md.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err = json.Marshal(extra)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling extra: %w", err)
	}
	return tagsJSON, extraJSON, nil
}

func decodeRow(owner, tagsJSON string, createdNanos int64, visibility, extraJSON string) (Metadata, error) {
	md := Metadata{
		Owner:      owner,
		CreatedAt:  time.Unix(0, createdNanos).UTC(),
		Visibility: visibility,
	}
	if err := json.Unmarshal([]byte(tagsJSON), &md.Tags); err != nil {
		return Metadata{}, fmt.Errorf("unmarshaling tags: %w", err)
	}
	if err := json.Unmarshal([]byte(extraJSON), &md.Extra); err != nil {
		return Metadata{}, fmt.Errorf("unmarshaling extra: %w", err)
	}
	if len(md.Tags) == 0 {
		md.Tags = nil
	}
	if len(md.Extra) == 0 {
		md.Extra = nil
	}
	return md, nil
}

var _ Store = (*SQLiteStore)(nil)
