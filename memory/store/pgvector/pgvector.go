// Package pgvector stores memories in PostgreSQL with the pgvector
// extension. Similarity is cosine: distance is the <=> operator.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	pgv "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/becomeliminal/codemem/logging"
	"github.com/becomeliminal/codemem/memory"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Options configures a Store.
type Options struct {
	DSN string

	// Table names the memories table. Default "memories".
	Table string

	// Dimensions is the vector column size. Default 384.
	Dimensions int
}

// Store is a memory.Store over one Postgres table.
type Store struct {
	opts Options

	mu   sync.Mutex
	pool *pgxpool.Pool
}

var (
	_ memory.Store    = (*Store)(nil)
	_ memory.Upserter = (*Store)(nil)
)

// New creates a store. The connection is made by Open.
func New(opts Options) *Store {
	if opts.Table == "" {
		opts.Table = "memories"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 384
	}
	return &Store{opts: opts}
}

// Open connects and ensures the extension, table and indexes exist.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return nil
	}
	if !tableName.MatchString(s.opts.Table) {
		return goerr.New("invalid table name", goerr.V("table", s.opts.Table))
	}

	cfg, err := pgxpool.ParseConfig(s.opts.DSN)
	if err != nil {
		return goerr.Wrap(err, "failed to parse postgres dsn")
	}

	// The extension must exist before vector types can be registered.
	if err := ensureExtension(ctx, cfg.ConnConfig); err != nil {
		return err
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return goerr.Wrap(err, "failed to connect to postgres")
	}

	if _, err := pool.Exec(ctx, s.schema()); err != nil {
		pool.Close()
		return goerr.Wrap(err, "failed to create memories table", goerr.V("table", s.opts.Table))
	}

	s.pool = pool
	logging.Component(ctx, "store").Info("pgvector store opened",
		"table", s.opts.Table, "dimensions", s.opts.Dimensions)
	return nil
}

func ensureExtension(ctx context.Context, cfg *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return goerr.Wrap(err, "failed to connect to postgres")
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return goerr.Wrap(err, "failed to create vector extension")
	}
	return nil
}

func (s *Store) schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id TEXT PRIMARY KEY,
  content TEXT NOT NULL,
  vector VECTOR(%[2]d) NOT NULL,
  container_tag TEXT NOT NULL,
  type TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  metadata TEXT NOT NULL DEFAULT '',
  display_name TEXT NOT NULL DEFAULT '',
  user_name TEXT NOT NULL DEFAULT '',
  user_email TEXT NOT NULL DEFAULT '',
  project_path TEXT NOT NULL DEFAULT '',
  project_name TEXT NOT NULL DEFAULT '',
  repo_url TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS %[1]s_container_tag_idx ON %[1]s (container_tag);
`, s.opts.Table, s.opts.Dimensions)
}

func (s *Store) db() (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, goerr.New("store is not open")
	}
	return s.pool, nil
}

func (s *Store) checkDimensions(vec []float32) error {
	if len(vec) != s.opts.Dimensions {
		return goerr.Wrap(memory.ErrDimensionMismatch, "vector does not match table",
			goerr.V("want", s.opts.Dimensions), goerr.V("got", len(vec)))
	}
	return nil
}

const columns = `id, content, vector, container_tag, type, created_at, updated_at, metadata,
  display_name, user_name, user_email, project_path, project_name, repo_url`

// Insert appends rec.
func (s *Store) Insert(ctx context.Context, rec *memory.Record) error {
	return s.write(ctx, rec, "")
}

// Upsert replaces the record with rec.ID in one statement, or inserts it.
func (s *Store) Upsert(ctx context.Context, rec *memory.Record) error {
	return s.write(ctx, rec, `
ON CONFLICT (id) DO UPDATE SET
  content = EXCLUDED.content, vector = EXCLUDED.vector, container_tag = EXCLUDED.container_tag,
  type = EXCLUDED.type, updated_at = EXCLUDED.updated_at, metadata = EXCLUDED.metadata,
  display_name = EXCLUDED.display_name, user_name = EXCLUDED.user_name, user_email = EXCLUDED.user_email,
  project_path = EXCLUDED.project_path, project_name = EXCLUDED.project_name, repo_url = EXCLUDED.repo_url`)
}

func (s *Store) write(ctx context.Context, rec *memory.Record, conflict string) error {
	if err := s.checkDimensions(rec.Vector); err != nil {
		return err
	}
	pool, err := s.db()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)%s`, s.opts.Table, columns, conflict)
	_, err = pool.Exec(ctx, query,
		rec.ID, rec.Content, pgv.NewVector(rec.Vector), rec.ContainerTag, rec.Type,
		rec.CreatedAt, rec.UpdatedAt, memory.EncodeMetadata(rec.Metadata),
		rec.DisplayName, rec.UserName, rec.UserEmail, rec.ProjectPath, rec.ProjectName, rec.RepoURL,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to write memory", goerr.V("id", rec.ID))
	}
	return nil
}

// Query returns the nearest records in tag by cosine distance.
func (s *Store) Query(ctx context.Context, vec []float32, tag string, limit int) ([]memory.Match, error) {
	if err := s.checkDimensions(vec); err != nil {
		return nil, err
	}
	pool, err := s.db()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`SELECT %s, vector <=> $1 AS distance
FROM %s WHERE container_tag = $2
ORDER BY distance ASC LIMIT $3`, columns, s.opts.Table)
	rows, err := pool.Query(ctx, query, pgv.NewVector(vec), tag, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memories", goerr.V("tag", tag))
	}
	defer rows.Close()

	var matches []memory.Match
	for rows.Next() {
		var m memory.Match
		if err := scanRecord(rows, &m.Record, &m.Distance); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read memories")
	}
	return matches, nil
}

// Scan returns every record in tag.
func (s *Store) Scan(ctx context.Context, tag string) ([]memory.Record, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE container_tag = $1`, columns, s.opts.Table)
	rows, err := pool.Query(ctx, query, tag)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to scan memories", goerr.V("tag", tag))
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		var rec memory.Record
		if err := scanRecord(rows, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read memories")
	}
	return records, nil
}

// Get returns the record with id, or memory.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, columns, s.opts.Table)
	var rec memory.Record
	if err := scanRecord(pool.QueryRow(ctx, query, id), &rec); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, memory.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Delete removes the record with id.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	pool, err := s.db()
	if err != nil {
		return false, err
	}

	result, err := pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.opts.Table), id)
	if err != nil {
		return false, goerr.Wrap(err, "failed to delete memory", goerr.V("id", id))
	}
	return result.RowsAffected() > 0, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// truncate empties the table. Used by tests.
func (s *Store) truncate(ctx context.Context) error {
	pool, err := s.db()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, s.opts.Table))
	return err
}

func scanRecord(row pgx.Row, rec *memory.Record, extra ...any) error {
	var (
		vec      pgv.Vector
		metadata string
	)
	dest := []any{
		&rec.ID, &rec.Content, &vec, &rec.ContainerTag, &rec.Type, &rec.CreatedAt, &rec.UpdatedAt, &metadata,
		&rec.DisplayName, &rec.UserName, &rec.UserEmail, &rec.ProjectPath, &rec.ProjectName, &rec.RepoURL,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return goerr.Wrap(err, "failed to scan memory row")
	}
	rec.Vector = vec.Slice()
	rec.Metadata = memory.DecodeMetadata(metadata)
	return nil
}
