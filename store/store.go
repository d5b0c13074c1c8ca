// Package store persists project signing secrets and retrieval data
// (sources, documents, embedded chunks) in SQLite or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Source is a knowledge base source of a project.
type Source struct {
	ID        string
	ProjectID string
	Name      string
	Active    bool
}

// Doc is a full document of a source.
type Doc struct {
	ID        string
	ProjectID string
	SourceID  string
	Title     string
	Name      string
	Content   string
}

// Chunk is an embedded slice of a document.
type Chunk struct {
	ID        string
	ProjectID string
	SourceID  string
	DocID     string
	Title     string
	Name      string
	Content   string
	Embedding []float64
}

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Store is a SQL backed store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to dsn with the driver of dialect and verifies the
// connection. For sqlite the dsn is a file path or ":memory:".
func Open(ctx context.Context, dialect Dialect, dsn string, optFns ...func(o *Options)) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	opts := Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
		// SQLite allows a single writer.
		opts.MaxOpenConns = 1
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, dialect: dialect}, nil
}

// DialectFromURL infers the dialect of a DATABASE_URL style string.
func DialectFromURL(url string) (Dialect, string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, url
	case strings.HasPrefix(url, "sqlite://"):
		return DialectSQLite, strings.TrimPrefix(url, "sqlite://")
	default:
		return DialectSQLite, url
	}
}

// New wraps an existing database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		secret TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS docs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		embedding TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_project_source ON chunks (project_id, source_id)`,
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ProjectSecret returns the webhook signing secret of a project. A missing
// project has no secret.
func (s *Store) ProjectSecret(ctx context.Context, projectID string) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT secret FROM projects WHERE id = ?`), projectID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get project secret: %w", err)
	}
	return secret, nil
}

// SigningSecret lets the store act as the webhook secret source.
func (s *Store) SigningSecret(ctx context.Context, projectID string) (string, error) {
	return s.ProjectSecret(ctx, projectID)
}

// SetProjectSecret creates or updates a project's secret.
func (s *Store) SetProjectSecret(ctx context.Context, projectID, secret string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO projects (id, secret) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET secret = excluded.secret
	`), projectID, secret)
	if err != nil {
		return fmt.Errorf("set project secret: %w", err)
	}
	return nil
}

// PutSource creates or updates a source.
func (s *Store) PutSource(ctx context.Context, src Source) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sources (id, project_id, name, active) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET project_id = excluded.project_id, name = excluded.name, active = excluded.active
	`), src.ID, src.ProjectID, src.Name, src.Active)
	if err != nil {
		return fmt.Errorf("put source: %w", err)
	}
	return nil
}

// ActiveSourceIDs lists the ids of the active sources of a project.
func (s *Store) ActiveSourceIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id FROM sources WHERE project_id = ? AND active = ? ORDER BY id`), projectID, true)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PutDoc creates or updates a document.
func (s *Store) PutDoc(ctx context.Context, d Doc) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO docs (id, project_id, source_id, title, name, content) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, name = excluded.name, content = excluded.content
	`), d.ID, d.ProjectID, d.SourceID, d.Title, d.Name, d.Content)
	if err != nil {
		return fmt.Errorf("put doc: %w", err)
	}
	return nil
}

// Docs loads documents by id. Unknown ids are absent from the result.
func (s *Store) Docs(ctx context.Context, ids []string) (map[string]Doc, error) {
	out := make(map[string]Doc, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := `SELECT id, project_id, source_id, title, name, content FROM docs WHERE id IN (` + placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get docs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d Doc
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.SourceID, &d.Title, &d.Name, &d.Content); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		out[d.ID] = d
	}
	return out, rows.Err()
}

// PutChunk creates or updates an embedded chunk.
func (s *Store) PutChunk(ctx context.Context, c Chunk) error {
	embedding, err := json.Marshal(c.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO chunks (id, project_id, source_id, doc_id, title, name, content, embedding) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, name = excluded.name, content = excluded.content, embedding = excluded.embedding
	`), c.ID, c.ProjectID, c.SourceID, c.DocID, c.Title, c.Name, c.Content, string(embedding))
	if err != nil {
		return fmt.Errorf("put chunk: %w", err)
	}
	return nil
}

// Chunks loads the chunks of a project restricted to sourceIDs.
func (s *Store) Chunks(ctx context.Context, projectID string, sourceIDs []string) ([]Chunk, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(sourceIDs)+1)
	args = append(args, projectID)
	for _, id := range sourceIDs {
		args = append(args, id)
	}

	query := `SELECT id, project_id, source_id, doc_id, title, name, content, embedding FROM chunks
		WHERE project_id = ? AND source_id IN (` + placeholders(len(sourceIDs)) + `) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var (
			c   Chunk
			raw string
		)
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.SourceID, &c.DocID, &c.Title, &c.Name, &c.Content, &raw); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &c.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding of chunk %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
