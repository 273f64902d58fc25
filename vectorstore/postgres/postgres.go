// Package postgres implements vectorstore.Client on PostgreSQL.
//
// All collections share one table. Properties are stored as JSONB and
// filtered with containment (@>); embeddings are float4[] and ranked in Go.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smallnest/doseguide/collection"
	"github.com/smallnest/doseguide/errs"
	"github.com/smallnest/doseguide/log"
	"github.com/smallnest/doseguide/vectorstore"
)

// DBPool defines the interface for database connection pool
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements vectorstore.Client using PostgreSQL
type Store struct {
	pool      DBPool
	tableName string
}

var _ vectorstore.Client = (*Store)(nil)

// Options configuration for Postgres connection
type Options struct {
	ConnString string
	// Password overrides the DSN password; it carries VECTOR_STORE_API_KEY.
	Password  string
	TableName string // Default "fact_records"
}

// New connects a pool to the database.
func New(ctx context.Context, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, errs.Configuration("invalid vector store url: %v", err)
	}
	if opts.Password != "" {
		cfg.ConnConfig.Password = opts.Password
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewWithPool(pool, opts.TableName), nil
}

// NewWithPool creates a store on an existing pool.
// Useful for testing with mocks
func NewWithPool(pool DBPool, tableName string) *Store {
	if tableName == "" {
		tableName = "fact_records"
	}
	return &Store{
		pool:      pool,
		tableName: tableName,
	}
}

// EnsureCollections creates the records table and its indexes if missing.
func (s *Store) EnsureCollections(ctx context.Context, schemas []*collection.Schema) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			collection TEXT NOT NULL,
			properties JSONB NOT NULL,
			embedding REAL[],
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_collection ON %s (collection, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_%s_properties ON %s USING GIN (properties);
	`, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return classify(fmt.Errorf("failed to create schema: %w", err))
	}
	for _, schema := range schemas {
		log.Debug("vector store collection %s ready in table %s", schema.Name, s.tableName)
	}
	return nil
}

// Upsert inserts r; an existing record with the same ID is left untouched.
func (s *Store) Upsert(ctx context.Context, name string, r vectorstore.Record) error {
	propsJSON, err := json.Marshal(r.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, collection, properties, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, s.tableName)

	tag, err := s.pool.Exec(ctx, query, r.ID, name, propsJSON, r.Embedding, r.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("failed to insert record: %w", err))
	}
	if tag.RowsAffected() == 0 {
		log.Debug("record %s already stored in %s", r.ID, name)
	}
	return nil
}

// Query returns matching records, newest first or by similarity to q.Vector.
func (s *Store) Query(ctx context.Context, name string, q vectorstore.Query) ([]vectorstore.Record, error) {
	filters := q.Filters
	if filters == nil {
		filters = map[string]string{}
	}
	filterJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal filters: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, properties, embedding, created_at
		FROM %s
		WHERE collection = $1 AND properties @> $2::jsonb
		ORDER BY created_at DESC
	`, s.tableName)
	args := []any{name, filterJSON}
	// Similarity ranking happens after the scan, so only a time-ordered query can be limited here.
	if q.Limit > 0 && len(q.Vector) == 0 {
		query += " LIMIT $3"
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to query records: %w", err))
	}
	defer rows.Close()

	var records []vectorstore.Record
	for rows.Next() {
		var r vectorstore.Record
		var propsJSON []byte
		if err := rows.Scan(&r.ID, &propsJSON, &r.Embedding, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal(propsJSON, &r.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
		r.Collection = name
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("failed to read records: %w", err))
	}

	return vectorstore.Rank(records, q.Vector, q.Limit), nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// classify marks connection-level failures as transient. Errors reported by
// the server itself (syntax, constraint) are returned as they are.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", errs.ErrTransient, err)
}
