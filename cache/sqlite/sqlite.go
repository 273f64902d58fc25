// Package sqlite provides a SQLite-backed cache.Store.
//
// Entries live in one table keyed by cache key. Creation time is stored as
// Unix nanoseconds so eviction can order by it exactly.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/smallnest/doseguide/cache"
)

// Store implements cache.Store using SQLite
type Store struct {
	db        *sql.DB
	tableName string
	opts      cache.Options
}

var _ cache.Store = (*Store)(nil)

// Options configuration for the SQLite cache
type Options struct {
	cache.Options
	Path      string
	TableName string // Default "cache_entries"
}

// New opens the database at opts.Path and creates the table if needed.
func New(opts Options) (*Store, error) {
	if dir := filepath.Dir(opts.Path); opts.Path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("unable to create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)

	tableName := opts.TableName
	if tableName == "" {
		tableName = "cache_entries"
	}

	store := &Store{
		db:        db,
		tableName: tableName,
		opts:      opts.Options,
	}

	if err := store.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// InitSchema creates the necessary table if it doesn't exist
func (s *Store) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at);
	`, s.tableName, s.tableName, s.tableName)

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns a live entry; an expired row is deleted and reported absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	query := fmt.Sprintf(`SELECT value, created_at FROM %s WHERE key = ?`, s.tableName)

	var value string
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	entry := cache.Entry{Key: key, Value: value, CreatedAt: time.Unix(0, createdAt)}
	if s.opts.Expired(entry, s.opts.Clock()) {
		del := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.tableName)
		if _, err := s.db.ExecContext(ctx, del, key); err != nil {
			return "", false, fmt.Errorf("failed to drop expired entry: %w", err)
		}
		return "", false, nil
	}
	return value, true, nil
}

// Put upserts the entry and trims the table to MaxEntries.
func (s *Store) Put(ctx context.Context, key, value string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at
	`, s.tableName)

	if _, err := s.db.ExecContext(ctx, query, key, value, s.opts.Clock().UnixNano()); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return s.evict(ctx)
}

// Len returns the number of rows.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.tableName)
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

func (s *Store) evict(ctx context.Context) error {
	if s.opts.MaxEntries <= 0 {
		return nil
	}
	n, err := s.Len(ctx)
	if err != nil {
		return err
	}
	excess := s.opts.Excess(n)
	if excess == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		DELETE FROM %s WHERE key IN (
			SELECT key FROM %s ORDER BY created_at, rowid LIMIT ?
		)
	`, s.tableName, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, excess); err != nil {
		return fmt.Errorf("failed to evict cache entries: %w", err)
	}
	return nil
}
