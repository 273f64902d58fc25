// Package redis provides a Redis-backed cache.Store.
//
// Each entry is stored as JSON under "{prefix}entry:{key}". A sorted set at
// "{prefix}index" scores keys by creation time and drives eviction.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/doseguide/cache"
)

// Store implements cache.Store using Redis
type Store struct {
	client *redis.Client
	prefix string
	opts   cache.Options
	// last is the latest index score written by this store.
	last float64
}

var _ cache.Store = (*Store)(nil)

// Options configuration for Redis connection
type Options struct {
	cache.Options
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix, default "doseguide:cache:"
}

// New creates a store with its own client.
func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(client, opts)
}

// NewWithClient creates a store on an existing client; Close closes it.
func NewWithClient(client *redis.Client, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "doseguide:cache:"
	}
	return &Store{
		client: client,
		prefix: prefix,
		opts:   opts.Options,
	}
}

func (s *Store) entryKey(key string) string {
	return fmt.Sprintf("%sentry:%s", s.prefix, key)
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// Get returns a live entry; expired entries are removed.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	data, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cache entry from redis: %w", err)
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", false, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}

	if s.opts.Expired(entry, s.opts.Clock()) {
		if err := s.remove(ctx, key); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return entry.Value, true, nil
}

// Put stores the entry, indexes it and trims to MaxEntries.
func (s *Store) Put(ctx context.Context, key, value string) error {
	entry := cache.Entry{Key: key, Value: value, CreatedAt: s.opts.Clock()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(key), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: s.score(entry.CreatedAt), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save cache entry to redis: %w", err)
	}

	return s.evict(ctx)
}

// score orders entries by creation time in microseconds, which a float64
// holds exactly. Puts within the same microsecond get increasing scores.
func (s *Store) score(t time.Time) float64 {
	score := float64(t.UnixMicro())
	if score <= s.last {
		score = s.last + 1
	}
	s.last = score
	return score
}

// Len returns the number of indexed entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return int(n), nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) evict(ctx context.Context) error {
	n, err := s.Len(ctx)
	if err != nil {
		return err
	}
	excess := s.opts.Excess(n)
	if excess == 0 {
		return nil
	}

	oldest, err := s.client.ZRange(ctx, s.indexKey(), 0, int64(excess-1)).Result()
	if err != nil {
		return fmt.Errorf("failed to list oldest cache entries: %w", err)
	}
	return s.remove(ctx, oldest...)
}

func (s *Store) remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	entryKeys := make([]string, len(keys))
	members := make([]any, len(keys))
	for i, k := range keys {
		entryKeys[i] = s.entryKey(k)
		members[i] = k
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, entryKeys...)
	pipe.ZRem(ctx, s.indexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete cache entries from redis: %w", err)
	}
	return nil
}
