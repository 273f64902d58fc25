// Package memory is an in-process cache.Store with an optional JSON snapshot
// file, reloaded when the store is reopened.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/smallnest/doseguide/cache"
	"github.com/smallnest/doseguide/log"
)

// Store keeps entries in a map.
type Store struct {
	entries map[string]cache.Entry
	opts    cache.Options
	path    string
}

var _ cache.Store = (*Store)(nil)

// Options configuration for the memory store
type Options struct {
	cache.Options
	// Path of the snapshot file; empty disables persistence.
	Path string
}

// New creates a store and loads the snapshot at opts.Path if present.
func New(opts Options) (*Store, error) {
	s := &Store{
		entries: make(map[string]cache.Entry),
		opts:    opts.Options,
		path:    opts.Path,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a live entry; expired entries are dropped.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if s.opts.Expired(e, s.opts.Clock()) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.Value, true, nil
}

// Put stores value and evicts the oldest entries beyond the size bound.
func (s *Store) Put(_ context.Context, key, value string) error {
	s.entries[key] = cache.Entry{Key: key, Value: value, CreatedAt: s.opts.Clock()}
	s.evict()
	return s.save()
}

// Len returns the number of entries held.
func (s *Store) Len(context.Context) (int, error) {
	return len(s.entries), nil
}

// Close writes the snapshot.
func (s *Store) Close() error {
	return s.save()
}

// Entries returns entries ordered oldest first.
func (s *Store) Entries() []cache.Entry {
	out := make([]cache.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) evict() {
	excess := s.opts.Excess(len(s.entries))
	if excess == 0 {
		return
	}
	for _, e := range s.Entries()[:excess] {
		delete(s.entries, e.Key)
	}
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache snapshot: %w", err)
	}

	var entries []cache.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warn("ignoring unreadable cache snapshot %s: %v", s.path, err)
		return nil
	}
	for _, e := range entries {
		s.entries[e.Key] = e
	}
	s.evict()
	log.Info("loaded cache from %s with %d entries", s.path, len(s.entries))
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.Entries())
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace cache snapshot: %w", err)
	}
	return nil
}
