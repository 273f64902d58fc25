// Package cache defines the key/value store that short-circuits repeated
// retrievals.
//
// Every backend applies the same two rules:
//
//   - lazy expiry: Get reports an entry older than Options.Expiry as absent
//   - bounded size: after Put, entries are evicted oldest CreatedAt first until
//     at most Options.MaxEntries remain
//
// Backends live in subpackages (memory, sqlite, redis). None of them lock:
// the pipeline resolves one query at a time.
package cache

import (
	"context"
	"time"
)

// Store is a string cache with expiry and a size bound.
type Store interface {
	// Get returns the value for key. ok is false when the key is missing or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Put inserts or overwrites key, then evicts down to the size bound.
	Put(ctx context.Context, key, value string) error
	// Len returns the number of stored entries, expired ones included.
	Len(ctx context.Context) (int, error)
	// Close flushes and releases the backend.
	Close() error
}

// Entry is one cached value.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Options are shared by every backend.
type Options struct {
	// MaxEntries bounds the store; zero or negative means unbounded.
	MaxEntries int
	// Expiry is the maximum entry age; zero means entries never expire.
	Expiry time.Duration
	// Now is the clock, time.Now when nil.
	Now func() time.Time
}

// DefaultOptions mirrors the stock configuration: 1000 entries, 30 days.
func DefaultOptions() Options {
	return Options{MaxEntries: 1000, Expiry: 30 * 24 * time.Hour}
}

// Clock returns the configured clock.
func (o Options) Clock() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Expired reports whether e is older than the configured expiry at now.
func (o Options) Expired(e Entry, now time.Time) bool {
	return o.Expiry > 0 && now.Sub(e.CreatedAt) >= o.Expiry
}

// Excess returns how many entries must be evicted from a store holding n.
func (o Options) Excess(n int) int {
	if o.MaxEntries <= 0 || n <= o.MaxEntries {
		return 0
	}
	return n - o.MaxEntries
}

// Prefixed namespaces keys of an underlying store, so one backend can hold
// several logical caches.
type Prefixed struct {
	Store  Store
	Prefix string
}

var _ Store = Prefixed{}

func (p Prefixed) Get(ctx context.Context, key string) (string, bool, error) {
	return p.Store.Get(ctx, p.Prefix+key)
}

func (p Prefixed) Put(ctx context.Context, key, value string) error {
	return p.Store.Put(ctx, p.Prefix+key, value)
}

func (p Prefixed) Len(ctx context.Context) (int, error) { return p.Store.Len(ctx) }

// Close is a no-op; the owner of the underlying store closes it.
func (p Prefixed) Close() error { return nil }
