package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallnest/doseguide/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newStore(t *testing.T, path string, max int, expiry time.Duration) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	s, err := New(Options{
		Options: cache.Options{MaxEntries: max, Expiry: expiry, Now: clock.Now},
		Path:    path,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestSqliteStore(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, ":memory:", 10, time.Hour)

	_, ok, err := s.Get(ctx, "interactions:ibuprofen")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Put(ctx, "interactions:ibuprofen", "Moderate Interaction: Alcohol"))
	v, ok, err := s.Get(ctx, "interactions:ibuprofen")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Moderate Interaction: Alcohol", v)

	assert.NoError(t, s.Put(ctx, "interactions:ibuprofen", "updated"))
	v, _, _ = s.Get(ctx, "interactions:ibuprofen")
	assert.Equal(t, "updated", v)

	n, err := s.Len(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSqliteStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t, ":memory:", 10, time.Hour)

	assert.NoError(t, s.Put(ctx, "k", "v"))
	clock.Advance(59 * time.Minute)
	_, ok, _ := s.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	_, ok, err := s.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)

	n, _ := s.Len(ctx)
	assert.Equal(t, 0, n)
}

func TestSqliteStore_Eviction(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t, ":memory:", 2, 0)

	for i := range 4 {
		assert.NoError(t, s.Put(ctx, fmt.Sprintf("k%d", i), "v"))
		clock.Advance(time.Second)
	}

	n, _ := s.Len(ctx)
	assert.Equal(t, 2, n)
	for key, want := range map[string]bool{"k0": false, "k1": false, "k2": true, "k3": true} {
		_, ok, _ := s.Get(ctx, key)
		assert.Equal(t, want, ok, key)
	}
}

func TestSqliteStore_Persistent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache", "scraped.db")

	s, clock := newStore(t, path, 10, 24*time.Hour)
	assert.NoError(t, s.Put(ctx, "dosage:aspirin:pain:adult", "325 to 650 mg orally every 4 hours"))
	assert.NoError(t, s.Close())

	reopened, err := New(Options{
		Options: cache.Options{MaxEntries: 10, Expiry: 24 * time.Hour, Now: clock.Now},
		Path:    path,
	})
	assert.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get(ctx, "dosage:aspirin:pain:adult")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "325 to 650 mg orally every 4 hours", v)
}
