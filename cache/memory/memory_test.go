package memory

import (
	"context"
	"fmt"
	"os"
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

func newStore(t *testing.T, max int, expiry time.Duration, path string) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	s, err := New(Options{
		Options: cache.Options{MaxEntries: max, Expiry: expiry, Now: clock.Now},
		Path:    path,
	})
	require.NoError(t, err)
	return s, clock
}

func TestStore_GetPut(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, 10, time.Hour, "")

	_, ok, err := s.Get(ctx, "dosage:ibuprofen:headache:adult")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "dosage:ibuprofen:headache:adult", "200-400mg every 4-6 hours"))
	v, ok, err := s.Get(ctx, "dosage:ibuprofen:headache:adult")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "200-400mg every 4-6 hours", v)

	require.NoError(t, s.Put(ctx, "dosage:ibuprofen:headache:adult", "overwritten"))
	v, _, _ = s.Get(ctx, "dosage:ibuprofen:headache:adult")
	assert.Equal(t, "overwritten", v)
	n, _ := s.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestStore_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t, 10, 30*24*time.Hour, "")

	require.NoError(t, s.Put(ctx, "k", "v"))
	clock.Advance(29 * 24 * time.Hour)
	_, ok, _ := s.Get(ctx, "k")
	assert.True(t, ok)

	clock.Advance(24 * time.Hour)
	n, _ := s.Len(ctx)
	assert.Equal(t, 1, n, "expired entries stay until read")

	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
	n, _ = s.Len(ctx)
	assert.Equal(t, 0, n)
}

func TestStore_EvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t, 3, 0, "")

	for i := range 5 {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("k%d", i), "v"))
		n, _ := s.Len(ctx)
		assert.LessOrEqual(t, n, 3)
		clock.Advance(time.Minute)
	}

	for _, k := range []string{"k0", "k1"} {
		_, ok, _ := s.Get(ctx, k)
		assert.False(t, ok, k)
	}
	for _, k := range []string{"k2", "k3", "k4"} {
		_, ok, _ := s.Get(ctx, k)
		assert.True(t, ok, k)
	}

	// Overwriting refreshes created_at, so k2 is no longer the oldest.
	require.NoError(t, s.Put(ctx, "k2", "fresh"))
	clock.Advance(time.Minute)
	require.NoError(t, s.Put(ctx, "k5", "v"))
	_, ok, _ := s.Get(ctx, "k3")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "k2")
	assert.True(t, ok)
}

func TestStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache", "scraped_cache.json")

	s, clock := newStore(t, 10, time.Hour, path)
	require.NoError(t, s.Put(ctx, "interactions:aspirin", "Major Interaction: Alcohol"))
	require.NoError(t, s.Close())

	reopened, err := New(Options{
		Options: cache.Options{MaxEntries: 10, Expiry: time.Hour, Now: clock.Now},
		Path:    path,
	})
	require.NoError(t, err)
	v, ok, err := reopened.Get(ctx, "interactions:aspirin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Major Interaction: Alcohol", v)

	// created_at survives the round trip, so expiry still applies.
	clock.Advance(2 * time.Hour)
	_, ok, _ = reopened.Get(ctx, "interactions:aspirin")
	assert.False(t, ok)
}

func TestStore_CorruptSnapshotIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, _ := newStore(t, 10, 0, path)
	n, _ := s.Len(context.Background())
	assert.Equal(t, 0, n)
}
