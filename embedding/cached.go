package embedding

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/smallnest/doseguide/cache"
	"github.com/smallnest/doseguide/log"
)

// Cached serves repeated texts from a cache.Store and embeds only misses.
type Cached struct {
	Embedder  Embedder
	Store     cache.Store
	MaxLength int
}

var _ Embedder = (*Cached)(nil)

// NewCached wraps e. maxLength is part of the cache key.
func NewCached(e Embedder, store cache.Store, maxLength int) *Cached {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Cached{Embedder: e, Store: store, MaxLength: maxLength}
}

// Key is the cache key of text: md5 of "text:max_length".
func (c *Cached) Key(text string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d", text, c.MaxLength)))
	return hex.EncodeToString(sum[:])
}

// Embed returns cached vectors where possible. A failing cache read is a miss.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if v, ok := c.lookup(ctx, text); ok {
			out[i] = v
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := c.Embedder.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(missing))
	}

	for j, v := range vectors {
		out[missingIdx[j]] = v
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal embedding: %w", err)
		}
		if err := c.Store.Put(ctx, c.Key(missing[j]), string(data)); err != nil {
			log.Warn("failed to cache embedding: %v", err)
		}
	}
	return out, nil
}

func (c *Cached) lookup(ctx context.Context, text string) ([]float32, bool) {
	raw, ok, err := c.Store.Get(ctx, c.Key(text))
	if err != nil {
		log.Warn("embedding cache read failed: %v", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var v []float32
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		log.Warn("discarding unreadable cached embedding: %v", err)
		return nil, false
	}
	log.Debug("embedding cache hit for %.50q", text)
	return v, true
}
