// Package retrieval resolves a collection query through the cache, the
// vector store and live extraction, in that order.
//
//	cache hit  -> return
//	store hit  -> cache, return
//	extraction -> store, cache, return
//
// Nothing is written when extraction fails or yields an unusable result.
package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/smallnest/doseguide/cache"
	"github.com/smallnest/doseguide/collection"
	"github.com/smallnest/doseguide/embedding"
	"github.com/smallnest/doseguide/errs"
	"github.com/smallnest/doseguide/log"
	"github.com/smallnest/doseguide/retry"
	"github.com/smallnest/doseguide/vectorstore"
)

// Extractor performs live extraction for a schema. source.Client implements it.
type Extractor interface {
	Extract(ctx context.Context, schema *collection.Schema, params collection.Params) (collection.PropertyBag, error)
}

// Options wires an Orchestrator. Embedder is optional; everything else is required.
type Options struct {
	Registry  *collection.Registry
	Cache     cache.Store
	Store     vectorstore.Client
	Extractor Extractor
	Embedder  embedding.Embedder
	Policy    *retry.Policy
	// QueryLimit caps records read per store query, default 5.
	QueryLimit int
	Now        func() time.Time
}

// Stats counts how queries were answered.
type Stats struct {
	CacheHits   int64
	StoreHits   int64
	Extractions int64
	Failures    int64
}

// Orchestrator runs the retrieval pipeline. It owns the cache store.
type Orchestrator struct {
	registry   *collection.Registry
	cache      cache.Store
	store      vectorstore.Client
	extractor  Extractor
	embedder   embedding.Embedder
	policy     *retry.Policy
	queryLimit int
	now        func() time.Time

	cacheHits   atomic.Int64
	storeHits   atomic.Int64
	extractions atomic.Int64
	failures    atomic.Int64
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Registry == nil:
		return nil, errs.Configuration("retrieval: registry is required")
	case opts.Cache == nil:
		return nil, errs.Configuration("retrieval: cache store is required")
	case opts.Store == nil:
		return nil, errs.Configuration("retrieval: vector store is required")
	case opts.Extractor == nil:
		return nil, errs.Configuration("retrieval: extractor is required")
	}

	o := &Orchestrator{
		registry:   opts.Registry,
		cache:      opts.Cache,
		store:      opts.Store,
		extractor:  opts.Extractor,
		embedder:   opts.Embedder,
		policy:     opts.Policy,
		queryLimit: opts.QueryLimit,
		now:        opts.Now,
	}
	if o.policy == nil {
		o.policy = retry.DefaultPolicy()
	}
	if o.queryLimit <= 0 {
		o.queryLimit = 5
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// Registry returns the collection registry.
func (o *Orchestrator) Registry() *collection.Registry { return o.registry }

// Stats returns the counters accumulated so far.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		CacheHits:   o.cacheHits.Load(),
		StoreHits:   o.storeHits.Load(),
		Extractions: o.extractions.Load(),
		Failures:    o.failures.Load(),
	}
}

// Close closes the cache store.
func (o *Orchestrator) Close() error {
	return o.cache.Close()
}

// Resolve returns the result property for params in the named collection.
func (o *Orchestrator) Resolve(ctx context.Context, collectionID string, params collection.Params) (string, error) {
	schema, err := o.registry.Get(collectionID)
	if err != nil {
		return "", err
	}
	params, err = schema.ValidateParams(params)
	if err != nil {
		return "", err
	}
	key, err := schema.CacheKey(params)
	if err != nil {
		return "", err
	}

	if v, ok := o.cached(ctx, key); ok {
		o.cacheHits.Add(1)
		log.Info("retrieved %s from cache for %s", schema.ID, key)
		return v, nil
	}

	if v, ok := o.fromStore(ctx, schema, params); ok {
		o.storeHits.Add(1)
		o.remember(ctx, key, v)
		log.Info("retrieved %s from vector store for %s", schema.ID, key)
		return v, nil
	}

	v, err := o.extract(ctx, schema, params)
	if err != nil {
		o.failures.Add(1)
		return "", err
	}
	o.extractions.Add(1)
	o.remember(ctx, key, v)
	return v, nil
}

func (o *Orchestrator) cached(ctx context.Context, key string) (string, bool) {
	v, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		log.Warn("cache read for %s failed, treating as miss: %v", key, err)
		return "", false
	}
	return v, ok
}

func (o *Orchestrator) remember(ctx context.Context, key, value string) {
	if err := o.cache.Put(ctx, key, value); err != nil {
		log.Warn("cache write for %s failed: %v", key, err)
	}
}

func (o *Orchestrator) fromStore(ctx context.Context, schema *collection.Schema, params collection.Params) (string, bool) {
	q := vectorstore.Query{
		Filters: schema.Filters(params),
		Vector:  o.embed(ctx, schema.QueryText(params)),
		Limit:   o.queryLimit,
	}

	records, err := retry.Do(ctx, o.policy, func(ctx context.Context) ([]vectorstore.Record, error) {
		return o.store.Query(ctx, schema.Name, q)
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("vector store query on %s failed, falling back to extraction: %v", schema.Name, err)
		}
		return "", false
	}

	for _, r := range records {
		if v := r.Properties[schema.ResultProperty]; schema.Usable(v) {
			return v, true
		}
	}
	return "", false
}

// embed returns nil when no embedder is configured or embedding fails;
// the store then falls back to filter-only ranking.
func (o *Orchestrator) embed(ctx context.Context, text string) []float32 {
	if o.embedder == nil || text == "" {
		return nil
	}
	vectors, err := retry.Do(ctx, o.policy, func(ctx context.Context) ([][]float32, error) {
		return o.embedder.Embed(ctx, []string{text})
	})
	if err != nil || len(vectors) == 0 {
		log.Warn("embedding %.50q failed: %v", text, err)
		return nil
	}
	return vectors[0]
}

func (o *Orchestrator) extract(ctx context.Context, schema *collection.Schema, params collection.Params) (string, error) {
	bag, err := retry.Do(ctx, o.policy, func(ctx context.Context) (collection.PropertyBag, error) {
		return o.extractor.Extract(ctx, schema, params)
	})
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			log.Info("no %s found for %v", schema.ID, params)
		} else {
			log.Error("extraction for %s failed: %v", schema.ID, err)
		}
		return "", err
	}

	result := bag[schema.ResultProperty]
	if !schema.Usable(result) {
		return "", errs.NotFound("%s: extracted result for %v is unusable", schema.ID, params)
	}

	// The stored bag always carries the query's filter values.
	for name, v := range schema.Filters(params) {
		bag[name] = v
	}
	record := vectorstore.NewRecord(schema.Name, bag, o.embed(ctx, schema.BagText(bag)), o.now())
	err = o.policy.Execute(ctx, func(ctx context.Context) error {
		return o.store.Upsert(ctx, schema.Name, record)
	})
	if err != nil {
		log.Warn("failed to persist %s record %s: %v", schema.ID, record.ID, err)
	} else {
		log.Info("stored %s record %s", schema.ID, record.ID)
	}
	return result, nil
}
