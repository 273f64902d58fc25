// Package vectorstore persists extracted facts as records that can be
// filtered by property equality and ranked by embedding similarity.
package vectorstore

import (
	"context"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/doseguide/collection"
)

// Client is the vector store contract used by the retrieval pipeline.
type Client interface {
	// EnsureCollections prepares storage for every schema. Safe to call repeatedly.
	EnsureCollections(ctx context.Context, schemas []*collection.Schema) error
	// Upsert inserts r into the named collection. Re-inserting the same ID is a no-op.
	Upsert(ctx context.Context, collection string, r Record) error
	// Query returns records whose properties equal every filter value.
	Query(ctx context.Context, collection string, q Query) ([]Record, error)
	Close() error
}

// Record is one stored fact.
type Record struct {
	ID         string
	Collection string
	Properties collection.PropertyBag
	Embedding  []float32
	CreatedAt  time.Time
}

// Query selects records.
type Query struct {
	// Filters are exact property matches, all required.
	Filters map[string]string
	// Vector ranks results by cosine similarity when set; otherwise newest first.
	Vector []float32
	// Limit caps the result count; zero means no limit.
	Limit int
}

var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/smallnest/doseguide/records"))

// RecordID derives a stable ID from the collection and its property values,
// so identical facts always map to the same record.
func RecordID(collectionName string, props collection.PropertyBag) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	b.WriteString(collectionName)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(props[k])
	}
	return uuid.NewSHA1(recordNamespace, []byte(b.String())).String()
}

// NewRecord builds a record with a content-derived ID.
func NewRecord(collectionName string, props collection.PropertyBag, embedding []float32, now time.Time) Record {
	return Record{
		ID:         RecordID(collectionName, props),
		Collection: collectionName,
		Properties: props,
		Embedding:  embedding,
		CreatedAt:  now,
	}
}

// Matches reports whether props carries every filter value.
func Matches(props collection.PropertyBag, filters map[string]string) bool {
	for key, value := range filters {
		if v, ok := props[key]; !ok || v != value {
			return false
		}
	}
	return true
}

// Rank orders records in place: by similarity to vector when given, newest
// first otherwise and on ties. It then applies limit.
func Rank(records []Record, vector []float32, limit int) []Record {
	scores := make(map[string]float64, len(records))
	if len(vector) > 0 {
		for _, r := range records {
			scores[r.ID] = cosineSimilarity32(vector, r.Embedding)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		si, sj := scores[records[i].ID], scores[records[j].ID]
		if si != sj {
			return si > sj
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// cosineSimilarity32 calculates cosine similarity between two float32 vectors
func cosineSimilarity32(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct float64
	var normA float64
	var normB float64

	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
