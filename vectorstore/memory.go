package vectorstore

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/smallnest/doseguide/collection"
)

// InMemory is a process-local Client, used with the memory:// store URL and in tests.
type InMemory struct {
	collections map[string][]Record
}

var _ Client = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{collections: make(map[string][]Record)}
}

// EnsureCollections registers the schemas' storage names.
func (s *InMemory) EnsureCollections(_ context.Context, schemas []*collection.Schema) error {
	for _, schema := range schemas {
		if _, ok := s.collections[schema.Name]; !ok {
			s.collections[schema.Name] = nil
		}
	}
	return nil
}

// Upsert appends r unless a record with the same ID exists.
func (s *InMemory) Upsert(_ context.Context, name string, r Record) error {
	records, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("collection %q does not exist", name)
	}
	if slices.ContainsFunc(records, func(existing Record) bool { return existing.ID == r.ID }) {
		return nil
	}
	r.Collection = name
	r.Properties = maps.Clone(r.Properties)
	s.collections[name] = append(records, r)
	return nil
}

// Query filters then ranks.
func (s *InMemory) Query(_ context.Context, name string, q Query) ([]Record, error) {
	records, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", name)
	}

	var matched []Record
	for _, r := range records {
		if Matches(r.Properties, q.Filters) {
			matched = append(matched, r)
		}
	}
	return Rank(matched, q.Vector, q.Limit), nil
}

// Len returns the number of records in a collection.
func (s *InMemory) Len(name string) int {
	return len(s.collections[name])
}

// Close drops all records.
func (s *InMemory) Close() error {
	s.collections = make(map[string][]Record)
	return nil
}
