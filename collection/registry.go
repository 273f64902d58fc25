package collection

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/smallnest/doseguide/errs"
)

//go:embed collections.yaml
var defaultDefinitions []byte

// Registry owns every Schema for the lifetime of the process.
type Registry struct {
	order   []string
	schemas map[string]*Schema
}

type definitions struct {
	Collections []Schema `yaml:"collections"`
}

// NewRegistry validates schemas and builds a registry in the given order.
func NewRegistry(schemas ...Schema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*Schema, len(schemas))}
	for i := range schemas {
		s := schemas[i]
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.schemas[s.ID]; dup {
			return nil, errs.Configuration("duplicate collection %s", s.ID)
		}
		r.schemas[s.ID] = &s
		r.order = append(r.order, s.ID)
	}
	if len(r.order) == 0 {
		return nil, errs.Configuration("no collections defined")
	}
	return r, nil
}

// Load parses YAML collection definitions.
func Load(r io.Reader) (*Registry, error) {
	var defs definitions
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil {
		return nil, fmt.Errorf("%w: parse collections: %v", errs.ErrConfiguration, err)
	}
	return NewRegistry(defs.Collections...)
}

// LoadFile parses collection definitions from path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open collections: %v", errs.ErrConfiguration, err)
	}
	defer f.Close()
	return Load(f)
}

// Default returns the built-in DrugDosage and DrugInteractions collections.
func Default() (*Registry, error) {
	return Load(bytes.NewReader(defaultDefinitions))
}

// Get returns the schema registered under id.
func (r *Registry) Get(id string) (*Schema, error) {
	s, ok := r.schemas[id]
	if !ok {
		return nil, errs.Validation("unknown collection %q", id)
	}
	return s, nil
}

// IDs returns collection ids in definition order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Schemas returns all schemas in definition order.
func (r *Registry) Schemas() []*Schema {
	out := make([]*Schema, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.schemas[id])
	}
	return out
}
