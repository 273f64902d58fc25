// Package agent binds collections to the domain logic that turns retrieved
// facts into results.
//
// Every collection names an agent constructor. Bind instantiates one agent
// per collection and fails when a name has no constructor.
package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/smallnest/doseguide/collection"
	"github.com/smallnest/doseguide/errs"
)

// Retriever resolves collection queries. retrieval.Orchestrator implements it.
type Retriever interface {
	Resolve(ctx context.Context, collectionID string, params collection.Params) (string, error)
}

// Context describes the patient a result is processed for.
type Context struct {
	Medication string
	Age        float64
	// WeightKg is zero or negative when unknown.
	WeightKg float64
}

// Output is the result of ProcessData. Processed is false when the agent
// passed the raw text through unchanged.
type Output struct {
	Text      string
	Processed bool
}

// Agent retrieves and processes facts of one collection.
type Agent interface {
	Collection() string
	RetrieveData(ctx context.Context, params collection.Params) (string, error)
	ProcessData(ctx context.Context, raw string, c Context) (Output, error)
}

// Constructor builds the agent for a schema.
type Constructor func(schema *collection.Schema, r Retriever) Agent

var constructors = map[string]Constructor{
	"DrugDosageAgent":      func(s *collection.Schema, r Retriever) Agent { return NewDosageAgent(s, r) },
	"DrugInteractionAgent": func(s *collection.Schema, r Retriever) Agent { return NewInteractionAgent(s, r) },
}

// Names returns the known constructor names, sorted.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type base struct {
	schema    *collection.Schema
	retriever Retriever
}

func (b base) Collection() string { return b.schema.ID }

func (b base) RetrieveData(ctx context.Context, params collection.Params) (string, error) {
	return b.retriever.Resolve(ctx, b.schema.ID, params)
}

// Set holds the agents bound for a registry, by collection ID.
type Set struct {
	order  []string
	agents map[string]Agent
}

// Bind builds one agent per collection of registry.
func Bind(registry *collection.Registry, r Retriever) (*Set, error) {
	set := &Set{agents: make(map[string]Agent)}
	for _, schema := range registry.Schemas() {
		ctor, ok := constructors[schema.Agent]
		if !ok {
			return nil, errs.Configuration("collection %s: unknown agent %q (known: %s)",
				schema.ID, schema.Agent, strings.Join(Names(), ", "))
		}
		set.agents[schema.ID] = ctor(schema, r)
		set.order = append(set.order, schema.ID)
	}
	return set, nil
}

// Get returns the agent of a collection.
func (s *Set) Get(collectionID string) (Agent, error) {
	a, ok := s.agents[collectionID]
	if !ok {
		return nil, errs.Validation("no agent for collection %q", collectionID)
	}
	return a, nil
}

// Agents returns all agents in registry order.
func (s *Set) Agents() []Agent {
	out := make([]Agent, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id])
	}
	return out
}

// Dosage returns the first bound DosageAgent.
func (s *Set) Dosage() (*DosageAgent, error) {
	return first[*DosageAgent](s)
}

// Interactions returns the first bound InteractionAgent.
func (s *Set) Interactions() (*InteractionAgent, error) {
	return first[*InteractionAgent](s)
}

func first[T Agent](s *Set) (T, error) {
	for _, a := range s.Agents() {
		if t, ok := a.(T); ok {
			return t, nil
		}
	}
	var zero T
	return zero, errs.Configuration("no collection is bound to a %T", zero)
}

func (s *Set) String() string {
	return fmt.Sprintf("agents%v", s.order)
}
