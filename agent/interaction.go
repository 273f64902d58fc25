package agent

import (
	"context"

	"github.com/smallnest/doseguide/collection"
)

// InteractionAgent answers food and alcohol interaction queries.
type InteractionAgent struct {
	base
}

var _ Agent = (*InteractionAgent)(nil)

// NewInteractionAgent binds an interaction agent to schema.
func NewInteractionAgent(schema *collection.Schema, r Retriever) *InteractionAgent {
	return &InteractionAgent{base{schema: schema, retriever: r}}
}

// GetInteractions resolves the interaction text for a medication.
func (a *InteractionAgent) GetInteractions(ctx context.Context, medication string) (string, error) {
	return a.RetrieveData(ctx, collection.Params{ParamMedication: medication})
}

// ProcessData returns raw unchanged.
func (a *InteractionAgent) ProcessData(_ context.Context, raw string, _ Context) (Output, error) {
	return Output{Text: raw}, nil
}
