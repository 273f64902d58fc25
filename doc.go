// doseguide - Dosage and Interaction Guidance in Go
//
// doseguide retrieves medication dosage and food/alcohol interaction facts on
// demand, keeps them in a searchable store and turns them into a short
// mitigation plan with a text-generation service.
//
// # Quick Start
//
// Run the interactive program against in-process stores:
//
//	VECTOR_STORE_URL=memory:// \
//	EMBED_URL=http://localhost:8001/embed \
//	GENERATE_URL=http://localhost:8002/generate \
//	go run ./examples/dosage_guidance
//
// Or resolve facts from code:
//
//	registry, _ := collection.Default()
//	orch, _ := retrieval.New(retrieval.Options{
//		Registry:  registry,
//		Cache:     facts,
//		Store:     vectorstore.NewInMemory(),
//		Extractor: source.New(),
//	})
//	agents, _ := agent.Bind(registry, orch)
//	dosage, _ := agents.Dosage()
//	text, err := dosage.GetDosage(ctx, "ibuprofen", "pain", "adult")
//
// # Core Concepts
//
// A collection describes one kind of fact: its properties, which of them form
// the query, the cache-key template and how to extract it from the drug
// reference site. Every lookup runs the same pipeline:
//
//  1. the local cache, keyed by the collection's template
//  2. the vector store, filtered on the query properties
//  3. live extraction, retried with exponential backoff
//  4. persistence of the new fact in the store and the cache
//
// Agents bind a collection to the logic that turns its raw text into a result
// for a patient.
//
// # Package Structure
//
// ### collection/
// Collection schemas, their YAML definitions and the registry.
//
// ### retrieval/
// The orchestrator running the cache, store and extraction pipeline.
//
// ### cache/
// The cache contract with memory, SQLite and Redis backends.
//
// ### vectorstore/
// The record store contract with in-memory and PostgreSQL implementations.
//
// ### source/
// HTTP fetch and HTML extraction rules for dosage and interaction pages.
//
// ### embedding/ and generation/
// Clients for embedding and text-generation endpoints, OpenAI and langchaingo.
//
// ### agent/ and plan/
// Dosage and interaction agents, and the mitigation plan writer.
//
// ### retry/, errs/, log/, config/, cli/
// Backoff, error kinds, logging, configuration and the interactive loop.
//
// # Disclaimer
//
// Output is not a substitute for professional medical advice.
package doseguide
