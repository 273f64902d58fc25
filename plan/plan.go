// Package plan writes the two-paragraph mitigation plan shown after the
// dosage and interaction lookups.
//
// The plan is generated by a text-generation service and accepted only when
// it has the expected shape; otherwise a template plan is built from the
// same facts. Accepted plans are cached by request.
package plan

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/smallnest/doseguide/agent"
	"github.com/smallnest/doseguide/cache"
	"github.com/smallnest/doseguide/errs"
	"github.com/smallnest/doseguide/generation"
	"github.com/smallnest/doseguide/log"
	"github.com/smallnest/doseguide/retry"
)

// Drug carries the raw facts retrieved for one medication.
type Drug struct {
	Name         string
	Dosage       string
	Interactions string
}

// Request asks for a plan covering exactly two drugs.
type Request struct {
	Condition string
	Age       float64
	// WeightKg is zero or negative when unknown.
	WeightKg float64
	Drugs    []Drug
}

// Processor reduces raw dosage text for a patient. agent.DosageAgent implements it.
type Processor interface {
	ProcessData(ctx context.Context, raw string, c agent.Context) (agent.Output, error)
}

// Planner builds mitigation plans.
type Planner struct {
	generator generation.Generator
	processor Processor
	cache     cache.Store
	sampling  generation.Options
	policy    *retry.Policy
}

// Option is a function that configures a Planner.
type Option func(*Planner)

// WithCache stores accepted plans in store.
func WithCache(store cache.Store) Option {
	return func(p *Planner) {
		p.cache = store
	}
}

// WithSampling overrides the generation parameters.
func WithSampling(opts generation.Options) Option {
	return func(p *Planner) {
		p.sampling = opts
	}
}

// WithPolicy overrides the attempt count and backoff for generation.
func WithPolicy(policy *retry.Policy) Option {
	return func(p *Planner) {
		p.policy = policy
	}
}

// New creates a Planner. By default it makes 3 attempts with a 0.5s
// exponential backoff.
func New(generator generation.Generator, processor Processor, opts ...Option) *Planner {
	p := &Planner{
		generator: generator,
		processor: processor,
		sampling:  generation.DefaultOptions(),
		policy:    &retry.Policy{MaxAttempts: 3, BackoffFactor: 0.5},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Key is the plan cache key of a request.
func Key(req Request) string {
	names := make([]string, len(req.Drugs))
	for i, d := range req.Drugs {
		names[i] = DisplayName(d.Name)
	}
	raw := fmt.Sprintf("%s:%s:%s:%s", req.Condition, formatNumber(req.Age), weightText(req.WeightKg), strings.Join(names, ":"))
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Plan returns the plan text followed by the disclaimer.
func (p *Planner) Plan(ctx context.Context, req Request) (string, error) {
	if len(req.Drugs) != 2 {
		return "", errs.Validation("a plan needs data for two drugs, got %d", len(req.Drugs))
	}

	data := promptData{
		Age:       formatNumber(req.Age),
		Weight:    weightText(req.WeightKg),
		Condition: req.Condition,
	}
	for i, d := range req.Drugs {
		f, err := p.condense(ctx, d, req)
		if err != nil {
			return "", err
		}
		if i == 0 {
			data.First = f
		} else {
			data.Second = f
		}
	}

	key := Key(req)
	if p.cache != nil {
		cached, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			log.Warn("plan cache read failed: %v", err)
		} else if ok {
			log.Info("retrieved mitigation plan from cache for %s", req.Condition)
			return withDisclaimer(cached), nil
		}
	}

	prompt, err := buildPrompt(data)
	if err != nil {
		return "", err
	}

	text, err := p.generate(ctx, prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		log.Warn("using fallback plan: %v", err)
		return withDisclaimer(fallback(data)), nil
	}

	if p.cache != nil {
		if err := p.cache.Put(ctx, key, text); err != nil {
			log.Warn("plan cache write failed: %v", err)
		}
	}
	return withDisclaimer(text), nil
}

func (p *Planner) condense(ctx context.Context, d Drug, req Request) (facts, error) {
	name := DisplayName(d.Name)
	out, err := p.processor.ProcessData(ctx, d.Dosage, agent.Context{
		Medication: name,
		Age:        req.Age,
		WeightKg:   req.WeightKg,
	})
	if err != nil {
		return facts{}, fmt.Errorf("process dosage for %s: %w", name, err)
	}

	interactions := d.Interactions
	if strings.TrimSpace(interactions) == "" {
		interactions = NoInteractions
	}
	return facts{
		Name:         name,
		Dosage:       ExtractDoseFrequency(out.Text),
		Interactions: SummarizeInteraction(interactions, name),
	}, nil
}

var errInvalidPlan = errors.New("invalid plan")

// generate asks for a plan until one is valid or attempts run out. Every
// failure, including an invalid shape, counts as retryable.
func (p *Planner) generate(ctx context.Context, prompt string) (string, error) {
	attempt := 0
	return retry.Do(ctx, p.policy, func(ctx context.Context) (string, error) {
		attempt++
		log.Info("generating plan (attempt %d/%d)", attempt, p.policy.MaxAttempts)

		raw, err := p.generator.Generate(ctx, prompt, p.sampling)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", errs.Transient("generate plan: %v", err)
		}
		log.Debug("raw plan: %q", raw)

		paragraphs := Paragraphs(Clean(raw))
		if !Valid(paragraphs) {
			log.Warn("invalid plan (paragraphs: %d), retrying", len(paragraphs))
			return "", fmt.Errorf("%w: %w with %d paragraphs", errs.ErrTransient, errInvalidPlan, len(paragraphs))
		}
		return Format(paragraphs[0], paragraphs[1]), nil
	})
}

func withDisclaimer(plan string) string {
	return plan + "\n\n" + Disclaimer
}

// DisplayName capitalises a drug name: first letter upper, rest lower.
func DisplayName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	r, size := utf8.DecodeRuneInString(name)
	if size == 0 {
		return name
	}
	return string(unicode.ToUpper(r)) + name[size:]
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func weightText(kg float64) string {
	if kg <= 0 {
		return "unknown"
	}
	return formatNumber(kg)
}
