package plan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/smallnest/doseguide/agent"
	"github.com/smallnest/doseguide/cache"
	"github.com/smallnest/doseguide/cache/memory"
	"github.com/smallnest/doseguide/errs"
	"github.com/smallnest/doseguide/generation"
	"github.com/smallnest/doseguide/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPlan = "Hello! Give Ibuprofen 200 mg every 4 hours or Acetaminophen 500 mg every 6 hours. Follow doctor’s advice!\n" +
	"Caution! Avoid alcohol with both. Consult a doctor!"

type scriptedGenerator struct {
	replies []string
	errs    []error
	prompts []string
	opts    []generation.Options
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string, opts generation.Options) (string, error) {
	i := len(g.prompts)
	g.prompts = append(g.prompts, prompt)
	g.opts = append(g.opts, opts)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.replies) {
		return g.replies[i], nil
	}
	return g.replies[len(g.replies)-1], nil
}

type passThrough struct{}

func (passThrough) ProcessData(_ context.Context, raw string, _ agent.Context) (agent.Output, error) {
	return agent.Output{Text: raw, Processed: true}, nil
}

func testRequest() Request {
	return Request{
		Condition: "headache",
		Age:       30,
		WeightKg:  70,
		Drugs: []Drug{
			{Name: "ibuprofen", Dosage: "400 mg every 4 to 6 hours as needed; not to exceed 6 doses in 24 hours", Interactions: "Avoid alcohol."},
			{Name: "acetaminophen", Dosage: "650 mg every 4 to 6 hours; not to exceed 4 doses in 24 hours"},
		},
	}
}

func fastPolicy() *retry.Policy {
	return &retry.Policy{MaxAttempts: 3}
}

func newCache(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.New(memory.Options{Options: cache.DefaultOptions()})
	require.NoError(t, err)
	return s
}

func TestExtractDoseFrequency(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{
			in:   "400 mg orally every 4 to 6 hours as needed; not to exceed 6 doses in 24 hours",
			want: "400 mg every 4 to 6 hours as needed; max 6 doses day",
		},
		{
			in:   "Initial dose: 0.25 to 0.5 mg orally 3 times a day",
			want: "Initial dose: 0.25 to 0.5 mg orally 3 times a day",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractDoseFrequency(tt.in))
	}
}

func TestSummarizeInteraction(t *testing.T) {
	assert.Equal(t, "No interactions.", SummarizeInteraction(NoInteractions, "Aspirin"))
	assert.Equal(t, "Avoid alcohol; liver risk.", SummarizeInteraction("Do not drink alcohol.", "Acetaminophen"))
	assert.Equal(t, "Avoid alcohol; stomach bleeding. Use cautiously with hypertension.",
		SummarizeInteraction("Alcohol raises bleeding risk. Watch for high blood pressure.", "Ibuprofen"))
	assert.Equal(t, "Avoid alcohol; sedation risk.", SummarizeInteraction("ALCOHOL may add to drowsiness", "Alprazolam"))
	assert.Equal(t, "Check with doctor.", SummarizeInteraction("Grapefruit juice can raise levels.", "Alprazolam"))
}

func TestClean(t *testing.T) {
	raw := "assistant\n<p>Hello! Take <b>200 mg</b>. Follow doctor’s advice!</p>\n<|im_start|>Caution! Don't mix &amp; match. Consult a doctor!"
	got := Clean(raw)
	assert.Equal(t, "Hello! Take 200 mg. Follow doctor’s advice!\nCaution! Don't mix & match. Consult a doctor!", got)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Paragraphs(validPlan)))
	assert.True(t, Valid(Paragraphs("\n  "+strings.ReplaceAll(validPlan, "\n", "\n\n")+"  \n")))

	assert.False(t, Valid(Paragraphs("Hello! Only one. Follow doctor’s advice!")))
	assert.False(t, Valid(Paragraphs(strings.Replace(validPlan, "Hello!", "Hi!", 1))))
	assert.False(t, Valid(Paragraphs(strings.Replace(validPlan, "Caution! ", "Caution!", 1))))

	long := DosageOpening + " " + strings.Repeat("x", MaxParagraph) + " " + DosageClosing
	assert.False(t, Valid([]string{long, "Caution! ok. Consult a doctor!"}))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Ibuprofen", DisplayName("ibuprofen"))
	assert.Equal(t, "Aspirin", DisplayName(" ASPIRIN "))
	assert.Equal(t, "", DisplayName(""))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "786686d96d6cfbd28ecff18d7eecb86f", Key(testRequest()))

	req := testRequest()
	req.Condition, req.Age, req.WeightKg = "fever", 8, 0
	assert.Equal(t, "eab6eacba57302c9b79ca445ce39bdad", Key(req))
}

func TestPlanner_Plan(t *testing.T) {
	ctx := context.Background()
	gen := &scriptedGenerator{replies: []string{"assistant\n" + validPlan}}
	store := newCache(t)
	p := New(gen, passThrough{}, WithCache(store), WithPolicy(fastPolicy()))

	got, err := p.Plan(ctx, testRequest())
	require.NoError(t, err)

	want := "Dosage Plan:\nHello! Give Ibuprofen 200 mg every 4 hours or Acetaminophen 500 mg every 6 hours. Follow doctor’s advice!" +
		"\n\nInteraction Plan:\nCaution! Avoid alcohol with both. Consult a doctor!\n\n" + Disclaimer
	assert.Equal(t, want, got)

	require.Len(t, gen.prompts, 1)
	prompt := gen.prompts[0]
	assert.Contains(t, prompt, "30-year-old (70 kg) with headache")
	assert.Contains(t, prompt, "- Ibuprofen Dosage: 400 mg every 4 to 6 hours as needed; max 6 doses day")
	assert.Contains(t, prompt, "- Ibuprofen Interactions: Avoid alcohol; stomach bleeding.")
	assert.Contains(t, prompt, "- Acetaminophen Interactions: No interactions.")
	assert.Equal(t, generation.DefaultOptions(), gen.opts[0])

	cached, ok, err := store.Get(ctx, Key(testRequest()))
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, cached, Disclaimer)

	again, err := p.Plan(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Len(t, gen.prompts, 1, "second plan must come from the cache")
}

func TestPlanner_RetriesThenSucceeds(t *testing.T) {
	gen := &scriptedGenerator{
		errs:    []error{errors.New("connection reset"), nil, nil},
		replies: []string{"", "Hello! Too short.", validPlan},
	}
	p := New(gen, passThrough{}, WithPolicy(fastPolicy()))

	got, err := p.Plan(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "Dosage Plan:\nHello! Give Ibuprofen"))
	assert.Len(t, gen.prompts, 3)
}

func TestPlanner_FallbackAfterInvalidPlans(t *testing.T) {
	ctx := context.Background()
	gen := &scriptedGenerator{replies: []string{"I cannot help with that."}}
	store := newCache(t)
	p := New(gen, passThrough{}, WithCache(store), WithPolicy(fastPolicy()))

	got, err := p.Plan(ctx, testRequest())
	require.NoError(t, err)
	assert.Len(t, gen.prompts, 3)

	want := "Dosage Plan:\nHello! For your 30-year-old with headache, give Ibuprofen (400 mg every 4 to 6 hours as needed; max 6 doses day) " +
		"or Acetaminophen (650 mg every 4 to 6 hours; max 4 doses day). Follow doctor’s advice!" +
		"\n\nInteraction Plan:\nCaution! Ibuprofen: Avoid alcohol; stomach bleeding. Acetaminophen: No interactions. Consult a doctor!" +
		"\n\n" + Disclaimer
	assert.Equal(t, want, got)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fallback plans are not cached")
}

func TestPlanner_FallbackTruncatesParagraphs(t *testing.T) {
	req := testRequest()
	req.Drugs[0].Dosage = strings.Repeat("take a large amount ", 30)
	gen := &scriptedGenerator{errs: []error{errors.New("down")}, replies: []string{""}}
	p := New(gen, passThrough{}, WithPolicy(&retry.Policy{MaxAttempts: 1}))

	got, err := p.Plan(context.Background(), req)
	require.NoError(t, err)

	paragraphs := Paragraphs(strings.TrimSuffix(got, "\n\n"+Disclaimer))
	require.Len(t, paragraphs, 4)
	assert.Len(t, []rune(paragraphs[1]), MaxParagraph)
	assert.True(t, strings.HasSuffix(paragraphs[1], "..."))
}

func TestPlanner_Validation(t *testing.T) {
	p := New(&scriptedGenerator{replies: []string{validPlan}}, passThrough{})

	req := testRequest()
	req.Drugs = req.Drugs[:1]
	_, err := p.Plan(context.Background(), req)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestPlanner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &scriptedGenerator{replies: []string{validPlan}}
	p := New(gen, passThrough{}, WithPolicy(fastPolicy()))

	_, err := p.Plan(ctx, testRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, gen.prompts)
}

func TestPlanner_UsesDosageAgent(t *testing.T) {
	dosage := agent.NewDosageAgent(nil, nil)
	gen := &scriptedGenerator{replies: []string{validPlan}}
	p := New(gen, dosage, WithPolicy(fastPolicy()))

	req := testRequest()
	req.Drugs[1].Dosage = ""
	_, err := p.Plan(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, gen.prompts[0], "- Acetaminophen Dosage: No dosage information available for Acetaminophen.")
}
