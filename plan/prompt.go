package plan

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Paragraph markers the generated plan must carry.
const (
	DosageOpening      = "Hello!"
	DosageClosing      = "Follow doctor’s advice!"
	InteractionOpening = "Caution! "
	InteractionClosing = "Consult a doctor!"
	// MaxParagraph is the longest accepted paragraph, in characters.
	MaxParagraph = 400
)

// Disclaimer is appended to every plan.
const Disclaimer = "⚠️ This is not a substitute for professional medical advice. Always consult a doctor."

var promptTemplate = template.Must(template.New("plan").Parse(`
You are a doctor speaking to a parent. Generate a mitigation plan for a {{.Age}}-year-old ({{.Weight}} kg) with {{.Condition}}. The plan must have exactly two paragraphs separated by a single newline, each under 400 characters.

**Dosage Paragraph:**
- Start with "Hello!"
- Include precise dosing for {{.First.Name}} and {{.Second.Name}} using the exact details below.
- End with "Follow doctor’s advice!"

**Interactions Paragraph:**
- Start with "Caution! "
- Summarize food/alcohol interactions using the exact details below. If none, state "No interactions."
- End with "Consult a doctor!"

**Input:**
- {{.First.Name}} Dosage: {{.First.Dosage}}
- {{.First.Name}} Interactions: {{.First.Interactions}}
- {{.Second.Name}} Dosage: {{.Second.Dosage}}
- {{.Second.Name}} Interactions: {{.Second.Interactions}}
`))

// facts are the condensed per-drug inputs of a plan.
type facts struct {
	Name         string
	Dosage       string
	Interactions string
}

type promptData struct {
	Age           string
	Weight        string
	Condition     string
	First, Second facts
}

func buildPrompt(d promptData) (string, error) {
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render plan prompt: %w", err)
	}
	return buf.String(), nil
}

var (
	roleTokenRE = regexp.MustCompile(`(?im)^(?:assistant|user|system|<\|[^>]*\|>)+\s*`)
	strict      = bluemonday.StrictPolicy()
)

// Clean strips chat role tokens and any markup from generated text.
func Clean(text string) string {
	text = roleTokenRE.ReplaceAllString(text, "")
	return html.UnescapeString(strict.Sanitize(text))
}

// Paragraphs returns the non-empty trimmed lines of text.
func Paragraphs(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Valid reports whether paragraphs form an acceptable plan.
func Valid(paragraphs []string) bool {
	if len(paragraphs) != 2 {
		return false
	}
	dosage, interaction := paragraphs[0], paragraphs[1]
	return strings.HasPrefix(dosage, DosageOpening) &&
		strings.HasSuffix(dosage, DosageClosing) &&
		strings.HasPrefix(interaction, InteractionOpening) &&
		strings.HasSuffix(interaction, InteractionClosing) &&
		utf8.RuneCountInString(dosage) <= MaxParagraph &&
		utf8.RuneCountInString(interaction) <= MaxParagraph
}

// Format lays out the two paragraphs of a plan.
func Format(dosage, interaction string) string {
	return fmt.Sprintf("Dosage Plan:\n%s\n\nInteraction Plan:\n%s", dosage, interaction)
}

func fallback(d promptData) string {
	dosage := fmt.Sprintf("%s For your %s-year-old with %s, give %s (%s) or %s (%s). %s",
		DosageOpening, d.Age, d.Condition, d.First.Name, d.First.Dosage, d.Second.Name, d.Second.Dosage, DosageClosing)
	interaction := fmt.Sprintf("%s%s: %s %s: %s %s",
		InteractionOpening, d.First.Name, d.First.Interactions, d.Second.Name, d.Second.Interactions, InteractionClosing)
	return Format(truncate(dosage), truncate(interaction))
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxParagraph {
		return s
	}
	r := []rune(s)
	return string(r[:MaxParagraph-3]) + "..."
}
