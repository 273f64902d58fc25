// Package cli is the interactive dosage guidance loop.
//
// Each round asks for the configured input fields, looks up dosage and
// interaction facts for the two drugs mapped to the symptom, prints a
// mitigation plan and asks whether to exit.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/smallnest/doseguide/agent"
	"github.com/smallnest/doseguide/config"
	"github.com/smallnest/doseguide/errs"
	"github.com/smallnest/doseguide/log"
	"github.com/smallnest/doseguide/plan"
)

// DosageLookup resolves dosage text. agent.DosageAgent implements it.
type DosageLookup interface {
	GetDosage(ctx context.Context, medication, condition, ageGroup string) (string, error)
}

// InteractionLookup resolves interaction text. agent.InteractionAgent implements it.
type InteractionLookup interface {
	GetInteractions(ctx context.Context, medication string) (string, error)
}

// Planner writes the mitigation plan. plan.Planner implements it.
type Planner interface {
	Plan(ctx context.Context, req plan.Request) (string, error)
}

// Deps are the collaborators of a Driver.
type Deps struct {
	Dosage       DosageLookup
	Interactions InteractionLookup
	Planner      Planner
}

type styles struct {
	plain   lipgloss.Style
	title   lipgloss.Style
	prompt  lipgloss.Style
	result  lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		plain:   r.NewStyle(),
		title:   r.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		prompt:  r.NewStyle().Foreground(lipgloss.Color("14")),
		result:  r.NewStyle().Foreground(lipgloss.Color("10")),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// Driver runs the prompt loop over an input and output stream.
type Driver struct {
	in     *bufio.Scanner
	out    io.Writer
	fields []field
	drugs  map[string][]string
	deps   Deps
	styles styles
	now    func() time.Time
}

// New creates a Driver for the input fields and symptom mapping of cfg.
func New(cfg *config.Config, deps Deps, in io.Reader, out io.Writer) (*Driver, error) {
	if deps.Dosage == nil || deps.Interactions == nil || deps.Planner == nil {
		return nil, errs.Configuration("cli: dosage, interaction and plan collaborators are required")
	}
	fields, err := compileFields(cfg)
	if err != nil {
		return nil, err
	}
	return &Driver{
		in:     bufio.NewScanner(in),
		out:    out,
		fields: fields,
		drugs:  cfg.SymptomDrugs,
		deps:   deps,
		styles: newStyles(out),
		now:    time.Now,
	}, nil
}

// Run loops until the user exits, the input ends or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.println(d.styles.title, "\n👋 Welcome to the Dosage Guidance Agent!")
	d.println(d.styles.plain, "Extracts dosage & food/alcohol interactions for medications.")
	d.println(d.styles.failure, "⚠️ Not a substitute for professional medical advice.")
	d.println(d.styles.plain, strings.Repeat("-", 60))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		answers, ok, err := d.ask()
		if err != nil {
			return eofIsExit(err)
		}
		if !ok {
			continue
		}

		if err := d.round(ctx, answers); err != nil {
			return err
		}

		choice, err := d.readLine("\nWould you like to exit? (yes/no)")
		if err != nil {
			return eofIsExit(err)
		}
		switch Sanitize(strings.ToLower(choice)) {
		case "yes":
			log.Info("exiting program")
			d.println(d.styles.title, "Exiting program...")
			return nil
		case "no":
		default:
			log.Warn("invalid exit choice: %q", choice)
			d.println(d.styles.warning, "Invalid input. Assuming 'no'...")
		}
	}
}

// ask collects one answer per field. ok is false when an answer was
// rejected; the round then starts over.
func (d *Driver) ask() (map[string]answer, bool, error) {
	answers := make(map[string]answer, len(d.fields))
	for _, f := range d.fields {
		raw, err := d.readLine(f.Prompt)
		if err != nil {
			return nil, false, err
		}
		v := f.normalize(raw)
		log.Debug("input %s: %q", f.Name, v)

		a, problem := f.parse(v)
		if problem != "" {
			log.Warn("invalid %s: %q", f.Name, v)
			d.println(d.styles.failure, "❌ "+problem)
			return nil, false, nil
		}
		answers[f.Name] = a
	}
	return answers, true, nil
}

func (d *Driver) round(ctx context.Context, answers map[string]answer) error {
	symptom := answers[config.FieldSymptom].text
	age := answers[config.FieldAge].number
	weight := answers[config.FieldWeight]
	group := agent.AgeGroup(age)

	summary := fmt.Sprintf("ℹ️ Symptom=%s, Age=%s, Group=%s", symptom, formatNumber(age), group)
	if weight.present {
		summary += fmt.Sprintf(", Weight=%s kg", formatNumber(weight.number))
	}
	log.Info("processing: symptom=%s age=%s group=%s weight=%s", symptom, formatNumber(age), group, formatNumber(weight.number))
	d.println(d.styles.result, summary)
	start := d.now()

	drugs, ok := d.drugs[symptom]
	if !ok {
		d.println(d.styles.failure, fmt.Sprintf("❌ No drugs are mapped to %s.", symptom))
		return nil
	}

	req := plan.Request{Condition: symptom, Age: age, WeightKg: weight.number}
	for _, name := range drugs {
		display := plan.DisplayName(name)

		dosage, err := d.deps.Dosage.GetDosage(ctx, name, symptom, group)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.report("dosage", display, err)
			dosage = ""
		} else {
			d.println(d.styles.result, fmt.Sprintf("\n🔍 Dosage for %s:\n%s\n", display, dosage))
		}

		interactions, err := d.deps.Interactions.GetInteractions(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.report("interaction", display, err)
			interactions = ""
		} else {
			d.println(d.styles.result, fmt.Sprintf("\n🔍 Interactions for %s:\n%s\n", display, interactions))
		}

		req.Drugs = append(req.Drugs, plan.Drug{Name: name, Dosage: dosage, Interactions: interactions})
	}

	log.Info("generating mitigation plan")
	d.println(d.styles.title, "🔍 Generating mitigation plan...")
	text, err := d.deps.Planner.Plan(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("plan failed: %v", err)
		d.println(d.styles.failure, fmt.Sprintf("❌ Error: %v", err))
		return nil
	}
	d.println(d.styles.result, fmt.Sprintf("\nMitigation Plan:\n%s\n", text))

	latency := d.now().Sub(start).Seconds()
	log.Info("processing took %.2f seconds", latency)
	d.println(d.styles.result, fmt.Sprintf("Processing took %.2f seconds.", latency))
	return nil
}

func (d *Driver) report(kind, drug string, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		log.Warn("no %s data for %s: %v", kind, drug, err)
		d.println(d.styles.warning, fmt.Sprintf("\n🔍 No %s data available for %s.\n", kind, drug))
		return
	}
	log.Error("%s lookup failed for %s: %v", kind, drug, err)
	d.println(d.styles.failure, fmt.Sprintf("\n❌ Could not retrieve %s data for %s: %v\n", kind, drug, err))
}

func (d *Driver) readLine(prompt string) (string, error) {
	fmt.Fprint(d.out, d.styles.prompt.Render(prompt+": "))
	if !d.in.Scan() {
		if err := d.in.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return d.in.Text(), nil
}

// println renders text line by line so styles never pad lines to a common width.
func (d *Driver) println(style lipgloss.Style, text string) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = style.Render(line)
		}
	}
	fmt.Fprintln(d.out, strings.Join(lines, "\n"))
}

func eofIsExit(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
