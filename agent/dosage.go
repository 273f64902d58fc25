package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/smallnest/doseguide/collection"
)

// Query parameter names of the dosage and interaction collections.
const (
	ParamMedication = "medication"
	ParamCondition  = "condition"
	ParamAgeGroup   = "patientAgeGroup"
)

// Age groups.
const (
	AgeGroupAdult     = "adult"
	AgeGroupPediatric = "pediatric"
)

// AdultAge is the first age treated as adult.
const AdultAge = 18

// AgeGroup maps an age in years to its dosing group.
func AgeGroup(age float64) string {
	if age < AdultAge {
		return AgeGroupPediatric
	}
	return AgeGroupAdult
}

var (
	mgPerKgRE   = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?\s*to\s*\d+(?:\.\d+)?\s*mg/kg|\d+(?:\.\d+)?\s*mg/kg)`)
	numberRE    = regexp.MustCompile(`\d+(?:\.\d+)?`)
	frequencyRE = regexp.MustCompile(`(?i)(every\s*\d+\s*to\s*\d+\s*hours|every\s*\d+\s*hours)`)
	maxDosesRE  = regexp.MustCompile(`(?i)(not to exceed\s*\d+\s*doses\s*in\s*24\s*hours)`)
	adultDoseRE = regexp.MustCompile(`(?i)(\d+\s*(?:to\s*\d+\s*)?(?:mg|ml)).*?(every\s*\d+\s*(?:to\s*\d+\s*)?hours.*?not to exceed\s*\d+\s*doses\s*in\s*24\s*hours)`)
)

// DosageAgent answers dosage queries and reduces dosage text to one line.
type DosageAgent struct {
	base
}

var _ Agent = (*DosageAgent)(nil)

// NewDosageAgent binds a dosage agent to schema.
func NewDosageAgent(schema *collection.Schema, r Retriever) *DosageAgent {
	return &DosageAgent{base{schema: schema, retriever: r}}
}

// GetDosage resolves the dosage text for a medication, condition and age group.
func (a *DosageAgent) GetDosage(ctx context.Context, medication, condition, ageGroup string) (string, error) {
	return a.RetrieveData(ctx, collection.Params{
		ParamMedication: medication,
		ParamCondition:  condition,
		ParamAgeGroup:   ageGroup,
	})
}

// ProcessData picks the dose that applies to the patient. A pediatric
// patient with a known weight gets an mg/kg dose scaled to that weight;
// otherwise the first line giving a dose, interval and daily maximum is used.
func (a *DosageAgent) ProcessData(_ context.Context, raw string, c Context) (Output, error) {
	lower := strings.ToLower(raw)
	if strings.TrimSpace(raw) == "" || strings.Contains(lower, "no dosage") {
		return Output{Text: fmt.Sprintf("No dosage information available for %s.", c.Medication), Processed: true}, nil
	}
	if strings.HasPrefix(lower, "not recommended") {
		return Output{Text: strings.TrimSpace(raw), Processed: true}, nil
	}

	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}

	pediatric := AgeGroup(c.Age) == AgeGroupPediatric
	if pediatric && c.WeightKg > 0 {
		for _, line := range lines {
			if dose, ok := weightScaledDose(line, c.WeightKg); ok {
				return Output{Text: dose, Processed: true}, nil
			}
		}
	} else {
		for _, line := range lines {
			if m := adultDoseRE.FindString(line); m != "" {
				return Output{Text: m, Processed: true}, nil
			}
		}
	}

	return Output{
		Text:      fmt.Sprintf("No specific dosage found for %s at age %s.", c.Medication, strconv.FormatFloat(c.Age, 'f', -1, 64)),
		Processed: true,
	}, nil
}

func weightScaledDose(line string, weightKg float64) (string, bool) {
	m := mgPerKgRE.FindString(line)
	if m == "" {
		return "", false
	}

	var doses []int
	for _, n := range numberRE.FindAllString(m, -1) {
		v, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return "", false
		}
		doses = append(doses, int(v*weightKg))
	}

	var dose string
	if len(doses) == 1 {
		dose = fmt.Sprintf("%d mg", doses[0])
	} else {
		dose = fmt.Sprintf("%d to %d mg", doses[0], doses[1])
	}

	frequency := "as needed"
	if f := frequencyRE.FindString(line); f != "" {
		frequency = f
	}
	limit := maxDosesRE.FindString(line)
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", dose, frequency, limit)), true
}
