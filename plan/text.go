package plan

import (
	"regexp"
	"strings"
)

var (
	doseFrequencyRE = regexp.MustCompile(`(?i)(\d+\s*(?:to\s*\d+\s*)?(?:mg|ml)).*?(every\s*\d+\s*(?:to\s*\d+\s*)?hours.*?not to exceed\s*\d+\s*doses\s*in\s*24\s*hours)`)
	in24HoursRE     = regexp.MustCompile(`(?i)in\s*24\s*hours`)
)

// NoInteractions is the interaction text used when a drug has none on record.
const NoInteractions = "No food/alcohol interactions found."

// ExtractDoseFrequency shortens a dosage line to "{dose} every N hours max N doses day".
// Lines without a dose, interval and daily maximum are returned unchanged.
func ExtractDoseFrequency(line string) string {
	m := doseFrequencyRE.FindStringSubmatch(line)
	if m == nil {
		return line
	}
	freq := strings.ReplaceAll(m[2], "not to exceed", "max")
	freq = in24HoursRE.ReplaceAllString(freq, "day")
	return m[1] + " " + freq
}

// SummarizeInteraction condenses interaction text for drug into one or two
// short warnings.
func SummarizeInteraction(text, drug string) string {
	lower := strings.ToLower(text)
	if strings.Contains(lower, strings.ToLower(NoInteractions)) {
		return "No interactions."
	}

	drug = strings.ToLower(drug)
	var summary []string
	if strings.Contains(lower, "alcohol") {
		switch {
		case strings.Contains(drug, "acetaminophen"):
			summary = append(summary, "Avoid alcohol; liver risk.")
		case strings.Contains(drug, "ibuprofen"), strings.Contains(drug, "aspirin"):
			summary = append(summary, "Avoid alcohol; stomach bleeding.")
		default:
			summary = append(summary, "Avoid alcohol; sedation risk.")
		}
	}
	if strings.Contains(lower, "high blood pressure") || strings.Contains(lower, "hypertension") {
		summary = append(summary, "Use cautiously with hypertension.")
	}
	if len(summary) == 0 {
		return "Check with doctor."
	}
	return strings.Join(summary, " ")
}
