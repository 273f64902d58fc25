package cli

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/smallnest/doseguide/config"
	"github.com/smallnest/doseguide/errs"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s.,-]`)

// Sanitize trims text and drops every character outside letters, digits,
// whitespace and ".,-".
func Sanitize(text string) string {
	return unsafeChars.ReplaceAllString(strings.TrimSpace(text), "")
}

type transformation struct {
	match   *regexp.Regexp
	replace string
}

// field is a config.Field with its rules compiled.
type field struct {
	config.Field
	enum      []string
	transform []transformation
}

func compileFields(cfg *config.Config) ([]field, error) {
	fields := make([]field, 0, len(cfg.InputFields))
	for _, f := range cfg.InputFields {
		cf := field{Field: f}
		if f.Validation.Type == "enum" {
			cf.enum = cfg.EnumValues(f)
		}
		for _, t := range f.Transformations {
			re, err := regexp.Compile(`^(?:` + t.Match + `)`)
			if err != nil {
				return nil, errs.Configuration("input field %q: bad transformation %q: %v", f.Name, t.Match, err)
			}
			cf.transform = append(cf.transform, transformation{match: re, replace: t.Replace})
		}
		fields = append(fields, cf)
	}
	return fields, nil
}

// normalize lower-cases, sanitises and transforms a raw answer. Every
// transformation whose pattern matches the start of the current value
// replaces it, in order.
func (f field) normalize(raw string) string {
	v := Sanitize(strings.ToLower(raw))
	for _, t := range f.transform {
		if t.match.MatchString(v) {
			v = t.replace
		}
	}
	return v
}

// answer is a validated input; present is false for a skipped optional field.
type answer struct {
	text    string
	number  float64
	present bool
}

// parse validates a normalised value. A non-empty problem is shown to the user.
func (f field) parse(v string) (a answer, problem string) {
	switch f.Type {
	case "numeric":
		if v == "" {
			if f.Optional {
				return answer{}, ""
			}
			return answer{}, fmt.Sprintf("%s is required.", f.Name)
		}
		lo, hi := *f.Validation.Min, *f.Validation.Max
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(n) || n < lo || n > hi {
			return answer{}, fmt.Sprintf("%s must be between %s and %s.", f.Name, formatNumber(lo), formatNumber(hi))
		}
		return answer{text: v, number: n, present: true}, ""
	default:
		if f.enum != nil && !slices.Contains(f.enum, v) {
			return answer{}, fmt.Sprintf("Invalid %s. Please enter one of: %s", f.Name, strings.Join(f.enum, ", "))
		}
		return answer{text: v, present: v != ""}, ""
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
