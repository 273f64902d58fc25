// Package collection holds the static definitions that make the retrieval
// pipeline generic over fact types.
//
// A Schema describes one collection: the properties stored per record, which
// of them identify a query, which one is returned as the result, how cache keys
// are built and how live extraction is performed. Schemas are loaded once at
// startup into a Registry and never change afterwards.
package collection

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/smallnest/doseguide/errs"
)

// DataType is the declared type of a property.
type DataType string

const (
	DataTypeText   DataType = "text"
	DataTypeNumber DataType = "number"
)

// Property is a named, typed field of a collection.
type Property struct {
	Name     string   `yaml:"name"`
	DataType DataType `yaml:"data_type"`
}

// ScrapeRule describes live extraction for a collection.
type ScrapeRule struct {
	// URLTemplate is formatted with {param} placeholders taken from the query.
	URLTemplate string `yaml:"url_template"`
	// ExtractFunction names an entry of the source package's function table.
	ExtractFunction string `yaml:"extract_function"`
	// Params lists, in order, the query parameters handed to the extraction function.
	Params []string `yaml:"params"`
}

// Schema is the definition of one collection.
type Schema struct {
	ID               string     `yaml:"id"`
	Name             string     `yaml:"name"`
	Agent            string     `yaml:"agent"`
	Properties       []Property `yaml:"properties"`
	QueryProperties  []string   `yaml:"query_properties"`
	FilterProperties []string   `yaml:"filter_properties"`
	ResultProperty   string     `yaml:"result_property"`
	MinResultLength  int        `yaml:"min_result_length"`
	CacheKeyTemplate string     `yaml:"cache_key_template"`
	Scrape           ScrapeRule `yaml:"scrape"`
}

// Params are query parameters keyed by filter property name.
type Params map[string]string

// PropertyBag is one fact instance conforming to a Schema.
type PropertyBag map[string]string

var placeholderRE = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Placeholders returns the parameter names referenced by a {name} template.
func Placeholders(template string) []string {
	var names []string
	for _, m := range placeholderRE.FindAllStringSubmatch(template, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// Format substitutes {name} placeholders in template with values from params.
// Unknown placeholders are an error.
func Format(template string, params Params) (string, error) {
	var missing []string
	out := placeholderRE.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", errs.Validation("template %q: missing %s", template, strings.Join(missing, ", "))
	}
	return out, nil
}

// HasProperty reports whether name is a declared property.
func (s *Schema) HasProperty(name string) bool {
	return slices.ContainsFunc(s.Properties, func(p Property) bool { return p.Name == name })
}

// Validate checks the schema invariants.
func (s *Schema) Validate() error {
	if s.ID == "" {
		return errs.Configuration("collection without id")
	}
	if s.Name == "" {
		return errs.Configuration("collection %s: storage name is required", s.ID)
	}
	if len(s.Properties) == 0 {
		return errs.Configuration("collection %s: no properties", s.ID)
	}

	seen := make(map[string]bool, len(s.Properties))
	for _, p := range s.Properties {
		if p.Name == "" {
			return errs.Configuration("collection %s: property without name", s.ID)
		}
		if seen[p.Name] {
			return errs.Configuration("collection %s: duplicate property %s", s.ID, p.Name)
		}
		seen[p.Name] = true
		switch p.DataType {
		case DataTypeText, DataTypeNumber:
		default:
			return errs.Configuration("collection %s: property %s has unsupported type %q", s.ID, p.Name, p.DataType)
		}
	}

	if !s.HasProperty(s.ResultProperty) {
		return errs.Configuration("collection %s: result property %q is not declared", s.ID, s.ResultProperty)
	}
	for _, name := range s.QueryProperties {
		if !s.HasProperty(name) {
			return errs.Configuration("collection %s: query property %q is not declared", s.ID, name)
		}
	}
	if len(s.FilterProperties) == 0 {
		return errs.Configuration("collection %s: at least one filter property is required", s.ID)
	}
	for _, name := range s.FilterProperties {
		if !slices.Contains(s.QueryProperties, name) {
			return errs.Configuration("collection %s: filter property %q is not a query property", s.ID, name)
		}
		if name == s.ResultProperty {
			return errs.Configuration("collection %s: result property %q cannot be a filter", s.ID, name)
		}
	}

	if s.CacheKeyTemplate == "" {
		return errs.Configuration("collection %s: cache key template is required", s.ID)
	}
	if err := s.checkPlaceholders("cache key template", Placeholders(s.CacheKeyTemplate)); err != nil {
		return err
	}

	if s.Scrape.URLTemplate == "" || s.Scrape.ExtractFunction == "" {
		return errs.Configuration("collection %s: scrape rule needs url_template and extract_function", s.ID)
	}
	if err := s.checkPlaceholders("url template", Placeholders(s.Scrape.URLTemplate)); err != nil {
		return err
	}
	if err := s.checkPlaceholders("scrape params", s.Scrape.Params); err != nil {
		return err
	}

	if s.MinResultLength < 0 {
		return errs.Configuration("collection %s: negative min_result_length", s.ID)
	}
	return nil
}

func (s *Schema) checkPlaceholders(what string, names []string) error {
	for _, name := range names {
		if !slices.Contains(s.FilterProperties, name) {
			return errs.Configuration("collection %s: %s references %q which is not a filter property", s.ID, what, name)
		}
	}
	return nil
}

// ValidateParams checks params against the filter properties and returns a
// normalised copy (trimmed, lower-cased). Missing, empty or unexpected keys
// are a validation error.
func (s *Schema) ValidateParams(params Params) (Params, error) {
	var missing, unexpected []string
	out := make(Params, len(s.FilterProperties))

	for _, name := range s.FilterProperties {
		v, ok := params[name]
		v = strings.ToLower(strings.TrimSpace(v))
		if !ok || v == "" {
			missing = append(missing, name)
			continue
		}
		out[name] = v
	}
	for name := range params {
		if !slices.Contains(s.FilterProperties, name) {
			unexpected = append(unexpected, name)
		}
	}
	slices.Sort(unexpected)

	switch {
	case len(missing) > 0 && len(unexpected) > 0:
		return nil, errs.Validation("%s: missing %s; unexpected %s", s.ID, strings.Join(missing, ", "), strings.Join(unexpected, ", "))
	case len(missing) > 0:
		return nil, errs.Validation("%s: missing %s", s.ID, strings.Join(missing, ", "))
	case len(unexpected) > 0:
		return nil, errs.Validation("%s: unexpected %s", s.ID, strings.Join(unexpected, ", "))
	}
	return out, nil
}

// CacheKey renders the cache key template for validated params.
func (s *Schema) CacheKey(params Params) (string, error) {
	return Format(s.CacheKeyTemplate, params)
}

// Filters returns the filter property values of params.
func (s *Schema) Filters(params Params) map[string]string {
	filters := make(map[string]string, len(s.FilterProperties))
	for _, name := range s.FilterProperties {
		filters[name] = params[name]
	}
	return filters
}

// ScrapeArgs returns the params declared by the scrape rule.
func (s *Schema) ScrapeArgs(params Params) Params {
	args := make(Params, len(s.Scrape.Params))
	for _, name := range s.Scrape.Params {
		args[name] = params[name]
	}
	return args
}

// QueryText joins the filter values in declaration order, for embedding.
func (s *Schema) QueryText(params Params) string {
	parts := make([]string, 0, len(s.FilterProperties))
	for _, name := range s.FilterProperties {
		parts = append(parts, params[name])
	}
	return strings.Join(parts, " ")
}

// BagText joins the bag's values in property order, for embedding a record.
func (s *Schema) BagText(bag PropertyBag) string {
	parts := make([]string, 0, len(s.Properties))
	for _, p := range s.Properties {
		if v := bag[p.Name]; v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// Usable reports whether a result value is long enough to be trusted.
func (s *Schema) Usable(result string) bool {
	result = strings.TrimSpace(result)
	return result != "" && len(result) >= s.MinResultLength
}

func (s *Schema) String() string {
	return fmt.Sprintf("collection %s (%s)", s.ID, s.Name)
}
