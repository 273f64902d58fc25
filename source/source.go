// Package source performs live extraction of facts from external HTML pages.
//
// A collection's scrape rule names a URL template and an extraction function.
// The functions are compiled into the table below; definitions that name any
// other function are rejected at startup by ValidateRules.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/smallnest/doseguide/collection"
	"github.com/smallnest/doseguide/errs"
	"github.com/smallnest/doseguide/log"
)

// ExtractFunc pulls one result value out of a parsed page. args follow the
// order of the scrape rule's params.
type ExtractFunc func(doc *goquery.Document, args ...string) (string, error)

var functions = map[string]extractor{
	"extract_dosage_info":           {arity: 3, fn: ExtractDosage},
	"extract_food_interaction_info": {arity: 0, fn: ExtractFoodInteractions},
}

type extractor struct {
	// arity is the number of args required; the food table needs none.
	arity int
	fn    ExtractFunc
}

// ValidateRules checks that every collection names a known extraction
// function with a matching number of params.
func ValidateRules(registry *collection.Registry) error {
	for _, schema := range registry.Schemas() {
		ex, ok := functions[schema.Scrape.ExtractFunction]
		if !ok {
			return errs.Configuration("collection %s: unknown extract function %q", schema.ID, schema.Scrape.ExtractFunction)
		}
		if len(schema.Scrape.Params) < ex.arity {
			return errs.Configuration("collection %s: %s needs %d params, got %d",
				schema.ID, schema.Scrape.ExtractFunction, ex.arity, len(schema.Scrape.Params))
		}
	}
	return nil
}

// Client fetches pages and applies extraction functions.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// Option is a function that configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// New creates a Client with a 10s timeout.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "Mozilla/5.0 (compatible; doseguide/1.0)",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Extract renders the schema's URL, fetches it and returns a bag holding the
// filter params and the extracted result property.
func (c *Client) Extract(ctx context.Context, schema *collection.Schema, params collection.Params) (collection.PropertyBag, error) {
	ex, ok := functions[schema.Scrape.ExtractFunction]
	if !ok {
		return nil, errs.Configuration("collection %s: unknown extract function %q", schema.ID, schema.Scrape.ExtractFunction)
	}

	pageURL, err := RenderURL(schema.Scrape.URLTemplate, params)
	if err != nil {
		return nil, err
	}

	log.Info("scraping %s", pageURL)
	doc, err := c.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	args := make([]string, len(schema.Scrape.Params))
	for i, name := range schema.Scrape.Params {
		args[i] = params[name]
	}
	result, err := ex.fn(doc, args...)
	if err != nil {
		return nil, err
	}

	bag := make(collection.PropertyBag, len(schema.FilterProperties)+1)
	for name, v := range schema.Filters(params) {
		bag[name] = v
	}
	bag[schema.ResultProperty] = result
	return bag, nil
}

// RenderURL fills the template with slugified params.
func RenderURL(template string, params collection.Params) (string, error) {
	slugs := make(collection.Params, len(params))
	for k, v := range params {
		slugs[k] = Slug(v)
	}
	return collection.Format(template, slugs)
}

// Slug lower-cases v, replaces spaces with dashes and path-escapes the result.
func Slug(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.Join(strings.Fields(v), "-")
	return url.PathEscape(v)
}

// Fetch GETs pageURL and parses it. 404 is ErrNotFound; any other non-2xx
// status is an *errs.StatusError.
func (c *Client) Fetch(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errs.NotFound("page %s does not exist", pageURL)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &errs.StatusError{Service: "source " + pageURL, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", errs.ErrTransient, pageURL, err)
	}
	return doc, nil
}
