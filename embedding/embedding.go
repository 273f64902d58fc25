// Package embedding turns text into vectors for the vector store.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/smallnest/doseguide/errs"
)

// DefaultMaxLength is the token limit sent to the embedding endpoint.
const DefaultMaxLength = 256

// Embedder produces one vector per input text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HTTP calls an embedding endpoint that accepts {"texts", "max_length"}
// and answers {"embeddings"}.
type HTTP struct {
	url        string
	apiKey     string
	maxLength  int
	httpClient *http.Client
}

var _ Embedder = (*HTTP)(nil)

// Option is a function that configures an HTTP embedder.
type Option func(*HTTP)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(apiKey string) Option {
	return func(h *HTTP) {
		h.apiKey = apiKey
	}
}

// WithMaxLength sets max_length; non-positive values are ignored.
func WithMaxLength(n int) Option {
	return func(h *HTTP) {
		if n > 0 {
			h.maxLength = n
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(h *HTTP) {
		h.httpClient = client
	}
}

// NewHTTP creates an embedder for the endpoint at url.
func NewHTTP(url string, opts ...Option) (*HTTP, error) {
	if url == "" {
		return nil, errs.Configuration("embedding url is not set")
	}
	h := &HTTP{
		url:        url,
		maxLength:  DefaultMaxLength,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// MaxLength returns the configured max_length.
func (h *HTTP) MaxLength() int { return h.maxLength }

type embedRequest struct {
	Texts     []string `json:"texts"`
	MaxLength int      `json:"max_length"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed posts texts in a single request.
func (h *HTTP) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Texts: texts, MaxLength: h.maxLength})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", errs.ErrTransient, err)
	}

	var result embedResponse
	decodeErr := json.Unmarshal(respBody, &result)

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if decodeErr == nil && result.Error != "" {
			msg = result.Error
		}
		return nil, &errs.StatusError{Service: "embedding API", Code: resp.StatusCode, Body: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("unmarshal response: %w", decodeErr)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// OpenAI embeds through an OpenAI-compatible API.
type OpenAI struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI creates an embedder; an empty model selects text-embedding-3-small.
func NewOpenAI(client *openai.Client, model string) *OpenAI {
	m := openai.SmallEmbedding3
	if model != "" {
		m = openai.EmbeddingModel(model)
	}
	return &OpenAI{client: client, model: m}
}

// Embed requests all texts at once and restores input order.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: o.model,
	})
	if err != nil {
		return nil, openAIError(err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("no embedding returned for text %d", i)
		}
	}
	return out, nil
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &errs.StatusError{Service: "openai embeddings", Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &errs.StatusError{Service: "openai embeddings", Code: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return fmt.Errorf("openai embeddings: %w", err)
}
