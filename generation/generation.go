// Package generation calls text-generation services.
package generation

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
	"github.com/tmc/langchaingo/llms"
)

// Options are the sampling parameters of one request.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
	MinTokens   int     `json:"min_tokens,omitempty"`
}

// DefaultOptions favours short, near-deterministic output.
func DefaultOptions() Options {
	return Options{Temperature: 0.1, TopP: 0.9, MaxTokens: 200, MinTokens: 100}
}

// Generator returns text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// HTTP posts {"prompt", "sampling_params"} and reads {"generated_text"}.
type HTTP struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

var _ Generator = (*HTTP)(nil)

// Option is a function that configures an HTTP generator.
type Option func(*HTTP)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(apiKey string) Option {
	return func(h *HTTP) {
		h.apiKey = apiKey
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(h *HTTP) {
		h.httpClient = client
	}
}

// NewHTTP creates a generator for the endpoint at url.
func NewHTTP(url string, opts ...Option) (*HTTP, error) {
	if url == "" {
		return nil, errs.Configuration("generation url is not set")
	}
	h := &HTTP{
		url:        url,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type generateRequest struct {
	Prompt         string  `json:"prompt"`
	SamplingParams Options `json:"sampling_params"`
}

type generateResponse struct {
	GeneratedText string `json:"generated_text"`
	Error         string `json:"error,omitempty"`
}

// Generate sends one request.
func (h *HTTP) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, SamplingParams: opts})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", errs.ErrTransient, err)
	}

	var result generateResponse
	decodeErr := json.Unmarshal(respBody, &result)

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if decodeErr == nil && result.Error != "" {
			msg = result.Error
		}
		return "", &errs.StatusError{Service: "generation API", Code: resp.StatusCode, Body: msg}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("unmarshal response: %w", decodeErr)
	}
	return result.GeneratedText, nil
}

// OpenAI generates with a chat completion model.
type OpenAI struct {
	client *openai.Client
	model  string
}

var _ Generator = (*OpenAI)(nil)

// NewOpenAI creates a generator; an empty model selects gpt-4o-mini.
func NewOpenAI(client *openai.Client, model string) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: client, model: model}
}

// Generate sends the prompt as a single user message.
func (o *OpenAI) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: float32(opts.Temperature),
		TopP:        float32(opts.TopP),
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errs.Transient("openai chat: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &errs.StatusError{Service: "openai chat", Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &errs.StatusError{Service: "openai chat", Code: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return fmt.Errorf("openai chat: %w", err)
}

// LangChain adapts any langchaingo model.
type LangChain struct {
	Model llms.Model
}

var _ Generator = LangChain{}

// Generate calls the model with the sampling options mapped to call options.
func (l LangChain) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	callOpts := []llms.CallOption{
		llms.WithTemperature(opts.Temperature),
		llms.WithTopP(opts.TopP),
		llms.WithMaxTokens(opts.MaxTokens),
	}
	if opts.MinTokens > 0 {
		callOpts = append(callOpts, llms.WithMinLength(opts.MinTokens))
	}
	text, err := llms.GenerateFromSinglePrompt(ctx, l.Model, prompt, callOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: langchain generate: %w", errs.ErrTransient, err)
	}
	return text, nil
}
