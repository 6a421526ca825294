package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/normanking/athena/internal/logging"
)

const (
	baseSystemPrompt       = "You are an assistant returning concise structured outputs for contact center widgets."
	structuredSystemSuffix = " ONLY return valid minified JSON. No prose, no markdown, no comments."

	defaultAPIVersion  = "2024-10-01-preview"
	defaultMaxTokens   = 900
	defaultAttempts    = 2
	defaultTemperature = 0.4
)

// DirectConfig contains configuration for the chat-completions backend.
type DirectConfig struct {
	// Endpoint is the API base URL.
	Endpoint string

	// Deployment switches to Azure routing ({endpoint}/openai/deployments/{d}).
	Deployment string

	// APIKey for authentication. Sent as api-key for Azure, Bearer otherwise.
	APIKey string

	// APIVersion is the Azure api-version query parameter.
	APIVersion string

	// Model is sent in the body for OpenAI-style endpoints.
	Model string

	// MaxTokens limits response length.
	MaxTokens int

	// Attempts is the default number of tries per call.
	Attempts int

	// Timeout for one HTTP attempt.
	Timeout time.Duration

	// Backoff is the linear retry step; attempt n waits n*Backoff.
	Backoff time.Duration
}

// DirectProvider calls an OpenAI-compatible chat completions API.
type DirectProvider struct {
	config   DirectConfig
	client   *http.Client
	limiter  *RateLimiter
	observer Observer
	log      *logging.Logger
}

// DirectOption customizes a DirectProvider.
type DirectOption func(*DirectProvider)

// WithRateLimiter throttles outbound calls.
func WithRateLimiter(rl *RateLimiter) DirectOption {
	return func(p *DirectProvider) { p.limiter = rl }
}

// WithObserver registers a per-call callback.
func WithObserver(o Observer) DirectOption {
	return func(p *DirectProvider) { p.observer = o }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) DirectOption {
	return func(p *DirectProvider) { p.client = c }
}

// NewDirectProvider creates a direct provider with defaults applied.
func NewDirectProvider(cfg DirectConfig, opts ...DirectOption) *DirectProvider {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 400 * time.Millisecond
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	p := &DirectProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logging.WithComponent("llm.direct"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *DirectProvider) Name() string {
	return ProviderDirect
}

// Available checks that endpoint and key are configured. Azure routing
// additionally needs a deployment name.
func (p *DirectProvider) Available() bool {
	return p.config.Endpoint != "" && p.config.APIKey != ""
}

// Invoke sends the prompt and returns the trimmed first choice. Connection
// failures, 429 and 5xx responses are retried with linear backoff; any other
// failure returns immediately. ErrNoResponse is returned once attempts are
// exhausted or the model answered with empty content.
func (p *DirectProvider) Invoke(ctx context.Context, req *Request) (string, error) {
	if !p.Available() {
		return "", ErrNotConfigured
	}

	attempts := req.Attempts
	if attempts <= 0 {
		attempts = p.config.Attempts
	}

	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		text, retriable, err := p.attempt(ctx, body)
		if p.observer != nil {
			p.observer(p.Name(), req.Widget, time.Since(start), err)
		}
		if err == nil {
			if text == "" {
				return "", ErrNoResponse
			}
			return text, nil
		}

		lastErr = err
		p.log.Debug("attempt %d/%d failed for %s (retriable=%v): %v", attempt, attempts, req.Widget, retriable, err)
		if !retriable || attempt == attempts {
			break
		}

		select {
		case <-time.After(time.Duration(attempt) * p.config.Backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("%w: %v", ErrNoResponse, lastErr)
}

// attempt performs one HTTP round-trip. retriable reports whether the
// failure is worth another try.
func (p *DirectProvider) attempt(ctx context.Context, body []byte) (text string, retriable bool, err error) {
	if err := p.limiter.Acquire(ctx); err != nil {
		return "", false, err
	}
	defer p.limiter.Release()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(), bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.Deployment != "" {
		httpReq.Header.Set("api-key", p.config.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// no response at all: retriable unless the caller gave up
		return "", !errors.Is(ctx.Err(), context.Canceled), fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		retriable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return "", retriable, fmt.Errorf("chat completions error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var chatResp chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", false, fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", false, nil
	}

	choice := chatResp.Choices[0]
	content := choice.Message.Content
	if content == "" {
		content = choice.Text
	}
	return strings.TrimSpace(content), false, nil
}

func (p *DirectProvider) url() string {
	if p.config.Deployment != "" {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			p.config.Endpoint, url.PathEscape(p.config.Deployment), url.QueryEscape(p.config.APIVersion))
	}
	return p.config.Endpoint + "/chat/completions"
}

func (p *DirectProvider) buildRequest(req *Request) chatCompletionRequest {
	system := baseSystemPrompt
	if req.Structured {
		system += structuredSystemSuffix
	}

	temperature := req.Temperature
	if temperature < 0 {
		temperature = defaultTemperature
	}

	out := chatCompletionRequest{
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: temperature,
		MaxTokens:   p.config.MaxTokens,
	}
	if p.config.Deployment == "" {
		out.Model = p.config.Model
	}
	if req.Structured {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return out
}

// Chat completions API types
type chatCompletionRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		Text         string      `json:"text"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}
