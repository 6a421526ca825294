package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// HTTPTransport talks to an agent-network server over its chat API:
// POST {base}/api/v1/{network}/streaming_chat (or /chat when not streaming)
// with {"user_message":{"text":...}}.
type HTTPTransport struct {
	baseURL   string
	streaming bool
	client    *http.Client
}

// NewHTTPTransport creates an HTTP transport. A nil client uses http.DefaultClient.
func NewHTTPTransport(baseURL string, streaming bool, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		baseURL:   strings.TrimRight(baseURL, "/"),
		streaming: streaming,
		client:    client,
	}
}

// Name returns the transport identifier.
func (t *HTTPTransport) Name() string {
	return "http"
}

// Send posts the task and folds the reply into a single object.
func (t *HTTPTransport) Send(ctx context.Context, network, text string) (map[string]interface{}, error) {
	route := "chat"
	if t.streaming {
		route = "streaming_chat"
	}
	endpoint := fmt.Sprintf("%s/api/v1/%s/%s", t.baseURL, url.PathEscape(network), route)

	body, err := json.Marshal(map[string]interface{}{
		"user_message": map[string]string{"text": text},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("agent network error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	if t.streaming {
		return FoldStream(resp.Body)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return data, nil
}
