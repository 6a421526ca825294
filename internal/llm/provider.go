// Package llm provides the two interchangeable text backends used by the
// insight coordinator: a direct chat-completions model and a multi-agent
// network. Both take a prompt or task text and return raw text.
package llm

import (
	"context"
	"errors"
	"io"
	"time"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxStreamedResponseSize limits total streamed response size (10MB)
	MaxStreamedResponseSize = 10 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNoResponse is returned when every attempt failed or the backend
	// produced empty output.
	ErrNoResponse = errors.New("no response from provider")

	// ErrNotConfigured is returned when the backend lacks endpoint or credentials.
	ErrNotConfigured = errors.New("provider not configured")
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROVIDER
// ═══════════════════════════════════════════════════════════════════════════════

// Provider names used in per-widget provider selection.
const (
	ProviderDirect       = "openai"
	ProviderAgentNetwork = "neurosan"
)

// Provider defines the contract shared by every backend.
type Provider interface {
	// Invoke sends the request and returns the trimmed raw text.
	Invoke(ctx context.Context, req *Request) (string, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured.
	Available() bool
}

// Request is one call to a provider.
type Request struct {
	// Widget is the widget this call is computing. The agent network uses it
	// to pick a network.
	Widget string

	// Prompt is the user prompt for the direct model or the task text for
	// the agent network.
	Prompt string

	// Structured asks the direct model for minified JSON only.
	Structured bool

	// Temperature controls randomness (0.0-1.0).
	Temperature float64

	// Attempts overrides the provider's default attempt count when > 0.
	Attempts int
}

// Observer receives one callback per provider call. Used for metrics.
type Observer func(provider string, widget string, d time.Duration, err error)
