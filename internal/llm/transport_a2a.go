package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient"
	"github.com/a2aproject/a2a-go/a2aclient/agentcard"
)

// ErrTaskFailed is returned when the remote agent reports a failed or
// canceled task.
var ErrTaskFailed = errors.New("agent task failed")

// a2aSender is the subset of *a2aclient.Client the transport uses.
type a2aSender interface {
	SendMessage(ctx context.Context, params *a2a.MessageSendParams) (a2a.SendMessageResult, error)
	SendStreamingMessage(ctx context.Context, params *a2a.MessageSendParams) iter.Seq2[a2a.Event, error]
}

// A2ATransport reaches agent networks that publish an A2A agent card at
// {base}/{network}. Clients are resolved once per network and cached.
type A2ATransport struct {
	baseURL    string
	streaming  bool
	authToken  string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]a2aSender
	dial    func(ctx context.Context, cardURL string) (a2aSender, error)
}

// NewA2ATransport creates an A2A transport.
func NewA2ATransport(baseURL string, streaming bool, authToken string, httpClient *http.Client) *A2ATransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	t := &A2ATransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		streaming:  streaming,
		authToken:  authToken,
		httpClient: httpClient,
		clients:    make(map[string]a2aSender),
	}
	t.dial = t.resolve
	return t
}

// Name returns the transport identifier.
func (t *A2ATransport) Name() string {
	return "a2a"
}

// Send delivers the task text as a user message and folds every text or
// data part the agent returns, keeping the last JSON object.
func (t *A2ATransport) Send(ctx context.Context, network, text string) (map[string]interface{}, error) {
	client, err := t.client(ctx, network)
	if err != nil {
		return nil, err
	}

	params := &a2a.MessageSendParams{
		Message: a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: text}),
	}

	var chunks []string
	if t.streaming {
		for event, err := range client.SendStreamingMessage(ctx, params) {
			if err != nil {
				return nil, fmt.Errorf("streaming error: %w", err)
			}
			out, done, err := collectEvent(event)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, out...)
			if done {
				break
			}
		}
		return FoldValues(chunks), nil
	}

	resp, err := client.SendMessage(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	switch r := resp.(type) {
	case *a2a.Task:
		if r.Status.State == a2a.TaskStateFailed || r.Status.State == a2a.TaskStateCanceled {
			return nil, ErrTaskFailed
		}
		for _, art := range r.Artifacts {
			if art != nil {
				chunks = append(chunks, partsText(art.Parts)...)
			}
		}
	case *a2a.Message:
		chunks = append(chunks, partsText(r.Parts)...)
	default:
		return nil, errors.New("nil response from agent")
	}
	return FoldValues(chunks), nil
}

// collectEvent extracts part payloads from one stream event and reports
// whether the stream reached a terminal state.
func collectEvent(event a2a.Event) ([]string, bool, error) {
	switch e := event.(type) {
	case *a2a.TaskStatusUpdateEvent:
		if e.Final {
			if e.Status.State == a2a.TaskStateFailed || e.Status.State == a2a.TaskStateCanceled {
				return nil, true, ErrTaskFailed
			}
			return nil, true, nil
		}
	case *a2a.TaskArtifactUpdateEvent:
		if e.Artifact != nil {
			return partsText(e.Artifact.Parts), false, nil
		}
	case *a2a.Task:
		if e.Status.State == a2a.TaskStateFailed || e.Status.State == a2a.TaskStateCanceled {
			return nil, true, ErrTaskFailed
		}
		var out []string
		for _, art := range e.Artifacts {
			if art != nil {
				out = append(out, partsText(art.Parts)...)
			}
		}
		return out, e.Status.State.Terminal(), nil
	case *a2a.Message:
		return partsText(e.Parts), false, nil
	}
	return nil, false, nil
}

// partsText renders text parts verbatim and data parts as JSON.
func partsText[P ~[]a2a.Part](parts P) []string {
	var out []string
	for _, part := range parts {
		switch p := part.(type) {
		case a2a.TextPart:
			out = append(out, p.Text)
		case a2a.DataPart:
			if b, err := json.Marshal(p.Data); err == nil {
				out = append(out, string(b))
			}
		}
	}
	return out
}

func (t *A2ATransport) client(ctx context.Context, network string) (a2aSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[network]; ok {
		return c, nil
	}
	c, err := t.dial(ctx, t.baseURL+"/"+network)
	if err != nil {
		return nil, err
	}
	t.clients[network] = c
	return c, nil
}

// resolve fetches the agent card and builds a client from it.
func (t *A2ATransport) resolve(ctx context.Context, cardURL string) (a2aSender, error) {
	resolver := agentcard.NewResolver(t.httpClient)

	var opts []agentcard.ResolveOption
	if t.authToken != "" {
		opts = append(opts, agentcard.WithRequestHeader("Authorization", "Bearer "+t.authToken))
	}

	card, err := resolver.Resolve(ctx, cardURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("fetch agent card: %w", err)
	}

	client, err := a2aclient.NewFromCard(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("create client from card: %w", err)
	}
	return client, nil
}
