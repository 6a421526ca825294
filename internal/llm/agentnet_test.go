package llm

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldStream(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]interface{}
	}{
		{
			name: "keeps last object",
			in:   "data: {\"n\":1}\n\ndata: {\"n\":2}\n",
			want: map[string]interface{}{"n": 2.0},
		},
		{
			name: "ignores junk between objects",
			in:   "{\"n\":1}\nnot json\n: keepalive\n{\"n\":3}\nmore junk",
			want: map[string]interface{}{"n": 3.0},
		},
		{
			name: "salvages trailing partial",
			in:   "event: message\ndata: reply {\"summary\":\"x\"} end",
			want: map[string]interface{}{"summary": "x"},
		},
		{
			name: "nothing usable",
			in:   "hello\nworld",
			want: map[string]interface{}{},
		},
		{
			name: "arrays are not objects",
			in:   "[1,2]\n{\"ok\":true}\n[3]",
			want: map[string]interface{}{"ok": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FoldStream(strings.NewReader(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFoldValues(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"b": 1.0}, FoldValues([]string{`{"a":1}`, "text", `{"b":1}`}))
	assert.Equal(t,
		map[string]interface{}{"response": map[string]interface{}{"text": "line one\nline two"}},
		FoldValues([]string{"line one", "line two"}))
	assert.Empty(t, FoldValues(nil))
}

func TestHTTPTransport_Streaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/m365_admin/streaming_chat", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "plan things", body["user_message"]["text"])

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"response\":{\"text\":\"partial\"}}\n\n"))
		w.Write([]byte("data: {\"response\":{\"actions\":[{\"id\":\"a1\"}]}}\n\n"))
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL+"/", true, server.Client())
	data, err := tr.Send(context.Background(), "m365_admin", "plan things")
	require.NoError(t, err)
	resp := data["response"].(map[string]interface{})
	assert.Len(t, resp["actions"], 1)
}

func TestHTTPTransport_NonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/contact_center_systems_architect/chat", r.URL.Path)
		w.Write([]byte(`{"response":{"text":"draft reply"}}`))
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, false, nil)
	data, err := tr.Send(context.Background(), DefaultNetwork, "task")
	require.NoError(t, err)
	assert.Equal(t, "draft reply", data["response"].(map[string]interface{})["text"])
}

func TestHTTPTransport_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewHTTPTransport(server.URL, true, nil).Send(context.Background(), "n", "t")
	assert.ErrorContains(t, err, "502")
}

type stubTransport struct {
	network string
	text    string
	data    map[string]interface{}
	err     error
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Send(_ context.Context, network, text string) (map[string]interface{}, error) {
	s.network, s.text = network, text
	return s.data, s.err
}

func TestAgentNetworkProvider_NetworkSelection(t *testing.T) {
	tr := &stubTransport{data: map[string]interface{}{"response": map[string]interface{}{"text": "ok"}}}
	p := NewAgentNetworkProvider(AgentNetworkConfig{
		Networks: map[string]string{"agent_network_execute": "m365_admin", "LIVE_RESPONSE": ""},
	}, tr, nil)

	assert.Equal(t, "m365_admin", p.NetworkFor("AGENT_NETWORK_EXECUTE"))
	assert.Equal(t, DefaultNetwork, p.NetworkFor("LIVE_RESPONSE"))

	out, err := p.Invoke(context.Background(), &Request{Widget: "AGENT_NETWORK_EXECUTE", Prompt: "run it"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"response":{"text":"ok"}}`, out)
	assert.Equal(t, "m365_admin", tr.network)
	assert.Equal(t, "run it", tr.text)
}

func TestAgentNetworkProvider_TransportError(t *testing.T) {
	p := NewAgentNetworkProvider(AgentNetworkConfig{}, &stubTransport{err: errors.New("refused")}, nil)
	_, err := p.Invoke(context.Background(), &Request{Widget: "NEXT_BEST_ACTION"})
	assert.ErrorContains(t, err, "refused")

	var unwired *AgentNetworkProvider = NewAgentNetworkProvider(AgentNetworkConfig{}, nil, nil)
	_, err = unwired.Invoke(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

type fakeA2A struct {
	reply  a2a.SendMessageResult
	events []a2a.Event
}

func (f *fakeA2A) SendMessage(context.Context, *a2a.MessageSendParams) (a2a.SendMessageResult, error) {
	return f.reply, nil
}

func (f *fakeA2A) SendStreamingMessage(context.Context, *a2a.MessageSendParams) iter.Seq2[a2a.Event, error] {
	return func(yield func(a2a.Event, error) bool) {
		for _, e := range f.events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func newFakeA2ATransport(streaming bool, fake *fakeA2A) (*A2ATransport, *[]string) {
	var dialed []string
	tr := NewA2ATransport("http://agents.local/", streaming, "", nil)
	tr.dial = func(_ context.Context, cardURL string) (a2aSender, error) {
		dialed = append(dialed, cardURL)
		return fake, nil
	}
	return tr, &dialed
}

func TestA2ATransport_Message(t *testing.T) {
	fake := &fakeA2A{reply: a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: `{"title":"Call back"}`})}
	tr, dialed := newFakeA2ATransport(false, fake)

	data, err := tr.Send(context.Background(), "nba", "task")
	require.NoError(t, err)
	assert.Equal(t, "Call back", data["title"])

	_, err = tr.Send(context.Background(), "nba", "task again")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://agents.local/nba"}, *dialed, "client is cached per network")
}

func TestA2ATransport_StreamKeepsLastObject(t *testing.T) {
	fake := &fakeA2A{events: []a2a.Event{
		a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: `{"step":1}`}),
		a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: "thinking..."}),
		a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: `{"summary":"done"}`}),
	}}
	tr, _ := newFakeA2ATransport(true, fake)

	data, err := tr.Send(context.Background(), "exec", "task")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"summary": "done"}, data)
}

func TestA2ATransport_StreamPlainText(t *testing.T) {
	fake := &fakeA2A{events: []a2a.Event{
		a2a.NewMessage(a2a.MessageRoleAgent, a2a.TextPart{Text: "Hello there"}),
	}}
	tr, _ := newFakeA2ATransport(true, fake)

	data, err := tr.Send(context.Background(), "live", "task")
	require.NoError(t, err)
	assert.Equal(t, "Hello there", data["response"].(map[string]interface{})["text"])
}
