package broadcast

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Subscriber) Message {
	t.Helper()
	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "subscriber closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestHubDeliversPerCustomer(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe("GB1")
	b := hub.Subscribe("GB2")
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	hub.Publish("GB1", map[string]string{"hello": "world"})

	msg := receive(t, a)
	assert.Equal(t, "GB1", msg.CustomerID)
	assert.NotEmpty(t, msg.ID)
	assert.JSONEq(t, `{"hello":"world"}`, string(msg.Payload))
	assert.Len(t, b.C(), 0)
}

func TestHubDropsDuplicates(t *testing.T) {
	hub := NewHub(4)
	s := hub.Subscribe("GB1")
	defer hub.Unsubscribe(s)

	msg, err := NewMessage("GB1", "x")
	require.NoError(t, err)
	hub.Deliver(msg)
	hub.Deliver(msg)

	assert.Len(t, s.C(), 1)
}

func TestHubConcurrentDuplicateDeliveredOnce(t *testing.T) {
	hub := NewHub(64)
	s := hub.Subscribe("GB1")
	defer hub.Unsubscribe(s)

	msg, err := NewMessage("GB1", "x")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Deliver(msg)
		}()
	}
	wg.Wait()

	assert.Len(t, s.C(), 1)
}

func TestHubSlowSubscriberNeverBlocks(t *testing.T) {
	hub := NewHub(1)
	slow := hub.Subscribe("GB1")
	fast := hub.Subscribe("GB1")
	defer hub.Unsubscribe(slow)
	defer hub.Unsubscribe(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Publish("GB1", i)
			<-fast.C()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, slow.C(), 1)
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(1)
	s := hub.Subscribe("GB1")
	assert.Equal(t, 1, hub.Subscribers("GB1"))

	hub.Unsubscribe(s)
	hub.Unsubscribe(s)
	assert.Equal(t, 0, hub.Subscribers("GB1"))

	_, ok := <-s.C()
	assert.False(t, ok)

	hub.Publish("GB1", "nobody listening")
}

type captureRelay struct {
	got chan Message
}

func (c *captureRelay) Publish(_ context.Context, msg Message) error {
	c.got <- msg
	return nil
}

func TestHubRelaysAndIgnoresEcho(t *testing.T) {
	hub := NewHub(4)
	relay := &captureRelay{got: make(chan Message, 1)}
	hub.SetRelay(relay)
	s := hub.Subscribe("GB1")
	defer hub.Unsubscribe(s)

	hub.Publish("GB1", "hi")
	local := receive(t, s)

	var relayed Message
	select {
	case relayed = <-relay.got:
	case <-time.After(time.Second):
		t.Fatal("relay not called")
	}
	assert.Equal(t, local.ID, relayed.ID)

	// The relayed copy coming back is discarded.
	hub.Deliver(relayed)
	assert.Len(t, s.C(), 0)
}

func TestServeSSE(t *testing.T) {
	hub := NewHub(4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSSE(w, r, "GB1", map[string]string{"snapshot": "last"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (id, data string) {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && data != "":
				return id, data
			}
		}
	}

	_, data := readEvent()
	assert.JSONEq(t, `{"snapshot":"last"}`, data)

	require.Eventually(t, func() bool { return hub.Subscribers("GB1") == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish("GB1", map[string]int{"n": 1})
	id, data := readEvent()
	assert.NotEmpty(t, id)
	assert.JSONEq(t, `{"n":1}`, data)
}

func TestServeWS(t *testing.T) {
	hub := NewHub(4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, "GB1", nil)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("GB1") == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish("GB1", map[string]string{"type": "agentReply"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "GB1", msg.CustomerID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "agentReply", payload["type"])
}

// setupRelay connects to a local Redis; the test is skipped without one.
func setupRelay(t *testing.T, hub *Hub) *RedisRelay {
	relay, err := NewRedisRelay(RedisConfig{Addr: "localhost:6379", Channel: "athena:test:" + t.Name()}, hub)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return relay
}

func TestRedisRelayRoundTrip(t *testing.T) {
	local := NewHub(4)
	remote := NewHub(4)
	sender := setupRelay(t, local)
	defer sender.Close()
	receiver := setupRelay(t, remote)
	defer receiver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiver.Run(ctx)

	s := remote.Subscribe("GB1")
	defer remote.Unsubscribe(s)
	time.Sleep(100 * time.Millisecond)

	local.Publish("GB1", "across instances")
	msg := receive(t, s)
	assert.JSONEq(t, `"across instances"`, string(msg.Payload))
}
