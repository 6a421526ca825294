package broadcast

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ServeSSE streams a customer's messages as server-sent events until the
// client goes away. initial, when non-nil, is sent first.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, customerID string, initial interface{}) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.Subscribe(customerID)
	defer h.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if initial != nil {
		if msg, err := NewMessage(customerID, initial); err == nil {
			writeSSE(w, msg)
			flusher.Flush()
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes the payload as the event data and the idempotency
// token as the event id.
func writeSSE(w http.ResponseWriter, msg Message) error {
	_, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", msg.ID, msg.Payload)
	return err
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS streams a customer's messages over a WebSocket. Each frame is a
// JSON Message.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, customerID string, initial interface{}) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := h.Subscribe(customerID)
	defer h.Unsubscribe(sub)

	// The read loop only watches for close frames and pongs.
	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if initial != nil {
		if msg, err := NewMessage(customerID, initial); err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("websocket write failed for %s: %v", customerID, err)
				return
			}
		}
	}
}
