// Package broadcast fans customer updates out to SSE and WebSocket
// subscribers, optionally relayed across instances through Redis.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/normanking/athena/internal/logging"
	"github.com/normanking/athena/internal/metrics"
)

const (
	// DefaultBuffer is the per-subscriber queue length.
	DefaultBuffer = 16

	// seenWindow is how many message ids a subscriber remembers.
	seenWindow = 128

	relayTimeout = 5 * time.Second
)

// Message is one broadcast. ID is the idempotency token; subscribers drop
// ids they have already received.
type Message struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customerId"`
	Timestamp  int64           `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// NewMessage wraps a payload with a fresh idempotency token.
func NewMessage(customerID string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    raw,
	}, nil
}

// Relay forwards local publications to other instances.
type Relay interface {
	Publish(ctx context.Context, msg Message) error
}

// ═══════════════════════════════════════════════════════════════════════════════
// SUBSCRIBER
// ═══════════════════════════════════════════════════════════════════════════════

// Subscriber receives the messages of one customer.
type Subscriber struct {
	customerID string
	ch         chan Message
	seen       *lru.Cache[string, struct{}]

	once sync.Once
}

// C is closed when the subscriber is removed from the hub.
func (s *Subscriber) C() <-chan Message {
	return s.ch
}

// CustomerID returns the customer the subscriber follows.
func (s *Subscriber) CustomerID() string {
	return s.customerID
}

// accept reports whether id is new to this subscriber. The check and the
// insert are one atomic step.
func (s *Subscriber) accept(id string) bool {
	seen, _ := s.seen.ContainsOrAdd(id, struct{}{})
	return !seen
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// ═══════════════════════════════════════════════════════════════════════════════
// HUB
// ═══════════════════════════════════════════════════════════════════════════════

// Hub tracks subscribers per customer. Delivery never blocks: a full
// subscriber queue drops the message for that subscriber only.
type Hub struct {
	buffer int
	log    *logging.Logger

	mu    sync.RWMutex
	subs  map[string]map[*Subscriber]struct{}
	relay Relay
}

// NewHub creates a hub. A non-positive buffer takes DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		log:    logging.WithComponent("broadcast"),
		subs:   make(map[string]map[*Subscriber]struct{}),
	}
}

// SetRelay attaches a cross-instance relay.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Subscribe registers a subscriber for a customer.
func (h *Hub) Subscribe(customerID string) *Subscriber {
	seen, _ := lru.New[string, struct{}](seenWindow)
	s := &Subscriber{
		customerID: customerID,
		ch:         make(chan Message, h.buffer),
		seen:       seen,
	}

	h.mu.Lock()
	if h.subs[customerID] == nil {
		h.subs[customerID] = make(map[*Subscriber]struct{})
	}
	h.subs[customerID][s] = struct{}{}
	h.mu.Unlock()

	metrics.ActiveSubscribers.Inc()
	h.log.Debug("subscriber added for %s", customerID)
	return s
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to
// call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	set := h.subs[s.customerID]
	_, ok := set[s]
	if ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.customerID)
		}
	}
	h.mu.Unlock()

	if ok {
		metrics.ActiveSubscribers.Dec()
		s.close()
	}
}

// Subscribers returns the number of subscribers of a customer.
func (h *Hub) Subscribers(customerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[customerID])
}

// Publish broadcasts a payload to the customer's subscribers and to the
// relay, if any. Failures are logged and never returned.
func (h *Hub) Publish(customerID string, payload interface{}) {
	msg, err := NewMessage(customerID, payload)
	if err != nil {
		h.log.Warn("dropping unencodable broadcast for %s: %v", customerID, err)
		return
	}
	h.Deliver(msg)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		defer cancel()
		if err := relay.Publish(ctx, msg); err != nil {
			h.log.Warn("relay publish failed for %s: %v", customerID, err)
		}
	}()
}

// Deliver hands a message to the local subscribers of its customer.
func (h *Hub) Deliver(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[msg.CustomerID] {
		if !s.accept(msg.ID) {
			metrics.BroadcastDeliveries.WithLabelValues("duplicate").Inc()
			continue
		}
		select {
		case s.ch <- msg:
			metrics.BroadcastDeliveries.WithLabelValues("delivered").Inc()
		default:
			metrics.BroadcastDeliveries.WithLabelValues("dropped").Inc()
			h.log.Debug("subscriber queue full for %s, dropped %s", msg.CustomerID, msg.ID)
		}
	}
}
