package state

import (
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/logging"
	"github.com/normanking/athena/internal/widgets"
)

// Defaults for the per-customer caps.
const (
	DefaultHistoryCap   = 50
	DefaultLedgerCap    = 20
	DefaultMaxCustomers = 10000

	// PreviousActionsWindow is how many ledger entries are shown to the planner.
	PreviousActionsWindow = 10
)

// Config sizes a Store.
type Config struct {
	HistoryCap   int
	LedgerCap    int
	MaxCustomers int
}

type customer struct {
	mu      sync.Mutex
	history *Ring[conversation.Turn]
	ledger  *Ring[widgets.ExecutedAction]
	seq     int
}

// Store keeps rolling per-customer state. Each customer's rings are guarded
// by their own lock; the least recently used customer is dropped once
// MaxCustomers is exceeded.
type Store struct {
	cfg Config
	log *logging.Logger

	mu        sync.Mutex
	customers *lru.Cache[string, *customer]

	now func() time.Time
}

// NewStore creates a store. Zero config fields take the defaults.
func NewStore(cfg Config) (*Store, error) {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.LedgerCap <= 0 {
		cfg.LedgerCap = DefaultLedgerCap
	}
	if cfg.MaxCustomers <= 0 {
		cfg.MaxCustomers = DefaultMaxCustomers
	}

	log := logging.WithComponent("state")
	cache, err := lru.NewWithEvict(cfg.MaxCustomers, func(id string, _ *customer) {
		log.Debug("evicted customer state %s", id)
	})
	if err != nil {
		return nil, fmt.Errorf("customer cache: %w", err)
	}
	return &Store{cfg: cfg, log: log, customers: cache, now: time.Now}, nil
}

func (s *Store) get(id string) *customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.customers.Get(id); ok {
		return c
	}
	c := &customer{
		history: NewRing[conversation.Turn](s.cfg.HistoryCap),
		ledger:  NewRing[widgets.ExecutedAction](s.cfg.LedgerCap),
	}
	s.customers.Add(id, c)
	return c
}

func (s *Store) peek(id string) (*customer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customers.Peek(id)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY
// ═══════════════════════════════════════════════════════════════════════════════

// AppendTurn records an utterance and returns the stored turn.
func (s *Store) AppendTurn(id string, role conversation.Role, content string) conversation.Turn {
	turn := conversation.Turn{Role: role, Content: content, Timestamp: s.now()}
	c := s.get(id)
	c.mu.Lock()
	c.history.Push(turn)
	c.mu.Unlock()
	return turn
}

// History returns a copy of the customer's transcript, oldest first.
func (s *Store) History(id string) conversation.History {
	c, ok := s.peek(id)
	if !ok {
		return conversation.History{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return conversation.History(c.history.Items())
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEDGER
// ═══════════════════════════════════════════════════════════════════════════════

// RecordExecuted appends an executed action. An empty actionID becomes
// exec-N, where N counts every action recorded for the customer.
func (s *Store) RecordExecuted(id, actionID, query string) widgets.ExecutedAction {
	c := s.get(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	if actionID == "" {
		actionID = fmt.Sprintf("exec-%d", c.seq)
	}
	entry := widgets.ExecutedAction{ID: actionID, Query: query, Timestamp: s.now()}
	c.ledger.Push(entry)
	return entry
}

// ExecutedActions returns the ledger, oldest first. It is never nil.
func (s *Store) ExecutedActions(id string) []widgets.ExecutedAction {
	c, ok := s.peek(id)
	if !ok {
		return []widgets.ExecutedAction{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Items()
}

// PreviousActions renders the most recent ledger entries as "id: query"
// lines for the planner, or NONE when the ledger is empty.
func (s *Store) PreviousActions(id string) string {
	c, ok := s.peek(id)
	if !ok {
		return "NONE"
	}
	c.mu.Lock()
	recent := c.ledger.Last(PreviousActionsWindow)
	c.mu.Unlock()

	if len(recent) == 0 {
		return "NONE"
	}
	lines := make([]string, len(recent))
	for i, a := range recent {
		lines[i] = a.ID + ": " + a.Query
	}
	return strings.Join(lines, "\n")
}

// Customers returns the number of customers currently tracked.
func (s *Store) Customers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customers.Len()
}

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOTS
// ═══════════════════════════════════════════════════════════════════════════════

// Snapshots keeps the last published payload per customer.
type Snapshots[T any] struct {
	cache *lru.Cache[string, T]
}

// NewSnapshots returns a snapshot cache holding at most size customers.
func NewSnapshots[T any](size int) (*Snapshots[T], error) {
	if size <= 0 {
		size = 1000
	}
	cache, err := lru.New[string, T](size)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	return &Snapshots[T]{cache: cache}, nil
}

// Put replaces the customer's snapshot.
func (s *Snapshots[T]) Put(id string, v T) {
	s.cache.Add(id, v)
}

// Get returns the customer's snapshot.
func (s *Snapshots[T]) Get(id string) (T, bool) {
	return s.cache.Get(id)
}
