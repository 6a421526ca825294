// Package server exposes the insight engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/normanking/athena/internal/broadcast"
	"github.com/normanking/athena/internal/config"
	"github.com/normanking/athena/internal/conversation"
	"github.com/normanking/athena/internal/insights"
	"github.com/normanking/athena/internal/logging"
	"github.com/normanking/athena/internal/metrics"
	"github.com/normanking/athena/internal/widgets"
)

// Engine is the insight engine behind the HTTP API.
type Engine interface {
	Insights(ctx context.Context, req insights.Request) (widgets.Results, error)
	ExternalChat(ctx context.Context, customerID, message, source string) (*insights.Snapshot, error)
	AgentReply(ctx context.Context, customerID, message string) (string, error)
	Snapshot(customerID string) (*insights.Snapshot, bool)
}

// Server represents the HTTP server
type Server struct {
	engine     Engine
	hub        *broadcast.Hub
	httpServer *http.Server
	handler    http.Handler
	startTime  time.Time
	version    string
	log        *logging.Logger
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// New creates a new HTTP server
func New(cfg *config.Config, engine Engine, hub *broadcast.Hub, version string) *Server {
	s := &Server{
		engine:    engine,
		hub:       hub,
		startTime: time.Now(),
		version:   version,
		log:       logging.WithComponent("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/v1/get-insights", instrument("/api/v1/get-insights", s.getInsightsHandler))
	mux.HandleFunc("/api/v1/external-chat", instrument("/api/v1/external-chat", s.externalChatHandler))
	mux.HandleFunc("/api/v1/agent-reply", instrument("/api/v1/agent-reply", s.agentReplyHandler))
	mux.HandleFunc("/api/v1/customer-360/{id}", instrument("/api/v1/customer-360", s.customer360Handler))
	mux.HandleFunc("/api/v1/stream/customer-360/{id}", s.streamHandler)
	mux.HandleFunc("/api/v1/ws/customer-360/{id}", s.wsHandler)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	s.handler = mux

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info("HTTP server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════════
// WIRE TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// wireTurn accepts ts as epoch milliseconds or an RFC 3339 string.
type wireTurn struct {
	Role    string          `json:"role"`
	Content string          `json:"content"`
	TS      json.RawMessage `json:"ts,omitempty"`
}

func (t wireTurn) turn() conversation.Turn {
	turn := conversation.Turn{
		Role:    conversation.Role(strings.ToLower(strings.TrimSpace(t.Role))),
		Content: t.Content,
	}
	if len(t.TS) == 0 {
		return turn
	}
	var ms float64
	if err := json.Unmarshal(t.TS, &ms); err == nil {
		turn.Timestamp = time.UnixMilli(int64(ms))
		return turn
	}
	var s string
	if err := json.Unmarshal(t.TS, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			turn.Timestamp = ts
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			turn.Timestamp = time.UnixMilli(n)
		}
	}
	return turn
}

type getInsightsRequest struct {
	CustomerID          string                            `json:"customerId"`
	ConversationHistory []wireTurn                        `json:"conversationHistory"`
	RequestedWidgets    []string                          `json:"requestedWidgets"`
	ExtraVarsMap        map[string]map[string]interface{} `json:"extraVarsMap"`
	ProviderMap         map[string]string                 `json:"providerMap"`
}

type chatRequest struct {
	CustomerID string `json:"customerId"`
	Message    string `json:"message"`
	Source     string `json:"source"`
}

type agentReplyResponse struct {
	OK      bool   `json:"ok"`
	TraceID string `json:"traceId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

// healthHandler handles health check requests
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getInsightsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body getInsightsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	history := make(conversation.History, 0, len(body.ConversationHistory))
	for _, t := range body.ConversationHistory {
		history = append(history, t.turn())
	}
	s.log.Debug("get-insights for %s: widgets=%v", body.CustomerID, body.RequestedWidgets)

	out, err := s.engine.Insights(r.Context(), insights.Request{
		CustomerID: body.CustomerID,
		History:    history,
		Widgets:    body.RequestedWidgets,
		ExtraVars:  body.ExtraVarsMap,
		Providers:  body.ProviderMap,
	})
	if err != nil {
		s.writeError(w, "get-insights", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) externalChatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if body.Source == "" {
		body.Source = "external"
	}

	snap, err := s.engine.ExternalChat(r.Context(), body.CustomerID, body.Message, body.Source)
	if err != nil {
		s.writeError(w, "external-chat", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) agentReplyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	traceID, err := s.engine.AgentReply(r.Context(), body.CustomerID, body.Message)
	if err != nil {
		s.writeError(w, "agent-reply", err)
		return
	}
	writeJSON(w, http.StatusOK, agentReplyResponse{OK: true, TraceID: traceID})
}

func (s *Server) customer360Handler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, ok := s.engine.Snapshot(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// streamHandler serves server-sent events for one customer.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	s.hub.ServeSSE(w, r, id, s.initial(id))
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.hub.ServeWS(w, r, id, s.initial(id))
}

// initial returns the last snapshot as an untyped value so a missing one
// stays a nil interface.
func (s *Server) initial(id string) interface{} {
	if snap, ok := s.engine.Snapshot(id); ok {
		return snap
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) writeError(w http.ResponseWriter, route string, err error) {
	if errors.Is(err, insights.ErrValidation) {
		s.log.Warn("%s validation failed: %v", route, err)
		msg := strings.TrimPrefix(err.Error(), insights.ErrValidation.Error()+": ")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}
	s.log.Error("%s error: %v", route, err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency for an endpoint.
func instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.RequestCount.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}
