// Package metrics exposes the Prometheus collectors of the insight engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "athena_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "athena_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)

	WidgetOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "athena_widget_results_total",
			Help: "Widget computations by outcome",
		},
		[]string{"widget", "provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "athena_provider_call_seconds",
			Help:    "Latency of one provider call",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "widget", "status"},
	)

	ResolverStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "athena_m365_executions_total",
			Help: "Microsoft 365 executions by intent and terminal state",
		},
		[]string{"intent", "state"},
	)

	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "athena_broadcast_messages_total",
			Help: "Broadcast messages by outcome",
		},
		[]string{"outcome"},
	)

	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "athena_active_subscribers",
			Help: "Number of connected SSE and WebSocket subscribers",
		},
	)
)

// ObserveProvider records one provider call. Its signature matches
// llm.Observer.
func ObserveProvider(provider, widget string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ProviderLatency.WithLabelValues(provider, widget, status).Observe(d.Seconds())
}

// ObserveResolver records the terminal state of one execution.
func ObserveResolver(intent, state string) {
	if intent == "" {
		intent = "unknown"
	}
	ResolverStates.WithLabelValues(intent, state).Inc()
}
