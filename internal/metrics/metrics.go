// Package metrics exposes Prometheus collectors for the intake pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsReceived counts inbound events by source (webhook, bridge).
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_events_received_total",
			Help: "Inbound events handed to the intake pipeline",
		},
		[]string{"source"},
	)

	// EventOutcomes counts the terminal state each event reached.
	EventOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_event_outcomes_total",
			Help: "Terminal pipeline state per inbound event",
		},
		[]string{"state"},
	)

	// EventsDropped counts events discarded before persistence.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_events_dropped_total",
			Help: "Inbound events discarded before persistence",
		},
		[]string{"reason"},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "responder_store_retries_total",
			Help: "Conversation store operations retried after a transient failure",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_store_errors_total",
			Help: "Conversation store operations that failed",
		},
		[]string{"op", "kind"},
	)

	StoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "responder_store_duration_seconds",
			Help:    "Conversation store operation latency including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	RepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_replies_total",
			Help: "Outbound replies by delivery result",
		},
		[]string{"result"},
	)

	GenerationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "responder_generation_failures_total",
			Help: "Reply generation errors, timeouts and panics",
		},
	)

	RegistrationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_registration_attempts_total",
			Help: "Listener register/unregister calls by result",
		},
		[]string{"op", "result"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_http_requests_total",
			Help: "HTTP requests by route pattern and status",
		},
		[]string{"route", "status"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
