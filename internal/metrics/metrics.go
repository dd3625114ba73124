// Package metrics exposes Prometheus instrumentation for the sync pipeline.
//
// Metrics are registered on the default registry and served at /metrics:
//   - watchrelay_webhooks_total{source,result}
//   - watchrelay_dispatch_total{destination,result}
//   - watchrelay_dispatch_duration_seconds{destination}
//   - watchrelay_sync_duration_seconds
//   - watchrelay_credential_refresh_total{destination,result}
//   - watchrelay_history_pruned_total
//   - watchrelay_circuit_breaker_state{destination}
//   - watchrelay_api_rejected_total
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook results
const (
	ResultAccepted     = "accepted"
	ResultUnsupported  = "unsupported"
	ResultInvalid      = "invalid"
	ResultUnauthorized = "unauthorized"
	ResultError        = "error"
)

// Dispatch and refresh results
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)

var (
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_webhooks_total",
			Help: "Webhooks received by source and handling result",
		},
		[]string{"source", "result"},
	)

	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_dispatch_total",
			Help: "Destination dispatches by result",
		},
		[]string{"destination", "result"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchrelay_dispatch_duration_seconds",
			Help:    "Time spent on one destination dispatch, credential refresh included",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"destination"},
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchrelay_sync_duration_seconds",
			Help:    "End-to-end duration of a sync, from rewatch check to ledger write",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchrelay_credential_refresh_total",
			Help: "Credential refresh attempts by destination and result",
		},
		[]string{"destination", "result"},
	)

	HistoryPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchrelay_history_pruned_total",
			Help: "History entries removed by retention",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchrelay_circuit_breaker_state",
			Help: "Destination circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"destination"},
	)

	APIRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchrelay_api_rejected_total",
			Help: "Read API requests rejected for a missing or wrong api key",
		},
	)
)
