// Package metrics registers the Prometheus metrics used by the bridge.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed chat requests labelled by provider, model,
	// and outcome ("success", "error", "cancelled", "rejected").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Total number of chat requests processed by the bridge.",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	// TokensInput counts total prompt tokens sent to upstream providers.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_tokens_input_total",
			Help: "Total prompt tokens sent to providers.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts total completion tokens received from providers.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_tokens_output_total",
			Help: "Total completion tokens received from providers.",
		},
		[]string{"provider", "model"},
	)

	// ProviderErrors counts errors broken down by provider and error code
	// (the fault kind: "upstream/auth", "upstream/network", ...).
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_provider_errors_total",
			Help: "Total provider errors by fault kind.",
		},
		[]string{"provider", "kind"},
	)

	// ProviderReloads counts registry lifecycle transitions per provider
	// ("loaded", "reloaded", "unloaded", "failed").
	ProviderReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_provider_lifecycle_total",
			Help: "Registry lifecycle events per provider.",
		},
		[]string{"provider", "event"},
	)

	// SessionsSwept counts sessions removed by the expiry sweeper.
	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_sessions_swept_total",
			Help: "Total expired sessions removed by the sweeper.",
		},
	)

	// CircuitBreakerState tracks per-provider circuit breaker state as a gauge:
	// 0 = closed, 1 = open, 2 = half_open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)
)
