// Package metrics holds the Prometheus collectors of the supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Worker lifecycle
	WorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "supervisor_worker_state",
			Help: "Current worker state, 1 for the active state and 0 otherwise",
		},
		[]string{"state"},
	)

	WorkerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_worker_restarts_total",
			Help: "Total number of worker restarts issued by the watchdog",
		},
	)

	WorkerCrashes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_worker_crashes_total",
			Help: "Total number of detected worker crashes",
		},
	)

	WatchdogCooldowns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_watchdog_cooldowns_total",
			Help: "Total number of restart cooldowns entered",
		},
	)

	ReaperKilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_reaper_killed_total",
			Help: "Total number of rogue duplicate processes terminated",
		},
	)

	// Broadcast hub
	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_hub_subscribers",
			Help: "Number of active log subscribers",
		},
	)

	HubDroppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_hub_dropped_frames_total",
			Help: "Total number of frames dropped from full subscriber queues",
		},
	)

	// Log store
	LogStoreRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_logstore_rotations_total",
			Help: "Total number of channel rotations",
		},
	)

	LogStoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_logstore_failures_total",
			Help: "Total number of failed log store operations",
		},
		[]string{"op"}, // "append", "rotate", "clear"
	)

	// Gateway
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supervisor_gateway_requests_total",
			Help: "Total number of gateway requests",
		},
		[]string{"route", "code"},
	)

	GatewayRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supervisor_gateway_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	UpstreamBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supervisor_upstream_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// SetWorkerState marks state as the only active worker state
func SetWorkerState(state string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == state {
			value = 1
		}
		WorkerState.WithLabelValues(s).Set(value)
	}
}
