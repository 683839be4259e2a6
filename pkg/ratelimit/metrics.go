package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// acquireWaits observes how long callers were suspended before
	// admission, by endpoint key.
	acquireWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_rate_wait_seconds",
			Help:    "Time callers spent waiting for a rate limit token",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"key"},
	)

	// acquireTimeouts counts acquires that gave up before a token arrived.
	acquireTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_timeouts_total",
			Help: "Total rate limit acquires that timed out",
		},
		[]string{"key"},
	)

	// throttleSignals counts remote throttle feedback per key.
	throttleSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_throttles_total",
			Help: "Total throttle signals recorded from the remote",
		},
		[]string{"key"},
	)

	// effectiveCapacity tracks the adaptive bucket ceiling per key.
	effectiveCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_rate_effective_capacity",
			Help: "Current adaptive token bucket capacity",
		},
		[]string{"key"},
	)

	// storeErrors counts state store failures by operation.
	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_state_store_errors_total",
			Help: "Total adaptive state store failures",
		},
		[]string{"operation"}, // "save", "load", "delete"
	)
)
