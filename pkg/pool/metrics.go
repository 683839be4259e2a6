package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_pool_in_use",
			Help: "Number of currently borrowed pool entries",
		},
		[]string{"pool"},
	)

	poolIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_pool_idle",
			Help: "Number of idle pool entries available for reuse",
		},
		[]string{"pool"},
	)

	poolAcquireWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_pool_acquire_wait_seconds",
			Help:    "Time spent waiting to borrow a pool entry",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	poolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_pool_exhausted_total",
			Help: "Total number of acquires that timed out at capacity",
		},
		[]string{"pool"},
	)

	poolDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_pool_dials_total",
			Help: "Total number of new connections dialed",
		},
		[]string{"pool"},
	)

	poolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_pool_evictions_total",
			Help: "Total number of destroyed connections by reason",
		},
		[]string{"pool", "reason"},
	)
)
