package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_state",
			Help: "Current circuit state per key (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key"},
	)

	circuitTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_trips_total",
			Help: "Total number of circuit trips per key",
		},
		[]string{"key"},
	)

	circuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_rejections_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"key"},
	)

	circuitProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_probes_total",
			Help: "Total number of half-open probe calls by outcome",
		},
		[]string{"key", "outcome"},
	)

	errorRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_error_rate",
			Help: "Windowed failure rate per correlation key in errors per second",
		},
		[]string{"key"},
	)
)
