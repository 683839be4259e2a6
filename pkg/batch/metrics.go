package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_batch_flushes_total",
			Help: "Total number of batch flushes by trigger",
		},
		[]string{"trigger"},
	)

	batchSizes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_batch_size",
			Help:    "Number of items per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
	)

	batchPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_batch_pending",
			Help: "Items buffered awaiting flush",
		},
	)

	batchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_batch_items_total",
			Help: "Total item dispatch outcomes",
		},
		[]string{"outcome"},
	)
)
