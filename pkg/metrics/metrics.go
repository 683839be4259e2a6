// Package metrics provides the in-process per-key attempt collector
// and documents the Prometheus metrics exposed by the relay. The
// Prometheus metrics themselves are defined in their respective
// packages (ratelimit, breaker, pool, batch, client) to maintain
// modularity and avoid circular dependencies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the relay.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - relay_rate_wait_seconds{key} (Histogram): Time spent waiting for a token
//   - relay_rate_timeouts_total{key} (Counter): Acquires abandoned on timeout
//   - relay_rate_throttles_total{key} (Counter): Remote throttle signals observed
//   - relay_rate_effective_capacity{key} (Gauge): Current adaptive bucket capacity
//   - relay_state_store_errors_total{operation} (Counter): Adaptive state persistence errors
//
// Circuit Breaker Metrics (pkg/breaker):
//   - relay_circuit_state{key} (Gauge): Circuit position (0=closed, 1=open, 2=half-open)
//   - relay_circuit_trips_total{key} (Counter): Circuit trips
//   - relay_circuit_rejections_total{key} (Counter): Calls rejected by an open circuit
//   - relay_circuit_probes_total{key, outcome} (Counter): Half-open probes by outcome
//   - relay_error_rate{key} (Gauge): Windowed failure rate in errors per second
//
// Connection Pool Metrics (pkg/pool):
//   - relay_pool_in_use{pool} (Gauge): Currently borrowed entries
//   - relay_pool_idle{pool} (Gauge): Idle entries available for reuse
//   - relay_pool_acquire_wait_seconds{pool} (Histogram): Time waiting to borrow
//   - relay_pool_exhausted_total{pool} (Counter): Acquires that timed out at capacity
//   - relay_pool_dials_total{pool} (Counter): New connections dialed
//   - relay_pool_evictions_total{pool, reason} (Counter): Destroyed connections by reason
//
// Batcher Metrics (pkg/batch):
//   - relay_batch_flushes_total{trigger} (Counter): Flushes by trigger (size, interval, shutdown)
//   - relay_batch_size (Histogram): Items per flushed batch
//   - relay_batch_pending (Gauge): Items buffered awaiting flush
//   - relay_batch_items_total{outcome} (Counter): Item completions by outcome
//
// Request Metrics (pkg/client):
//   - relay_requests_total{key, outcome} (Counter): Requests by endpoint key and outcome
//   - relay_request_duration_seconds{key} (Histogram): Request duration by endpoint key
//   - relay_errors_total{key, kind} (Counter): Errors by endpoint key and kind
//   - relay_retries_total{kind} (Counter): Retry attempts by error kind
//   - relay_retry_backoff_seconds{kind} (Histogram): Backoff duration by error kind
//   - relay_retry_exhausted_total{kind} (Counter): Requests that spent the retry budget
//
// Example Prometheus Queries:
//
//   # Throttle pressure per endpoint
//   rate(relay_rate_throttles_total[5m])
//
//   # Endpoints pinned at the adaptive floor
//   relay_rate_effective_capacity <= 1
//
//   # Open circuits
//   relay_circuit_state == 1
//
//   # Pool saturation
//   relay_pool_in_use / (relay_pool_in_use + relay_pool_idle)
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(relay_request_duration_seconds_bucket[5m]))
//
//   # Retry amplification
//   rate(relay_retries_total[5m]) / rate(relay_requests_total[5m])
