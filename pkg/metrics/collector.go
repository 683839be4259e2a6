package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/socialrelay/socialrelay/pkg/clock"
)

// Outcome classifies one recorded attempt.
type Outcome string

const (
	// OutcomeSuccess is a dispatched attempt that succeeded.
	OutcomeSuccess Outcome = "success"

	// OutcomeRetry is a dispatched attempt that failed and will be
	// retried after a backoff.
	OutcomeRetry Outcome = "retry"

	// OutcomeFailure is a dispatched attempt that failed terminally.
	OutcomeFailure Outcome = "failure"

	// OutcomeRejected is a request turned away before dispatch: an
	// open circuit, an exhausted pool or a rate limit acquire timeout.
	OutcomeRejected Outcome = "rejected"
)

// Event is one attempt observation.
type Event struct {
	Key     string
	Outcome Outcome

	// Latency is the attempt duration. Zero for rejected events.
	Latency time.Duration

	// Backoff is the delay chosen before the next attempt. Only
	// meaningful for retry events.
	Backoff time.Duration
}

// RetryMetrics aggregates attempt history for one endpoint key.
type RetryMetrics struct {
	Attempts            uint64
	Successes           uint64
	Failures            uint64
	Retries             uint64
	Rejections          uint64
	CumulativeBackoff   time.Duration
	LastLatency         time.Duration
	ConsecutiveFailures uint64
	LastSuccess         time.Time
	LastFailure         time.Time
}

// Collector aggregates per-key attempt metrics in process. Record is
// the hot path and does constant work under a short critical section;
// snapshots pay the copying cost instead.
type Collector struct {
	mu    sync.Mutex
	clk   clock.Clock
	byKey map[string]*RetryMetrics
}

// NewCollector creates an empty collector.
func NewCollector(clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.System()
	}
	return &Collector{
		clk:   clk,
		byKey: make(map[string]*RetryMetrics),
	}
}

// Record folds one event into the key's aggregate.
func (c *Collector) Record(ev Event) {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.byKey[ev.Key]
	if m == nil {
		m = &RetryMetrics{}
		c.byKey[ev.Key] = m
	}

	switch ev.Outcome {
	case OutcomeSuccess:
		m.Attempts++
		m.Successes++
		m.ConsecutiveFailures = 0
		m.LastLatency = ev.Latency
		m.LastSuccess = now
	case OutcomeRetry:
		m.Attempts++
		m.Failures++
		m.Retries++
		m.ConsecutiveFailures++
		m.CumulativeBackoff += ev.Backoff
		m.LastLatency = ev.Latency
		m.LastFailure = now
	case OutcomeFailure:
		m.Attempts++
		m.Failures++
		m.ConsecutiveFailures++
		m.LastLatency = ev.Latency
		m.LastFailure = now
	case OutcomeRejected:
		m.Rejections++
	}
}

// Snapshot returns a copy of the key's aggregate. Unknown keys return
// the zero value.
func (c *Collector) Snapshot(key string) RetryMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m := c.byKey[key]; m != nil {
		return *m
	}
	return RetryMetrics{}
}

// SnapshotAll returns copies of every key's aggregate.
func (c *Collector) SnapshotAll() map[string]RetryMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]RetryMetrics, len(c.byKey))
	for key, m := range c.byKey {
		out[key] = *m
	}
	return out
}

// Keys returns the known keys in sorted order.
func (c *Collector) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.byKey))
	for key := range c.byKey {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Reset drops the key's aggregate.
func (c *Collector) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, key)
}
