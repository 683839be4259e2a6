// Package breaker provides per-endpoint circuit breaking driven by
// correlated error analysis. A shared Correlator watches classified
// failures across keys; a Breaker trips its circuit only when errors
// cluster enough to look systemic rather than sporadic.
package breaker

import (
	"sync"
	"time"

	"github.com/socialrelay/socialrelay/pkg/clock"
	apperrors "github.com/socialrelay/socialrelay/pkg/errors"
)

// Record is a single classified failure observation.
type Record struct {
	Timestamp time.Time
	Kind      apperrors.Kind
	Key       string
}

// Correlator keeps a sliding window of failure records per correlation
// key and answers whether recent errors cluster into a systemic pattern.
// Records older than the window are pruned on every access.
type Correlator struct {
	mu             sync.Mutex
	window         time.Duration
	minClusterSize int
	byKey          map[string][]Record
	clk            clock.Clock
}

// NewCorrelator creates a correlator over the given window. A cluster of
// fewer than minClusterSize errors is considered sporadic noise.
func NewCorrelator(window time.Duration, minClusterSize int, clk clock.Clock) *Correlator {
	if clk == nil {
		clk = clock.System()
	}
	if minClusterSize < 1 {
		minClusterSize = 1
	}
	return &Correlator{
		window:         window,
		minClusterSize: minClusterSize,
		byKey:          make(map[string][]Record),
		clk:            clk,
	}
}

// Observe appends a failure record for the key.
func (c *Correlator) Observe(key string, kind apperrors.Kind) {
	now := c.clk.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(key, now)
	c.byKey[key] = append(c.byKey[key], Record{
		Timestamp: now,
		Kind:      kind,
		Key:       key,
	})
	errorRate.WithLabelValues(key).Set(c.rateLocked(key))
}

// Count returns how many failures the window currently holds for the key.
func (c *Correlator) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(key, c.clk.Now())
	return len(c.byKey[key])
}

// Rate returns the failure rate for the key in errors per second,
// averaged over the window.
func (c *Correlator) Rate(key string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(key, c.clk.Now())
	return c.rateLocked(key)
}

// SystemicCount returns the number of windowed failures when they form
// a cluster of at least the minimum size, and 0 when the failures are
// sporadic. Circuit trip decisions key off this value so isolated
// errors never open a circuit.
func (c *Correlator) SystemicCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(key, c.clk.Now())

	n := len(c.byKey[key])
	if n < c.minClusterSize {
		return 0
	}
	return n
}

// Dominant returns the most frequent error kind in the window and its
// count. The zero kind is returned for an empty window.
func (c *Correlator) Dominant(key string) (apperrors.Kind, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(key, c.clk.Now())

	counts := make(map[apperrors.Kind]int)
	for _, r := range c.byKey[key] {
		counts[r.Kind]++
	}

	var dominant apperrors.Kind
	max := 0
	for kind, n := range counts {
		if n > max {
			dominant = kind
			max = n
		}
	}
	return dominant, max
}

// Distribution returns the per-kind failure counts in the window.
func (c *Correlator) Distribution(key string) map[apperrors.Kind]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(key, c.clk.Now())

	dist := make(map[apperrors.Kind]int)
	for _, r := range c.byKey[key] {
		dist[r.Kind]++
	}
	return dist
}

// Reset drops all records for the key.
func (c *Correlator) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, key)
	errorRate.WithLabelValues(key).Set(0)
}

func (c *Correlator) rateLocked(key string) float64 {
	if c.window <= 0 {
		return 0
	}
	return float64(len(c.byKey[key])) / c.window.Seconds()
}

// pruneLocked drops records at or past the window age. Records arrive
// in timestamp order, so the survivors are a suffix.
func (c *Correlator) pruneLocked(key string, now time.Time) {
	records := c.byKey[key]
	if len(records) == 0 {
		return
	}

	cutoff := now.Add(-c.window)
	i := 0
	for i < len(records) && !records[i].Timestamp.After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(records) {
		delete(c.byKey, key)
		return
	}
	c.byKey[key] = records[i:]
}
