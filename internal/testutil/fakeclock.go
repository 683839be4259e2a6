// Package testutil provides testing utilities for the resilience core.
package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a manually advanced clock. Its Sleep advances the clock
// by the requested duration and returns immediately, so single-goroutine
// timing logic (refill math, cooldowns, eviction thresholds) runs
// deterministically without real waiting.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time

	// SleepCalls records every Sleep duration, in order.
	SleepCalls []time.Duration
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake instant.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleep advances the clock by d and returns immediately. A context that
// is already done returns its error without advancing, mirroring the
// real clock's early-exit behavior.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		c.mu.Lock()
		c.now = c.now.Add(d)
		c.SleepCalls = append(c.SleepCalls, d)
		c.mu.Unlock()
	}
	return nil
}
