package ratelimit

import (
	"sync"
	"time"

	"github.com/socialrelay/socialrelay/pkg/clock"
)

// AdaptiveState is the persistable snapshot of a controller. It is the
// document the Store serializes, so remote throttle history survives
// process restarts.
type AdaptiveState struct {
	// EffectiveCapacity is the current bucket ceiling. Always within
	// [MinCapacity, Capacity] of the owning config.
	EffectiveCapacity float64 `json:"effective_capacity"`

	// ConsecutiveSuccesses counts successes since the last throttle.
	ConsecutiveSuccesses int `json:"consecutive_successes"`

	// ConsecutiveThrottles counts throttles since the last success.
	ConsecutiveThrottles int `json:"consecutive_throttles"`

	// NotBefore is the earliest permitted dispatch instant, from the
	// remote's Retry-After hint. Zero when no throttle is in force.
	NotBefore time.Time `json:"not_before"`

	// UpdatedAt is when this snapshot was taken.
	UpdatedAt time.Time `json:"updated_at"`
}

// AtFloor returns true if capacity has shrunk to the configured minimum.
func (s AdaptiveState) AtFloor(minCapacity float64) bool {
	return s.EffectiveCapacity <= minCapacity
}

// AtCeiling returns true if capacity has recovered to the configured maximum.
func (s AdaptiveState) AtCeiling(maxCapacity float64) bool {
	return s.EffectiveCapacity >= maxCapacity
}

// ThrottleActive returns true while a Retry-After floor is still in force.
func (s AdaptiveState) ThrottleActive(now time.Time) bool {
	return now.Before(s.NotBefore)
}

// Controller adjusts a bucket's effective capacity from observed remote
// feedback: multiplicative decrease on throttle signals, additive
// increase after a success streak (AIMD). It is the only writer of the
// adaptive state; the bucket reads the capacity it pushes.
type Controller struct {
	mu sync.Mutex

	bucket *Bucket
	clk    clock.Clock

	minCapacity  float64
	maxCapacity  float64
	shrinkFactor float64
	growStep     float64
	growthStreak int

	effective            float64
	consecutiveSuccesses int
	consecutiveThrottles int
	notBefore            time.Time
}

func newController(bucket *Bucket, cfg Config, clk clock.Clock) *Controller {
	return &Controller{
		bucket:       bucket,
		clk:          clk,
		minCapacity:  cfg.MinCapacity,
		maxCapacity:  cfg.Capacity,
		shrinkFactor: cfg.ShrinkFactor,
		growStep:     cfg.GrowStep,
		growthStreak: cfg.GrowthStreak,
		effective:    cfg.Capacity,
	}
}

// RecordThrottle shrinks effective capacity by the shrink factor (floored
// at the minimum), resets the success streak, and honors the remote's
// Retry-After hint by delaying the bucket's next admission.
func (c *Controller) RecordThrottle(retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveSuccesses = 0
	c.consecutiveThrottles++

	next := c.effective * c.shrinkFactor
	if next < c.minCapacity {
		next = c.minCapacity
	}
	c.effective = next
	c.bucket.SetCapacity(next)

	if retryAfter > 0 {
		c.notBefore = c.clk.Now().Add(retryAfter)
		c.bucket.SetNotBefore(c.notBefore)
	}
}

// RecordSuccess grows effective capacity by the configured step once the
// success streak is reached, capped at the maximum. Growth consumes the
// streak, so sustained health is required for each increase.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveThrottles = 0
	c.consecutiveSuccesses++

	if c.consecutiveSuccesses < c.growthStreak || c.effective >= c.maxCapacity {
		return
	}

	next := c.effective + c.growStep
	if next > c.maxCapacity {
		next = c.maxCapacity
	}
	c.effective = next
	c.bucket.SetCapacity(next)
	c.consecutiveSuccesses = 0
}

// State snapshots the controller for persistence and status reporting.
func (c *Controller) State() AdaptiveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return AdaptiveState{
		EffectiveCapacity:    c.effective,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		ConsecutiveThrottles: c.consecutiveThrottles,
		NotBefore:            c.notBefore,
		UpdatedAt:            c.clk.Now(),
	}
}

// restore applies a persisted snapshot, clamping capacity into the
// configured bounds in case the config changed between runs.
func (c *Controller) restore(st AdaptiveState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	eff := st.EffectiveCapacity
	if eff < c.minCapacity {
		eff = c.minCapacity
	}
	if eff > c.maxCapacity {
		eff = c.maxCapacity
	}
	c.effective = eff
	c.consecutiveSuccesses = st.ConsecutiveSuccesses
	c.consecutiveThrottles = st.ConsecutiveThrottles
	c.bucket.SetCapacity(eff)

	if st.NotBefore.After(c.clk.Now()) {
		c.notBefore = st.NotBefore
		c.bucket.SetNotBefore(st.NotBefore)
	}
}
