// Package ratelimit provides token-bucket admission control with adaptive
// capacity. Buckets are created per endpoint key and shared by reference;
// a Manager owns the per-key instances.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/socialrelay/socialrelay/pkg/clock"
)

// ErrAcquireTimeout is returned when no token became available within the
// caller's timeout. The reservation is released before returning.
var ErrAcquireTimeout = errors.New("rate limit acquire timed out")

// minWait bounds recheck sleeps so waiters racing a predecessor's wakeup
// do not spin on the mutex.
const minWait = time.Millisecond

// Permit is the receipt for an admitted call.
type Permit struct {
	// AcquiredAt is the instant the token was consumed.
	AcquiredAt time.Time

	// Waited is how long the caller was suspended before admission.
	Waited time.Duration
}

// Bucket is a token bucket with strictly FIFO waiters. Tokens refill
// continuously at refillRate up to capacity; waiters are admitted in
// arrival order via monotonically increasing tickets. All fields are
// guarded by a single mutex, and 0 <= tokens <= capacity holds at every
// observation point.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time

	// notBefore delays all admissions until the instant passes,
	// regardless of token availability (Retry-After handling).
	notBefore time.Time

	// FIFO ticket queue. headTicket is the next ticket to serve;
	// abandoned holds tickets whose waiters timed out mid-queue.
	nextTicket uint64
	headTicket uint64
	abandoned  map[uint64]struct{}

	clk clock.Clock
}

// NewBucket creates a full bucket. Capacity must be at least 1 and
// refillRate positive.
func NewBucket(capacity, refillRate float64, clk clock.Clock) (*Bucket, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("bucket capacity must be >= 1, got %v", capacity)
	}
	if refillRate <= 0 {
		return nil, fmt.Errorf("bucket refill rate must be positive, got %v", refillRate)
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: clk.Now(),
		abandoned:  make(map[uint64]struct{}),
		clk:        clk,
	}, nil
}

// Acquire consumes one token, suspending the caller until one is
// available. Waiters are served in arrival order. The context deadline
// bounds the suspension; on expiry the reservation is released and
// ErrAcquireTimeout is returned. Plain cancellation surfaces the context
// error unchanged.
func (b *Bucket) Acquire(ctx context.Context) (*Permit, error) {
	start := b.clk.Now()

	b.mu.Lock()
	ticket := b.nextTicket
	b.nextTicket++

	for {
		now := b.clk.Now()
		b.refillLocked(now)

		if ticket == b.headTicket && b.tokens >= 1 && !now.Before(b.notBefore) {
			b.tokens--
			b.advanceHeadLocked()
			b.mu.Unlock()
			return &Permit{AcquiredAt: now, Waited: now.Sub(start)}, nil
		}

		wait := b.waitLocked(ticket, now)
		b.mu.Unlock()

		if err := b.clk.Sleep(ctx, wait); err != nil {
			b.mu.Lock()
			b.abandonLocked(ticket)
			b.mu.Unlock()
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %v", ErrAcquireTimeout, b.clk.Now().Sub(start))
			}
			return nil, err
		}
		b.mu.Lock()
	}
}

// Tokens returns the current token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clk.Now())
	return b.tokens
}

// Capacity returns the current (effective) capacity.
func (b *Bucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// SetCapacity adjusts the bucket ceiling, clamping stored tokens so the
// bucket invariant holds. Capacity below 1 is raised to 1 so admission
// can always make progress.
func (b *Bucket) SetCapacity(capacity float64) {
	if capacity < 1 {
		capacity = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	if b.tokens > capacity {
		b.tokens = capacity
	}
}

// SetNotBefore delays all admissions until t. Earlier instants than the
// current floor are ignored, so overlapping throttle hints only extend
// the delay.
func (b *Bucket) SetNotBefore(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.After(b.notBefore) {
		b.notBefore = t
	}
}

// refillLocked credits elapsed * refillRate tokens, capped at capacity.
// Refill is monotonic: a clock running backwards credits nothing.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// waitLocked computes how long the waiter holding ticket should sleep:
// enough time for the refill to cover every live waiter ahead of it plus
// its own token, floored by the notBefore instant.
func (b *Bucket) waitLocked(ticket uint64, now time.Time) time.Duration {
	ahead := ticket - b.headTicket
	for t := range b.abandoned {
		if t < ticket {
			ahead--
		}
	}

	need := float64(ahead) + 1 - b.tokens
	wait := time.Duration(need / b.refillRate * float64(time.Second))
	if floor := b.notBefore.Sub(now); floor > wait {
		wait = floor
	}
	if wait < minWait {
		wait = minWait
	}
	return wait
}

// advanceHeadLocked moves the head past the served ticket and any
// abandoned successors.
func (b *Bucket) advanceHeadLocked() {
	b.headTicket++
	for {
		if _, ok := b.abandoned[b.headTicket]; !ok {
			return
		}
		delete(b.abandoned, b.headTicket)
		b.headTicket++
	}
}

// abandonLocked releases the reservation of a waiter that timed out.
func (b *Bucket) abandonLocked(ticket uint64) {
	if ticket == b.headTicket {
		b.advanceHeadLocked()
		return
	}
	b.abandoned[ticket] = struct{}{}
}
