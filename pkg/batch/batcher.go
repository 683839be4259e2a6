// Package batch coalesces individual requests into batches that flush
// on size or age. Callers get a Future per item; items are dispatched
// with bounded concurrency and a per-item retry budget, and a shutdown
// drains everything that was accepted.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/socialrelay/socialrelay/pkg/breaker"
	"github.com/socialrelay/socialrelay/pkg/clock"
	"github.com/socialrelay/socialrelay/pkg/logging"
	"github.com/socialrelay/socialrelay/pkg/pool"
	"github.com/socialrelay/socialrelay/pkg/retry"
)

// ErrClosed is returned by Add after Shutdown has begun.
var ErrClosed = errors.New("batcher is closed")

// Dispatcher executes a single item attempt. Implementations must not
// retry internally; the batcher owns the retry budget.
type Dispatcher interface {
	Dispatch(ctx context.Context, key string, payload any) (any, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, key string, payload any) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, key string, payload any) (any, error) {
	return f(ctx, key, payload)
}

// Future is the caller's handle for one queued item. It resolves
// exactly once, when the item's dispatch finishes or is abandoned.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the item resolves or the context ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the item has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) resolve(result any, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

type item struct {
	id         string
	key        string
	payload    any
	enqueuedAt time.Time
	future     *Future
}

// Config holds plain-parameter batcher settings.
type Config struct {
	// BatchSize triggers an immediate flush when the buffer reaches it.
	BatchSize int

	// FlushInterval triggers a flush once the oldest buffered item has
	// waited this long, so a trickle of items never waits forever.
	FlushInterval time.Duration

	// MaxConcurrent bounds parallel item dispatches across flushes.
	MaxConcurrent int

	// Retry is the per-item attempt budget.
	Retry retry.Config
}

// DefaultConfig returns batcher settings for interactive workloads.
func DefaultConfig() Config {
	return Config{
		BatchSize:     10,
		FlushInterval: 5 * time.Second,
		MaxConcurrent: 4,
		Retry:         retry.DefaultConfig(),
	}
}

func (c Config) validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %v", c.FlushInterval)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent must be >= 1, got %d", c.MaxConcurrent)
	}
	return nil
}

// Batcher buffers items and flushes them through a Dispatcher. A single
// flusher goroutine owns the trigger decisions; dispatch work fans out
// to a bounded worker set shared across flushes.
type Batcher struct {
	cfg        Config
	dispatcher Dispatcher
	policy     *retry.Policy
	clk        clock.Clock
	logger     zerolog.Logger

	mu      sync.Mutex
	pending []*item
	closed  bool

	nudge       chan struct{}
	stop        chan struct{}
	flusherDone chan struct{}
	sem         chan struct{}
	workers     sync.WaitGroup
}

// New validates the config and starts the flusher.
func New(cfg Config, dispatcher Dispatcher, clk clock.Clock) (*Batcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	policy, err := retry.NewPolicy(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("invalid batch config: %w", err)
	}
	if clk == nil {
		clk = clock.System()
	}

	b := &Batcher{
		cfg:         cfg,
		dispatcher:  dispatcher,
		policy:      policy,
		clk:         clk,
		logger:      logging.NewLogger("batch"),
		nudge:       make(chan struct{}, 1),
		stop:        make(chan struct{}),
		flusherDone: make(chan struct{}),
		sem:         make(chan struct{}, cfg.MaxConcurrent),
	}
	go b.run()
	return b, nil
}

// Add queues one item and returns its Future without blocking on
// dispatch. Reaching BatchSize triggers an immediate flush.
func (b *Batcher) Add(key string, payload any) (*Future, error) {
	it := &item{
		id:         uuid.New().String(),
		key:        key,
		payload:    payload,
		enqueuedAt: b.clk.Now(),
		future:     newFuture(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.pending = append(b.pending, it)
	n := len(b.pending)
	b.mu.Unlock()

	batchPending.Set(float64(n))
	// The first item wakes the parked flusher so it arms the age
	// timer; reaching BatchSize wakes it for an immediate flush.
	if n == 1 || n >= b.cfg.BatchSize {
		select {
		case b.nudge <- struct{}{}:
		default:
		}
	}
	return it.future, nil
}

// Pending returns the number of buffered items awaiting flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush forces the buffer out regardless of triggers.
func (b *Batcher) Flush() {
	b.flush("manual")
}

// Shutdown stops intake, flushes the buffer, and waits for in-flight
// items to resolve. The context bounds the wait only: items still in
// flight when it expires keep running and resolve their futures.
func (b *Batcher) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	<-b.flusherDone

	drained := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		b.logger.Info().Msg("Batcher drained and shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch drain interrupted: %w", ctx.Err())
	}
}

// run is the flusher loop. It owns every trigger decision: size via
// nudges from Add, age via a timer armed from the oldest buffered item,
// and the final drain on shutdown.
func (b *Batcher) run() {
	defer close(b.flusherDone)

	for {
		b.mu.Lock()
		n := len(b.pending)
		var oldest time.Time
		if n > 0 {
			oldest = b.pending[0].enqueuedAt
		}
		b.mu.Unlock()

		if n >= b.cfg.BatchSize {
			b.flush("size")
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if n > 0 {
			wait := b.cfg.FlushInterval - b.clk.Now().Sub(oldest)
			if wait <= 0 {
				b.flush("interval")
				continue
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-b.nudge:
		case <-timerC:
			b.flush("interval")
		case <-b.stop:
			if timer != nil {
				timer.Stop()
			}
			b.flush("shutdown")
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// flush swaps the buffer out and hands every item to the worker set.
func (b *Batcher) flush(trigger string) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	batchPending.Set(0)
	batchFlushes.WithLabelValues(trigger).Inc()
	batchSizes.Observe(float64(len(batch)))
	b.logger.Info().
		Str("trigger", trigger).
		Int("size", len(batch)).
		Msg("Flushing batch")

	for _, it := range batch {
		b.workers.Add(1)
		go func(it *item) {
			defer b.workers.Done()
			b.sem <- struct{}{}
			defer func() { <-b.sem }()
			b.process(it)
		}(it)
	}
}

// process drives one item through its retry budget and resolves the
// future exactly once. Circuit rejections and pool exhaustion surface
// immediately: retrying them here would only pile onto a backend that
// is already pushing back.
func (b *Batcher) process(it *item) {
	ctx := context.Background()

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := b.dispatcher.Dispatch(ctx, it.key, it.payload)
		if err == nil {
			batchItems.WithLabelValues("success").Inc()
			if attempt > 1 {
				b.logger.Info().
					Str("item_id", it.id).
					Str("key", it.key).
					Int("attempt", attempt).
					Msg("Item succeeded after retry")
			}
			it.future.resolve(result, nil)
			return
		}
		lastErr = err

		if errors.Is(err, breaker.ErrCircuitOpen) || errors.Is(err, pool.ErrExhausted) {
			batchItems.WithLabelValues("rejected").Inc()
			b.logger.Warn().
				Str("item_id", it.id).
				Str("key", it.key).
				Err(err).
				Msg("Item rejected, not retrying")
			it.future.resolve(nil, err)
			return
		}

		if !b.policy.ShouldRetry(attempt, err) {
			if b.policy.Retryable(err) {
				lastErr = fmt.Errorf("%w after %d attempts: %w", retry.ErrBudgetExhausted, attempt, err)
			}
			batchItems.WithLabelValues("failure").Inc()
			b.logger.Warn().
				Str("item_id", it.id).
				Str("key", it.key).
				Int("attempts", attempt).
				Err(err).
				Msg("Item failed")
			it.future.resolve(nil, lastErr)
			return
		}

		delay := b.policy.NextDelay(attempt)
		batchItems.WithLabelValues("retry").Inc()
		b.logger.Debug().
			Str("item_id", it.id).
			Str("key", it.key).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying item after backoff")
		if err := b.clk.Sleep(ctx, delay); err != nil {
			it.future.resolve(nil, lastErr)
			return
		}
	}
}
