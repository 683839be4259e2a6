package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/socialrelay/socialrelay/pkg/breaker"
	apperrors "github.com/socialrelay/socialrelay/pkg/errors"
	"github.com/socialrelay/socialrelay/pkg/pool"
	"github.com/socialrelay/socialrelay/pkg/retry"
)

// fakeDispatcher scripts per-attempt outcomes and counts attempts per
// payload.
type fakeDispatcher struct {
	mu       sync.Mutex
	attempts map[string]int
	fn       func(key string, payload any, attempt int) (any, error)
}

func newFakeDispatcher(fn func(key string, payload any, attempt int) (any, error)) *fakeDispatcher {
	return &fakeDispatcher{
		attempts: make(map[string]int),
		fn:       fn,
	}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, key string, payload any) (any, error) {
	d.mu.Lock()
	d.attempts[payload.(string)]++
	n := d.attempts[payload.(string)]
	d.mu.Unlock()
	return d.fn(key, payload, n)
}

func (d *fakeDispatcher) attemptCount(payload string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[payload]
}

func okDispatcher() *fakeDispatcher {
	return newFakeDispatcher(func(key string, payload any, attempt int) (any, error) {
		return "ok", nil
	})
}

func fastRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func serverError() error {
	return apperrors.NewTransport(apperrors.KindServer, http.StatusBadGateway, "bad gateway", nil)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "zero batch size",
			mutate: func(c *Config) { c.BatchSize = 0 },
		},
		{
			name:   "zero flush interval",
			mutate: func(c *Config) { c.FlushInterval = 0 },
		},
		{
			name:   "zero max concurrent",
			mutate: func(c *Config) { c.MaxConcurrent = 0 },
		},
		{
			name:   "bad retry budget",
			mutate: func(c *Config) { c.Retry.MaxAttempts = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, okDispatcher(), nil); err == nil {
				t.Error("New() error = nil, want validation error")
			}
		})
	}

	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("New() without dispatcher error = nil, want error")
	}
}

func TestBatcher_SizeTriggerFlushesImmediately(t *testing.T) {
	d := okDispatcher()
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.FlushInterval = 10 * time.Second
	cfg.Retry = fastRetryConfig()

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown(context.Background())

	futures := make([]*Future, 0, 3)
	for i := 0; i < 3; i++ {
		f, err := b.Add("piapi", fmt.Sprintf("item-%d", i))
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		futures = append(futures, f)
	}

	// The third Add reaches BatchSize: the flush must happen long
	// before the 10s interval.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, f := range futures {
		result, err := f.Wait(ctx)
		if err != nil {
			t.Fatalf("future #%d Wait() error = %v", i+1, err)
		}
		if result != "ok" {
			t.Errorf("future #%d result = %v, want ok", i+1, result)
		}
	}
}

func TestBatcher_IntervalTriggerFlushesPartialBatch(t *testing.T) {
	d := okDispatcher()
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.Retry = fastRetryConfig()

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown(context.Background())

	start := time.Now()
	f1, _ := b.Add("piapi", "a")
	f2, _ := b.Add("piapi", "b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f1.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if _, err := f2.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	// Two items never reach BatchSize: the age trigger must have fired.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("partial batch resolved after %v, want >= the flush interval", elapsed)
	}
	if got := d.attemptCount("a") + d.attemptCount("b"); got != 2 {
		t.Errorf("dispatched %d attempts, want 2", got)
	}
}

func TestBatcher_AddDoesNotBlockOnDispatch(t *testing.T) {
	d := okDispatcher()
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.FlushInterval = 10 * time.Second

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown(context.Background())

	f, err := b.Add("piapi", "queued")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	select {
	case <-f.Done():
		t.Fatal("future resolved before any flush trigger")
	default:
	}

	if got := b.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}

	b.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); err != nil {
		t.Fatalf("Wait() after manual flush error = %v", err)
	}
}

func TestBatcher_RetriesFlakyItem(t *testing.T) {
	d := newFakeDispatcher(func(key string, payload any, attempt int) (any, error) {
		if attempt <= 2 {
			return nil, serverError()
		}
		return "recovered", nil
	})

	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.Retry = fastRetryConfig()

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown(context.Background())

	f, err := b.Add("piapi", "flaky")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result != "recovered" {
		t.Errorf("result = %v, want recovered", result)
	}
	if got := d.attemptCount("flaky"); got != 3 {
		t.Errorf("attempts = %d, want 3 (two retries)", got)
	}
}

func TestBatcher_NonRetryableFailsOnFirstAttempt(t *testing.T) {
	d := newFakeDispatcher(func(key string, payload any, attempt int) (any, error) {
		return nil, apperrors.NewTransport(apperrors.KindClient, http.StatusBadRequest, "malformed post", nil)
	})

	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.Retry = fastRetryConfig()

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown(context.Background())

	f, _ := b.Add("piapi", "bad")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = f.Wait(ctx)

	var te *apperrors.TransportError
	if !errors.As(err, &te) || te.Kind != apperrors.KindClient {
		t.Fatalf("Wait() error = %v, want client transport error", err)
	}
	if errors.Is(err, retry.ErrBudgetExhausted) {
		t.Error("non-retryable failure reported as budget exhaustion")
	}
	if got := d.attemptCount("bad"); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestBatcher_BudgetExhaustedWrapsLastError(t *testing.T) {
	d := newFakeDispatcher(func(key string, payload any, attempt int) (any, error) {
		return nil, serverError()
	})

	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.Retry = retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown(context.Background())

	f, _ := b.Add("piapi", "down")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = f.Wait(ctx)

	if !errors.Is(err, retry.ErrBudgetExhausted) {
		t.Fatalf("Wait() error = %v, want ErrBudgetExhausted", err)
	}
	var te *apperrors.TransportError
	if !errors.As(err, &te) {
		t.Error("budget exhaustion does not carry the underlying transport error")
	}
	if got := d.attemptCount("down"); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestBatcher_CircuitRejectionNotRetried(t *testing.T) {
	d := newFakeDispatcher(func(key string, payload any, attempt int) (any, error) {
		return nil, &breaker.OpenError{Key: key, RetryIn: time.Second}
	})

	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.Retry = fastRetryConfig()

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown(context.Background())

	f, _ := b.Add("piapi", "blocked")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = f.Wait(ctx)

	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("Wait() error = %v, want ErrCircuitOpen", err)
	}
	if got := d.attemptCount("blocked"); got != 1 {
		t.Errorf("attempts = %d, want 1 (open circuit is not retried)", got)
	}
}

func TestBatcher_PoolExhaustionNotRetried(t *testing.T) {
	d := newFakeDispatcher(func(key string, payload any, attempt int) (any, error) {
		return nil, fmt.Errorf("%w after 5s", pool.ErrExhausted)
	})

	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.Retry = fastRetryConfig()

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown(context.Background())

	f, _ := b.Add("piapi", "starved")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = f.Wait(ctx)

	if !errors.Is(err, pool.ErrExhausted) {
		t.Fatalf("Wait() error = %v, want ErrExhausted", err)
	}
	if got := d.attemptCount("starved"); got != 1 {
		t.Errorf("attempts = %d, want 1 (exhausted pool is not retried)", got)
	}
}

func TestBatcher_ShutdownDrainsBuffer(t *testing.T) {
	d := okDispatcher()
	cfg := DefaultConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = 10 * time.Minute

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	futures := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		f, err := b.Add("piapi", fmt.Sprintf("drain-%d", i))
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		futures = append(futures, f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// No trigger ever fired, yet shutdown must resolve every future.
	for i, f := range futures {
		select {
		case <-f.Done():
		default:
			t.Fatalf("future #%d unresolved after Shutdown", i+1)
		}
		if _, err := f.Wait(context.Background()); err != nil {
			t.Errorf("future #%d error = %v", i+1, err)
		}
	}
}

func TestBatcher_AddAfterShutdownFails(t *testing.T) {
	b, err := New(DefaultConfig(), okDispatcher(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := b.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if _, err := b.Add("piapi", "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Add() after Shutdown error = %v, want ErrClosed", err)
	}

	// A second shutdown is a no-op.
	if err := b.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestBatcher_ConcurrencyBounded(t *testing.T) {
	var inFlight atomic.Int32
	var peak atomic.Int32

	d := newFakeDispatcher(func(key string, payload any, attempt int) (any, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})

	cfg := DefaultConfig()
	cfg.BatchSize = 6
	cfg.MaxConcurrent = 2
	cfg.Retry = fastRetryConfig()

	b, err := New(cfg, d, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Shutdown(context.Background())

	futures := make([]*Future, 0, 6)
	for i := 0; i < 6; i++ {
		f, err := b.Add("piapi", fmt.Sprintf("cc-%d", i))
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		futures = append(futures, f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent dispatches = %d, want <= 2", got)
	}
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	f := newFuture()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() on unresolved future error = %v, want deadline exceeded", err)
	}

	// An abandoned Wait does not consume the result.
	f.resolve("late", nil)
	result, err := f.Wait(context.Background())
	if err != nil || result != "late" {
		t.Errorf("Wait() after resolve = (%v, %v), want (late, nil)", result, err)
	}
}
