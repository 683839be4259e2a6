// Package client assembles the resilience pipeline for outbound social
// platform calls: adaptive rate limiting, circuit breaking, pooled
// transport handles and budgeted retries behind one object.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/socialrelay/socialrelay/pkg/breaker"
	"github.com/socialrelay/socialrelay/pkg/clock"
	apperrors "github.com/socialrelay/socialrelay/pkg/errors"
	"github.com/socialrelay/socialrelay/pkg/logging"
	"github.com/socialrelay/socialrelay/pkg/metrics"
	"github.com/socialrelay/socialrelay/pkg/pool"
	"github.com/socialrelay/socialrelay/pkg/ratelimit"
	"github.com/socialrelay/socialrelay/pkg/retry"
)

// Prometheus metrics for relayed requests.
var (
	relayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total relayed requests by endpoint key and outcome",
	}, []string{"key", "outcome"})

	relayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_request_duration_seconds",
		Help:    "Attempt duration in seconds by endpoint key",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"key"})

	relayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total errors by endpoint key and kind",
	}, []string{"key", "kind"})
)

// Request is one outbound platform call. Key selects the per-endpoint
// limiter and breaker; Payload is opaque to the resilience core.
type Request struct {
	Key     string
	Payload any
}

// Transport executes a request over a pooled connection handle.
// Implementations report failures as *errors.TransportError so retry,
// breaker and limiter decisions all see the same classification;
// anything else is treated as a network-kind failure.
type Transport interface {
	Execute(ctx context.Context, entry *pool.Entry, req Request) (any, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, entry *pool.Entry, req Request) (any, error)

// Execute calls f.
func (f TransportFunc) Execute(ctx context.Context, entry *pool.Entry, req Request) (any, error) {
	return f(ctx, entry, req)
}

// Config holds the client configuration.
type Config struct {
	// Transport performs the actual platform call (REQUIRED).
	Transport Transport

	// Pipeline stages.
	Limits  ratelimit.Config
	Breaker breaker.Config
	Pool    pool.Config
	Retry   retry.Config

	// Fallback, when set, produces degraded results for calls an open
	// circuit rejects.
	Fallback breaker.Fallback

	// Store persists adaptive limiter state across restarts. Optional.
	Store ratelimit.Store

	// CallTimeout bounds each transport execution. Zero leaves the
	// bound to the caller's context.
	CallTimeout time.Duration

	// Clock overrides time for tests. Nil means the system clock.
	Clock clock.Clock
}

// DefaultConfig returns a safe default configuration around the given
// transport. Pool.Dial must still be set by the caller.
func DefaultConfig(transport Transport) Config {
	return Config{
		Transport:   transport,
		Limits:      ratelimit.DefaultConfig(),
		Breaker:     breaker.DefaultConfig(),
		Pool:        pool.DefaultConfig(),
		Retry:       retry.DefaultConfig(),
		CallTimeout: 30 * time.Second,
	}
}

// Client drives requests through the full pipeline. Safe for
// concurrent use.
type Client struct {
	cfg       Config
	limits    *ratelimit.Manager
	breakers  *breaker.Registry
	pool      *pool.Pool
	policy    *retry.Policy
	collector *metrics.Collector
	transport Transport
	fallback  breaker.Fallback
	clk       clock.Clock
	logger    zerolog.Logger
}

// New validates the configuration and constructs the pipeline.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.CallTimeout < 0 {
		return nil, fmt.Errorf("call timeout must be >= 0, got %v", cfg.CallTimeout)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.System()
	}

	// Throttles feed the adaptive limiter and pool exhaustion is local
	// backpressure; only transport-level failures may trip circuits.
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = transportFailure
	}

	limits, err := ratelimit.NewManager(cfg.Limits, cfg.Store, clk)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	breakers, err := breaker.NewRegistry(cfg.Breaker, clk)
	if err != nil {
		return nil, fmt.Errorf("circuit breaker: %w", err)
	}
	connPool, err := pool.New(cfg.Pool, clk)
	if err != nil {
		return nil, fmt.Errorf("connection pool: %w", err)
	}
	policy, err := retry.NewPolicy(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	return &Client{
		cfg:       cfg,
		limits:    limits,
		breakers:  breakers,
		pool:      connPool,
		policy:    policy,
		collector: metrics.NewCollector(clk),
		transport: cfg.Transport,
		fallback:  cfg.Fallback,
		clk:       clk,
		logger:    logging.NewLogger("client"),
	}, nil
}

// DoOnce performs a single attempt with no retry. Callers that batch
// or manage retries themselves use this directly; Do wraps it in the
// retry loop.
func (c *Client) DoOnce(ctx context.Context, req Request) (any, error) {
	start := c.clk.Now()
	result, err := c.attempt(ctx, req)
	latency := c.clk.Now().Sub(start)

	switch {
	case err == nil:
		c.record(req.Key, metrics.OutcomeSuccess, latency, 0, nil)
	case rejected(err):
		c.record(req.Key, metrics.OutcomeRejected, 0, 0, err)
	default:
		c.record(req.Key, metrics.OutcomeFailure, latency, 0, err)
	}
	return result, err
}

// Dispatch satisfies the batch dispatcher contract with a single
// pipeline pass. Per-item retries stay with the batcher, so batched
// items are never retried twice.
func (c *Client) Dispatch(ctx context.Context, key string, payload any) (any, error) {
	return c.DoOnce(ctx, Request{Key: key, Payload: payload})
}

// attempt runs one pass of the pipeline. Component locks are taken and
// released in sequence (rate, then circuit, then pool), never nested.
func (c *Client) attempt(ctx context.Context, req Request) (any, error) {
	limiter := c.limits.ForKey(req.Key)

	// Step 1: admission through the adaptive token bucket.
	permit, err := limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if permit.Waited > 0 {
		c.logger.Debug().
			Str("key", req.Key).
			Dur("waited", permit.Waited).
			Msg("Rate limit wait")
	}

	// Step 2: breaker admission. The guarded operation borrows a
	// pooled handle, executes the transport and always releases.
	return c.breakers.ForKey(req.Key).Call(ctx, func(ctx context.Context) (any, error) {
		entry, err := c.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer c.pool.Release(entry)

		callCtx := ctx
		if c.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
		}

		result, err := c.transport.Execute(callCtx, entry, req)
		if err != nil {
			c.observeFailure(limiter, entry, req.Key, err)
			return nil, err
		}
		limiter.RecordSuccess()
		return result, nil
	}, c.fallback)
}

// observeFailure feeds adaptive signals back into the pipeline: remote
// throttles shrink the limiter, connection-level failures poison the
// borrowed handle so it is not reused.
func (c *Client) observeFailure(limiter *ratelimit.Limiter, entry *pool.Entry, key string, err error) {
	switch apperrors.KindOf(err) {
	case apperrors.KindRateLimited:
		var retryAfter time.Duration
		if te := apperrors.AsTransport(err); te != nil {
			retryAfter = te.RetryAfter
		}
		limiter.RecordThrottle(retryAfter)
		c.logger.Warn().
			Str("key", key).
			Dur("retry_after", retryAfter).
			Msg("Remote throttle")
	case apperrors.KindNetwork, apperrors.KindTimeout:
		entry.MarkDefective()
	}
}

// record pushes one attempt outcome into the collector and the
// Prometheus series before the result is surfaced.
func (c *Client) record(key string, outcome metrics.Outcome, latency, backoff time.Duration, err error) {
	c.collector.Record(metrics.Event{
		Key:     key,
		Outcome: outcome,
		Latency: latency,
		Backoff: backoff,
	})
	relayRequestsTotal.WithLabelValues(key, string(outcome)).Inc()
	if outcome != metrics.OutcomeRejected {
		relayRequestDuration.WithLabelValues(key).Observe(latency.Seconds())
	}
	if err != nil {
		relayErrorsTotal.WithLabelValues(key, errorLabel(err)).Inc()
	}
}

// rejected reports whether err is a local refusal that never reached
// the platform.
func rejected(err error) bool {
	return errors.Is(err, breaker.ErrCircuitOpen) ||
		errors.Is(err, pool.ErrExhausted) ||
		errors.Is(err, ratelimit.ErrAcquireTimeout)
}

// transportFailure classifies which operation errors count toward
// tripping a circuit. Pool exhaustion and remote throttles are
// backpressure, not endpoint failures, and a canceled caller or a
// closed pool says nothing about the endpoint.
func transportFailure(err error) bool {
	if errors.Is(err, pool.ErrExhausted) || errors.Is(err, pool.ErrClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindNetwork, apperrors.KindTimeout, apperrors.KindServer:
		return true
	default:
		return false
	}
}

// errorLabel names an error for the metrics kind label. Pipeline
// sentinels get stable names of their own; anything else reports its
// transport kind.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, ratelimit.ErrAcquireTimeout):
		return "rate_limit_timeout"
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, pool.ErrExhausted):
		return "pool_exhausted"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return string(apperrors.KindOf(err))
}

// Metrics returns the per-key attempt collector.
func (c *Client) Metrics() *metrics.Collector { return c.collector }

// Limits returns the adaptive rate limit manager.
func (c *Client) Limits() *ratelimit.Manager { return c.limits }

// Breakers returns the circuit breaker registry.
func (c *Client) Breakers() *breaker.Registry { return c.breakers }

// Pool returns the shared connection pool.
func (c *Client) Pool() *pool.Pool { return c.pool }

// Close persists adaptive limiter state and closes the pool. The
// client must not be used afterwards.
func (c *Client) Close(ctx context.Context) error {
	saveErr := c.limits.Close(ctx)
	closeErr := c.pool.Close()
	if saveErr != nil {
		return fmt.Errorf("save rate limit state: %w", saveErr)
	}
	return closeErr
}
