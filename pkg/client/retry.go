package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/socialrelay/socialrelay/pkg/breaker"
	"github.com/socialrelay/socialrelay/pkg/metrics"
	"github.com/socialrelay/socialrelay/pkg/pool"
	"github.com/socialrelay/socialrelay/pkg/retry"
)

// Prometheus metrics for the retry loop.
var (
	relayRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_retries_total",
		Help: "Total retry attempts by error kind",
	}, []string{"kind"})

	relayRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_retry_backoff_seconds",
		Help:    "Backoff duration before retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	relayRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_retry_exhausted_total",
		Help: "Total requests that spent their retry budget by error kind",
	}, []string{"kind"})
)

// Do performs a request with budgeted retries around the pipeline.
// Open-circuit and exhausted-pool rejections surface immediately since
// the backend is already pushing back. Non-retryable kinds fail fast.
// A spent budget wraps the last error in retry.ErrBudgetExhausted.
func (c *Client) Do(ctx context.Context, req Request) (any, error) {
	attempt := 1
	for {
		start := c.clk.Now()
		result, err := c.attempt(ctx, req)
		latency := c.clk.Now().Sub(start)

		if err == nil {
			c.record(req.Key, metrics.OutcomeSuccess, latency, 0, nil)
			if attempt > 1 {
				c.logger.Info().
					Str("key", req.Key).
					Int("attempt", attempt).
					Msg("Request recovered after retry")
			}
			return result, nil
		}

		if errors.Is(err, breaker.ErrCircuitOpen) || errors.Is(err, pool.ErrExhausted) {
			c.record(req.Key, metrics.OutcomeRejected, 0, 0, err)
			c.logger.Warn().
				Str("key", req.Key).
				Str("reason", errorLabel(err)).
				Msg("Request rejected")
			return nil, err
		}

		// A dead caller context makes further attempts pointless.
		if ctx.Err() != nil {
			c.record(req.Key, metrics.OutcomeFailure, latency, 0, err)
			return nil, err
		}

		if !c.policy.ShouldRetry(attempt, err) {
			c.record(req.Key, metrics.OutcomeFailure, latency, 0, err)
			label := errorLabel(err)
			if c.policy.Retryable(err) {
				relayRetryExhaustedTotal.WithLabelValues(label).Inc()
				c.logger.Error().
					Err(err).
					Str("key", req.Key).
					Int("attempts", attempt).
					Msg("Retry budget exhausted")
				return nil, fmt.Errorf("%w after %d attempts: %w", retry.ErrBudgetExhausted, attempt, err)
			}
			c.logger.Warn().
				Err(err).
				Str("key", req.Key).
				Str("kind", label).
				Msg("Permanent failure")
			return nil, err
		}

		delay := c.policy.NextDelay(attempt)
		label := errorLabel(err)
		c.record(req.Key, metrics.OutcomeRetry, latency, delay, err)
		relayRetriesTotal.WithLabelValues(label).Inc()
		relayRetryBackoffSeconds.WithLabelValues(label).Observe(delay.Seconds())
		c.logger.Debug().
			Err(err).
			Str("key", req.Key).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying request")

		if serr := c.clk.Sleep(ctx, delay); serr != nil {
			return nil, serr
		}
		attempt++
	}
}
