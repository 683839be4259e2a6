// Package retry computes retry decisions and full-jitter backoff
// delays. The policy is pure: callers own the loop, the sleeps, and
// the bookkeeping.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	apperrors "github.com/socialrelay/socialrelay/pkg/errors"
)

// ErrBudgetExhausted marks a request abandoned after the attempt budget
// was spent. The wrapper carries the last underlying error.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Config holds plain-parameter retry settings.
type Config struct {
	// MaxAttempts is the total attempt budget including the first call.
	MaxAttempts int

	// BaseDelay scales the backoff ceiling for the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff ceiling regardless of attempt count.
	MaxDelay time.Duration
}

// DefaultConfig returns the default retry settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// ConfigForKind returns retry settings tuned per error kind.
func ConfigForKind(kind apperrors.Kind) Config {
	switch kind {
	case apperrors.KindServer:
		// 5xx blips usually clear quickly.
		return Config{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    10 * time.Second,
		}
	case apperrors.KindRateLimited:
		// Throttled endpoints need room to recover.
		return Config{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			MaxDelay:    60 * time.Second,
		}
	case apperrors.KindNetwork:
		return Config{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
		}
	default:
		return DefaultConfig()
	}
}

func (c Config) validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive, got %v", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay %v must be >= base delay %v", c.MaxDelay, c.BaseDelay)
	}
	return nil
}

// Policy decides whether a failed attempt retries and how long to back
// off first.
type Policy struct {
	cfg Config
}

// NewPolicy validates the config and returns a policy.
func NewPolicy(cfg Config) (*Policy, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	return &Policy{cfg: cfg}, nil
}

// Config returns the policy's settings.
func (p *Policy) Config() Config {
	return p.cfg
}

// Retryable reports whether the error's kind allows retrying at all,
// regardless of the attempt budget.
func (p *Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	return apperrors.Retryable(apperrors.KindOf(err))
}

// ShouldRetry reports whether the attempt that just failed should be
// retried. attempt is 1-based. It is false once the budget is spent or
// when the error's kind is not retryable.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.cfg.MaxAttempts {
		return false
	}
	return p.Retryable(err)
}

// NextDelay returns a full-jitter backoff for the attempt that just
// failed: uniform in [0, min(MaxDelay, BaseDelay*2^(attempt-1))).
// Full jitter spreads synchronized retriers across the whole interval
// instead of letting them stampede in lockstep.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if ceiling > float64(p.cfg.MaxDelay) {
		ceiling = float64(p.cfg.MaxDelay)
	}
	return time.Duration(rand.Float64() * ceiling)
}
