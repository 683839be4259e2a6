package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/socialrelay/socialrelay/pkg/clock"
	apperrors "github.com/socialrelay/socialrelay/pkg/errors"
	"github.com/socialrelay/socialrelay/pkg/logging"
)

// State is the circuit position.
type State int

const (
	// StateClosed admits all calls.
	StateClosed State = iota

	// StateOpen rejects calls until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits exactly one probe call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen marks calls rejected without reaching the remote.
// OpenError wraps it, so errors.Is works on either.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// OpenError is returned when the circuit rejects a call. RetryIn hints
// how long until the next probe is allowed; zero means a probe is
// already in flight and the caller should retry shortly.
type OpenError struct {
	Key     string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("circuit open for %q: retry in %s", e.Key, e.RetryIn)
	}
	return fmt.Sprintf("circuit open for %q: probe in flight", e.Key)
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Fallback produces a degraded result for a rejected call. It must not
// reach the remote endpoint.
type Fallback func(ctx context.Context, cause error) (any, error)

// Operation is the guarded call.
type Operation func(ctx context.Context) (any, error)

// Config holds plain-parameter breaker settings shared by all keys in a
// Registry.
type Config struct {
	// FailureThreshold is the systemic failure count that trips the
	// circuit.
	FailureThreshold int

	// Window is the correlation window failures are counted over.
	Window time.Duration

	// MinClusterSize is the smallest failure cluster treated as
	// systemic. Fewer windowed failures than this never trip the
	// circuit regardless of the threshold.
	MinClusterSize int

	// Cooldown is the first open period. Consecutive failed probes
	// grow it by CooldownGrowth up to MaxCooldown; a successful probe
	// resets it.
	Cooldown       time.Duration
	CooldownGrowth float64
	MaxCooldown    time.Duration

	// IsFailure classifies which call errors count toward tripping.
	// The default counts every non-nil error except context
	// cancellation.
	IsFailure func(error) bool

	// OnStateChange, when set, is invoked after every transition.
	OnStateChange func(key string, from, to State)
}

// DefaultConfig returns breaker settings tuned for bursty social API
// backends.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           10 * time.Second,
		MinClusterSize:   3,
		Cooldown:         30 * time.Second,
		CooldownGrowth:   2.0,
		MaxCooldown:      5 * time.Minute,
	}
}

func (c Config) validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %v", c.Window)
	}
	if c.MinClusterSize < 1 {
		return fmt.Errorf("min cluster size must be >= 1, got %d", c.MinClusterSize)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %v", c.Cooldown)
	}
	if c.CooldownGrowth < 1 {
		return fmt.Errorf("cooldown growth must be >= 1, got %v", c.CooldownGrowth)
	}
	if c.MaxCooldown < c.Cooldown {
		return fmt.Errorf("max cooldown %v must be >= cooldown %v", c.MaxCooldown, c.Cooldown)
	}
	return nil
}

// Counts is a snapshot of call outcomes since the breaker was created.
type Counts struct {
	Calls               uint64
	Successes           uint64
	Failures            uint64
	Rejections          uint64
	ConsecutiveFailures uint64
}

// Breaker guards one endpoint key. Closed admits calls and watches the
// correlator for systemic failure; Open rejects calls until the cooldown
// elapses; HalfOpen admits a single probe whose outcome decides between
// closing and re-opening with a longer cooldown.
type Breaker struct {
	key        string
	cfg        Config
	correlator *Correlator
	clk        clock.Clock
	logger     zerolog.Logger

	mu       sync.Mutex
	state    State
	openedAt time.Time
	cooldown time.Duration
	probing  bool
	counts   Counts
}

func newBreaker(key string, cfg Config, correlator *Correlator, clk clock.Clock, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		key:        key,
		cfg:        cfg,
		correlator: correlator,
		clk:        clk,
		logger:     logger.With().Str("key", key).Logger(),
		state:      StateClosed,
		cooldown:   cfg.Cooldown,
	}
	circuitState.WithLabelValues(key).Set(float64(StateClosed))
	return b
}

// Call runs op under the circuit. A rejected call never reaches op: the
// fallback (when given) produces the result instead, otherwise an
// OpenError is returned. Errors from op itself propagate unchanged.
func (b *Breaker) Call(ctx context.Context, op Operation, fallback Fallback) (any, error) {
	probe, rejection := b.before()
	if rejection != nil {
		circuitRejections.WithLabelValues(b.key).Inc()
		b.logger.Debug().
			Dur("retry_in", rejection.RetryIn).
			Msg("Call rejected by open circuit")
		if fallback != nil {
			return fallback(ctx, rejection)
		}
		return nil, rejection
	}

	result, err := op(ctx)
	b.after(probe, err)
	return result, err
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a snapshot of the outcome counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// RemainingCooldown reports how long an open circuit stays closed to
// traffic. Zero for circuits that are not open.
func (b *Breaker) RemainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.openedAt.Add(b.cooldown).Sub(b.clk.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset force-closes the circuit and clears the key's failure window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.cooldown = b.cfg.Cooldown
	b.probing = false
	b.mu.Unlock()

	b.correlator.Reset(b.key)
	if from != StateClosed {
		b.announce(from, StateClosed)
	}
}

// before decides admission. It returns probe=true when the call is the
// single half-open probe, or a non-nil rejection when the circuit is
// closed to traffic.
func (b *Breaker) before() (probe bool, rejection *OpenError) {
	b.mu.Lock()
	now := b.clk.Now()

	switch b.state {
	case StateClosed:
		b.counts.Calls++
		b.mu.Unlock()
		return false, nil

	case StateOpen:
		remaining := b.openedAt.Add(b.cooldown).Sub(now)
		if remaining > 0 {
			b.counts.Rejections++
			b.mu.Unlock()
			return false, &OpenError{Key: b.key, RetryIn: remaining}
		}
		// Cooldown elapsed: this caller becomes the probe.
		b.state = StateHalfOpen
		b.probing = true
		b.counts.Calls++
		b.mu.Unlock()
		b.announce(StateOpen, StateHalfOpen)
		return true, nil

	default: // StateHalfOpen
		if b.probing {
			b.counts.Rejections++
			b.mu.Unlock()
			return false, &OpenError{Key: b.key}
		}
		b.probing = true
		b.counts.Calls++
		b.mu.Unlock()
		return true, nil
	}
}

// after settles a completed call. Failures feed the correlator first;
// the trip decision then reads the clustered count, so sporadic errors
// below the cluster floor never open the circuit.
func (b *Breaker) after(probe bool, err error) {
	if err == nil {
		b.afterSuccess(probe)
		return
	}
	if !b.isFailure(err) {
		b.afterNeutral(probe)
		return
	}

	kind := apperrors.KindOf(err)
	b.correlator.Observe(b.key, kind)
	systemic := b.correlator.SystemicCount(b.key)

	b.mu.Lock()
	now := b.clk.Now()
	b.counts.Failures++
	b.counts.ConsecutiveFailures++

	var from State
	tripped := false

	switch b.state {
	case StateHalfOpen:
		if probe {
			// Failed probe: re-open and grow the cooldown.
			from = StateHalfOpen
			b.state = StateOpen
			b.openedAt = now
			b.cooldown = b.nextCooldownLocked()
			b.probing = false
			tripped = true
		}
	case StateClosed:
		if systemic >= b.cfg.FailureThreshold {
			from = StateClosed
			b.state = StateOpen
			b.openedAt = now
			b.cooldown = b.cfg.Cooldown
			tripped = true
		}
	case StateOpen:
		// A straggler from before the trip. Nothing to decide.
	}
	cooldown := b.cooldown
	b.mu.Unlock()

	if probe {
		circuitProbes.WithLabelValues(b.key, "failure").Inc()
	}
	if tripped {
		circuitTrips.WithLabelValues(b.key).Inc()
		b.logger.Warn().
			Str("kind", string(kind)).
			Int("systemic_count", systemic).
			Dur("cooldown", cooldown).
			Msg("Circuit tripped open")
		b.announce(from, StateOpen)
	}
}

func (b *Breaker) afterSuccess(probe bool) {
	b.mu.Lock()
	b.counts.Successes++
	b.counts.ConsecutiveFailures = 0

	closed := false
	if probe && b.state == StateHalfOpen {
		b.state = StateClosed
		b.cooldown = b.cfg.Cooldown
		b.probing = false
		closed = true
	}
	b.mu.Unlock()

	if probe {
		circuitProbes.WithLabelValues(b.key, "success").Inc()
	}
	if closed {
		b.logger.Info().Msg("Probe succeeded, circuit closed")
		b.announce(StateHalfOpen, StateClosed)
	}
}

// afterNeutral settles a call whose error does not count either way,
// such as caller cancellation. A neutral probe proves nothing about the
// remote, so the circuit stays half-open and the next caller probes.
func (b *Breaker) afterNeutral(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
	circuitProbes.WithLabelValues(b.key, "abandoned").Inc()
}

func (b *Breaker) isFailure(err error) bool {
	if b.cfg.IsFailure != nil {
		return b.cfg.IsFailure(err)
	}
	return !errors.Is(err, context.Canceled)
}

// nextCooldownLocked grows the open period after a failed probe, capped
// at the configured maximum.
func (b *Breaker) nextCooldownLocked() time.Duration {
	next := time.Duration(float64(b.cooldown) * b.cfg.CooldownGrowth)
	if next > b.cfg.MaxCooldown {
		next = b.cfg.MaxCooldown
	}
	if next < b.cfg.Cooldown {
		next = b.cfg.Cooldown
	}
	return next
}

// announce publishes a state transition to the gauge, the log, and the
// configured hook. Runs without the breaker lock held.
func (b *Breaker) announce(from, to State) {
	circuitState.WithLabelValues(b.key).Set(float64(to))
	b.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit state changed")
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}

// Registry owns the per-key breakers and the correlator they share.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	corr     *Correlator
	breakers map[string]*Breaker
	logger   zerolog.Logger
}

// NewRegistry validates the config and creates an empty registry.
func NewRegistry(cfg Config, clk clock.Clock) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Registry{
		cfg:      cfg,
		clk:      clk,
		corr:     NewCorrelator(cfg.Window, cfg.MinClusterSize, clk),
		breakers: make(map[string]*Breaker),
		logger:   logging.NewLogger("breaker"),
	}, nil
}

// ForKey returns the breaker for an endpoint key, creating it on first
// use. All breakers from one registry share a correlator.
func (r *Registry) ForKey(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}
	b := newBreaker(key, r.cfg, r.corr, r.clk, r.logger)
	r.breakers[key] = b
	return b
}

// Correlator exposes the shared failure window for status reporting.
func (r *Registry) Correlator() *Correlator {
	return r.corr
}

// Keys returns the known endpoint keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.breakers))
	for key := range r.breakers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// States returns the current circuit position per key.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for key, b := range r.breakers {
		states[key] = b.State()
	}
	return states
}
