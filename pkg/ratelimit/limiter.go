package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/socialrelay/socialrelay/pkg/clock"
	"github.com/socialrelay/socialrelay/pkg/logging"
)

// Config holds plain-parameter limiter settings. Capacity doubles as the
// adaptive ceiling; MinCapacity is the floor the controller may shrink to.
type Config struct {
	// Capacity is the bucket size in tokens and the adaptive maximum.
	Capacity float64

	// RefillRate is the sustained admission rate in tokens per second.
	RefillRate float64

	// MinCapacity is the floor for multiplicative decrease.
	MinCapacity float64

	// ShrinkFactor multiplies effective capacity on each throttle signal.
	ShrinkFactor float64

	// GrowStep is added to effective capacity after a success streak.
	GrowStep float64

	// GrowthStreak is the number of consecutive successes required
	// before capacity grows.
	GrowthStreak int

	// AcquireTimeout bounds each Acquire when the caller's context
	// carries no earlier deadline. Zero disables the default bound.
	AcquireTimeout time.Duration
}

// DefaultConfig returns conservative limiter settings.
func DefaultConfig() Config {
	return Config{
		Capacity:       10,
		RefillRate:     5,
		MinCapacity:    1,
		ShrinkFactor:   0.5,
		GrowStep:       1,
		GrowthStreak:   10,
		AcquireTimeout: 30 * time.Second,
	}
}

func (c Config) validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be >= 1, got %v", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("refill rate must be positive, got %v", c.RefillRate)
	}
	if c.MinCapacity < 1 || c.MinCapacity > c.Capacity {
		return fmt.Errorf("min capacity must be within [1, %v], got %v", c.Capacity, c.MinCapacity)
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		return fmt.Errorf("shrink factor must be in (0, 1), got %v", c.ShrinkFactor)
	}
	if c.GrowStep <= 0 {
		return fmt.Errorf("grow step must be positive, got %v", c.GrowStep)
	}
	if c.GrowthStreak < 1 {
		return fmt.Errorf("growth streak must be >= 1, got %v", c.GrowthStreak)
	}
	return nil
}

// Limiter is the admission gate for one endpoint key: a token bucket plus
// the adaptive controller adjusting it.
type Limiter struct {
	key    string
	bucket *Bucket
	ctrl   *Controller
	cfg    Config
	logger zerolog.Logger

	// persist is installed by the manager when a store is configured.
	persist func()
}

func newLimiter(key string, cfg Config, clk clock.Clock, logger zerolog.Logger) *Limiter {
	// Config is validated by the manager; construction cannot fail here.
	bucket, _ := NewBucket(cfg.Capacity, cfg.RefillRate, clk)
	l := &Limiter{
		key:    key,
		bucket: bucket,
		ctrl:   newController(bucket, cfg, clk),
		cfg:    cfg,
		logger: logger.With().Str("key", key).Logger(),
	}
	effectiveCapacity.WithLabelValues(key).Set(cfg.Capacity)
	return l
}

// Acquire admits one call, suspending the caller until a token is
// available. The configured AcquireTimeout applies when the context has
// no earlier deadline; on expiry ErrAcquireTimeout is returned and the
// caller's queue reservation is released.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	if l.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.AcquireTimeout)
		defer cancel()
	}

	permit, err := l.bucket.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrAcquireTimeout) {
			acquireTimeouts.WithLabelValues(l.key).Inc()
			l.logger.Warn().Err(err).Msg("acquire timed out")
		}
		return nil, err
	}

	acquireWaits.WithLabelValues(l.key).Observe(permit.Waited.Seconds())
	if permit.Waited > 0 {
		l.logger.Debug().
			Dur("wait_ms", permit.Waited).
			Float64("tokens", l.bucket.Tokens()).
			Msg("token admitted after wait")
	}
	return permit, nil
}

// RecordSuccess feeds a success signal to the adaptive controller.
func (l *Limiter) RecordSuccess() {
	before := l.ctrl.State().EffectiveCapacity
	l.ctrl.RecordSuccess()
	after := l.ctrl.State().EffectiveCapacity
	if after != before {
		effectiveCapacity.WithLabelValues(l.key).Set(after)
		l.logger.Info().
			Float64("capacity", after).
			Msg("capacity grown after success streak")
	}
}

// RecordThrottle feeds a remote throttle signal to the adaptive
// controller. retryAfter of zero means the remote sent no hint. When the
// manager has a store configured the shrunken state is persisted in the
// background.
func (l *Limiter) RecordThrottle(retryAfter time.Duration) {
	l.ctrl.RecordThrottle(retryAfter)
	st := l.ctrl.State()
	throttleSignals.WithLabelValues(l.key).Inc()
	effectiveCapacity.WithLabelValues(l.key).Set(st.EffectiveCapacity)
	l.logger.Warn().
		Float64("capacity", st.EffectiveCapacity).
		Dur("retry_after", retryAfter).
		Bool("at_floor", st.AtFloor(l.cfg.MinCapacity)).
		Msg("throttle signal, capacity shrunk")
	if l.persist != nil {
		l.persist()
	}
}

// Tokens returns the bucket's current token count.
func (l *Limiter) Tokens() float64 {
	return l.bucket.Tokens()
}

// EffectiveCapacity returns the current adaptive ceiling.
func (l *Limiter) EffectiveCapacity() float64 {
	return l.bucket.Capacity()
}

// State snapshots the adaptive state for persistence or status reporting.
func (l *Limiter) State() AdaptiveState {
	return l.ctrl.State()
}

// storeOpTimeout bounds background store reads and writes. Admission
// decisions never wait on persistence.
const storeOpTimeout = 2 * time.Second

// Manager owns one Limiter per endpoint key. It is the single place
// per-key instances are created, so call sites share buckets by
// construction instead of through hidden globals.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*Limiter
	store    Store
	clk      clock.Clock
	logger   zerolog.Logger
}

// NewManager validates cfg and creates an empty registry. store may be
// nil to disable persistence; clk may be nil for the system clock.
func NewManager(cfg Config, store Store, clk clock.Clock) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Manager{
		cfg:      cfg,
		limiters: make(map[string]*Limiter),
		store:    store,
		clk:      clk,
		logger:   logging.NewLogger("ratelimit"),
	}, nil
}

// ForKey returns the limiter for key, creating it on first use. A newly
// created limiter restores persisted adaptive state when a store is
// configured; restore failures are logged and admission proceeds with
// fresh state. Throttle signals on the limiter save state back in the
// background, so a restart mid-backoff resumes where it left off.
func (m *Manager) ForKey(key string) *Limiter {
	m.mu.Lock()
	if l, ok := m.limiters[key]; ok {
		m.mu.Unlock()
		return l
	}
	l := newLimiter(key, m.cfg, m.clk, m.logger)
	if m.store != nil {
		l.persist = func() { go m.saveKey(l) }
	}
	m.limiters[key] = l
	m.mu.Unlock()

	if m.store != nil {
		m.restore(l)
	}
	return l
}

// Keys returns the known endpoint keys in sorted order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.limiters))
	for k := range m.limiters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SaveState persists every limiter's adaptive state. The first error is
// returned after all keys were attempted.
func (m *Manager) SaveState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	m.mu.Lock()
	limiters := make([]*Limiter, 0, len(m.limiters))
	for _, l := range m.limiters {
		limiters = append(limiters, l)
	}
	m.mu.Unlock()

	var firstErr error
	for _, l := range limiters {
		if err := m.store.Save(ctx, l.key, l.State()); err != nil {
			m.logger.Warn().Err(err).Str("key", l.key).Msg("state save failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close persists state a final time. Limiters stay usable afterwards;
// Close only flushes.
func (m *Manager) Close(ctx context.Context) error {
	return m.SaveState(ctx)
}

func (m *Manager) restore(l *Limiter) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	st, err := m.store.Load(ctx, l.key)
	if err == ErrStateNotFound {
		return
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("key", l.key).Msg("state restore failed")
		return
	}

	l.ctrl.restore(st)
	effectiveCapacity.WithLabelValues(l.key).Set(l.bucket.Capacity())
	m.logger.Info().
		Str("key", l.key).
		Float64("capacity", st.EffectiveCapacity).
		Time("updated_at", st.UpdatedAt).
		Msg("adaptive state restored")
}

// saveKey persists one limiter's snapshot off the throttle path.
func (m *Manager) saveKey(l *Limiter) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	if err := m.store.Save(ctx, l.key, l.State()); err != nil {
		m.logger.Warn().Err(err).Str("key", l.key).Msg("state save failed")
	}
}
