// Package pool provides a bounded connection pool with idle health
// eviction. Acquire blocks up to a timeout when all entries are
// borrowed; Release always succeeds and either parks the entry for
// reuse or destroys it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/socialrelay/socialrelay/pkg/clock"
	"github.com/socialrelay/socialrelay/pkg/logging"
)

var (
	// ErrExhausted is returned when no entry became available within
	// the acquire timeout.
	ErrExhausted = errors.New("connection pool exhausted")

	// ErrClosed is returned for acquires against a closed pool.
	ErrClosed = errors.New("connection pool is closed")
)

// Entry is a borrowed pool slot holding one connection. The borrower
// owns the entry until Release and must not touch it afterwards.
type Entry struct {
	id         string
	conn       any
	createdAt  time.Time
	lastUsedAt time.Time
	defective  bool
}

// ID returns the entry's identifier, stable across borrows.
func (e *Entry) ID() string { return e.id }

// Conn returns the pooled connection.
func (e *Entry) Conn() any { return e.conn }

// CreatedAt returns when the connection was dialed.
func (e *Entry) CreatedAt() time.Time { return e.createdAt }

// MarkDefective tells the pool to destroy the connection on release
// instead of parking it for reuse.
func (e *Entry) MarkDefective() { e.defective = true }

// Config holds plain-parameter pool settings.
type Config struct {
	// Name labels the pool in logs and metrics.
	Name string

	// MaxSize bounds borrowed plus idle entries.
	MaxSize int

	// AcquireTimeout bounds each Acquire when the caller's context
	// carries no earlier deadline. Zero disables the default bound.
	AcquireTimeout time.Duration

	// IdleTimeout is how long an entry may sit idle before it must
	// pass a health check on the next acquire. With no HealthCheck
	// configured, idle entries past the timeout are destroyed.
	IdleTimeout time.Duration

	// Dial creates a new connection.
	Dial func(ctx context.Context) (any, error)

	// HealthCheck probes a connection that sat idle past IdleTimeout.
	// Optional.
	HealthCheck func(conn any) bool

	// Close tears down a connection. Optional.
	Close func(conn any) error
}

// DefaultConfig returns pool settings sized for a single upstream API.
func DefaultConfig() Config {
	return Config{
		Name:           "transport",
		MaxSize:        10,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    90 * time.Second,
	}
}

func (c Config) validate() error {
	if c.MaxSize < 1 {
		return fmt.Errorf("max size must be >= 1, got %d", c.MaxSize)
	}
	if c.Dial == nil {
		return errors.New("dial function is required")
	}
	return nil
}

// Stats is a point-in-time pool census.
type Stats struct {
	MaxSize int
	InUse   int
	Idle    int
}

// Pool is a fixed-capacity connection pool. Capacity is enforced by a
// slot channel: every outstanding borrow holds one slot, and a new
// connection is dialed only when no idle entry remains, so live
// connections never exceed MaxSize.
type Pool struct {
	cfg    Config
	clk    clock.Clock
	logger zerolog.Logger

	slots chan struct{}
	stop  chan struct{}

	mu     sync.Mutex
	idle   []*Entry
	inUse  int
	closed bool
}

// New validates the config and creates an empty pool. Connections are
// dialed lazily on acquire.
func New(cfg Config, clk clock.Clock) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "transport"
	}
	if clk == nil {
		clk = clock.System()
	}

	slots := make(chan struct{}, cfg.MaxSize)
	for i := 0; i < cfg.MaxSize; i++ {
		slots <- struct{}{}
	}

	return &Pool{
		cfg:    cfg,
		clk:    clk,
		logger: logging.NewLogger("pool").With().Str("pool", cfg.Name).Logger(),
		slots:  slots,
		stop:   make(chan struct{}),
	}, nil
}

// Acquire borrows an entry, dialing a new connection when no idle one
// is available and the pool is below capacity. At capacity it blocks
// until a slot frees or the timeout elapses, returning ErrExhausted on
// expiry. Plain cancellation surfaces the context error unchanged.
func (p *Pool) Acquire(ctx context.Context) (*Entry, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	start := p.clk.Now()

	select {
	case <-p.slots:
	case <-p.stop:
		return nil, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			poolExhausted.WithLabelValues(p.cfg.Name).Inc()
			p.logger.Warn().
				Dur("waited", p.clk.Now().Sub(start)).
				Msg("Pool exhausted, acquire timed out")
			return nil, fmt.Errorf("%w after %v", ErrExhausted, p.clk.Now().Sub(start))
		}
		return nil, ctx.Err()
	}

	// Slot in hand. Reuse an idle entry if a fresh enough one exists.
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.returnSlot()
			return nil, ErrClosed
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		e := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		stale := p.cfg.IdleTimeout > 0 && p.clk.Now().Sub(e.lastUsedAt) > p.cfg.IdleTimeout
		p.mu.Unlock()

		if stale {
			// Health checks may do I/O, so they run off the lock.
			if p.cfg.HealthCheck == nil || !p.cfg.HealthCheck(e.conn) {
				p.destroy(e, "stale")
				continue
			}
		}

		p.mu.Lock()
		p.inUse++
		p.updateGaugesLocked()
		p.mu.Unlock()
		poolAcquireWaits.WithLabelValues(p.cfg.Name).Observe(p.clk.Now().Sub(start).Seconds())
		return e, nil
	}

	conn, err := p.cfg.Dial(ctx)
	if err != nil {
		p.returnSlot()
		return nil, fmt.Errorf("dial pooled connection: %w", err)
	}
	poolDials.WithLabelValues(p.cfg.Name).Inc()

	now := p.clk.Now()
	e := &Entry{
		id:         uuid.New().String(),
		conn:       conn,
		createdAt:  now,
		lastUsedAt: now,
	}

	p.mu.Lock()
	p.inUse++
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Debug().Str("entry_id", e.id).Msg("Dialed new pooled connection")
	poolAcquireWaits.WithLabelValues(p.cfg.Name).Observe(p.clk.Now().Sub(start).Seconds())
	return e, nil
}

// Release returns a borrowed entry. Healthy entries are parked for
// reuse; defective ones and releases into a closed pool destroy the
// connection. Release never fails and never blocks.
func (p *Pool) Release(e *Entry) {
	if e == nil {
		return
	}

	p.mu.Lock()
	p.inUse--
	discard := p.closed || e.defective
	if !discard {
		e.lastUsedAt = p.clk.Now()
		p.idle = append(p.idle, e)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	if discard {
		reason := "defective"
		if !e.defective {
			reason = "closed"
		}
		p.destroy(e, reason)
	}
	p.returnSlot()
}

// Close marks the pool closed, destroys idle connections, and unblocks
// pending acquires. Borrowed entries are destroyed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	close(p.stop)
	for _, e := range idle {
		p.destroy(e, "closed")
	}
	p.logger.Info().Int("destroyed", len(idle)).Msg("Pool closed")
	return nil
}

// Stats reports the current census.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxSize: p.cfg.MaxSize,
		InUse:   p.inUse,
		Idle:    len(p.idle),
	}
}

func (p *Pool) destroy(e *Entry, reason string) {
	poolEvictions.WithLabelValues(p.cfg.Name, reason).Inc()
	if p.cfg.Close == nil {
		return
	}
	if err := p.cfg.Close(e.conn); err != nil {
		p.logger.Warn().
			Err(err).
			Str("entry_id", e.id).
			Str("reason", reason).
			Msg("Failed to close pooled connection")
	}
}

// returnSlot frees borrow capacity. Each taken slot is returned exactly
// once, so the buffered send cannot block.
func (p *Pool) returnSlot() {
	p.slots <- struct{}{}
}

func (p *Pool) updateGaugesLocked() {
	poolInUse.WithLabelValues(p.cfg.Name).Set(float64(p.inUse))
	poolIdle.WithLabelValues(p.cfg.Name).Set(float64(len(p.idle)))
}
