// Package breaker implements a circuit breaker for a single shared dependency
// such as the rate limit counter store.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/palette/internal/apperr"
	"github.com/briangreenhill/palette/internal/metrics"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// Config defines thresholds for one breaker.
type Config struct {
	// FailureThreshold is the number of failures inside Window that opens the circuit.
	FailureThreshold int
	// Window is the observation window for counting failures while closed.
	Window time.Duration
	// Cooldown is how long the circuit stays open before allowing probes.
	Cooldown time.Duration
	// HalfOpenProbes is the number of probe calls allowed in flight while half-open.
	HalfOpenProbes int
	// SuccessThreshold is the number of consecutive probe successes that closes the circuit.
	SuccessThreshold int
	// CallTimeout bounds each protected call when > 0.
	CallTimeout time.Duration
}

// DefaultConfig returns the thresholds used for the coordination store.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   1,
		SuccessThreshold: 1,
		CallTimeout:      500 * time.Millisecond,
	}
}

// Status is a point-in-time observation of a breaker.
type Status struct {
	IsOpen       bool      `json:"isOpen"`
	State        State     `json:"state"`
	Since        time.Time `json:"since"`
	FailureCount int       `json:"failureCount"`
}

// Breaker guards calls to one dependency. It is safe for concurrent use and is
// meant to be constructed once per dependency and shared.
type Breaker struct {
	name    string
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu             sync.Mutex
	state          State
	generation     uint64
	since          time.Time
	openedAt       time.Time
	failureCount   int
	windowStart    time.Time
	probesInFlight int
	probeSuccesses int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

// New creates a closed breaker for the named dependency.
func New(name string, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: zerolog.Nop(),
		state:  StateClosed,
	}
	for _, o := range opts {
		o(b)
	}
	b.since = b.now()
	b.metrics.BreakerTransition(name, StateClosed.gauge())
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

type ticket struct {
	generation uint64
	probe      bool
}

// Execute runs fn unless the circuit is open. When open it returns
// *apperr.CircuitOpenError without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t, err := b.acquire()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	b.record(t, err, ctx.Err() != nil && errors.Is(err, context.Canceled))
	return err
}

func (b *Breaker) acquire() (ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return ticket{generation: b.generation}, nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return ticket{}, b.rejectLocked()
		}
		b.transitionLocked(StateHalfOpen, now)
	}

	// half-open
	if b.probesInFlight >= b.cfg.HalfOpenProbes {
		return ticket{}, b.rejectLocked()
	}
	b.probesInFlight++
	return ticket{generation: b.generation, probe: true}, nil
}

func (b *Breaker) rejectLocked() error {
	b.metrics.BreakerReject(b.name)
	return &apperr.CircuitOpenError{Dependency: b.name}
}

// record applies the outcome of a call admitted under ticket t. Outcomes from
// an earlier generation are stale and ignored.
func (b *Breaker) record(t ticket, err error, callerCanceled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.generation != b.generation {
		return
	}

	now := b.now()
	if t.probe {
		b.probesInFlight--
		switch {
		case callerCanceled:
		case err != nil:
			b.transitionLocked(StateOpen, now)
		default:
			b.probeSuccesses++
			if b.probeSuccesses >= b.cfg.SuccessThreshold {
				b.transitionLocked(StateClosed, now)
			}
		}
		return
	}

	switch {
	case callerCanceled:
	case err == nil:
		b.failureCount = 0
		b.windowStart = time.Time{}
	default:
		if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.cfg.Window {
			b.windowStart = now
			b.failureCount = 0
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen, now)
		}
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	from := b.state
	b.state = to
	b.generation++
	b.since = now
	b.probesInFlight = 0
	b.probeSuccesses = 0

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.failureCount = 0
		b.windowStart = time.Time{}
	}

	b.metrics.BreakerTransition(b.name, to.gauge())
	ev := b.logger.Info()
	if to == StateOpen {
		ev = b.logger.Warn()
	}
	ev.Str("dependency", b.name).
		Str("from", string(from)).
		Str("to", string(to)).
		Int("failures", b.failureCount).
		Msg("circuit state change")
}

// Status reports the current state without changing it.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		IsOpen:       b.state == StateOpen,
		State:        b.state,
		Since:        b.since,
		FailureCount: b.failureCount,
	}
}
