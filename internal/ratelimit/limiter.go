// Package ratelimit implements per-identity admission control with fixed
// window counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/palette/internal/apperr"
	"github.com/briangreenhill/palette/internal/metrics"
)

// FallbackPolicy decides admission when the counter store cannot be consulted.
type FallbackPolicy string

const (
	// FallbackAllow admits every request while the store is unavailable.
	FallbackAllow FallbackPolicy = "allow"
	// FallbackDeny rejects every request while the store is unavailable.
	FallbackDeny FallbackPolicy = "deny"
)

// ParseFallbackPolicy accepts "allow" or "deny".
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(s); p {
	case FallbackAllow, FallbackDeny:
		return p, nil
	default:
		return "", fmt.Errorf("invalid rate limit fallback policy %q (want allow or deny)", s)
	}
}

// Config is the limit for one class of requests.
type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) validate() error {
	if c.Limit <= 0 {
		return errors.New("rate limit must be positive")
	}
	if c.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	return nil
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	// Degraded is set when the decision came from the fallback policy.
	Degraded bool
}

// Err returns a *apperr.RateLimitError for denied decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &apperr.RateLimitError{RetryAfter: d.RetryAfter}
}

// WriteHeaders sets the standard rate limit response headers.
func (d Decision) WriteHeaders(h http.Header) {
	if d.Limit == 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt((&apperr.RateLimitError{RetryAfter: d.RetryAfter}).RetryAfterSeconds(), 10))
	}
}

// Executor runs an operation through a circuit breaker.
type Executor interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Limiter is the admission controller.
type Limiter struct {
	store         Store
	policy        FallbackPolicy
	breaker       Executor
	fallbackRetry time.Duration
	now           func() time.Time
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithBreaker routes every store call through b.
func WithBreaker(b Executor) Option {
	return func(l *Limiter) { l.breaker = b }
}

// WithFallbackRetryAfter sets the Retry-After reported by FallbackDeny.
func WithFallbackRetryAfter(d time.Duration) Option {
	return func(l *Limiter) { l.fallbackRetry = d }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a Limiter. The fallback policy has no default.
func New(store Store, policy FallbackPolicy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if _, err := ParseFallbackPolicy(string(policy)); err != nil {
		return nil, err
	}
	l := &Limiter{
		store:         store,
		policy:        policy,
		fallbackRetry: 30 * time.Second,
		now:           time.Now,
		logger:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Policy returns the configured fallback policy.
func (l *Limiter) Policy() FallbackPolicy { return l.policy }

// Check counts one request for identity against cfg. Store failures and an
// open circuit resolve through the fallback policy and never return an error;
// errors are returned only for invalid input or a canceled caller.
func (l *Limiter) Check(ctx context.Context, identity string, cfg Config) (Decision, error) {
	if identity == "" {
		return Decision{}, fmt.Errorf("empty identity: %w", apperr.ErrBadRequest)
	}
	if err := cfg.validate(); err != nil {
		return Decision{}, err
	}

	var (
		count   int64
		resetIn time.Duration
	)
	op := func(ctx context.Context) error {
		var err error
		count, resetIn, err = l.store.Increment(ctx, identity, cfg.Window)
		return err
	}

	var err error
	if l.breaker != nil {
		err = l.breaker.Execute(ctx, op)
	} else {
		err = op(ctx)
	}

	now := l.now()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		return l.fallback(now, identity, cfg, err), nil
	}

	if resetIn <= 0 {
		resetIn = time.Millisecond
	}
	d := Decision{Limit: cfg.Limit, ResetAt: now.Add(resetIn)}
	if count > int64(cfg.Limit) {
		d.RetryAfter = resetIn
		l.metrics.Decision("denied")
		return d, nil
	}
	d.Allowed = true
	d.Remaining = cfg.Limit - int(count)
	l.metrics.Decision("allowed")
	return d, nil
}

func (l *Limiter) fallback(now time.Time, identity string, cfg Config, cause error) Decision {
	l.logger.Warn().
		Err(cause).
		Str("identity", identity).
		Str("policy", string(l.policy)).
		Bool("circuit_open", apperr.IsCircuitOpen(cause)).
		Msg("rate limit store unavailable, applying fallback")

	d := Decision{Limit: cfg.Limit, Degraded: true}
	if l.policy == FallbackAllow {
		d.Allowed = true
		d.Remaining = cfg.Limit
		d.ResetAt = now.Add(cfg.Window)
		l.metrics.Decision("fallback_allow")
		return d
	}
	d.RetryAfter = l.fallbackRetry
	d.ResetAt = now.Add(l.fallbackRetry)
	l.metrics.Decision("fallback_deny")
	return d
}
