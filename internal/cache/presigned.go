// Package cache provides a bounded in-memory cache of presigned object URLs
// with request coalescing for concurrent misses.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/palette/internal/apperr"
	"github.com/briangreenhill/palette/internal/metrics"
)

// Entry is one cached URL. Entries are immutable; regeneration replaces them.
type Entry struct {
	ObjectKey string    `json:"objectKey"`
	SignedURL string    `json:"url"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Fresh reports whether the entry may still be served at now.
func (e Entry) Fresh(now time.Time) bool { return now.Before(e.ExpiresAt) }

// Signer produces a presigned URL for objectKey valid for lifetime.
type Signer interface {
	Sign(ctx context.Context, objectKey string, lifetime time.Duration) (string, error)
}

// Config controls entry lifetime and capacity.
type Config struct {
	// TTL is how long an entry is served. It also drives Cache-Control max-age.
	TTL time.Duration
	// SignedURLLifetime is the validity requested from the signer.
	SignedURLLifetime time.Duration
	// SafetyMargin is the minimum validity a URL has left when handed out.
	SafetyMargin time.Duration
	// MaxEntries bounds the cache; the least recently used entry is evicted.
	MaxEntries int
	// SignTimeout bounds each signing call.
	SignTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:               50 * time.Minute,
		SignedURLLifetime: time.Hour,
		SafetyMargin:      5 * time.Minute,
		MaxEntries:        10000,
		SignTimeout:       5 * time.Second,
	}
}

// Validate checks that a served URL can never be expired at hand-off.
func (c Config) Validate() error {
	switch {
	case c.TTL <= 0:
		return errors.New("url cache ttl must be positive")
	case c.SignedURLLifetime <= 0:
		return errors.New("signed url lifetime must be positive")
	case c.SafetyMargin < 0:
		return errors.New("safety margin must not be negative")
	case c.TTL >= c.SignedURLLifetime-c.SafetyMargin:
		return fmt.Errorf("url cache ttl %s must be below signed url lifetime %s minus safety margin %s",
			c.TTL, c.SignedURLLifetime, c.SafetyMargin)
	case c.MaxEntries <= 0:
		return errors.New("url cache max entries must be positive")
	case c.SignTimeout <= 0:
		return errors.New("sign timeout must be positive")
	}
	return nil
}

// Presigned caches presigned URLs by object key. Size variants of one object
// are unrelated keys.
type Presigned struct {
	signer  Signer
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries *simplelru.LRU[string, Entry]

	inflight singleflight.Group
}

// Option configures a Presigned cache.
type Option func(*Presigned)

func WithClock(now func() time.Time) Option {
	return func(p *Presigned) { p.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Presigned) { p.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Presigned) { p.metrics = m }
}

// New creates a cache in front of signer.
func New(signer Signer, cfg Config, opts ...Option) (*Presigned, error) {
	if signer == nil {
		return nil, errors.New("cache: signer is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	entries, err := simplelru.NewLRU[string, Entry](cfg.MaxEntries, nil)
	if err != nil {
		return nil, err
	}
	p := &Presigned{
		signer:  signer,
		cfg:     cfg,
		now:     time.Now,
		logger:  zerolog.Nop(),
		entries: entries,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Get returns a URL for objectKey and whether it came from the cache. On a
// miss at most one signing call per key is in flight; concurrent callers
// share its result. A caller whose ctx ends stops waiting but does not cancel
// the signing call for the others.
func (p *Presigned) Get(ctx context.Context, objectKey string) (Entry, bool, error) {
	if objectKey == "" {
		return Entry{}, false, fmt.Errorf("empty object key: %w", apperr.ErrBadRequest)
	}

	if e, ok := p.lookup(objectKey); ok {
		p.metrics.Hit()
		return e, true, nil
	}
	p.metrics.Miss()

	ch := p.inflight.DoChan(objectKey, func() (any, error) {
		return p.generate(ctx, objectKey)
	})

	select {
	case res := <-ch:
		if res.Shared {
			p.metrics.Coalesced()
		}
		if res.Err != nil {
			return Entry{}, false, res.Err
		}
		return res.Val.(Entry), false, nil
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	}
}

// lookup returns a fresh entry, dropping an expired one.
func (p *Presigned) lookup(key string) (Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	if e.Fresh(p.now()) {
		return e, true
	}
	p.entries.Remove(key)
	p.metrics.Entries(p.entries.Len())
	return Entry{}, false
}

func (p *Presigned) generate(ctx context.Context, key string) (Entry, error) {
	// A generation for this key may have completed between our miss and
	// joining the flight group.
	if e, ok := p.lookup(key); ok {
		return e, nil
	}

	signCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SignTimeout)
	defer cancel()

	// The URL's lifetime starts when the signer is called, not when it returns.
	issued := p.now()
	start := time.Now()
	url, err := p.signer.Sign(signCtx, key, p.cfg.SignedURLLifetime)
	p.metrics.Signed(time.Since(start).Seconds(), err)
	if err != nil {
		p.logger.Warn().Err(err).Str("object_key", key).Msg("sign object url failed")
		return Entry{}, &apperr.SigningError{Key: key, Cause: err}
	}

	e := Entry{
		ObjectKey: key,
		SignedURL: url,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(p.cfg.TTL),
	}

	p.mu.Lock()
	if p.entries.Add(key, e) {
		p.metrics.Evicted()
	}
	p.metrics.Entries(p.entries.Len())
	p.mu.Unlock()

	p.logger.Debug().Str("object_key", key).Time("expires_at", e.ExpiresAt).Msg("signed object url")
	return e, nil
}

// Invalidate drops the entry for objectKey, if any.
func (p *Presigned) Invalidate(objectKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries.Remove(objectKey)
	p.metrics.Entries(p.entries.Len())
}

// Len returns the number of cached entries, fresh or not.
func (p *Presigned) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Len()
}

// MaxAge is how long a client may cache e, derived from the same TTL as the
// entry so that HTTP caching never outlives it.
func (p *Presigned) MaxAge(e Entry) time.Duration {
	d := e.ExpiresAt.Sub(p.now()).Truncate(time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// TTL returns the configured entry lifetime.
func (p *Presigned) TTL() time.Duration { return p.cfg.TTL }
