// Package objectaccess hands out presigned object URLs behind per-identity
// rate limiting.
package objectaccess

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/palette/internal/apperr"
	"github.com/briangreenhill/palette/internal/cache"
	"github.com/briangreenhill/palette/internal/ratelimit"
)

// Result is what a caller needs to redirect to or embed an object.
type Result struct {
	URL       string
	CacheHit  bool
	ExpiresAt time.Time
	// MaxAge is the Cache-Control max-age for URL. It never outlives the
	// cached entry.
	MaxAge    time.Duration
	RateLimit ratelimit.Decision
}

// Admitter checks one request against a rate limit.
type Admitter interface {
	Check(ctx context.Context, identity string, cfg ratelimit.Config) (ratelimit.Decision, error)
}

// URLCache resolves object keys to presigned URLs.
type URLCache interface {
	Get(ctx context.Context, objectKey string) (cache.Entry, bool, error)
	MaxAge(e cache.Entry) time.Duration
}

type Facade struct {
	limiter Admitter
	urls    URLCache
	limit   ratelimit.Config
	logger  zerolog.Logger
}

type Option func(*Facade)

func WithLogger(l zerolog.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

func New(limiter Admitter, urls URLCache, limit ratelimit.Config, opts ...Option) (*Facade, error) {
	if limiter == nil || urls == nil {
		return nil, errors.New("objectaccess: limiter and cache are required")
	}
	if limit.Limit <= 0 || limit.Window <= 0 {
		return nil, fmt.Errorf("objectaccess: invalid rate limit %d per %s", limit.Limit, limit.Window)
	}
	f := &Facade{
		limiter: limiter,
		urls:    urls,
		limit:   limit,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Get admits identity and returns a URL for objectKey. A denied request
// returns the decision in Result alongside a *apperr.RateLimitError and never
// reaches the cache.
func (f *Facade) Get(ctx context.Context, identity, objectKey string) (Result, error) {
	if objectKey == "" {
		return Result{}, fmt.Errorf("empty object key: %w", apperr.ErrBadRequest)
	}

	d, err := f.limiter.Check(ctx, identity, f.limit)
	if err != nil {
		return Result{}, err
	}
	res := Result{RateLimit: d}
	if !d.Allowed {
		f.logger.Info().
			Str("identity", identity).
			Dur("retry_after", d.RetryAfter).
			Bool("degraded", d.Degraded).
			Msg("object url request rate limited")
		return res, d.Err()
	}

	e, hit, err := f.urls.Get(ctx, objectKey)
	if err != nil {
		return res, err
	}
	res.URL = e.SignedURL
	res.CacheHit = hit
	res.ExpiresAt = e.ExpiresAt
	res.MaxAge = f.urls.MaxAge(e)
	return res, nil
}

// VariantKey returns the object key of a size variant of baseKey. Variants
// of photos/abc/original.jpg live next to it, e.g. photos/abc/thumbnail.jpg.
// Any other original gets a directory named after its stem, so
// photos/alice.jpg maps to photos/alice/thumbnail.jpg. The original variant,
// or an empty one, maps to baseKey itself.
func VariantKey(baseKey, variant string) string {
	if variant == "" || variant == "original" {
		return baseKey
	}
	dir := path.Dir(baseKey)
	stem := strings.TrimSuffix(path.Base(baseKey), path.Ext(baseKey))
	if stem == "original" && dir != "." {
		return path.Join(dir, variant+".jpg")
	}
	return path.Join(dir, stem, variant+".jpg")
}
