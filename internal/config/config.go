// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/briangreenhill/palette/internal/breaker"
	"github.com/briangreenhill/palette/internal/cache"
	"github.com/briangreenhill/palette/internal/ratelimit"
)

// Config holds all application configuration
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	BaseURL     string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	// SigningSecret keys the HMAC on object download URLs.
	SigningSecret string `env:"SIGNING_SECRET,required,unset"`
	ObjectDir     string `env:"OBJECT_DIR" envDefault:"./data/objects"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	SessionLifetime time.Duration `env:"SESSION_LIFETIME" envDefault:"12h"`
	SecureCookies   bool          `env:"SECURE_COOKIES" envDefault:"false"`

	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	URLCache  URLCacheConfig
	Breaker   BreakerConfig `envPrefix:"BREAKER_"`
	Worker    WorkerConfig  `envPrefix:"WORKER_"`
}

// RateLimitConfig controls admission for object URL requests
type RateLimitConfig struct {
	Limit  int           `env:"LIMIT" envDefault:"60"`
	Window time.Duration `env:"WINDOW" envDefault:"1m"`
	// Fallback is deliberately required: allow or deny while the counter
	// store is unavailable.
	Fallback           string        `env:"FALLBACK,required"`
	FallbackRetryAfter time.Duration `env:"FALLBACK_RETRY_AFTER" envDefault:"30s"`
	StoreTimeout       time.Duration `env:"STORE_TIMEOUT" envDefault:"200ms"`
	// DownloadLimit bounds signed object downloads per identity and window.
	DownloadLimit int `env:"DOWNLOAD_LIMIT" envDefault:"600"`
	// Store selects redis or memory counters.
	Store string `env:"STORE" envDefault:"redis"`
}

// URLCacheConfig controls the presigned URL cache. TTL also sets the
// Cache-Control max-age of URL responses.
type URLCacheConfig struct {
	TTL               time.Duration `env:"URL_CACHE_TTL" envDefault:"50m"`
	SignedURLLifetime time.Duration `env:"SIGNED_URL_LIFETIME" envDefault:"1h"`
	SafetyMargin      time.Duration `env:"SIGNED_URL_SAFETY_MARGIN" envDefault:"5m"`
	MaxEntries        int           `env:"URL_CACHE_MAX_ENTRIES" envDefault:"10000"`
	SignTimeout       time.Duration `env:"SIGN_TIMEOUT" envDefault:"5s"`
}

// BreakerConfig controls the breaker around the counter store
type BreakerConfig struct {
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5"`
	Window           time.Duration `env:"WINDOW" envDefault:"1m"`
	Cooldown         time.Duration `env:"COOLDOWN" envDefault:"30s"`
	HalfOpenProbes   int           `env:"HALF_OPEN_PROBES" envDefault:"1"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD" envDefault:"1"`
}

// WorkerConfig controls the variant worker
type WorkerConfig struct {
	Concurrency int           `env:"CONCURRENCY" envDefault:"4"`
	MaxRetry    int           `env:"MAX_RETRY" envDefault:"3"`
	TaskTimeout time.Duration `env:"TASK_TIMEOUT" envDefault:"2m"`
}

// Load reads configuration from environment variables
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c Config) Validate() error {
	if _, err := ratelimit.ParseFallbackPolicy(c.RateLimit.Fallback); err != nil {
		return fmt.Errorf("RATE_LIMIT_FALLBACK: %w", err)
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_LIMIT and RATE_LIMIT_WINDOW must be positive")
	}
	switch c.RateLimit.Store {
	case "redis", "memory":
	default:
		return fmt.Errorf("RATE_LIMIT_STORE must be redis or memory, got %q", c.RateLimit.Store)
	}
	if len(c.SigningSecret) < 16 {
		return errors.New("SIGNING_SECRET must be at least 16 bytes")
	}
	if err := c.CacheConfig().Validate(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// FallbackPolicy returns the parsed rate limit fallback policy
func (c Config) FallbackPolicy() ratelimit.FallbackPolicy {
	return ratelimit.FallbackPolicy(c.RateLimit.Fallback)
}

// Limit returns the per-identity limit for object URL requests
func (c Config) Limit() ratelimit.Config {
	return ratelimit.Config{Limit: c.RateLimit.Limit, Window: c.RateLimit.Window}
}

// CacheConfig returns the presigned URL cache configuration
func (c Config) CacheConfig() cache.Config {
	return cache.Config{
		TTL:               c.URLCache.TTL,
		SignedURLLifetime: c.URLCache.SignedURLLifetime,
		SafetyMargin:      c.URLCache.SafetyMargin,
		MaxEntries:        c.URLCache.MaxEntries,
		SignTimeout:       c.URLCache.SignTimeout,
	}
}

// BreakerSettings returns the counter store breaker configuration
func (c Config) BreakerSettings() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		Window:           c.Breaker.Window,
		Cooldown:         c.Breaker.Cooldown,
		HalfOpenProbes:   c.Breaker.HalfOpenProbes,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		CallTimeout:      c.RateLimit.StoreTimeout,
	}
}
