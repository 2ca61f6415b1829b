package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/palette/internal/ratelimit"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://palette@localhost/palette")
	t.Setenv("SIGNING_SECRET", "0123456789abcdef0123")
	t.Setenv("RATE_LIMIT_FALLBACK", "deny")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ratelimit.FallbackDeny, cfg.FallbackPolicy())
	assert.Equal(t, ratelimit.Config{Limit: 60, Window: time.Minute}, cfg.Limit())
	assert.Equal(t, 50*time.Minute, cfg.CacheConfig().TTL)
	assert.Equal(t, time.Hour, cfg.CacheConfig().SignedURLLifetime)
	assert.Equal(t, 200*time.Millisecond, cfg.BreakerSettings().CallTimeout)
	assert.Equal(t, 5, cfg.BreakerSettings().FailureThreshold)
	assert.Equal(t, "redis", cfg.RateLimit.Store)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LIMIT_FALLBACK", "allow")
	t.Setenv("RATE_LIMIT_LIMIT", "5")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("URL_CACHE_TTL", "10m")
	t.Setenv("BREAKER_COOLDOWN", "5s")
	t.Setenv("WORKER_CONCURRENCY", "16")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ratelimit.FallbackAllow, cfg.FallbackPolicy())
	assert.Equal(t, ratelimit.Config{Limit: 5, Window: 30 * time.Second}, cfg.Limit())
	assert.Equal(t, 10*time.Minute, cfg.URLCache.TTL)
	assert.Equal(t, 5*time.Second, cfg.BreakerSettings().Cooldown)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
}

func TestLoadRequiresFallbackPolicy(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://palette@localhost/palette")
	t.Setenv("SIGNING_SECRET", "0123456789abcdef0123")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_FALLBACK")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown fallback", map[string]string{"RATE_LIMIT_FALLBACK": "maybe"}},
		{"ttl outlives signed url", map[string]string{"URL_CACHE_TTL": "58m"}},
		{"zero limit", map[string]string{"RATE_LIMIT_LIMIT": "0"}},
		{"short secret", map[string]string{"SIGNING_SECRET": "short"}},
		{"unknown store", map[string]string{"RATE_LIMIT_STORE": "etcd"}},
		{"unknown log format", map[string]string{"LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
