package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/briangreenhill/palette/internal/apperr"
	"github.com/briangreenhill/palette/internal/breaker"
	"github.com/briangreenhill/palette/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore always errors and counts how often it was reached.
type failingStore struct {
	calls int32
}

func (s *failingStore) Increment(context.Context, string, time.Duration) (int64, time.Duration, error) {
	atomic.AddInt32(&s.calls, 1)
	return 0, 0, errors.New("dial tcp 10.0.0.7:6379: connection refused")
}

func (s *failingStore) Ping(context.Context) error { return errors.New("down") }

var oneMinute = Config{Limit: 5, Window: 60 * time.Second}

func newMemoryLimiter(t *testing.T, clock *fakeClock) *Limiter {
	t.Helper()
	l, err := New(NewMemoryStore(clock.Now), FallbackDeny, WithClock(clock.Now))
	require.NoError(t, err)
	return l
}

func TestSixRequestsInOneWindow(t *testing.T) {
	clock := newFakeClock()
	l := newMemoryLimiter(t, clock)
	ctx := context.Background()

	for i, want := range []int{4, 3, 2, 1, 0} {
		d, err := l.Check(ctx, "u1", oneMinute)
		require.NoError(t, err)
		require.Truef(t, d.Allowed, "request %d should be allowed", i+1)
		require.Equal(t, want, d.Remaining)
		require.NoError(t, d.Err())
	}

	d, err := l.Check(ctx, "u1", oneMinute)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 60*time.Second)
	assert.False(t, d.Degraded)

	var rle *apperr.RateLimitError
	require.ErrorAs(t, d.Err(), &rle)
	assert.Equal(t, d.RetryAfter, rle.RetryAfter)
}

func TestRetryAfterShrinksWithinWindow(t *testing.T) {
	clock := newFakeClock()
	l := newMemoryLimiter(t, clock)
	cfg := Config{Limit: 1, Window: time.Minute}

	_, _ = l.Check(context.Background(), "u1", cfg)
	clock.Advance(45 * time.Second)
	d, err := l.Check(context.Background(), "u1", cfg)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 15*time.Second, d.RetryAfter)
	assert.Equal(t, clock.Now().Add(15*time.Second), d.ResetAt)
}

func TestWindowRollover(t *testing.T) {
	clock := newFakeClock()
	l := newMemoryLimiter(t, clock)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _ = l.Check(ctx, "u1", oneMinute)
	}

	clock.Advance(60 * time.Second)
	d, err := l.Check(ctx, "u1", oneMinute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
}

func TestIdentitiesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newMemoryLimiter(t, clock)
	cfg := Config{Limit: 1, Window: time.Minute}

	d, _ := l.Check(context.Background(), "u1", cfg)
	require.True(t, d.Allowed)
	d, _ = l.Check(context.Background(), "u2", cfg)
	require.True(t, d.Allowed)
	d, _ = l.Check(context.Background(), "u1", cfg)
	require.False(t, d.Allowed)
}

func TestRejectsBadInput(t *testing.T) {
	l := newMemoryLimiter(t, newFakeClock())

	_, err := l.Check(context.Background(), "", oneMinute)
	require.ErrorIs(t, err, apperr.ErrBadRequest)

	_, err = l.Check(context.Background(), "u1", Config{Limit: 0, Window: time.Second})
	require.Error(t, err)

	_, err = l.Check(context.Background(), "u1", Config{Limit: 1})
	require.Error(t, err)
}

func TestNewRequiresExplicitPolicy(t *testing.T) {
	_, err := New(NewMemoryStore(nil), "")
	require.Error(t, err)

	_, err = New(NewMemoryStore(nil), "maybe")
	require.Error(t, err)

	_, err = New(nil, FallbackAllow)
	require.Error(t, err)

	p, err := ParseFallbackPolicy("deny")
	require.NoError(t, err)
	assert.Equal(t, FallbackDeny, p)
}

func TestFallbackWhenCircuitOpen(t *testing.T) {
	tests := []struct {
		policy  FallbackPolicy
		allowed bool
		outcome string
	}{
		{FallbackAllow, true, "fallback_allow"},
		{FallbackDeny, false, "fallback_deny"},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			clock := newFakeClock()
			store := &failingStore{}
			m := metrics.New(prometheus.NewRegistry())
			b := breaker.New("redis", breaker.Config{FailureThreshold: 3, Cooldown: 30 * time.Second}, breaker.WithClock(clock.Now))
			l, err := New(store, tt.policy,
				WithBreaker(b),
				WithClock(clock.Now),
				WithMetrics(m),
				WithFallbackRetryAfter(10*time.Second),
			)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				d, err := l.Check(context.Background(), "u1", oneMinute)
				require.NoError(t, err)
				assert.Equal(t, tt.allowed, d.Allowed)
				assert.True(t, d.Degraded)
			}
			require.True(t, b.Status().IsOpen)
			require.Equal(t, int32(3), atomic.LoadInt32(&store.calls))

			// With the circuit open the store is no longer reached.
			for i := 0; i < 10; i++ {
				d, err := l.Check(context.Background(), "u1", oneMinute)
				require.NoError(t, err)
				assert.Equal(t, tt.allowed, d.Allowed)
				assert.True(t, d.Degraded)
				if tt.allowed {
					assert.NoError(t, d.Err())
					assert.Equal(t, oneMinute.Limit, d.Remaining)
				} else {
					assert.Equal(t, 10*time.Second, d.RetryAfter)
					var rle *apperr.RateLimitError
					assert.ErrorAs(t, d.Err(), &rle)
				}
			}
			assert.Equal(t, int32(3), atomic.LoadInt32(&store.calls))
			assert.Equal(t, 13.0, testutil.ToFloat64(m.RateDecisions.WithLabelValues(tt.outcome)))
		})
	}
}

func TestCanceledCallerGetsError(t *testing.T) {
	l, err := New(&failingStore{}, FallbackAllow)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Check(ctx, "u1", oneMinute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWriteHeaders(t *testing.T) {
	reset := time.Unix(1714564860, 0)

	h := http.Header{}
	Decision{Allowed: true, Limit: 5, Remaining: 3, ResetAt: reset}.WriteHeaders(h)
	assert.Equal(t, "5", h.Get("X-RateLimit-Limit"))
	assert.Equal(t, "3", h.Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(reset.Unix(), 10), h.Get("X-RateLimit-Reset"))
	assert.Empty(t, h.Get("Retry-After"))

	h = http.Header{}
	Decision{Limit: 5, ResetAt: reset, RetryAfter: 2500 * time.Millisecond}.WriteHeaders(h)
	assert.Equal(t, "0", h.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "3", h.Get("Retry-After"))

	h = http.Header{}
	Decision{}.WriteHeaders(h)
	assert.Empty(t, h)
}

func TestConcurrentChecksAreLinearizable(t *testing.T) {
	l, err := New(NewMemoryStore(nil), FallbackDeny)
	require.NoError(t, err)
	cfg := Config{Limit: 50, Window: time.Hour}

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Check(context.Background(), "u1", cfg)
			if err == nil && d.Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed)
}

func TestAdmissionProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 20).Draw(t, "limit")
		requests := rapid.IntRange(1, 60).Draw(t, "requests")
		clock := newFakeClock()
		l, err := New(NewMemoryStore(clock.Now), FallbackDeny, WithClock(clock.Now))
		if err != nil {
			t.Fatalf("new limiter: %v", err)
		}
		cfg := Config{Limit: limit, Window: time.Minute}

		prevRemaining := limit
		allowed := 0
		for i := 0; i < requests; i++ {
			clock.Advance(time.Duration(rapid.IntRange(0, 500).Draw(t, "step")) * time.Millisecond)
			d, err := l.Check(context.Background(), "id", cfg)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if d.Allowed {
				allowed++
				if d.Remaining >= prevRemaining || d.Remaining < 0 {
					t.Fatalf("remaining did not decrease: prev=%d got=%d", prevRemaining, d.Remaining)
				}
				prevRemaining = d.Remaining
				continue
			}
			if allowed != limit {
				t.Fatalf("denied after %d allowed, limit %d", allowed, limit)
			}
			if d.RetryAfter <= 0 || d.RetryAfter > cfg.Window {
				t.Fatalf("retryAfter out of range: %s", d.RetryAfter)
			}
		}
		want := requests
		if want > limit {
			want = limit
		}
		if allowed != want {
			t.Fatalf("allowed %d, want %d", allowed, want)
		}
	})
}
