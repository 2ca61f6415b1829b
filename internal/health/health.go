// Package health composes dependency checks into a single report.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/palette/internal/breaker"
)

// Status is the outcome of a check or of the whole report.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Result is one check's outcome. Detail never carries internal error text.
type Result struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Checker checks one dependency.
type Checker interface {
	CheckHealth(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) Result

func (f CheckerFunc) CheckHealth(ctx context.Context) Result { return f(ctx) }

// PingCheck reports a hard error when ping fails.
func PingCheck(ping func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("health ping failed")
			return Result{Status: StatusError, Detail: "unreachable"}
		}
		return Result{Status: StatusOK}
	})
}

// Statuser exposes a breaker's state.
type Statuser interface {
	Status() breaker.Status
}

// BreakerCheck reports degraded while the breaker is not closed. A tripped
// breaker is never a hard error.
func BreakerCheck(b Statuser) Checker {
	return CheckerFunc(func(context.Context) Result {
		switch st := b.Status(); st.State {
		case breaker.StateOpen:
			return Result{Status: StatusDegraded, Detail: "circuit open"}
		case breaker.StateHalfOpen:
			return Result{Status: StatusDegraded, Detail: "circuit half-open"}
		default:
			return Result{Status: StatusOK}
		}
	})
}

// Report is the composite health signal.
type Report struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Result `json:"checks"`
}

// HTTPStatus is 503 for error and 200 otherwise, so a degraded dependency
// does not fail load balancer checks.
func (r Report) HTTPStatus() int {
	if r.Status == StatusError {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Combine derives the overall status: any error wins, then any non-ok.
func Combine(checks map[string]Result) Status {
	overall := StatusOK
	for _, r := range checks {
		switch r.Status {
		case StatusOK:
		case StatusError:
			return StatusError
		default:
			overall = StatusDegraded
		}
	}
	return overall
}

// Reporter runs the registered checks.
type Reporter struct {
	checks  map[string]Checker
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithTimeout bounds each check.
func WithTimeout(d time.Duration) Option {
	return func(r *Reporter) { r.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// New creates a Reporter over checks keyed by name.
func New(checks map[string]Checker, opts ...Option) *Reporter {
	r := &Reporter{
		checks:  checks,
		timeout: 2 * time.Second,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Report runs every check concurrently. A check that does not finish within
// the timeout counts as an error.
func (r *Reporter) Report(ctx context.Context) Report {
	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(r.checks))
	)

	g, gctx := errgroup.WithContext(ctx)
	for name, c := range r.checks {
		name, c := name, c
		g.Go(func() error {
			res := r.run(gctx, c)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return Report{
		Status:    Combine(results),
		Timestamp: r.now().UTC(),
		Checks:    results,
	}
}

func (r *Reporter) run(ctx context.Context, c Checker) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- c.CheckHealth(ctx) }()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Result{Status: StatusError, Detail: "timeout"}
	}
}

// Handler serves the report as JSON.
func (r *Reporter) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		rep := r.Report(req.Context())
		if rep.Status != StatusOK {
			zerolog.Ctx(req.Context()).Warn().
				Str("status", string(rep.Status)).
				Interface("checks", rep.Checks).
				Msg("health check not ok")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(rep.HTTPStatus())
		_ = json.NewEncoder(w).Encode(rep)
	}
}
