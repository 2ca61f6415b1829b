// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/palette/internal/breaker"
	"github.com/briangreenhill/palette/internal/cache"
	"github.com/briangreenhill/palette/internal/config"
	"github.com/briangreenhill/palette/internal/db"
	"github.com/briangreenhill/palette/internal/health"
	"github.com/briangreenhill/palette/internal/http/routes"
	"github.com/briangreenhill/palette/internal/metrics"
	"github.com/briangreenhill/palette/internal/objectaccess"
	"github.com/briangreenhill/palette/internal/objectstore"
	"github.com/briangreenhill/palette/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Logger
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("api stopped")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "api").Logger()
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	// DB
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	queries := db.New(pool)

	m := metrics.New(nil)

	// Rate limiting
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	brk := breaker.New("redis", cfg.BreakerSettings(),
		breaker.WithLogger(logger),
		breaker.WithMetrics(m),
	)

	var store ratelimit.Store
	switch cfg.RateLimit.Store {
	case "memory":
		mem := ratelimit.NewMemoryStore(nil)
		go mem.Run(ctx, time.Minute)
		store = mem
	default:
		store = ratelimit.NewRedisStore(rdb, cfg.RateLimit.StoreTimeout)
	}

	limiter, err := ratelimit.New(store, cfg.FallbackPolicy(),
		ratelimit.WithBreaker(brk),
		ratelimit.WithFallbackRetryAfter(cfg.RateLimit.FallbackRetryAfter),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	// Objects
	files, err := objectstore.NewFileStore(cfg.ObjectDir,
		objectstore.URLSigner{Secret: []byte(cfg.SigningSecret), BaseURL: cfg.BaseURL},
		objectstore.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	urls, err := cache.New(files, cfg.CacheConfig(),
		cache.WithLogger(logger),
		cache.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	access, err := objectaccess.New(limiter, urls, cfg.Limit(), objectaccess.WithLogger(logger))
	if err != nil {
		return err
	}

	reporter := health.New(map[string]health.Checker{
		"persistence":       health.PingCheck(queries.Ping),
		"objectStore":       health.PingCheck(files.Ping),
		"coordinationStore": health.BreakerCheck(brk),
	})

	// Jobs
	tasks := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := tasks.Close(); err != nil {
			logger.Error().Err(err).Msg("close asynq client")
		}
	}()

	// Sessions
	sess := scs.New()
	sess.Lifetime = cfg.SessionLifetime
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = cfg.SecureCookies

	// Router / server
	s := routes.New(routes.ServerOptions{
		Logger:          logger,
		Sess:            sess,
		Q:               queries,
		Access:          access,
		Tasks:           tasks,
		Objects:         files.Handler("/objects/"),
		Health:          reporter.Handler(),
		Metrics:         promhttp.Handler(),
		Limiter:         limiter,
		DownloadLimit:   ratelimit.Config{Limit: cfg.RateLimit.DownloadLimit, Window: cfg.RateLimit.Window},
		VariantMaxRetry: cfg.Worker.MaxRetry,
		VariantTimeout:  cfg.Worker.TaskTimeout,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("fallback", string(limiter.Policy())).Msg("starting api")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
