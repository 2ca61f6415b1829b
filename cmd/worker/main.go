package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/palette/internal/config"
	"github.com/briangreenhill/palette/internal/db"
	"github.com/briangreenhill/palette/internal/jobs"
	"github.com/briangreenhill/palette/internal/objectstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout)
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}
	logger = logger.Level(level).With().Timestamp().Str("service", "worker").Logger()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer pool.Close()
	q := db.New(pool)

	files, err := objectstore.NewFileStore(cfg.ObjectDir,
		objectstore.URLSigner{Secret: []byte(cfg.SigningSecret), BaseURL: cfg.BaseURL},
		objectstore.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("object store")
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency:    cfg.Worker.Concurrency,
		StrictPriority: false,
		Queues: map[string]int{
			jobs.QueueVariants: 10,
			"default":          5,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Error().Err(err).
				Str("task", t.Type()).
				Int("retry", retried).
				Int("max_retry", maxRetry).
				Msg("task failed")
		}),
		ShutdownTimeout: 30 * time.Second,
	})

	mux := asynq.NewServeMux()
	mux.Handle(jobs.TaskPhotoVariants, &jobs.VariantProcessor{
		Photos:  q,
		Objects: files,
		Logger:  logger,
	})

	logger.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
}
