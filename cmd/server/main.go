package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"transcription-pipeline/internal/api"
	"transcription-pipeline/internal/audiostore"
	"transcription-pipeline/internal/audit"
	"transcription-pipeline/internal/config"
	"transcription-pipeline/internal/jobstore"
	"transcription-pipeline/internal/notestore"
	"transcription-pipeline/internal/pipeline"
	"transcription-pipeline/internal/provider"
	"transcription-pipeline/internal/ratelimit"
	"transcription-pipeline/internal/scheduler"
	"transcription-pipeline/internal/telemetry"
	"transcription-pipeline/internal/transcribe"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	// Note and audit storage: Postgres when a DSN is configured, otherwise
	// in-process fallbacks.
	var notes notestore.Store = notestore.NewMemory()
	var sink audit.Sink = audit.NewSlogSink(logger)
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pool.Close()

		pg, err := notestore.NewPostgres(ctx, pool)
		if err != nil {
			log.Fatalf("init note store: %v", err)
		}
		notes = pg

		pgSink, err := audit.NewPostgresSink(ctx, pool, logger)
		if err != nil {
			log.Fatalf("init audit sink: %v", err)
		}
		defer pgSink.Close()
		sink = pgSink
	}

	primary := provider.NewWhisperClient(provider.WhisperConfig{
		Endpoint: cfg.PrimaryEndpoint,
		APIKey:   cfg.PrimaryAPIKey,
		Model:    cfg.PrimaryModel,
		Timeout:  cfg.ProviderTimeout,
	})
	secondary := provider.NewDeepgramClient(provider.DeepgramConfig{
		Endpoint: cfg.SecondaryEndpoint,
		APIKey:   cfg.SecondaryAPIKey,
		Model:    cfg.SecondaryModel,
		Timeout:  cfg.ProviderTimeout,
	})
	retryPolicy := transcribe.RetryPolicy{
		MaxRetries: cfg.ProviderMaxRetries,
		Initial:    cfg.ProviderBackoffInitial,
		Max:        cfg.ProviderBackoffMax,
	}
	coord := transcribe.New(primary, secondary, retryPolicy, retryPolicy, logger)

	sched := scheduler.New(jobstore.New(), pipeline.TranscriptionExecutor(coord), scheduler.Options{
		ConcurrencyLimit:  cfg.ConcurrencyLimit,
		MaxAttempts:       cfg.JobMaxAttempts,
		BackoffInitial:    cfg.JobBackoffInitial,
		BackoffMax:        cfg.JobBackoffMax,
		PollInterval:      cfg.AwaitPollInterval,
		FailFastPermanent: cfg.FailFastPermanent,
	}, logger)
	sched.SetAuditSink(sink.Record)
	defer sched.Close()

	var fetcher pipeline.AudioFetcher
	if cfg.AudioS3Bucket != "" {
		s3Fetcher, err := audiostore.NewS3Fetcher(ctx, audiostore.Config{
			Bucket:    cfg.AudioS3Bucket,
			Region:    cfg.AudioS3Region,
			Endpoint:  cfg.AudioS3Endpoint,
			PathStyle: cfg.AudioS3PathStyle,
			MaxBytes:  cfg.MaxAudioBytes,
		})
		if err != nil {
			log.Fatalf("init audio store: %v", err)
		}
		fetcher = s3Fetcher
	}

	pipe := pipeline.New(sched, notes, fetcher, logger)

	var limiter *ratelimit.Bucket
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(pipe, coord, limiter, cfg.MaxAudioBytes, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("transcription service listening",
		slog.String("port", cfg.HTTPPort),
		slog.Int("concurrency", cfg.ConcurrencyLimit),
		slog.String("primary", primary.Name()),
		slog.String("secondary", secondary.Name()))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
