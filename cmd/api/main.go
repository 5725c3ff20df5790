package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/genforge/credits/internal/config"
	"github.com/genforge/credits/internal/execution"
	"github.com/genforge/credits/internal/jobs"
	"github.com/genforge/credits/internal/ledger"
	"github.com/genforge/credits/internal/objectstore"
	"github.com/genforge/credits/internal/payments"
	"github.com/genforge/credits/internal/reconcile"
	"github.com/genforge/credits/internal/repository"
	"github.com/genforge/credits/internal/router"
	"github.com/genforge/credits/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker compose up -d", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	applied, err := store.Migrate(ctx, pool)
	if err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Schema migrations applied", "files", applied)

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	objects, err := objectstore.Open(ctx, objectstore.Config{
		Backend:  cfg.StorageBackend,
		Path:     cfg.StoragePath,
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		slog.Error("Failed to open object store", "error", err)
		os.Exit(1)
	}

	// Ledger
	ledgerSvc := ledger.NewService(pool, repository.NewLedger(pool), logger)

	validator, err := jobs.NewValidator()
	if err != nil {
		slog.Error("Failed to compile job schemas", "error", err)
		os.Exit(1)
	}

	// Jobs: enqueue is bound after the River client exists (the client needs
	// the workers, the workers need the job service).
	var enqueueMu sync.Mutex
	var enqueueFn jobs.EnqueueFunc
	enqueue := func(ctx context.Context, args execution.GenerateArgs) error {
		enqueueMu.Lock()
		fn := enqueueFn
		enqueueMu.Unlock()
		if fn == nil {
			return errors.New("task queue not ready")
		}
		return fn(ctx, args)
	}

	jobsRepo := repository.NewJobs(pool)
	jobsSvc := jobs.NewService(pool, jobsRepo, ledgerSvc, validator, enqueue, jobs.Config{
		QueueSubmitAttempts: cfg.QueueSubmitAttempts,
	}, logger)

	// Reconciliation
	engine := reconcile.NewEngine(pool, jobsRepo, jobsSvc, objects, reconcile.Config{
		StaleAfter:      cfg.StaleAfter(),
		ProbesPerSecond: cfg.ReconcileProbesPS,
	}, logger)

	// Payments
	var velocity payments.Velocity = payments.NoopVelocity{}
	if cfg.RedisURL != "" {
		rv, err := payments.NewRedisVelocity(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("Redis unavailable, purchase velocity checks disabled", "error", err)
		} else {
			defer rv.Close()
			velocity = rv
		}
	}
	processor := payments.NewProcessor(ledgerSvc, velocity, payments.Config{
		Secret:      cfg.WebhookSecret,
		VelocityMax: cfg.VelocityMaxPerHour,
	}, logger)

	// Workers
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateWorker(jobsSvc, execution.NewHTTPEngine(cfg.EngineURL), logger))
	river.AddWorker(workers, execution.NewSweepWorker(engine, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.WorkerConcurrency},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.PeriodicSweep(cfg.SweepInterval)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	enqueueMu.Lock()
	enqueueFn = func(ctx context.Context, args execution.GenerateArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	enqueueMu.Unlock()

	api := router.New(router.Handlers{
		Jobs:      jobs.NewHandler(jobsSvc, logger),
		Ledger:    ledger.NewHandler(ledgerSvc, logger),
		Payments:  payments.NewHandler(processor, logger),
		Reconcile: reconcile.NewHandler(engine, logger),
	}, router.Options{
		JWTSecret:   []byte(cfg.JWTSecret),
		WorkerToken: cfg.WorkerToken,
	}, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(api)

	// Start River client (processes jobs and the periodic sweep)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River stop failed", "error", err)
	}
}
