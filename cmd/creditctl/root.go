package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/genforge/credits/internal/config"
	"github.com/genforge/credits/internal/execution"
	"github.com/genforge/credits/internal/jobs"
	"github.com/genforge/credits/internal/ledger"
	"github.com/genforge/credits/internal/objectstore"
	"github.com/genforge/credits/internal/reconcile"
	"github.com/genforge/credits/internal/repository"
	"github.com/genforge/credits/internal/store"
)

// Version will be set at build time
var Version = "dev"

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var (
	databaseURL    string
	storageBackend string
	storagePath    string
	s3Bucket       string
	s3Region       string
	s3Endpoint     string
	debugMode      bool
	noColor        bool
)

var rootCmd = &cobra.Command{
	Use:     "creditctl",
	Short:   "Operate the credits ledger and job reconciliation",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			color.NoColor = true
		}
		level := slog.LevelWarn
		if debugMode {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	rootCmd.PersistentFlags().StringVar(&storageBackend, "storage", getEnvOrDefault("STORAGE_BACKEND", "fs"), "artifact store backend (fs or s3)")
	rootCmd.PersistentFlags().StringVar(&storagePath, "storage-path", getEnvOrDefault("STORAGE_PATH", "./data/artifacts"), "root directory for the fs backend")
	rootCmd.PersistentFlags().StringVar(&s3Bucket, "s3-bucket", os.Getenv("S3_BUCKET"), "bucket for the s3 backend")
	rootCmd.PersistentFlags().StringVar(&s3Region, "s3-region", getEnvOrDefault("S3_REGION", "us-east-1"), "region for the s3 backend")
	rootCmd.PersistentFlags().StringVar(&s3Endpoint, "s3-endpoint", os.Getenv("S3_ENDPOINT"), "endpoint for S3-compatible services")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("--database-url or DATABASE_URL is required")
	}
	return store.Open(ctx, databaseURL)
}

// services is the wiring the operational commands share.
type services struct {
	pool   *pgxpool.Pool
	ledger ledger.Service
	engine *reconcile.Engine
}

func openServices(ctx context.Context, withStorage bool) (*services, error) {
	pool, err := openPool(ctx)
	if err != nil {
		return nil, err
	}
	log := slog.Default()
	ledgerSvc := ledger.NewService(pool, repository.NewLedger(pool), log)
	s := &services{pool: pool, ledger: ledgerSvc}
	if !withStorage {
		return s, nil
	}

	validator, err := jobs.NewValidator()
	if err != nil {
		pool.Close()
		return nil, err
	}
	objects, err := objectstore.Open(ctx, objectstore.Config{
		Backend:  storageBackend,
		Path:     storagePath,
		Bucket:   s3Bucket,
		Region:   s3Region,
		Endpoint: s3Endpoint,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	// The CLI never dispatches work.
	noEnqueue := func(context.Context, execution.GenerateArgs) error {
		return errors.New("creditctl cannot enqueue jobs")
	}
	jobsRepo := repository.NewJobs(pool)
	jobsSvc := jobs.NewService(pool, jobsRepo, ledgerSvc, validator, noEnqueue, jobs.Config{}, log)
	s.engine = reconcile.NewEngine(pool, jobsRepo, jobsSvc, objects, reconcileConfig(), log)
	return s, nil
}

// reconcileConfig applies the same thresholds as the API's periodic sweep.
func reconcileConfig() reconcile.Config {
	cfg := config.Read()
	return reconcile.Config{
		StaleAfter:      cfg.StaleAfter(),
		ProbesPerSecond: cfg.ReconcileProbesPS,
	}
}

func (s *services) Close() {
	s.pool.Close()
}
