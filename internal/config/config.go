// Package config reads service configuration from the environment. A .env
// file in the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/genforge/credits/internal/models"
)

type Config struct {
	Port          string
	DatabaseURL   string
	JWTSecret     string
	WorkerToken   string
	WebhookSecret string
	LogLevel      slog.Level

	// RedisURL enables the purchase velocity tracker when set.
	RedisURL string

	StorageBackend string
	StoragePath    string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string

	EngineURL      string
	AllowedOrigins []string

	QueueSubmitAttempts uint
	WorkerConcurrency   int
	SweepInterval       time.Duration
	StaleAfterImage     time.Duration
	StaleAfterVideo     time.Duration
	VelocityMaxPerHour  int64
	ReconcileProbesPS   float64
}

// Load reads the environment. Missing required variables are reported
// together.
func Load() (*Config, error) {
	c := Read()
	return c, c.Validate()
}

// Read is Load without validation, for tools such as creditctl that use only
// part of the configuration.
func Read() *Config {
	// Not finding a .env file is fine.
	_ = godotenv.Load(".env", ".env.local")

	return &Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		WorkerToken:   os.Getenv("WORKER_TOKEN"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		LogLevel:      parseLevel(getEnv("LOG_LEVEL", "info")),
		RedisURL:      os.Getenv("REDIS_URL"),

		StorageBackend: getEnv("STORAGE_BACKEND", "fs"),
		StoragePath:    getEnv("STORAGE_PATH", "./data/artifacts"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),

		EngineURL:      getEnv("ENGINE_URL", "http://localhost:9000"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		QueueSubmitAttempts: uint(getEnvInt("QUEUE_SUBMIT_ATTEMPTS", 3)),
		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 10),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", time.Minute),
		StaleAfterImage:     getEnvDuration("STALE_AFTER_IMAGE", 15*time.Minute),
		StaleAfterVideo:     getEnvDuration("STALE_AFTER_VIDEO", 90*time.Minute),
		VelocityMaxPerHour:  int64(getEnvInt("VELOCITY_MAX_PER_HOUR", 10)),
		ReconcileProbesPS:   getEnvFloat("RECONCILE_PROBES_PER_SECOND", 50),
	}
}

// StaleAfter maps each job kind to the idle time after which the sweep
// fails it.
func (c *Config) StaleAfter() map[models.JobKind]time.Duration {
	return map[models.JobKind]time.Duration{
		models.JobKindImageGenerate: c.StaleAfterImage,
		models.JobKindImageEnhance:  c.StaleAfterImage,
		models.JobKindVideoGenerate: c.StaleAfterVideo,
	}
}

func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"DATABASE_URL":   c.DatabaseURL,
		"JWT_SECRET":     c.JWTSecret,
		"WORKER_TOKEN":   c.WorkerToken,
		"WEBHOOK_SECRET": c.WebhookSecret,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	switch c.StorageBackend {
	case "fs":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when STORAGE_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be fs or s3, got %q", c.StorageBackend))
	}
	if c.QueueSubmitAttempts == 0 {
		errs = append(errs, errors.New("QUEUE_SUBMIT_ATTEMPTS must be at least 1"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
