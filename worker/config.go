// Package worker is the long-running execution runtime: it loads
// configuration from the environment, connects the durable store, consumes
// the task queue through the orchestrator and serves health and metrics
// endpoints until shut down.
package worker

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config is the worker's environment-derived configuration.
type Config struct {
	// AppVersion tags enqueued tasks and filters claims: a worker only
	// dequeues tasks enqueued under its own version.
	AppVersion string

	// DatabaseURL is the Postgres connection string. Empty selects the
	// embedded SQLite store at SQLitePath (development mode).
	DatabaseURL string

	// SQLitePath is the development database file, used when DatabaseURL
	// is empty.
	SQLitePath string

	// QueueName is the task queue this worker consumes.
	QueueName string

	// WorkerID uniquely identifies this worker instance for claims.
	WorkerID string

	// WorkerConcurrency caps concurrent executions on this worker.
	WorkerConcurrency int

	// GlobalConcurrency caps running executions across all workers.
	GlobalConcurrency int

	// MaxExecutionDepth bounds child-spawn chains.
	MaxExecutionDepth int

	// RootStartTimeout is the start-signal wait for root executions.
	RootStartTimeout time.Duration

	// ChildStartTimeout is the auto-signal window for child executions.
	ChildStartTimeout time.Duration

	// TaskTimeout bounds one execution end to end.
	TaskTimeout time.Duration

	// HealthPort serves GET /health and GET /metrics. Zero disables the
	// server.
	HealthPort int

	// LogLevel is the zerolog level name (debug, info, warn, error).
	LogLevel string
}

// LoadConfig reads configuration from the environment, after loading a .env
// file if one exists beside the process. APP_VERSION is required; everything
// else has a default.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppVersion:        os.Getenv("APP_VERSION"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        envString("SQLITE_PATH", "./chaingraph.db"),
		QueueName:         envString("QUEUE_NAME", "chaingraph"),
		WorkerID:          os.Getenv("WORKER_ID"),
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 5),
		GlobalConcurrency: envInt("GLOBAL_CONCURRENCY", 25),
		MaxExecutionDepth: envInt("MAX_EXECUTION_DEPTH", 16),
		RootStartTimeout:  envDuration("START_SIGNAL_TIMEOUT_ROOT", 5*time.Minute),
		ChildStartTimeout: envDuration("START_SIGNAL_TIMEOUT_CHILD", 10*time.Second),
		TaskTimeout:       envDuration("TASK_TIMEOUT", 35*time.Minute),
		HealthPort:        envInt("HEALTH_PORT", 8086),
		LogLevel:          envString("LOG_LEVEL", "info"),
	}
	if cfg.AppVersion == "" {
		return Config{}, fmt.Errorf("APP_VERSION is required")
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if cfg.WorkerConcurrency <= 0 {
		return Config{}, fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
