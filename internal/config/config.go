// Package config loads application settings from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting for the API server and workers.
type Config struct {
	// Server settings
	Port    string // API server port
	GinMode string // gin mode (debug, release, test)

	// CORS settings
	CORSAllowedOrigins string // comma separated list of allowed origins

	// Database settings
	DatabaseURL string // postgres DSN; empty falls back to a local sqlite file
	SQLitePath  string // sqlite file used when DatabaseURL is empty

	// Queue settings
	QueueRedisURL     string // redis connection URL for asynq
	WorkerConcurrency int    // asynq worker pool size

	// Sweep settings
	SweepCronSpec  string // cron spec for the in-process sweep scheduler; empty disables it
	CronSecretHash string // bcrypt hash guarding the external cron trigger

	// Document transform settings
	TransformMaxRetries   int           // retry budget for transient transform failures
	TransformRetryBackoff time.Duration // fixed backoff between transform attempts

	// Callback settings
	CallbackTimeout      time.Duration // per delivery HTTP timeout
	WebhookSigningSecret string        // HMAC key for callback signatures

	// Provider settings
	ProviderBaseURL string // base URL of the provider API
	ProviderAPIKey  string // provider credential
	ProviderTimeout time.Duration

	// Storage settings
	StorageDir string // root directory for job artifacts
}

// Load reads settings from the environment. A .env.local file is honored
// when present so local development does not need exported variables.
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "taskforge.db"),

		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),

		SweepCronSpec:  getEnv("SWEEP_CRONSPEC", ""),
		CronSecretHash: getEnv("CRON_SECRET_HASH", ""),

		TransformMaxRetries:   getEnvAsInt("TRANSFORM_MAX_RETRIES", 3),
		TransformRetryBackoff: getEnvAsDuration("TRANSFORM_RETRY_BACKOFF", 5*time.Second),

		CallbackTimeout:      getEnvAsDuration("CALLBACK_TIMEOUT", 10*time.Second),
		WebhookSigningSecret: getEnv("WEBHOOK_SIGNING_SECRET", ""),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "https://api.openai.com/v1"),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),
		ProviderTimeout: getEnvAsDuration("PROVIDER_TIMEOUT", 60*time.Second),

		StorageDir: getEnv("STORAGE_DIR", filepath.Join(os.TempDir(), "taskforge")),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate checks settings that must be present. Local development is
// permissive; release mode is strict.
func (c *Config) Validate() error {
	if c.GinMode == "release" {
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in release mode")
		}
		if c.CronSecretHash == "" {
			return fmt.Errorf("CRON_SECRET_HASH is required in release mode")
		}
		if c.ProviderAPIKey == "" {
			return fmt.Errorf("PROVIDER_API_KEY is required in release mode")
		}
	}
	if c.TransformMaxRetries < 0 {
		return fmt.Errorf("TRANSFORM_MAX_RETRIES must not be negative")
	}
	return nil
}

// getEnv returns the environment value or the default when unset.
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt reads an environment value as an integer.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration reads an environment value as a time.Duration.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
