// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir         string // Base directory for all databases (always absolute)
	Port            int
	LogLevel        string
	DevMode         bool
	DefaultTimezone string // Fallback zone for schedules without one

	// Executor
	WorkerCount  int           // Worker pool size (0 = NumCPU * WorkerFactor)
	WorkerFactor int           // Multiplier applied to CPU count
	JobTimeout   time.Duration // Per-job deadline
	MaxBatchSize int           // Upper bound on actions per firing

	// Retry ceilings (per-category policies may be lower, never higher)
	RetryMaxAttempts int
	RetryMaxDelay    time.Duration

	// Webhook event retention horizon
	WebhookRetention time.Duration

	// Marketplace API gateway
	GatewayURL   string
	GatewayToken string

	Backup *BackupConfig
}

// BackupConfig holds record-store backup configuration
type BackupConfig struct {
	Enabled   bool
	Bucket    string
	Endpoint  string // S3-compatible endpoint (empty = AWS)
	AccessKey string
	SecretKey string
	Keep      int // Number of rotated backups to retain per database
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("AUTOPILOT_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		Port:             getEnvAsInt("AUTOPILOT_PORT", 8080),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		DefaultTimezone:  getEnv("AUTOPILOT_DEFAULT_TZ", "UTC"),
		WorkerCount:      getEnvAsInt("AUTOPILOT_WORKERS", 0),
		WorkerFactor:     getEnvAsInt("AUTOPILOT_WORKER_FACTOR", 4),
		JobTimeout:       getEnvAsDuration("AUTOPILOT_JOB_TIMEOUT", 7*time.Minute),
		MaxBatchSize:     getEnvAsInt("AUTOPILOT_MAX_BATCH", 200),
		RetryMaxAttempts: getEnvAsInt("AUTOPILOT_RETRY_MAX_ATTEMPTS", 6),
		RetryMaxDelay:    getEnvAsDuration("AUTOPILOT_RETRY_MAX_DELAY", 10*time.Minute),
		WebhookRetention: getEnvAsDuration("AUTOPILOT_WEBHOOK_RETENTION", 30*24*time.Hour),
		GatewayURL:       getEnv("AUTOPILOT_GATEWAY_URL", "http://localhost:9100"),
		GatewayToken:     getEnv("AUTOPILOT_GATEWAY_TOKEN", ""),
		Backup:           loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("invalid default timezone %q: %w", c.DefaultTimezone, err)
	}
	if c.WorkerFactor < 1 {
		return fmt.Errorf("worker factor must be >= 1, got %d", c.WorkerFactor)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loadBackupConfig loads record-store backup configuration
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Enabled:   getEnvAsBool("BACKUP_ENABLED", false),
		Bucket:    getEnv("BACKUP_BUCKET", ""),
		Endpoint:  getEnv("BACKUP_ENDPOINT", ""),
		AccessKey: getEnv("BACKUP_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_SECRET_KEY", ""),
		Keep:      getEnvAsInt("BACKUP_KEEP", 7),
	}
}
