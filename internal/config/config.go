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
	DataDir  string // Base directory for the analytics database (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Redis backs the distributed cache and the event streams.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	CacheKeyPrefix string

	// Upstream service base URLs.
	SalesServiceURL     string
	InventoryServiceURL string
	CallbacksServiceURL string

	// Analytics tunables.
	PeriodDaysDefault      int
	TopNDefault            int
	LeadTimeDaysDefault    int
	ServiceLevelDefault    float64
	ModelCacheTTL          time.Duration // TTL for cached forecast models
	ForecastResultTTL      time.Duration // TTL for materialized forecast frames
	AnalyticsRetentionDays int
	BulkMaxProducts        int
	BulkWorkerPool         int
	ConsumerBatchSize      int
	ConsumerName           string
	HealthProbeTimeout     time.Duration

	Backup *BackupConfig
}

// BackupConfig holds off-site backup settings for the analytics database.
type BackupConfig struct {
	Enabled         bool
	Endpoint        string // S3-compatible endpoint (empty = AWS default)
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	RetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory, resolve to absolute, ensure it exists.
	dataDir := getEnv("ANALYTICS_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvAsInt("REDIS_DB", 0),
		CacheKeyPrefix: getEnv("CACHE_KEY_PREFIX", "demandline"),

		SalesServiceURL:     getEnv("SALES_SERVICE_URL", "http://localhost:8001"),
		InventoryServiceURL: getEnv("INVENTORY_SERVICE_URL", "http://localhost:8002"),
		CallbacksServiceURL: getEnv("CALLBACKS_SERVICE_URL", "http://localhost:8003"),

		PeriodDaysDefault:      getEnvAsInt("PERIOD_DAYS_DEFAULT", 30),
		TopNDefault:            getEnvAsInt("TOP_N_DEFAULT", 10),
		LeadTimeDaysDefault:    getEnvAsInt("LEAD_TIME_DAYS_DEFAULT", 7),
		ServiceLevelDefault:    getEnvAsFloat("SERVICE_LEVEL_DEFAULT", 0.95),
		ModelCacheTTL:          time.Duration(getEnvAsInt("PROPHET_CACHE_TTL_SECONDS", 3600)) * time.Second,
		ForecastResultTTL:      time.Duration(getEnvAsInt("FORECAST_RESULT_TTL_SECONDS", 21600)) * time.Second,
		AnalyticsRetentionDays: getEnvAsInt("ANALYTICS_RETENTION_DAYS", 90),
		BulkMaxProducts:        getEnvAsInt("BULK_MAX_PRODUCTS", 50),
		BulkWorkerPool:         getEnvAsInt("BULK_WORKER_POOL", 8),
		ConsumerBatchSize:      getEnvAsInt("CONSUMER_BATCH_SIZE", 100),
		ConsumerName:           getEnv("CONSUMER_NAME", "analytics"),
		HealthProbeTimeout:     time.Duration(getEnvAsInt("HEALTH_PROBE_TIMEOUT_SECONDS", 3)) * time.Second,

		Backup: loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.ServiceLevelDefault <= 0 || c.ServiceLevelDefault >= 1 {
		return fmt.Errorf("SERVICE_LEVEL_DEFAULT must be in (0, 1), got %v", c.ServiceLevelDefault)
	}
	if c.BulkWorkerPool < 1 {
		return fmt.Errorf("BULK_WORKER_POOL must be at least 1, got %d", c.BulkWorkerPool)
	}
	if c.ConsumerBatchSize < 1 {
		return fmt.Errorf("CONSUMER_BATCH_SIZE must be at least 1, got %d", c.ConsumerBatchSize)
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("BACKUP_S3_BUCKET is required when backups are enabled")
	}
	return nil
}

// loadBackupConfig loads off-site backup configuration.
// Backups are disabled unless a bucket is configured.
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
		Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
		AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		Region:          getEnv("BACKUP_S3_REGION", "auto"),
		RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
