// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the provsync configuration.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Metrics and event stream
	MetricsAddr string

	// Database (optional when PROVIDERS_FILE is set)
	DatabaseURL   string
	MigrationsDir string
	AutoMigrate   bool

	// Providers and files from YAML instead of the database
	ProvidersFile string

	// Local cache
	CacheDir string

	// Remote access
	RemoteTimeout time.Duration
	SSHKnownHosts string

	// Bulk operations
	MaxDownloadBytes  int64
	MaxExtractBytes   int64
	MaxExtractEntries int
	BulkConcurrency   int
	TaskConcurrency   int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		MigrationsDir:    envOr("MIGRATIONS_DIR", "migrations"),
		AutoMigrate:      envBool("AUTO_MIGRATE", true),
		ProvidersFile:    envOr("PROVIDERS_FILE", ""),
		CacheDir:         envOr("CACHE_DIR", "/var/cache/provsync"),
		RemoteTimeout:    envDuration("REMOTE_TIMEOUT", 60*time.Second),
		SSHKnownHosts:    envOr("SSH_KNOWN_HOSTS", ""),
		MaxDownloadBytes: envInt64("MAX_DOWNLOAD_MB", 400) << 20, // 400MB default
		BulkConcurrency:  envInt("BULK_CONCURRENCY", 4),
		TaskConcurrency:  envInt("TASK_CONCURRENCY", 2),
	}
	cfg.MaxExtractBytes = envInt64("MAX_EXTRACT_MB", 4096) << 20
	cfg.MaxExtractEntries = envInt("MAX_EXTRACT_ENTRIES", 10000)

	if cfg.DatabaseURL == "" && cfg.ProvidersFile == "" {
		return nil, fmt.Errorf("DATABASE_URL or PROVIDERS_FILE is required")
	}
	if cfg.MaxDownloadBytes <= 0 {
		return nil, fmt.Errorf("MAX_DOWNLOAD_MB must be positive")
	}
	if cfg.MaxExtractBytes <= 0 || cfg.MaxExtractEntries <= 0 {
		return nil, fmt.Errorf("MAX_EXTRACT_MB and MAX_EXTRACT_ENTRIES must be positive")
	}
	if cfg.BulkConcurrency < 1 {
		cfg.BulkConcurrency = 1
	}
	if cfg.TaskConcurrency < 1 {
		cfg.TaskConcurrency = 1
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
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
