package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the importd server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Import   ImportConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// ImportConfig tunes the import pipeline. TTLs bound how long progress
// snapshots, cancellation flags, and cached parse results live in Redis.
type ImportConfig struct {
	BatchSize      int
	MatchThreshold float64
	ProgressTTL    time.Duration
	CancelTTL      time.Duration
	ParseCacheTTL  time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("IMPORTD_PORT", 8080),
			Env:  envString("IMPORTD_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Import: ImportConfig{
			BatchSize:      envInt("IMPORT_BATCH_SIZE", 1000),
			MatchThreshold: envFloat("IMPORT_MATCH_THRESHOLD", 0.6),
			ProgressTTL:    envDuration("IMPORT_PROGRESS_TTL", time.Hour),
			CancelTTL:      envDuration("IMPORT_CANCEL_TTL", time.Hour),
			ParseCacheTTL:  envDuration("IMPORT_PARSE_CACHE_TTL", time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Import.BatchSize <= 0 {
		return fmt.Errorf("IMPORT_BATCH_SIZE must be positive, got %d", c.Import.BatchSize)
	}

	if c.Import.MatchThreshold < 0 || c.Import.MatchThreshold > 1 {
		return fmt.Errorf("IMPORT_MATCH_THRESHOLD must be between 0 and 1, got %g", c.Import.MatchThreshold)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
