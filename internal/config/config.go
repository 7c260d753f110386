// Package config provides configuration management for the order router.
// It loads settings from environment variables with sensible defaults and
// validates them so the application starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - FALLBACK_QUEUE: Queue receiving orders no rule matched (default: default)
//
// Database Configuration:
//   - DATABASE_TYPE: Database type - "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./order_router.db)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//   - FEED_CHANNEL_PREFIX: Pub/sub channel prefix for the queue feed
//     (default: queue-feed)
//
// Queue Maintenance:
//   - REBALANCE_INTERVAL: How often queues are rebalanced (default: 30s)
//   - MAX_POSITION_CHANGE: Max positions one item may move per rebalance
//     run (default: 3)
//   - HOLD_SWEEP_INTERVAL: How often expired holds are released (default: 15s)
//   - FAIRNESS_INTERVAL: How often the fairness index is recomputed
//     (default: 60s)
//
// Collaborators:
//   - STAFF_DIR_URL: Staff directory base URL (required)
//   - STAFF_DIR_TIMEOUT: Per-lookup timeout (default: 2s)
//   - ROSTER_CACHE_TTL: How long team rosters stay cached in redis
//     (default: 30s)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the order router. String
// fields correspond directly to environment variables; durations and
// counts are parsed and range-checked by Validate.
type Config struct {
	// Application settings
	Port          string // Server port number
	LogLevel      string // Logging level (debug, info, warn, error)
	FallbackQueue string // Queue id used when no routing rule matches

	// Database configuration
	DatabaseType     string // "sqlite" or "postgres"
	DatabasePath     string // Path to SQLite database file
	PostgresHost     string // PostgreSQL host address
	PostgresPort     string // PostgreSQL port number
	PostgresDB       string // PostgreSQL database name
	PostgresUser     string // PostgreSQL username
	PostgresPassword string // PostgreSQL password
	PostgresSSLMode  string // PostgreSQL SSL mode (disable, require, etc.)

	// Redis configuration for the change feed and cross-process locks
	RedisAddress      string // Redis server address (host:port)
	RedisPassword     string // Redis authentication password
	RedisDB           string // Redis database number (0-15)
	RedisPoolSize     string // Redis connection pool size
	FeedChannelPrefix string // Pub/sub channel prefix for the queue feed

	// Queue maintenance intervals
	RebalanceInterval string // How often each queue is rebalanced
	MaxPositionChange string // Max positions one item may move per run
	HoldSweepInterval string // How often expired holds are released
	FairnessInterval  string // How often fairness indexes are recomputed

	// Staff directory collaborator
	StaffDirURL     string // Staff directory base URL
	StaffDirTimeout string // Per-lookup timeout
	RosterTTL       string // How long cached rosters stay fresh
}

// Load creates a Config with values from environment variables,
// falling back to defaults for anything unset. Call Validate before
// using the result.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		FallbackQueue: getEnv("FALLBACK_QUEUE", "default"),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./order_router.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "order_router"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:      getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnv("REDIS_DB", "0"),
		RedisPoolSize:     getEnv("REDIS_POOL_SIZE", "10"),
		FeedChannelPrefix: getEnv("FEED_CHANNEL_PREFIX", "queue-feed"),

		RebalanceInterval: getEnv("REBALANCE_INTERVAL", "30s"),
		MaxPositionChange: getEnv("MAX_POSITION_CHANGE", "3"),
		HoldSweepInterval: getEnv("HOLD_SWEEP_INTERVAL", "15s"),
		FairnessInterval:  getEnv("FAIRNESS_INTERVAL", "60s"),

		StaffDirURL:     getEnv("STAFF_DIR_URL", ""),
		StaffDirTimeout: getEnv("STAFF_DIR_TIMEOUT", "2s"),
		RosterTTL:       getEnv("ROSTER_CACHE_TTL", "30s"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks required fields, formats and cross-field
// dependencies. The application must not start on a validation error.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	if c.RedisAddress != "" {
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if c.FallbackQueue == "" {
		return fmt.Errorf("FALLBACK_QUEUE must not be empty")
	}

	for name, value := range map[string]string{
		"REBALANCE_INTERVAL":  c.RebalanceInterval,
		"HOLD_SWEEP_INTERVAL": c.HoldSweepInterval,
		"FAIRNESS_INTERVAL":   c.FairnessInterval,
		"STAFF_DIR_TIMEOUT":   c.StaffDirTimeout,
		"ROSTER_CACHE_TTL":    c.RosterTTL,
	} {
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration (e.g., '30s', '1m')", name)
		}
	}

	if maxMove, err := strconv.Atoi(c.MaxPositionChange); err != nil || maxMove < 1 {
		return fmt.Errorf("MAX_POSITION_CHANGE must be a positive number")
	}

	if c.StaffDirURL == "" {
		return fmt.Errorf("STAFF_DIR_URL environment variable is required")
	}

	return nil
}

// RebalanceEvery returns the parsed rebalance interval. Validate must
// have passed.
func (c *Config) RebalanceEvery() time.Duration {
	d, _ := time.ParseDuration(c.RebalanceInterval)
	return d
}

// HoldSweepEvery returns the parsed hold sweep interval.
func (c *Config) HoldSweepEvery() time.Duration {
	d, _ := time.ParseDuration(c.HoldSweepInterval)
	return d
}

// FairnessEvery returns the parsed fairness recompute interval.
func (c *Config) FairnessEvery() time.Duration {
	d, _ := time.ParseDuration(c.FairnessInterval)
	return d
}

// StaffLookupTimeout returns the parsed staff directory timeout.
func (c *Config) StaffLookupTimeout() time.Duration {
	d, _ := time.ParseDuration(c.StaffDirTimeout)
	return d
}

// RosterCacheTTL returns the parsed roster cache lifetime.
func (c *Config) RosterCacheTTL() time.Duration {
	d, _ := time.ParseDuration(c.RosterTTL)
	return d
}

// MaxMove returns the parsed max-position-change bound.
func (c *Config) MaxMove() int {
	n, _ := strconv.Atoi(c.MaxPositionChange)
	return n
}
