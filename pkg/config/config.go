// Package config holds server configuration and environment loading.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds all runtime configuration for the orchestration server
type ServerConfig struct {
	// Store
	StorePath        string
	CacheSizeBytes   int64
	MigrationTimeout time.Duration

	// Lifecycle
	SweepInterval time.Duration

	// Tokens
	TokenTTL  time.Duration
	ClockSkew time.Duration

	// Escalation thresholds
	CriticalFindingLimit int
	HighFindingLimit     int
	BlockerLimit         int

	// Logging
	LogLevel string

	// Identity
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// DefaultServerConfig returns the configuration defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		StorePath:            "./shared/database/app.db",
		CacheSizeBytes:       64 << 20,
		MigrationTimeout:     10 * time.Minute,
		SweepInterval:        5 * time.Second,
		TokenTTL:             24 * time.Hour,
		ClockSkew:            2 * time.Minute,
		CriticalFindingLimit: 1,
		HighFindingLimit:     3,
		BlockerLimit:         2,
		LogLevel:             "info",
		ServiceName:          "loom",
		ServiceVersion:       "dev",
		Environment:          "development",
	}
}

// EnvConfigMapping defines how environment variables map to configuration fields
type EnvConfigMapping struct {
	EnvKey string
	Setter func(config *ServerConfig, value string) error
}

// buildEnvMappings creates the environment variable to config field mappings
func buildEnvMappings() []EnvConfigMapping {
	return []EnvConfigMapping{
		{"LOOM_STORE_PATH", func(config *ServerConfig, value string) error {
			config.StorePath = value
			return nil
		}},
		{"LOOM_CACHE_SIZE_BYTES", func(config *ServerConfig, value string) error {
			if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
				config.CacheSizeBytes = parsed
			}
			return nil
		}},
		{"LOOM_MIGRATION_TIMEOUT", func(config *ServerConfig, value string) error {
			if parsed, err := time.ParseDuration(value); err == nil {
				config.MigrationTimeout = parsed
			}
			return nil
		}},
		{"LOOM_SWEEP_INTERVAL", func(config *ServerConfig, value string) error {
			if parsed, err := time.ParseDuration(value); err == nil {
				config.SweepInterval = parsed
			}
			return nil
		}},
		{"LOOM_TOKEN_TTL", func(config *ServerConfig, value string) error {
			if parsed, err := time.ParseDuration(value); err == nil {
				config.TokenTTL = parsed
			}
			return nil
		}},
		{"LOOM_CLOCK_SKEW", func(config *ServerConfig, value string) error {
			if parsed, err := time.ParseDuration(value); err == nil {
				config.ClockSkew = parsed
			}
			return nil
		}},
		{"LOOM_CRITICAL_FINDING_LIMIT", func(config *ServerConfig, value string) error {
			if parsed, err := strconv.Atoi(value); err == nil {
				config.CriticalFindingLimit = parsed
			}
			return nil
		}},
		{"LOOM_HIGH_FINDING_LIMIT", func(config *ServerConfig, value string) error {
			if parsed, err := strconv.Atoi(value); err == nil {
				config.HighFindingLimit = parsed
			}
			return nil
		}},
		{"LOOM_BLOCKER_LIMIT", func(config *ServerConfig, value string) error {
			if parsed, err := strconv.Atoi(value); err == nil {
				config.BlockerLimit = parsed
			}
			return nil
		}},
		{"LOOM_LOG_LEVEL", func(config *ServerConfig, value string) error {
			config.LogLevel = value
			return nil
		}},
		{"LOOM_SERVICE_NAME", func(config *ServerConfig, value string) error {
			config.ServiceName = value
			return nil
		}},
		{"LOOM_SERVICE_VERSION", func(config *ServerConfig, value string) error {
			config.ServiceVersion = value
			return nil
		}},
		{"LOOM_ENVIRONMENT", func(config *ServerConfig, value string) error {
			config.Environment = value
			return nil
		}},
	}
}

// Load reads configuration from an optional env file and the process environment
func Load(configFile string) (ServerConfig, error) {
	config := DefaultServerConfig()

	if err := loadEnvFile(configFile); err != nil {
		return config, err
	}

	if err := applyEnvMappings(&config); err != nil {
		return config, err
	}

	return config, nil
}

// loadEnvFile loads environment variables from file
func loadEnvFile(configFile string) error {
	if configFile != "" {
		return godotenv.Load(configFile)
	}
	if _, err := os.Stat(".env"); err == nil {
		godotenv.Load(".env")
	}
	return nil
}

// applyEnvMappings applies environment variable mappings to configuration
func applyEnvMappings(config *ServerConfig) error {
	for _, mapping := range buildEnvMappings() {
		if val := os.Getenv(mapping.EnvKey); val != "" {
			if err := mapping.Setter(config, val); err != nil {
				return err
			}
		}
	}
	return nil
}
