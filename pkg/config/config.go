// Package config loads service configuration from an optional JSON file
// with environment-variable overrides. Per-run parameters (dates, capital,
// strategy selection) are command-line flags, not configuration; this
// package covers the infrastructure the process connects to.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the backtest service.
type Config struct {
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	API      APIConfig      `json:"api"`
	Runner   RunnerConfig   `json:"runner"`
	Service  ServiceConfig  `json:"service"`
}

// DatabaseConfig holds PostgreSQL connection parameters. Results are kept
// in memory only unless Enabled is set.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// ConnString builds a PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// RedisConfig holds Redis connection parameters for the event bus.
type RedisConfig struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	DB            int    `json:"db"`
	Password      string `json:"password"`
	ChannelPrefix string `json:"channel_prefix"`
}

// Addr returns host:port for Redis.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// APIConfig holds the monitoring API's listen address and token settings.
// An empty JWTSecret leaves the API unauthenticated.
type APIConfig struct {
	ListenAddr      string `json:"listen_addr"`
	JWTSecret       string `json:"jwt_secret"`
	TokenTTLMinutes int    `json:"token_ttl_minutes"`
}

// TokenTTL returns the token lifetime as a duration.
func (a APIConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// RunnerConfig holds worker-pool parameters for batch execution.
type RunnerConfig struct {
	Concurrency     int `json:"concurrency"`
	RunTimeoutSecs  int `json:"run_timeout_secs"`
	GracePeriodSecs int `json:"grace_period_secs"`
}

// RunTimeout returns the per-run deadline as a duration.
func (r RunnerConfig) RunTimeout() time.Duration {
	return time.Duration(r.RunTimeoutSecs) * time.Second
}

// GracePeriod returns the watchdog grace period as a duration.
func (r RunnerConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodSecs) * time.Second
}

// ServiceConfig holds operational parameters.
type ServiceConfig struct {
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
	Version  string `json:"version"`
}

// Load reads config from a JSON file, then overrides with environment
// variables. A missing file is fine; env vars and defaults cover it.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	overrideFromEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
			Name: "equitysim",
			User: "equitysim",
		},
		Redis: RedisConfig{
			Host:          "localhost",
			Port:          6379,
			ChannelPrefix: "equitysim",
		},
		API: APIConfig{
			ListenAddr:      ":8090",
			TokenTTLMinutes: 60,
		},
		Runner: RunnerConfig{
			Concurrency:     4,
			RunTimeoutSecs:  300,
			GracePeriodSecs: 30,
		},
		Service: ServiceConfig{
			LogLevel: "info",
			Version:  "dev",
		},
	}
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.Database.Enabled = isTrue(v)
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = p
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = isTrue(v)
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = d
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_CHANNEL_PREFIX"); v != "" {
		cfg.Redis.ChannelPrefix = v
	}

	if v := os.Getenv("API_LISTEN_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("API_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
	if v := os.Getenv("API_TOKEN_TTL_MINUTES"); v != "" {
		if m, err := strconv.Atoi(v); err == nil {
			cfg.API.TokenTTLMinutes = m
		}
	}

	if v := os.Getenv("RUNNER_CONCURRENCY"); v != "" {
		if c, err := strconv.Atoi(v); err == nil {
			cfg.Runner.Concurrency = c
		}
	}
	if v := os.Getenv("RUNNER_RUN_TIMEOUT_SECS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Runner.RunTimeoutSecs = s
		}
	}
	if v := os.Getenv("RUNNER_GRACE_PERIOD_SECS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Runner.GracePeriodSecs = s
		}
	}

	if v := os.Getenv("SERVICE_LOG_LEVEL"); v != "" {
		cfg.Service.LogLevel = v
	}
	if v := os.Getenv("SERVICE_LOG_FILE"); v != "" {
		cfg.Service.LogFile = v
	}
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		cfg.Service.Version = v
	}
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func validate(cfg *Config) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", cfg.Service.LogLevel)
	}

	if cfg.Runner.Concurrency < 1 {
		return fmt.Errorf("runner concurrency must be >= 1, got %d", cfg.Runner.Concurrency)
	}
	if cfg.Runner.RunTimeoutSecs < 1 {
		return fmt.Errorf("run_timeout_secs must be >= 1, got %d", cfg.Runner.RunTimeoutSecs)
	}

	if cfg.API.TokenTTLMinutes < 1 {
		return fmt.Errorf("token_ttl_minutes must be >= 1, got %d", cfg.API.TokenTTLMinutes)
	}

	return nil
}
