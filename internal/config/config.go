// Package config loads the ingest daemon configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"

	AuditLog   = "log"
	AuditRedis = "redis"
)

type Config struct {
	Listen   string         `yaml:"listen"`
	LogMode  string         `yaml:"log_mode"` // development|production
	Ledger   LedgerConfig   `yaml:"ledger"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Audit    AuditConfig    `yaml:"audit"`
}

type LedgerConfig struct {
	Backend   string `yaml:"backend"` // redis|postgres|sqlite
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Namespace string `yaml:"namespace"`
	// DSN is the gorm data source for postgres, or the file path for sqlite.
	DSN string `yaml:"dsn"`
}

type WatchRule struct {
	Phase     string        `yaml:"phase"`
	Threshold time.Duration `yaml:"threshold"`
}

type PipelineConfig struct {
	Capacity         int           `yaml:"capacity"`
	Concurrency      int           `yaml:"concurrency"`
	DriverInterval   time.Duration `yaml:"driver_interval"`
	DriverBatch      int           `yaml:"driver_batch"`
	WatchInterval    time.Duration `yaml:"watch_interval"`
	DefaultThreshold time.Duration `yaml:"default_threshold"`
	RetryBudget      int           `yaml:"retry_budget"`
	StartPaused      bool          `yaml:"start_paused"`
	Watch            []WatchRule   `yaml:"watch"`
}

type AuditConfig struct {
	Sink  string `yaml:"sink"` // log|redis
	Limit int    `yaml:"limit"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Listen:  ":8080",
		LogMode: "development",
		Ledger: LedgerConfig{
			Backend:   BackendRedis,
			RedisAddr: "127.0.0.1:6379",
			Namespace: "uploads",
		},
		Pipeline: PipelineConfig{
			Capacity:         2,
			DriverInterval:   2 * time.Second,
			DriverBatch:      100,
			WatchInterval:    time.Minute,
			DefaultThreshold: 10 * time.Minute,
			RetryBudget:      3,
		},
		Audit: AuditConfig{Sink: AuditLog, Limit: 1000},
	}
}

// Load reads path over the defaults, applies INGEST_* environment overrides
// and validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Listen = envString("INGEST_LISTEN", cfg.Listen)
	cfg.LogMode = envString("INGEST_LOG_MODE", cfg.LogMode)
	cfg.Ledger.Backend = envString("INGEST_LEDGER", cfg.Ledger.Backend)
	cfg.Ledger.RedisAddr = envString("INGEST_REDIS_ADDR", cfg.Ledger.RedisAddr)
	cfg.Ledger.RedisDB = envInt("INGEST_REDIS_DB", cfg.Ledger.RedisDB)
	cfg.Ledger.Namespace = envString("INGEST_NAMESPACE", cfg.Ledger.Namespace)
	cfg.Ledger.DSN = envString("INGEST_DSN", cfg.Ledger.DSN)
	cfg.Pipeline.Capacity = envInt("INGEST_CAPACITY", cfg.Pipeline.Capacity)
	cfg.Pipeline.Concurrency = envInt("INGEST_CONCURRENCY", cfg.Pipeline.Concurrency)
	cfg.Pipeline.RetryBudget = envInt("INGEST_RETRY_BUDGET", cfg.Pipeline.RetryBudget)
	cfg.Pipeline.StartPaused = envBool("INGEST_START_PAUSED", cfg.Pipeline.StartPaused)
	cfg.Pipeline.DefaultThreshold = envDuration("INGEST_STUCK_THRESHOLD", cfg.Pipeline.DefaultThreshold)
	cfg.Audit.Sink = envString("INGEST_AUDIT_SINK", cfg.Audit.Sink)
}

// Validate rejects values the daemon cannot start with.
func (c Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendRedis:
		if c.Ledger.RedisAddr == "" {
			return errors.New("config: ledger.redis_addr is required for the redis backend")
		}
	case BackendPostgres, BackendSQLite:
		if c.Ledger.DSN == "" {
			return fmt.Errorf("config: ledger.dsn is required for the %s backend", c.Ledger.Backend)
		}
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.Ledger.Backend)
	}
	switch c.LogMode {
	case "development", "production":
	default:
		return fmt.Errorf("config: unknown log_mode %q", c.LogMode)
	}
	switch c.Audit.Sink {
	case AuditLog:
	case AuditRedis:
		if c.Ledger.Backend != BackendRedis {
			return errors.New("config: audit.sink redis needs the redis ledger backend")
		}
	default:
		return fmt.Errorf("config: unknown audit sink %q", c.Audit.Sink)
	}
	if c.Pipeline.Capacity < 1 {
		return errors.New("config: pipeline.capacity must be at least 1")
	}
	if c.Pipeline.DefaultThreshold <= 0 {
		return errors.New("config: pipeline.default_threshold must be positive")
	}
	return nil
}

// WatchRules returns the configured rules, or one rule per recoverable phase
// at the default threshold when none are set.
func (c Config) WatchRules() []WatchRule {
	if len(c.Pipeline.Watch) > 0 {
		out := make([]WatchRule, len(c.Pipeline.Watch))
		for i, r := range c.Pipeline.Watch {
			if r.Threshold <= 0 {
				r.Threshold = c.Pipeline.DefaultThreshold
			}
			out[i] = r
		}
		return out
	}
	phases := []string{"validating", "identified", "processing", "error"}
	out := make([]WatchRule, len(phases))
	for i, p := range phases {
		out[i] = WatchRule{Phase: p, Threshold: c.Pipeline.DefaultThreshold}
	}
	return out
}
