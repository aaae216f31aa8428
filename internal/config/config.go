package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	API       APIConfig       `toml:"api"`
	Batch     BatchConfig     `toml:"batch"`
	Layers    LayersConfig    `toml:"layers"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Database  DatabaseConfig  `toml:"database"`
	Observer  ObserverConfig  `toml:"observer"`
}

// APIConfig configures the external classification API adapter.
type APIConfig struct {
	APIKey          string  `toml:"api_key"`
	BaseURL         string  `toml:"base_url"`
	TimeoutSeconds  float64 `toml:"timeout_seconds"`
	ContextualModel string  `toml:"contextual_model"`
}

// BatchConfig tunes the batching ingress.
type BatchConfig struct {
	MaxBatchSize    int     `toml:"max_batch_size"`
	MaxDelaySeconds float64 `toml:"max_delay_seconds"`
}

// LayersConfig bounds per-layer concurrency.
type LayersConfig struct {
	RegexWorkers          int `toml:"regex_workers"`
	CategoryConcurrency   int `toml:"category_concurrency"`
	ContextualConcurrency int `toml:"contextual_concurrency"`
}

// SchedulerConfig bounds batch-level concurrency.
type SchedulerConfig struct {
	ConcurrentBatches int `toml:"concurrent_batches"`
}

// DatabaseConfig selects the rule and incident store. Driver is "sqlite" or
// "postgres"; Path applies to sqlite, DSN to postgres.
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:         "https://api.openai.com/v1",
			TimeoutSeconds:  15.0,
			ContextualModel: "gpt-5-nano",
		},
		Batch:     BatchConfig{MaxBatchSize: 50, MaxDelaySeconds: 0.5},
		Layers:    LayersConfig{RegexWorkers: 6, CategoryConcurrency: 8, ContextualConcurrency: 2},
		Scheduler: SchedulerConfig{ConcurrentBatches: 4},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "moderation.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "omnix.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("OMNIX_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("OMNIX_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("OMNIX_CONTEXTUAL_MODEL"); v != "" {
		cfg.API.ContextualModel = v
	}
	if v := os.Getenv("OMNIX_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("OMNIX_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OMNIX_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("OMNIX_MAX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxBatchSize = n
		}
	}
	if os.Getenv("OMNIX_OBSERVER_ENABLED") == "true" || os.Getenv("OMNIX_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// Validate checks the tuning bounds. Invalid tuning is fatal at construction.
func (c Config) Validate() error {
	if c.API.APIKey == "" {
		return fmt.Errorf("config: api key is required")
	}
	if c.Batch.MaxBatchSize < 1 {
		return fmt.Errorf("config: max_batch_size must be >= 1, got %d", c.Batch.MaxBatchSize)
	}
	if c.Batch.MaxDelaySeconds <= 0 {
		return fmt.Errorf("config: max_delay_seconds must be positive, got %g", c.Batch.MaxDelaySeconds)
	}
	if c.Layers.RegexWorkers < 1 {
		return fmt.Errorf("config: regex_workers must be >= 1, got %d", c.Layers.RegexWorkers)
	}
	if c.Layers.CategoryConcurrency < 1 {
		return fmt.Errorf("config: category_concurrency must be >= 1, got %d", c.Layers.CategoryConcurrency)
	}
	if c.Layers.ContextualConcurrency < 1 {
		return fmt.Errorf("config: contextual_concurrency must be >= 1, got %d", c.Layers.ContextualConcurrency)
	}
	if c.Scheduler.ConcurrentBatches < 1 {
		return fmt.Errorf("config: concurrent_batches must be >= 1, got %d", c.Scheduler.ConcurrentBatches)
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("config: database path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config: database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	return nil
}
