package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Batch.MaxBatchSize != 50 {
		t.Errorf("max_batch_size = %d, want 50", cfg.Batch.MaxBatchSize)
	}
	if cfg.Batch.MaxDelaySeconds != 0.5 {
		t.Errorf("max_delay_seconds = %g, want 0.5", cfg.Batch.MaxDelaySeconds)
	}
	if cfg.Layers.RegexWorkers != 6 || cfg.Layers.CategoryConcurrency != 8 || cfg.Layers.ContextualConcurrency != 2 {
		t.Errorf("layer concurrency = %+v", cfg.Layers)
	}
	if cfg.Scheduler.ConcurrentBatches != 4 {
		t.Errorf("concurrent_batches = %d, want 4", cfg.Scheduler.ConcurrentBatches)
	}
	if cfg.API.TimeoutSeconds != 15.0 {
		t.Errorf("timeout = %g, want 15", cfg.API.TimeoutSeconds)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %s, want sqlite", cfg.Database.Driver)
	}
}

func TestLoadTOMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "omnix.toml")
	data := `
[api]
api_key = "from-file"

[batch]
max_batch_size = 10

[layers]
regex_workers = 3
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OMNIX_API_KEY", "from-env")
	t.Setenv("OMNIX_MAX_BATCH_SIZE", "25")

	cfg := Load(path)
	if cfg.API.APIKey != "from-env" {
		t.Errorf("api key = %s, env should win over file", cfg.API.APIKey)
	}
	if cfg.Batch.MaxBatchSize != 25 {
		t.Errorf("max_batch_size = %d, want env override 25", cfg.Batch.MaxBatchSize)
	}
	if cfg.Layers.RegexWorkers != 3 {
		t.Errorf("regex_workers = %d, want file value 3", cfg.Layers.RegexWorkers)
	}
	if cfg.Layers.CategoryConcurrency != 8 {
		t.Errorf("category_concurrency = %d, defaults should survive partial file", cfg.Layers.CategoryConcurrency)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if cfg.Batch.MaxBatchSize != 50 {
		t.Errorf("max_batch_size = %d, want default", cfg.Batch.MaxBatchSize)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.API.APIKey = "key"

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"missing api key", func(c *Config) { c.API.APIKey = "" }, false},
		{"zero batch size", func(c *Config) { c.Batch.MaxBatchSize = 0 }, false},
		{"zero delay", func(c *Config) { c.Batch.MaxDelaySeconds = 0 }, false},
		{"zero regex workers", func(c *Config) { c.Layers.RegexWorkers = 0 }, false},
		{"zero category concurrency", func(c *Config) { c.Layers.CategoryConcurrency = 0 }, false},
		{"zero contextual concurrency", func(c *Config) { c.Layers.ContextualConcurrency = 0 }, false},
		{"zero concurrent batches", func(c *Config) { c.Scheduler.ConcurrentBatches = 0 }, false},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, false},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, false},
		{"postgres with dsn", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.DSN = "postgres://localhost/omnix"
		}, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mongodb" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
