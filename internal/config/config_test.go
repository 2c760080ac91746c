package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DataDir == "" {
		t.Error("expected default data_dir")
	}

	if cfg.Online.Backend != "memory" {
		t.Errorf("expected memory backend by default, got %s", cfg.Online.Backend)
	}

	if cfg.Online.DefaultTTL != 24*time.Hour {
		t.Errorf("expected 24h default ttl, got %s", cfg.Online.DefaultTTL)
	}

	if cfg.Online.SweepInterval != 0 {
		t.Error("expected lazy expiry only by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data_dir", func(c *Config) { c.DataDir = "" }},
		{"unknown backend", func(c *Config) { c.Online.Backend = "memcached" }},
		{"redis without addr", func(c *Config) { c.Online.Backend = "redis"; c.Online.Redis.Addr = "" }},
		{"zero ttl", func(c *Config) { c.Online.DefaultTTL = 0 }},
		{"zero online timeout", func(c *Config) { c.Online.Timeout = 0 }},
		{"bad compression", func(c *Config) { c.Offline.Compression = "brotli" }},
		{"bad sync mode", func(c *Config) { c.Offline.WAL.SyncMode = "maybe" }},
		{"zero flush interval", func(c *Config) { c.Offline.Flush.Interval = 0 }},
		{"zero pending rows", func(c *Config) { c.Offline.Backpressure.MaxPendingRows = 0 }},
		{"inverted thresholds", func(c *Config) { c.Offline.Backpressure.Critical = 0.99 }},
		{"hysteresis above warning", func(c *Config) { c.Offline.Backpressure.Hysteresis = 0.8 }},
		{"one segment compaction", func(c *Config) { c.Compaction.MinSegments = 1 }},
		{"bad sketch accuracy", func(c *Config) { c.Query.SketchAccuracy = 2 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDisabledCompactionSkipsValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compaction.Enabled = false
	cfg.Compaction.Workers = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled compaction should not be validated: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "featurestore.yaml")

	content := `
data_dir: /srv/features
online:
  backend: redis
  default_ttl: 1h
  key_prefix: "features:"
  redis:
    addr: redis:6379
    db: 2
offline:
  compression: snappy
  flush:
    interval: 30s
compaction:
  min_segments: 4
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataDir != "/srv/features" {
		t.Errorf("expected data_dir override, got %s", cfg.DataDir)
	}
	if cfg.Online.DefaultTTL != time.Hour {
		t.Errorf("expected 1h ttl, got %s", cfg.Online.DefaultTTL)
	}
	if cfg.Online.KeyPrefix != "features:" || cfg.Online.Redis.DB != 2 {
		t.Errorf("unexpected online config: %+v", cfg.Online)
	}
	if cfg.Offline.Flush.Interval != 30*time.Second {
		t.Errorf("expected 30s flush interval, got %s", cfg.Offline.Flush.Interval)
	}
	// Untouched values keep their defaults
	if cfg.Offline.Flush.MaxRows != DefaultConfig().Offline.Flush.MaxRows {
		t.Errorf("expected default max_rows, got %d", cfg.Offline.Flush.MaxRows)
	}
	if cfg.WALDir() != "/srv/features/wal" {
		t.Errorf("unexpected wal dir %s", cfg.WALDir())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, found, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || found {
		t.Fatalf("expected defaults for a missing file, got found=%t err=%v", found, err)
	}
	if cfg.DataDir != DefaultConfig().DataDir {
		t.Errorf("expected default data dir, got %s", cfg.DataDir)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("online: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadOrDefault(bad); err == nil {
		t.Error("expected a parse error to surface")
	}
}

func TestRegistryPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/srv/features"
	if got := cfg.RegistryPath(); got != "/srv/features/registry.duckdb" {
		t.Errorf("RegistryPath = %s", got)
	}

	cfg.Registry.DSN = "/tmp/meta.duckdb"
	if got := cfg.RegistryPath(); got != "/tmp/meta.duckdb" {
		t.Errorf("explicit DSN not kept, got %s", got)
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	for _, dir := range []string{cfg.WALDir(), cfg.OfflineDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}
}
