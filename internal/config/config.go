// Package config holds the runtime configuration of the feature store.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/featurestore/config"
)

// Config represents the complete feature store configuration.
type Config struct {
	// DataDir is the root directory for the WAL and offline segments.
	DataDir string `yaml:"data_dir"`

	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`

	// Registry configures the metadata store.
	Registry RegistryConfig `yaml:"registry"`

	// Online configures the low-latency serving path.
	Online OnlineConfig `yaml:"online"`

	// Offline configures the historical path.
	Offline OfflineConfig `yaml:"offline"`

	// Compaction configures the segment compaction engine.
	Compaction CompactionConfig `yaml:"compaction"`

	// Query configures analytics and statistics over offline data.
	Query QueryConfig `yaml:"query"`

	// Metrics configures Prometheus instrumentation.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON enables JSON output.
	JSON bool `yaml:"json"`
}

// RegistryConfig configures the metadata store.
type RegistryConfig struct {
	// DSN is the DuckDB database path. Empty means in-memory.
	DSN string `yaml:"dsn"`

	// CacheTTL is how long schema snapshots are cached.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// OnlineConfig configures the online store.
type OnlineConfig struct {
	// Backend is memory or redis.
	Backend string `yaml:"backend"`

	// DefaultTTL applies to writes without an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// Timeout bounds each online read and write.
	Timeout time.Duration `yaml:"timeout"`

	// SweepInterval enables a periodic purge of expired memory entries.
	// Zero keeps expiry purely lazy.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// KeyPrefix is prepended to every "{group}:{entity}" key.
	KeyPrefix string `yaml:"key_prefix"`

	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OfflineConfig configures the offline store.
type OfflineConfig struct {
	// Compression is the parquet codec: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// Flush configures memtable flushes.
	Flush FlushConfig `yaml:"flush"`

	// Backpressure limits rows waiting for a flush.
	Backpressure BackpressureConfig `yaml:"backpressure"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// FlushConfig configures memtable flushes.
type FlushConfig struct {
	// Interval is the flush interval.
	Interval time.Duration `yaml:"interval"`

	// MaxRows triggers a flush when a group's memtable reaches it.
	MaxRows int `yaml:"max_rows"`
}

// BackpressureConfig configures offline append admission control.
type BackpressureConfig struct {
	// Enabled turns admission control on.
	Enabled bool `yaml:"enabled"`

	// MaxPendingRows is the unflushed row count at full utilization.
	MaxPendingRows int64 `yaml:"max_pending_rows"`

	// Utilization thresholds in [0, 1].
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`

	// Hysteresis keeps a level until utilization drops this far below its
	// threshold.
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration `yaml:"cooldown"`
}

// CompactionConfig configures the compaction engine.
type CompactionConfig struct {
	// Enabled starts the background scheduler.
	Enabled bool `yaml:"enabled"`

	// Workers is the number of parallel compaction workers.
	Workers int `yaml:"workers"`

	// Interval is how often groups are checked.
	Interval time.Duration `yaml:"interval"`

	// MinSegments makes a group eligible for compaction.
	MinSegments int `yaml:"min_segments"`
}

// QueryConfig configures analytics over offline segments.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// SketchAccuracy is the relative accuracy of feature quantiles.
	SketchAccuracy float64 `yaml:"sketch_accuracy"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	// Enabled registers collectors.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace"`
}

// Load loads configuration from a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to the defaults when the file
// does not exist. The second return reports whether the file was read.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), false, nil
	}
	return nil, false, err
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: config.DefaultDataDir,
		Logging: LoggingConfig{
			Level: "info",
		},
		Registry: RegistryConfig{
			DSN:      config.DefaultRegistryDSN,
			CacheTTL: config.DefaultRegistryCacheTTL,
		},
		Online: OnlineConfig{
			Backend:       config.DefaultOnlineBackend,
			DefaultTTL:    config.DefaultOnlineTTL,
			Timeout:       config.DefaultOnlineTimeout,
			SweepInterval: config.DefaultOnlineSweepInterval,
			Redis: RedisConfig{
				Addr: config.DefaultRedisAddr,
			},
		},
		Offline: OfflineConfig{
			Compression: config.DefaultCompression,
			WAL: WALConfig{
				SyncMode:       config.DefaultWALSyncMode,
				SyncInterval:   time.Second,
				MaxSegmentSize: config.DefaultWALMaxSegmentSize,
			},
			Flush: FlushConfig{
				Interval: config.DefaultFlushInterval,
				MaxRows:  config.DefaultFlushMaxRows,
			},
			Backpressure: BackpressureConfig{
				Enabled:        true,
				MaxPendingRows: config.DefaultMaxPendingRows,
				Warning:        config.DefaultBackpressureWarning,
				Critical:       config.DefaultBackpressureCritical,
				Emergency:      config.DefaultBackpressureEmergency,
				Hysteresis:     config.DefaultBackpressureHysteresis,
				Cooldown:       config.DefaultBackpressureCooldown,
			},
		},
		Compaction: CompactionConfig{
			Enabled:     true,
			Workers:     config.DefaultCompactionWorkers,
			Interval:    config.DefaultCompactionInterval,
			MinSegments: config.DefaultCompactionMinSegments,
		},
		Query: QueryConfig{
			MemoryLimit:    config.DefaultQueryMemoryLimit,
			Timeout:        config.DefaultQueryTimeout,
			SketchAccuracy: config.DefaultSketchAccuracy,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "featurestore",
		},
	}
}
