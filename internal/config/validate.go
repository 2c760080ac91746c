package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xtxerr/featurestore/internal/constants"
	"github.com/xtxerr/featurestore/internal/logging"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if c.Registry.CacheTTL < 0 {
		errs = append(errs, errors.New("registry: cache_ttl must be non-negative"))
	}

	if err := c.Online.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("online: %w", err))
	}

	if err := c.Offline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("offline: %w", err))
	}

	if err := c.Compaction.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("compaction: %w", err))
	}

	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the online configuration.
func (c *OnlineConfig) Validate() error {
	var errs []error

	if !constants.IsValidBackend(c.Backend) {
		errs = append(errs, fmt.Errorf("backend must be one of: %s (got %q)",
			strings.Join(constants.ValidBackends, ", "), c.Backend))
	}
	if c.Backend == constants.BackendRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis backend"))
	}

	if c.DefaultTTL <= 0 {
		errs = append(errs, errors.New("default_ttl must be positive"))
	}

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("sweep_interval must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the offline configuration.
func (c *OfflineConfig) Validate() error {
	var errs []error

	if !constants.IsValidCompression(c.Compression) {
		errs = append(errs, fmt.Errorf("compression must be one of: %s",
			strings.Join(constants.ValidCompressions, ", ")))
	}

	if !constants.IsValidSyncMode(c.WAL.SyncMode) {
		errs = append(errs, fmt.Errorf("wal.sync_mode must be one of: %s",
			strings.Join(constants.ValidSyncModes, ", ")))
	}

	if c.WAL.SyncMode == constants.SyncModeAsync && c.WAL.SyncInterval <= 0 {
		errs = append(errs, errors.New("wal.sync_interval must be positive for async mode"))
	}

	if c.WAL.MaxSegmentSize < 0 {
		errs = append(errs, errors.New("wal.max_segment_size must be non-negative"))
	}

	if c.Flush.Interval <= 0 {
		errs = append(errs, errors.New("flush.interval must be positive"))
	}

	if c.Flush.MaxRows < 0 {
		errs = append(errs, errors.New("flush.max_rows must be non-negative"))
	}

	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.MaxPendingRows <= 0 {
		errs = append(errs, errors.New("backpressure.max_pending_rows must be positive"))
	}

	if c.Warning <= 0 || c.Warning > c.Critical || c.Critical > c.Emergency || c.Emergency > 1 {
		errs = append(errs, errors.New("backpressure thresholds must satisfy 0 < warning <= critical <= emergency <= 1"))
	}

	if c.Hysteresis < 0 || c.Hysteresis >= c.Warning {
		errs = append(errs, errors.New("backpressure.hysteresis must be in [0, warning)"))
	}

	if c.Cooldown < 0 {
		errs = append(errs, errors.New("backpressure.cooldown must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the compaction configuration.
func (c *CompactionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.MinSegments < 2 {
		errs = append(errs, errors.New("min_segments must be at least 2"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.SketchAccuracy <= 0 || c.SketchAccuracy >= 1 {
		errs = append(errs, errors.New("sketch_accuracy must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.WALDir(), c.OfflineDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.Offline.WAL.Dir != "" {
		return c.Offline.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// OfflineDir returns the root of the per-group segment directories.
func (c *Config) OfflineDir() string {
	return filepath.Join(c.DataDir, "offline")
}

// RegistryPath returns the registry DSN, placing the database under
// DataDir when none is configured.
func (c *Config) RegistryPath() string {
	if c.Registry.DSN != "" {
		return c.Registry.DSN
	}
	return filepath.Join(c.DataDir, "registry.duckdb")
}
