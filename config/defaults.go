// Package config provides configuration defaults for the feature store.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for the WAL and offline segments.
	// Override via config: data_dir
	DefaultDataDir = "/var/lib/featurestore"

	// DefaultRegistryDSN is the DuckDB database holding group and feature
	// metadata. Empty means an in-memory database.
	// Override via config: registry.dsn
	DefaultRegistryDSN = ""

	// DefaultRegistryCacheTTL is how long schema snapshots are cached.
	// add_feature invalidates a group's snapshot immediately.
	// Override via config: registry.cache_ttl
	DefaultRegistryCacheTTL = 30 * time.Second
)

// =============================================================================
// Online Path Defaults
// =============================================================================

const (
	// DefaultOnlineBackend selects the online store implementation.
	// Override via config: online.backend (memory, redis)
	DefaultOnlineBackend = "memory"

	// DefaultOnlineTTL is applied when a write carries no explicit TTL.
	// Matches the historical FEATURE_STORE_ONLINE_TTL of one day.
	// Override via config: online.default_ttl
	DefaultOnlineTTL = 24 * time.Hour

	// DefaultOnlineTimeout bounds every online read and write.
	// Exceeding it fails only the online path of an ingest.
	// Override via config: online.timeout
	DefaultOnlineTimeout = 250 * time.Millisecond

	// DefaultOnlineSweepInterval is the period of the optional expired-entry
	// sweep of the memory backend. Zero disables it; expiry is then purely
	// evaluated at read time.
	// Override via config: online.sweep_interval
	DefaultOnlineSweepInterval = 0

	// DefaultRedisAddr is the Redis address for the redis backend.
	// Override via config: online.redis.addr
	DefaultRedisAddr = "localhost:6379"

	// DefaultRedisConnectTimeout bounds the connectivity check made when
	// the redis backend is opened.
	DefaultRedisConnectTimeout = 5 * time.Second
)

// =============================================================================
// Offline Path Defaults
// =============================================================================

const (
	// DefaultCompression is the parquet codec for offline segments.
	// Override via config: offline.compression
	DefaultCompression = "zstd"

	// DefaultFlushInterval is how often memtables are written to segments.
	// Override via config: offline.flush.interval
	DefaultFlushInterval = time.Minute

	// DefaultFlushMaxRows triggers an early flush of a group's memtable.
	// Override via config: offline.flush.max_rows
	DefaultFlushMaxRows = 50000

	// DefaultWALSyncMode is one of async, sync, fsync.
	// Override via config: offline.wal.sync_mode
	DefaultWALSyncMode = "sync"

	// DefaultWALMaxSegmentSize rotates WAL segments above this size.
	// Override via config: offline.wal.max_segment_size
	DefaultWALMaxSegmentSize = 64 * 1024 * 1024
)

// =============================================================================
// Backpressure Defaults
// =============================================================================

const (
	// DefaultMaxPendingRows is the number of unflushed offline rows, across
	// all groups, that counts as full memtable utilization.
	// Override via config: offline.backpressure.max_pending_rows
	DefaultMaxPendingRows = 1_000_000

	// Utilization thresholds. At warning a flush is requested on every
	// append and compaction pauses, at critical appends are delayed, at
	// emergency appends are rejected as store unavailable.
	// Override via config: offline.backpressure.{warning,critical,emergency}
	DefaultBackpressureWarning   = 0.70
	DefaultBackpressureCritical  = 0.85
	DefaultBackpressureEmergency = 0.95

	// DefaultBackpressureHysteresis is how far utilization must fall below a
	// threshold before the level drops.
	DefaultBackpressureHysteresis = 0.10

	// DefaultBackpressureCooldown is the minimum time between level
	// evaluations.
	DefaultBackpressureCooldown = 100 * time.Millisecond
)

// =============================================================================
// Compaction Defaults
// =============================================================================

const (
	// DefaultCompactionWorkers is the number of parallel compaction workers.
	// Override via config: compaction.workers
	DefaultCompactionWorkers = 2

	// DefaultCompactionInterval is how often groups are checked for work.
	// Override via config: compaction.interval
	DefaultCompactionInterval = 5 * time.Minute

	// DefaultCompactionMinSegments is the segment count that makes a group
	// eligible for compaction.
	// Override via config: compaction.min_segments
	DefaultCompactionMinSegments = 8
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit caps DuckDB memory for analytics queries.
	// Override via config: query.memory_limit
	DefaultQueryMemoryLimit = "1GB"

	// DefaultQueryTimeout bounds analytics queries.
	// Override via config: query.timeout
	DefaultQueryTimeout = 30 * time.Second

	// DefaultSketchAccuracy is the relative accuracy of feature quantiles.
	// Override via config: query.sketch_accuracy
	DefaultSketchAccuracy = 0.01
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long Stop waits for the final flush and
	// running compactions.
	DefaultDrainTimeout = 30 * time.Second
)
