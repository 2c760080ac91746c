// Package constants provides centralized domain-specific constants
// for the feature store.
//
// Configuration values, storage path names and codec names live here so
// config validation and the components that act on them agree on spelling.
package constants

// =============================================================================
// Online Backends
// =============================================================================

const (
	// BackendMemory keeps online records in process memory.
	BackendMemory = "memory"

	// BackendRedis keeps online records in Redis with native key expiry.
	BackendRedis = "redis"
)

// ValidBackends contains all valid online backend names
var ValidBackends = []string{BackendMemory, BackendRedis}

// IsValidBackend checks if a backend name is valid
func IsValidBackend(name string) bool {
	return contains(ValidBackends, name)
}

// =============================================================================
// WAL Sync Modes
// =============================================================================

const (
	// SyncModeAsync buffers writes and flushes them on an interval
	SyncModeAsync = "async"

	// SyncModeSync flushes the buffer after each write
	SyncModeSync = "sync"

	// SyncModeFsync flushes and fsyncs after each write
	SyncModeFsync = "fsync"
)

// ValidSyncModes contains all valid WAL sync modes
var ValidSyncModes = []string{SyncModeAsync, SyncModeSync, SyncModeFsync}

// IsValidSyncMode checks if a sync mode is valid. Empty selects the default.
func IsValidSyncMode(mode string) bool {
	return mode == "" || contains(ValidSyncModes, mode)
}

// =============================================================================
// Parquet Codecs
// =============================================================================

const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
	CompressionLZ4    = "lz4"
	CompressionGzip   = "gzip"
)

// ValidCompressions contains all valid parquet codec names
var ValidCompressions = []string{CompressionSnappy, CompressionZstd, CompressionLZ4, CompressionGzip, CompressionNone}

// IsValidCompression checks if a codec name is valid. Empty means none.
func IsValidCompression(name string) bool {
	return name == "" || contains(ValidCompressions, name)
}

// =============================================================================
// Storage Paths
// =============================================================================

const (
	// PathOnline names the low-latency serving path
	PathOnline = "online"

	// PathOffline names the historical path
	PathOffline = "offline"
)

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
