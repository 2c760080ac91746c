// Package featurestore assembles the registry, online and offline stores,
// compaction, ingestion and retrieval into one Store constructed at process
// start. Every component receives its dependencies explicitly; there is no
// package-level state.
package featurestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtxerr/featurestore/internal/config"
	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/ingestion"
	"github.com/xtxerr/featurestore/internal/logging"
	"github.com/xtxerr/featurestore/internal/metrics"
	"github.com/xtxerr/featurestore/internal/offline"
	"github.com/xtxerr/featurestore/internal/offline/backpressure"
	"github.com/xtxerr/featurestore/internal/offline/compaction"
	"github.com/xtxerr/featurestore/internal/offline/segment"
	"github.com/xtxerr/featurestore/internal/offline/wal"
	"github.com/xtxerr/featurestore/internal/online"
	"github.com/xtxerr/featurestore/internal/registry"
	"github.com/xtxerr/featurestore/internal/retrieval"
)

// Store is the feature store.
type Store struct {
	cfg *config.Config
	log *slog.Logger

	registry   *registry.Registry
	online     online.Store
	offline    *offline.Store
	compaction *compaction.Engine
	ingest     *ingestion.Coordinator
	retrieval  *retrieval.Service
	metrics    *metrics.Metrics

	running   atomic.Bool
	stopped   atomic.Bool
	startTime time.Time
}

// Open creates every component from cfg. Metrics are registered on
// registerer when enabled; a nil registerer disables them. The returned
// store serves requests immediately; Start only launches background
// maintenance.
func Open(ctx context.Context, cfg *config.Config, registerer prometheus.Registerer) (*Store, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	s := &Store{
		cfg: cfg,
		log: logging.Component("featurestore"),
	}

	var err error
	if cfg.Metrics.Enabled && registerer != nil {
		if s.metrics, err = metrics.New(registerer, cfg.Metrics.Namespace); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	s.registry, err = registry.Open(ctx, registry.Config{
		DSN:      cfg.Registry.DSN,
		CacheTTL: cfg.Registry.CacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	s.online, err = online.New(online.Config{
		Backend:       cfg.Online.Backend,
		DefaultTTL:    cfg.Online.DefaultTTL,
		Timeout:       cfg.Online.Timeout,
		SweepInterval: cfg.Online.SweepInterval,
		KeyPrefix:     cfg.Online.KeyPrefix,
		RedisAddr:     cfg.Online.Redis.Addr,
		RedisPassword: cfg.Online.Redis.Password,
		RedisDB:       cfg.Online.Redis.DB,
	})
	if err != nil {
		s.registry.Close()
		return nil, fmt.Errorf("open online store: %w", err)
	}

	s.offline, err = offline.Open(offlineConfig(cfg, s.metrics))
	if err != nil {
		s.online.Close()
		s.registry.Close()
		return nil, fmt.Errorf("open offline store: %w", err)
	}

	s.compaction, err = compaction.New(compaction.Config{
		Workers:     cfg.Compaction.Workers,
		Interval:    cfg.Compaction.Interval,
		MinSegments: cfg.Compaction.MinSegments,
	}, s.offline)
	if err != nil {
		s.offline.Close()
		s.online.Close()
		s.registry.Close()
		return nil, fmt.Errorf("create compaction: %w", err)
	}

	s.ingest = ingestion.New(s.registry, s.online, s.offline, ingestion.Config{
		OnlineTTL:     cfg.Online.DefaultTTL,
		OnlineTimeout: cfg.Online.Timeout,
		Metrics:       s.metrics,
	})
	s.retrieval = retrieval.New(s.registry, s.online, s.offline, s.metrics)

	s.log.Info("feature store opened",
		"data_dir", cfg.DataDir,
		"online_backend", cfg.Online.Backend,
		"registry_dsn", cfg.Registry.DSN,
	)

	return s, nil
}

func offlineConfig(cfg *config.Config, m *metrics.Metrics) offline.Config {
	oc := offline.DefaultConfig(cfg.DataDir)
	oc.Dir = cfg.OfflineDir()
	oc.WALDir = cfg.WALDir()
	oc.Segment = segment.DefaultOptions()
	oc.Segment.Compression = segment.ParseCompressionType(cfg.Offline.Compression)
	oc.WAL = wal.DefaultOptions()
	oc.WAL.MaxSegmentSize = cfg.Offline.WAL.MaxSegmentSize
	oc.WAL.SyncMode = cfg.Offline.WAL.SyncMode
	oc.WAL.SyncInterval = cfg.Offline.WAL.SyncInterval
	oc.FlushInterval = cfg.Offline.Flush.Interval
	oc.FlushMaxRows = cfg.Offline.Flush.MaxRows
	oc.QueryMemoryLimit = cfg.Query.MemoryLimit
	oc.QueryTimeout = cfg.Query.Timeout
	oc.SketchAccuracy = cfg.Query.SketchAccuracy
	oc.Backpressure = backpressure.Config{
		Enabled:        cfg.Offline.Backpressure.Enabled,
		MaxPendingRows: cfg.Offline.Backpressure.MaxPendingRows,
		Thresholds: backpressure.Thresholds{
			Warning:   cfg.Offline.Backpressure.Warning,
			Critical:  cfg.Offline.Backpressure.Critical,
			Emergency: cfg.Offline.Backpressure.Emergency,
		},
		Hysteresis: cfg.Offline.Backpressure.Hysteresis,
		Cooldown:   cfg.Offline.Backpressure.Cooldown,
	}
	oc.Metrics = m
	return oc
}

// Start launches the background flush loop and, when enabled, the
// compaction scheduler.
func (s *Store) Start() error {
	if s.stopped.Load() {
		return errors.ErrClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("feature store already running")
	}

	if err := s.offline.Start(); err != nil {
		s.running.Store(false)
		return fmt.Errorf("start offline store: %w", err)
	}

	if s.cfg.Compaction.Enabled {
		if err := s.compaction.Start(); err != nil {
			s.offline.Stop()
			s.running.Store(false)
			return fmt.Errorf("start compaction: %w", err)
		}
	}

	s.startTime = time.Now()
	s.log.Info("feature store started", "compaction", s.cfg.Compaction.Enabled)

	return nil
}

// Stop stops background work, flushes memtables and closes every
// component. The store cannot be restarted.
func (s *Store) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.running.Store(false)

	var errs []error

	if err := s.compaction.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop compaction: %w", err))
	}
	if err := s.offline.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close offline store: %w", err))
	}
	if err := s.online.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close online store: %w", err))
	}
	if err := s.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close registry: %w", err))
	}

	s.log.Info("feature store stopped")

	return errors.Join(errs...)
}

// =============================================================================
// Registry
// =============================================================================

// RegisterGroup creates a feature group and returns its id.
func (s *Store) RegisterGroup(ctx context.Context, spec registry.GroupSpec) (int64, error) {
	return s.registry.RegisterGroup(ctx, spec)
}

// AddFeature adds a feature to a group and returns its id. The next ingest
// validates against the new schema.
func (s *Store) AddFeature(ctx context.Context, ref registry.Ref, spec registry.FeatureSpec) (int64, error) {
	return s.registry.AddFeature(ctx, ref, spec)
}

// GetGroup returns the schema snapshot of a group.
func (s *Store) GetGroup(ctx context.Context, ref registry.Ref) (*feature.Group, error) {
	return s.registry.GetGroup(ctx, ref)
}

// ListGroups returns the groups whose name starts with prefix.
func (s *Store) ListGroups(ctx context.Context, prefix string) ([]*feature.Group, error) {
	return s.registry.ListGroups(ctx, prefix)
}

// =============================================================================
// Ingestion and retrieval
// =============================================================================

// Ingest writes one record through to the group's enabled paths.
func (s *Store) Ingest(ctx context.Context, ref registry.Ref, rec feature.Record) (ingestion.Result, error) {
	return s.ingest.Ingest(ctx, ref, rec)
}

// IngestBatch writes records through after validating all of them.
func (s *Store) IngestBatch(ctx context.Context, ref registry.Ref, records []feature.Record) (ingestion.Result, error) {
	return s.ingest.IngestBatch(ctx, ref, records)
}

// GetOnline returns the current record of an entity.
func (s *Store) GetOnline(ctx context.Context, ref registry.Ref, entityID string) (feature.Record, error) {
	return s.retrieval.GetOnline(ctx, ref, entityID)
}

// GetOffline returns the history of entities.
func (s *Store) GetOffline(ctx context.Context, ref registry.Ref, entityIDs []string, features []string, mode feature.Mode) (*feature.Table, error) {
	return s.retrieval.GetOffline(ctx, ref, entityIDs, features, mode)
}

// =============================================================================
// Operations
// =============================================================================

// Flush writes every memtable to parquet.
func (s *Store) Flush(ctx context.Context) (offline.FlushResult, error) {
	return s.offline.Flush(ctx)
}

// Compact merges the segments of a group now and returns how many were
// merged.
func (s *Store) Compact(ctx context.Context, ref registry.Ref) (int, error) {
	g, err := s.registry.GetGroup(ctx, ref)
	if err != nil {
		return 0, err
	}
	return s.compaction.Compact(ctx, g.Name)
}

// Query runs an analytics query over a group's flushed segments, exposed
// as the table segments.
func (s *Store) Query(ctx context.Context, ref registry.Ref, query string) (*feature.Table, error) {
	g, err := s.registry.GetGroup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.offline.Query(ctx, g, query)
}

// FeatureStats summarizes every feature of a group over its history.
func (s *Store) FeatureStats(ctx context.Context, ref registry.Ref) ([]offline.FeatureStats, error) {
	g, err := s.registry.GetGroup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.offline.FeatureStats(ctx, g)
}

// Stats describes the state of the store.
type Stats struct {
	Running      bool
	Uptime       time.Duration
	Groups       []offline.GroupStats
	Compaction   compaction.EngineStats
	Backpressure backpressure.ControllerStats
}

// Stats returns the current state of the store.
func (s *Store) Stats() Stats {
	st := Stats{
		Running:      s.running.Load(),
		Groups:       s.offline.Stats(),
		Compaction:   s.compaction.Stats(),
		Backpressure: s.offline.Backpressure(),
	}
	if st.Running {
		st.Uptime = time.Since(s.startTime)
	}
	return st
}
