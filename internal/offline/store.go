// Package offline implements the append-only historical store of feature
// rows.
//
// Appends go to the write-ahead log and the group's active memtable. A
// flush freezes every memtable, writes each group's frozen rows as one
// parquet segment and then drops the WAL segments they came from. Reads
// merge segments, frozen memtables and the active memtable, which together
// always cover a group's sequence space without gaps or overlaps.
//
// Directory layout:
//
//	{dir}/{group}/{minSeq}-{maxSeq}.parquet
//	{walDir}/{seq}.wal
package offline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/featurestore/config"
	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/logging"
	"github.com/xtxerr/featurestore/internal/metrics"
	"github.com/xtxerr/featurestore/internal/offline/backpressure"
	"github.com/xtxerr/featurestore/internal/offline/segment"
	"github.com/xtxerr/featurestore/internal/offline/wal"
	fssync "github.com/xtxerr/featurestore/internal/sync"
	"github.com/xtxerr/featurestore/internal/wire"
)

// Config configures the offline store.
type Config struct {
	// Dir holds one directory of parquet segments per group.
	Dir string

	// WALDir holds the write-ahead log.
	WALDir string

	// Segment controls parquet encoding.
	Segment segment.Options

	// WAL configures the write-ahead log writer.
	WAL wal.Options

	// FlushInterval is the period of the background flush. Zero disables it.
	FlushInterval time.Duration

	// FlushMaxRows triggers an early background flush once a group's
	// active memtable holds this many rows. Zero disables it.
	FlushMaxRows int

	// QueryMemoryLimit is passed to DuckDB as memory_limit.
	QueryMemoryLimit string

	// QueryTimeout bounds a single analytics query.
	QueryTimeout time.Duration

	// SketchAccuracy is the relative accuracy of quantile sketches.
	SketchAccuracy float64

	// Backpressure limits the rows waiting in memtables.
	Backpressure backpressure.Config

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a configuration rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Dir:              filepath.Join(dataDir, "offline"),
		WALDir:           filepath.Join(dataDir, "wal"),
		Segment:          segment.Options{Compression: segment.ParseCompressionType(config.DefaultCompression)},
		WAL:              wal.DefaultOptions(),
		FlushInterval:    config.DefaultFlushInterval,
		FlushMaxRows:     config.DefaultFlushMaxRows,
		QueryMemoryLimit: config.DefaultQueryMemoryLimit,
		QueryTimeout:     config.DefaultQueryTimeout,
		SketchAccuracy:   config.DefaultSketchAccuracy,
		Backpressure:     backpressure.DefaultConfig(),
	}
}

// Store is the offline store.
type Store struct {
	cfg Config
	log *slog.Logger
	wal *wal.Writer

	// gate orders appends against flush: appends hold it shared while
	// writing the WAL and inserting into a memtable, a flush holds it
	// exclusively while rotating the WAL and freezing memtables.
	gate sync.RWMutex

	// flushMu serializes flushes.
	flushMu sync.Mutex

	// pending counts rows in active and frozen memtables.
	pending atomic.Int64
	bp      *backpressure.Controller

	mu     sync.RWMutex
	groups map[string]*groupState

	duckOnce fssync.Once
	duck     *sql.DB

	flushCh  chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
	stopOnce sync.Once
	closed   atomic.Bool
}

// groupState is the in-memory state of one group.
type groupState struct {
	name string
	dir  string

	// appendMu serializes sequence assignment, WAL write and memtable
	// insert so a group's rows enter the memtable in sequence order.
	appendMu      sync.Mutex
	nextSeq       int64
	lastIngestNs  int64
	compactMu     sync.Mutex
	persistedUpTo int64

	// mu guards the fields below. It is only held for bookkeeping.
	mu       sync.RWMutex
	active   *memtable
	frozen   []*memtable
	segments []*segmentFile
}

// Open opens the store, indexing existing segments and replaying the WAL.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" || cfg.WALDir == "" {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "offline: dir and wal dir are required")
	}
	if cfg.SketchAccuracy <= 0 || cfg.SketchAccuracy >= 1 {
		cfg.SketchAccuracy = config.DefaultSketchAccuracy
	}
	for _, dir := range []string{cfg.Dir, cfg.WALDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.NewStoreUnavailable("create directory", err)
		}
	}

	s := &Store{
		cfg:     cfg,
		log:     logging.Component("offline"),
		groups:  make(map[string]*groupState),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	s.bp = backpressure.New(cfg.Backpressure, s.pending.Load)
	s.bp.SetOnLevelChange(func(old, new backpressure.Level) {
		s.log.Warn("backpressure level changed", "from", old, "to", new, "pending_rows", s.pending.Load())
		s.cfg.Metrics.BackpressureLevel(int(new))
	})

	if err := s.loadSegments(); err != nil {
		return nil, err
	}
	if err := s.replay(); err != nil {
		return nil, err
	}

	w, err := wal.NewWriter(cfg.WALDir, cfg.WAL)
	if err != nil {
		return nil, errors.NewStoreUnavailable("open wal", err)
	}
	s.wal = w

	return s, nil
}

// loadSegments indexes the parquet segments of every group directory.
func (s *Store) loadSegments() error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return errors.NewStoreUnavailable("list groups", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		gs := s.group(entry.Name())

		files, err := segment.List(gs.dir)
		if err != nil {
			return errors.NewStoreUnavailable("list segments", err)
		}

		for _, info := range files {
			// Files are ordered by MinSeq, widest first. A file inside the
			// range of the previous one is the input of a compaction that
			// crashed before removing it.
			if n := len(gs.segments); n > 0 && info.MaxSeq <= gs.segments[n-1].MaxSeq {
				s.log.Warn("removing compacted segment", "group", gs.name, "path", info.Path)
				os.Remove(info.Path)
				continue
			}

			rows, err := countRows(info.Path)
			if err != nil {
				return errors.NewStoreUnavailable("open segment", err)
			}
			gs.segments = append(gs.segments, newSegmentFile(info, rows))
			gs.persistedUpTo = info.MaxSeq
		}
		gs.nextSeq = gs.persistedUpTo + 1

		if len(gs.segments) > 0 {
			s.log.Debug("indexed segments", "group", gs.name, "segments", len(gs.segments), "max_seq", gs.persistedUpTo)
		}
	}

	return nil
}

// replay restores rows that were appended but never flushed.
func (s *Store) replay() error {
	stats, err := wal.Replay(s.cfg.WALDir, func(rows []wire.Row) error {
		for _, row := range rows {
			gs := s.group(row.Group)
			if row.Seq <= gs.persistedUpTo {
				continue
			}
			gs.active.rows = append(gs.active.rows, memRow{
				entity:     row.EntityKey,
				seq:        row.Seq,
				ingestedAt: row.IngestedAtNs,
				record:     row.Record,
			})
			if row.Seq >= gs.nextSeq {
				gs.nextSeq = row.Seq + 1
			}
			if row.IngestedAtNs > gs.lastIngestNs {
				gs.lastIngestNs = row.IngestedAtNs
			}
		}
		return nil
	})
	if err != nil {
		return errors.NewStoreUnavailable("replay wal", err)
	}

	replayed := 0
	for _, gs := range s.groups {
		rows := gs.active.rows
		sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
		replayed += len(rows)
	}
	s.pending.Add(int64(replayed))

	if stats.Segments > 0 {
		s.log.Info("replayed wal",
			"segments", stats.Segments,
			"rows", replayed,
			"corrupt_records", stats.CorruptRecords,
			"unreadable_segments", stats.UnreadableSegments,
		)
	}

	return nil
}

// group returns the state of name, creating it if needed.
func (s *Store) group(name string) *groupState {
	s.mu.RLock()
	gs, ok := s.groups[name]
	s.mu.RUnlock()
	if ok {
		return gs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gs, ok := s.groups[name]; ok {
		return gs
	}
	gs = &groupState{
		name:    name,
		dir:     filepath.Join(s.cfg.Dir, name),
		nextSeq: 1,
		active:  &memtable{},
	}
	s.groups[name] = gs
	return gs
}

// lookup returns the state of name or nil.
func (s *Store) lookup(name string) *groupState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[name]
}

func (s *Store) groupList() []*groupState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*groupState, 0, len(s.groups))
	for _, gs := range s.groups {
		list = append(list, gs)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })
	return list
}

// Append appends records to g's history. Every record must carry a
// non-null entity key; values are stored as given.
func (s *Store) Append(ctx context.Context, g *feature.Group, records []feature.Record) error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	keyColumn := g.EntityKey()
	entities := make([]string, len(records))
	for i, rec := range records {
		v, ok := rec[keyColumn]
		if !ok || v.IsNull() {
			return fmt.Errorf("record %d: entity key %q: %w", i, keyColumn, errors.ErrSchemaViolation)
		}
		entities[i] = v.String()
	}

	if err := s.admit(ctx); err != nil {
		return err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	gs := s.group(g.Name)
	gs.appendMu.Lock()
	defer gs.appendMu.Unlock()

	// Ingestion time never goes backwards within a group, so the latest row
	// by timestamp is also the latest by sequence.
	now := time.Now().UnixNano()
	if now < gs.lastIngestNs {
		now = gs.lastIngestNs
	}

	rows := make([]wire.Row, len(records))
	for i, rec := range records {
		rows[i] = wire.Row{
			Group:        g.Name,
			EntityKey:    entities[i],
			Seq:          gs.nextSeq + int64(i),
			IngestedAtNs: now,
			Record:       rec.Clone(),
		}
	}

	if err := s.wal.Write(rows); err != nil {
		return errors.NewStoreUnavailable("write wal", err)
	}
	gs.nextSeq += int64(len(rows))
	gs.lastIngestNs = now

	mem := make([]memRow, len(rows))
	for i, row := range rows {
		mem[i] = memRow{entity: row.EntityKey, seq: row.Seq, ingestedAt: row.IngestedAtNs, record: row.Record}
	}

	gs.mu.Lock()
	gs.active.rows = append(gs.active.rows, mem...)
	size := len(gs.active.rows)
	gs.mu.Unlock()
	s.pending.Add(int64(len(mem)))

	s.cfg.Metrics.RowsAppended(len(rows))

	if s.cfg.FlushMaxRows > 0 && size >= s.cfg.FlushMaxRows {
		s.requestFlush()
	}

	return nil
}

// admit applies backpressure before an append.
func (s *Store) admit(ctx context.Context) error {
	level := s.bp.Check()
	if level == backpressure.LevelNormal {
		return nil
	}
	s.requestFlush()

	if s.bp.ShouldReject() {
		s.bp.RecordReject()
		s.cfg.Metrics.AppendRejected()
		return errors.NewStoreUnavailable("append",
			fmt.Errorf("%d rows waiting for flush: %w", s.pending.Load(), errors.ErrOverloaded))
	}

	if delay := s.bp.ThrottleDelay(); delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CompactionPaused reports whether compaction should wait for flushes to
// drain the memtables.
func (s *Store) CompactionPaused() bool {
	return s.bp.ShouldPauseCompaction()
}

// Backpressure returns the state of append admission control.
func (s *Store) Backpressure() backpressure.ControllerStats {
	return s.bp.Stats()
}

// Start starts the background flush loop.
func (s *Store) Start() error {
	if s.closed.Load() {
		return errors.ErrClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("offline store already running")
	}

	s.wg.Add(1)
	go s.flushLoop()

	return nil
}

// Stop stops the background flush loop.
func (s *Store) Stop() {
	if !s.running.Load() {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.running.Store(false)
}

func (s *Store) requestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

func (s *Store) flushLoop() {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-tick:
		case <-s.flushCh:
		}

		if _, err := s.Flush(context.Background()); err != nil {
			s.log.Error("flush failed", "error", err)
		}
	}
}

// Close stops the flush loop, flushes all memtables and closes the WAL.
func (s *Store) Close() error {
	if s.closed.Load() {
		return nil
	}
	s.Stop()

	var errs []error
	if _, err := s.Flush(context.Background()); err != nil {
		errs = append(errs, err)
	}

	s.closed.Store(true)

	if err := s.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wal: %w", err))
	}
	if s.duckOnce.Done() {
		if err := s.duck.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close duckdb: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Groups returns the names of all groups with offline data.
func (s *Store) Groups() []string {
	list := s.groupList()
	names := make([]string, len(list))
	for i, gs := range list {
		names[i] = gs.name
	}
	return names
}

// SegmentCount returns the number of parquet segments of group.
func (s *Store) SegmentCount(group string) int {
	gs := s.lookup(group)
	if gs == nil {
		return 0
	}
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return len(gs.segments)
}

// GroupStats summarizes the physical state of one group.
type GroupStats struct {
	Group        string
	Segments     int
	SegmentRows  int64
	SegmentBytes int64
	MemtableRows int
	FrozenRows   int
	NextSeq      int64
}

// Stats returns the physical state of every group.
func (s *Store) Stats() []GroupStats {
	var out []GroupStats
	for _, gs := range s.groupList() {
		gs.appendMu.Lock()
		next := gs.nextSeq
		gs.appendMu.Unlock()

		gs.mu.RLock()
		st := GroupStats{
			Group:        gs.name,
			Segments:     len(gs.segments),
			MemtableRows: len(gs.active.rows),
			NextSeq:      next,
		}
		for _, f := range gs.segments {
			st.SegmentRows += f.rows
			st.SegmentBytes += f.Size
		}
		for _, m := range gs.frozen {
			st.FrozenRows += len(m.rows)
		}
		gs.mu.RUnlock()

		out = append(out, st)
	}
	return out
}
