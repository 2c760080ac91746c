package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/offline/segment"
)

// FlushResult summarizes a flush.
type FlushResult struct {
	Groups      int
	Rows        int
	Segments    int
	WALsDeleted int
	Duration    time.Duration
}

// Flush writes every memtable to parquet. Each group's frozen rows become
// one segment. A group whose write fails keeps its frozen rows readable and
// is retried by the next flush; WAL segments are only deleted once no
// frozen rows remain anywhere.
func (s *Store) Flush(ctx context.Context) (FlushResult, error) {
	var result FlushResult
	if s.closed.Load() {
		return result, errors.ErrClosed
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()

	groups, boundary, rotated, err := s.freeze()
	if err != nil {
		s.cfg.Metrics.Flush(0, err)
		return result, err
	}

	var errs []error
	for _, gs := range groups {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		rows, err := s.flushGroup(gs)
		if err != nil {
			s.log.Error("flush group failed", "group", gs.name, "error", err)
			errs = append(errs, fmt.Errorf("group %s: %w", gs.name, err))
			continue
		}
		if rows > 0 {
			result.Groups++
			result.Rows += rows
			result.Segments++
		}
	}

	if rotated && len(errs) == 0 && !hasFrozen(groups) {
		deleted, err := s.wal.DeleteSegmentsBefore(boundary)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete wal segments: %w", err))
		}
		result.WALsDeleted = deleted
	}

	result.Duration = time.Since(start)
	err = errors.Join(errs...)
	if err != nil {
		err = errors.NewStoreUnavailable("flush", err)
	}
	s.cfg.Metrics.Flush(result.Rows, err)

	if result.Rows > 0 {
		s.log.Info("flushed memtables",
			"groups", result.Groups,
			"rows", result.Rows,
			"wal_segments_deleted", result.WALsDeleted,
			"duration", result.Duration,
		)
	}

	return result, err
}

// freeze rotates the WAL and moves every non-empty active memtable to the
// frozen list. Appends are excluded meanwhile, so all rows in WAL segments
// before the returned boundary are frozen.
func (s *Store) freeze() ([]*groupState, int64, bool, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	groups := s.groupList()

	pending := false
	for _, gs := range groups {
		gs.mu.RLock()
		if len(gs.active.rows) > 0 || len(gs.frozen) > 0 {
			pending = true
		}
		gs.mu.RUnlock()
	}
	if !pending {
		return groups, 0, false, nil
	}

	boundary, err := s.wal.Rotate()
	if err != nil {
		return nil, 0, false, errors.NewStoreUnavailable("rotate wal", err)
	}

	for _, gs := range groups {
		gs.mu.Lock()
		if len(gs.active.rows) > 0 {
			gs.frozen = append(gs.frozen, gs.active)
			gs.active = &memtable{}
		}
		gs.mu.Unlock()
	}

	return groups, boundary, true, nil
}

// flushGroup writes the frozen rows of gs as one segment and installs it.
func (s *Store) flushGroup(gs *groupState) (int, error) {
	gs.mu.RLock()
	frozen := append([]*memtable(nil), gs.frozen...)
	gs.mu.RUnlock()

	if len(frozen) == 0 {
		return 0, nil
	}

	var rows []segment.Row
	for _, m := range frozen {
		for i := range m.rows {
			rows = append(rows, m.rows[i].toSegment())
		}
	}

	path, err := segment.Write(gs.dir, rows, s.cfg.Segment)
	if err != nil {
		return 0, err
	}

	info := segment.FileInfo{
		Path:   path,
		MinSeq: rows[0].Seq,
		MaxSeq: rows[len(rows)-1].Seq,
	}
	if size, err := fileSize(path); err == nil {
		info.Size = size
	}

	// Only flushes modify the frozen list, and flushes are serialized.
	gs.mu.Lock()
	gs.segments = append(gs.segments, newSegmentFile(info, int64(len(rows))))
	gs.frozen = gs.frozen[len(frozen):]
	gs.mu.Unlock()
	s.pending.Add(-int64(len(rows)))

	s.log.Debug("wrote segment", "group", gs.name, "rows", len(rows), "min_seq", info.MinSeq, "max_seq", info.MaxSeq)

	return len(rows), nil
}

func hasFrozen(groups []*groupState) bool {
	for _, gs := range groups {
		gs.mu.RLock()
		n := len(gs.frozen)
		gs.mu.RUnlock()
		if n > 0 {
			return true
		}
	}
	return false
}
