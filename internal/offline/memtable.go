package offline

import (
	"os"
	"sync/atomic"

	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/offline/segment"
	"github.com/xtxerr/featurestore/internal/wire"
)

// memtable holds rows not yet written to parquet, in sequence order.
// Rows are only ever appended, so a reader may keep using a slice header
// taken under the group lock after releasing it.
type memtable struct {
	rows []memRow
}

type memRow struct {
	entity     string
	seq        int64
	ingestedAt int64
	record     feature.Record
}

func (r *memRow) toSegment() segment.Row {
	return segment.FromWire(r.entity, wire.Row{Seq: r.seq, IngestedAtNs: r.ingestedAt, Record: r.record})
}

// segmentFile is a parquet segment in a group's segment set. The set holds
// one reference; readers take another for the duration of a scan. A file
// dropped from the set by compaction is deleted on its last release.
type segmentFile struct {
	segment.FileInfo
	rows int64

	refs    atomic.Int64
	retired atomic.Bool
}

func newSegmentFile(info segment.FileInfo, rows int64) *segmentFile {
	f := &segmentFile{FileInfo: info, rows: rows}
	f.refs.Store(1)
	return f
}

func (f *segmentFile) acquire() {
	f.refs.Add(1)
}

func (f *segmentFile) release() {
	if f.refs.Add(-1) == 0 && f.retired.Load() {
		os.Remove(f.Path)
	}
}

// retire drops the set's reference.
func (f *segmentFile) retire() {
	f.retired.Store(true)
	f.release()
}

func countRows(path string) (int64, error) {
	r, err := segment.NewReader(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return r.NumRows(), nil
}

// snapshot is a consistent view of a group: segments, then frozen
// memtables, then the active memtable, together in sequence order.
type snapshot struct {
	segments []*segmentFile
	memRows  [][]memRow
}

func (gs *groupState) snapshot() *snapshot {
	gs.mu.RLock()
	defer gs.mu.RUnlock()

	snap := &snapshot{
		segments: make([]*segmentFile, len(gs.segments)),
		memRows:  make([][]memRow, 0, len(gs.frozen)+1),
	}
	for i, f := range gs.segments {
		f.acquire()
		snap.segments[i] = f
	}
	for _, m := range gs.frozen {
		snap.memRows = append(snap.memRows, m.rows)
	}
	snap.memRows = append(snap.memRows, gs.active.rows)
	return snap
}

func (snap *snapshot) release() {
	for _, f := range snap.segments {
		f.release()
	}
	snap.segments = nil
}

// scan calls fn for every row of the snapshot in sequence order. Segment
// rows whose entity is rejected by match are skipped without decoding.
func (snap *snapshot) scan(match func(entity string) bool, fn func(entity string, seq, ingestedAt int64, rec feature.Record) bool) error {
	for _, f := range snap.segments {
		stopped := false
		err := segment.Scan(f.Path, func(row *segment.Row) bool {
			if match != nil && !match(row.EntityKey) {
				return true
			}
			if !fn(row.EntityKey, row.Seq, row.IngestedAtNs, row.Record()) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}
	}

	for _, rows := range snap.memRows {
		for i := range rows {
			r := &rows[i]
			if match != nil && !match(r.entity) {
				continue
			}
			if !fn(r.entity, r.seq, r.ingestedAt, r.record) {
				return nil
			}
		}
	}

	return nil
}
