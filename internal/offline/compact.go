package offline

import (
	"context"
	"os"
	"sort"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/offline/segment"
)

// CompactGroup merges the current segments of group into one ordered by
// sequence number and returns how many segments were merged. Segments
// flushed while the merge runs are left alone. Readers holding the old
// segments keep reading them; the files are removed on their last release.
func (s *Store) CompactGroup(ctx context.Context, group string) (int, error) {
	if s.closed.Load() {
		return 0, errors.ErrClosed
	}

	gs := s.lookup(group)
	if gs == nil {
		return 0, nil
	}

	gs.compactMu.Lock()
	defer gs.compactMu.Unlock()

	snap := gs.snapshot()
	defer snap.release()

	inputs := snap.segments
	if len(inputs) < 2 {
		return 0, nil
	}

	var rows []segment.Row
	for _, f := range inputs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		part, err := segment.ReadAll(f.Path)
		if err != nil {
			s.cfg.Metrics.Compaction(0, err)
			return 0, errors.NewStoreUnavailable("read segment", err)
		}
		rows = append(rows, part...)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

	if len(rows) == 0 {
		return 0, nil
	}

	path, err := segment.Write(gs.dir, rows, s.cfg.Segment)
	if err != nil {
		s.cfg.Metrics.Compaction(0, err)
		return 0, errors.NewStoreUnavailable("write segment", err)
	}

	info := segment.FileInfo{
		Path:   path,
		MinSeq: rows[0].Seq,
		MaxSeq: rows[len(rows)-1].Seq,
	}
	if size, err := fileSize(path); err == nil {
		info.Size = size
	}
	merged := newSegmentFile(info, int64(len(rows)))

	replaced := make(map[*segmentFile]struct{}, len(inputs))
	for _, f := range inputs {
		replaced[f] = struct{}{}
	}

	gs.mu.Lock()
	next := make([]*segmentFile, 0, len(gs.segments)-len(inputs)+1)
	next = append(next, merged)
	for _, f := range gs.segments {
		if _, ok := replaced[f]; !ok {
			next = append(next, f)
		}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].MinSeq < next[j].MinSeq })
	gs.segments = next
	gs.mu.Unlock()

	for _, f := range inputs {
		f.retire()
	}

	s.cfg.Metrics.Compaction(len(inputs), nil)
	s.log.Info("compacted segments",
		"group", group,
		"segments", len(inputs),
		"rows", len(rows),
		"min_seq", info.MinSeq,
		"max_seq", info.MaxSeq,
	)

	return len(inputs), nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
