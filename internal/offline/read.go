package offline

import (
	"context"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
)

// GetBatch returns the rows of the given entities.
//
// ModeAll returns every row in append order. ModeLatest returns one row per
// present entity, the one with the greatest ingestion timestamp and, on a
// tie, the greatest sequence number, in the order the entities were
// requested. features projects the feature columns; nil selects all of
// them. An unknown group yields an empty table.
func (s *Store) GetBatch(ctx context.Context, g *feature.Group, entityKeys []string, features []string, mode feature.Mode) (*feature.Table, error) {
	if s.closed.Load() {
		return nil, errors.ErrClosed
	}

	columns, err := tableColumns(g, features)
	if err != nil {
		return nil, err
	}
	table := &feature.Table{Columns: columns}

	if mode == "" {
		mode = feature.ModeAll
	}
	if mode != feature.ModeAll && mode != feature.ModeLatest {
		return nil, errors.Wrapf(errors.ErrInvalidSchema, "unknown retrieval mode %q", mode)
	}

	gs := s.lookup(g.Name)
	if gs == nil || len(entityKeys) == 0 {
		return table, nil
	}

	wanted := make(map[string]struct{}, len(entityKeys))
	for _, key := range entityKeys {
		wanted[key] = struct{}{}
	}
	match := func(entity string) bool {
		_, ok := wanted[entity]
		return ok
	}

	snap := gs.snapshot()
	defer snap.release()

	type hit struct {
		seq        int64
		ingestedAt int64
		record     feature.Record
	}
	latest := make(map[string]hit)

	var scanErr error
	err = snap.scan(match, func(entity string, seq, ingestedAt int64, rec feature.Record) bool {
		if err := ctx.Err(); err != nil {
			scanErr = err
			return false
		}
		if mode == feature.ModeAll {
			table.Rows = append(table.Rows, project(columns, rec, ingestedAt))
			return true
		}
		cur, ok := latest[entity]
		if !ok || ingestedAt > cur.ingestedAt || (ingestedAt == cur.ingestedAt && seq > cur.seq) {
			latest[entity] = hit{seq: seq, ingestedAt: ingestedAt, record: rec}
		}
		return true
	})
	if err != nil {
		return nil, errors.NewStoreUnavailable("scan segments", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}

	if mode == feature.ModeLatest {
		seen := make(map[string]struct{}, len(latest))
		for _, key := range entityKeys {
			h, ok := latest[key]
			if !ok {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			table.Rows = append(table.Rows, project(columns, h.record, h.ingestedAt))
		}
	}

	return table, nil
}

// tableColumns returns entity columns, the projected or all features and
// the ingestion timestamp.
func tableColumns(g *feature.Group, features []string) ([]string, error) {
	if features == nil {
		features = g.FeatureNames()
	}

	columns := make([]string, 0, len(g.EntityColumns)+len(features)+1)
	columns = append(columns, g.EntityColumns...)

	seen := make(map[string]struct{}, len(features))
	for _, name := range features {
		if _, ok := g.Feature(name); !ok {
			return nil, errors.Wrapf(errors.ErrFeatureNotFound, "feature '%s' in group '%s'", name, g.Name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		columns = append(columns, name)
	}

	return append(columns, feature.IngestionTimestampColumn), nil
}

func project(columns []string, rec feature.Record, ingestedAt int64) []feature.Value {
	row := make([]feature.Value, len(columns))
	last := len(columns) - 1
	for i, name := range columns[:last] {
		row[i] = rec[name]
	}
	row[last] = feature.TimestampNanos(ingestedAt)
	return row
}
