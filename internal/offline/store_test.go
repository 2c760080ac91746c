package offline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/offline/segment"
	"github.com/xtxerr/featurestore/internal/testutil"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.FlushInterval = 0
	cfg.WAL.SyncMode = "sync"
	return cfg
}

func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

// crash abandons s without flushing, as a killed process would.
func crash(s *Store) {
	s.Stop()
	s.closed.Store(true)
	s.wal.Close()
}

func userGroup() *feature.Group {
	return &feature.Group{
		ID:             1,
		Name:           "user_features",
		EntityColumns:  []string{"user_id"},
		OfflineEnabled: true,
		Features: []feature.Feature{
			{Name: "age", DType: feature.DTypeInt},
			{Name: "score", DType: feature.DTypeFloat},
			{Name: "country", DType: feature.DTypeString},
		},
	}
}

func rec(user string, age int64) feature.Record {
	return feature.Record{
		"user_id": feature.String(user),
		"age":     feature.Int(age),
		"score":   feature.Float(float64(age) / 10),
	}
}

func ages(t *testing.T, table *feature.Table) []int64 {
	t.Helper()
	var out []int64
	for _, v := range table.Column("age") {
		out = append(out, v.AsInt())
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tablesEqual(a, b *feature.Table) bool {
	if len(a.Columns) != len(b.Columns) || len(a.Rows) != len(b.Rows) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] {
			return false
		}
	}
	for i := range a.Rows {
		for j := range a.Rows[i] {
			if !a.Rows[i][j].Equal(b.Rows[i][j]) {
				return false
			}
		}
	}
	return true
}

func TestAppendGetBatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))
	defer s.Close()
	g := userGroup()

	if err := s.Append(ctx, g, []feature.Record{rec("u1", 30), rec("u2", 40)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, g, []feature.Record{rec("u1", 31)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	table, err := s.GetBatch(ctx, g, []string{"u1"}, nil, feature.ModeAll)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}

	wantCols := []string{"user_id", "age", "score", "country", feature.IngestionTimestampColumn}
	if len(table.Columns) != len(wantCols) {
		t.Fatalf("unexpected columns %v", table.Columns)
	}
	for i, c := range wantCols {
		if table.Columns[i] != c {
			t.Errorf("column %d: expected %s, got %s", i, c, table.Columns[i])
		}
	}

	if got := ages(t, table); !equalInts(got, []int64{30, 31}) {
		t.Errorf("expected ages [30 31] in append order, got %v", got)
	}
	if !table.Column("country")[0].IsNull() {
		t.Error("missing column must read as null")
	}
	if table.Column(feature.IngestionTimestampColumn)[0].Kind() != feature.KindTimestamp {
		t.Error("expected ingestion timestamp column")
	}

	latest, err := s.GetBatch(ctx, g, []string{"u2", "u1", "missing"}, nil, feature.ModeLatest)
	if err != nil {
		t.Fatalf("GetBatch latest: %v", err)
	}
	if got := ages(t, latest); !equalInts(got, []int64{40, 31}) {
		t.Errorf("expected latest [40 31] in request order, got %v", got)
	}
}

func TestLatestTieBrokenBySequence(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))
	defer s.Close()
	g := userGroup()

	// One batch shares one ingestion timestamp.
	s.Append(ctx, g, []feature.Record{rec("u1", 1), rec("u1", 2), rec("u1", 3)})

	table, err := s.GetBatch(ctx, g, []string{"u1", "u1"}, nil, feature.ModeLatest)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got := ages(t, table); !equalInts(got, []int64{3}) {
		t.Errorf("expected the last appended row once, got %v", got)
	}
}

func TestProjection(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))
	defer s.Close()
	g := userGroup()

	s.Append(ctx, g, []feature.Record{rec("u1", 30)})

	table, err := s.GetBatch(ctx, g, []string{"u1"}, []string{"age"}, feature.ModeAll)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(table.Columns) != 3 || table.Columns[1] != "age" {
		t.Errorf("unexpected projected columns %v", table.Columns)
	}

	_, err = s.GetBatch(ctx, g, []string{"u1"}, []string{"nope"}, feature.ModeAll)
	if !errors.Is(err, errors.ErrFeatureNotFound) {
		t.Errorf("expected ErrFeatureNotFound, got %v", err)
	}
}

func TestUnknownGroupIsEmpty(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	table, err := s.GetBatch(context.Background(), userGroup(), []string{"u1"}, nil, feature.ModeLatest)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if table.Len() != 0 || len(table.Columns) == 0 {
		t.Errorf("expected empty table with columns, got %+v", table)
	}
}

func TestAppendRequiresEntityKey(t *testing.T) {
	s := openStore(t, testConfig(t))
	defer s.Close()

	err := s.Append(context.Background(), userGroup(), []feature.Record{{"age": feature.Int(1)}})
	if !errors.Is(err, errors.ErrSchemaViolation) {
		t.Errorf("expected ErrSchemaViolation, got %v", err)
	}
}

func TestFlushAndReadAcrossTiers(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))
	defer s.Close()
	g := userGroup()

	s.Append(ctx, g, []feature.Record{rec("u1", 1), rec("u2", 2)})
	res, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Rows != 2 || res.Segments != 1 || res.WALsDeleted == 0 {
		t.Errorf("unexpected flush result %+v", res)
	}

	s.Append(ctx, g, []feature.Record{rec("u1", 3)})

	table, err := s.GetBatch(ctx, g, []string{"u1"}, nil, feature.ModeAll)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got := ages(t, table); !equalInts(got, []int64{1, 3}) {
		t.Errorf("expected [1 3] across segment and memtable, got %v", got)
	}

	// Nothing pending.
	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res, _ := s.Flush(ctx); res.Rows != 0 {
		t.Errorf("expected empty flush, got %+v", res)
	}
	if n := s.SegmentCount(g.Name); n != 2 {
		t.Errorf("expected 2 segments, got %d", n)
	}
}

func TestReplayAfterUncleanClose(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	g := userGroup()

	s := openStore(t, cfg)
	s.Append(ctx, g, []feature.Record{rec("u1", 1), rec("u1", 2)})
	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s.Append(ctx, g, []feature.Record{rec("u1", 3)})
	s.Append(ctx, g, []feature.Record{rec("u1", 4)})
	crash(s)

	s = openStore(t, cfg)
	defer s.Close()

	table, err := s.GetBatch(ctx, g, []string{"u1"}, nil, feature.ModeAll)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got := ages(t, table); !equalInts(got, []int64{1, 2, 3, 4}) {
		t.Errorf("expected every acknowledged row exactly once, got %v", got)
	}

	// Sequence numbers continue after the replayed rows.
	s.Append(ctx, g, []feature.Record{rec("u1", 5)})
	latest, _ := s.GetBatch(ctx, g, []string{"u1"}, nil, feature.ModeLatest)
	if got := ages(t, latest); !equalInts(got, []int64{5}) {
		t.Errorf("expected newest row after reopen, got %v", got)
	}
}

func TestCompactionPreservesResults(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))
	defer s.Close()
	g := userGroup()

	for i := int64(0); i < 4; i++ {
		s.Append(ctx, g, []feature.Record{rec("u1", i), rec("u2", 100+i)})
		if _, err := s.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	s.Append(ctx, g, []feature.Record{rec("u1", 9)})

	keys := []string{"u1", "u2"}
	allBefore, _ := s.GetBatch(ctx, g, keys, nil, feature.ModeAll)
	latestBefore, _ := s.GetBatch(ctx, g, keys, nil, feature.ModeLatest)

	// A reader holding the old segment set.
	held := s.lookup(g.Name).snapshot()
	oldPath := held.segments[0].Path

	merged, err := s.CompactGroup(ctx, g.Name)
	if err != nil {
		t.Fatalf("CompactGroup: %v", err)
	}
	if merged != 4 || s.SegmentCount(g.Name) != 1 {
		t.Errorf("expected 4 segments merged into 1, got %d and %d", merged, s.SegmentCount(g.Name))
	}

	if _, err := os.Stat(oldPath); err != nil {
		t.Errorf("segment still referenced by a reader was removed: %v", err)
	}
	held.release()
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("expected retired segment to be removed on last release")
	}

	allAfter, _ := s.GetBatch(ctx, g, keys, nil, feature.ModeAll)
	latestAfter, _ := s.GetBatch(ctx, g, keys, nil, feature.ModeLatest)
	if !tablesEqual(allBefore, allAfter) {
		t.Error("compaction changed the all result")
	}
	if !tablesEqual(latestBefore, latestAfter) {
		t.Error("compaction changed the latest result")
	}

	if n, _ := s.CompactGroup(ctx, g.Name); n != 0 {
		t.Errorf("expected nothing to compact, got %d", n)
	}
}

func TestConcurrentAppendFlushCompactRead(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := openStore(t, cfg)
	defer s.Close()
	g := userGroup()

	const (
		writers = 4
		appends = 300
	)
	keys := make([]string, writers)
	for w := range keys {
		keys[w] = fmt.Sprintf("w%d", w)
	}

	done := make(chan struct{})
	maintenance := testutil.NewGoroutineTestWithTimeout(t, 30*time.Second)

	maintenance.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			default:
			}
			if _, err := s.Flush(ctx); err != nil {
				return fmt.Errorf("flush: %w", err)
			}
			time.Sleep(2 * time.Millisecond)
		}
	})
	maintenance.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			default:
			}
			if _, err := s.CompactGroup(ctx, g.Name); err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			time.Sleep(3 * time.Millisecond)
		}
	})
	maintenance.Go(func() error {
		last := 0
		for {
			select {
			case <-done:
				return nil
			default:
			}
			table, err := s.GetBatch(ctx, g, keys, []string{"age"}, feature.ModeAll)
			if err != nil {
				return fmt.Errorf("get batch: %w", err)
			}
			if table.Len() < last {
				return fmt.Errorf("row count went from %d to %d", last, table.Len())
			}
			last = table.Len()

			seen := make(map[string]struct{}, last)
			for _, r := range table.Records() {
				id := r["user_id"].AsString() + "/" + r["age"].String()
				if _, dup := seen[id]; dup {
					return fmt.Errorf("row %s returned twice", id)
				}
				seen[id] = struct{}{}
			}
		}
	})

	writes := testutil.NewGoroutineTestWithTimeout(t, 30*time.Second)
	for _, key := range keys {
		writes.Go(func() error {
			for i := int64(0); i < appends; i++ {
				if err := s.Append(ctx, g, []feature.Record{rec(key, i)}); err != nil {
					return fmt.Errorf("append %s/%d: %w", key, i, err)
				}
			}
			return nil
		})
	}
	writes.Wait()
	close(done)
	maintenance.Wait()

	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := s.CompactGroup(ctx, g.Name); err != nil {
		t.Fatalf("CompactGroup: %v", err)
	}

	all, err := s.GetBatch(ctx, g, keys, nil, feature.ModeAll)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if all.Len() != writers*appends {
		t.Fatalf("expected %d rows, got %d", writers*appends, all.Len())
	}

	want := make([]int64, appends)
	for i := range want {
		want[i] = int64(i)
	}
	for _, key := range keys {
		table, err := s.GetBatch(ctx, g, []string{key}, []string{"age"}, feature.ModeAll)
		if err != nil {
			t.Fatalf("GetBatch %s: %v", key, err)
		}
		if got := ages(t, table); !equalInts(got, want) {
			t.Errorf("%s: rows out of append order or missing (%d rows)", key, len(got))
		}
	}
}

func TestInterruptedCompactionLeftover(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	g := userGroup()

	s := openStore(t, cfg)
	for i := int64(0); i < 2; i++ {
		s.Append(ctx, g, []feature.Record{rec("u1", i)})
		s.Flush(ctx)
	}

	// A merged segment written but its inputs never removed.
	var rows []segment.Row
	for _, f := range s.lookup(g.Name).segments {
		part, err := segment.ReadAll(f.Path)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		rows = append(rows, part...)
	}
	if _, err := segment.Write(filepath.Join(cfg.Dir, g.Name), rows, cfg.Segment); err != nil {
		t.Fatalf("Write: %v", err)
	}
	crash(s)

	s = openStore(t, cfg)
	defer s.Close()

	if n := s.SegmentCount(g.Name); n != 1 {
		t.Errorf("expected leftover inputs to be dropped, got %d segments", n)
	}
	table, _ := s.GetBatch(ctx, g, []string{"u1"}, nil, feature.ModeAll)
	if got := ages(t, table); !equalInts(got, []int64{0, 1}) {
		t.Errorf("expected rows once, got %v", got)
	}
}

func TestBackgroundFlushOnRowThreshold(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.FlushMaxRows = 10
	s := openStore(t, cfg)
	defer s.Close()
	g := userGroup()

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	batch := make([]feature.Record, 10)
	for i := range batch {
		batch[i] = rec("u1", int64(i))
	}
	s.Append(ctx, g, batch)

	testutil.Eventually(t, 5*time.Second, func() bool { return s.SegmentCount(g.Name) > 0 },
		"row threshold did not trigger a flush")
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))
	defer s.Close()
	g := userGroup()

	empty, err := s.Query(ctx, g, "SELECT count(*) AS n FROM segments")
	if err != nil {
		t.Fatalf("Query without segments: %v", err)
	}
	if empty.Len() != 1 || empty.Rows[0][0].AsInt() != 0 {
		t.Errorf("expected zero count, got %+v", empty.Rows)
	}

	s.Append(ctx, g, []feature.Record{rec("u1", 30), rec("u2", 40), rec("u1", 50)})
	s.Flush(ctx)

	table, err := s.Query(ctx, g, "SELECT user_id, max(age) AS max_age, count(*) AS n FROM segments GROUP BY user_id ORDER BY user_id")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", table.Len())
	}
	if table.Rows[0][0].AsString() != "u1" || table.Rows[0][1].AsInt() != 50 || table.Rows[0][2].AsInt() != 2 {
		t.Errorf("unexpected first row %v", table.Rows[0])
	}

	ts, err := s.Query(ctx, g, "SELECT ingestion_timestamp, country FROM segments LIMIT 1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ts.Rows[0][0].Kind() != feature.KindTimestamp || !ts.Rows[0][1].IsNull() {
		t.Errorf("unexpected row %v", ts.Rows[0])
	}

	if _, err := s.Query(ctx, g, "SELECT nope FROM segments"); err == nil {
		t.Error("expected invalid query to fail")
	}
}

func TestFeatureStats(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, testConfig(t))
	defer s.Close()
	g := userGroup()

	var batch []feature.Record
	for i := int64(1); i <= 100; i++ {
		batch = append(batch, rec("u1", i))
	}
	batch = append(batch, feature.Record{"user_id": feature.String("u2"), "age": feature.Null()})
	s.Append(ctx, g, batch[:50])
	s.Flush(ctx)
	s.Append(ctx, g, batch[50:])

	stats, err := s.FeatureStats(ctx, g)
	if err != nil {
		t.Fatalf("FeatureStats: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("expected 3 features, got %d", len(stats))
	}

	age := stats[0]
	if age.Name != "age" || age.Count != 101 || age.Nulls != 1 || !age.Numeric {
		t.Errorf("unexpected age stats %+v", age)
	}
	if age.Min != 1 || age.Max != 100 || age.Mean != 50.5 {
		t.Errorf("unexpected age summary %+v", age)
	}
	if math.Abs(age.P50-50) > 2 || math.Abs(age.P99-99) > 3 {
		t.Errorf("quantiles out of tolerance: p50=%v p99=%v", age.P50, age.P99)
	}

	country := stats[2]
	if country.Numeric || country.Nulls != 101 {
		t.Errorf("unexpected country stats %+v", country)
	}
}

func TestBackpressureRejectsUntilFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backpressure.MaxPendingRows = 10
	cfg.Backpressure.Cooldown = 0
	s := openStore(t, cfg)
	defer s.Close()

	ctx := context.Background()
	g := userGroup()

	batch := make([]feature.Record, 10)
	for i := range batch {
		batch[i] = rec("u1", int64(i))
	}
	if err := s.Append(ctx, g, batch); err != nil {
		t.Fatalf("Append: %v", err)
	}

	err := s.Append(ctx, g, []feature.Record{rec("u2", 1)})
	if !errors.Is(err, errors.ErrOverloaded) || !errors.Is(err, errors.ErrStoreUnavailable) {
		t.Fatalf("expected overload rejection, got %v", err)
	}
	if !s.CompactionPaused() {
		t.Error("compaction must pause under backpressure")
	}

	if _, err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.Append(ctx, g, []feature.Record{rec("u2", 1)}); err != nil {
		t.Fatalf("Append after flush: %v", err)
	}

	st := s.Backpressure()
	if st.Rejected != 1 || st.CurrentLevel != 0 {
		t.Errorf("unexpected backpressure stats %+v", st)
	}
	if s.pending.Load() != 1 {
		t.Errorf("expected 1 pending row, got %d", s.pending.Load())
	}
}
