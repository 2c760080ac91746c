package featurestore

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/featurestore/internal/config"
	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/ingestion"
	"github.com/xtxerr/featurestore/internal/registry"
)

func openTestStore(t *testing.T) (*Store, *prometheus.Registry) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Offline.Flush.Interval = time.Hour
	cfg.Compaction.Enabled = false

	reg := prometheus.NewRegistry()
	s, err := Open(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, reg
}

func registerUsers(t *testing.T, s *Store) int64 {
	t.Helper()
	ctx := context.Background()

	id, err := s.RegisterGroup(ctx, registry.GroupSpec{
		Name:           "user_features",
		EntityColumns:  []string{"user_id"},
		OnlineEnabled:  true,
		OfflineEnabled: true,
	})
	if err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
	if _, err := s.AddFeature(ctx, registry.ByID(id), registry.FeatureSpec{Name: "age", DType: feature.DTypeInt}); err != nil {
		t.Fatalf("AddFeature: %v", err)
	}
	return id
}

func TestIngestAndRetrieve(t *testing.T) {
	s, reg := openTestStore(t)
	ctx := context.Background()
	registerUsers(t, s)

	ref := registry.ByName("user_features")
	rec := feature.Record{"user_id": feature.String("u1"), "age": feature.Int(30)}

	res, err := s.Ingest(ctx, ref, rec)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Online != ingestion.OutcomeOK || res.Offline != ingestion.OutcomeOK {
		t.Errorf("expected both paths ok, got %+v", res)
	}

	got, err := s.GetOnline(ctx, ref, "u1")
	if err != nil {
		t.Fatalf("GetOnline: %v", err)
	}
	if !got.Equal(rec) {
		t.Errorf("GetOnline = %v, want %v", got, rec)
	}

	table, err := s.GetOffline(ctx, ref, []string{"u1"}, nil, feature.ModeAll)
	if err != nil {
		t.Fatalf("GetOffline: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 offline row, got %d", table.Len())
	}
	row := table.Records()[0]
	if row["age"].AsInt() != 30 || row["user_id"].AsString() != "u1" {
		t.Errorf("unexpected offline row %v", row)
	}
	if row[feature.IngestionTimestampColumn].Kind() != feature.KindTimestamp {
		t.Errorf("offline row lacks an ingestion timestamp: %v", row)
	}

	if _, err := s.GetOnline(ctx, ref, "u2"); !errors.Is(err, errors.ErrEntityNotFound) {
		t.Errorf("expected entity not found, got %v", err)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Errorf("expected registered metrics, got %d (%v)", n, err)
	}
}

func TestAddFeatureVisibleToNextIngest(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	id := registerUsers(t, s)
	ref := registry.ByID(id)

	rec := feature.Record{"user_id": feature.String("u1"), "age": feature.Int(30), "country": feature.String("de")}
	if _, err := s.Ingest(ctx, ref, rec); !errors.Is(err, errors.ErrSchemaViolation) {
		t.Fatalf("expected schema violation before the feature exists, got %v", err)
	}

	if _, err := s.AddFeature(ctx, ref, registry.FeatureSpec{Name: "country", DType: feature.DTypeString}); err != nil {
		t.Fatalf("AddFeature: %v", err)
	}
	if _, err := s.Ingest(ctx, ref, rec); err != nil {
		t.Fatalf("Ingest after AddFeature: %v", err)
	}

	got, err := s.GetOnline(ctx, ref, "u1")
	if err != nil {
		t.Fatalf("GetOnline: %v", err)
	}
	if got["country"].AsString() != "de" {
		t.Errorf("expected country de, got %v", got)
	}
}

func TestUnknownGroup(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	ref := registry.ByName("nope")

	if _, err := s.AddFeature(ctx, ref, registry.FeatureSpec{Name: "x", DType: feature.DTypeInt}); !errors.IsNotFound(err) {
		t.Errorf("AddFeature: expected not found, got %v", err)
	}
	if _, err := s.Ingest(ctx, ref, feature.Record{"id": feature.String("a")}); !errors.Is(err, errors.ErrGroupNotFound) {
		t.Errorf("Ingest: expected group not found, got %v", err)
	}
	if _, err := s.Compact(ctx, ref); !errors.Is(err, errors.ErrGroupNotFound) {
		t.Errorf("Compact: expected group not found, got %v", err)
	}

	table, err := s.GetOffline(ctx, ref, []string{"a"}, nil, feature.ModeAll)
	if err != nil || table.Len() != 0 {
		t.Errorf("GetOffline: expected empty table, got %v (%v)", table, err)
	}
}

func TestFlushQueryAndStats(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	registerUsers(t, s)
	ref := registry.ByName("user_features")

	for i, age := range []int64{20, 30, 40} {
		rec := feature.Record{"user_id": feature.String(string(rune('a' + i))), "age": feature.Int(age)}
		if _, err := s.Ingest(ctx, ref, rec); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	res, err := s.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.Rows != 3 {
		t.Errorf("expected 3 flushed rows, got %d", res.Rows)
	}

	table, err := s.Query(ctx, ref, "SELECT count(*) AS n, sum(age) AS total FROM segments")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("expected one row, got %d", table.Len())
	}
	if n := table.Rows[0][0].AsInt(); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	stats, err := s.FeatureStats(ctx, ref)
	if err != nil {
		t.Fatalf("FeatureStats: %v", err)
	}
	if len(stats) != 1 || stats[0].Name != "age" || stats[0].Count != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats[0].Min != 20 || stats[0].Max != 40 {
		t.Errorf("min/max = %v/%v, want 20/40", stats[0].Min, stats[0].Max)
	}

	st := s.Stats()
	if !st.Running || len(st.Groups) != 1 || st.Groups[0].Segments != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestCompactOnDemand(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	registerUsers(t, s)
	ref := registry.ByName("user_features")

	for _, age := range []int64{1, 2, 3} {
		if _, err := s.Ingest(ctx, ref, feature.Record{"user_id": feature.String("u1"), "age": feature.Int(age)}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if _, err := s.Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	merged, err := s.Compact(ctx, ref)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if merged != 3 {
		t.Errorf("expected 3 merged segments, got %d", merged)
	}

	table, err := s.GetOffline(ctx, ref, []string{"u1"}, []string{"age"}, feature.ModeLatest)
	if err != nil {
		t.Fatalf("GetOffline: %v", err)
	}
	if table.Len() != 1 || table.Records()[0]["age"].AsInt() != 3 {
		t.Errorf("expected latest age 3, got %v", table.Rows)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Registry.DSN = cfg.RegistryPath()
	cfg.Compaction.Enabled = false

	s, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	registerUsers(t, s)
	ref := registry.ByName("user_features")
	if _, err := s.Ingest(ctx, ref, feature.Record{"user_id": feature.String("u1"), "age": feature.Int(30)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	s, err = Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Stop()

	table, err := s.GetOffline(ctx, ref, []string{"u1"}, nil, feature.ModeAll)
	if err != nil {
		t.Fatalf("GetOffline: %v", err)
	}
	if table.Len() != 1 {
		t.Errorf("expected history to survive reopen, got %d rows", table.Len())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := s.Start(); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected ErrClosed on restart, got %v", err)
	}
}
