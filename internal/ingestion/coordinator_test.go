package ingestion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/online"
	"github.com/xtxerr/featurestore/internal/registry"
	"github.com/xtxerr/featurestore/internal/testutil"
)

func userGroup(onlineEnabled, offlineEnabled bool) *feature.Group {
	return &feature.Group{
		ID:             1,
		Name:           "user_features",
		EntityColumns:  []string{"user_id"},
		OnlineEnabled:  onlineEnabled,
		OfflineEnabled: offlineEnabled,
		Features: []feature.Feature{
			{Name: "age", DType: feature.DTypeInt},
			{Name: "score", DType: feature.DTypeFloat},
			{Name: "vip", DType: feature.DTypeBool},
		},
	}
}

type fixture struct {
	coord   *Coordinator
	online  *testutil.FaultyOnline
	offline *testutil.Offline
	groups  *testutil.Groups
}

func newFixture(g *feature.Group) *fixture {
	f := &fixture{
		online:  &testutil.FaultyOnline{Store: online.NewMemory(online.DefaultConfig())},
		offline: testutil.NewOffline(),
		groups:  testutil.NewGroups(g),
	}
	f.coord = New(f.groups, f.online, f.offline, Config{})
	return f
}

func TestIngestWritesBothPaths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(userGroup(true, true))

	rec := feature.Record{"user_id": feature.String("u1"), "age": feature.Int(30)}
	res, err := f.coord.Ingest(ctx, registry.ByName("user_features"), rec)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Online != OutcomeOK || res.Offline != OutcomeOK || res.Records != 1 || res.GroupID != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	got, found, err := f.online.Get(ctx, "user_features", "u1")
	if err != nil || !found {
		t.Fatalf("online Get: found=%v err=%v", found, err)
	}
	if !got.Equal(rec) {
		t.Errorf("online record %v, want %v", got, rec)
	}

	rows := f.offline.Rows("user_features")
	if len(rows) != 1 || !rows[0].Equal(rec) {
		t.Errorf("unexpected offline rows %v", rows)
	}
}

func TestIngestNormalizesIntForFloat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(userGroup(true, false))

	_, err := f.coord.Ingest(ctx, registry.ByID(1), feature.Record{
		"user_id": feature.String("u1"),
		"score":   feature.Int(3),
		"vip":     feature.Null(),
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	got, _, _ := f.online.Get(ctx, "user_features", "u1")
	if got["score"].Kind() != feature.KindFloat || got["score"].AsFloat() != 3 {
		t.Errorf("expected score widened to float, got %v", got["score"])
	}
	if !got["vip"].IsNull() {
		t.Errorf("expected null to be stored as null")
	}
}

func TestIngestSchemaViolations(t *testing.T) {
	cases := []struct {
		name   string
		rec    feature.Record
		fields []string
	}{
		{
			name:   "missing entity key",
			rec:    feature.Record{"age": feature.Int(1)},
			fields: []string{"user_id"},
		},
		{
			name:   "null entity key",
			rec:    feature.Record{"user_id": feature.Null()},
			fields: []string{"user_id"},
		},
		{
			name:   "float entity key",
			rec:    feature.Record{"user_id": feature.Float(1.5)},
			fields: []string{"user_id"},
		},
		{
			name:   "wrong dtype",
			rec:    feature.Record{"user_id": feature.String("u1"), "age": feature.String("thirty")},
			fields: []string{"age"},
		},
		{
			name:   "float for int",
			rec:    feature.Record{"user_id": feature.String("u1"), "age": feature.Float(30.5)},
			fields: []string{"age"},
		},
		{
			name: "every offending field",
			rec: feature.Record{
				"age":     feature.Bool(true),
				"vip":     feature.Int(1),
				"unknown": feature.Int(1),
			},
			fields: []string{"age", "unknown", "user_id", "vip"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(userGroup(true, true))

			_, err := f.coord.Ingest(context.Background(), registry.ByName("user_features"), tc.rec)
			if !errors.Is(err, errors.ErrSchemaViolation) {
				t.Fatalf("expected ErrSchemaViolation, got %v", err)
			}

			var sv *errors.SchemaViolationError
			if !errors.As(err, &sv) {
				t.Fatalf("expected *SchemaViolationError, got %T", err)
			}
			got := sv.Fields()
			if fmt.Sprint(got) != fmt.Sprint(tc.fields) {
				t.Errorf("expected fields %v, got %v", tc.fields, got)
			}

			if len(f.offline.Rows("user_features")) != 0 {
				t.Error("rejected record must not be written")
			}
		})
	}
}

func TestIngestUnknownGroup(t *testing.T) {
	f := newFixture(userGroup(true, true))

	_, err := f.coord.Ingest(context.Background(), registry.ByName("nope"), feature.Record{"user_id": feature.String("u1")})
	if !errors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestIngestPartialFailure(t *testing.T) {
	ctx := context.Background()
	rec := feature.Record{"user_id": feature.String("u1"), "age": feature.Int(30)}
	cause := errors.New("connection refused")

	t.Run("online fails", func(t *testing.T) {
		f := newFixture(userGroup(true, true))
		f.online.PutErr = cause

		res, err := f.coord.Ingest(ctx, registry.ByName("user_features"), rec)

		var pf *errors.PartialFailureError
		if !errors.As(err, &pf) {
			t.Fatalf("expected PartialFailureError, got %v", err)
		}
		if pf.Failed != errors.PathOnline || !errors.Is(err, cause) || !errors.Is(err, errors.ErrPartialFailure) {
			t.Errorf("unexpected partial failure %v", pf)
		}
		if res.Online != OutcomeFailed || res.Offline != OutcomeOK {
			t.Errorf("unexpected outcomes %+v", res)
		}
		if len(f.offline.Rows("user_features")) != 1 {
			t.Error("offline write must stand when online fails")
		}
	})

	t.Run("offline fails", func(t *testing.T) {
		f := newFixture(userGroup(true, true))
		f.offline.Err = cause

		res, err := f.coord.Ingest(ctx, registry.ByName("user_features"), rec)

		var pf *errors.PartialFailureError
		if !errors.As(err, &pf) || pf.Failed != errors.PathOffline {
			t.Fatalf("expected offline partial failure, got %v", err)
		}
		if res.Online != OutcomeOK {
			t.Errorf("unexpected outcomes %+v", res)
		}
		if _, found, _ := f.online.Get(ctx, "user_features", "u1"); !found {
			t.Error("online write must stand when offline fails")
		}
	})

	t.Run("both fail", func(t *testing.T) {
		f := newFixture(userGroup(true, true))
		f.online.PutErr = cause
		f.offline.Err = errors.New("disk full")

		res, err := f.coord.Ingest(ctx, registry.ByName("user_features"), rec)
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, errors.ErrPartialFailure) {
			t.Error("a double failure is not partial")
		}
		if !errors.Is(err, cause) || !errors.Is(err, f.offline.Err) {
			t.Errorf("expected both causes, got %v", err)
		}
		if res.Online != OutcomeFailed || res.Offline != OutcomeFailed {
			t.Errorf("unexpected outcomes %+v", res)
		}
	})

	t.Run("only enabled path fails", func(t *testing.T) {
		f := newFixture(userGroup(false, true))
		f.offline.Err = cause

		res, err := f.coord.Ingest(ctx, registry.ByName("user_features"), rec)
		if !errors.Is(err, cause) || errors.Is(err, errors.ErrPartialFailure) {
			t.Errorf("expected plain failure, got %v", err)
		}
		if res.Online != OutcomeSkipped || res.Offline != OutcomeFailed {
			t.Errorf("unexpected outcomes %+v", res)
		}
	})
}

func TestIngestOfflineDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(userGroup(true, false))

	res, err := f.coord.Ingest(ctx, registry.ByName("user_features"), feature.Record{"user_id": feature.String("u1")})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Offline != OutcomeSkipped || len(f.offline.Rows("user_features")) != 0 {
		t.Errorf("offline path must be skipped, got %+v", res)
	}
}

func TestIngestNoPathEnabled(t *testing.T) {
	f := newFixture(userGroup(false, false))
	f.online.PutErr = errors.New("must not be called")
	f.offline.Err = errors.New("must not be called")

	res, err := f.coord.Ingest(context.Background(), registry.ByName("user_features"), feature.Record{"user_id": feature.String("u1")})
	if err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if res.Online != OutcomeSkipped || res.Offline != OutcomeSkipped {
		t.Errorf("unexpected outcomes %+v", res)
	}
}

func TestOnlineTimeoutDoesNotStallOffline(t *testing.T) {
	g := userGroup(true, true)
	slow := &testutil.FaultyOnline{Store: online.NewMemory(online.DefaultConfig()), Delay: time.Second}
	offline := testutil.NewOffline()
	coord := New(testutil.NewGroups(g), online.WithTimeout(slow, 20*time.Millisecond), offline, Config{})

	start := time.Now()
	res, err := coord.Ingest(context.Background(), registry.ByName(g.Name), feature.Record{"user_id": feature.String("u1")})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("ingest took %v, online timeout not applied", elapsed)
	}

	if !errors.Is(err, errors.ErrTimeout) || !errors.Is(err, errors.ErrPartialFailure) {
		t.Errorf("expected partial failure caused by timeout, got %v", err)
	}
	if res.Offline != OutcomeOK || len(offline.Rows(g.Name)) != 1 {
		t.Errorf("offline path must complete, got %+v", res)
	}
}

func TestOnlineTimeoutBoundsWholeBatch(t *testing.T) {
	g := userGroup(true, true)
	// Each put fits the per-call bound; the batch as a whole does not.
	slow := &testutil.FaultyOnline{Store: online.NewMemory(online.DefaultConfig()), Delay: 30 * time.Millisecond}
	offline := testutil.NewOffline()
	coord := New(testutil.NewGroups(g), online.WithTimeout(slow, time.Second), offline, Config{OnlineTimeout: 100 * time.Millisecond})

	batch := make([]feature.Record, 20)
	for i := range batch {
		batch[i] = feature.Record{"user_id": feature.String(fmt.Sprintf("u%d", i))}
	}

	start := time.Now()
	res, err := coord.IngestBatch(context.Background(), registry.ByName(g.Name), batch)
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("batch took %v, online timeout applied per record", elapsed)
	}

	if !errors.Is(err, errors.ErrTimeout) || !errors.Is(err, errors.ErrPartialFailure) {
		t.Errorf("expected partial failure caused by timeout, got %v", err)
	}
	if res.Online != OutcomeFailed || res.Offline != OutcomeOK || len(offline.Rows(g.Name)) != len(batch) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestIngestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("all valid", func(t *testing.T) {
		f := newFixture(userGroup(true, true))
		batch := []feature.Record{
			{"user_id": feature.String("u1"), "age": feature.Int(1)},
			{"user_id": feature.String("u2"), "age": feature.Int(2)},
			{"user_id": feature.String("u1"), "age": feature.Int(3)},
		}

		res, err := f.coord.IngestBatch(ctx, registry.ByName("user_features"), batch)
		if err != nil {
			t.Fatalf("IngestBatch: %v", err)
		}
		if res.Records != 3 || len(f.offline.Rows("user_features")) != 3 {
			t.Errorf("unexpected result %+v", res)
		}
		got, _, _ := f.online.Get(ctx, "user_features", "u1")
		if got["age"].AsInt() != 3 {
			t.Errorf("expected last write to win online, got %v", got)
		}
	})

	t.Run("one violation rejects the batch", func(t *testing.T) {
		f := newFixture(userGroup(true, true))
		batch := []feature.Record{
			{"user_id": feature.String("u1"), "age": feature.Int(1)},
			{"age": feature.Int(2)},
		}

		_, err := f.coord.IngestBatch(ctx, registry.ByName("user_features"), batch)
		if !errors.Is(err, errors.ErrSchemaViolation) {
			t.Fatalf("expected ErrSchemaViolation, got %v", err)
		}
		if len(f.offline.Rows("user_features")) != 0 {
			t.Error("no record of a rejected batch may be written")
		}
		if _, found, _ := f.online.Get(ctx, "user_features", "u1"); found {
			t.Error("no record of a rejected batch may be written online")
		}
	})
}

func TestConcurrentIngest(t *testing.T) {
	f := newFixture(userGroup(true, true))
	gt := testutil.NewGoroutineTestWithTimeout(t, 10*time.Second)

	for i := 0; i < 20; i++ {
		i := i
		gt.GoWithContext(func(ctx context.Context) error {
			rec := feature.Record{"user_id": feature.String(fmt.Sprintf("u%d", i%5)), "age": feature.Int(int64(i))}
			_, err := f.coord.Ingest(ctx, registry.ByName("user_features"), rec)
			return err
		})
	}
	gt.Wait()

	if n := len(f.offline.Rows("user_features")); n != 20 {
		t.Errorf("expected 20 offline rows, got %d", n)
	}
}
