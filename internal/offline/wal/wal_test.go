package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/wire"
)

func testRows(group string, from, n int64) []wire.Row {
	rows := make([]wire.Row, n)
	for i := int64(0); i < n; i++ {
		rows[i] = wire.Row{
			Group:        group,
			Seq:          from + i,
			IngestedAtNs: time.Now().UnixNano(),
			Record: feature.Record{
				"user_id": feature.String("u1"),
				"age":     feature.Int(30 + from + i),
			},
		}
	}
	return rows
}

func TestEncodeDecode(t *testing.T) {
	rows := testRows("user_features", 1, 3)

	decoded, err := decodeRows(encodeRows(rows))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(rows) {
		t.Fatalf("expected %d rows, got %d", len(rows), len(decoded))
	}

	for i, r := range rows {
		d := decoded[i]
		if d.Group != r.Group || d.Seq != r.Seq || d.IngestedAtNs != r.IngestedAtNs {
			t.Errorf("row %d: header mismatch", i)
		}
		if !d.Record.Equal(r.Record) {
			t.Errorf("row %d: record mismatch", i)
		}
	}
}

func TestWriterReader(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, Options{SyncMode: "sync"})
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}

	if err := w.Write(testRows("g1", 1, 2)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(testRows("g2", 1, 1)); err != nil {
		t.Fatalf("write: %v", err)
	}

	stats := w.Stats()
	if stats.RecordsWritten != 2 || stats.RowsWritten != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}

	path := w.CurrentSegment()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rows, rs, err := ReadSegment(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 3 || rs.RecordsRead != 2 {
		t.Errorf("expected 3 rows in 2 records, got %d in %d", len(rows), rs.RecordsRead)
	}
	if rows[2].Group != "g2" {
		t.Errorf("unexpected order: %+v", rows[2])
	}
}

func TestTornTail(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, Options{SyncMode: "sync"})
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	w.Write(testRows("g", 1, 2))
	w.Write(testRows("g", 3, 2))
	path := w.CurrentSegment()
	w.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	// Cut the last record in half.
	if err := os.Truncate(path, info.Size()-10); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	rows, _, err := ReadSegment(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected the intact first record only, got %d rows", len(rows))
	}
}

func TestRotateAndDelete(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, Options{SyncMode: "sync"})
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	defer w.Close()

	w.Write(testRows("g", 1, 1))
	boundary, err := w.Rotate()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	w.Write(testRows("g", 2, 1))

	segments, _ := ListSegments(dir)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}

	deleted, err := w.DeleteSegmentsBefore(boundary)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted segment, got %d", deleted)
	}

	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var replayed []wire.Row
	stats, err := Replay(dir, func(rows []wire.Row) error {
		replayed = append(replayed, rows...)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 1 || replayed[0].Seq != 2 {
		t.Errorf("expected only the post-rotation row, got %+v", replayed)
	}
	if stats.Segments != 1 {
		t.Errorf("unexpected replay stats %+v", stats)
	}
}

func TestSizeRotation(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, Options{SyncMode: "sync", MaxSegmentSize: 256})
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	defer w.Close()

	for i := int64(0); i < 10; i++ {
		if err := w.Write(testRows("g", i*3, 3)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	segments, _ := ListSegments(dir)
	if len(segments) < 2 {
		t.Errorf("expected size-based rotation, got %d segments", len(segments))
	}
}

func TestNewWriterContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	w, _ := NewWriter(dir, Options{SyncMode: "sync"})
	first := w.CurrentSegment()
	w.Close()

	w, err := NewWriter(dir, Options{SyncMode: "async", SyncInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w.Close()

	if w.CurrentSegment() == first {
		t.Error("reopened writer must not reuse an existing segment")
	}
	if filepath.Dir(w.CurrentSegment()) != dir {
		t.Errorf("unexpected segment dir %s", w.CurrentSegment())
	}

	// Async mode flushes in the background.
	w.Write(testRows("g", 1, 1))
	time.Sleep(50 * time.Millisecond)

	rows, _, err := ReadSegment(w.CurrentSegment())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected background sync to flush the record, got %d rows", len(rows))
	}
}
