// Package wal implements the write-ahead log of the offline store.
//
// Every offline append is recorded here before it becomes visible in a
// memtable, so rows acknowledged to callers survive a crash between
// memtable flushes. Segments are deleted once every row they hold has been
// written to a parquet segment.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/featurestore/config"
	"github.com/xtxerr/featurestore/internal/constants"
	"github.com/xtxerr/featurestore/internal/wire"
)

// Writer implements a write-ahead log for offline rows.
// Each segment file contains a sequence of records with CRC checksums.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
type Writer struct {
	mu sync.Mutex

	dir            string
	currentSegment *os.File
	currentPath    string
	currentSeq     int64
	currentSize    int64
	nextSeq        int64

	writer *bufio.Writer

	opts Options

	stopSync chan struct{}
	syncDone chan struct{}
	closed   bool

	// Statistics
	stats WriterStats
}

// Options configures the WAL writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	MaxSegmentSize int64

	// SyncMode controls how writes are synced to disk.
	// "async" - buffered, flushed on interval
	// "sync" - flush after each write
	// "fsync" - flush and fsync after each write
	SyncMode string

	// SyncInterval is the interval for async sync mode.
	SyncInterval time.Duration

	// BufferSize is the size of the write buffer.
	BufferSize int
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: config.DefaultWALMaxSegmentSize,
		SyncMode:       config.DefaultWALSyncMode,
		SyncInterval:   time.Second,
		BufferSize:     64 * 1024,
	}
}

// WriterStats holds WAL writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	SegmentsDeleted int64
	RecordsWritten  int64
	RowsWritten     int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

const (
	walMagic         = 0x4653544F52450001 // "FSTORE" + version 1
	walVersion       = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	maxRecordSize    = 256 * 1024 * 1024
)

// NewWriter creates a WAL writer that starts a fresh segment after any
// existing ones. Existing segments are left for the caller to replay.
func NewWriter(dir string, opts Options) (*Writer, error) {
	defaults := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = defaults.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = defaults.SyncMode
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaults.SyncInterval
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &Writer{
		dir:  dir,
		opts: opts,
	}

	segments, err := ListSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.nextSeq = segments[len(segments)-1].Seq + 1
	}

	if err := w.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	if opts.SyncMode == constants.SyncModeAsync {
		w.stopSync = make(chan struct{})
		w.syncDone = make(chan struct{})
		go w.syncLoop()
	}

	return w, nil
}

// Write appends a batch of rows as one record.
func (w *Writer) Write(rows []wire.Row) error {
	if len(rows) == 0 {
		return nil
	}

	payload := encodeRows(rows)
	if len(payload) > maxRecordSize {
		return fmt.Errorf("record too large: %d bytes", len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("wal writer is closed")
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.currentSize > headerSize && w.currentSize+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotateUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	w.stats.RecordsWritten++
	w.stats.RowsWritten += int64(len(rows))
	w.stats.BytesWritten += recordSize

	if w.opts.SyncMode == constants.SyncModeSync || w.opts.SyncMode == constants.SyncModeFsync {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

// writeRecord writes a single record to the current segment.
func (w *Writer) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered data to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncUnlocked()
}

func (w *Writer) syncUnlocked() error {
	if w.writer == nil {
		return nil
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}

	if w.opts.SyncMode == constants.SyncModeFsync {
		if err := w.currentSegment.Sync(); err != nil {
			return err
		}
	}

	w.stats.SyncsPerformed++
	return nil
}

func (w *Writer) syncLoop() {
	defer close(w.syncDone)

	ticker := time.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopSync:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				if err := w.syncUnlocked(); err != nil {
					w.stats.Errors++
				}
			}
			w.mu.Unlock()
		}
	}
}

// Rotate closes the current segment and starts a new one. It returns the
// sequence number of the new segment: every record written before Rotate
// lives in a segment with a lower sequence number.
func (w *Writer) Rotate() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("wal writer is closed")
	}
	if err := w.rotateUnlocked(); err != nil {
		return 0, err
	}
	return w.currentSeq, nil
}

func (w *Writer) rotateUnlocked() error {
	if w.currentSegment != nil {
		if w.writer != nil {
			if err := w.writer.Flush(); err != nil {
				return fmt.Errorf("flush segment: %w", err)
			}
		}
		if err := w.currentSegment.Close(); err != nil {
			return fmt.Errorf("close segment: %w", err)
		}
	}

	segmentPath := filepath.Join(w.dir, segmentName(w.nextSeq))

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", segmentPath, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("write header: %w", err)
	}

	w.currentSegment = f
	w.currentPath = segmentPath
	w.currentSeq = w.nextSeq
	w.currentSize = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.nextSeq++
	w.stats.SegmentsCreated++

	return nil
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.stopSync != nil {
		close(w.stopSync)
		<-w.syncDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var flushErr error
	if w.writer != nil {
		flushErr = w.writer.Flush()
	}
	if w.opts.SyncMode == constants.SyncModeFsync && flushErr == nil {
		flushErr = w.currentSegment.Sync()
	}
	if err := w.currentSegment.Close(); err != nil {
		return err
	}
	return flushErr
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the current segment path.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}

// Dir returns the WAL directory.
func (w *Writer) Dir() string {
	return w.dir
}

// DeleteSegmentsBefore deletes all segments with a sequence number lower
// than seq. The current segment is never deleted.
func (w *Writer) DeleteSegmentsBefore(seq int64) (int, error) {
	segments, err := ListSegments(w.dir)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	deleted := 0
	for _, s := range segments {
		if s.Seq >= seq || s.Path == w.currentPath {
			break
		}
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			w.stats.Errors++
			return deleted, fmt.Errorf("delete segment %s: %w", s.Path, err)
		}
		deleted++
		w.stats.SegmentsDeleted++
	}

	return deleted, nil
}

// SegmentInfo describes a segment file.
type SegmentInfo struct {
	Path string
	Seq  int64
	Size int64
}

func segmentName(seq int64) string {
	return fmt.Sprintf("%016d.wal", seq)
}

// ListSegments returns all segment files in dir in sequence order.
func ListSegments(dir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []SegmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".wal" {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.wal", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, SegmentInfo{
			Path: filepath.Join(dir, name),
			Seq:  seq,
			Size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Seq < segments[j].Seq
	})

	return segments, nil
}
