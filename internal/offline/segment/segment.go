// Package segment reads and writes the immutable parquet files holding a
// feature group's offline history.
//
// A group's features change over time, so rows use a fixed physical schema
// with the record's columns nested as a list of typed cells. Each cell sets
// exactly one of its value fields; a cell with none set is null. The file
// name carries the range of append sequence numbers it holds:
//
//	{minSeq:020d}-{maxSeq:020d}.parquet
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/featurestore/internal/constants"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/wire"
)

// Row is the physical parquet row.
type Row struct {
	EntityKey    string `parquet:"entity_key"`
	Seq          int64  `parquet:"seq"`
	IngestedAtNs int64  `parquet:"ingested_at_ns"`
	Columns      []Cell `parquet:"columns,list"`
}

// Cell is one named value of a row.
type Cell struct {
	Name  string   `parquet:"name"`
	Int   *int64   `parquet:"i,optional"`
	Float *float64 `parquet:"f,optional"`
	Str   *string  `parquet:"s,optional"`
	Bool  *bool    `parquet:"b,optional"`
	Time  *int64   `parquet:"t,optional"`
}

// Options configures the parquet writer.
type Options struct {
	// Compression algorithm.
	Compression CompressionType

	// RowGroupSize is the target number of rows per row group.
	RowGroupSize int64
}

// CompressionType represents a parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case constants.CompressionSnappy:
		return CompressionSnappy
	case constants.CompressionZstd:
		return CompressionZstd
	case constants.CompressionLZ4:
		return CompressionLZ4
	case constants.CompressionGzip:
		return CompressionGzip
	case constants.CompressionNone, "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// FromWire converts an appended row to its physical form. entityKey is the
// rendered canonical entity key.
func FromWire(entityKey string, r wire.Row) Row {
	names := r.Record.Names()
	cells := make([]Cell, len(names))
	for i, name := range names {
		cells[i] = cellOf(name, r.Record[name])
	}
	return Row{
		EntityKey:    entityKey,
		Seq:          r.Seq,
		IngestedAtNs: r.IngestedAtNs,
		Columns:      cells,
	}
}

// cellOf returns the cell holding v under name.
func cellOf(name string, v feature.Value) Cell {
	c := Cell{Name: name}
	switch v.Kind() {
	case feature.KindInt:
		x := v.AsInt()
		c.Int = &x
	case feature.KindFloat:
		x := v.AsFloat()
		c.Float = &x
	case feature.KindString:
		x := v.AsString()
		c.Str = &x
	case feature.KindBool:
		x := v.AsBool()
		c.Bool = &x
	case feature.KindTimestamp:
		x := v.UnixNanos()
		c.Time = &x
	}
	return c
}

// Value returns the cell's value.
func (c *Cell) Value() feature.Value {
	switch {
	case c.Int != nil:
		return feature.Int(*c.Int)
	case c.Float != nil:
		return feature.Float(*c.Float)
	case c.Str != nil:
		return feature.String(*c.Str)
	case c.Bool != nil:
		return feature.Bool(*c.Bool)
	case c.Time != nil:
		return feature.TimestampNanos(*c.Time)
	default:
		return feature.Null()
	}
}

// Record returns the row's columns as a record.
func (r *Row) Record() feature.Record {
	rec := make(feature.Record, len(r.Columns))
	for i := range r.Columns {
		rec[r.Columns[i].Name] = r.Columns[i].Value()
	}
	return rec
}

// =============================================================================
// File naming
// =============================================================================

const (
	fileExt = ".parquet"
	tmpExt  = ".tmp"
)

// FileName returns the file name of a segment covering [minSeq, maxSeq].
func FileName(minSeq, maxSeq int64) string {
	return fmt.Sprintf("%020d-%020d%s", minSeq, maxSeq, fileExt)
}

// ParseFileName parses a segment file name.
func ParseFileName(name string) (minSeq, maxSeq int64, ok bool) {
	if !strings.HasSuffix(name, fileExt) {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(name, "%020d-%020d.parquet", &minSeq, &maxSeq); err != nil {
		return 0, 0, false
	}
	if len(name) != 41+len(fileExt) || minSeq > maxSeq {
		return 0, 0, false
	}
	return minSeq, maxSeq, true
}

// FileInfo describes a segment file found on disk.
type FileInfo struct {
	Path   string
	MinSeq int64
	MaxSeq int64
	Size   int64
}

// List returns the segment files in dir ordered by MinSeq. Leftover
// temporary files from interrupted writes are removed.
func List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		if strings.HasSuffix(name, tmpExt) {
			os.Remove(filepath.Join(dir, name))
			continue
		}

		minSeq, maxSeq, ok := ParseFileName(name)
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, FileInfo{
			Path:   filepath.Join(dir, name),
			MinSeq: minSeq,
			MaxSeq: maxSeq,
			Size:   info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].MinSeq != files[j].MinSeq {
			return files[i].MinSeq < files[j].MinSeq
		}
		return files[i].MaxSeq > files[j].MaxSeq
	})

	return files, nil
}
