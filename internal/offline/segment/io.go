package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// Write writes rows to dir as a segment covering their sequence range and
// returns its path. The file is written under a temporary name and renamed
// into place, so a segment is either complete or absent.
func Write(dir string, rows []Row, opts Options) (string, error) {
	if len(rows) == 0 {
		return "", fmt.Errorf("empty segment")
	}

	minSeq, maxSeq := rows[0].Seq, rows[0].Seq
	for i := range rows {
		if rows[i].Seq < minSeq {
			minSeq = rows[i].Seq
		}
		if rows[i].Seq > maxSeq {
			maxSeq = rows[i].Seq
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	path := filepath.Join(dir, FileName(minSeq, maxSeq))
	tmp := path + tmpExt

	if err := writeFile(tmp, rows, opts); err != nil {
		os.Remove(tmp)
		return "", err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("install segment: %w", err)
	}

	return path, nil
}

func writeFile(path string, rows []Row, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(opts.RowGroupSize))
	}

	writer := parquet.NewGenericWriter[Row](f, writerOpts...)

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}

	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync file: %w", err)
	}

	return f.Close()
}

// Reader reads rows from a segment file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[Row]
	path   string
}

// NewReader opens a segment file.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[Row](f)

	return &Reader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to len(rows) rows. It returns io.EOF once the file is
// exhausted; n may be positive together with io.EOF.
func (r *Reader) Read(rows []Row) (int, error) {
	return r.reader.Read(rows)
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// Scan reads a segment in batches and calls fn for every row in file order.
// Returning false from fn stops the scan.
func Scan(path string, fn func(row *Row) bool) error {
	r, err := NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	buf := make([]Row, 1024)
	for {
		// The reader reuses nested slices and pointers of non-zero rows.
		clear(buf)
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			if !fn(&buf[i]) {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", path, err)
		}
		if n == 0 {
			return nil
		}
	}
}

// ReadAll reads every row of a segment.
func ReadAll(path string) ([]Row, error) {
	var rows []Row
	err := Scan(path, func(row *Row) bool {
		rows = append(rows, *row)
		return true
	})
	return rows, err
}
