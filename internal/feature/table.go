package feature

import "fmt"

// IngestionTimestampColumn is the column holding each offline row's
// ingestion instant.
const IngestionTimestampColumn = "ingestion_timestamp"

// Mode selects how offline history is reduced per entity.
type Mode string

const (
	// ModeAll returns every row in append order.
	ModeAll Mode = "all"

	// ModeLatest returns one row per entity: the greatest ingestion
	// timestamp, ties broken by the greatest append sequence.
	ModeLatest Mode = "latest"
)

// ParseMode parses a retrieval mode. Empty means ModeAll.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAll:
		return ModeAll, nil
	case ModeLatest:
		return ModeLatest, nil
	}
	return "", fmt.Errorf("unknown mode %q (expected all or latest)", s)
}

// Table is a columnar result of an offline read.
type Table struct {
	Columns []string  `json:"columns"`
	Rows    [][]Value `json:"rows"`
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns all values of the named column, or nil if absent.
func (t *Table) Column(name string) []Value {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil
	}
	out := make([]Value, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out
}

// Records returns the rows as records keyed by column name.
func (t *Table) Records() []Record {
	out := make([]Record, len(t.Rows))
	for i, row := range t.Rows {
		r := make(Record, len(t.Columns))
		for j, c := range t.Columns {
			r[c] = row[j]
		}
		out[i] = r
	}
	return out
}
