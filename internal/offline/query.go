package offline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/validation"
)

// SeqColumn exposes the append sequence number in analytics queries.
const SeqColumn = "_seq"

// Query runs an ad-hoc SQL query over the flushed segments of g. The query
// sees them as a table named segments with one column per entity column
// and feature plus ingestion_timestamp and _seq. Rows still in memtables
// are not visible until the next flush.
func (s *Store) Query(ctx context.Context, g *feature.Group, query string) (*feature.Table, error) {
	if s.closed.Load() {
		return nil, errors.ErrClosed
	}
	if strings.TrimSpace(query) == "" {
		return nil, errors.NewInvalidSchema("empty query")
	}

	db, err := s.duckDB()
	if err != nil {
		return nil, err
	}

	var snap *snapshot
	if gs := s.lookup(g.Name); gs != nil {
		snap = gs.snapshot()
		defer snap.release()
	}

	var paths []string
	if snap != nil {
		for _, f := range snap.segments {
			paths = append(paths, f.Path)
		}
	}

	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	rows, err := db.QueryContext(ctx, segmentsCTE(g, paths)+" "+query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(errors.ErrTimeout, "query: %v", err)
		}
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	return scanTable(rows)
}

// duckDB opens the in-memory analytics database on first use. A failed
// open is retried by the next query.
func (s *Store) duckDB() (*sql.DB, error) {
	err := s.duckOnce.Do(func() error {
		db, err := sql.Open("duckdb", "")
		if err != nil {
			return errors.NewStoreUnavailable("open duckdb", err)
		}
		if s.cfg.QueryMemoryLimit != "" {
			stmt := "SET memory_limit=" + validation.QuoteLiteral(s.cfg.QueryMemoryLimit)
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return errors.NewStoreUnavailable("set memory limit", err)
			}
		}
		s.duck = db
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.duck, nil
}

// segmentsCTE flattens the nested cell list of the given segment files
// into the segments table. Without files the table is empty but keeps its
// columns.
func segmentsCTE(g *feature.Group, paths []string) string {
	type column struct {
		name  string
		dtype feature.DType
	}

	var columns []column
	for _, name := range g.EntityColumns {
		columns = append(columns, column{name: name})
	}
	for _, f := range g.Features {
		columns = append(columns, column{name: f.Name, dtype: f.DType})
	}

	var cells, fields []string
	for i, c := range columns {
		alias := fmt.Sprintf("c%d", i)
		cells = append(cells, fmt.Sprintf(
			"list_extract(list_filter(\"columns\", x -> x.name = %s), 1) AS %s",
			validation.QuoteLiteral(c.name), alias))
		fields = append(fields, cellExpr(alias, c.dtype)+" AS "+validation.QuoteIdentifier(c.name))
	}

	var source string
	if len(paths) == 0 {
		source = "(SELECT NULL::VARCHAR AS entity_key, NULL::BIGINT AS seq, NULL::BIGINT AS ingested_at_ns, " +
			"NULL::STRUCT(name VARCHAR, i BIGINT, f DOUBLE, s VARCHAR, b BOOLEAN, t BIGINT)[] AS \"columns\" WHERE false)"
	} else {
		quoted := make([]string, len(paths))
		for i, p := range paths {
			quoted[i] = validation.QuoteLiteral(p)
		}
		source = "read_parquet([" + strings.Join(quoted, ", ") + "])"
	}

	selectCells := "seq, ingested_at_ns"
	if len(cells) > 0 {
		selectCells += ", " + strings.Join(cells, ", ")
	}

	selectFields := strings.Join(fields, ", ")
	if selectFields != "" {
		selectFields += ", "
	}

	return "WITH cells AS (SELECT " + selectCells + " FROM " + source + "), " +
		"segments AS (SELECT " + selectFields +
		"make_timestamp(ingested_at_ns // 1000) AS " + feature.IngestionTimestampColumn + ", " +
		"seq AS " + SeqColumn + " FROM cells)"
}

// cellExpr extracts the typed value of a cell. Entity columns have no
// declared type and are rendered as text.
func cellExpr(alias string, dtype feature.DType) string {
	switch dtype {
	case feature.DTypeInt:
		return alias + ".i"
	case feature.DTypeFloat:
		return "coalesce(" + alias + ".f, CAST(" + alias + ".i AS DOUBLE))"
	case feature.DTypeString:
		return alias + ".s"
	case feature.DTypeBool:
		return alias + ".b"
	case feature.DTypeTimestamp:
		return "make_timestamp(" + alias + ".t // 1000)"
	default:
		return "coalesce(" + alias + ".s, CAST(" + alias + ".i AS VARCHAR), CAST(" + alias + ".f AS VARCHAR), " +
			"CAST(" + alias + ".b AS VARCHAR))"
	}
}

// scanTable reads a result set into a table.
func scanTable(rows *sql.Rows) (*feature.Table, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	table := &feature.Table{Columns: columns}

	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make([]feature.Value, len(columns))
		for i, v := range values {
			fv, err := feature.FromAny(v)
			if err != nil {
				fv = feature.String(fmt.Sprint(v))
			}
			row[i] = fv
		}
		table.Rows = append(table.Rows, row)
	}

	return table, rows.Err()
}
