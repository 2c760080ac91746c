package wal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/featurestore/internal/wire"
)

// Record payload format: a protobuf message with one repeated bytes field
// (number 1), each element a wire-encoded row.
const fieldBatchRow protowire.Number = 1

// encodeRows encodes a batch of rows into one record payload.
func encodeRows(rows []wire.Row) []byte {
	buf := make([]byte, 0, len(rows)*64)
	for _, row := range rows {
		buf = protowire.AppendTag(buf, fieldBatchRow, protowire.BytesType)
		buf = protowire.AppendBytes(buf, wire.MarshalRow(row))
	}
	return buf
}

// decodeRows decodes a record payload.
func decodeRows(data []byte) ([]wire.Row, error) {
	var rows []wire.Row
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("batch tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num != fieldBatchRow || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("batch field: %w", protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("batch row: %w", protowire.ParseError(n))
		}
		data = data[n:]

		row, err := wire.UnmarshalRow(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(rows), err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
