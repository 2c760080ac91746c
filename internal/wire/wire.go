// Package wire provides the protobuf wire encoding of feature records.
//
// Records are serialized as a protobuf message without generated code:
//
//	message Record { repeated Column columns = 1; }
//	message Column { string name = 1; Value value = 2; }
//	message Value  { oneof kind {
//	    sint64 int = 1; double float = 2; string str = 3;
//	    bool bool = 4; sint64 timestamp_ns = 5; } }
//
// A Column without a value is null. Columns are written in name order so
// equal records encode to equal bytes. The same encoding is used for
// online entries and write-ahead log payloads.
package wire

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
)

const (
	fieldRecordColumns protowire.Number = 1

	fieldColumnName  protowire.Number = 1
	fieldColumnValue protowire.Number = 2

	fieldValueInt       protowire.Number = 1
	fieldValueFloat     protowire.Number = 2
	fieldValueString    protowire.Number = 3
	fieldValueBool      protowire.Number = 4
	fieldValueTimestamp protowire.Number = 5

	fieldRowGroup      protowire.Number = 1
	fieldRowSeq        protowire.Number = 2
	fieldRowIngestedAt protowire.Number = 3
	fieldRowRecord     protowire.Number = 4
	fieldRowEntity     protowire.Number = 5
)

// MarshalRecord encodes r.
func MarshalRecord(r feature.Record) []byte {
	return AppendRecord(nil, r)
}

// AppendRecord appends the encoding of r to b.
func AppendRecord(b []byte, r feature.Record) []byte {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)

	var col []byte
	for _, name := range names {
		col = col[:0]
		col = protowire.AppendTag(col, fieldColumnName, protowire.BytesType)
		col = protowire.AppendString(col, name)
		if v := r[name]; !v.IsNull() {
			col = protowire.AppendTag(col, fieldColumnValue, protowire.BytesType)
			col = protowire.AppendBytes(col, appendValue(nil, v))
		}

		b = protowire.AppendTag(b, fieldRecordColumns, protowire.BytesType)
		b = protowire.AppendBytes(b, col)
	}
	return b
}

func appendValue(b []byte, v feature.Value) []byte {
	switch v.Kind() {
	case feature.KindInt:
		b = protowire.AppendTag(b, fieldValueInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.AsInt()))
	case feature.KindFloat:
		b = protowire.AppendTag(b, fieldValueFloat, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.AsFloat()))
	case feature.KindString:
		b = protowire.AppendTag(b, fieldValueString, protowire.BytesType)
		b = protowire.AppendString(b, v.AsString())
	case feature.KindBool:
		b = protowire.AppendTag(b, fieldValueBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v.AsBool()))
	case feature.KindTimestamp:
		b = protowire.AppendTag(b, fieldValueTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.UnixNanos()))
	}
	return b
}

// UnmarshalRecord decodes a record produced by MarshalRecord.
// Unknown fields are skipped.
func UnmarshalRecord(b []byte) (feature.Record, error) {
	r := make(feature.Record)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, corrupt("record tag", n)
		}
		b = b[n:]

		if num != fieldRecordColumns || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, corrupt("record field", n)
			}
			b = b[n:]
			continue
		}

		col, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, corrupt("column", n)
		}
		b = b[n:]

		name, v, err := unmarshalColumn(col)
		if err != nil {
			return nil, err
		}
		r[name] = v
	}
	return r, nil
}

func unmarshalColumn(b []byte) (string, feature.Value, error) {
	var (
		name string
		v    feature.Value
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", v, corrupt("column tag", n)
		}
		b = b[n:]

		switch {
		case num == fieldColumnName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", v, corrupt("column name", n)
			}
			name = s
			b = b[n:]
		case num == fieldColumnValue && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", v, corrupt("column value", n)
			}
			parsed, err := unmarshalValue(raw)
			if err != nil {
				return "", v, err
			}
			v = parsed
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", v, corrupt("column field", n)
			}
			b = b[n:]
		}
	}
	if name == "" {
		return "", v, fmt.Errorf("%w: column without name", errors.ErrCorrupt)
	}
	return name, v, nil
}

func unmarshalValue(b []byte) (feature.Value, error) {
	v := feature.Null()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return v, corrupt("value tag", n)
		}
		b = b[n:]

		switch {
		case num == fieldValueInt && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return v, corrupt("int value", n)
			}
			v = feature.Int(protowire.DecodeZigZag(x))
			b = b[n:]
		case num == fieldValueFloat && typ == protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return v, corrupt("float value", n)
			}
			v = feature.Float(math.Float64frombits(x))
			b = b[n:]
		case num == fieldValueString && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return v, corrupt("string value", n)
			}
			v = feature.String(s)
			b = b[n:]
		case num == fieldValueBool && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return v, corrupt("bool value", n)
			}
			v = feature.Bool(protowire.DecodeBool(x))
			b = b[n:]
		case num == fieldValueTimestamp && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return v, corrupt("timestamp value", n)
			}
			v = feature.TimestampNanos(protowire.DecodeZigZag(x))
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return v, corrupt("value field", n)
			}
			b = b[n:]
		}
	}
	return v, nil
}

// Row is an offline row as carried by the write-ahead log.
type Row struct {
	Group        string
	EntityKey    string
	Seq          int64
	IngestedAtNs int64
	Record       feature.Record
}

// MarshalRow encodes row.
func MarshalRow(row Row) []byte {
	b := protowire.AppendTag(nil, fieldRowGroup, protowire.BytesType)
	b = protowire.AppendString(b, row.Group)
	b = protowire.AppendTag(b, fieldRowSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(row.Seq))
	b = protowire.AppendTag(b, fieldRowIngestedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(row.IngestedAtNs))
	b = protowire.AppendTag(b, fieldRowRecord, protowire.BytesType)
	b = protowire.AppendBytes(b, MarshalRecord(row.Record))
	if row.EntityKey != "" {
		b = protowire.AppendTag(b, fieldRowEntity, protowire.BytesType)
		b = protowire.AppendString(b, row.EntityKey)
	}
	return b
}

// UnmarshalRow decodes a row produced by MarshalRow.
func UnmarshalRow(b []byte) (Row, error) {
	var row Row
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return row, corrupt("row tag", n)
		}
		b = b[n:]

		switch {
		case num == fieldRowGroup && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return row, corrupt("row group", n)
			}
			row.Group = s
			b = b[n:]
		case num == fieldRowSeq && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return row, corrupt("row seq", n)
			}
			row.Seq = int64(x)
			b = b[n:]
		case num == fieldRowIngestedAt && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return row, corrupt("row timestamp", n)
			}
			row.IngestedAtNs = protowire.DecodeZigZag(x)
			b = b[n:]
		case num == fieldRowRecord && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return row, corrupt("row record", n)
			}
			rec, err := UnmarshalRecord(raw)
			if err != nil {
				return row, err
			}
			row.Record = rec
			b = b[n:]
		case num == fieldRowEntity && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return row, corrupt("row entity", n)
			}
			row.EntityKey = s
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return row, corrupt("row field", n)
			}
			b = b[n:]
		}
	}
	if row.Group == "" {
		return row, fmt.Errorf("%w: row without group", errors.ErrCorrupt)
	}
	if row.Record == nil {
		row.Record = feature.Record{}
	}
	return row, nil
}

func corrupt(what string, n int) error {
	return fmt.Errorf("%w: %s: %v", errors.ErrCorrupt, what, protowire.ParseError(n))
}
