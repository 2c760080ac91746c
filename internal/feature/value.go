// Package feature defines the value model shared by every feature store
// component: typed values, records, group schemas and result tables.
package feature

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindTimestamp
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged union over the supported feature value types.
// The zero Value is null.
type Value struct {
	kind Kind
	i    int64 // int, timestamp (unix nanoseconds)
	f    float64
	s    string
	b    bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// Int returns an int value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a float value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// String returns a string value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bool returns a bool value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Timestamp returns a timestamp value with nanosecond precision in UTC.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, i: t.UnixNano()} }

// Instants unix nanoseconds can represent, roughly years 1678 to 2262.
var (
	minTimestamp = time.Unix(0, math.MinInt64)
	maxTimestamp = time.Unix(0, math.MaxInt64)
)

// CheckedTimestamp is Timestamp for untrusted input: it rejects instants
// outside the representable range instead of wrapping around.
func CheckedTimestamp(t time.Time) (Value, error) {
	if t.Before(minTimestamp) || t.After(maxTimestamp) {
		return Null(), fmt.Errorf("timestamp %s is outside the range %s to %s",
			t.UTC().Format(time.RFC3339), minTimestamp.UTC().Format(time.RFC3339), maxTimestamp.UTC().Format(time.RFC3339))
	}
	return Timestamp(t), nil
}

// TimestampNanos returns a timestamp value from unix nanoseconds.
func TimestampNanos(ns int64) Value { return Value{kind: KindTimestamp, i: ns} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInt returns the int payload.
func (v Value) AsInt() int64 { return v.i }

// AsFloat returns the float payload. Int values are widened.
func (v Value) AsFloat() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// AsString returns the string payload.
func (v Value) AsString() string { return v.s }

// AsBool returns the bool payload.
func (v Value) AsBool() bool { return v.b }

// AsTime returns the timestamp payload in UTC.
func (v Value) AsTime() time.Time { return time.Unix(0, v.i).UTC() }

// UnixNanos returns the timestamp payload as unix nanoseconds.
func (v Value) UnixNanos() int64 { return v.i }

// IsNumeric reports whether v is an int or a float.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// Equal reports whether v and o hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInt, KindTimestamp:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	}
	return false
}

// Any returns v as a plain Go value: nil, int64, float64, string, bool or time.Time.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindTimestamp:
		return v.AsTime()
	default:
		return nil
	}
}

// String renders v for display.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTimestamp:
		return v.AsTime().Format(time.RFC3339Nano)
	default:
		return "null"
	}
}

// FromAny converts a plain Go value into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		if t > math.MaxInt64 {
			return Null(), fmt.Errorf("uint64 %d overflows int", t)
		}
		return Int(int64(t)), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case time.Time:
		return CheckedTimestamp(t)
	case json.Number:
		return fromNumber(string(t))
	default:
		return Null(), fmt.Errorf("unsupported value type %T", x)
	}
}

func fromNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Null(), fmt.Errorf("invalid number %q", s)
	}
	return Float(f), nil
}

// MarshalJSON encodes v as a JSON scalar. Timestamps are RFC 3339 strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("cannot encode %v as JSON", v.f)
		}
		return json.Marshal(v.f)
	case KindTimestamp:
		return json.Marshal(v.AsTime().Format(time.RFC3339Nano))
	default:
		return json.Marshal(v.Any())
	}
}

// UnmarshalJSON decodes a JSON scalar. Numbers without a fraction or
// exponent become ints; strings stay strings (see Coerce for timestamps).
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	switch x.(type) {
	case map[string]any, []any:
		return fmt.Errorf("feature values must be scalars")
	}

	parsed, err := FromAny(x)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
