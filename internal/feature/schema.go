package feature

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DType is the declared type of a feature.
type DType string

const (
	DTypeInt       DType = "int"
	DTypeFloat     DType = "float"
	DTypeString    DType = "string"
	DTypeBool      DType = "bool"
	DTypeTimestamp DType = "timestamp"
)

// DTypes lists every supported dtype.
var DTypes = []DType{DTypeInt, DTypeFloat, DTypeString, DTypeBool, DTypeTimestamp}

var dtypeAliases = map[string]DType{
	"int":       DTypeInt,
	"int64":     DTypeInt,
	"integer":   DTypeInt,
	"float":     DTypeFloat,
	"float64":   DTypeFloat,
	"double":    DTypeFloat,
	"string":    DTypeString,
	"str":       DTypeString,
	"bool":      DTypeBool,
	"boolean":   DTypeBool,
	"timestamp": DTypeTimestamp,
	"datetime":  DTypeTimestamp,
}

// ParseDType parses a dtype name. Common aliases such as int64 and
// datetime are accepted and normalized.
func ParseDType(s string) (DType, error) {
	if d, ok := dtypeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return d, nil
	}
	return "", fmt.Errorf("unknown dtype %q", s)
}

// Compatible reports whether v may be stored in a feature of type d.
// Null is compatible with every dtype; ints are accepted for floats.
func (d DType) Compatible(v Value) bool {
	switch v.Kind() {
	case KindNull:
		return true
	case KindInt:
		return d == DTypeInt || d == DTypeFloat
	case KindFloat:
		return d == DTypeFloat
	case KindString:
		return d == DTypeString
	case KindBool:
		return d == DTypeBool
	case KindTimestamp:
		return d == DTypeTimestamp
	}
	return false
}

// Normalize converts a compatible value to the canonical variant of d.
func (d DType) Normalize(v Value) Value {
	if d == DTypeFloat && v.Kind() == KindInt {
		return Float(float64(v.AsInt()))
	}
	return v
}

// Coerce converts loosely typed input (typically decoded JSON or shell
// arguments) into the variant expected by d. Values that are already
// compatible are returned normalized.
func (d DType) Coerce(v Value) (Value, error) {
	if d.Compatible(v) {
		return d.Normalize(v), nil
	}
	if v.Kind() == KindString {
		s := v.AsString()
		switch d {
		case DTypeTimestamp:
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return v, fmt.Errorf("parse timestamp %q: %w", s, err)
			}
			return CheckedTimestamp(t)
		case DTypeInt, DTypeFloat:
			n, err := fromNumber(s)
			if err != nil {
				return v, err
			}
			if !d.Compatible(n) {
				return v, fmt.Errorf("%q is not a valid %s", s, d)
			}
			return d.Normalize(n), nil
		case DTypeBool:
			switch strings.ToLower(s) {
			case "true":
				return Bool(true), nil
			case "false":
				return Bool(false), nil
			}
		}
	}
	return v, fmt.Errorf("%s value is not a valid %s", v.Kind(), d)
}

// Feature is a declared, typed attribute within a group.
type Feature struct {
	ID             int64           `json:"id"`
	GroupID        int64           `json:"group_id"`
	Name           string          `json:"name"`
	DType          DType           `json:"dtype"`
	Transformation json.RawMessage `json:"transformation,omitempty"`
	Description    string          `json:"description,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Group is a schema snapshot of a feature group and its features.
type Group struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	EntityColumns  []string  `json:"entity_columns"`
	OnlineEnabled  bool      `json:"online_enabled"`
	OfflineEnabled bool      `json:"offline_enabled"`
	CreatedAt      time.Time `json:"created_at"`
	Features       []Feature `json:"features"`
}

// EntityKey returns the canonical entity key column.
func (g *Group) EntityKey() string {
	if len(g.EntityColumns) == 0 {
		return ""
	}
	return g.EntityColumns[0]
}

// IsEntityColumn reports whether name is one of the group's entity columns.
func (g *Group) IsEntityColumn(name string) bool {
	for _, c := range g.EntityColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Feature returns the named feature.
func (g *Group) Feature(name string) (Feature, bool) {
	for _, f := range g.Features {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// FeatureNames returns feature names in declaration order.
func (g *Group) FeatureNames() []string {
	names := make([]string, len(g.Features))
	for i, f := range g.Features {
		names[i] = f.Name
	}
	return names
}

// Clone returns a deep copy of g.
func (g *Group) Clone() *Group {
	c := *g
	c.EntityColumns = append([]string(nil), g.EntityColumns...)
	c.Features = make([]Feature, len(g.Features))
	for i, f := range g.Features {
		f.Transformation = append(json.RawMessage(nil), f.Transformation...)
		c.Features[i] = f
	}
	return &c
}

// Record maps column names to values for one entity.
type Record map[string]Value

// Clone returns a shallow copy of r. Values are immutable.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Names returns the record's column names sorted.
func (r Record) Names() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether r and o hold the same columns and values.
func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

