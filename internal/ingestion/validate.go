package ingestion

import (
	"fmt"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/validation"
)

// validateRecord checks rec against g and returns it with feature values
// normalized to their declared dtype. Every offending field is reported in
// one *errors.SchemaViolationError.
func validateRecord(g *feature.Group, rec feature.Record) (feature.Record, error) {
	violations := &errors.SchemaViolationError{Group: g.Name}
	out := make(feature.Record, len(rec))

	key := g.EntityKey()
	switch v, ok := rec[key]; {
	case !ok:
		violations.Add(key, "missing entity key")
	case v.IsNull():
		violations.Add(key, "entity key is null")
	case v.Kind() != feature.KindString && v.Kind() != feature.KindInt:
		violations.Add(key, fmt.Sprintf("entity key must be a string or int, got %s", v.Kind()))
	default:
		if err := validation.ValidateEntityKey(v.String()); err != nil {
			violations.Add(key, err.Error())
		}
	}

	for _, name := range rec.Names() {
		v := rec[name]

		if g.IsEntityColumn(name) {
			out[name] = v
			continue
		}

		f, ok := g.Feature(name)
		if !ok {
			violations.Add(name, "unknown feature")
			continue
		}
		if !f.DType.Compatible(v) {
			violations.Add(name, fmt.Sprintf("%s value is not compatible with dtype %s", v.Kind(), f.DType))
			continue
		}
		out[name] = f.DType.Normalize(v)
	}

	if err := violations.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
