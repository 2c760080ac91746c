package offline

import (
	"context"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
)

// FeatureStats summarizes one feature over a group's full history.
type FeatureStats struct {
	Name  string
	DType feature.DType

	// Count is the number of rows; Nulls of them lack a value.
	Count int64
	Nulls int64

	// Numeric summary, set for int and float features with values.
	Numeric bool
	Min     float64
	Max     float64
	Mean    float64
	P50     float64
	P90     float64
	P99     float64
}

type featureAgg struct {
	stats  FeatureStats
	sum    float64
	values int64
	sketch *ddsketch.DDSketch
}

func (a *featureAgg) add(v feature.Value) {
	a.stats.Count++
	if v.IsNull() {
		a.stats.Nulls++
		return
	}
	if a.sketch == nil || !v.IsNumeric() {
		return
	}

	x := v.AsFloat()
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return
	}
	if a.values == 0 || x < a.stats.Min {
		a.stats.Min = x
	}
	if a.values == 0 || x > a.stats.Max {
		a.stats.Max = x
	}
	a.values++
	a.sum += x
	a.sketch.Add(x)
}

func (a *featureAgg) result() FeatureStats {
	st := a.stats
	if a.values == 0 {
		return st
	}
	st.Numeric = true
	st.Mean = a.sum / float64(a.values)
	st.P50, _ = a.sketch.GetValueAtQuantile(0.50)
	st.P90, _ = a.sketch.GetValueAtQuantile(0.90)
	st.P99, _ = a.sketch.GetValueAtQuantile(0.99)
	return st
}

// FeatureStats computes per-feature statistics over every row of g,
// flushed or not. Quantiles are approximate within the configured
// relative accuracy.
func (s *Store) FeatureStats(ctx context.Context, g *feature.Group) ([]FeatureStats, error) {
	if s.closed.Load() {
		return nil, errors.ErrClosed
	}

	aggs := make([]*featureAgg, len(g.Features))
	for i, f := range g.Features {
		agg := &featureAgg{stats: FeatureStats{Name: f.Name, DType: f.DType}}
		if f.DType == feature.DTypeInt || f.DType == feature.DTypeFloat {
			sketch, err := ddsketch.NewDefaultDDSketch(s.cfg.SketchAccuracy)
			if err != nil {
				return nil, errors.Wrap(errors.ErrInvalidConfig, err.Error())
			}
			agg.sketch = sketch
		}
		aggs[i] = agg
	}

	gs := s.lookup(g.Name)
	if gs == nil {
		return results(aggs), nil
	}

	snap := gs.snapshot()
	defer snap.release()

	var scanErr error
	err := snap.scan(nil, func(_ string, _, _ int64, rec feature.Record) bool {
		if err := ctx.Err(); err != nil {
			scanErr = err
			return false
		}
		for i, f := range g.Features {
			aggs[i].add(rec[f.Name])
		}
		return true
	})
	if err != nil {
		return nil, errors.NewStoreUnavailable("scan segments", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}

	return results(aggs), nil
}

func results(aggs []*featureAgg) []FeatureStats {
	out := make([]FeatureStats, len(aggs))
	for i, a := range aggs {
		out[i] = a.result()
	}
	return out
}
