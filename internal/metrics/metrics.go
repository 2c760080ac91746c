// Package metrics exposes feature store health signals to Prometheus.
//
// Metrics are registered on an explicit registerer so tests and embedding
// applications never touch the global default registry. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ingest outcomes.
const (
	OutcomeOK       = "ok"
	OutcomePartial  = "partial"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeNoop     = "noop"
)

// Metrics holds the feature store collectors.
type Metrics struct {
	ingests         *prometheus.CounterVec
	ingestDuration  prometheus.Histogram
	pathFailures    *prometheus.CounterVec
	onlineLookups   *prometheus.CounterVec
	offlineAppended prometheus.Counter
	flushes         *prometheus.CounterVec
	flushedRows     prometheus.Counter
	compactions     *prometheus.CounterVec
	compactedFiles  prometheus.Counter
	backpressure    prometheus.Gauge
	appendRejected  prometheus.Counter
}

// New creates the collectors and registers them on registerer. An empty
// namespace defaults to "featurestore".
func New(registerer prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "featurestore"
	}

	m := &Metrics{
		ingests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Ingest calls by outcome.",
		}, []string{"outcome"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Ingest latency across both storage paths.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		pathFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_path_failures_total",
			Help:      "Failed writes by storage path.",
		}, []string{"path"}),
		onlineLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "online_lookups_total",
			Help:      "Online point lookups by result.",
		}, []string{"result"}),
		offlineAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_rows_appended_total",
			Help:      "Rows appended to the offline store.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_flushes_total",
			Help:      "Memtable flushes by status.",
		}, []string{"status"}),
		flushedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_flushed_rows_total",
			Help:      "Rows written to parquet segments by flushes.",
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_compactions_total",
			Help:      "Segment compactions by status.",
		}, []string{"status"}),
		compactedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_compacted_segments_total",
			Help:      "Segments merged away by compaction.",
		}),
		backpressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_backpressure_level",
			Help:      "Offline append backpressure level: 0 normal, 1 warning, 2 critical, 3 emergency.",
		}),
		appendRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_appends_rejected_total",
			Help:      "Offline appends refused under backpressure.",
		}),
	}

	if registerer != nil {
		for _, c := range m.collectors() {
			if err := registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ingests,
		m.ingestDuration,
		m.pathFailures,
		m.onlineLookups,
		m.offlineAppended,
		m.flushes,
		m.flushedRows,
		m.compactions,
		m.compactedFiles,
		m.backpressure,
		m.appendRejected,
	}
}

// ObserveIngest records one ingest call.
func (m *Metrics) ObserveIngest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ingests.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(d.Seconds())
}

// PathFailure records a failed write on path.
func (m *Metrics) PathFailure(path string) {
	if m == nil {
		return
	}
	m.pathFailures.WithLabelValues(path).Inc()
}

// OnlineLookup records an online lookup.
func (m *Metrics) OnlineLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.onlineLookups.WithLabelValues(result).Inc()
}

// RowsAppended records rows appended to the offline store.
func (m *Metrics) RowsAppended(n int) {
	if m == nil {
		return
	}
	m.offlineAppended.Add(float64(n))
}

// Flush records a memtable flush.
func (m *Metrics) Flush(rows int, err error) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(status(err)).Inc()
	m.flushedRows.Add(float64(rows))
}

// Compaction records a compaction that merged segments into one.
func (m *Metrics) Compaction(segments int, err error) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.compactedFiles.Add(float64(segments))
	}
}

// BackpressureLevel records the current offline backpressure level.
func (m *Metrics) BackpressureLevel(level int) {
	if m == nil {
		return
	}
	m.backpressure.Set(float64(level))
}

// AppendRejected records an offline append refused under backpressure.
func (m *Metrics) AppendRejected() {
	if m == nil {
		return
	}
	m.appendRejected.Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
