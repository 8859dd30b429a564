// Package metrics holds the Prometheus collectors of the traceability
// engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the import, lifecycle and generation collectors.
type Metrics struct {
	ImportJobs       *prometheus.CounterVec
	ImportRows       *prometheus.CounterVec
	ImportDuration   prometheus.Histogram
	ImportRetries    prometheus.Counter
	ActiveImports    prometheus.Gauge
	Transitions      *prometheus.CounterVec
	ICCIDsGenerated  *prometheus.CounterVec
	PalletRecomputes *prometheus.CounterVec
}

// New constructs the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ImportJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceability_import_jobs_total",
				Help: "Import jobs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ImportRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceability_import_rows_total",
				Help: "Imported rows by result",
			},
			[]string{"result"},
		),
		ImportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "traceability_import_duration_seconds",
			Help:    "Import job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		ImportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "traceability_import_retries_total",
			Help: "Row writes retried after a transient storage failure",
		}),
		ActiveImports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traceability_active_imports",
			Help: "Import jobs currently holding a limiter slot",
		}),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceability_lifecycle_transitions_total",
				Help: "Lifecycle transitions by target state and outcome",
			},
			[]string{"to", "outcome"},
		),
		ICCIDsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceability_iccids_generated_total",
				Help: "Generated ICCIDs by channel",
			},
			[]string{"channel"},
		),
		PalletRecomputes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceability_pallet_recomputes_total",
				Help: "Pallet aggregate recomputations by outcome",
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(
		m.ImportJobs,
		m.ImportRows,
		m.ImportDuration,
		m.ImportRetries,
		m.ActiveImports,
		m.Transitions,
		m.ICCIDsGenerated,
		m.PalletRecomputes,
	)
	return m
}

// ObserveImport records a finished import job. Call with the time the job
// started.
func (m *Metrics) ObserveImport(mode, outcome string, succeeded, failed, skipped int, start time.Time) {
	if m == nil {
		return
	}
	m.ImportJobs.WithLabelValues(mode, outcome).Inc()
	m.ImportRows.WithLabelValues("succeeded").Add(float64(succeeded))
	m.ImportRows.WithLabelValues("failed").Add(float64(failed))
	m.ImportRows.WithLabelValues("skipped").Add(float64(skipped))
	m.ImportDuration.Observe(time.Since(start).Seconds())
}

// IncRetry records one retried row write.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.ImportRetries.Inc()
}

// ImportStarted and ImportFinished track limiter occupancy.
func (m *Metrics) ImportStarted() {
	if m == nil {
		return
	}
	m.ActiveImports.Inc()
}

func (m *Metrics) ImportFinished() {
	if m == nil {
		return
	}
	m.ActiveImports.Dec()
}

// ObserveTransition records a lifecycle transition attempt.
func (m *Metrics) ObserveTransition(to string, err error) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to, outcome(err)).Inc()
}

// AddGenerated records n generated ICCIDs on channel (online or export).
func (m *Metrics) AddGenerated(channel string, n int) {
	if m == nil {
		return
	}
	m.ICCIDsGenerated.WithLabelValues(channel).Add(float64(n))
}

// ObserveRecompute records one pallet recomputation.
func (m *Metrics) ObserveRecompute(err error) {
	if m == nil {
		return
	}
	m.PalletRecomputes.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
