package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveImport(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveImport("create", "completed", 7, 2, 1, time.Now())
	m.ObserveImport("create", "completed", 3, 0, 0, time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ImportJobs.WithLabelValues("create", "completed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.ImportRows.WithLabelValues("succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ImportRows.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImportRows.WithLabelValues("skipped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ImportDuration))
}

func TestActiveImportsAndRetries(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ImportStarted()
	m.ImportStarted()
	m.ImportFinished()
	m.IncRetry()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveImports))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImportRetries))
}

func TestTransitionsAndGeneration(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveTransition("active", nil)
	m.ObserveTransition("active", errors.New("boom"))
	m.AddGenerated("export", 250)
	m.ObserveRecompute(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("active", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("active", "error")))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.ICCIDsGenerated.WithLabelValues("export")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PalletRecomputes.WithLabelValues("ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveImport("create", "completed", 1, 0, 0, time.Now())
		m.IncRetry()
		m.ImportStarted()
		m.ImportFinished()
		m.ObserveTransition("active", nil)
		m.AddGenerated("online", 1)
		m.ObserveRecompute(nil)
	})
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
