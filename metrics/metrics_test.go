package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveIngest("ProductionRun", "accepted", time.Now())
	m.ObserveIngest("ProductionRun", "accepted", time.Now())
	m.IncrementRejected("STALE_EVENT")
	m.ObserveStore("upsert", time.Now(), errors.New("boom"))
	m.SetOpenWindows(4)
	m.IncrementWindowsClosed(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("ProductionRun", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsRejected.WithLabelValues("STALE_EVENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrors.WithLabelValues("upsert")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.OpenWindows))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WindowsClosed))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveIngest("CostEntry", "rejected", time.Now())
		m.IncrementRejected("VALIDATION_ERROR")
		m.ObserveStore("get", time.Now(), nil)
		m.SetOpenWindows(1)
		m.IncrementWindowsClosed(1)
		m.SetDedupEntries(1)
		m.IncrementAlert("oee_low")
		m.SetWebSocketClients(1)
	})
}
