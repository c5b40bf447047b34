package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Metrics provides observability for the aggregation engine.
// Tracks ingestion outcomes, snapshot store latency, window lifecycle and alerts.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsIngested   *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	StoreDuration    *prometheus.HistogramVec
	StoreErrors      *prometheus.CounterVec
	OpenWindows      prometheus.Gauge
	WindowsClosed    prometheus.Counter
	DedupEntries     prometheus.Gauge
	AlertsRaised     *prometheus.CounterVec
	WebSocketClients prometheus.Gauge
}

// New creates a new Metrics instance registered with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kpiengine_events_ingested_total",
			Help: "Events submitted, by kind and outcome (accepted, duplicate, rejected)",
		}, []string{"kind", "outcome"}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kpiengine_events_rejected_total",
			Help: "Rejected events by reason code",
		}, []string{"reason"}),
		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kpiengine_ingest_duration_seconds",
			Help:    "Duration of a single event submission including routing",
			Buckets: latencyBuckets,
		}),
		StoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kpiengine_store_duration_seconds",
			Help:    "Duration of snapshot store operations",
			Buckets: latencyBuckets,
		}, []string{"op"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kpiengine_store_errors_total",
			Help: "Snapshot store operations that returned an error",
		}, []string{"op"}),
		OpenWindows: f.NewGauge(prometheus.GaugeOpts{
			Name: "kpiengine_open_windows",
			Help: "Aggregation windows currently accumulating",
		}),
		WindowsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "kpiengine_windows_closed_total",
			Help: "Windows finalized by the sweeper",
		}),
		DedupEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "kpiengine_dedup_entries",
			Help: "Entries held in the ingestion dedup index",
		}),
		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kpiengine_alerts_raised_total",
			Help: "KPI alerts raised by type",
		}, []string{"type"}),
		WebSocketClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "kpiengine_websocket_clients",
			Help: "Connected dashboard WebSocket clients",
		}),
	}
}

// ObserveIngest records the outcome and duration of one submission.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveIngest(kind, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(kind, outcome).Inc()
	m.IngestDuration.Observe(time.Since(start).Seconds())
}

// IncrementRejected records a rejection reason.
func (m *Metrics) IncrementRejected(reason string) {
	if m == nil {
		return
	}
	m.EventsRejected.WithLabelValues(reason).Inc()
}

// ObserveStore records the duration of a store operation and counts failures.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveStore(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.StoreErrors.WithLabelValues(op).Inc()
	}
}

// SetOpenWindows records the number of open windows.
func (m *Metrics) SetOpenWindows(n int) {
	if m == nil {
		return
	}
	m.OpenWindows.Set(float64(n))
}

// IncrementWindowsClosed records finalized windows.
func (m *Metrics) IncrementWindowsClosed(n int) {
	if m == nil {
		return
	}
	m.WindowsClosed.Add(float64(n))
}

// SetDedupEntries records the dedup index size.
func (m *Metrics) SetDedupEntries(n int) {
	if m == nil {
		return
	}
	m.DedupEntries.Set(float64(n))
}

// IncrementAlert records a raised alert.
func (m *Metrics) IncrementAlert(alertType string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(alertType).Inc()
}

// SetWebSocketClients records the connected client count.
func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Set(float64(n))
}
