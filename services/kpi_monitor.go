package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kpiengine/metrics"
	"kpiengine/models"
)

const (
	historySize = 30
	alertsKept  = 200
)

// KPIMonitor raises alerts when finalized windows breach KPI thresholds or
// OEE keeps falling window after window.
type KPIMonitor struct {
	thresholds    models.KPIThresholds
	history       map[string]*SlidingWindow
	alerts        []models.Alert
	mutex         sync.RWMutex
	alertCallback func(*models.Alert)
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// SlidingWindow keeps the most recent closed snapshots of one subject
type SlidingWindow struct {
	snapshots []models.KPISnapshot
	maxSize   int
	position  int
	full      bool
}

// NewKPIMonitor creates a new KPI monitor
func NewKPIMonitor(thresholds models.KPIThresholds, alertCallback func(*models.Alert), logger *zap.Logger, m *metrics.Metrics) *KPIMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KPIMonitor{
		thresholds:    thresholds,
		history:       make(map[string]*SlidingWindow),
		alertCallback: alertCallback,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
	}
}

// NewSlidingWindow creates a new sliding window
func NewSlidingWindow(maxSize int) *SlidingWindow {
	return &SlidingWindow{
		snapshots: make([]models.KPISnapshot, maxSize),
		maxSize:   maxSize,
	}
}

// Add adds a snapshot to the sliding window
func (sw *SlidingWindow) Add(snap models.KPISnapshot) {
	sw.snapshots[sw.position] = snap
	sw.position = (sw.position + 1) % sw.maxSize
	if !sw.full && sw.position == 0 {
		sw.full = true
	}
}

// GetSnapshots returns all snapshots in the window, oldest first
func (sw *SlidingWindow) GetSnapshots() []models.KPISnapshot {
	if !sw.full {
		return sw.snapshots[:sw.position]
	}

	result := make([]models.KPISnapshot, sw.maxSize)
	for i := 0; i < sw.maxSize; i++ {
		idx := (sw.position + i) % sw.maxSize
		result[i] = sw.snapshots[idx]
	}
	return result
}

// GetRecent returns the n most recent snapshots
func (sw *SlidingWindow) GetRecent(n int) []models.KPISnapshot {
	snaps := sw.GetSnapshots()
	if n >= len(snaps) {
		return snaps
	}
	return snaps[len(snaps)-n:]
}

// OnSnapshot analyzes finalized snapshots; open ones are still changing.
func (m *KPIMonitor) OnSnapshot(snap models.KPISnapshot) {
	if !snap.Closed {
		return
	}
	m.AnalyzeSnapshot(snap)
}

// AnalyzeSnapshot checks one closed snapshot against thresholds and trends
func (m *KPIMonitor) AnalyzeSnapshot(snap models.KPISnapshot) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	id := string(snap.Scope) + "/" + snap.SubjectID
	window, exists := m.history[id]
	if !exists {
		window = NewSlidingWindow(historySize)
		m.history[id] = window
	}
	window.Add(snap)

	m.detectThresholdViolations(snap)
	m.detectDecliningOEE(snap, window)
}

// detectThresholdViolations raises one alert per breached limit
func (m *KPIMonitor) detectThresholdViolations(snap models.KPISnapshot) {
	t := m.thresholds

	if snap.OEE.Available && snap.OEE.Value < t.OEEMin {
		m.raise(snap, "oee_low", "high",
			fmt.Sprintf("OEE %.1f%% below target %.1f%%", snap.OEE.Value*100, t.OEEMin*100))
	}
	if snap.Availability.Available && snap.Availability.Value < t.AvailabilityMin {
		m.raise(snap, "availability_low", "medium",
			fmt.Sprintf("Availability %.1f%% below target %.1f%%", snap.Availability.Value*100, t.AvailabilityMin*100))
	}
	if snap.Quality.Available && snap.Quality.Value < t.QualityMin {
		m.raise(snap, "quality_low", "medium",
			fmt.Sprintf("Quality %.1f%% below target %.1f%%", snap.Quality.Value*100, t.QualityMin*100))
	}
	if mttr := snap.Reliability.MTTRMinutes; mttr.Available && mttr.Value > t.MTTRMaxMinutes {
		m.raise(snap, "mttr_high", "medium",
			fmt.Sprintf("MTTR %.0f min above limit %.0f min", mttr.Value, t.MTTRMaxMinutes))
	}
	if overall := snap.FiveS.Overall; overall.Available && overall.Value < t.FiveSMin {
		m.raise(snap, "five_s_low", "low",
			fmt.Sprintf("5S score %.1f%% below target %.1f%% over %d audit(s)", overall.Value*100, t.FiveSMin*100, snap.FiveS.Audits))
	}
	if snap.Safety.LostTime > 0 {
		m.raise(snap, "lost_time_incident", "high",
			fmt.Sprintf("%d lost time incident(s) recorded", snap.Safety.LostTime))
	}
}

// detectDecliningOEE alerts when OEE fell in each of the last DecliningRuns
// windows. Windows with unavailable OEE break the run.
func (m *KPIMonitor) detectDecliningOEE(snap models.KPISnapshot, window *SlidingWindow) {
	runs := m.thresholds.DecliningRuns
	if runs <= 0 {
		return
	}
	recent := window.GetRecent(runs + 1)
	if len(recent) < runs+1 {
		return
	}

	for i := 1; i < len(recent); i++ {
		prev, cur := recent[i-1].OEE, recent[i].OEE
		if !prev.Available || !cur.Available || cur.Value >= prev.Value {
			return
		}
	}

	first := recent[0].OEE.Value
	m.raise(snap, "oee_declining", "medium",
		fmt.Sprintf("OEE declined for %d consecutive windows on %s %s (%.1f%% to %.1f%%)",
			runs, snap.Scope, snap.SubjectID, first*100, snap.OEE.Value*100))
}

// raise must be called with m.mutex held.
func (m *KPIMonitor) raise(snap models.KPISnapshot, alertType, severity, message string) {
	alert := models.Alert{
		ID:          uuid.NewString(),
		Scope:       snap.Scope,
		SubjectID:   snap.SubjectID,
		AlertType:   alertType,
		Severity:    severity,
		Message:     message,
		PeriodStart: snap.PeriodStart,
		CreatedAt:   m.now().UTC(),
	}

	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > alertsKept {
		m.alerts = append([]models.Alert(nil), m.alerts[len(m.alerts)-alertsKept:]...)
	}

	m.metrics.IncrementAlert(alertType)
	m.logger.Warn("kpi alert",
		zap.String("type", alertType),
		zap.String("subject_id", snap.SubjectID),
		zap.String("message", message))

	if m.alertCallback != nil {
		m.alertCallback(&alert)
	}
}

// RecentAlerts returns up to limit alerts, newest first
func (m *KPIMonitor) RecentAlerts(limit int) []models.Alert {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if limit <= 0 || limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	out := make([]models.Alert, 0, limit)
	for i := len(m.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.alerts[i])
	}
	return out
}

// UpdateThresholds updates the alert thresholds
func (m *KPIMonitor) UpdateThresholds(thresholds models.KPIThresholds) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.thresholds = thresholds
	m.logger.Info("updated kpi thresholds", zap.Any("thresholds", thresholds))
}

// GetThresholds returns current thresholds
func (m *KPIMonitor) GetThresholds() models.KPIThresholds {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.thresholds
}
