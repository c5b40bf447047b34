package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpiengine/models"
)

func closedSnapshot(subject string, day int, oee models.Metric) models.KPISnapshot {
	start := time.Date(2024, 6, day, 0, 0, 0, 0, time.UTC)
	return models.KPISnapshot{
		Scope:       models.ScopeEquipment,
		SubjectID:   subject,
		PeriodStart: start,
		PeriodEnd:   start.Add(24 * time.Hour),
		OEE:         oee,
		Closed:      true,
	}
}

func collectAlerts() (*[]models.Alert, func(*models.Alert)) {
	var got []models.Alert
	return &got, func(a *models.Alert) { got = append(got, *a) }
}

func alertTypes(alerts []models.Alert) []string {
	types := make([]string, len(alerts))
	for i, a := range alerts {
		types[i] = a.AlertType
	}
	return types
}

func TestMonitorIgnoresOpenSnapshots(t *testing.T) {
	got, cb := collectAlerts()
	m := NewKPIMonitor(models.DefaultKPIThresholds(), cb, nil, nil)

	snap := closedSnapshot("press-1", 1, models.Known(0.1))
	snap.Closed = false
	m.OnSnapshot(snap)

	assert.Empty(t, *got)
	assert.Empty(t, m.RecentAlerts(0))
}

func TestMonitorThresholdViolations(t *testing.T) {
	got, cb := collectAlerts()
	m := NewKPIMonitor(models.DefaultKPIThresholds(), cb, nil, nil)

	snap := closedSnapshot("press-1", 1, models.Known(0.5))
	snap.Availability = models.Known(0.7)
	snap.Quality = models.Known(0.99)
	snap.Reliability.MTTRMinutes = models.Known(300)
	snap.Safety.LostTime = 1
	m.OnSnapshot(snap)

	assert.ElementsMatch(t, []string{"oee_low", "availability_low", "mttr_high", "lost_time_incident"}, alertTypes(*got))
	for _, a := range *got {
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, "press-1", a.SubjectID)
		assert.True(t, a.PeriodStart.Equal(snap.PeriodStart))
	}
}

func TestMonitorFiveSBelowTarget(t *testing.T) {
	got, cb := collectAlerts()
	m := NewKPIMonitor(models.DefaultKPIThresholds(), cb, nil, nil)

	snap := closedSnapshot("line-a", 1, models.Unknown())
	snap.FiveS = models.FiveSSummary{Audits: 2, Overall: models.Known(0.55)}
	m.OnSnapshot(snap)
	require.Len(t, *got, 1)
	assert.Equal(t, "five_s_low", (*got)[0].AlertType)

	snap = closedSnapshot("line-a", 2, models.Unknown())
	snap.FiveS = models.FiveSSummary{Audits: 1, Overall: models.Known(0.78)}
	m.OnSnapshot(snap)
	assert.Len(t, *got, 1)
}

func TestMonitorSkipsUnavailableMetrics(t *testing.T) {
	got, cb := collectAlerts()
	m := NewKPIMonitor(models.DefaultKPIThresholds(), cb, nil, nil)

	m.OnSnapshot(closedSnapshot("press-1", 1, models.Unknown()))
	assert.Empty(t, *got)
}

func TestMonitorDecliningOEE(t *testing.T) {
	got, cb := collectAlerts()
	m := NewKPIMonitor(models.DefaultKPIThresholds(), cb, nil, nil)

	for i, v := range []float64{0.90, 0.85, 0.80} {
		m.OnSnapshot(closedSnapshot("press-1", i+1, models.Known(v)))
	}
	assert.Empty(t, *got, "three windows make two declines")

	m.OnSnapshot(closedSnapshot("press-1", 4, models.Known(0.75)))
	require.Len(t, *got, 1)
	assert.Equal(t, "oee_declining", (*got)[0].AlertType)

	m.OnSnapshot(closedSnapshot("press-2", 1, models.Known(0.70)))
	assert.Len(t, *got, 1, "subjects are tracked separately")

	m.OnSnapshot(closedSnapshot("press-1", 5, models.Known(0.76)))
	assert.Len(t, *got, 1, "a rise breaks the run")
}

func TestMonitorRecentAlertsNewestFirst(t *testing.T) {
	m := NewKPIMonitor(models.DefaultKPIThresholds(), nil, nil, nil)
	m.OnSnapshot(closedSnapshot("press-1", 1, models.Known(0.3)))
	m.OnSnapshot(closedSnapshot("press-2", 1, models.Known(0.3)))

	alerts := m.RecentAlerts(1)
	require.Len(t, alerts, 1)
	assert.Equal(t, "press-2", alerts[0].SubjectID)
	assert.Len(t, m.RecentAlerts(0), 2)
}

func TestMonitorUpdateThresholds(t *testing.T) {
	got, cb := collectAlerts()
	m := NewKPIMonitor(models.DefaultKPIThresholds(), cb, nil, nil)

	th := m.GetThresholds()
	th.OEEMin = 0.2
	m.UpdateThresholds(th)
	assert.InDelta(t, 0.2, m.GetThresholds().OEEMin, 1e-9)

	m.OnSnapshot(closedSnapshot("press-1", 1, models.Known(0.3)))
	assert.Empty(t, *got)
}

func TestSlidingWindowWrapsAround(t *testing.T) {
	sw := NewSlidingWindow(3)
	for i := 1; i <= 5; i++ {
		sw.Add(closedSnapshot("press-1", i, models.Known(float64(i))))
	}
	snaps := sw.GetSnapshots()
	require.Len(t, snaps, 3)
	assert.InDelta(t, 3, snaps[0].OEE.Value, 1e-9)
	assert.InDelta(t, 5, snaps[2].OEE.Value, 1e-9)
	assert.Len(t, sw.GetRecent(2), 2)
}
