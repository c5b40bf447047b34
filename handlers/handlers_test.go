package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kpiengine/costs"
	"kpiengine/ingestion"
	"kpiengine/lifecycle"
	"kpiengine/models"
	"kpiengine/query"
	"kpiengine/services"
	"kpiengine/store"
	"kpiengine/websocket"
	"kpiengine/window"
)

const lookback = 30 * 24 * time.Hour

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w, err := window.New(24*time.Hour, time.Time{})
	require.NoError(t, err)
	st := store.New(store.NewMemoryBackend())
	tracker := lifecycle.NewTracker(lookback)
	costAgg := costs.NewAggregator(w)
	hub := websocket.NewHub(nil, nil, nil)
	monitor := services.NewKPIMonitor(models.DefaultKPIThresholds(), hub.BroadcastAlert, nil, nil)
	agg := services.NewAggregator(w, lookback, st, tracker, costAgg, services.WithListener(monitor))
	ing := ingestion.New(agg, ingestion.Config{Lookback: lookback, MaxClockSkew: 5 * time.Minute})
	q := query.New(st, tracker, costAgg, w, monitor, nil)

	router := gin.New()
	New(ing, q, agg, monitor, hub, nil).Register(router)
	return router
}

func do(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func event(kind models.EventKind, equipment string, at time.Time, payload map[string]any) map[string]any {
	return map[string]any{
		"kind":         kind,
		"equipment_id": equipment,
		"occurred_at":  at.UTC().Format(time.RFC3339Nano),
		"payload":      payload,
	}
}

func productionRun(at time.Time) map[string]any {
	return event(models.KindProductionRun, "press-1", at, map[string]any{
		"planned_time": 480, "run_time": 420, "ideal_cycle_time": 1.0, "total_count": 380, "good_count": 360,
	})
}

func TestSubmitEventAndReadSnapshot(t *testing.T) {
	router := newRouter(t)
	at := time.Now().Add(-time.Hour)

	rec := do(t, router, http.MethodPost, "/api/events", productionRun(at))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ingestion.Result](t, rec)
	assert.True(t, res.Accepted())

	rec = do(t, router, http.MethodPost, "/api/events", productionRun(at))
	assert.True(t, decode[ingestion.Result](t, rec).Duplicate)

	rec = do(t, router, http.MethodGet, "/api/snapshots/equipment/press-1/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[models.KPISnapshot](t, rec)
	assert.InDelta(t, 0.75, snap.OEE.Value, 1e-9)
	assert.Equal(t, int64(1), snap.Version)

	rec = do(t, router, http.MethodGet, "/api/snapshots/equipment/press-1?at="+url.QueryEscape(at.Format(time.RFC3339)), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/snapshots/equipment/press-1/series?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	series := decode[struct {
		Snapshots []models.KPISnapshot `json:"snapshots"`
		Count     int                  `json:"count"`
	}](t, rec)
	assert.Equal(t, 1, series.Count)

	rec = do(t, router, http.MethodGet, "/api/plant/oee?at="+url.QueryEscape(at.Format(time.RFC3339)), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plant := decode[query.PlantOEE](t, rec)
	assert.Len(t, plant.Equipment, 1)
}

func TestSubmitEventRejections(t *testing.T) {
	router := newRouter(t)

	stale := event(models.KindDowntimeEvent, "press-1", time.Now().AddDate(0, 0, -40), map[string]any{
		"category": "Mechanical", "duration_minutes": 30, "unplanned_failure": true,
	})
	rec := do(t, router, http.MethodPost, "/api/events", stale)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, models.ReasonStaleEvent, decode[ingestion.Result](t, rec).Reason)

	invalid := event(models.KindSafetyIncident, "press-1", time.Now(), map[string]any{"severity": "Paper cut"})
	rec = do(t, router, http.MethodPost, "/api/events", invalid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.ReasonValidation, decode[ingestion.Result](t, rec).Reason)

	req := httptest.NewRequest(http.MethodPost, "/api/events", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	router := newRouter(t)
	at := time.Now().Add(-time.Hour)

	identify := event(models.KindAbnormalityReport, "press-1", at, map[string]any{
		"abnormality_id": "AB-1", "action": "identify", "category": "MinorFlaw",
	})
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/events", identify).Code)

	skip := event(models.KindAbnormalityReport, "press-1", at.Add(time.Minute), map[string]any{
		"abnormality_id": "AB-1", "action": "close",
	})
	rec := do(t, router, http.MethodPost, "/api/events", skip)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.ReasonInvalidTransition, decode[ingestion.Result](t, rec).Reason)

	rec = do(t, router, http.MethodGet, "/api/abnormalities/AB-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.AbnormalityIdentified, decode[models.Abnormality](t, rec).State)

	rec = do(t, router, http.MethodGet, "/api/abnormalities/summary?category=MinorFlaw", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decode[models.AbnormalitySummary](t, rec).Global.Open)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/abnormalities/summary?category=Dust", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/api/abnormalities/AB-404", nil).Code)
}

func TestSubmitKindEvent(t *testing.T) {
	router := newRouter(t)
	body := map[string]any{
		"equipment_id": "press-1",
		"occurred_at":  time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		"payload":      map[string]any{"severity": "NearMiss"},
	}

	rec := do(t, router, http.MethodPost, "/api/events/SafetyIncident", body)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body["kind"] = models.KindCostEntry
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/events/safetyincident", body).Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodPost, "/api/events/Telemetry", body).Code)
}

func TestSubmitBatch(t *testing.T) {
	router := newRouter(t)
	now := time.Now()
	batch := []map[string]any{
		productionRun(now.Add(-2 * time.Hour)),
		productionRun(now.Add(-time.Hour)),
		event(models.KindSafetyIncident, "press-2", now.AddDate(0, 0, -45), map[string]any{"severity": "NearMiss"}),
	}

	rec := do(t, router, http.MethodPost, "/api/events/batch", batch)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[struct {
		Results  []ingestion.Result `json:"results"`
		Accepted int                `json:"accepted"`
		Rejected int                `json:"rejected"`
	}](t, rec)
	assert.Equal(t, 2, out.Accepted)
	assert.Equal(t, 1, out.Rejected)
	assert.Equal(t, models.ReasonStaleEvent, out.Results[2].Reason)
}

func TestQueryErrors(t *testing.T) {
	router := newRouter(t)

	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/api/snapshots/equipment/ghost/latest", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/snapshots/plant/press-1/latest", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/snapshots/equipment/press-1?at=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/snapshots/equipment/press-1/series?limit=ten", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/snapshots/equipment/press-1/series?page_token=%21%21", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/costs/rollup", nil).Code)
}

func TestCostRollupAndSummaries(t *testing.T) {
	router := newRouter(t)
	at := time.Now().Add(-time.Hour)
	cost := event(models.KindCostEntry, "press-1", at, map[string]any{"category": "Power", "variable_amount": 125.5})
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPost, "/api/events", cost).Code)

	from := url.QueryEscape(at.AddDate(0, 0, -2).Format(time.RFC3339))
	to := url.QueryEscape(at.AddDate(0, 0, 2).Format(time.RFC3339))
	rec := do(t, router, http.MethodGet, "/api/costs/rollup?from="+from+"&to="+to, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 125.5, decode[models.CostRollup](t, rec).Total, 1e-9)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/api/kaizens/summary", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/api/rca/summary", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/api/rca", nil).Code)
}

func TestAlertThresholds(t *testing.T) {
	router := newRouter(t)

	bad := models.DefaultKPIThresholds()
	bad.OEEMin = 1.5
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPut, "/api/alerts/thresholds", bad).Code)

	good := models.DefaultKPIThresholds()
	good.OEEMin = 0.5
	require.Equal(t, http.StatusOK, do(t, router, http.MethodPut, "/api/alerts/thresholds", good).Code)

	rec := do(t, router, http.MethodGet, "/api/alerts/thresholds", nil)
	out := decode[struct {
		Thresholds models.KPIThresholds `json:"thresholds"`
	}](t, rec)
	assert.InDelta(t, 0.5, out.Thresholds.OEEMin, 1e-9)

	rec = do(t, router, http.MethodGet, "/api/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[struct {
		Count int `json:"count"`
	}](t, rec).Count)
}

func TestHealth(t *testing.T) {
	router := newRouter(t)
	rec := do(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
}
