package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kpiengine/ingestion"
	"kpiengine/models"
	"kpiengine/query"
	"kpiengine/services"
	"kpiengine/websocket"
)

const maxBatchSize = 5000

// Handler contains all the dependencies needed for HTTP handlers
type Handler struct {
	ingestor   *ingestion.Ingestor
	query      *query.Service
	aggregator *services.Aggregator
	monitor    *services.KPIMonitor
	hub        *websocket.Hub
	logger     *zap.Logger
}

// New creates a new handler instance
func New(ingestor *ingestion.Ingestor, q *query.Service, aggregator *services.Aggregator, monitor *services.KPIMonitor, hub *websocket.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ingestor:   ingestor,
		query:      q,
		aggregator: aggregator,
		monitor:    monitor,
		hub:        hub,
		logger:     logger,
	}
}

// Register mounts every route on router.
func (h *Handler) Register(router gin.IRouter) {
	router.GET("/health", h.GetSystemHealth)

	api := router.Group("/api")
	{
		// Ingestion
		api.POST("/events", h.SubmitEvent)
		api.POST("/events/batch", h.SubmitBatch)
		api.POST("/events/:kind", h.SubmitKindEvent)

		// Snapshots
		api.GET("/snapshots/:scope/:id", h.GetSnapshot)
		api.GET("/snapshots/:scope/:id/latest", h.GetLatestSnapshot)
		api.GET("/snapshots/:scope/:id/series", h.GetSnapshotSeries)

		// Lifecycle summaries
		api.GET("/abnormalities/summary", h.GetAbnormalitySummary)
		api.GET("/abnormalities/:id", h.GetAbnormality)
		api.GET("/kaizens/summary", h.GetKaizenSummary)
		api.GET("/rca/summary", h.GetRCASummary)
		api.GET("/rca", h.GetRCAs)

		// Rollups
		api.GET("/costs/rollup", h.GetCostRollup)
		api.GET("/plant/oee", h.GetPlantOEE)

		// Alerts
		api.GET("/alerts", h.GetAlerts)
		api.GET("/alerts/thresholds", h.GetAlertThresholds)
		api.PUT("/alerts/thresholds", h.UpdateAlertThresholds)
	}

	router.GET("/ws", h.WebSocketEndpoint)
}

// SubmitEvent ingests one event of any kind
func (h *Handler) SubmitEvent(c *gin.Context) {
	var raw models.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid event body",
			"details": err.Error(),
		})
		return
	}
	h.respondResult(c, h.ingestor.Submit(c.Request.Context(), raw))
}

// SubmitKindEvent ingests one event whose kind is taken from the path
func (h *Handler) SubmitKindEvent(c *gin.Context) {
	kind, ok := parseKind(c.Param("kind"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Unknown event kind",
			"details": c.Param("kind"),
		})
		return
	}

	var raw models.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid event body",
			"details": err.Error(),
		})
		return
	}
	if raw.Kind != "" && raw.Kind != kind {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Event kind does not match path",
			"details": string(raw.Kind),
		})
		return
	}
	raw.Kind = kind
	h.respondResult(c, h.ingestor.Submit(c.Request.Context(), raw))
}

// SubmitBatch ingests a JSON array of events. Each event gets its own result;
// one rejection never fails the batch.
func (h *Handler) SubmitBatch(c *gin.Context) {
	var batch []models.RawEvent
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid batch body",
			"details": err.Error(),
		})
		return
	}
	if len(batch) > maxBatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "Batch too large",
			"details": "at most " + strconv.Itoa(maxBatchSize) + " events per batch",
		})
		return
	}

	results := h.ingestor.SubmitBatch(c.Request.Context(), batch)
	accepted := 0
	for _, r := range results {
		if r.Accepted() {
			accepted++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results":  results,
		"accepted": accepted,
		"rejected": len(results) - accepted,
	})
}

func (h *Handler) respondResult(c *gin.Context, res ingestion.Result) {
	if res.Accepted() {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(statusForReason(res.Reason), res)
}

// GetSnapshot returns the snapshot of the window containing ?at=
func (h *Handler) GetSnapshot(c *gin.Context) {
	at, err := parseTime(c, "at")
	if err != nil {
		h.respondError(c, err, "Invalid at parameter")
		return
	}
	if at.IsZero() {
		at = time.Now()
	}

	snap, err := h.query.At(c.Request.Context(), models.Scope(c.Param("scope")), c.Param("id"), at)
	if err != nil {
		h.respondError(c, err, "Failed to retrieve snapshot")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetLatestSnapshot returns the most recent snapshot of a subject
func (h *Handler) GetLatestSnapshot(c *gin.Context) {
	snap, err := h.query.Latest(c.Request.Context(), models.Scope(c.Param("scope")), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to retrieve snapshot")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetSnapshotSeries pages through a subject's snapshots
func (h *Handler) GetSnapshotSeries(c *gin.Context) {
	from, err := parseTime(c, "from")
	if err != nil {
		h.respondError(c, err, "Invalid from parameter")
		return
	}
	to, err := parseTime(c, "to")
	if err != nil {
		h.respondError(c, err, "Invalid to parameter")
		return
	}
	limit := 0
	if l := c.Query("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil {
			h.respondError(c, models.Validationf("limit must be an integer"), "Invalid limit parameter")
			return
		}
	}

	page, err := h.query.Series(c.Request.Context(), models.Scope(c.Param("scope")), c.Param("id"), from, to, c.Query("page_token"), limit)
	if err != nil {
		h.respondError(c, err, "Failed to retrieve snapshot series")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshots":       page.Items,
		"count":           len(page.Items),
		"next_page_token": page.NextToken,
	})
}

// GetAbnormalitySummary counts abnormalities per category and state
func (h *Handler) GetAbnormalitySummary(c *gin.Context) {
	summary, err := h.query.AbnormalitySummary(models.AbnormalityFilter{
		Category:    models.AbnormalityCategory(c.Query("category")),
		EquipmentID: c.Query("equipment_id"),
		LineID:      c.Query("line_id"),
	})
	if err != nil {
		h.respondError(c, err, "Failed to summarize abnormalities")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetAbnormality returns one abnormality with its notes
func (h *Handler) GetAbnormality(c *gin.Context) {
	ab, err := h.query.Abnormality(c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to retrieve abnormality")
		return
	}
	c.JSON(http.StatusOK, ab)
}

// GetKaizenSummary counts kaizens per PQCDSE class
func (h *Handler) GetKaizenSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.query.KaizenSummary(c.Query("equipment_id")))
}

// GetRCASummary counts root cause analyses
func (h *Handler) GetRCASummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.query.RCASummary())
}

// GetRCAs lists root cause analyses
func (h *Handler) GetRCAs(c *gin.Context) {
	rcas := h.query.RCAs()
	c.JSON(http.StatusOK, gin.H{
		"rcas":  rcas,
		"count": len(rcas),
	})
}

// GetCostRollup rolls up costs between ?from= and ?to=
func (h *Handler) GetCostRollup(c *gin.Context) {
	from, err := parseTime(c, "from")
	if err != nil {
		h.respondError(c, err, "Invalid from parameter")
		return
	}
	to, err := parseTime(c, "to")
	if err != nil {
		h.respondError(c, err, "Invalid to parameter")
		return
	}

	rollup, err := h.query.CostRollup(models.Period{Start: from, End: to})
	if err != nil {
		h.respondError(c, err, "Failed to roll up costs")
		return
	}
	c.JSON(http.StatusOK, rollup)
}

// GetPlantOEE averages equipment OEE for the window containing ?at=
func (h *Handler) GetPlantOEE(c *gin.Context) {
	at, err := parseTime(c, "at")
	if err != nil {
		h.respondError(c, err, "Invalid at parameter")
		return
	}
	if at.IsZero() {
		at = time.Now()
	}

	plant, err := h.query.PlantOEE(c.Request.Context(), at)
	if err != nil {
		h.respondError(c, err, "Failed to compute plant OEE")
		return
	}
	c.JSON(http.StatusOK, plant)
}

// GetAlerts retrieves recent KPI alerts
func (h *Handler) GetAlerts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsedLimit, err := strconv.Atoi(l); err == nil && parsedLimit > 0 && parsedLimit <= 1000 {
			limit = parsedLimit
		}
	}

	alerts := h.query.Alerts(limit)
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlertThresholds retrieves current KPI alert thresholds
func (h *Handler) GetAlertThresholds(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"thresholds": h.monitor.GetThresholds(),
	})
}

// UpdateAlertThresholds updates KPI alert thresholds
func (h *Handler) UpdateAlertThresholds(c *gin.Context) {
	var thresholds models.KPIThresholds
	if err := c.ShouldBindJSON(&thresholds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid threshold data",
			"details": err.Error(),
		})
		return
	}

	for name, v := range map[string]float64{
		"oee_min":          thresholds.OEEMin,
		"availability_min": thresholds.AvailabilityMin,
		"quality_min":      thresholds.QualityMin,
		"five_s_min":       thresholds.FiveSMin,
	} {
		if v < 0 || v > 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid thresholds",
				"details": name + " must be between 0 and 1",
			})
			return
		}
	}
	if thresholds.MTTRMaxMinutes < 0 || thresholds.DecliningRuns < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid thresholds",
			"details": "mttr_max_minutes and declining_runs must not be negative",
		})
		return
	}

	h.monitor.UpdateThresholds(thresholds)

	c.JSON(http.StatusOK, gin.H{
		"message":    "KPI thresholds updated successfully",
		"thresholds": thresholds,
	})
}

// GetSystemHealth returns overall system health information
func (h *Handler) GetSystemHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"websocket": gin.H{
			"connected_clients": h.hub.GetClientCount(),
		},
		"aggregation": gin.H{
			"open_windows": h.aggregator.OpenWindows(),
		},
		"ingestion":  h.ingestor.Stats(),
		"thresholds": h.monitor.GetThresholds(),
	})
}

// WebSocketEndpoint handles WebSocket connections
func (h *Handler) WebSocketEndpoint(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request)
}

func (h *Handler) respondError(c *gin.Context, err error, message string) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

func statusForError(err error) int {
	if errors.Is(err, models.ErrNotFound) {
		return http.StatusNotFound
	}
	return statusForReason(models.ReasonFor(err))
}

func statusForReason(reason models.ReasonCode) int {
	switch reason {
	case models.ReasonValidation:
		return http.StatusBadRequest
	case models.ReasonStaleEvent:
		return http.StatusUnprocessableEntity
	case models.ReasonInvalidTransition, models.ReasonPeriodClosed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// parseTime reads an optional RFC 3339 query parameter.
func parseTime(c *gin.Context, name string) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, models.Validationf("%s must be an RFC 3339 timestamp", name)
	}
	return t.UTC(), nil
}

func parseKind(s string) (models.EventKind, bool) {
	for _, k := range models.AllEventKinds {
		if strings.EqualFold(string(k), s) {
			return k, true
		}
	}
	return "", false
}
