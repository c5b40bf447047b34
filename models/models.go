package models

import (
	"time"
)

// Alert represents a KPI alert raised for a subject's window
type Alert struct {
	ID          string    `json:"id"`
	Scope       Scope     `json:"scope"`
	SubjectID   string    `json:"subject_id"`
	AlertType   string    `json:"alert_type"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	PeriodStart time.Time `json:"period_start"`
	CreatedAt   time.Time `json:"created_at"`
}

// WebSocketMessage represents a message sent to WebSocket clients
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// KPIThresholds defines the limits the KPI monitor alerts on
type KPIThresholds struct {
	OEEMin          float64 `json:"oee_min"`
	AvailabilityMin float64 `json:"availability_min"`
	QualityMin      float64 `json:"quality_min"`
	MTTRMaxMinutes  float64 `json:"mttr_max_minutes"`
	DecliningRuns   int     `json:"declining_runs"`
	FiveSMin        float64 `json:"five_s_min"`
}

// DefaultKPIThresholds returns world-class OEE targets
func DefaultKPIThresholds() KPIThresholds {
	return KPIThresholds{
		OEEMin:          0.65,
		AvailabilityMin: 0.80,
		QualityMin:      0.95,
		MTTRMaxMinutes:  240,
		DecliningRuns:   3,
		FiveSMin:        0.60,
	}
}

// IngestStats represents running ingestion counters
type IngestStats struct {
	Accepted   int64                `json:"accepted"`
	Duplicates int64                `json:"duplicates"`
	Rejected   map[ReasonCode]int64 `json:"rejected"`
}
