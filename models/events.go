package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawEvent is an event as submitted by a shop-floor system, before validation.
type RawEvent struct {
	Kind        EventKind       `json:"kind"`
	EquipmentID string          `json:"equipment_id"`
	LineID      string          `json:"line_id,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ReportedAt  time.Time       `json:"reported_at,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Event is a validated, normalized RawEvent with its decoded payload.
type Event struct {
	Kind        EventKind
	EquipmentID string
	LineID      string
	OccurredAt  time.Time
	ReportedAt  time.Time
	IngestedAt  time.Time
	ContentHash string
	Payload     Payload
}

// DedupKey identifies an event for duplicate detection. The line is part of
// the identity because it selects which line window the event feeds.
func (e *Event) DedupKey() string {
	return strings.Join([]string{
		e.EquipmentID,
		e.LineID,
		string(e.Kind),
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.ContentHash,
	}, "|")
}

// Payload is the kind-specific body of an event.
type Payload interface {
	Kind() EventKind
	Validate() error
}

// ProductionRun reports one production run. Times are minutes.
type ProductionRun struct {
	PlannedTime    float64 `json:"planned_time"`
	RunTime        float64 `json:"run_time"`
	IdealCycleTime float64 `json:"ideal_cycle_time"`
	TotalCount     int64   `json:"total_count"`
	GoodCount      int64   `json:"good_count"`
}

func (ProductionRun) Kind() EventKind { return KindProductionRun }

func (p ProductionRun) Validate() error {
	if err := nonNegative("planned_time", p.PlannedTime); err != nil {
		return err
	}
	if err := nonNegative("run_time", p.RunTime); err != nil {
		return err
	}
	if err := nonNegative("ideal_cycle_time", p.IdealCycleTime); err != nil {
		return err
	}
	if p.TotalCount < 0 || p.GoodCount < 0 {
		return Validationf("counts must not be negative")
	}
	if p.RunTime > p.PlannedTime {
		return Validationf("run_time %.2f exceeds planned_time %.2f", p.RunTime, p.PlannedTime)
	}
	if p.GoodCount > p.TotalCount {
		return Validationf("good_count %d exceeds total_count %d", p.GoodCount, p.TotalCount)
	}
	return nil
}

// DowntimeEvent reports a stop of the equipment.
type DowntimeEvent struct {
	Category         DowntimeCategory `json:"category"`
	DurationMinutes  float64          `json:"duration_minutes"`
	Cause            string           `json:"cause"`
	UnplannedFailure bool             `json:"unplanned_failure"`
}

func (DowntimeEvent) Kind() EventKind { return KindDowntimeEvent }

func (d DowntimeEvent) Validate() error {
	if !d.Category.Valid() {
		return Validationf("unknown downtime category %q", d.Category)
	}
	if !finite(d.DurationMinutes) || d.DurationMinutes <= 0 {
		return Validationf("duration_minutes must be positive")
	}
	return nil
}

// QualityInspection reports an inspection lot.
type QualityInspection struct {
	InspectedCount int64 `json:"inspected_count"`
	FirstPassCount int64 `json:"first_pass_count"`
	DefectCount    int64 `json:"defect_count"`
	ComplaintCount int64 `json:"complaint_count"`
}

func (QualityInspection) Kind() EventKind { return KindQualityInspection }

func (q QualityInspection) Validate() error {
	if q.InspectedCount < 0 || q.FirstPassCount < 0 || q.DefectCount < 0 || q.ComplaintCount < 0 {
		return Validationf("counts must not be negative")
	}
	if q.FirstPassCount > q.InspectedCount {
		return Validationf("first_pass_count %d exceeds inspected_count %d", q.FirstPassCount, q.InspectedCount)
	}
	if q.DefectCount > q.InspectedCount {
		return Validationf("defect_count %d exceeds inspected_count %d", q.DefectCount, q.InspectedCount)
	}
	return nil
}

// CostEntry is one cost ledger line.
type CostEntry struct {
	Category       CostCategory `json:"category"`
	VariableAmount float64      `json:"variable_amount"`
	FixedAmount    float64      `json:"fixed_amount"`
}

func (CostEntry) Kind() EventKind { return KindCostEntry }

func (c CostEntry) Total() float64 { return c.VariableAmount + c.FixedAmount }

func (c CostEntry) Validate() error {
	if !c.Category.Valid() {
		return Validationf("unknown cost category %q", c.Category)
	}
	if err := nonNegative("variable_amount", c.VariableAmount); err != nil {
		return err
	}
	return nonNegative("fixed_amount", c.FixedAmount)
}

// AbnormalityReport drives the abnormality lifecycle.
type AbnormalityReport struct {
	AbnormalityID string              `json:"abnormality_id"`
	Action        AbnormalityAction   `json:"action"`
	Category      AbnormalityCategory `json:"category,omitempty"`
	SparesCost    float64             `json:"spares_cost,omitempty"`
	Description   string              `json:"description,omitempty"`
	Note          string              `json:"note,omitempty"`
}

func (AbnormalityReport) Kind() EventKind { return KindAbnormalityReport }

func (a AbnormalityReport) Validate() error {
	if strings.TrimSpace(a.AbnormalityID) == "" {
		return Validationf("abnormality_id is required")
	}
	if !a.Action.Valid() {
		return Validationf("unknown abnormality action %q", a.Action)
	}
	switch a.Action {
	case AbnormalityActionIdentify:
		if !a.Category.Valid() {
			return Validationf("unknown abnormality category %q", a.Category)
		}
		return nonNegative("spares_cost", a.SparesCost)
	case AbnormalityActionNote:
		if strings.TrimSpace(a.Note) == "" {
			return Validationf("note is required")
		}
	}
	return nil
}

// KaizenReport records an improvement or its replication to another site.
type KaizenReport struct {
	KaizenID       string               `json:"kaizen_id"`
	Action         KaizenAction         `json:"action"`
	Classification KaizenClassification `json:"classification,omitempty"`
	Site           string               `json:"site,omitempty"`
	TargetSite     string               `json:"target_site,omitempty"`
	Title          string               `json:"title,omitempty"`
}

func (KaizenReport) Kind() EventKind { return KindKaizenReport }

func (k KaizenReport) Validate() error {
	if strings.TrimSpace(k.KaizenID) == "" {
		return Validationf("kaizen_id is required")
	}
	switch k.Action {
	case KaizenActionImplement:
		if !k.Classification.Valid() {
			return Validationf("unknown kaizen classification %q", k.Classification)
		}
		if strings.TrimSpace(k.Site) == "" {
			return Validationf("site is required")
		}
	case KaizenActionReplicate:
		if strings.TrimSpace(k.TargetSite) == "" {
			return Validationf("target_site is required")
		}
	default:
		return Validationf("unknown kaizen action %q", k.Action)
	}
	return nil
}

// RootCauseReport opens or closes a root cause analysis.
type RootCauseReport struct {
	RCAID       string    `json:"rca_id"`
	Action      RCAAction `json:"action"`
	LinkedIDs   []string  `json:"linked_ids,omitempty"`
	FailureCode string    `json:"failure_code,omitempty"`
	RootCause   string    `json:"root_cause,omitempty"`
}

func (RootCauseReport) Kind() EventKind { return KindRootCauseReport }

func (r RootCauseReport) Validate() error {
	if strings.TrimSpace(r.RCAID) == "" {
		return Validationf("rca_id is required")
	}
	switch r.Action {
	case RCAActionOpen:
		if len(r.LinkedIDs) == 0 {
			return Validationf("linked_ids must name at least one abnormality or failure")
		}
		if strings.TrimSpace(r.FailureCode) == "" {
			return Validationf("failure_code is required")
		}
	case RCAActionClose:
	default:
		return Validationf("unknown rca action %q", r.Action)
	}
	return nil
}

// SafetyIncident reports a safety occurrence.
type SafetyIncident struct {
	Severity    SafetySeverity `json:"severity"`
	Description string         `json:"description,omitempty"`
}

func (SafetyIncident) Kind() EventKind { return KindSafetyIncident }

func (s SafetyIncident) Validate() error {
	if !s.Severity.Valid() {
		return Validationf("unknown safety severity %q", s.Severity)
	}
	return nil
}

// FiveSAudit scores one workplace organization audit. Each pillar is a
// percentage in [0,100].
type FiveSAudit struct {
	Sort        float64 `json:"sort"`
	SetInOrder  float64 `json:"set_in_order"`
	Shine       float64 `json:"shine"`
	Standardize float64 `json:"standardize"`
	Sustain     float64 `json:"sustain"`
	Area        string  `json:"area,omitempty"`
	Auditor     string  `json:"auditor,omitempty"`
}

func (FiveSAudit) Kind() EventKind { return KindFiveSAudit }

// Scores returns the pillar scores of the audit.
func (f FiveSAudit) Scores() FiveSScores {
	return FiveSScores{Sort: f.Sort, SetInOrder: f.SetInOrder, Shine: f.Shine, Standardize: f.Standardize, Sustain: f.Sustain}
}

func (f FiveSAudit) Validate() error {
	for _, p := range []struct {
		name  string
		score float64
	}{
		{"sort", f.Sort},
		{"set_in_order", f.SetInOrder},
		{"shine", f.Shine},
		{"standardize", f.Standardize},
		{"sustain", f.Sustain},
	} {
		if !finite(p.score) || p.score < 0 || p.score > 100 {
			return Validationf("%s must be between 0 and 100", p.name)
		}
	}
	return nil
}

// DecodePayload decodes raw into the payload type selected by kind. Unknown
// fields are rejected so schema drift surfaces as a validation error.
func DecodePayload(kind EventKind, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, Validationf("payload is required")
	}

	var p Payload
	var err error
	switch kind {
	case KindProductionRun:
		p, err = decodeAs[ProductionRun](raw)
	case KindDowntimeEvent:
		p, err = decodeAs[DowntimeEvent](raw)
	case KindQualityInspection:
		p, err = decodeAs[QualityInspection](raw)
	case KindCostEntry:
		p, err = decodeAs[CostEntry](raw)
	case KindAbnormalityReport:
		p, err = decodeAs[AbnormalityReport](raw)
	case KindKaizenReport:
		p, err = decodeAs[KaizenReport](raw)
	case KindSafetyIncident:
		p, err = decodeAs[SafetyIncident](raw)
	case KindRootCauseReport:
		p, err = decodeAs[RootCauseReport](raw)
	case KindFiveSAudit:
		p, err = decodeAs[FiveSAudit](raw)
	default:
		return nil, Validationf("unknown event kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ContentHash returns the SHA-256 of the canonical encoding of p. Two payloads
// that differ only in field order or whitespace hash equally.
func ContentHash(p Payload) (string, error) {
	canonical, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, Validationf("malformed payload: %v", err)
	}
	return v, nil
}

func nonNegative(field string, v float64) error {
	if !finite(v) || v < 0 {
		return Validationf("%s must be a non-negative number", field)
	}
	return nil
}
