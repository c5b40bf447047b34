package models

import (
	"fmt"
	"time"
)

// Period is a half-open time range [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the period is non-empty.
func (p Period) Valid() bool {
	return !p.Start.IsZero() && p.End.After(p.Start)
}

// Contains reports whether t lies in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Covers reports whether q lies entirely within p.
func (p Period) Covers(q Period) bool {
	return !q.Start.Before(p.Start) && !q.End.After(p.End)
}

// SnapshotKey identifies a snapshot: one subject over one window.
type SnapshotKey struct {
	Scope       Scope
	SubjectID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// ID renders the key as a stable string usable as a map key.
func (k SnapshotKey) ID() string {
	return fmt.Sprintf("%s/%s/%d/%d", k.Scope, k.SubjectID, k.PeriodStart.UnixNano(), k.PeriodEnd.UnixNano())
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s:%s[%s,%s)", k.Scope, k.SubjectID,
		k.PeriodStart.UTC().Format(time.RFC3339), k.PeriodEnd.UTC().Format(time.RFC3339))
}

// Period returns the window of the key.
func (k SnapshotKey) Period() Period {
	return Period{Start: k.PeriodStart, End: k.PeriodEnd}
}

// KPISnapshot is the aggregated KPI output for one subject and window. Open
// snapshots are recomputed on every event; closed ones never change.
type KPISnapshot struct {
	Scope        Scope     `json:"scope"`
	SubjectID    string    `json:"subject_id"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	Availability Metric    `json:"availability"`
	Performance  Metric    `json:"performance"`
	Quality      Metric    `json:"quality"`
	OEE          Metric    `json:"oee"`

	Production  ProductionTotals    `json:"production"`
	Downtime    DowntimeSummary     `json:"downtime"`
	Reliability ReliabilitySummary  `json:"reliability"`
	Inspection  InspectionSummary   `json:"inspection"`
	Abnormality AbnormalityActivity `json:"abnormality"`
	Cost        CostSummary         `json:"cost"`
	Safety      SafetySummary       `json:"safety"`
	FiveS       FiveSSummary        `json:"five_s"`

	EventCount int64      `json:"event_count"`
	Version    int64      `json:"version"`
	ComputedAt time.Time  `json:"computed_at"`
	Closed     bool       `json:"closed"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// Key returns the store key of the snapshot.
func (s KPISnapshot) Key() SnapshotKey {
	return SnapshotKey{Scope: s.Scope, SubjectID: s.SubjectID, PeriodStart: s.PeriodStart, PeriodEnd: s.PeriodEnd}
}

// ProductionTotals are the summed production counters of a window. Ratios are
// always recomputed from these sums.
type ProductionTotals struct {
	Runs            int64   `json:"runs"`
	PlannedMinutes  float64 `json:"planned_minutes"`
	RunMinutes      float64 `json:"run_minutes"`
	IdealRunMinutes float64 `json:"ideal_run_minutes"`
	TotalCount      int64   `json:"total_count"`
	GoodCount       int64   `json:"good_count"`
}

// DowntimeSegment is one category of the downtime breakdown.
type DowntimeSegment struct {
	Category DowntimeCategory `json:"category"`
	Events   int64            `json:"events"`
	Minutes  float64          `json:"minutes"`
	Share    Metric           `json:"share"`
}

// DowntimeSummary segments the downtime of a window by category.
type DowntimeSummary struct {
	TotalMinutes float64           `json:"total_minutes"`
	Segments     []DowntimeSegment `json:"segments"`
}

// ReliabilitySummary carries MTBF and MTTR in minutes.
type ReliabilitySummary struct {
	FailureCount           int64   `json:"failure_count"`
	FailureDowntimeMinutes float64 `json:"failure_downtime_minutes"`
	MTBFMinutes            Metric  `json:"mtbf_minutes"`
	MTTRMinutes            Metric  `json:"mttr_minutes"`
}

// InspectionSummary carries quality inspection totals and first pass yield.
type InspectionSummary struct {
	Inspected      int64  `json:"inspected"`
	FirstPass      int64  `json:"first_pass"`
	Defects        int64  `json:"defects"`
	Complaints     int64  `json:"complaints"`
	FirstPassYield Metric `json:"first_pass_yield"`
}

// AbnormalityActivity counts lifecycle activity that happened inside a window.
type AbnormalityActivity struct {
	Identified           int64   `json:"identified"`
	Started              int64   `json:"started"`
	Closed               int64   `json:"closed"`
	SparesCostIdentified float64 `json:"spares_cost_identified"`
	KaizensImplemented   int64   `json:"kaizens_implemented"`
	KaizensReplicated    int64   `json:"kaizens_replicated"`
	RCAsOpened           int64   `json:"rcas_opened"`
	RCAsClosed           int64   `json:"rcas_closed"`
}

// CostLine is the cost of one category.
type CostLine struct {
	Category CostCategory `json:"category"`
	Variable float64      `json:"variable"`
	Fixed    float64      `json:"fixed"`
	Total    float64      `json:"total"`
}

// CostSummary is the cost of one subject over one window.
type CostSummary struct {
	Lines       []CostLine `json:"lines"`
	Variable    float64    `json:"variable"`
	Fixed       float64    `json:"fixed"`
	Total       float64    `json:"total"`
	CostPerUnit Metric     `json:"cost_per_unit"`
}

// FiveSScores are the pillar scores of 5S audits in percentage points.
type FiveSScores struct {
	Sort        float64 `json:"sort"`
	SetInOrder  float64 `json:"set_in_order"`
	Shine       float64 `json:"shine"`
	Standardize float64 `json:"standardize"`
	Sustain     float64 `json:"sustain"`
}

// Plus returns the pillar-wise sum of s and o.
func (s FiveSScores) Plus(o FiveSScores) FiveSScores {
	return FiveSScores{
		Sort:        s.Sort + o.Sort,
		SetInOrder:  s.SetInOrder + o.SetInOrder,
		Shine:       s.Shine + o.Shine,
		Standardize: s.Standardize + o.Standardize,
		Sustain:     s.Sustain + o.Sustain,
	}
}

// Sum adds the five pillars.
func (s FiveSScores) Sum() float64 {
	return s.Sort + s.SetInOrder + s.Shine + s.Standardize + s.Sustain
}

// FiveSSummary averages the 5S audits of a window as fractions of the full
// score. ScoreTotals keeps the summed percentage points the averages are
// recomputed from. Every average is unavailable without audits.
type FiveSSummary struct {
	Audits      int64       `json:"audits"`
	ScoreTotals FiveSScores `json:"score_totals"`
	Sort        Metric      `json:"sort"`
	SetInOrder  Metric      `json:"set_in_order"`
	Shine       Metric      `json:"shine"`
	Standardize Metric      `json:"standardize"`
	Sustain     Metric      `json:"sustain"`
	Overall     Metric      `json:"overall"`
}

// SafetySummary counts safety incidents by severity.
type SafetySummary struct {
	NearMiss int64 `json:"near_miss"`
	FirstAid int64 `json:"first_aid"`
	LostTime int64 `json:"lost_time"`
}
