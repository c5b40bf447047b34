package models

import "time"

// AuditNote is a free-text annotation on an abnormality.
type AuditNote struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Abnormality is a detected deviation from standard condition.
type Abnormality struct {
	ID           string              `json:"abnormality_id"`
	EquipmentID  string              `json:"equipment_id"`
	LineID       string              `json:"line_id,omitempty"`
	Category     AbnormalityCategory `json:"category"`
	State        AbnormalityState    `json:"state"`
	SparesCost   float64             `json:"spares_cost"`
	Description  string              `json:"description,omitempty"`
	IdentifiedAt time.Time           `json:"identified_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	ClosedAt     *time.Time          `json:"closed_at,omitempty"`
	Notes        []AuditNote         `json:"notes,omitempty"`
}

// StateCounts are abnormality counts for one category or globally.
// IdentifiedCumulative always equals Identified + InProgress + Closed.
type StateCounts struct {
	IdentifiedCumulative int64 `json:"identified_cumulative"`
	Identified           int64 `json:"identified"`
	InProgress           int64 `json:"in_progress"`
	Closed               int64 `json:"closed"`
	Open                 int64 `json:"open"`
}

// Add counts one abnormality in state s.
func (c *StateCounts) Add(s AbnormalityState) {
	c.IdentifiedCumulative++
	switch s {
	case AbnormalityIdentified:
		c.Identified++
		c.Open++
	case AbnormalityInProgress:
		c.InProgress++
		c.Open++
	case AbnormalityClosed:
		c.Closed++
	}
}

// Reconciles reports whether the cumulative count matches the state counts.
func (c StateCounts) Reconciles() bool {
	return c.IdentifiedCumulative == c.Identified+c.InProgress+c.Closed &&
		c.Open == c.Identified+c.InProgress
}

// CategoryCounts are the state counts of one abnormality category.
type CategoryCounts struct {
	Category AbnormalityCategory `json:"category"`
	StateCounts
}

// AbnormalitySummary aggregates abnormalities per category and globally.
type AbnormalitySummary struct {
	Global             StateCounts      `json:"global"`
	Categories         []CategoryCounts `json:"categories"`
	SparesRequiredCost float64          `json:"spares_required_cost"`
}

// Kaizen is an implemented improvement and its replications.
type Kaizen struct {
	ID             string               `json:"kaizen_id"`
	EquipmentID    string               `json:"equipment_id"`
	Classification KaizenClassification `json:"classification"`
	State          KaizenState          `json:"state"`
	Site           string               `json:"site"`
	Title          string               `json:"title,omitempty"`
	ImplementedAt  time.Time            `json:"implemented_at"`
	Replications   map[string]int64     `json:"replications,omitempty"`
}

// ClassificationCounts are kaizen counts for one PQCDSE class.
type ClassificationCounts struct {
	Classification KaizenClassification `json:"classification"`
	Implemented    int64                `json:"implemented"`
	Replicated     int64                `json:"replicated"`
}

// KaizenSummary aggregates kaizens. Implemented counts every kaizen since a
// replicated kaizen is implemented at its origin site.
type KaizenSummary struct {
	Implemented      int64                  `json:"implemented"`
	Replicated       int64                  `json:"replicated"`
	ReplicationCount int64                  `json:"replication_count"`
	Classifications  []ClassificationCounts `json:"classifications"`
}

// RootCauseAnalysis links abnormalities or failures to a root cause.
type RootCauseAnalysis struct {
	ID                string     `json:"rca_id"`
	EquipmentID       string     `json:"equipment_id"`
	LinkedIDs         []string   `json:"linked_ids"`
	FailureCode       string     `json:"failure_code"`
	RootCause         string     `json:"root_cause,omitempty"`
	State             RCAState   `json:"state"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	IsRepeatedFailure bool       `json:"is_repeated_failure"`
}

// RCASummary aggregates root cause analyses.
type RCASummary struct {
	Pending          int64    `json:"pending"`
	Closed           int64    `json:"closed"`
	RepeatedFailures int64    `json:"repeated_failures"`
	RepeatedIDs      []string `json:"repeated_ids,omitempty"`
}

// AbnormalityFilter narrows abnormality summaries.
type AbnormalityFilter struct {
	Category    AbnormalityCategory
	EquipmentID string
	LineID      string
}

// Matches reports whether a passes the filter.
func (f AbnormalityFilter) Matches(a *Abnormality) bool {
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.EquipmentID != "" && a.EquipmentID != f.EquipmentID {
		return false
	}
	if f.LineID != "" && a.LineID != f.LineID {
		return false
	}
	return true
}
