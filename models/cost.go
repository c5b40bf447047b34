package models

import "time"

// BudgetPlanEntry is the planned spend of one category over one period.
type BudgetPlanEntry struct {
	Category    CostCategory `json:"category" yaml:"category"`
	PeriodStart time.Time    `json:"period_start" yaml:"period_start"`
	PeriodEnd   time.Time    `json:"period_end" yaml:"period_end"`
	Planned     float64      `json:"planned" yaml:"planned"`
}

// Period returns the plan entry's period.
func (b BudgetPlanEntry) Period() Period {
	return Period{Start: b.PeriodStart, End: b.PeriodEnd}
}

// CategoryRollup is the actual and planned spend of one category.
type CategoryRollup struct {
	Category CostCategory `json:"category"`
	Variable float64      `json:"variable"`
	Fixed    float64      `json:"fixed"`
	Total    float64      `json:"total"`
	Planned  Metric       `json:"planned"`
	Variance Metric       `json:"variance"`
}

// CostRollup is the result of rolling up cost entries over a period.
type CostRollup struct {
	Period        Period           `json:"period"`
	Categories    []CategoryRollup `json:"categories"`
	Total         float64          `json:"total"`
	TotalPlanned  Metric           `json:"total_planned"`
	TotalVariance Metric           `json:"total_variance"`
}
