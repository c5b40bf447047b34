// Package costs rolls up cost ledger entries and compares them with the
// budget plan.
package costs

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"kpiengine/models"
	"kpiengine/window"
)

type amounts struct {
	variable float64
	fixed    float64
}

// Aggregator sums cost entries per category into window buckets, plant wide
// for rollups and per snapshot key for snapshot cost summaries.
type Aggregator struct {
	mu       sync.RWMutex
	windower window.Windower
	buckets  map[int64]map[models.CostCategory]*amounts
	subjects map[string]map[models.CostCategory]*amounts
	// Equipment keys whose persisted totals are already in buckets.
	restored map[string]bool
	plan     []models.BudgetPlanEntry
}

// NewAggregator creates an aggregator bucketing by w.
func NewAggregator(w window.Windower) *Aggregator {
	return &Aggregator{
		windower: w,
		buckets:  make(map[int64]map[models.CostCategory]*amounts),
		subjects: make(map[string]map[models.CostCategory]*amounts),
		restored: make(map[string]bool),
	}
}

// SetPlan replaces the budget plan.
func (a *Aggregator) SetPlan(entries []models.BudgetPlanEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plan = append([]models.BudgetPlanEntry(nil), entries...)
}

// Stage adds a cost entry to its plant-wide bucket and to every key, and
// returns a rollback. Per-key lines are restored from a copy; the shared
// plant-wide bucket is decremented.
func (a *Aggregator) Stage(occurredAt time.Time, entry models.CostEntry, keys []models.SnapshotKey) (rollback func()) {
	start, _ := a.windower.Bounds(occurredAt)
	bucketID := start.UnixNano()

	a.mu.Lock()
	defer a.mu.Unlock()

	bucket, ok := a.buckets[bucketID]
	if !ok {
		bucket = make(map[models.CostCategory]*amounts)
		a.buckets[bucketID] = bucket
	}
	add(bucket, entry, 1)

	saved := make(map[string]map[models.CostCategory]*amounts, len(keys))
	for _, k := range keys {
		lines, ok := a.subjects[k.ID()]
		if !ok {
			saved[k.ID()] = nil
			lines = make(map[models.CostCategory]*amounts)
			a.subjects[k.ID()] = lines
		} else {
			saved[k.ID()] = copyLines(lines)
		}
		add(lines, entry, 1)
	}

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if b, ok := a.buckets[bucketID]; ok {
			add(b, entry, -1)
		}
		for id, lines := range saved {
			if lines == nil {
				delete(a.subjects, id)
				continue
			}
			a.subjects[id] = lines
		}
	}
}

// Summary returns the cost of key's window. Cost per unit divides the total
// by units and is unavailable when nothing was produced.
func (a *Aggregator) Summary(key models.SnapshotKey, units int64) models.CostSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	lines := a.subjects[key.ID()]
	summary := models.CostSummary{Lines: make([]models.CostLine, 0, len(lines))}
	for _, cat := range models.AllCostCategories {
		amt, ok := lines[cat]
		if !ok {
			continue
		}
		summary.Lines = append(summary.Lines, models.CostLine{
			Category: cat,
			Variable: amt.variable,
			Fixed:    amt.fixed,
			Total:    amt.variable + amt.fixed,
		})
		summary.Variable += amt.variable
		summary.Fixed += amt.fixed
	}
	summary.Total = summary.Variable + summary.Fixed
	summary.CostPerUnit = models.Quotient(summary.Total, float64(units))
	return summary
}

// Seed restores key's cost lines from a persisted summary unless already
// tracked, and folds an equipment summary into its plant-wide bucket.
func (a *Aggregator) Seed(key models.SnapshotKey, summary models.CostSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subjects[key.ID()]; ok {
		return
	}
	lines := make(map[models.CostCategory]*amounts, len(summary.Lines))
	for _, l := range summary.Lines {
		lines[l.Category] = &amounts{variable: l.Variable, fixed: l.Fixed}
	}
	a.subjects[key.ID()] = lines
	a.restoreBucket(key, summary)
}

// Restore folds a persisted summary into the plant-wide bucket of key's
// window without tracking key. Every cost entry lands in exactly one
// equipment window, so line summaries are ignored. Restoring the same key
// twice, or after Seed, is a no-op.
func (a *Aggregator) Restore(key models.SnapshotKey, summary models.CostSummary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restoreBucket(key, summary)
}

func (a *Aggregator) restoreBucket(key models.SnapshotKey, summary models.CostSummary) {
	if key.Scope != models.ScopeEquipment || a.restored[key.ID()] {
		return
	}
	a.restored[key.ID()] = true
	if len(summary.Lines) == 0 {
		return
	}
	bucketID := key.PeriodStart.UnixNano()
	bucket, ok := a.buckets[bucketID]
	if !ok {
		bucket = make(map[models.CostCategory]*amounts)
		a.buckets[bucketID] = bucket
	}
	for _, l := range summary.Lines {
		add(bucket, models.CostEntry{Category: l.Category, VariableAmount: l.Variable, FixedAmount: l.Fixed}, 1)
	}
}

// Drop forgets key's per-subject lines. Plant-wide buckets are kept for rollups.
func (a *Aggregator) Drop(key models.SnapshotKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subjects, key.ID())
}

// Rollup sums every bucket whose window starts inside period and computes the
// variance of each category against the plan entries lying within period.
// Without a plan (or with a zero plan) the variance is unavailable.
func (a *Aggregator) Rollup(period models.Period) models.CostRollup {
	a.mu.RLock()
	defer a.mu.RUnlock()

	actual := make(map[models.CostCategory]*amounts)
	for startNano, bucket := range a.buckets {
		start := time.Unix(0, startNano).UTC()
		if !period.Contains(start) {
			continue
		}
		for cat, amt := range bucket {
			sum, ok := actual[cat]
			if !ok {
				sum = &amounts{}
				actual[cat] = sum
			}
			sum.variable += amt.variable
			sum.fixed += amt.fixed
		}
	}

	planned := make(map[models.CostCategory]float64)
	hasPlan := make(map[models.CostCategory]bool)
	for _, p := range a.plan {
		if period.Covers(p.Period()) {
			planned[p.Category] += p.Planned
			hasPlan[p.Category] = true
		}
	}

	rollup := models.CostRollup{Period: period}
	var totalPlanned float64
	totalAvailable := true
	anyPlan := false
	for _, cat := range models.AllCostCategories {
		amt, spent := actual[cat]
		if !spent && !hasPlan[cat] {
			continue
		}
		line := models.CategoryRollup{Category: cat, Planned: models.Unknown(), Variance: models.Unknown()}
		if spent {
			line.Variable = amt.variable
			line.Fixed = amt.fixed
			line.Total = amt.variable + amt.fixed
		}
		if hasPlan[cat] {
			anyPlan = true
			line.Planned = models.Known(planned[cat])
			line.Variance = models.Quotient(line.Total-planned[cat], planned[cat])
			totalPlanned += planned[cat]
		} else {
			totalAvailable = false
		}
		rollup.Total += line.Total
		rollup.Categories = append(rollup.Categories, line)
	}

	rollup.TotalPlanned = models.Unknown()
	rollup.TotalVariance = models.Unknown()
	if anyPlan {
		rollup.TotalPlanned = models.Known(totalPlanned)
		if totalAvailable {
			rollup.TotalVariance = models.Quotient(rollup.Total-totalPlanned, totalPlanned)
		}
	}
	return rollup
}

type budgetFile struct {
	Plans []models.BudgetPlanEntry `yaml:"plans"`
}

// LoadBudgetPlan reads a YAML budget plan:
//
//	plans:
//	  - category: Labor
//	    period_start: 2024-01-01T00:00:00Z
//	    period_end: 2024-02-01T00:00:00Z
//	    planned: 120000
func LoadBudgetPlan(path string) ([]models.BudgetPlanEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read budget plan: %w", err)
	}
	return ParseBudgetPlan(data)
}

// ParseBudgetPlan decodes and validates a YAML budget plan document.
func ParseBudgetPlan(data []byte) ([]models.BudgetPlanEntry, error) {
	var f budgetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse budget plan: %w", err)
	}
	for i, p := range f.Plans {
		if !p.Category.Valid() {
			return nil, fmt.Errorf("budget plan entry %d: unknown category %q", i, p.Category)
		}
		if !p.Period().Valid() {
			return nil, fmt.Errorf("budget plan entry %d: invalid period", i)
		}
		if p.Planned < 0 {
			return nil, fmt.Errorf("budget plan entry %d: planned amount must not be negative", i)
		}
	}
	return f.Plans, nil
}

func add(lines map[models.CostCategory]*amounts, entry models.CostEntry, sign float64) {
	amt, ok := lines[entry.Category]
	if !ok {
		amt = &amounts{}
		lines[entry.Category] = amt
	}
	amt.variable += sign * entry.VariableAmount
	amt.fixed += sign * entry.FixedAmount
}

func copyLines(lines map[models.CostCategory]*amounts) map[models.CostCategory]*amounts {
	cp := make(map[models.CostCategory]*amounts, len(lines))
	for cat, amt := range lines {
		v := *amt
		cp[cat] = &v
	}
	return cp
}
