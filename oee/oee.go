// Package oee derives Overall Equipment Effectiveness, downtime segmentation
// and reliability statistics from summed window counters.
package oee

import (
	"kpiengine/models"
)

// Factors are the three OEE factors and their product.
type Factors struct {
	Availability models.Metric
	Performance  models.Metric
	Quality      models.Metric
	OEE          models.Metric
}

// Compute derives OEE factors from summed production totals:
//
//	Availability = run / planned
//	Performance  = (ideal cycle time * total count) / run
//	Quality      = good / total
//
// Each factor is clamped to [0,1] and is unavailable when its denominator is
// zero. OEE is unavailable whenever any factor is.
func Compute(p models.ProductionTotals) Factors {
	f := Factors{
		Availability: models.Ratio(p.RunMinutes, p.PlannedMinutes),
		Performance:  models.Ratio(p.IdealRunMinutes, p.RunMinutes),
		Quality:      models.Ratio(float64(p.GoodCount), float64(p.TotalCount)),
	}
	f.OEE = models.Product(f.Availability, f.Performance, f.Quality)
	return f
}

// Counters are the summed inputs of one window. Every derived figure is
// recomputed from these sums, never from earlier rounded outputs.
type Counters struct {
	Production      models.ProductionTotals
	DowntimeMinutes map[models.DowntimeCategory]float64
	DowntimeEvents  map[models.DowntimeCategory]int64
	FailureCount    int64
	FailureMinutes  float64
	Inspection      models.InspectionSummary
	Safety          models.SafetySummary
	Audits          int64
	FiveS           models.FiveSScores
	Events          int64
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{
		DowntimeMinutes: make(map[models.DowntimeCategory]float64),
		DowntimeEvents:  make(map[models.DowntimeCategory]int64),
	}
}

// Clone returns a deep copy of the counters.
func (c *Counters) Clone() *Counters {
	cp := *c
	cp.DowntimeMinutes = make(map[models.DowntimeCategory]float64, len(c.DowntimeMinutes))
	for k, v := range c.DowntimeMinutes {
		cp.DowntimeMinutes[k] = v
	}
	cp.DowntimeEvents = make(map[models.DowntimeCategory]int64, len(c.DowntimeEvents))
	for k, v := range c.DowntimeEvents {
		cp.DowntimeEvents[k] = v
	}
	return &cp
}

// Add folds one payload into the counters. Payload kinds the engine does not
// aggregate still count as window events.
func (c *Counters) Add(p models.Payload) {
	c.Events++
	switch v := p.(type) {
	case models.ProductionRun:
		c.Production.Runs++
		c.Production.PlannedMinutes += v.PlannedTime
		c.Production.RunMinutes += v.RunTime
		c.Production.IdealRunMinutes += v.IdealCycleTime * float64(v.TotalCount)
		c.Production.TotalCount += v.TotalCount
		c.Production.GoodCount += v.GoodCount
	case models.DowntimeEvent:
		c.DowntimeMinutes[v.Category] += v.DurationMinutes
		c.DowntimeEvents[v.Category]++
		if v.UnplannedFailure {
			c.FailureCount++
			c.FailureMinutes += v.DurationMinutes
		}
	case models.QualityInspection:
		c.Inspection.Inspected += v.InspectedCount
		c.Inspection.FirstPass += v.FirstPassCount
		c.Inspection.Defects += v.DefectCount
		c.Inspection.Complaints += v.ComplaintCount
	case models.SafetyIncident:
		switch v.Severity {
		case models.SafetyNearMiss:
			c.Safety.NearMiss++
		case models.SafetyFirstAid:
			c.Safety.FirstAid++
		case models.SafetyLostTime:
			c.Safety.LostTime++
		}
	case models.FiveSAudit:
		c.Audits++
		c.FiveS = c.FiveS.Plus(v.Scores())
	}
}

// Downtime segments the window's downtime by category. Every category is
// listed, in declaration order; shares are unavailable when there was no
// downtime at all.
func (c *Counters) Downtime() models.DowntimeSummary {
	var total float64
	for _, cat := range models.AllDowntimeCategories {
		total += c.DowntimeMinutes[cat]
	}
	summary := models.DowntimeSummary{
		TotalMinutes: total,
		Segments:     make([]models.DowntimeSegment, 0, len(models.AllDowntimeCategories)),
	}
	for _, cat := range models.AllDowntimeCategories {
		summary.Segments = append(summary.Segments, models.DowntimeSegment{
			Category: cat,
			Events:   c.DowntimeEvents[cat],
			Minutes:  c.DowntimeMinutes[cat],
			Share:    models.Ratio(c.DowntimeMinutes[cat], total),
		})
	}
	return summary
}

// Reliability returns MTBF = run time / failures and MTTR = failure downtime /
// failures, both in minutes.
func (c *Counters) Reliability() models.ReliabilitySummary {
	failures := float64(c.FailureCount)
	return models.ReliabilitySummary{
		FailureCount:           c.FailureCount,
		FailureDowntimeMinutes: c.FailureMinutes,
		MTBFMinutes:            models.Quotient(c.Production.RunMinutes, failures),
		MTTRMinutes:            models.Quotient(c.FailureMinutes, failures),
	}
}

// InspectionSummary returns inspection totals with first pass yield.
func (c *Counters) InspectionSummary() models.InspectionSummary {
	s := c.Inspection
	s.FirstPassYield = models.Ratio(float64(s.FirstPass), float64(s.Inspected))
	return s
}

// FiveSSummary averages the window's 5S audits. Overall is the mean of the
// five pillar averages.
func (c *Counters) FiveSSummary() models.FiveSSummary {
	points := float64(c.Audits) * 100
	return models.FiveSSummary{
		Audits:      c.Audits,
		ScoreTotals: c.FiveS,
		Sort:        models.Ratio(c.FiveS.Sort, points),
		SetInOrder:  models.Ratio(c.FiveS.SetInOrder, points),
		Shine:       models.Ratio(c.FiveS.Shine, points),
		Standardize: models.Ratio(c.FiveS.Standardize, points),
		Sustain:     models.Ratio(c.FiveS.Sustain, points),
		Overall:     models.Ratio(c.FiveS.Sum(), 5*points),
	}
}

// Fill writes everything derivable from the counters into snap.
func (c *Counters) Fill(snap *models.KPISnapshot) {
	f := Compute(c.Production)
	snap.Availability = f.Availability
	snap.Performance = f.Performance
	snap.Quality = f.Quality
	snap.OEE = f.OEE
	snap.Production = c.Production
	snap.Downtime = c.Downtime()
	snap.Reliability = c.Reliability()
	snap.Inspection = c.InspectionSummary()
	snap.Safety = c.Safety
	snap.FiveS = c.FiveSSummary()
	snap.EventCount = c.Events
}

// CountersFromSnapshot rebuilds counters from a persisted snapshot, which
// carries the raw sums alongside the derived ratios.
func CountersFromSnapshot(snap *models.KPISnapshot) *Counters {
	c := NewCounters()
	c.Production = snap.Production
	for _, seg := range snap.Downtime.Segments {
		c.DowntimeMinutes[seg.Category] = seg.Minutes
		c.DowntimeEvents[seg.Category] = seg.Events
	}
	c.FailureCount = snap.Reliability.FailureCount
	c.FailureMinutes = snap.Reliability.FailureDowntimeMinutes
	c.Inspection = snap.Inspection
	c.Inspection.FirstPassYield = models.Metric{}
	c.Safety = snap.Safety
	c.Audits = snap.FiveS.Audits
	c.FiveS = snap.FiveS.ScoreTotals
	c.Events = snap.EventCount
	return c
}

// Rollup combines subject OEE values into one figure by averaging. An
// unavailable input makes the rollup unavailable rather than being skipped.
func Rollup(values []models.Metric) models.Metric {
	if len(values) == 0 {
		return models.Unknown()
	}
	var sum float64
	for _, v := range values {
		if !v.Available {
			return models.Unknown()
		}
		sum += v.Value
	}
	return models.Known(sum / float64(len(values)))
}
