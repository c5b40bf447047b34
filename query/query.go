// Package query is the read side of the engine. It never mutates state.
package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kpiengine/costs"
	"kpiengine/lifecycle"
	"kpiengine/models"
	"kpiengine/oee"
	"kpiengine/store"
	"kpiengine/window"
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

// AlertSource lists recently raised KPI alerts.
type AlertSource interface {
	RecentAlerts(limit int) []models.Alert
}

// SubjectOEE is one equipment's contribution to a plant rollup.
type SubjectOEE struct {
	SubjectID string        `json:"subject_id"`
	OEE       models.Metric `json:"oee"`
	Closed    bool          `json:"closed"`
}

// PlantOEE averages the factors of every equipment snapshot of one window.
// Any unavailable contribution makes the corresponding average unavailable.
type PlantOEE struct {
	Period       models.Period `json:"period"`
	Availability models.Metric `json:"availability"`
	Performance  models.Metric `json:"performance"`
	Quality      models.Metric `json:"quality"`
	OEE          models.Metric `json:"oee"`
	Equipment    []SubjectOEE  `json:"equipment"`
}

// Service answers dashboard queries.
type Service struct {
	store    *store.Store
	tracker  *lifecycle.Tracker
	costs    *costs.Aggregator
	windower window.Windower
	alerts   AlertSource
	logger   *zap.Logger
}

// New creates a query service. alerts may be nil.
func New(st *store.Store, tracker *lifecycle.Tracker, costAgg *costs.Aggregator, w window.Windower, alerts AlertSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		tracker:  tracker,
		costs:    costAgg,
		windower: w,
		alerts:   alerts,
		logger:   logger,
	}
}

// Latest returns the most recent snapshot of a subject.
func (s *Service) Latest(ctx context.Context, scope models.Scope, subjectID string) (*models.KPISnapshot, error) {
	if err := checkSubject(scope, subjectID); err != nil {
		return nil, err
	}
	return s.store.Latest(ctx, scope, subjectID)
}

// At returns the snapshot of the window containing at.
func (s *Service) At(ctx context.Context, scope models.Scope, subjectID string, at time.Time) (*models.KPISnapshot, error) {
	if err := checkSubject(scope, subjectID); err != nil {
		return nil, err
	}
	if at.IsZero() {
		return nil, models.Validationf("at is required")
	}
	return s.store.Get(ctx, s.windower.Key(scope, subjectID, at))
}

// Series pages through a subject's snapshots whose period starts in
// [from, to). Zero bounds are open. A zero limit selects DefaultPageLimit.
func (s *Service) Series(ctx context.Context, scope models.Scope, subjectID string, from, to time.Time, token string, limit int) (store.Page, error) {
	if err := checkSubject(scope, subjectID); err != nil {
		return store.Page{}, err
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return store.Page{}, models.Validationf("to must be after from")
	}
	switch {
	case limit < 0:
		return store.Page{}, models.Validationf("limit must not be negative, got %d", limit)
	case limit == 0:
		limit = DefaultPageLimit
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}

	f := store.Filter{Scope: scope, SubjectID: subjectID, From: from.UTC(), To: to.UTC()}
	return s.store.Page(ctx, f, token, limit)
}

// AbnormalitySummary counts abnormalities by state per category.
func (s *Service) AbnormalitySummary(filter models.AbnormalityFilter) (models.AbnormalitySummary, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return models.AbnormalitySummary{}, models.Validationf("unknown abnormality category %q", filter.Category)
	}
	return s.tracker.AbnormalitySummary(filter), nil
}

// KaizenSummary counts kaizens per PQCDSE class.
func (s *Service) KaizenSummary(equipmentID string) models.KaizenSummary {
	return s.tracker.KaizenSummary(equipmentID)
}

// RCASummary counts root cause analyses and repeated failures.
func (s *Service) RCASummary() models.RCASummary {
	return s.tracker.RCASummary()
}

// RCAs lists root cause analyses with the repeated-failure flag.
func (s *Service) RCAs() []models.RootCauseAnalysis {
	return s.tracker.RCAs()
}

// Abnormality returns one abnormality with its audit trail.
func (s *Service) Abnormality(id string) (models.Abnormality, error) {
	return s.tracker.Abnormality(id)
}

// CostRollup sums cost entries of windows overlapping period and compares
// them with the budget plan. Spend is only known per window, so a period
// that does not fall on window boundaries is widened to the windows it
// touches; the rollup reports the widened period.
func (s *Service) CostRollup(period models.Period) (models.CostRollup, error) {
	if !period.Valid() {
		return models.CostRollup{}, models.Validationf("invalid period [%s, %s)", period.Start, period.End)
	}
	period = models.Period{Start: period.Start.UTC(), End: period.End.UTC()}
	if !s.windower.Aligned(period) {
		period = models.Period{
			Start: s.windower.Period(period.Start).Start,
			End:   s.windower.Period(period.End.Add(-time.Nanosecond)).End,
		}
	}
	return s.costs.Rollup(period), nil
}

// PlantOEE rolls up every equipment snapshot of the window containing at.
func (s *Service) PlantOEE(ctx context.Context, at time.Time) (PlantOEE, error) {
	if at.IsZero() {
		return PlantOEE{}, models.Validationf("at is required")
	}
	period := s.windower.Period(at)
	snaps, err := s.store.Query(ctx, store.Filter{Scope: models.ScopeEquipment, From: period.Start, To: period.End})
	if err != nil {
		return PlantOEE{}, err
	}

	out := PlantOEE{Period: period, Equipment: make([]SubjectOEE, 0, len(snaps))}
	var a, p, q, o []models.Metric
	for _, snap := range snaps {
		a = append(a, snap.Availability)
		p = append(p, snap.Performance)
		q = append(q, snap.Quality)
		o = append(o, snap.OEE)
		out.Equipment = append(out.Equipment, SubjectOEE{SubjectID: snap.SubjectID, OEE: snap.OEE, Closed: snap.Closed})
	}
	out.Availability = oee.Rollup(a)
	out.Performance = oee.Rollup(p)
	out.Quality = oee.Rollup(q)
	out.OEE = oee.Rollup(o)

	s.logger.Debug("plant oee computed",
		zap.Time("period_start", period.Start),
		zap.Int("equipment", len(snaps)),
		zap.Stringer("oee", out.OEE))
	return out, nil
}

// Alerts returns up to limit recent alerts, newest first.
func (s *Service) Alerts(limit int) []models.Alert {
	if s.alerts == nil {
		return []models.Alert{}
	}
	return s.alerts.RecentAlerts(limit)
}

func checkSubject(scope models.Scope, subjectID string) error {
	if !scope.Valid() {
		return models.Validationf("unknown scope %q", scope)
	}
	if subjectID == "" {
		return models.Validationf("subject id is required")
	}
	return nil
}
