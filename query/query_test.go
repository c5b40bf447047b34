package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"kpiengine/costs"
	"kpiengine/lifecycle"
	"kpiengine/models"
	"kpiengine/store"
	"kpiengine/window"
)

var day = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

type staticAlerts []models.Alert

func (s staticAlerts) RecentAlerts(limit int) []models.Alert {
	if limit <= 0 || limit > len(s) {
		return s
	}
	return s[:limit]
}

type QuerySuite struct {
	suite.Suite
	store    *store.Store
	tracker  *lifecycle.Tracker
	costs    *costs.Aggregator
	windower window.Windower
	svc      *Service
}

func (s *QuerySuite) SetupTest() {
	w, err := window.New(24*time.Hour, time.Time{})
	s.Require().NoError(err)
	s.windower = w
	s.store = store.New(store.NewMemoryBackend())
	s.tracker = lifecycle.NewTracker(30 * 24 * time.Hour)
	s.costs = costs.NewAggregator(w)
	s.svc = New(s.store, s.tracker, s.costs, w, staticAlerts{{ID: "a-1", AlertType: "oee_low"}}, nil)
}

func (s *QuerySuite) put(scope models.Scope, subject string, start time.Time, oee models.Metric) {
	key := s.windower.Key(scope, subject, start)
	_, err := s.store.Upsert(context.Background(), models.KPISnapshot{
		Scope:        key.Scope,
		SubjectID:    key.SubjectID,
		PeriodStart:  key.PeriodStart,
		PeriodEnd:    key.PeriodEnd,
		Availability: oee,
		Performance:  models.Known(1),
		Quality:      models.Known(1),
		OEE:          oee,
	})
	s.Require().NoError(err)
}

func (s *QuerySuite) TestLatestAndAt() {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.put(models.ScopeEquipment, "press-1", day.AddDate(0, 0, i), models.Known(0.5+float64(i)/10))
	}

	latest, err := s.svc.Latest(ctx, models.ScopeEquipment, "press-1")
	s.Require().NoError(err)
	s.True(latest.PeriodStart.Equal(day.AddDate(0, 0, 2)))

	at, err := s.svc.At(ctx, models.ScopeEquipment, "press-1", day.AddDate(0, 0, 1).Add(13*time.Hour))
	s.Require().NoError(err)
	s.InDelta(0.6, at.OEE.Value, 1e-9)

	_, err = s.svc.At(ctx, models.ScopeEquipment, "press-1", day.AddDate(0, 0, 9))
	s.ErrorIs(err, models.ErrNotFound)

	_, err = s.svc.Latest(ctx, "plant", "press-1")
	s.ErrorIs(err, models.ErrValidation)
	_, err = s.svc.Latest(ctx, models.ScopeLine, "")
	s.ErrorIs(err, models.ErrValidation)
}

func (s *QuerySuite) TestSeriesPaging() {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.put(models.ScopeLine, "line-a", day.AddDate(0, 0, i), models.Known(0.7))
	}
	s.put(models.ScopeLine, "line-b", day, models.Known(0.7))

	page, err := s.svc.Series(ctx, models.ScopeLine, "line-a", day.AddDate(0, 0, 1), day.AddDate(0, 0, 5), "", 3)
	s.Require().NoError(err)
	s.Len(page.Items, 3)
	s.NotEmpty(page.NextToken)

	next, err := s.svc.Series(ctx, models.ScopeLine, "line-a", day.AddDate(0, 0, 1), day.AddDate(0, 0, 5), page.NextToken, 3)
	s.Require().NoError(err)
	s.Require().Len(next.Items, 1)
	s.True(next.Items[0].PeriodStart.Equal(day.AddDate(0, 0, 4)))
	s.Empty(next.NextToken)

	all, err := s.svc.Series(ctx, models.ScopeLine, "line-a", time.Time{}, time.Time{}, "", 0)
	s.Require().NoError(err)
	s.Len(all.Items, 5)

	_, err = s.svc.Series(ctx, models.ScopeLine, "line-a", day, day, "", 1)
	s.ErrorIs(err, models.ErrValidation)
	_, err = s.svc.Series(ctx, models.ScopeLine, "line-a", time.Time{}, time.Time{}, "", -1)
	s.ErrorIs(err, models.ErrValidation)
	_, err = s.svc.Series(ctx, models.ScopeLine, "line-a", time.Time{}, time.Time{}, "not a token", 1)
	s.ErrorIs(err, models.ErrValidation)
}

func (s *QuerySuite) TestPlantOEE() {
	ctx := context.Background()
	s.put(models.ScopeEquipment, "press-1", day, models.Known(0.6))
	s.put(models.ScopeEquipment, "press-2", day, models.Known(0.8))
	s.put(models.ScopeLine, "line-a", day, models.Known(0.1))
	s.put(models.ScopeEquipment, "press-1", day.AddDate(0, 0, 1), models.Unknown())

	plant, err := s.svc.PlantOEE(ctx, day.Add(6*time.Hour))
	s.Require().NoError(err)
	s.Len(plant.Equipment, 2)
	s.InDelta(0.7, plant.OEE.Value, 1e-9)
	s.True(plant.Quality.Available)

	next, err := s.svc.PlantOEE(ctx, day.AddDate(0, 0, 1))
	s.Require().NoError(err)
	s.False(next.OEE.Available, "unavailable contribution propagates")

	empty, err := s.svc.PlantOEE(ctx, day.AddDate(0, 0, 7))
	s.Require().NoError(err)
	s.Empty(empty.Equipment)
	s.False(empty.OEE.Available)
}

func (s *QuerySuite) TestLifecycleSummaries() {
	for i, id := range []string{"AB-1", "AB-2", "AB-3"} {
		ev := &models.Event{
			Kind:        models.KindAbnormalityReport,
			EquipmentID: "press-1",
			OccurredAt:  day.Add(time.Duration(i) * time.Hour),
			Payload: models.AbnormalityReport{
				AbnormalityID: id, Action: models.AbnormalityActionIdentify,
				Category: models.AbnormalityMinorFlaw, SparesCost: 10,
			},
		}
		_, err := s.tracker.Stage(ev, nil)
		s.Require().NoError(err)
	}
	_, err := s.tracker.Stage(&models.Event{
		Kind: models.KindAbnormalityReport, EquipmentID: "press-1", OccurredAt: day.Add(5 * time.Hour),
		Payload: models.AbnormalityReport{AbnormalityID: "AB-1", Action: models.AbnormalityActionStart},
	}, nil)
	s.Require().NoError(err)

	summary, err := s.svc.AbnormalitySummary(models.AbnormalityFilter{Category: models.AbnormalityMinorFlaw})
	s.Require().NoError(err)
	s.Equal(int64(3), summary.Global.IdentifiedCumulative)
	s.Equal(int64(1), summary.Global.InProgress)
	s.Equal(int64(3), summary.Global.Open)
	s.Require().Len(summary.Categories, 1)
	s.True(summary.Global.Reconciles())

	_, err = s.svc.AbnormalitySummary(models.AbnormalityFilter{Category: "Dust"})
	s.ErrorIs(err, models.ErrValidation)

	ab, err := s.svc.Abnormality("AB-1")
	s.Require().NoError(err)
	s.Equal(models.AbnormalityInProgress, ab.State)

	s.Equal(int64(0), s.svc.KaizenSummary("").Implemented)
	s.Equal(models.RCASummary{}, s.svc.RCASummary())
	s.Empty(s.svc.RCAs())
}

func (s *QuerySuite) TestCostRollup() {
	s.costs.Stage(day, models.CostEntry{Category: models.CostPower, VariableAmount: 40}, nil)

	rollup, err := s.svc.CostRollup(models.Period{Start: day, End: day.AddDate(0, 0, 1)})
	s.Require().NoError(err)
	s.InDelta(40, rollup.Total, 1e-9)

	_, err = s.svc.CostRollup(models.Period{Start: day, End: day})
	s.ErrorIs(err, models.ErrValidation)

	widened, err := s.svc.CostRollup(models.Period{Start: day.Add(6 * time.Hour), End: day.Add(30 * time.Hour)})
	s.Require().NoError(err)
	s.True(widened.Period.Start.Equal(day))
	s.True(widened.Period.End.Equal(day.AddDate(0, 0, 2)))
	s.InDelta(40, widened.Total, 1e-9, "the window the period starts in is included")
}

func (s *QuerySuite) TestAlerts() {
	s.Len(s.svc.Alerts(10), 1)
	s.NotNil(New(s.store, s.tracker, s.costs, s.windower, nil, nil).Alerts(5))
}

func TestQuerySuite(t *testing.T) {
	suite.Run(t, new(QuerySuite))
}

func TestNewDefaultsLogger(t *testing.T) {
	w, err := window.New(time.Hour, time.Time{})
	require.NoError(t, err)
	svc := New(store.New(store.NewMemoryBackend()), lifecycle.NewTracker(time.Hour), costs.NewAggregator(w), w, nil, nil)
	assert.NotNil(t, svc.logger)
}
