//go:build integration

package database_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"kpiengine/database"
	"kpiengine/models"
	"kpiengine/store"
)

type PostgresBackendSuite struct {
	suite.Suite
	db    *database.DB
	store *store.Store
}

func TestPostgresBackendSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("KPI_TEST_DATABASE_URL") == "" {
		t.Skip("KPI_TEST_DATABASE_URL not set")
	}
	suite.Run(t, new(PostgresBackendSuite))
}

func (s *PostgresBackendSuite) SetupSuite() {
	db, err := database.New(os.Getenv("KPI_TEST_DATABASE_URL"))
	s.Require().NoError(err)
	s.Require().NoError(db.EnsureSchema(context.Background()))
	s.db = db
	s.store = store.New(db)
}

func (s *PostgresBackendSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *PostgresBackendSuite) snapshot(subject string, start time.Time, oee models.Metric) models.KPISnapshot {
	return models.KPISnapshot{
		Scope:       models.ScopeEquipment,
		SubjectID:   subject,
		PeriodStart: start,
		PeriodEnd:   start.Add(24 * time.Hour),
		OEE:         oee,
		ComputedAt:  start,
	}
}

// TestClosedRowsProtected verifies the SQL guard rejects writes to closed rows.
func (s *PostgresBackendSuite) TestClosedRowsProtected() {
	ctx := context.Background()
	subject := "press-" + uuid.NewString()
	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.store.Upsert(ctx, s.snapshot(subject, day, models.Known(0.5)))
	s.Require().NoError(err)
	_, err = s.store.Close(ctx, s.snapshot(subject, day, models.Unknown()).Key(), day.Add(48*time.Hour))
	s.Require().NoError(err)

	late := s.snapshot(subject, day, models.Known(0.9))
	late.Version = 99
	err = s.db.Put(ctx, &late)
	s.ErrorIs(err, models.ErrPeriodClosed)

	got, err := s.db.Get(ctx, late.Key())
	s.Require().NoError(err)
	s.True(got.Closed)
	s.InDelta(0.5, got.OEE.Value, 1e-12)
}

func (s *PostgresBackendSuite) TestListFilters() {
	ctx := context.Background()
	subject := "press-" + uuid.NewString()
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := s.store.Upsert(ctx, s.snapshot(subject, day.AddDate(0, 0, i), models.Unknown()))
		s.Require().NoError(err)
	}

	snaps, err := s.store.Query(ctx, store.Filter{SubjectID: subject, From: day.AddDate(0, 0, 1)})
	s.Require().NoError(err)
	s.Require().Len(snaps, 2)
	s.False(snaps[0].OEE.Available)
	s.True(snaps[0].PeriodStart.Equal(day.AddDate(0, 0, 1)))

	_, err = s.db.Get(ctx, s.snapshot("missing-"+uuid.NewString(), day, models.Unknown()).Key())
	s.ErrorIs(err, models.ErrNotFound)
}
