package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"pgregory.net/rapid"

	"kpiengine/models"
)

var day = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func snapshot(subject string, start time.Time, oee float64) models.KPISnapshot {
	return models.KPISnapshot{
		Scope:       models.ScopeEquipment,
		SubjectID:   subject,
		PeriodStart: start,
		PeriodEnd:   start.Add(24 * time.Hour),
		OEE:         models.Known(oee),
		Quality:     models.Unknown(),
		ComputedAt:  start.Add(time.Hour),
	}
}

type StoreSuite struct {
	suite.Suite
	newBackend func() Backend
	store      *Store
	ctx        context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = New(s.newBackend())
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newBackend: func() Backend { return NewMemoryBackend() }})
}

func TestFileStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newBackend: func() Backend {
		b, err := NewFileBackend(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return b
	}})
}

func (s *StoreSuite) TestUpsertVersions() {
	first, err := s.store.Upsert(s.ctx, snapshot("press-1", day, 0.5))
	s.Require().NoError(err)
	s.Equal(int64(1), first.Version)

	second, err := s.store.Upsert(s.ctx, snapshot("press-1", day, 0.6))
	s.Require().NoError(err)
	s.Equal(int64(2), second.Version)

	got, err := s.store.Get(s.ctx, second.Key())
	s.Require().NoError(err)
	s.InDelta(0.6, got.OEE.Value, 1e-12)
	s.False(got.Quality.Available)
	s.Equal(int64(2), got.Version)
}

func (s *StoreSuite) TestUpsertRejectsInvalidKey() {
	bad := snapshot("", day, 0.5)
	_, err := s.store.Upsert(s.ctx, bad)
	s.ErrorIs(err, models.ErrValidation)
}

// TestWriteOnceAfterClose verifies a closed snapshot rejects upserts and keeps
// its stored value.
func (s *StoreSuite) TestWriteOnceAfterClose() {
	_, err := s.store.Upsert(s.ctx, snapshot("press-1", day, 0.5))
	s.Require().NoError(err)

	key := snapshot("press-1", day, 0).Key()
	closed, err := s.store.Close(s.ctx, key, day.Add(48*time.Hour))
	s.Require().NoError(err)
	s.True(closed.Closed)
	s.Require().NotNil(closed.ClosedAt)

	_, err = s.store.Upsert(s.ctx, snapshot("press-1", day, 0.9))
	s.ErrorIs(err, models.ErrPeriodClosed)

	got, err := s.store.Get(s.ctx, key)
	s.Require().NoError(err)
	s.InDelta(0.5, got.OEE.Value, 1e-12)
	s.Equal(closed.Version, got.Version)

	s.Run("close is idempotent", func() {
		again, err := s.store.Close(s.ctx, key, day.Add(72*time.Hour))
		s.Require().NoError(err)
		s.Equal(closed.Version, again.Version)
		s.True(again.ClosedAt.Equal(*closed.ClosedAt))
	})
}

func (s *StoreSuite) TestDotSubjectsDoNotCollide() {
	for _, subject := range []string{".", "..", "../press-1", "press-1"} {
		equipment := snapshot(subject, day, 0.5)
		line := snapshot(subject, day, 0.9)
		line.Scope = models.ScopeLine

		_, err := s.store.Upsert(s.ctx, equipment)
		s.Require().NoError(err, subject)
		_, err = s.store.Upsert(s.ctx, line)
		s.Require().NoError(err, subject)

		got, err := s.store.Get(s.ctx, equipment.Key())
		s.Require().NoError(err, subject)
		s.Equal(models.ScopeEquipment, got.Scope, subject)
		s.InDelta(0.5, got.OEE.Value, 1e-12, subject)
		s.Equal(int64(1), got.Version, subject)

		snaps, err := s.store.Query(s.ctx, Filter{Scope: models.ScopeEquipment, SubjectID: subject})
		s.Require().NoError(err)
		s.Len(snaps, 1, subject)
	}
}

func (s *StoreSuite) TestCloseMissing() {
	_, err := s.store.Close(s.ctx, snapshot("ghost", day, 0).Key(), day)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *StoreSuite) TestQueryOrderedAndLatest() {
	for _, offset := range []int{3, 0, 2, 1} {
		_, err := s.store.Upsert(s.ctx, snapshot("press-1", day.AddDate(0, 0, offset), float64(offset)/10))
		s.Require().NoError(err)
	}
	_, err := s.store.Upsert(s.ctx, snapshot("press-2", day, 0.7))
	s.Require().NoError(err)

	snaps, err := s.store.Query(s.ctx, Filter{Scope: models.ScopeEquipment, SubjectID: "press-1", From: day.AddDate(0, 0, 1), To: day.AddDate(0, 0, 3)})
	s.Require().NoError(err)
	s.Require().Len(snaps, 2)
	s.True(snaps[0].PeriodStart.Equal(day.AddDate(0, 0, 1)))
	s.True(snaps[1].PeriodStart.Equal(day.AddDate(0, 0, 2)))

	latest, err := s.store.Latest(s.ctx, models.ScopeEquipment, "press-1")
	s.Require().NoError(err)
	s.True(latest.PeriodStart.Equal(day.AddDate(0, 0, 3)))

	_, err = s.store.Latest(s.ctx, models.ScopeLine, "press-1")
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *StoreSuite) TestPage() {
	for i := 0; i < 5; i++ {
		_, err := s.store.Upsert(s.ctx, snapshot("press-1", day.AddDate(0, 0, i), 0.5))
		s.Require().NoError(err)
	}
	f := Filter{Scope: models.ScopeEquipment, SubjectID: "press-1"}

	var seen []time.Time
	token := ""
	for pages := 0; pages < 10; pages++ {
		page, err := s.store.Page(s.ctx, f, token, 2)
		s.Require().NoError(err)
		for _, snap := range page.Items {
			seen = append(seen, snap.PeriodStart)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	s.Require().Len(seen, 5)
	for i, start := range seen {
		s.True(start.Equal(day.AddDate(0, 0, i)), "page order at %d", i)
	}

	_, err := s.store.Page(s.ctx, f, "%%%not-a-token", 2)
	s.ErrorIs(err, models.ErrValidation)
	_, err = s.store.Page(s.ctx, f, "", 0)
	s.ErrorIs(err, models.ErrValidation)
}

func (s *StoreSuite) TestOpenOnlyFilter() {
	_, err := s.store.Upsert(s.ctx, snapshot("press-1", day, 0.5))
	s.Require().NoError(err)
	_, err = s.store.Upsert(s.ctx, snapshot("press-1", day.AddDate(0, 0, 1), 0.5))
	s.Require().NoError(err)
	_, err = s.store.Close(s.ctx, snapshot("press-1", day, 0).Key(), day.AddDate(0, 0, 2))
	s.Require().NoError(err)

	open, err := s.store.Query(s.ctx, Filter{OpenOnly: true})
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	s.True(open[0].PeriodStart.Equal(day.AddDate(0, 0, 1)))
}

func (s *StoreSuite) TestConcurrentUpsertsSerializePerKey() {
	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.store.Upsert(s.ctx, snapshot("press-1", day, float64(i)/writers))
			s.NoError(err)
		}(i)
	}
	wg.Wait()

	got, err := s.store.Get(s.ctx, snapshot("press-1", day, 0).Key())
	s.Require().NoError(err)
	s.Equal(int64(writers), got.Version)
}

// Property: after Close, any sequence of upserts leaves the stored snapshot
// byte-for-byte unchanged.
func TestPropertyClosedSnapshotImmutable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		st := New(NewMemoryBackend())
		subject := fmt.Sprintf("eq-%d", rapid.IntRange(0, 3).Draw(rt, "subject"))

		before := rapid.IntRange(1, 5).Draw(rt, "before")
		for i := 0; i < before; i++ {
			if _, err := st.Upsert(ctx, snapshot(subject, day, rapid.Float64Range(0, 1).Draw(rt, "oee"))); err != nil {
				rt.Fatalf("upsert: %v", err)
			}
		}
		key := snapshot(subject, day, 0).Key()
		closed, err := st.Close(ctx, key, day.AddDate(0, 0, 2))
		if err != nil {
			rt.Fatalf("close: %v", err)
		}

		after := rapid.IntRange(0, 5).Draw(rt, "after")
		for i := 0; i < after; i++ {
			_, err := st.Upsert(ctx, snapshot(subject, day, rapid.Float64Range(0, 1).Draw(rt, "late")))
			if err == nil {
				rt.Fatalf("upsert after close succeeded")
			}
		}

		got, err := st.Get(ctx, key)
		if err != nil {
			rt.Fatalf("get: %v", err)
		}
		if got.Version != closed.Version || got.OEE != closed.OEE || !got.Closed {
			rt.Fatalf("closed snapshot changed: %+v != %+v", got, closed)
		}
	})
}
