package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kpiengine/costs"
	"kpiengine/keylock"
	"kpiengine/lifecycle"
	"kpiengine/metrics"
	"kpiengine/models"
	"kpiengine/oee"
	"kpiengine/store"
	"kpiengine/window"
)

// SnapshotListener is notified after a snapshot is written or closed.
type SnapshotListener interface {
	OnSnapshot(snap models.KPISnapshot)
}

// Aggregator routes accepted events to the OEE engine, the lifecycle tracker
// and the cost aggregator, then persists the recomputed snapshots. It
// implements ingestion.Router.
type Aggregator struct {
	windower   window.Windower
	closeGrace time.Duration
	engine     *oee.Engine
	tracker    *lifecycle.Tracker
	costs      *costs.Aggregator
	store      *store.Store
	locks      keylock.Locks
	listeners  []SnapshotListener
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithListener adds a snapshot listener.
func WithListener(l SnapshotListener) Option {
	return func(a *Aggregator) { a.listeners = append(a.listeners, l) }
}

// NewAggregator creates an aggregator. A window accepts events until
// closeGrace has passed after its end.
func NewAggregator(w window.Windower, closeGrace time.Duration, st *store.Store, tracker *lifecycle.Tracker, costAgg *costs.Aggregator, opts ...Option) *Aggregator {
	a := &Aggregator{
		windower:   w,
		closeGrace: closeGrace,
		engine:     oee.NewEngine(),
		tracker:    tracker,
		costs:      costAgg,
		store:      st,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Keys returns the snapshot keys an event contributes to: its equipment
// window and, when the event names a line, the line window.
func (a *Aggregator) Keys(ev *models.Event) []models.SnapshotKey {
	keys := []models.SnapshotKey{a.windower.Key(models.ScopeEquipment, ev.EquipmentID, ev.OccurredAt)}
	if ev.LineID != "" {
		keys = append(keys, a.windower.Key(models.ScopeLine, ev.LineID, ev.OccurredAt))
	}
	return keys
}

// Route applies ev. Every check runs before any component is mutated, and a
// persistence failure rolls the in-memory components back, so an error
// means the event left no trace.
func (a *Aggregator) Route(ctx context.Context, ev *models.Event) error {
	snaps, err := a.route(ctx, ev)
	if err != nil {
		return err
	}
	a.metrics.SetOpenWindows(a.engine.OpenWindows())
	a.notify(snaps)
	return nil
}

func (a *Aggregator) route(ctx context.Context, ev *models.Event) ([]models.KPISnapshot, error) {
	keys := a.Keys(ev)
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID()
	}
	unlock := a.locks.LockAll(ids)
	defer unlock()

	now := a.now().UTC()
	for _, k := range keys {
		if err := a.ensureOpen(ctx, k, now); err != nil {
			return nil, err
		}
	}

	var rollbacks []func()
	rollback := func() {
		for i := len(rollbacks) - 1; i >= 0; i-- {
			rollbacks[i]()
		}
	}

	if lifecycle.Handles(ev.Kind) {
		rb, err := a.tracker.Stage(ev, keys)
		if err != nil {
			return nil, err
		}
		rollbacks = append(rollbacks, rb)
	}
	for _, k := range keys {
		rollbacks = append(rollbacks, a.engine.Stage(k, ev.Payload))
	}
	if entry, ok := ev.Payload.(models.CostEntry); ok {
		rollbacks = append(rollbacks, a.costs.Stage(ev.OccurredAt, entry, keys))
	}

	snaps := make([]models.KPISnapshot, 0, len(keys))
	for _, k := range keys {
		saved, err := a.store.Upsert(ctx, a.compose(k, now))
		if err != nil {
			rollback()
			return nil, fmt.Errorf("failed to persist snapshot %s: %w", k, err)
		}
		snaps = append(snaps, saved)
	}
	return snaps, nil
}

// ensureOpen rejects events for finalized windows and seeds the components
// from a persisted open snapshot the first time a window is touched after a
// restart. Must be called with k locked.
func (a *Aggregator) ensureOpen(ctx context.Context, k models.SnapshotKey, now time.Time) error {
	if !k.PeriodEnd.Add(a.closeGrace).After(now) {
		return fmt.Errorf("window %s: %w", k, models.ErrPeriodClosed)
	}
	if a.engine.Has(k) {
		return nil
	}

	snap, err := a.store.Get(ctx, k)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to load snapshot %s: %w", k, err)
	case snap.Closed:
		return fmt.Errorf("window %s: %w", k, models.ErrPeriodClosed)
	}

	a.engine.Seed(k, oee.CountersFromSnapshot(snap))
	a.tracker.SeedActivity(k, snap.Abnormality)
	a.costs.Seed(k, snap.Cost)
	a.logger.Info("window restored from snapshot", zap.Stringer("key", k), zap.Int64("version", snap.Version))
	return nil
}

func (a *Aggregator) compose(k models.SnapshotKey, now time.Time) models.KPISnapshot {
	snap := a.engine.Recompute(k, now)
	snap.Abnormality = a.tracker.Activity(k)
	snap.Cost = a.costs.Summary(k, snap.Production.TotalCount)
	return snap
}

// Restore rebuilds the plant-wide cost buckets from every persisted
// equipment snapshot so rollups survive a restart. Open windows are still
// seeded lazily by the first event that touches them.
func (a *Aggregator) Restore(ctx context.Context) (int, error) {
	snaps, err := a.store.Query(ctx, store.Filter{Scope: models.ScopeEquipment})
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshots for restore: %w", err)
	}
	for _, snap := range snaps {
		a.costs.Restore(snap.Key(), snap.Cost)
	}
	a.logger.Info("cost rollups restored", zap.Int("snapshots", len(snaps)))
	return len(snaps), nil
}

// CloseDue finalizes every open window whose end plus the close grace has
// passed and returns how many were closed. It is idempotent.
func (a *Aggregator) CloseDue(ctx context.Context) (int, error) {
	now := a.now().UTC()
	open, err := a.store.Query(ctx, store.Filter{OpenOnly: true, To: now.Add(-a.closeGrace)})
	if err != nil {
		return 0, err
	}

	closed := 0
	var errs []error
	for _, snap := range open {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		key := snap.Key()
		if key.PeriodEnd.Add(a.closeGrace).After(now) {
			continue
		}
		final, err := a.closeWindow(ctx, key, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
		a.notify([]models.KPISnapshot{final})
	}

	a.metrics.IncrementWindowsClosed(closed)
	a.metrics.SetOpenWindows(a.engine.OpenWindows())
	return closed, errors.Join(errs...)
}

func (a *Aggregator) closeWindow(ctx context.Context, key models.SnapshotKey, now time.Time) (models.KPISnapshot, error) {
	unlock := a.locks.Lock(key.ID())
	defer unlock()

	if a.engine.Has(key) {
		if _, err := a.store.Upsert(ctx, a.compose(key, now)); err != nil && !errors.Is(err, models.ErrPeriodClosed) {
			return models.KPISnapshot{}, fmt.Errorf("failed to refresh snapshot %s: %w", key, err)
		}
	}

	final, err := a.store.Close(ctx, key, now)
	if err != nil {
		return models.KPISnapshot{}, err
	}

	a.engine.Drop(key)
	a.tracker.DropActivity(key)
	a.costs.Drop(key)
	a.logger.Info("window closed",
		zap.Stringer("key", key),
		zap.Int64("events", final.EventCount),
		zap.Stringer("oee", final.OEE))
	return final, nil
}

// OpenWindows returns the number of windows accumulating in memory.
func (a *Aggregator) OpenWindows() int {
	return a.engine.OpenWindows()
}

func (a *Aggregator) notify(snaps []models.KPISnapshot) {
	for _, snap := range snaps {
		for _, l := range a.listeners {
			l.OnSnapshot(snap)
		}
	}
}
