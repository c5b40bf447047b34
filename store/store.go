// Package store owns KPI snapshots. It enforces write-once after close,
// versioning and per-key serialization on top of a pluggable Backend.
package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"kpiengine/keylock"
	"kpiengine/metrics"
	"kpiengine/models"
)

// Backend persists snapshots. Store serializes writes per key, so a backend
// only has to be safe for concurrent access to distinct keys.
type Backend interface {
	// Get returns models.ErrNotFound when the key has no snapshot.
	Get(ctx context.Context, key models.SnapshotKey) (*models.KPISnapshot, error)
	Put(ctx context.Context, snap *models.KPISnapshot) error
	// List returns the snapshots matching f in any order.
	List(ctx context.Context, f Filter) ([]models.KPISnapshot, error)
}

// Filter selects snapshots. Empty fields match everything; From and To bound
// period_start to [From, To).
type Filter struct {
	Scope     models.Scope
	SubjectID string
	From      time.Time
	To        time.Time
	OpenOnly  bool
}

// Match reports whether snap satisfies the filter.
func (f Filter) Match(snap *models.KPISnapshot) bool {
	if f.Scope != "" && snap.Scope != f.Scope {
		return false
	}
	if f.SubjectID != "" && snap.SubjectID != f.SubjectID {
		return false
	}
	if !f.From.IsZero() && snap.PeriodStart.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !snap.PeriodStart.Before(f.To) {
		return false
	}
	if f.OpenOnly && snap.Closed {
		return false
	}
	return true
}

// Page is one page of a series query.
type Page struct {
	Items     []models.KPISnapshot `json:"items"`
	NextToken string               `json:"next_page_token,omitempty"`
}

// Store is the snapshot store.
type Store struct {
	backend Backend
	locks   keylock.Locks
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert writes snap as the current snapshot of its key. Writing a closed
// key fails with ErrPeriodClosed and leaves the stored snapshot unchanged.
// The returned snapshot carries the assigned version.
func (s *Store) Upsert(ctx context.Context, snap models.KPISnapshot) (result models.KPISnapshot, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStore("upsert", start, ignoreClosed(err)) }()

	key := snap.Key()
	if !key.Period().Valid() || key.SubjectID == "" {
		return models.KPISnapshot{}, models.Validationf("invalid snapshot key %s", key)
	}

	unlock := s.locks.Lock(key.ID())
	defer unlock()

	existing, err := s.backend.Get(ctx, key)
	switch {
	case errors.Is(err, models.ErrNotFound):
		snap.Version = 1
	case err != nil:
		return models.KPISnapshot{}, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	case existing.Closed:
		return models.KPISnapshot{}, fmt.Errorf("snapshot %s: %w", key, models.ErrPeriodClosed)
	default:
		snap.Version = existing.Version + 1
	}

	snap.Closed = false
	snap.ClosedAt = nil
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = s.now().UTC()
	}
	if err := s.backend.Put(ctx, &snap); err != nil {
		return models.KPISnapshot{}, fmt.Errorf("failed to write snapshot %s: %w", key, err)
	}
	return snap, nil
}

// Close finalizes key's snapshot. Closing a closed snapshot returns it
// unchanged.
func (s *Store) Close(ctx context.Context, key models.SnapshotKey, at time.Time) (result models.KPISnapshot, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStore("close", start, err) }()

	unlock := s.locks.Lock(key.ID())
	defer unlock()

	snap, err := s.backend.Get(ctx, key)
	if err != nil {
		return models.KPISnapshot{}, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}
	if snap.Closed {
		return *snap, nil
	}

	closedAt := at.UTC()
	snap.Closed = true
	snap.ClosedAt = &closedAt
	snap.Version++
	if err := s.backend.Put(ctx, snap); err != nil {
		return models.KPISnapshot{}, fmt.Errorf("failed to close snapshot %s: %w", key, err)
	}
	s.logger.Debug("snapshot closed", zap.Stringer("key", key), zap.Int64("version", snap.Version))
	return *snap, nil
}

// Get returns key's snapshot or ErrNotFound.
func (s *Store) Get(ctx context.Context, key models.SnapshotKey) (result *models.KPISnapshot, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStore("get", start, ignoreNotFound(err)) }()
	return s.backend.Get(ctx, key)
}

// Latest returns the snapshot with the greatest period start for a subject.
func (s *Store) Latest(ctx context.Context, scope models.Scope, subjectID string) (*models.KPISnapshot, error) {
	snaps, err := s.Query(ctx, Filter{Scope: scope, SubjectID: subjectID})
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no snapshot for %s %s: %w", scope, subjectID, models.ErrNotFound)
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

// Query returns the snapshots matching f ordered by period start ascending,
// then scope and subject.
func (s *Store) Query(ctx context.Context, f Filter) (result []models.KPISnapshot, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStore("query", start, err) }()

	snaps, err := s.backend.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	sortSnapshots(snaps)
	return snaps, nil
}

type cursor struct {
	Start int64  `json:"s"`
	ID    string `json:"k"`
}

// Page returns at most limit snapshots following the position encoded in
// token. The token is opaque to callers and holds no server-side state.
func (s *Store) Page(ctx context.Context, f Filter, token string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, models.Validationf("limit must be positive, got %d", limit)
	}
	var after *cursor
	if token != "" {
		c, err := decodeCursor(token)
		if err != nil {
			return Page{}, err
		}
		after = &c
	}

	snaps, err := s.Query(ctx, f)
	if err != nil {
		return Page{}, err
	}

	i := 0
	if after != nil {
		i = sort.Search(len(snaps), func(i int) bool {
			return compareCursor(snaps[i], *after) > 0
		})
	}
	end := i + limit
	if end > len(snaps) {
		end = len(snaps)
	}

	page := Page{Items: snaps[i:end]}
	if end < len(snaps) {
		last := snaps[end-1]
		page.NextToken = encodeCursor(cursor{Start: last.PeriodStart.UnixNano(), ID: last.Key().ID()})
	}
	return page, nil
}

func sortSnapshots(snaps []models.KPISnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].PeriodStart.Equal(snaps[j].PeriodStart) {
			return snaps[i].PeriodStart.Before(snaps[j].PeriodStart)
		}
		return snaps[i].Key().ID() < snaps[j].Key().ID()
	})
}

func compareCursor(snap models.KPISnapshot, c cursor) int {
	start := snap.PeriodStart.UnixNano()
	switch {
	case start < c.Start:
		return -1
	case start > c.Start:
		return 1
	}
	id := snap.Key().ID()
	switch {
	case id < c.ID:
		return -1
	case id > c.ID:
		return 1
	}
	return 0
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeCursor(token string) (cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, models.Validationf("malformed page token")
	}
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
		return cursor{}, models.Validationf("malformed page token")
	}
	return c, nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, models.ErrPeriodClosed) {
		return nil
	}
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	return err
}
