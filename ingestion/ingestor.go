// Package ingestion validates, normalizes and deduplicates raw shop-floor
// events and hands accepted ones to a Router.
package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kpiengine/keylock"
	"kpiengine/metrics"
	"kpiengine/models"
)

// Router applies an accepted event to the downstream components. It must
// perform every check before mutating state, so a returned error means
// nothing was applied.
type Router interface {
	Route(ctx context.Context, ev *models.Event) error
}

// Status is the outcome of a submission.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Result reports what happened to one submitted event.
type Result struct {
	Status    Status            `json:"status"`
	Duplicate bool              `json:"duplicate,omitempty"`
	Reason    models.ReasonCode `json:"reason,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Accepted reports whether the event was accepted (including duplicates).
func (r Result) Accepted() bool {
	return r.Status == StatusAccepted
}

// Config bounds event timestamps.
type Config struct {
	// Lookback is the maximum age of occurred_at relative to ingestion time.
	Lookback time.Duration
	// MaxClockSkew is how far occurred_at may lie in the future.
	MaxClockSkew time.Duration
	// BatchParallelism caps concurrent partitions in SubmitBatch; 0 means no cap.
	BatchParallelism int
}

// Ingestor is the single writer path into the engine.
type Ingestor struct {
	router  Router
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	partitions keylock.Locks

	seenMu sync.Mutex
	seen   map[string]time.Time

	statsMu sync.Mutex
	stats   models.IngestStats
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(i *Ingestor) { i.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// WithClock overrides the ingestion clock.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// New creates an ingestor routing accepted events to router.
func New(router Router, cfg Config, opts ...Option) *Ingestor {
	i := &Ingestor{
		router: router,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		seen:   make(map[string]time.Time),
		stats:  models.IngestStats{Rejected: make(map[models.ReasonCode]int64)},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Submit validates raw and routes it. Duplicates are accepted without being
// routed again. Events of one equipment unit are applied one at a time.
func (i *Ingestor) Submit(ctx context.Context, raw models.RawEvent) Result {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return i.reject(raw, fmt.Errorf("submission cancelled: %w", err), start)
	}

	ev, err := i.normalize(raw)
	if err != nil {
		return i.reject(raw, err, start)
	}

	unlock := i.partitions.Lock(ev.EquipmentID)
	defer unlock()

	key := ev.DedupKey()
	if i.isSeen(key) {
		i.count(func(s *models.IngestStats) { s.Duplicates++ })
		i.metrics.ObserveIngest(string(ev.Kind), "duplicate", start)
		i.logger.Debug("duplicate event",
			zap.String("equipment_id", ev.EquipmentID),
			zap.String("kind", string(ev.Kind)),
			zap.Time("occurred_at", ev.OccurredAt))
		return Result{Status: StatusAccepted, Duplicate: true}
	}

	if err := i.router.Route(ctx, ev); err != nil {
		return i.reject(raw, err, start)
	}
	i.markSeen(key, ev.OccurredAt)

	i.count(func(s *models.IngestStats) { s.Accepted++ })
	i.metrics.ObserveIngest(string(ev.Kind), "accepted", start)
	i.logger.Debug("event accepted",
		zap.String("equipment_id", ev.EquipmentID),
		zap.String("kind", string(ev.Kind)),
		zap.Time("occurred_at", ev.OccurredAt))
	return Result{Status: StatusAccepted}
}

// SubmitBatch submits events partitioned by equipment. Partitions run in
// parallel; inside a partition events are applied in occurred_at order. The
// result at index n belongs to events[n]. One failing event never affects
// the others.
func (i *Ingestor) SubmitBatch(ctx context.Context, events []models.RawEvent) []Result {
	results := make([]Result, len(events))

	partitions := make(map[string][]int)
	for n, ev := range events {
		id := strings.TrimSpace(ev.EquipmentID)
		partitions[id] = append(partitions[id], n)
	}

	g, gctx := errgroup.WithContext(ctx)
	if i.cfg.BatchParallelism > 0 {
		g.SetLimit(i.cfg.BatchParallelism)
	}
	for _, idx := range partitions {
		sort.SliceStable(idx, func(a, b int) bool {
			return events[idx[a]].OccurredAt.Before(events[idx[b]].OccurredAt)
		})
		g.Go(func() error {
			for _, n := range idx {
				results[n] = i.Submit(gctx, events[n])
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Prune forgets dedup entries for events that occurred before cutoff. Events
// that old are rejected as stale, so they can no longer be duplicates.
func (i *Ingestor) Prune(cutoff time.Time) int {
	i.seenMu.Lock()
	defer i.seenMu.Unlock()

	pruned := 0
	for key, occurredAt := range i.seen {
		if occurredAt.Before(cutoff) {
			delete(i.seen, key)
			pruned++
		}
	}
	i.metrics.SetDedupEntries(len(i.seen))
	return pruned
}

// Lookback returns the staleness bound.
func (i *Ingestor) Lookback() time.Duration {
	return i.cfg.Lookback
}

// Stats returns a copy of the running counters.
func (i *Ingestor) Stats() models.IngestStats {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()

	out := models.IngestStats{
		Accepted:   i.stats.Accepted,
		Duplicates: i.stats.Duplicates,
		Rejected:   make(map[models.ReasonCode]int64, len(i.stats.Rejected)),
	}
	for k, v := range i.stats.Rejected {
		out.Rejected[k] = v
	}
	return out
}

func (i *Ingestor) normalize(raw models.RawEvent) (*models.Event, error) {
	now := i.now().UTC()

	if !raw.Kind.Valid() {
		return nil, models.Validationf("unknown event kind %q", raw.Kind)
	}
	equipmentID := strings.TrimSpace(raw.EquipmentID)
	if equipmentID == "" {
		return nil, models.Validationf("equipment_id is required")
	}
	if raw.OccurredAt.IsZero() {
		return nil, models.Validationf("occurred_at is required")
	}

	occurredAt := raw.OccurredAt.UTC()
	if occurredAt.After(now.Add(i.cfg.MaxClockSkew)) {
		return nil, models.Validationf("occurred_at %s is in the future", occurredAt.Format(time.RFC3339))
	}
	if age := now.Sub(occurredAt); age > i.cfg.Lookback {
		return nil, fmt.Errorf("%w: occurred_at %s is %s old, lookback is %s",
			models.ErrStaleEvent, occurredAt.Format(time.RFC3339), age.Round(time.Second), i.cfg.Lookback)
	}

	reportedAt := raw.ReportedAt.UTC()
	if raw.ReportedAt.IsZero() {
		reportedAt = now
		if occurredAt.After(now) {
			reportedAt = occurredAt
		}
	} else if reportedAt.Before(occurredAt) {
		return nil, models.Validationf("reported_at precedes occurred_at")
	}

	payload, err := models.DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return nil, err
	}
	hash, err := models.ContentHash(payload)
	if err != nil {
		return nil, err
	}

	return &models.Event{
		Kind:        raw.Kind,
		EquipmentID: equipmentID,
		LineID:      strings.TrimSpace(raw.LineID),
		OccurredAt:  occurredAt,
		ReportedAt:  reportedAt,
		IngestedAt:  now,
		ContentHash: hash,
		Payload:     payload,
	}, nil
}

func (i *Ingestor) reject(raw models.RawEvent, err error, start time.Time) Result {
	reason := models.ReasonFor(err)
	i.count(func(s *models.IngestStats) { s.Rejected[reason]++ })
	i.metrics.ObserveIngest(string(raw.Kind), "rejected", start)
	i.metrics.IncrementRejected(string(reason))

	fields := []zap.Field{
		zap.String("equipment_id", raw.EquipmentID),
		zap.String("kind", string(raw.Kind)),
		zap.String("reason", string(reason)),
		zap.Error(err),
	}
	if reason == models.ReasonInternal {
		i.logger.Error("event processing failed", fields...)
	} else {
		i.logger.Info("event rejected", fields...)
	}
	return Result{Status: StatusRejected, Reason: reason, Message: err.Error()}
}

func (i *Ingestor) isSeen(key string) bool {
	i.seenMu.Lock()
	defer i.seenMu.Unlock()
	_, ok := i.seen[key]
	return ok
}

func (i *Ingestor) markSeen(key string, occurredAt time.Time) {
	i.seenMu.Lock()
	defer i.seenMu.Unlock()
	i.seen[key] = occurredAt
	i.metrics.SetDedupEntries(len(i.seen))
}

func (i *Ingestor) count(fn func(*models.IngestStats)) {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	fn(&i.stats)
}
