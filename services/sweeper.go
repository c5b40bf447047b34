package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// WindowCloser finalizes windows whose close grace has passed.
type WindowCloser interface {
	CloseDue(ctx context.Context) (int, error)
}

// DedupPruner forgets dedup entries older than the lookback bound.
type DedupPruner interface {
	Prune(cutoff time.Time) int
	Lookback() time.Duration
}

// SweepResult reports one sweep.
type SweepResult struct {
	WindowsClosed int `json:"windows_closed"`
	DedupPruned   int `json:"dedup_pruned"`
}

// Sweeper periodically closes due windows and prunes the dedup index.
type Sweeper struct {
	closer   WindowCloser
	pruner   DedupPruner
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSweeper creates a sweeper running on a cron schedule with optional
// seconds field, e.g. "@every 1m" or "0 */5 * * * *".
func NewSweeper(closer WindowCloser, pruner DedupPruner, schedule string, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		closer:   closer,
		pruner:   pruner,
		schedule: schedule,
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()})),
		),
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules the sweep and starts the cron runner.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(s.ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Sweep runs one pass. A failure to close some windows does not prevent
// pruning.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	closed, err := s.closer.CloseDue(ctx)
	res.WindowsClosed = closed

	if s.pruner != nil {
		res.DedupPruned = s.pruner.Prune(s.now().Add(-s.pruner.Lookback()))
	}

	if res.WindowsClosed > 0 || res.DedupPruned > 0 {
		s.logger.Info("sweep completed",
			zap.Int("windows_closed", res.WindowsClosed),
			zap.Int("dedup_pruned", res.DedupPruned))
	}
	return res, err
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
