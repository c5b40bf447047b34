package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kpiengine/config"
	"kpiengine/costs"
	"kpiengine/database"
	"kpiengine/ingestion"
	"kpiengine/lifecycle"
	"kpiengine/metrics"
	"kpiengine/models"
	"kpiengine/query"
	"kpiengine/services"
	"kpiengine/store"
	"kpiengine/window"
)

// engine is the assembled aggregation pipeline shared by serve and replay.
type engine struct {
	store      *store.Store
	aggregator *services.Aggregator
	monitor    *services.KPIMonitor
	ingestor   *ingestion.Ingestor
	query      *query.Service
	sweeper    *services.Sweeper

	closeBackend func() error
}

type engineDeps struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     func() time.Time
	onAlert   func(*models.Alert)
	listeners []services.SnapshotListener
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Backend {
	case config.StoreFile:
		b, err := store.NewFileBackend(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using file snapshot store", zap.String("dir", cfg.Store.Dir))
		return b, noop, nil
	case config.StorePostgres:
		db, err := database.New(cfg.GetDatabaseURL())
		if err != nil {
			return nil, nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("using postgres snapshot store",
			zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.Name))
		return db, db.Close, nil
	default:
		logger.Info("using in-memory snapshot store")
		return store.NewMemoryBackend(), noop, nil
	}
}

func buildEngine(ctx context.Context, cfg *config.Config, deps engineDeps) (*engine, error) {
	logger := deps.logger
	if deps.clock == nil {
		deps.clock = time.Now
	}

	w, err := window.New(cfg.Engine.WindowSize, cfg.Engine.WindowAnchor)
	if err != nil {
		return nil, err
	}

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	st := store.New(backend,
		store.WithLogger(logger),
		store.WithMetrics(deps.metrics),
		store.WithClock(deps.clock))

	tracker := lifecycle.NewTracker(cfg.Engine.RepeatedFailureWindow)
	costAgg := costs.NewAggregator(w)
	if path := cfg.Engine.BudgetPlanFile; path != "" {
		plan, err := costs.LoadBudgetPlan(path)
		if err != nil {
			closeBackend()
			return nil, err
		}
		costAgg.SetPlan(plan)
		logger.Info("budget plan loaded", zap.String("file", path), zap.Int("entries", len(plan)))
	}

	monitor := services.NewKPIMonitor(cfg.Thresholds, deps.onAlert, logger, deps.metrics)

	opts := []services.Option{
		services.WithLogger(logger),
		services.WithMetrics(deps.metrics),
		services.WithClock(deps.clock),
		services.WithListener(monitor),
	}
	for _, l := range deps.listeners {
		opts = append(opts, services.WithListener(l))
	}
	aggregator := services.NewAggregator(w, cfg.Engine.CloseGrace, st, tracker, costAgg, opts...)
	if _, err := aggregator.Restore(ctx); err != nil {
		closeBackend()
		return nil, err
	}

	ingestor := ingestion.New(aggregator, ingestion.Config{
		Lookback:         cfg.Engine.Lookback,
		MaxClockSkew:     cfg.Engine.MaxClockSkew,
		BatchParallelism: cfg.Engine.BatchParallelism,
	},
		ingestion.WithLogger(logger),
		ingestion.WithMetrics(deps.metrics),
		ingestion.WithClock(deps.clock))

	return &engine{
		store:        st,
		aggregator:   aggregator,
		monitor:      monitor,
		ingestor:     ingestor,
		query:        query.New(st, tracker, costAgg, w, monitor, logger),
		sweeper:      services.NewSweeper(aggregator, ingestor, cfg.Engine.SweepSchedule, logger),
		closeBackend: closeBackend,
	}, nil
}
