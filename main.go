package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kpiengine/config"
	"kpiengine/handlers"
	"kpiengine/kafka"
	"kpiengine/metrics"
	"kpiengine/services"
	"kpiengine/websocket"
)

const statsInterval = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "kpiengine",
		Short:        "Manufacturing KPI aggregation engine",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Environment variables already set take precedence over .env.
			_ = godotenv.Load()
		},
	}
	root.AddCommand(newServeCommand(), newReplayCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and Kafka ingestion server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting KPI engine", zap.String("port", cfg.Server.Port))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	wsHub := websocket.NewHub(cfg.Server.AllowOrigins, logger, m)
	go wsHub.Run(ctx)
	logger.Info("websocket hub started")

	eng, err := buildEngine(ctx, cfg, engineDeps{
		logger:    logger,
		metrics:   m,
		onAlert:   wsHub.BroadcastAlert,
		listeners: []services.SnapshotListener{wsHub},
	})
	if err != nil {
		return err
	}
	defer eng.closeBackend()

	if err := eng.sweeper.Start(); err != nil {
		return err
	}
	defer eng.sweeper.Stop()

	if cfg.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(kafka.Config{
			Brokers:    cfg.Kafka.Brokers,
			GroupID:    cfg.Kafka.GroupID,
			Topics:     cfg.Kafka.Topics,
			AutoOffset: cfg.Kafka.AutoOffset,
		}, eng.ingestor, logger)
		if err != nil {
			return err
		}
		consumer.Start(ctx)
		defer func() {
			if err := consumer.Stop(); err != nil {
				logger.Warn("kafka consumer close failed", zap.Error(err))
			}
		}()
		logger.Info("kafka consumer initialized", zap.Strings("topics", cfg.Kafka.Topics))
	}

	// Periodic statistics broadcast
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				wsHub.BroadcastStats(eng.ingestor.Stats())
			}
		}
	}()

	handler := handlers.New(eng.ingestor, eng.query, eng.aggregator, eng.monitor, wsHub, logger)

	router := gin.New()
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	router.Use(func(ctx *gin.Context) {
		c.HandlerFunc(ctx.Writer, ctx.Request)
		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	})

	handler.Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
