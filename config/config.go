package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"

	"kpiengine/models"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Kafka      KafkaConfig
	Engine     EngineConfig
	Store      StoreConfig
	Thresholds models.KPIThresholds
	LogLevel   string
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string
	AllowOrigins []string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	GroupID    string
	Topics     []string
	AutoOffset string
}

// EngineConfig holds aggregation settings
type EngineConfig struct {
	WindowSize            time.Duration
	WindowAnchor          time.Time
	Lookback              time.Duration
	CloseGrace            time.Duration
	MaxClockSkew          time.Duration
	RepeatedFailureWindow time.Duration
	BudgetPlanFile        string
	SweepSchedule         string
	BatchParallelism      int
}

// StoreConfig selects the snapshot backend
type StoreConfig struct {
	Backend string
	Dir     string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var errs []string
	duration := func(key, def string) time.Duration {
		d, err := cast.ToDurationE(getEnvOrDefault(key, def))
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return d
	}
	integer := func(key, def string) int {
		n, err := cast.ToIntE(getEnvOrDefault(key, def))
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return n
	}
	float := func(key string, def float64) float64 {
		f, err := cast.ToFloat64E(getEnvOrDefault(key, cast.ToString(def)))
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return f
	}
	boolean := func(key, def string) bool {
		b, err := cast.ToBoolE(getEnvOrDefault(key, def))
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
		}
		return b
	}

	lookback := duration("LOOKBACK", "720h")
	defaults := models.DefaultKPIThresholds()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvOrDefault("SERVER_PORT", "8080"),
			AllowOrigins: dedupe(append(splitList(getEnvOrDefault("FRONTEND_URL", "http://localhost:3000")), "http://localhost:3000")),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     integer("DB_PORT", "5432"),
			Name:     getEnvOrDefault("DB_NAME", "kpiengine"),
			User:     getEnvOrDefault("DB_USER", "kpiuser"),
			Password: getEnvOrDefault("DB_PASSWORD", "kpipass"),
			SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Enabled:    boolean("KAFKA_ENABLED", "false"),
			Brokers:    splitList(getEnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
			GroupID:    getEnvOrDefault("KAFKA_GROUP_ID", "kpiengine"),
			Topics:     splitList(getEnvOrDefault("KAFKA_TOPICS", "plant.events")),
			AutoOffset: getEnvOrDefault("KAFKA_AUTO_OFFSET", "latest"),
		},
		Engine: EngineConfig{
			WindowSize:            duration("WINDOW_SIZE", "24h"),
			Lookback:              lookback,
			CloseGrace:            duration("CLOSE_GRACE", lookback.String()),
			MaxClockSkew:          duration("MAX_CLOCK_SKEW", "5m"),
			RepeatedFailureWindow: duration("REPEATED_FAILURE_WINDOW", "720h"),
			BudgetPlanFile:        os.Getenv("BUDGET_PLAN_FILE"),
			SweepSchedule:         getEnvOrDefault("SWEEP_SCHEDULE", "@every 1m"),
			BatchParallelism:      integer("BATCH_PARALLELISM", "8"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnvOrDefault("STORE_BACKEND", StoreMemory)),
			Dir:     getEnvOrDefault("STORE_DIR", "data/snapshots"),
		},
		Thresholds: models.KPIThresholds{
			OEEMin:          float("KPI_OEE_MIN", defaults.OEEMin),
			AvailabilityMin: float("KPI_AVAILABILITY_MIN", defaults.AvailabilityMin),
			QualityMin:      float("KPI_QUALITY_MIN", defaults.QualityMin),
			MTTRMaxMinutes:  float("KPI_MTTR_MAX_MINUTES", defaults.MTTRMaxMinutes),
			DecliningRuns:   integer("KPI_DECLINING_RUNS", cast.ToString(defaults.DecliningRuns)),
			FiveSMin:        float("KPI_FIVE_S_MIN", defaults.FiveSMin),
		},
		LogLevel: strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
	}

	if anchor := os.Getenv("WINDOW_ANCHOR"); anchor != "" {
		t, err := cast.ToTimeE(anchor)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid WINDOW_ANCHOR: %v", err))
		}
		cfg.Engine.WindowAnchor = t.UTC()
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	e := c.Engine
	switch {
	case e.WindowSize <= 0:
		return fmt.Errorf("WINDOW_SIZE must be positive, got %s", e.WindowSize)
	case e.Lookback <= 0:
		return fmt.Errorf("LOOKBACK must be positive, got %s", e.Lookback)
	case e.CloseGrace < 0:
		return fmt.Errorf("CLOSE_GRACE must not be negative, got %s", e.CloseGrace)
	case e.MaxClockSkew < 0:
		return fmt.Errorf("MAX_CLOCK_SKEW must not be negative, got %s", e.MaxClockSkew)
	case e.RepeatedFailureWindow <= 0:
		return fmt.Errorf("REPEATED_FAILURE_WINDOW must be positive, got %s", e.RepeatedFailureWindow)
	}
	switch c.Store.Backend {
	case StoreMemory, StoreFile, StorePostgres:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || len(c.Kafka.Topics) == 0) {
		return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPICS are required when KAFKA_ENABLED is set")
	}
	return nil
}

// GetDatabaseURL returns formatted database connection URL
func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.Name, c.Database.SSLMode)
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
