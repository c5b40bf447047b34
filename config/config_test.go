package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowOrigins)
	assert.Equal(t, 24*time.Hour, cfg.Engine.WindowSize)
	assert.Equal(t, 720*time.Hour, cfg.Engine.Lookback)
	assert.Equal(t, cfg.Engine.Lookback, cfg.Engine.CloseGrace, "close grace defaults to the lookback")
	assert.True(t, cfg.Engine.WindowAnchor.IsZero())
	assert.Equal(t, "@every 1m", cfg.Engine.SweepSchedule)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.False(t, cfg.Kafka.Enabled)
	assert.InDelta(t, 0.65, cfg.Thresholds.OEEMin, 1e-9)
	assert.Equal(t, 3, cfg.Thresholds.DecliningRuns)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WINDOW_SIZE", "8h")
	t.Setenv("WINDOW_ANCHOR", "2024-01-01T06:00:00Z")
	t.Setenv("LOOKBACK", "240h")
	t.Setenv("CLOSE_GRACE", "2h")
	t.Setenv("STORE_BACKEND", "FILE")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("KAFKA_TOPICS", "plant.events,line.events")
	t.Setenv("FRONTEND_URL", "https://kpi.example.com")
	t.Setenv("KPI_OEE_MIN", "0.7")
	t.Setenv("DB_PORT", "6543")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8*time.Hour, cfg.Engine.WindowSize)
	assert.True(t, cfg.Engine.WindowAnchor.Equal(time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2*time.Hour, cfg.Engine.CloseGrace)
	assert.Equal(t, StoreFile, cfg.Store.Backend)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []string{"plant.events", "line.events"}, cfg.Kafka.Topics)
	assert.Equal(t, []string{"https://kpi.example.com", "http://localhost:3000"}, cfg.Server.AllowOrigins)
	assert.InDelta(t, 0.7, cfg.Thresholds.OEEMin, 1e-9)
	assert.Contains(t, cfg.GetDatabaseURL(), "port=6543")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unparseable duration", "WINDOW_SIZE", "a while"},
		{"zero window", "WINDOW_SIZE", "0s"},
		{"negative grace", "CLOSE_GRACE", "-1h"},
		{"bad port", "DB_PORT", "fifty"},
		{"bad anchor", "WINDOW_ANCHOR", "yesterday-ish"},
		{"unknown backend", "STORE_BACKEND", "floppy"},
		{"bad threshold", "KPI_OEE_MIN", "high"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
