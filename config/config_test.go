package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadClean(t *testing.T) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	return LoadConfig()
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadClean(t)
	require.NoError(t, err)

	assert.Equal(t, 4096, cfg.Engine.QueueSize)
	assert.Equal(t, 4, cfg.Engine.WorkerCount)
	assert.Equal(t, 0.6, cfg.Scoring.RuleWeight)
	assert.Equal(t, 0.4, cfg.Scoring.AnomalyWeight)
	assert.Equal(t, 0.5, cfg.Scoring.AlertThreshold)
	assert.Equal(t, 30*time.Second, cfg.Rules.PortScan.Window)
	assert.Equal(t, 20, cfg.Rules.PortScan.Threshold)
	assert.Equal(t, 64, cfg.Features.WindowSize)
	assert.Equal(t, 15*time.Minute, cfg.Features.IdleTTL)
	assert.Equal(t, 100, cfg.ML.NumTrees)
	assert.Equal(t, 256, cfg.ML.SubsampleSize)
	assert.Equal(t, time.Hour, cfg.ML.TrainInterval)
}

func TestLoadConfigDerivesPaths(t *testing.T) {
	cfg, err := loadClean(t)
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataPaths.DataDir)
	assert.Equal(t, filepath.Join("./data", "threathawk.db"), cfg.DataPaths.SQLitePath)
	assert.Equal(t, filepath.Join("./data", "models"), cfg.DataPaths.ModelDir)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("THREATHAWK_ENGINE_WORKER_COUNT", "8")
	t.Setenv("THREATHAWK_SCORING_ALERT_THRESHOLD", "0.7")

	cfg, err := loadClean(t)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.WorkerCount)
	assert.Equal(t, 0.7, cfg.Scoring.AlertThreshold)
}

func TestLoadConfigRejectsWeightSumAboveOne(t *testing.T) {
	t.Setenv("THREATHAWK_SCORING_RULE_WEIGHT", "0.8")
	t.Setenv("THREATHAWK_SCORING_ANOMALY_WEIGHT", "0.5")

	_, err := loadClean(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule_weight")
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero queue", "THREATHAWK_ENGINE_QUEUE_SIZE", "0"},
		{"negative workers", "THREATHAWK_ENGINE_WORKER_COUNT", "-1"},
		{"threshold above one", "THREATHAWK_SCORING_ALERT_THRESHOLD", "1.5"},
		{"zero port scan threshold", "THREATHAWK_RULES_PORT_SCAN_THRESHOLD", "0"},
		{"zero window size", "THREATHAWK_FEATURES_WINDOW_SIZE", "0"},
		{"subsample too small", "THREATHAWK_ML_SUBSAMPLE_SIZE", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := loadClean(t)
			assert.Error(t, err)
		})
	}
}

func TestResolveDataPathsKeepsExplicitValues(t *testing.T) {
	var cfg Config
	cfg.DataPaths.DataDir = "/var/lib/threathawk"
	cfg.DataPaths.SQLitePath = "/mnt/fast/threathawk.db"
	cfg.ResolveDataPaths()

	assert.Equal(t, "/mnt/fast/threathawk.db", cfg.DataPaths.SQLitePath)
	assert.Equal(t, filepath.Join("/var/lib/threathawk", "models"), cfg.DataPaths.ModelDir)
}
