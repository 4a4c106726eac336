package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the ThreatHawk detection core. Score
// weights, thresholds, and windows deliberately live here rather than in code:
// each component receives an immutable copy at construction.
type Config struct {
	DataPaths struct {
		// DataDir is the base data directory (THREATHAWK_DATA_DIR, default: ./data)
		DataDir string `mapstructure:"data_dir"`
		// SQLitePath is the SQLite database file path (default: ${DataDir}/threathawk.db)
		SQLitePath string `mapstructure:"sqlite_path"`
		// ModelDir is the anomaly model snapshot directory (default: ${DataDir}/models)
		ModelDir string `mapstructure:"model_dir"`
	} `mapstructure:"data_paths"`

	Engine struct {
		QueueSize      int           `mapstructure:"queue_size" validate:"gt=0"`
		WorkerCount    int           `mapstructure:"worker_count" validate:"gt=0"`
		EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"` // brief producer block before drop-oldest
		RateLimit      int           `mapstructure:"rate_limit"`      // events/sec, 0 = unlimited
		RateBurst      int           `mapstructure:"rate_burst"`
	} `mapstructure:"engine"`

	Scoring struct {
		RuleWeight     float64 `mapstructure:"rule_weight" validate:"gte=0,lte=1"`
		AnomalyWeight  float64 `mapstructure:"anomaly_weight" validate:"gte=0,lte=1"`
		AlertThreshold float64 `mapstructure:"alert_threshold" validate:"gt=0,lte=1"`
	} `mapstructure:"scoring"`

	Rules struct {
		// File is an optional YAML rule set overriding the built-in defaults.
		File string `mapstructure:"file"`
		PortScan struct {
			Window    time.Duration `mapstructure:"window"`
			Threshold int           `mapstructure:"threshold" validate:"gt=0"`
		} `mapstructure:"port_scan"`
		HighCPUPercent    float64 `mapstructure:"high_cpu_percent"`
		HighMemoryPercent float64 `mapstructure:"high_memory_percent"`
	} `mapstructure:"rules"`

	Features struct {
		WindowSize  int           `mapstructure:"window_size" validate:"gt=0"`
		IdleTTL     time.Duration `mapstructure:"idle_ttl"`
		MaxEntities int           `mapstructure:"max_entities" validate:"gt=0"`
	} `mapstructure:"features"`

	ML struct {
		NumTrees           int           `mapstructure:"num_trees" validate:"gt=0"`
		SubsampleSize      int           `mapstructure:"subsample_size" validate:"gt=1"`
		TrainInterval      time.Duration `mapstructure:"train_interval"`
		MinBaselineSamples int           `mapstructure:"min_baseline_samples" validate:"gt=0"`
		BaselineLimit      int           `mapstructure:"baseline_limit" validate:"gt=0"`
		MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"ml"`
}

func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // empty = derive from data_dir
	viper.SetDefault("data_paths.model_dir", "")   // empty = derive from data_dir

	viper.SetDefault("engine.queue_size", 4096)
	viper.SetDefault("engine.worker_count", 4)
	viper.SetDefault("engine.enqueue_timeout", 50*time.Millisecond)
	viper.SetDefault("engine.rate_limit", 0)
	viper.SetDefault("engine.rate_burst", 1024)

	viper.SetDefault("scoring.rule_weight", 0.6)
	viper.SetDefault("scoring.anomaly_weight", 0.4)
	viper.SetDefault("scoring.alert_threshold", 0.5)

	viper.SetDefault("rules.file", "")
	viper.SetDefault("rules.port_scan.window", 30*time.Second)
	viper.SetDefault("rules.port_scan.threshold", 20)
	viper.SetDefault("rules.high_cpu_percent", 90.0)
	viper.SetDefault("rules.high_memory_percent", 85.0)

	viper.SetDefault("features.window_size", 64)
	viper.SetDefault("features.idle_ttl", 15*time.Minute)
	viper.SetDefault("features.max_entities", 10000)

	viper.SetDefault("ml.num_trees", 100)
	viper.SetDefault("ml.subsample_size", 256)
	viper.SetDefault("ml.train_interval", 1*time.Hour)
	viper.SetDefault("ml.min_baseline_samples", 50)
	viper.SetDefault("ml.baseline_limit", 5000)
	viper.SetDefault("ml.max_backoff", 30*time.Minute)
}

// LoadConfig reads configuration from config.yaml (working directory or
// ./config), applies THREATHAWK_* environment overrides, and validates the
// result.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("THREATHAWK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus env are a valid setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ResolveDataPaths()

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolveDataPaths derives unset file paths from the base data directory.
func (c *Config) ResolveDataPaths() {
	if c.DataPaths.DataDir == "" {
		c.DataPaths.DataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(c.DataPaths.DataDir, "threathawk.db")
	}
	if c.DataPaths.ModelDir == "" {
		c.DataPaths.ModelDir = filepath.Join(c.DataPaths.DataDir, "models")
	}
}

func validateConfig(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if sum := cfg.Scoring.RuleWeight + cfg.Scoring.AnomalyWeight; sum > 1.0 {
		return fmt.Errorf("invalid configuration: rule_weight + anomaly_weight must not exceed 1.0 (got %.3f)", sum)
	}
	if cfg.Rules.PortScan.Window <= 0 {
		return fmt.Errorf("invalid configuration: rules.port_scan.window must be positive")
	}
	if cfg.ML.TrainInterval <= 0 {
		return fmt.Errorf("invalid configuration: ml.train_interval must be positive")
	}
	if cfg.Features.IdleTTL <= 0 {
		return fmt.Errorf("invalid configuration: features.idle_ttl must be positive")
	}
	return nil
}
