// Package bootstrap assembles the ThreatHawk detection core: configuration,
// storage, the scoring pipeline, and the training loop.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"threathawk/config"
	"threathawk/core"
	"threathawk/detect"
	"threathawk/engine"
	"threathawk/ingest"
	"threathawk/ml"
	"threathawk/service"
	"threathawk/storage"
)

// App holds every component of the running system.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	DB         *storage.SQLite
	EventStore storage.EventStoreInterface
	AlertStore storage.AlertStoreInterface
	ModelStore storage.ModelStoreInterface

	Engine   *engine.Engine
	Alerts   *core.AlertManager
	Detector *ml.Detector
	Trainer  *ml.Trainer

	EventService *service.EventService
	AlertService *service.AlertService

	shutdownCh chan struct{}
}

// NewApp initializes all components. Nothing is running yet; call Start.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{shutdownCh: make(chan struct{})}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("ThreatHawk detection core starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	db, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, err
	}
	app.DB = db
	app.EventStore = storage.NewSQLiteEventStore(db)
	app.AlertStore = storage.NewSQLiteAlertStore(db)
	app.ModelStore = storage.NewSQLiteModelStore(db)

	// Config thresholds seed the defaults; a rule set file is merged on top
	// and wins for any field it names.
	ruleSet := detect.DefaultRuleSet()
	ruleSet.HighResource.CPUPercent = cfg.Rules.HighCPUPercent
	ruleSet.HighResource.MemoryPercent = cfg.Rules.HighMemoryPercent
	if cfg.Rules.File != "" {
		if err := ruleSet.MergeFile(cfg.Rules.File); err != nil {
			return nil, fmt.Errorf("failed to load rule set: %w", err)
		}
		sugar.Infow("Loaded rule set", "file", cfg.Rules.File, "version", ruleSet.Version)
	}
	rules := detect.BuildRules(ruleSet, cfg.Rules.PortScan.Window, cfg.Rules.PortScan.Threshold)

	app.Alerts = core.NewAlertManager(cfg.Scoring.AlertThreshold, app.AlertStore, sugar)
	if err := app.Alerts.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore alert state: %w", err)
	}

	app.Detector = ml.NewDetector()
	app.Trainer = ml.NewTrainer(ml.TrainerConfig{
		Interval:           cfg.ML.TrainInterval,
		MinBaselineSamples: cfg.ML.MinBaselineSamples,
		BaselineLimit:      cfg.ML.BaselineLimit,
		Threshold:          cfg.Scoring.AlertThreshold,
		MaxBackoff:         cfg.ML.MaxBackoff,
		Forest: ml.IsolationForestConfig{
			NumTrees:      cfg.ML.NumTrees,
			SubsampleSize: cfg.ML.SubsampleSize,
		},
		Window: ml.WindowExtractorConfig{
			WindowSize:  cfg.Features.WindowSize,
			IdleTTL:     cfg.Features.IdleTTL,
			MaxEntities: cfg.Features.MaxEntities,
		},
	}, app.EventStore, app.ModelStore, app.Detector, sugar)
	app.Trainer.Restore(ctx)

	app.Engine = engine.New(engine.Config{WorkerCount: cfg.Engine.WorkerCount}, engine.Deps{
		Normalizer: ingest.NewNormalizer(sugar),
		Queue: ingest.NewQueue(ingest.QueueConfig{
			Size:           cfg.Engine.QueueSize,
			EnqueueTimeout: cfg.Engine.EnqueueTimeout,
			RateLimit:      cfg.Engine.RateLimit,
			RateBurst:      cfg.Engine.RateBurst,
			Logger:         sugar,
		}),
		Analyzer: detect.NewAnalyzer(rules, sugar),
		Extractor: ml.NewWindowExtractor(ml.WindowExtractorConfig{
			WindowSize:  cfg.Features.WindowSize,
			IdleTTL:     cfg.Features.IdleTTL,
			MaxEntities: cfg.Features.MaxEntities,
		}),
		Detector: app.Detector,
		Scorer:   detect.NewScorer(cfg.Scoring.RuleWeight, cfg.Scoring.AnomalyWeight),
		Alerts:   app.Alerts,
		Events:   app.EventStore,
		Logger:   sugar,
	})

	app.EventService = service.NewEventService(app.EventStore, sugar)
	app.AlertService = service.NewAlertService(app.AlertStore, app.Alerts, sugar)

	return app, nil
}

// Start launches the pipeline workers and the training loop.
func (a *App) Start(ctx context.Context) error {
	a.Engine.Start(ctx)
	a.Trainer.Start(ctx)
	a.Sugar.Info("ThreatHawk detection core started")
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		a.Sugar.Infow("Shutdown signal received", "signal", sig)
	case <-a.shutdownCh:
	}
}

// Shutdown stops components in dependency order and flushes the logger.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.Trainer != nil {
		a.Trainer.Stop()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Sugar.Errorw("Failed to close database", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

// InitLogger builds the process logger. THREATHAWK_LOG_MODE=development
// switches to the human-readable development encoder.
func InitLogger() (*zap.Logger, *zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if os.Getenv("THREATHAWK_LOG_MODE") == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, err
	}
	return logger, logger.Sugar(), nil
}
