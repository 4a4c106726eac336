package ml

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"threathawk/core"
	"threathawk/metrics"
	"threathawk/util/goroutine"
)

// BaselineSource supplies the events the trainer learns normal behavior from:
// recent events whose combined score stayed below the alert threshold.
type BaselineSource interface {
	BaselineEvents(ctx context.Context, threshold float64, limit int) ([]*core.NormalizedEvent, error)
}

// SnapshotStore persists versioned model snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, version int, blob []byte) error
	LoadLatestSnapshot(ctx context.Context) (version int, blob []byte, err error)
}

// TrainerConfig holds the training schedule and baseline selection settings.
type TrainerConfig struct {
	Interval           time.Duration
	MinBaselineSamples int
	BaselineLimit      int
	Threshold          float64 // baseline = events scored below this
	MaxBackoff         time.Duration
	Forest             IsolationForestConfig
	Window             WindowExtractorConfig
}

// Trainer periodically rebuilds the anomaly model from baseline events and
// publishes it to the detector. A failed cycle leaves the previous snapshot
// live and backs off exponentially; training failures never stop scoring.
type Trainer struct {
	cfg      TrainerConfig
	source   BaselineSource
	store    SnapshotStore
	detector *Detector
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	failures int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTrainer creates a trainer. The snapshot store may be nil, in which case
// models live only in memory.
func NewTrainer(cfg TrainerConfig, source BaselineSource, store SnapshotStore, detector *Detector, logger *zap.SugaredLogger) *Trainer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	if cfg.MinBaselineSamples <= 0 {
		cfg.MinBaselineSamples = 50
	}
	if cfg.BaselineLimit <= 0 {
		cfg.BaselineLimit = 5000
	}
	return &Trainer{
		cfg:      cfg,
		source:   source,
		store:    store,
		detector: detector,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Restore loads the most recent persisted snapshot into the detector. Called
// once at startup; a missing or corrupt snapshot is not fatal, the detector
// simply starts cold.
func (t *Trainer) Restore(ctx context.Context) {
	if t.store == nil {
		return
	}
	version, blob, err := t.store.LoadLatestSnapshot(ctx)
	if err != nil {
		t.logger.Infow("No model snapshot restored", "error", err)
		return
	}
	model, err := DecodeModel(blob)
	if err != nil {
		t.logger.Warnw("Discarding unreadable model snapshot", "version", version, "error", err)
		return
	}
	t.detector.Publish(model)
	t.logger.Infow("Restored model snapshot",
		"version", model.Version, "trained_at", model.TrainedAt, "samples", model.SampleCount)
}

// Start launches the periodic training loop.
func (t *Trainer) Start(ctx context.Context) {
	go func() {
		defer goroutine.Recover("ml-trainer", t.logger)
		defer close(t.doneCh)
		t.run(ctx)
	}()
}

// Stop shuts the training loop down and waits for it to exit.
func (t *Trainer) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Trainer) run(ctx context.Context) {
	timer := time.NewTimer(t.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-timer.C:
		}

		if err := t.TrainOnce(ctx); err != nil {
			t.mu.Lock()
			t.failures++
			failures := t.failures
			t.mu.Unlock()
			metrics.ModelTrainingFailures.Inc()
			t.logger.Warnw("Model training failed", "consecutive_failures", failures, "error", err)
			timer.Reset(t.backoff(failures))
			continue
		}

		t.mu.Lock()
		t.failures = 0
		t.mu.Unlock()
		timer.Reset(t.cfg.Interval)
	}
}

// TrainOnce runs one full training cycle: select baseline, extract features,
// build the forest, publish and persist the snapshot.
func (t *Trainer) TrainOnce(ctx context.Context) error {
	events, err := t.source.BaselineEvents(ctx, t.cfg.Threshold, t.cfg.BaselineLimit)
	if err != nil {
		return fmt.Errorf("failed to load baseline events: %w", err)
	}
	if len(events) < t.cfg.MinBaselineSamples {
		return fmt.Errorf("%w: have %d baseline events, need %d",
			core.ErrInsufficientBaseline, len(events), t.cfg.MinBaselineSamples)
	}

	// Replay the baseline through a fresh window extractor so training
	// features are computed exactly the way scoring computes them.
	extractor := NewWindowExtractor(t.cfg.Window)
	samples := make([]*FeatureVector, 0, len(events))
	for _, ev := range events {
		samples = append(samples, extractor.Extract(ev))
	}

	forest, err := NewIsolationForest(t.cfg.Forest, FeatureNames, samples)
	if err != nil {
		return fmt.Errorf("failed to build forest: %w", err)
	}

	version := 1
	if prev := t.detector.Current(); prev != nil {
		version = prev.Version + 1
	}
	model := &Model{
		Version:     version,
		TrainedAt:   time.Now().UTC(),
		SampleCount: len(samples),
		Forest:      forest,
	}

	t.detector.Publish(model)
	metrics.ModelTrainings.Inc()
	t.logger.Infow("Published new model snapshot", "version", version, "samples", len(samples))

	t.persist(ctx, model)
	return nil
}

// persist writes the snapshot through the model store. Persistence failure is
// logged but never fails the cycle; the published in-memory model stays live.
func (t *Trainer) persist(ctx context.Context, model *Model) {
	if t.store == nil {
		return
	}
	blob, err := EncodeModel(model)
	if err != nil {
		t.logger.Errorw("Failed to encode model snapshot", "version", model.Version, "error", err)
		return
	}
	if err := t.store.SaveSnapshot(ctx, model.Version, blob); err != nil {
		t.logger.Errorw("Failed to persist model snapshot", "version", model.Version, "error", err)
	}
}

func (t *Trainer) backoff(failures int) time.Duration {
	d := t.cfg.Interval
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= t.cfg.MaxBackoff {
			return t.cfg.MaxBackoff
		}
	}
	if d > t.cfg.MaxBackoff {
		d = t.cfg.MaxBackoff
	}
	return d
}
