package ml

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"threathawk/core"
	"threathawk/storage"
)

// stubBaselineSource serves a fixed event slice.
type stubBaselineSource struct {
	events []*core.NormalizedEvent
	err    error
}

func (s *stubBaselineSource) BaselineEvents(ctx context.Context, threshold float64, limit int) ([]*core.NormalizedEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.events) > limit {
		return s.events[:limit], nil
	}
	return s.events, nil
}

func baselineEvents(n int) []*core.NormalizedEvent {
	base := time.Now().UTC().Add(-time.Hour)
	events := make([]*core.NormalizedEvent, 0, n)
	for i := 0; i < n; i++ {
		entity := fmt.Sprintf("host-%d", i%4)
		ev := core.NewNormalizedEvent(core.SourceProcess, entity, base.Add(time.Duration(i)*time.Second))
		ev.Sequence = uint64(i/4 + 1)
		ev.ProcessName = "nginx"
		ev.CPUPercent = 10 + float64(i%10)
		ev.MemoryPercent = 30
		events = append(events, ev)
	}
	return events
}

func testTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Interval:           time.Hour,
		MinBaselineSamples: 50,
		BaselineLimit:      1000,
		Threshold:          0.5,
		MaxBackoff:         30 * time.Minute,
		Forest:             IsolationForestConfig{NumTrees: 20, SubsampleSize: 64},
		Window:             WindowExtractorConfig{WindowSize: 16},
	}
}

func TestTrainOncePublishesModel(t *testing.T) {
	source := &stubBaselineSource{events: baselineEvents(100)}
	store := storage.NewMemoryModelStore()
	detector := NewDetector()
	tr := NewTrainer(testTrainerConfig(), source, store, detector, zap.NewNop().Sugar())

	require.NoError(t, tr.TrainOnce(context.Background()))
	require.True(t, detector.Trained())
	assert.Equal(t, 1, detector.Current().Version)
	assert.Equal(t, 100, detector.Current().SampleCount)

	// The snapshot was persisted.
	version, blob, err := store.LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.NotEmpty(t, blob)

	// A second cycle bumps the version.
	require.NoError(t, tr.TrainOnce(context.Background()))
	assert.Equal(t, 2, detector.Current().Version)
}

func TestTrainOnceInsufficientBaseline(t *testing.T) {
	source := &stubBaselineSource{events: baselineEvents(5)}
	detector := NewDetector()
	tr := NewTrainer(testTrainerConfig(), source, storage.NewMemoryModelStore(), detector, zap.NewNop().Sugar())

	err := tr.TrainOnce(context.Background())
	assert.ErrorIs(t, err, core.ErrInsufficientBaseline)
	assert.False(t, detector.Trained(), "failed training must not publish")
}

func TestTrainOnceSourceFailureKeepsPreviousModel(t *testing.T) {
	source := &stubBaselineSource{events: baselineEvents(100)}
	detector := NewDetector()
	tr := NewTrainer(testTrainerConfig(), source, storage.NewMemoryModelStore(), detector, zap.NewNop().Sugar())

	require.NoError(t, tr.TrainOnce(context.Background()))
	v1 := detector.Current()

	source.err = errors.New("storage offline")
	err := tr.TrainOnce(context.Background())
	assert.Error(t, err)
	assert.Same(t, v1, detector.Current(), "failed cycle must leave previous snapshot live")
}

func TestRestoreRoundTripsSnapshot(t *testing.T) {
	source := &stubBaselineSource{events: baselineEvents(100)}
	store := storage.NewMemoryModelStore()
	detector := NewDetector()
	tr := NewTrainer(testTrainerConfig(), source, store, detector, zap.NewNop().Sugar())
	require.NoError(t, tr.TrainOnce(context.Background()))

	// A fresh process restores the persisted snapshot and can score with it.
	restored := NewDetector()
	tr2 := NewTrainer(testTrainerConfig(), source, store, restored, zap.NewNop().Sugar())
	tr2.Restore(context.Background())

	require.True(t, restored.Trained())
	assert.Equal(t, 1, restored.Current().Version)
	assert.Equal(t, 100, restored.Current().SampleCount)

	score := restored.Score(vectorFor(1.5, 22))
	require.NotNil(t, score)
	assert.GreaterOrEqual(t, *score, 0.0)
	assert.LessOrEqual(t, *score, 1.0)
}

func TestRestoreWithoutSnapshotStaysCold(t *testing.T) {
	detector := NewDetector()
	tr := NewTrainer(testTrainerConfig(), &stubBaselineSource{}, storage.NewMemoryModelStore(), detector, zap.NewNop().Sugar())
	tr.Restore(context.Background())
	assert.False(t, detector.Trained())
}

func TestTrainerBackoffGrowsAndCaps(t *testing.T) {
	cfg := testTrainerConfig()
	cfg.Interval = time.Minute
	cfg.MaxBackoff = 10 * time.Minute
	tr := NewTrainer(cfg, &stubBaselineSource{}, nil, NewDetector(), zap.NewNop().Sugar())

	assert.Equal(t, time.Minute, tr.backoff(1))
	assert.Equal(t, 2*time.Minute, tr.backoff(2))
	assert.Equal(t, 4*time.Minute, tr.backoff(3))
	assert.Equal(t, 8*time.Minute, tr.backoff(4))
	assert.Equal(t, 10*time.Minute, tr.backoff(5))
	assert.Equal(t, 10*time.Minute, tr.backoff(10))
}

func TestTrainerStartStop(t *testing.T) {
	tr := NewTrainer(testTrainerConfig(), &stubBaselineSource{}, nil, NewDetector(), zap.NewNop().Sugar())
	tr.Start(context.Background())
	tr.Stop() // must not hang or panic
}

func TestEncodeDecodeModel(t *testing.T) {
	samples := clusteredSamples(100)
	forest, err := NewIsolationForest(IsolationForestConfig{NumTrees: 10, SubsampleSize: 64}, FeatureNames, samples)
	require.NoError(t, err)

	model := &Model{Version: 3, TrainedAt: time.Now().UTC(), SampleCount: 100, Forest: forest}
	blob, err := EncodeModel(model)
	require.NoError(t, err)

	decoded, err := DecodeModel(blob)
	require.NoError(t, err)
	assert.Equal(t, 3, decoded.Version)
	assert.Equal(t, 100, decoded.SampleCount)
	require.NotNil(t, decoded.Forest)
	assert.Len(t, decoded.Forest.Trees, 10)

	// Decoded forest scores identically to the original.
	sample := vectorFor(1.5, 22)
	assert.InDelta(t, forest.Score(sample), decoded.Forest.Score(sample), 1e-9)

	_, err = DecodeModel(nil)
	assert.Error(t, err)
	_, err = DecodeModel([]byte("not gzip"))
	assert.Error(t, err)
}
