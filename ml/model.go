package ml

import (
	"sync/atomic"
	"time"
)

// Model is one immutable trained snapshot of the anomaly detector.
type Model struct {
	Version     int
	TrainedAt   time.Time
	SampleCount int
	Forest      *IsolationForest
}

// Detector holds the live model behind an atomic pointer. Scoring reads the
// snapshot lock-free; training publishes a whole new snapshot in one swap, so
// every score comes from exactly one model version.
type Detector struct {
	current atomic.Pointer[Model]
}

// NewDetector creates an untrained detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Score returns the anomaly score for a feature vector, or nil when no model
// has been published yet. Callers treat nil as "no anomaly signal", not as a
// zero score.
func (d *Detector) Score(fv *FeatureVector) *float64 {
	model := d.current.Load()
	if model == nil || model.Forest == nil {
		return nil
	}
	s := model.Forest.Score(fv)
	return &s
}

// Publish swaps in a new model snapshot. In-flight scores finish against the
// snapshot they loaded.
func (d *Detector) Publish(model *Model) {
	d.current.Store(model)
}

// Current returns the live model snapshot, or nil before first training.
func (d *Detector) Current() *Model {
	return d.current.Load()
}

// Trained reports whether a model snapshot is live.
func (d *Detector) Trained() bool {
	return d.current.Load() != nil
}
