package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"threathawk/core"
	"threathawk/detect"
	"threathawk/ingest"
	"threathawk/metrics"
	"threathawk/ml"
	"threathawk/storage"
	"threathawk/util/goroutine"
)

// eventPersistAttempts bounds retries for transient event store faults.
const eventPersistAttempts = 3

// Config holds the engine assembly settings.
type Config struct {
	WorkerCount int
}

// Engine wires the scoring pipeline together: normalize, queue, analyze,
// extract, detect, score, alert, persist.
//
// Events are routed to one of N workers by hashing the entity key, so one
// entity's events are always processed serially in sequence order while
// different entities run in parallel. Each worker owns its slice of the
// dedup state; no cross-worker locking happens on the hot path.
type Engine struct {
	cfg        Config
	normalizer *ingest.Normalizer
	queue      *ingest.Queue
	analyzer   *detect.Analyzer
	extractor  *ml.WindowExtractor
	detector   *ml.Detector
	scorer     *detect.Scorer
	alerts     *core.AlertManager
	events     storage.EventStoreInterface
	logger     *zap.SugaredLogger

	collectors []Collector

	workers []chan *core.NormalizedEvent
	wg      sync.WaitGroup
	stopped atomic.Bool
	startMu sync.Mutex
	started bool
}

// Deps carries the engine's collaborators.
type Deps struct {
	Normalizer *ingest.Normalizer
	Queue      *ingest.Queue
	Analyzer   *detect.Analyzer
	Extractor  *ml.WindowExtractor
	Detector   *ml.Detector
	Scorer     *detect.Scorer
	Alerts     *core.AlertManager
	Events     storage.EventStoreInterface
	Logger     *zap.SugaredLogger
}

// New creates an engine from its collaborators.
func New(cfg Config, deps Deps) *Engine {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		cfg:        cfg,
		normalizer: deps.Normalizer,
		queue:      deps.Queue,
		analyzer:   deps.Analyzer,
		extractor:  deps.Extractor,
		detector:   deps.Detector,
		scorer:     deps.Scorer,
		alerts:     deps.Alerts,
		events:     deps.Events,
		logger:     logger,
	}
}

// RegisterCollector adds a collector that TriggerScan will invoke. Must be
// called before Start.
func (e *Engine) RegisterCollector(c Collector) {
	e.collectors = append(e.collectors, c)
}

// Start launches the dispatcher and worker goroutines.
func (e *Engine) Start(ctx context.Context) {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return
	}
	e.started = true

	e.workers = make([]chan *core.NormalizedEvent, e.cfg.WorkerCount)
	for i := range e.workers {
		e.workers[i] = make(chan *core.NormalizedEvent, 256)
		e.wg.Add(1)
		go e.worker(ctx, i, e.workers[i])
	}

	e.wg.Add(1)
	go e.dispatch()

	e.logger.Infow("Engine started", "workers", e.cfg.WorkerCount)
}

// Ingest validates one raw event and hands it to the pipeline. Returns a
// MalformedEventError for invalid input, ErrQueueFull under sustained
// backpressure, and ErrEngineStopped after shutdown began.
//
// The enqueue happens inside the normalizer's per-entity sequence lock, so
// concurrent producers for one entity cannot reorder between sequence
// assignment and queue insertion.
func (e *Engine) Ingest(ctx context.Context, raw *core.RawEvent) error {
	if e.stopped.Load() {
		return core.ErrEngineStopped
	}
	_, err := e.normalizer.Normalize(raw, func(ev *core.NormalizedEvent) error {
		return e.queue.Enqueue(ctx, ev)
	})
	return err
}

// TriggerScan asks every registered collector for a fresh sweep and ingests
// the results asynchronously. The returned handle identifies the sweep.
func (e *Engine) TriggerScan(ctx context.Context) (core.ScanHandle, error) {
	if e.stopped.Load() {
		return core.ScanHandle{}, core.ErrEngineStopped
	}
	handle := core.NewScanHandle()

	go func() {
		defer goroutine.Recover("scan-"+handle.ID, e.logger)
		for _, c := range e.collectors {
			raws, err := c.Collect(ctx)
			if err != nil {
				e.logger.Warnw("Collector sweep failed",
					"collector", c.Name(), "scan_id", handle.ID, "error", err)
				continue
			}
			for _, raw := range raws {
				if err := e.Ingest(ctx, raw); err != nil {
					e.logger.Debugw("Scan event not ingested",
						"collector", c.Name(), "scan_id", handle.ID, "error", err)
				}
			}
		}
	}()

	e.logger.Infow("Scan triggered", "scan_id", handle.ID, "collectors", len(e.collectors))
	return handle, nil
}

// Stop drains the pipeline: no new events are accepted, queued events are
// processed, then workers exit.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.queue.Close()
	e.wg.Wait()
	e.logger.Infow("Engine stopped")
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	QueueDepth      int       `json:"queue_depth"`
	QueueDropped    int64     `json:"queue_dropped"`
	TrackedEntities int       `json:"tracked_entities"`
	OpenAlerts      int       `json:"open_alerts"`
	ModelVersion    int       `json:"model_version"`
	ModelTrainedAt  time.Time `json:"model_trained_at,omitempty"`
	RuleCount       int       `json:"rule_count"`
	WorkerCount     int       `json:"worker_count"`
}

// Stats reports current pipeline state.
func (e *Engine) Stats() Stats {
	s := Stats{
		QueueDepth:      e.queue.Len(),
		QueueDropped:    e.queue.Dropped(),
		TrackedEntities: e.extractor.EntityCount(),
		OpenAlerts:      e.alerts.OpenCount(),
		RuleCount:       e.analyzer.RuleCount(),
		WorkerCount:     e.cfg.WorkerCount,
	}
	if model := e.detector.Current(); model != nil {
		s.ModelVersion = model.Version
		s.ModelTrainedAt = model.TrainedAt
	}
	return s
}

// dispatch routes queued events to workers by entity hash and closes the
// worker channels when the queue drains after Close.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	defer goroutine.Recover("engine-dispatcher", e.logger)

	for ev := range e.queue.C() {
		idx := entityShard(ev.Entity, len(e.workers))
		e.workers[idx] <- ev
	}
	for _, ch := range e.workers {
		close(ch)
	}
}

func (e *Engine) worker(ctx context.Context, id int, ch <-chan *core.NormalizedEvent) {
	defer e.wg.Done()
	defer goroutine.Recover("engine-worker", e.logger)

	// Worker-local dedup state: highest sequence processed per entity. Only
	// this worker ever sees these entities, so no locking is needed.
	lastSeq := make(map[string]uint64)

	for ev := range ch {
		if last, ok := lastSeq[ev.Entity]; ok && ev.Sequence <= last {
			metrics.EventsDuplicate.Inc()
			continue
		}
		e.safeProcess(ctx, ev)
		lastSeq[ev.Entity] = ev.Sequence
	}
}

// safeProcess isolates one event's processing. A panic is recovered and
// logged; the worker moves on to the next event and other entities are never
// affected.
func (e *Engine) safeProcess(ctx context.Context, ev *core.NormalizedEvent) {
	defer goroutine.Recover("event-processing", e.logger)
	e.processEvent(ctx, ev)
}

func (e *Engine) processEvent(ctx context.Context, ev *core.NormalizedEvent) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
		metrics.QueueDepth.Set(float64(e.queue.Len()))
	}()

	ruleScore, matched := e.analyzer.Evaluate(ev)
	features := e.extractor.Extract(ev)
	anomaly := e.detector.Score(features)
	score := e.scorer.Score(ev, ruleScore, matched, anomaly)

	e.persistEvent(ctx, ev, score)

	if _, _, err := e.alerts.ProcessScore(ctx, score); err != nil {
		e.logger.Errorw("Failed to apply score to alert state",
			"event_id", ev.EventID, "entity", ev.Entity, "error", err)
	}
}

// persistEvent writes the scored event through with bounded retries. A final
// failure is logged and the pipeline keeps going; scoring never stalls on
// storage.
func (e *Engine) persistEvent(ctx context.Context, ev *core.NormalizedEvent, score *core.ThreatScore) {
	var err error
	for attempt := 0; attempt < eventPersistAttempts; attempt++ {
		if attempt > 0 {
			metrics.PersistRetries.Inc()
			time.Sleep(time.Duration(attempt) * 20 * time.Millisecond)
		}
		if err = e.events.InsertEvent(ctx, ev, score); err == nil {
			return
		}
	}
	e.logger.Errorw("Failed to persist event",
		"event_id", ev.EventID, "entity", ev.Entity, "error", err)
}

func entityShard(entity string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entity))
	return int(h.Sum32() % uint32(n))
}
