package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threathawk_events_ingested_total",
			Help: "Total number of raw events accepted for processing",
		},
		[]string{"source"},
	)

	EventsMalformed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threathawk_events_malformed_total",
			Help: "Total number of raw events rejected during normalization",
		},
		[]string{"source", "field"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threathawk_events_dropped_total",
			Help: "Total number of events dropped due to queue saturation",
		},
	)

	EventsDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threathawk_events_duplicate_total",
			Help: "Total number of re-ingested events discarded by sequence dedup",
		},
	)

	ScoresComputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threathawk_scores_computed_total",
			Help: "Total number of threat scores emitted",
		},
	)

	AlertsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threathawk_alerts_generated_total",
			Help: "Total number of alerts generated",
		},
		[]string{"severity"},
	)

	RuleEvalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threathawk_rule_eval_errors_total",
			Help: "Total number of rule evaluations skipped due to errors",
		},
		[]string{"rule"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threathawk_ingest_queue_depth",
			Help: "Current number of events waiting in the ingest queue",
		},
	)

	ModelTrainings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threathawk_model_trainings_total",
			Help: "Total number of successful anomaly model training runs",
		},
	)

	ModelTrainingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threathawk_model_training_failures_total",
			Help: "Total number of failed anomaly model training runs",
		},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threathawk_goroutine_panics_recovered_total",
			Help: "Total number of panics recovered in supervised goroutines",
		},
		[]string{"goroutine"},
	)

	PersistRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threathawk_persist_retries_total",
			Help: "Total number of retried storage writes after transient failures",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threathawk_event_processing_duration_seconds",
			Help:    "Time taken to process one event through the scoring pipeline",
			Buckets: prometheus.DefBuckets,
		},
	)
)
