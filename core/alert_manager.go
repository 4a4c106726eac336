package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"threathawk/metrics"
)

// AlertStoreInterface is the persistence contract the alert manager depends
// on. Keeping it here decouples alert aggregation from any storage engine and
// allows mocking in tests.
type AlertStoreInterface interface {
	InsertAlert(ctx context.Context, alert *Alert) error
	UpdateAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListOpenAlerts(ctx context.Context) ([]*Alert, error)
}

// persistAttempts bounds the retry loop for transient storage faults. The
// in-memory record survives even if every attempt fails.
const persistAttempts = 3

// AlertManager owns the one-open-alert-per-entity invariant. A qualifying
// score for an entity with no open alert creates a NEW alert; while an alert
// is open, further qualifying scores are absorbed into it. Terminal alerts
// are never reopened.
type AlertManager struct {
	mu        sync.Mutex
	threshold float64
	store     AlertStoreInterface
	open      map[string]*Alert // entity -> open alert
	logger    *zap.SugaredLogger
}

// NewAlertManager creates an alert manager with the given score threshold.
func NewAlertManager(threshold float64, store AlertStoreInterface, logger *zap.SugaredLogger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AlertManager{
		threshold: threshold,
		store:     store,
		open:      make(map[string]*Alert),
		logger:    logger,
	}
}

// Restore rebuilds the open-alert index from storage. Called once at startup
// so a restart does not double-open alerts for entities already under one.
func (m *AlertManager) Restore(ctx context.Context) error {
	alerts, err := m.store.ListOpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open alerts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range alerts {
		m.open[alert.Entity] = alert
	}
	if len(alerts) > 0 {
		m.logger.Infow("Restored open alerts", "count", len(alerts))
	}
	return nil
}

// ProcessScore applies one threat score to the alert state machine. Returns
// the affected alert (nil if the score did not qualify) and whether a new
// alert was created.
func (m *AlertManager) ProcessScore(ctx context.Context, score *ThreatScore) (*Alert, bool, error) {
	if score == nil {
		return nil, false, fmt.Errorf("score cannot be nil")
	}
	if score.CombinedScore < m.threshold {
		return nil, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.open[score.Entity]; ok {
		existing.Absorb(score)
		m.persist(ctx, existing, false)
		return existing, false, nil
	}

	alert := NewAlert(score)
	m.open[alert.Entity] = alert
	m.persist(ctx, alert, true)
	metrics.AlertsGenerated.WithLabelValues(alert.Severity).Inc()
	m.logger.Warnw("Alert created",
		"alert_id", alert.ID,
		"entity", alert.Entity,
		"severity", alert.Severity,
		"score", score.CombinedScore)
	return alert, true, nil
}

// Transition applies an explicit operator status change. Terminal transitions
// release the entity so a later qualifying score opens a fresh alert.
func (m *AlertManager) Transition(ctx context.Context, id string, status AlertStatus) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert := m.findOpenByID(id)
	if alert == nil {
		stored, err := m.store.GetAlert(ctx, id)
		if err != nil {
			return nil, err
		}
		alert = stored
	}

	if err := alert.TransitionTo(status); err != nil {
		return nil, err
	}
	alert.UpdatedAt = time.Now().UTC()

	if !alert.Status.IsOpen() {
		delete(m.open, alert.Entity)
	}

	m.persist(ctx, alert, false)
	m.logger.Infow("Alert status changed", "alert_id", alert.ID, "status", alert.Status)
	return alert, nil
}

// OpenAlert returns the currently open alert for an entity, if any.
func (m *AlertManager) OpenAlert(entity string) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[entity]
}

// OpenCount returns the number of currently open alerts.
func (m *AlertManager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func (m *AlertManager) findOpenByID(id string) *Alert {
	for _, alert := range m.open {
		if alert.ID == id {
			return alert
		}
	}
	return nil
}

// persist writes the alert through with bounded retries. A final failure is
// logged but the in-memory record is kept; storage faults must never lose an
// already-raised alert.
func (m *AlertManager) persist(ctx context.Context, alert *Alert, insert bool) {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 {
			metrics.PersistRetries.Inc()
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		if insert {
			err = m.store.InsertAlert(ctx, alert)
		} else {
			err = m.store.UpdateAlert(ctx, alert)
		}
		if err == nil {
			return
		}
	}
	m.logger.Errorw("Failed to persist alert, keeping in-memory record",
		"alert_id", alert.ID, "error", err)
}
