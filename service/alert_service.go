package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"threathawk/core"
	"threathawk/storage"
)

// AlertService is the query and mutation surface over alerts. Status changes
// go through the alert manager so its open-alert index stays consistent with
// storage.
type AlertService struct {
	store   storage.AlertStoreInterface
	manager *core.AlertManager
	logger  *zap.SugaredLogger
}

// NewAlertService creates an alert service.
func NewAlertService(store storage.AlertStoreInterface, manager *core.AlertManager, logger *zap.SugaredLogger) *AlertService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AlertService{store: store, manager: manager, logger: logger}
}

// ListAlerts returns alerts matching the filter, most recently active first.
func (s *AlertService) ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]*core.Alert, error) {
	if filter.Status != "" && !core.AlertStatus(filter.Status).IsValid() {
		return nil, fmt.Errorf("unknown alert status %q", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	alerts, err := s.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// GetAlert fetches one alert by ID.
func (s *AlertService) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	if id == "" {
		return nil, fmt.Errorf("alert id is required")
	}
	return s.store.GetAlert(ctx, id)
}

// UpdateAlertStatus applies an explicit operator transition to an alert. The
// lifecycle rules are enforced by the alert state machine; invalid
// transitions are rejected without mutating the alert.
func (s *AlertService) UpdateAlertStatus(ctx context.Context, id string, status string) (*core.Alert, error) {
	if id == "" {
		return nil, fmt.Errorf("alert id is required")
	}
	target := core.AlertStatus(status)
	if !target.IsValid() {
		return nil, fmt.Errorf("unknown alert status %q", status)
	}

	alert, err := s.manager.Transition(ctx, id, target)
	if err != nil {
		return nil, err
	}
	return alert, nil
}
