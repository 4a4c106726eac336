package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"threathawk/core"
	"threathawk/storage"
)

// maxListLimit caps page sizes so a single query cannot pull the whole table.
const maxListLimit = 1000

// EventService is the query surface over stored, scored events.
type EventService struct {
	events storage.EventStoreInterface
	logger *zap.SugaredLogger
}

// NewEventService creates an event service.
func NewEventService(events storage.EventStoreInterface, logger *zap.SugaredLogger) *EventService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EventService{events: events, logger: logger}
}

// ListEvents returns stored events matching the filter, newest first.
func (s *EventService) ListEvents(ctx context.Context, filter storage.EventFilter) ([]*storage.EventRecord, error) {
	if filter.Source != "" && !core.SourceKind(filter.Source).IsValid() {
		return nil, fmt.Errorf("unknown source kind %q", filter.Source)
	}
	if filter.MinScore < 0 || filter.MinScore > 1 {
		return nil, fmt.Errorf("min score must be within [0, 1]")
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	records, err := s.events.ListEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return records, nil
}
