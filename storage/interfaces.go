package storage

import (
	"context"
	"time"

	"threathawk/core"
)

// EventRecord pairs a stored event with the score it received.
type EventRecord struct {
	Event *core.NormalizedEvent
	Score *core.ThreatScore
}

// EventFilter narrows event listings. Zero values mean "no constraint".
type EventFilter struct {
	Entity   string
	Source   string
	MinScore float64
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// AlertFilter narrows alert listings. Zero values mean "no constraint".
type AlertFilter struct {
	Entity   string
	Status   string
	Severity string
	Limit    int
	Offset   int
}

// EventStoreInterface persists scored events and serves the trainer's
// baseline selection.
type EventStoreInterface interface {
	InsertEvent(ctx context.Context, ev *core.NormalizedEvent, score *core.ThreatScore) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error)
	BaselineEvents(ctx context.Context, threshold float64, limit int) ([]*core.NormalizedEvent, error)
}

// AlertStoreInterface persists alerts. It is a superset of the contract the
// alert manager depends on, adding the filtered listing used by the service
// layer.
type AlertStoreInterface interface {
	core.AlertStoreInterface
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*core.Alert, error)
}

// ModelStoreInterface persists versioned anomaly model snapshots.
type ModelStoreInterface interface {
	SaveSnapshot(ctx context.Context, version int, blob []byte) error
	LoadLatestSnapshot(ctx context.Context) (version int, blob []byte, err error)
}
