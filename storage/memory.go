package storage

import (
	"context"
	"sort"
	"sync"

	"threathawk/core"
)

// In-memory store implementations. They back tests and make it possible to
// run the engine without a database file.

// MemoryEventStore is a thread-safe in-memory EventStoreInterface.
type MemoryEventStore struct {
	mu      sync.RWMutex
	records []*EventRecord
	seen    map[string]map[uint64]bool // entity -> sequence
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{seen: make(map[string]map[uint64]bool)}
}

func (s *MemoryEventStore) InsertEvent(ctx context.Context, ev *core.NormalizedEvent, score *core.ThreatScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[ev.Entity] == nil {
		s.seen[ev.Entity] = make(map[uint64]bool)
	}
	if s.seen[ev.Entity][ev.Sequence] {
		return nil
	}
	s.seen[ev.Entity][ev.Sequence] = true
	s.records = append(s.records, &EventRecord{Event: ev, Score: score})
	return nil
}

func (s *MemoryEventStore) ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*EventRecord
	for _, rec := range s.records {
		if filter.Entity != "" && rec.Event.Entity != filter.Entity {
			continue
		}
		if filter.Source != "" && string(rec.Event.Source) != filter.Source {
			continue
		}
		if filter.MinScore > 0 && rec.Score.CombinedScore < filter.MinScore {
			continue
		}
		if !filter.Since.IsZero() && rec.Event.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && rec.Event.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Event.Timestamp.After(out[j].Event.Timestamp)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryEventStore) BaselineEvents(ctx context.Context, threshold float64, limit int) ([]*core.NormalizedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 5000
	}
	var out []*core.NormalizedEvent
	for _, rec := range s.records {
		if rec.Score.CombinedScore < threshold {
			out = append(out, rec.Event)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Sequence < out[j].Sequence
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored events.
func (s *MemoryEventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// MemoryAlertStore is a thread-safe in-memory AlertStoreInterface.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]*core.Alert
}

// NewMemoryAlertStore creates an empty in-memory alert store.
func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]*core.Alert)}
}

func (s *MemoryAlertStore) InsertAlert(ctx context.Context, alert *core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *MemoryAlertStore) UpdateAlert(ctx context.Context, alert *core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[alert.ID]; !ok {
		return core.ErrAlertNotFound
	}
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *MemoryAlertStore) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, core.ErrAlertNotFound
	}
	cp := *alert
	return &cp, nil
}

func (s *MemoryAlertStore) ListOpenAlerts(ctx context.Context) ([]*core.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Alert
	for _, alert := range s.alerts {
		if alert.Status.IsOpen() {
			cp := *alert
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

func (s *MemoryAlertStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*core.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Alert
	for _, alert := range s.alerts {
		if filter.Entity != "" && alert.Entity != filter.Entity {
			continue
		}
		if filter.Status != "" && string(alert.Status) != filter.Status {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		cp := *alert
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryModelStore is a thread-safe in-memory ModelStoreInterface.
type MemoryModelStore struct {
	mu        sync.RWMutex
	snapshots map[int][]byte
	latest    int
}

// NewMemoryModelStore creates an empty in-memory model store.
func NewMemoryModelStore() *MemoryModelStore {
	return &MemoryModelStore{snapshots: make(map[int][]byte)}
}

func (s *MemoryModelStore) SaveSnapshot(ctx context.Context, version int, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.snapshots[version] = cp
	if version > s.latest {
		s.latest = version
	}
	return nil
}

func (s *MemoryModelStore) LoadLatestSnapshot(ctx context.Context) (int, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == 0 {
		return 0, nil, core.ErrModelNotTrained
	}
	blob := s.snapshots[s.latest]
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return s.latest, cp, nil
}
