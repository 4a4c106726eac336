package core

import (
	"time"

	"github.com/google/uuid"
)

// SourceKind identifies which class of collector produced an event.
type SourceKind string

const (
	SourceProcess SourceKind = "process"
	SourceNetwork SourceKind = "network"
	SourceFile    SourceKind = "file"
	SourceMetric  SourceKind = "metric"
)

// IsValid checks if the source kind is one of the known collector kinds.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourceProcess, SourceNetwork, SourceFile, SourceMetric:
		return true
	default:
		return false
	}
}

// RawEvent is one telemetry record as produced by a collector. The core never
// mutates a RawEvent; it is validated into a NormalizedEvent or rejected.
type RawEvent struct {
	Source     SourceKind             `json:"source"`
	Entity     string                 `json:"entity"`
	Timestamp  time.Time              `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes"`
}

// NormalizedEvent is a RawEvent validated into the typed fields the scoring
// stages need. Sequence is assigned per entity and is monotonically
// increasing even when events from different entities interleave.
type NormalizedEvent struct {
	EventID   string     `json:"event_id"`
	Source    SourceKind `json:"source"`
	Entity    string     `json:"entity"`
	Sequence  uint64     `json:"sequence"`
	Timestamp time.Time  `json:"timestamp"`

	// Process events
	ProcessName   string  `json:"process_name,omitempty"`
	PID           int     `json:"pid,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`

	// Network events
	SourceIP        string `json:"source_ip,omitempty"`
	DestinationIP   string `json:"destination_ip,omitempty"`
	DestinationPort int    `json:"destination_port,omitempty"`
	BytesSent       int64  `json:"bytes_sent,omitempty"`
	BytesReceived   int64  `json:"bytes_received,omitempty"`

	// File events
	Path      string `json:"path,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Anything the collector sent that has no typed field
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// NewNormalizedEvent creates a NormalizedEvent shell with a generated ID.
func NewNormalizedEvent(source SourceKind, entity string, ts time.Time) *NormalizedEvent {
	return &NormalizedEvent{
		EventID:   uuid.New().String(),
		Source:    source,
		Entity:    entity,
		Timestamp: ts,
	}
}

// ScanHandle identifies one requested collection sweep. The sweep itself is
// performed by collectors outside this core; the handle lets callers correlate
// the resulting event burst.
type ScanHandle struct {
	ID          string    `json:"id"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewScanHandle creates a scan handle with a generated ID.
func NewScanHandle() ScanHandle {
	return ScanHandle{
		ID:          uuid.New().String(),
		RequestedAt: time.Now().UTC(),
	}
}
