package ingest

import (
	"sync"

	"go.uber.org/zap"

	"threathawk/core"
	"threathawk/metrics"
)

// Normalizer validates raw telemetry into typed NormalizedEvents and assigns
// per-entity sequence numbers. Safe for concurrent producers: each entity has
// its own counter and lock, so sequences stay monotonic per entity even when
// events from different entities interleave arbitrarily.
type Normalizer struct {
	mu       sync.Mutex
	counters map[string]*entityCounter
	logger   *zap.SugaredLogger
}

// entityCounter holds one entity's sequence state. Its lock is held across
// both sequence assignment and submission so the two are a single atomic step.
type entityCounter struct {
	mu   sync.Mutex
	next uint64
}

// NewNormalizer creates a normalizer with empty sequence state.
func NewNormalizer(logger *zap.SugaredLogger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Normalizer{
		counters: make(map[string]*entityCounter),
		logger:   logger,
	}
}

// Normalize validates a raw event and returns its normalized form, or a
// MalformedEventError naming the offending field. Rejected events are counted
// and dropped; there is no retry path for malformed input.
//
// When submit is non-nil it is invoked with the sequenced event while the
// entity's sequence lock is still held. That makes sequencing and queue
// insertion one atomic step per entity: a later event can never enter the
// queue ahead of an earlier one, so downstream sequence-order dedup never
// mistakes a live event for a replay. A submit failure rolls the counter
// back, leaving no sequence gap.
func (n *Normalizer) Normalize(raw *core.RawEvent, submit func(*core.NormalizedEvent) error) (*core.NormalizedEvent, error) {
	if raw == nil {
		return nil, n.reject("", "event", "event cannot be nil")
	}
	if !raw.Source.IsValid() {
		return nil, n.reject(string(raw.Source), "source", "unknown source kind")
	}
	if raw.Entity == "" {
		return nil, n.reject(string(raw.Source), "entity", "entity identifier is required")
	}
	if raw.Timestamp.IsZero() || raw.Timestamp.Unix() < 0 {
		return nil, n.reject(string(raw.Source), "timestamp", "timestamp missing or out of range")
	}

	ev := core.NewNormalizedEvent(raw.Source, raw.Entity, raw.Timestamp.UTC())
	ev.Attributes = raw.Attributes

	var err error
	switch raw.Source {
	case core.SourceProcess:
		err = n.fillProcess(ev, raw)
	case core.SourceNetwork:
		err = n.fillNetwork(ev, raw)
	case core.SourceFile:
		err = n.fillFile(ev, raw)
	case core.SourceMetric:
		err = n.fillMetric(ev, raw)
	}
	if err != nil {
		return nil, err
	}

	c := n.counter(raw.Entity)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	ev.Sequence = c.next
	if submit != nil {
		if err := submit(ev); err != nil {
			c.next--
			return nil, err
		}
	}
	metrics.EventsIngested.WithLabelValues(string(raw.Source)).Inc()
	return ev, nil
}

func (n *Normalizer) fillProcess(ev *core.NormalizedEvent, raw *core.RawEvent) error {
	name, ok := attrString(raw.Attributes, "process_name")
	if !ok || name == "" {
		return n.reject(string(raw.Source), "process_name", "required for process events")
	}
	pid, ok := attrNumber(raw.Attributes, "pid")
	if !ok || pid < 0 {
		return n.reject(string(raw.Source), "pid", "required non-negative integer")
	}
	ev.ProcessName = name
	ev.PID = int(pid)

	if cpu, ok := attrNumber(raw.Attributes, "cpu_percent"); ok {
		if cpu < 0 {
			return n.reject(string(raw.Source), "cpu_percent", "must be non-negative")
		}
		ev.CPUPercent = cpu
	}
	if mem, ok := attrNumber(raw.Attributes, "memory_percent"); ok {
		if mem < 0 {
			return n.reject(string(raw.Source), "memory_percent", "must be non-negative")
		}
		ev.MemoryPercent = mem
	}
	return nil
}

func (n *Normalizer) fillNetwork(ev *core.NormalizedEvent, raw *core.RawEvent) error {
	srcIP, ok := attrString(raw.Attributes, "source_ip")
	if !ok || srcIP == "" {
		return n.reject(string(raw.Source), "source_ip", "required for network events")
	}
	dstIP, ok := attrString(raw.Attributes, "destination_ip")
	if !ok || dstIP == "" {
		return n.reject(string(raw.Source), "destination_ip", "required for network events")
	}
	port, ok := attrNumber(raw.Attributes, "destination_port")
	if !ok || port < 1 || port > 65535 {
		return n.reject(string(raw.Source), "destination_port", "required port in range 1-65535")
	}
	ev.SourceIP = srcIP
	ev.DestinationIP = dstIP
	ev.DestinationPort = int(port)

	if sent, ok := attrNumber(raw.Attributes, "bytes_sent"); ok {
		if sent < 0 {
			return n.reject(string(raw.Source), "bytes_sent", "must be non-negative")
		}
		ev.BytesSent = int64(sent)
	}
	if recv, ok := attrNumber(raw.Attributes, "bytes_received"); ok {
		if recv < 0 {
			return n.reject(string(raw.Source), "bytes_received", "must be non-negative")
		}
		ev.BytesReceived = int64(recv)
	}
	return nil
}

func (n *Normalizer) fillFile(ev *core.NormalizedEvent, raw *core.RawEvent) error {
	path, ok := attrString(raw.Attributes, "path")
	if !ok || path == "" {
		return n.reject(string(raw.Source), "path", "required for file events")
	}
	ev.Path = path
	if op, ok := attrString(raw.Attributes, "operation"); ok {
		ev.Operation = op
	}
	return nil
}

func (n *Normalizer) fillMetric(ev *core.NormalizedEvent, raw *core.RawEvent) error {
	cpu, ok := attrNumber(raw.Attributes, "cpu_percent")
	if !ok || cpu < 0 {
		return n.reject(string(raw.Source), "cpu_percent", "required non-negative value")
	}
	mem, ok := attrNumber(raw.Attributes, "memory_percent")
	if !ok || mem < 0 {
		return n.reject(string(raw.Source), "memory_percent", "required non-negative value")
	}
	ev.CPUPercent = cpu
	ev.MemoryPercent = mem
	return nil
}

// counter returns the sequence counter for an entity, creating it on first
// sight.
func (n *Normalizer) counter(entity string) *entityCounter {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.counters[entity]
	if !ok {
		c = &entityCounter{}
		n.counters[entity] = c
	}
	return c
}

func (n *Normalizer) reject(source, field, reason string) error {
	if source == "" {
		source = "unknown"
	}
	metrics.EventsMalformed.WithLabelValues(source, field).Inc()
	n.logger.Debugw("Rejected malformed event", "source", source, "field", field, "reason", reason)
	return core.NewMalformedEventError(field, reason)
}

// attrString reads a string attribute from the opaque attribute map.
func attrString(attrs map[string]interface{}, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	v, ok := attrs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// attrNumber reads a numeric attribute, accepting the numeric types JSON
// decoding and in-process producers commonly hand over.
func attrNumber(attrs map[string]interface{}, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
