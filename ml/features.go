package ml

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"threathawk/core"
)

// FeatureVector holds the numeric features extracted for one event. Every
// vector carries the full feature set with zero defaults, so tree traversal
// during scoring is fully deterministic.
type FeatureVector struct {
	Entity    string
	EventID   string
	Timestamp time.Time
	Features  map[string]float64
}

// FeatureNames is the fixed, ordered feature schema. Training and scoring
// both run over exactly this set.
var FeatureNames = []string{
	"event_rate",
	"interarrival_mean_ms",
	"cpu_percent",
	"cpu_delta",
	"memory_percent",
	"memory_delta",
	"distinct_ports",
	"distinct_peers",
	"bytes_sent_mean",
	"bytes_received_mean",
	"source_process",
	"source_network",
	"source_file",
	"source_metric",
}

// windowEntry is the per-event slice of state kept in an entity's window.
type windowEntry struct {
	ts        time.Time
	source    core.SourceKind
	cpu       float64
	mem       float64
	port      int
	peer      string
	bytesSent int64
	bytesRecv int64
}

// entityWindow is a bounded ring of the most recent events for one entity.
type entityWindow struct {
	entries []windowEntry
	next    int
	full    bool
}

func newEntityWindow(size int) *entityWindow {
	return &entityWindow{entries: make([]windowEntry, size)}
}

func (w *entityWindow) push(e windowEntry) {
	w.entries[w.next] = e
	w.next++
	if w.next == len(w.entries) {
		w.next = 0
		w.full = true
	}
}

func (w *entityWindow) len() int {
	if w.full {
		return len(w.entries)
	}
	return w.next
}

// each visits the in-window entries, oldest first.
func (w *entityWindow) each(fn func(windowEntry)) {
	if w.full {
		for i := w.next; i < len(w.entries); i++ {
			fn(w.entries[i])
		}
	}
	for i := 0; i < w.next; i++ {
		fn(w.entries[i])
	}
}

// WindowExtractorConfig holds the sliding-window settings.
type WindowExtractorConfig struct {
	WindowSize  int           // events kept per entity
	IdleTTL     time.Duration // window discarded after this long without events
	MaxEntities int           // hard cap on tracked entities
}

// WindowExtractor maintains a bounded sliding window of recent events per
// entity and derives feature vectors from it. Windows for idle entities are
// evicted after the TTL; the entity cap bounds total memory regardless of how
// many entities report. Per-entity calls are serialized by the worker routing;
// the window cache itself is safe for concurrent use across entities.
type WindowExtractor struct {
	cfg     WindowExtractorConfig
	windows *expirable.LRU[string, *entityWindow]
}

// NewWindowExtractor creates an extractor with the given window settings.
func NewWindowExtractor(cfg WindowExtractorConfig) *WindowExtractor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 64
	}
	if cfg.MaxEntities <= 0 {
		cfg.MaxEntities = 10000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 15 * time.Minute
	}
	return &WindowExtractor{
		cfg:     cfg,
		windows: expirable.NewLRU[string, *entityWindow](cfg.MaxEntities, nil, cfg.IdleTTL),
	}
}

// Extract appends the event to its entity's window and returns the feature
// vector computed over the updated window.
func (x *WindowExtractor) Extract(ev *core.NormalizedEvent) *FeatureVector {
	win, ok := x.windows.Get(ev.Entity)
	if !ok {
		win = newEntityWindow(x.cfg.WindowSize)
	}

	win.push(windowEntry{
		ts:        ev.Timestamp,
		source:    ev.Source,
		cpu:       ev.CPUPercent,
		mem:       ev.MemoryPercent,
		port:      ev.DestinationPort,
		peer:      ev.DestinationIP,
		bytesSent: ev.BytesSent,
		bytesRecv: ev.BytesReceived,
	})
	// Re-add on every event so the idle TTL measures inactivity, not age.
	x.windows.Add(ev.Entity, win)

	return x.compute(ev, win)
}

// EntityCount returns the number of entities currently tracked.
func (x *WindowExtractor) EntityCount() int {
	return x.windows.Len()
}

func (x *WindowExtractor) compute(ev *core.NormalizedEvent, win *entityWindow) *FeatureVector {
	features := make(map[string]float64, len(FeatureNames))
	for _, name := range FeatureNames {
		features[name] = 0
	}

	n := win.len()
	var (
		first, last  time.Time
		cpuSum       float64
		memSum       float64
		sentSum      float64
		recvSum      float64
		networkCount int
		ports        = make(map[int]struct{})
		peers        = make(map[string]struct{})
	)
	idx := 0
	win.each(func(e windowEntry) {
		if idx == 0 {
			first = e.ts
		}
		last = e.ts
		idx++

		cpuSum += e.cpu
		memSum += e.mem
		if e.source == core.SourceNetwork {
			networkCount++
			sentSum += float64(e.bytesSent)
			recvSum += float64(e.bytesRecv)
			if e.port > 0 {
				ports[e.port] = struct{}{}
			}
			if e.peer != "" {
				peers[e.peer] = struct{}{}
			}
		}
	})

	if n > 1 {
		span := last.Sub(first)
		if span > 0 {
			features["event_rate"] = float64(n-1) / span.Seconds()
			features["interarrival_mean_ms"] = span.Seconds() * 1000 / float64(n-1)
		}
	}

	features["cpu_percent"] = ev.CPUPercent
	features["memory_percent"] = ev.MemoryPercent
	if n > 0 {
		features["cpu_delta"] = ev.CPUPercent - cpuSum/float64(n)
		features["memory_delta"] = ev.MemoryPercent - memSum/float64(n)
	}

	features["distinct_ports"] = float64(len(ports))
	features["distinct_peers"] = float64(len(peers))
	if networkCount > 0 {
		features["bytes_sent_mean"] = sentSum / float64(networkCount)
		features["bytes_received_mean"] = recvSum / float64(networkCount)
	}

	switch ev.Source {
	case core.SourceProcess:
		features["source_process"] = 1
	case core.SourceNetwork:
		features["source_network"] = 1
	case core.SourceFile:
		features["source_file"] = 1
	case core.SourceMetric:
		features["source_metric"] = 1
	}

	return &FeatureVector{
		Entity:    ev.Entity,
		EventID:   ev.EventID,
		Timestamp: ev.Timestamp,
		Features:  features,
	}
}
