package detect

import (
	"sync"
	"time"

	"threathawk/core"
)

// maxScanSources bounds the per-source tracking state. When the cap is hit,
// the stalest source is evicted.
const maxScanSources = 4096

// portScanState tracks the distinct destination ports one source has touched
// inside the rolling window.
type portScanState struct {
	ports    map[int]time.Time // port -> last seen
	lastSeen time.Time
}

// PortScanRule is the stateful reconnaissance heuristic: it fires when one
// source contacts at least threshold distinct destination ports within the
// rolling window. State is keyed by source IP so a scan spread across
// reporting entities is still seen as one scan.
type PortScanRule struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	weight    float64
	sources   map[string]*portScanState
}

// NewPortScanRule creates a port-scan rule with the given window and distinct
// port threshold.
func NewPortScanRule(window time.Duration, threshold int, weight float64) *PortScanRule {
	return &PortScanRule{
		window:    window,
		threshold: threshold,
		weight:    weight,
		sources:   make(map[string]*portScanState),
	}
}

func (r *PortScanRule) ID() string      { return "port_scan" }
func (r *PortScanRule) Weight() float64 { return r.weight }

// Match records the event's destination port against its source and reports
// whether the source has crossed the distinct-port threshold. Events outside
// the network source kind never match and never mutate state.
func (r *PortScanRule) Match(ev *core.NormalizedEvent) (bool, error) {
	if ev.Source != core.SourceNetwork || ev.SourceIP == "" {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := ev.Timestamp
	state, ok := r.sources[ev.SourceIP]
	if !ok {
		if len(r.sources) >= maxScanSources {
			r.evictStalest()
		}
		state = &portScanState{ports: make(map[int]time.Time)}
		r.sources[ev.SourceIP] = state
	}

	cutoff := now.Add(-r.window)
	for port, seen := range state.ports {
		if seen.Before(cutoff) {
			delete(state.ports, port)
		}
	}

	state.ports[ev.DestinationPort] = now
	if now.After(state.lastSeen) {
		state.lastSeen = now
	}

	return len(state.ports) >= r.threshold, nil
}

// DistinctPorts returns the current in-window distinct port count for a
// source. Exposed for observability and tests.
func (r *PortScanRule) DistinctPorts(sourceIP string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sources[sourceIP]
	if !ok {
		return 0
	}
	return len(state.ports)
}

func (r *PortScanRule) evictStalest() {
	var stalest string
	var stalestSeen time.Time
	for src, state := range r.sources {
		if stalest == "" || state.lastSeen.Before(stalestSeen) {
			stalest = src
			stalestSeen = state.lastSeen
		}
	}
	if stalest != "" {
		delete(r.sources, stalest)
	}
}
