package core

import "time"

// ThreatScore is the scoring record emitted for every normalized event,
// including events that scored zero. AnomalyScore is nil during cold start,
// never a fabricated default.
type ThreatScore struct {
	EventID       string    `json:"event_id"`
	Entity        string    `json:"entity"`
	Sequence      uint64    `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
	RuleScore     float64   `json:"rule_score"`
	AnomalyScore  *float64  `json:"anomaly_score,omitempty"`
	CombinedScore float64   `json:"combined_score"`
	MatchedRules  []string  `json:"matched_rules,omitempty"`
}

// HasAnomalyScore reports whether an anomaly model contributed to this score.
func (s *ThreatScore) HasAnomalyScore() bool {
	return s.AnomalyScore != nil
}

// Severity labels derived from the combined score.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// SeverityFromScore maps a combined score in [0,1] to a severity label.
func SeverityFromScore(score float64) string {
	switch {
	case score >= 0.7:
		return SeverityCritical
	case score >= 0.5:
		return SeverityHigh
	case score >= 0.3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
