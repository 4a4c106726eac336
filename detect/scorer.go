package detect

import (
	"threathawk/core"
	"threathawk/metrics"
)

// Scorer combines the rule score and the optional anomaly score into the
// final threat score. When no anomaly score is available (model not yet
// trained) the combined score is exactly the rule score, so rule-based
// detection keeps full strength during cold start.
type Scorer struct {
	ruleWeight    float64
	anomalyWeight float64
}

// NewScorer creates a scorer with the given component weights. The weights
// are validated at configuration load time; their sum never exceeds 1.0, so
// the clamp below only guards float rounding.
func NewScorer(ruleWeight, anomalyWeight float64) *Scorer {
	return &Scorer{ruleWeight: ruleWeight, anomalyWeight: anomalyWeight}
}

// Score produces the threat score record for one event. Every processed
// event gets a score, including zero scores for benign events.
func (s *Scorer) Score(ev *core.NormalizedEvent, ruleScore float64, matched []string, anomaly *float64) *core.ThreatScore {
	combined := ruleScore
	if anomaly != nil {
		combined = s.ruleWeight*ruleScore + s.anomalyWeight*(*anomaly)
	}
	if combined > 1.0 {
		combined = 1.0
	}
	if combined < 0 {
		combined = 0
	}

	metrics.ScoresComputed.Inc()
	return &core.ThreatScore{
		EventID:       ev.EventID,
		Entity:        ev.Entity,
		Sequence:      ev.Sequence,
		Timestamp:     ev.Timestamp,
		RuleScore:     ruleScore,
		AnomalyScore:  anomaly,
		CombinedScore: combined,
		MatchedRules:  matched,
	}
}
