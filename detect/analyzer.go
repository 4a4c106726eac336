package detect

import (
	"go.uber.org/zap"

	"threathawk/core"
	"threathawk/metrics"
)

// Analyzer evaluates the configured rule set against one event and produces
// the rule contribution to the threat score. Rule evaluation failures are
// isolated: the failing rule is skipped and counted, the rest still run.
type Analyzer struct {
	rules  []Rule
	logger *zap.SugaredLogger
}

// NewAnalyzer creates an analyzer over the given rules.
func NewAnalyzer(rules []Rule, logger *zap.SugaredLogger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Analyzer{rules: rules, logger: logger}
}

// Evaluate runs every rule against the event. The rule score is the sum of
// matched rule weights, capped at 1.0; matched carries the IDs of the rules
// that fired, in evaluation order.
func (a *Analyzer) Evaluate(ev *core.NormalizedEvent) (score float64, matched []string) {
	for _, rule := range a.rules {
		hit, err := rule.Match(ev)
		if err != nil {
			metrics.RuleEvalErrors.WithLabelValues(rule.ID()).Inc()
			a.logger.Warnw("Rule evaluation failed, skipping rule",
				"rule", rule.ID(), "event_id", ev.EventID, "error", err)
			continue
		}
		if hit {
			score += rule.Weight()
			matched = append(matched, rule.ID())
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score, matched
}

// RuleCount returns the number of configured rules.
func (a *Analyzer) RuleCount() int {
	return len(a.rules)
}
