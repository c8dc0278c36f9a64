package service

import (
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

// RuleOutcome records how a single rule fared against a candidate.
type RuleOutcome struct {
	RuleID    string
	Attribute string
	Required  bool
	Passed    bool
}

// RuleScore is the result of scoring one candidate against a rule list.
type RuleScore struct {
	TotalScore           float64
	SatisfiedAllRequired bool
	// PassedCount counts satisfied rules, required gates included.
	PassedCount int
	Outcomes    []RuleOutcome
}

// RuleScorer sums the weights of satisfied rules and disqualifies
// candidates that fail a required rule.
type RuleScorer struct {
	logger *logrus.Logger
}

// NewRuleScorer creates a new rule scorer
func NewRuleScorer(logger *logrus.Logger) *RuleScorer {
	return &RuleScorer{logger: logger}
}

// Score evaluates rules in declaration order against attrs. A failed
// required rule stops evaluation with a zero score. Required rules gate
// but never contribute weight.
func (s *RuleScorer) Score(rules []domain.MatchingRule, attrs domain.Attributes) RuleScore {
	result := RuleScore{
		SatisfiedAllRequired: true,
		Outcomes:             make([]RuleOutcome, 0, len(rules)),
	}

	for _, rule := range rules {
		value, present := attrs.Lookup(rule.Attribute)
		passed := EvaluateConstraint(rule.Constraint, value, present)

		result.Outcomes = append(result.Outcomes, RuleOutcome{
			RuleID:    rule.ID,
			Attribute: rule.Attribute,
			Required:  rule.Required,
			Passed:    passed,
		})

		if !passed {
			if rule.Required {
				s.logger.WithFields(logrus.Fields{
					"rule_id":   rule.ID,
					"attribute": rule.Attribute,
					"value":     value,
				}).Debug("Required rule failed")
				return RuleScore{
					TotalScore:           0,
					SatisfiedAllRequired: false,
					PassedCount:          result.PassedCount,
					Outcomes:             result.Outcomes,
				}
			}
			continue
		}

		result.PassedCount++
		if !rule.Required {
			result.TotalScore += rule.Weight
		}
	}

	return result
}
