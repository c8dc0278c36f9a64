package service

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

// ProtocolScore is the ranking entry for one protocol.
type ProtocolScore struct {
	Protocol  *domain.Protocol
	Score     float64
	Qualified bool
	Reason    string
}

// ProtocolMatcher ranks registered protocols against the current studies.
type ProtocolMatcher struct {
	scorer *RuleScorer
	logger *logrus.Logger
}

// NewProtocolMatcher creates a new protocol matcher
func NewProtocolMatcher(scorer *RuleScorer, logger *logrus.Logger) *ProtocolMatcher {
	return &ProtocolMatcher{scorer: scorer, logger: logger}
}

// Rank scores every protocol except the default one. protocols must be in
// registration order. Qualified entries come first, ordered by score, then
// priority, then registration order.
func (m *ProtocolMatcher) Rank(protocols []*domain.Protocol, active domain.Attributes, priors []domain.Attributes) []ProtocolScore {
	ranked := make([]ProtocolScore, 0, len(protocols))

	for _, p := range protocols {
		if p.IsDefault() {
			continue
		}
		ranked = append(ranked, m.scoreProtocol(p, active, priors))
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Qualified != b.Qualified {
			return a.Qualified
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Protocol.Priority > b.Protocol.Priority
	})
	return ranked
}

func (m *ProtocolMatcher) scoreProtocol(p *domain.Protocol, active domain.Attributes, priors []domain.Attributes) ProtocolScore {
	entry := ProtocolScore{Protocol: p}

	if p.NumberOfPriorsReferenced > len(priors) {
		entry.Reason = "not enough prior studies"
		return entry
	}
	if p.RuleCount() == 0 {
		entry.Reason = "no matching rules"
		return entry
	}

	var activeRules, priorRules []domain.MatchingRule
	for _, rule := range p.ProtocolMatchingRules {
		if rule.From == domain.RuleFromPrior {
			priorRules = append(priorRules, rule)
		} else {
			activeRules = append(activeRules, rule)
		}
	}

	var priorAttrs domain.Attributes
	if len(priors) > 0 {
		priorAttrs = priors[0]
	}

	a := m.scorer.Score(activeRules, active)
	b := m.scorer.Score(priorRules, priorAttrs)
	if !a.SatisfiedAllRequired || !b.SatisfiedAllRequired {
		entry.Reason = "required rule failed"
		return entry
	}
	if a.PassedCount+b.PassedCount == 0 {
		entry.Reason = "no rule matched"
		return entry
	}

	entry.Score = a.TotalScore + b.TotalScore
	entry.Qualified = true
	return entry
}

// SelectProtocol returns the best qualifying protocol, or fallback when
// none qualifies.
func (m *ProtocolMatcher) SelectProtocol(protocols []*domain.Protocol, active domain.Attributes, priors []domain.Attributes, fallback *domain.Protocol) *domain.Protocol {
	ranked := m.Rank(protocols, active, priors)

	for _, entry := range ranked {
		m.logger.WithFields(logrus.Fields{
			"protocol_id": entry.Protocol.ID,
			"score":       entry.Score,
			"qualified":   entry.Qualified,
			"reason":      entry.Reason,
		}).Debug("Scored protocol")
	}

	if len(ranked) > 0 && ranked[0].Qualified {
		m.logger.WithFields(logrus.Fields{
			"protocol_id": ranked[0].Protocol.ID,
			"score":       ranked[0].Score,
		}).Info("Selected hanging protocol")
		return ranked[0].Protocol
	}

	if fallback != nil {
		m.logger.WithField("protocol_id", fallback.ID).Warn("No protocol qualified, using default protocol")
	}
	return fallback
}
