package service

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

// Candidate is a display set with its denormalized series and study
// attributes, ready for rule evaluation.
type Candidate struct {
	DisplaySet      domain.DisplaySet
	Attributes      domain.Attributes
	StudyAttributes domain.Attributes
}

// BuildCandidates flattens studies into candidates in enumeration order:
// studies in the given order, display sets in metadata order. Unsupported
// display sets are skipped.
func BuildCandidates(studies []domain.Study, priorFrom int) []Candidate {
	var out []Candidate
	for i, study := range studies {
		studyAttrs := StudyAttributes(study, i, i >= priorFrom)
		for _, ds := range study.DisplaySets {
			if ds.Unsupported {
				continue
			}
			if ds.StudyInstanceUID == "" {
				ds.StudyInstanceUID = study.StudyInstanceUID
			}
			out = append(out, Candidate{
				DisplaySet:      ds,
				Attributes:      DisplaySetAttributes(ds, studyAttrs),
				StudyAttributes: studyAttrs,
			})
		}
	}
	return out
}

// SelectorResolver ranks display sets for each named selector.
type SelectorResolver struct {
	scorer *RuleScorer
	logger *logrus.Logger
}

// NewSelectorResolver creates a new selector resolver
func NewSelectorResolver(scorer *RuleScorer, logger *logrus.Logger) *SelectorResolver {
	return &SelectorResolver{scorer: scorer, logger: logger}
}

// Resolve scores every candidate against the selector's study and series
// rules. Candidates failing a required rule in either list are dropped.
// The result is sorted by descending score; ties keep enumeration order.
func (r *SelectorResolver) Resolve(sel domain.DisplaySetSelector, candidates []Candidate) []domain.SelectorMatch {
	matches := make([]domain.SelectorMatch, 0, len(candidates))

	for _, c := range candidates {
		study := r.scorer.Score(sel.StudyMatchingRules, c.StudyAttributes)
		if !study.SatisfiedAllRequired {
			continue
		}
		series := r.scorer.Score(sel.SeriesMatchingRules, c.Attributes)
		if !series.SatisfiedAllRequired {
			continue
		}

		matches = append(matches, domain.SelectorMatch{
			DisplaySet:  c.DisplaySet,
			Score:       study.TotalScore + series.TotalScore,
			StudyScore:  study.TotalScore,
			SeriesScore: series.TotalScore,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	r.logger.WithFields(logrus.Fields{
		"selector":   sel.ID,
		"candidates": len(candidates),
		"matches":    len(matches),
	}).Debug("Resolved display set selector")

	return matches
}

// ResolveAll resolves every selector of a protocol and applies explicit
// displaySetSelectorMap overrides whose display set is among the candidates.
func (r *SelectorResolver) ResolveAll(p *domain.Protocol, candidates []Candidate, activeStudyUID string, overrides map[string]string) *domain.Resolution {
	res := &domain.Resolution{
		ProtocolID:     p.ID,
		ActiveStudyUID: activeStudyUID,
		Matches:        make(map[string][]domain.SelectorMatch, len(p.DisplaySetSelectors)),
		AllowUnmatched: make(map[string]bool, len(p.DisplaySetSelectors)),
	}

	for id, sel := range p.DisplaySetSelectors {
		if sel.ID == "" {
			sel.ID = id
		}
		res.Matches[id] = r.Resolve(sel, candidates)
		res.AllowUnmatched[id] = sel.AllowUnmatchedView
	}

	if len(overrides) > 0 {
		byUID := make(map[string]domain.DisplaySet, len(candidates))
		for _, c := range candidates {
			byUID[c.DisplaySet.DisplaySetInstanceUID] = c.DisplaySet
		}
		res.Overrides = make(map[string]domain.SelectorMatch)
		for key, uid := range overrides {
			ds, ok := byUID[uid]
			if !ok {
				r.logger.WithFields(logrus.Fields{
					"key":                   key,
					"displaySetInstanceUID": uid,
				}).Warn("Ignoring selector override for unknown display set")
				continue
			}
			res.Overrides[key] = domain.SelectorMatch{DisplaySet: ds}
		}
	}

	return res
}
