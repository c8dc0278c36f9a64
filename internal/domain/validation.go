package domain

import (
	"fmt"
	"strings"
)

// Normalize fills in derived fields of a freshly submitted protocol.
// newID generates ids for viewports past the first in a stage.
func (p *Protocol) Normalize(newID func() string) {
	if p.Name == "" {
		p.Name = p.ID
	}

	for key, sel := range p.DisplaySetSelectors {
		if sel.ID != key {
			sel.ID = key
			p.DisplaySetSelectors[key] = sel
		}
	}

	for i := range p.Stages {
		stage := &p.Stages[i]
		if stage.ID == "" {
			stage.ID = fmt.Sprintf("stage-%d", i+1)
		}
		if stage.Name == "" {
			stage.Name = stage.ID
		}
		if len(stage.Viewports) == 0 && p.DefaultViewport != nil {
			for n := 0; n < stage.ViewportStructure.Slots(); n++ {
				stage.Viewports = append(stage.Viewports, copyViewport(*p.DefaultViewport))
			}
		}
		for v := range stage.Viewports {
			opts := &stage.Viewports[v].ViewportOptions
			if opts.ViewportID != "" {
				continue
			}
			if v == 0 {
				opts.ViewportID = "default"
			} else {
				opts.ViewportID = newID()
			}
		}
	}
}

func copyViewport(v Viewport) Viewport {
	out := Viewport{ViewportOptions: v.ViewportOptions.Clone()}
	out.ViewportOptions.ViewportID = ""
	out.DisplaySets = append([]DisplaySetRef(nil), v.DisplaySets...)
	return out
}

// Validate checks referential integrity. It returns ValidationErrors
// listing every problem found, or nil.
func (p *Protocol) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, NewValidationError("id", "protocol id is required", p.ID))
	}
	if p.NumberOfPriorsReferenced < -1 {
		errs = append(errs, NewValidationError("numberOfPriorsReferenced", "must be -1 or greater", p.NumberOfPriorsReferenced))
	}
	errs = append(errs, validateRules("protocolMatchingRules", p.ProtocolMatchingRules)...)

	for key, sel := range p.DisplaySetSelectors {
		field := fmt.Sprintf("displaySetSelectors.%s", key)
		errs = append(errs, validateRules(field+".studyMatchingRules", sel.StudyMatchingRules)...)
		errs = append(errs, validateRules(field+".seriesMatchingRules", sel.SeriesMatchingRules)...)
	}

	if len(p.Stages) == 0 {
		errs = append(errs, NewValidationError("stages", "protocol must declare at least one stage", nil))
	}

	seenStages := make(map[string]bool, len(p.Stages))
	for i, stage := range p.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		if stage.ID == "" {
			errs = append(errs, NewValidationError(field+".id", "stage id is required", nil))
		} else if seenStages[stage.ID] {
			errs = append(errs, NewValidationError(field+".id", "duplicate stage id", stage.ID))
		}
		seenStages[stage.ID] = true

		if len(stage.Viewports) == 0 {
			errs = append(errs, NewValidationError(field+".viewports", "stage must declare at least one viewport", stage.ID))
		}
		errs = append(errs, p.validateActivation(field+".stageActivation", stage.StageActivation)...)

		seenViewports := make(map[string]bool, len(stage.Viewports))
		for v, vp := range stage.Viewports {
			vfield := fmt.Sprintf("%s.viewports[%d]", field, v)
			if id := vp.ViewportOptions.ViewportID; id != "" {
				if seenViewports[id] {
					errs = append(errs, NewValidationError(vfield+".viewportOptions.viewportId", "duplicate viewport id", id))
				}
				seenViewports[id] = true
			}
			for d, ref := range vp.DisplaySets {
				dfield := fmt.Sprintf("%s.displaySets[%d]", vfield, d)
				if _, ok := p.DisplaySetSelectors[ref.ID]; !ok {
					errs = append(errs, NewValidationError(dfield+".id", "references unknown display set selector", ref.ID))
				}
				if ref.MatchedDisplaySetsIndex < -1 {
					errs = append(errs, NewValidationError(dfield+".matchedDisplaySetsIndex", "must be -1 or greater", ref.MatchedDisplaySetsIndex))
				}
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (p *Protocol) validateActivation(field string, a StageActivation) ValidationErrors {
	var errs ValidationErrors
	check := func(name string, level *ActivationLevel) {
		if level == nil {
			return
		}
		if level.MinViewportsMatched != nil && *level.MinViewportsMatched < 0 {
			errs = append(errs, NewValidationError(field+"."+name+".minViewportsMatched", "must not be negative", *level.MinViewportsMatched))
		}
		for _, id := range level.DisplaySetSelectorsMatched {
			if _, ok := p.DisplaySetSelectors[id]; !ok {
				errs = append(errs, NewValidationError(field+"."+name+".displaySetSelectorsMatched", "references unknown display set selector", id))
			}
		}
	}
	check("enabled", a.Enabled)
	check("passive", a.Passive)
	return errs
}

func validateRules(field string, rules []MatchingRule) ValidationErrors {
	var errs ValidationErrors
	for i, rule := range rules {
		rfield := fmt.Sprintf("%s[%d]", field, i)
		if strings.TrimSpace(rule.Attribute) == "" {
			errs = append(errs, NewValidationError(rfield+".attribute", "attribute is required", rule.ID))
		}
		if rule.Weight < 0 {
			errs = append(errs, NewValidationError(rfield+".weight", "weight must not be negative", rule.Weight))
		}
		if rule.Constraint == nil {
			errs = append(errs, NewValidationError(rfield+".constraint", "constraint is required", rule.ID))
		}
		if rule.From != RuleFromActiveStudy && rule.From != RuleFromPrior {
			errs = append(errs, NewValidationError(rfield+".from", "must be empty or \"prior\"", rule.From))
		}
	}
	return errs
}
