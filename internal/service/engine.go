package service

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

// Engine runs complete matching passes: protocol selection, selector
// resolution, stage activation and layout assignment. It keeps no state
// between calls; every pass is a function of the request and the protocols
// the provider returns.
type Engine struct {
	protocols domain.ProtocolProvider
	matcher   *ProtocolMatcher
	resolver  *SelectorResolver
	stages    *StageEvaluator
	assignor  *LayoutAssignor
	logger    *logrus.Logger
}

// NewEngine creates a new matching engine over a protocol provider
func NewEngine(protocols domain.ProtocolProvider, logger *logrus.Logger) *Engine {
	scorer := NewRuleScorer(logger)
	return &Engine{
		protocols: protocols,
		matcher:   NewProtocolMatcher(scorer, logger),
		resolver:  NewSelectorResolver(scorer, logger),
		stages:    NewStageEvaluator(logger),
		assignor:  NewLayoutAssignor(logger),
		logger:    logger,
	}
}

// Match runs one matching pass. It always returns a complete result; every
// failure degrades to the default protocol.
func (e *Engine) Match(req *domain.MatchRequest) *domain.MatchResult {
	fallback := e.defaultProtocol()

	var p *domain.Protocol
	if req.ProtocolID != "" {
		found, err := e.protocols.GetProtocol(req.ProtocolID)
		if err != nil {
			e.logger.WithError(err).WithField("protocol_id", req.ProtocolID).Warn("Requested protocol unavailable, matching instead")
		} else {
			p = found
		}
	}
	if p == nil {
		active, _ := req.ActiveStudy()
		activeAttrs := StudyAttributes(active, 0, false)
		priorAttrs := make([]domain.Attributes, len(req.PriorStudies))
		for i, prior := range req.PriorStudies {
			priorAttrs[i] = StudyAttributes(prior, len(req.Studies)+i, true)
		}
		p = e.matcher.SelectProtocol(e.protocols.ListProtocols(), activeAttrs, priorAttrs, fallback)
	}

	if result := e.hang(p, req, req.StageID); result != nil {
		return result
	}

	if !p.IsDefault() {
		e.logger.WithField("protocol_id", p.ID).Warn("No stage activated, falling back to default protocol")
		if result := e.hang(fallback, req, ""); result != nil {
			return result
		}
	}

	return e.degrade(fallback, req)
}

// NextStage moves to the next stage of the current protocol that is not
// disabled, staying put at the last one.
func (e *Engine) NextStage(req *domain.MatchRequest, current *domain.MatchResult) *domain.MatchResult {
	return e.navigate(req, current, 1)
}

// PreviousStage moves to the previous stage that is not disabled, staying
// put at the first one.
func (e *Engine) PreviousStage(req *domain.MatchRequest, current *domain.MatchResult) *domain.MatchResult {
	return e.navigate(req, current, -1)
}

// SetHangingProtocol applies an explicit protocol, optionally at a stage.
// Unlike Match it reports an unknown protocol id to the caller.
func (e *Engine) SetHangingProtocol(req *domain.MatchRequest, protocolID, stageID string, current *domain.MatchResult) (*domain.MatchResult, error) {
	if _, err := e.protocols.GetProtocol(protocolID); err != nil {
		return nil, fmt.Errorf("setting hanging protocol %s: %w", protocolID, err)
	}

	next := *req
	next.ProtocolID = protocolID
	next.StageID = stageID
	if current != nil {
		next.PreviousAssignment = current.Bindings
	}
	return e.Match(&next), nil
}

func (e *Engine) navigate(req *domain.MatchRequest, current *domain.MatchResult, delta int) *domain.MatchResult {
	if current == nil {
		return e.Match(req)
	}

	p, err := e.protocols.GetProtocol(current.ProtocolID)
	if err != nil {
		p = e.defaultProtocol()
		if current.ProtocolID != p.ID {
			e.logger.WithError(err).WithField("protocol_id", current.ProtocolID).Warn("Current protocol unavailable, rematching")
			next := *req
			next.ProtocolID = ""
			next.StageID = ""
			next.PreviousAssignment = current.Bindings
			return e.Match(&next)
		}
	}

	if len(p.Stages) == 0 {
		return e.Match(req)
	}

	res := e.resolve(p, req)
	states := e.stages.Evaluate(p, res)
	from := current.StageIndex
	if from < 0 || from >= len(states) {
		from = 0
	}
	idx := e.stages.Step(states, from, delta)

	e.logger.WithFields(logrus.Fields{
		"protocol_id": p.ID,
		"from_stage":  current.StageID,
		"to_stage":    p.Stages[idx].ID,
	}).Info("Changing protocol stage")

	next := *req
	next.ProtocolID = p.ID
	next.StageID = p.Stages[idx].ID
	next.PreviousAssignment = current.Bindings
	return e.Match(&next)
}

// hang resolves and lays out p, or returns nil when no stage activates.
func (e *Engine) hang(p *domain.Protocol, req *domain.MatchRequest, stageID string) *domain.MatchResult {
	if len(p.Stages) == 0 {
		return nil
	}

	res := e.resolve(p, req)
	states := e.stages.Evaluate(p, res)
	idx := e.stages.SelectStage(p, states, stageID)
	if idx < 0 {
		return nil
	}

	stage := p.Stages[idx]
	return &domain.MatchResult{
		ProtocolID: p.ID,
		StageID:    stage.ID,
		StageIndex: idx,
		Stages:     states,
		Bindings:   e.assignor.Assign(stage, res, req.PreviousAssignment),
		Rows:       stage.ViewportStructure.Properties.Rows,
		Columns:    stage.ViewportStructure.Properties.Columns,
	}
}

// degrade emits the smallest stage of p with every slot unmatched.
func (e *Engine) degrade(p *domain.Protocol, req *domain.MatchRequest) *domain.MatchResult {
	stage, idx := smallestStage(p)
	e.logger.WithFields(logrus.Fields{
		"protocol_id": p.ID,
		"stage_id":    stage.ID,
		"studies":     len(req.Studies),
	}).Warn("No stage activated, emitting unmatched layout")

	var states []domain.StageState
	if len(p.Stages) > 0 {
		states = e.stages.Evaluate(p, e.resolve(p, req))
	}

	rows, cols := stage.ViewportStructure.Properties.Rows, stage.ViewportStructure.Properties.Columns
	if rows <= 0 || cols <= 0 {
		rows, cols = 1, 1
	}
	return &domain.MatchResult{
		ProtocolID: p.ID,
		StageID:    stage.ID,
		StageIndex: idx,
		Stages:     states,
		Bindings:   e.assignor.Unmatched(stage),
		Rows:       rows,
		Columns:    cols,
		Degraded:   true,
	}
}

func (e *Engine) resolve(p *domain.Protocol, req *domain.MatchRequest) *domain.Resolution {
	studies := referencedStudies(p, req)
	candidates := BuildCandidates(studies, len(req.Studies))
	active, _ := req.ActiveStudy()
	return e.resolver.ResolveAll(p, candidates, active.StudyInstanceUID, req.DisplaySetSelectorMap)
}

func (e *Engine) defaultProtocol() *domain.Protocol {
	if p := e.protocols.DefaultProtocol(); p != nil {
		return p
	}
	return domain.NewDefaultProtocol()
}

// referencedStudies limits candidates to what the protocol looks at:
// -1 is the active study only, 0 is everything, n adds the first n priors.
func referencedStudies(p *domain.Protocol, req *domain.MatchRequest) []domain.Study {
	if len(req.Studies) == 0 {
		return nil
	}
	if p.NumberOfPriorsReferenced < 0 {
		return req.Studies[:1]
	}

	priors := req.PriorStudies
	if n := p.NumberOfPriorsReferenced; n > 0 && n < len(priors) {
		priors = priors[:n]
	}
	studies := make([]domain.Study, 0, len(req.Studies)+len(priors))
	studies = append(studies, req.Studies...)
	return append(studies, priors...)
}

// smallestStage picks the stage with the fewest viewports, first on ties,
// or the synthesized 1x1 stage when p declares none.
func smallestStage(p *domain.Protocol) (domain.Stage, int) {
	if len(p.Stages) == 0 {
		return domain.DefaultStage(), 0
	}
	best := 0
	for i, s := range p.Stages {
		if len(s.Viewports) < len(p.Stages[best].Viewports) {
			best = i
		}
	}
	return p.Stages[best], best
}
