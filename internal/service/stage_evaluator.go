package service

import (
	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

// StageEvaluator decides which stages of a protocol can be shown.
type StageEvaluator struct {
	logger *logrus.Logger
}

// NewStageEvaluator creates a new stage evaluator
func NewStageEvaluator(logger *logrus.Logger) *StageEvaluator {
	return &StageEvaluator{logger: logger}
}

// Evaluate computes the activation status of every stage in declared order.
func (e *StageEvaluator) Evaluate(p *domain.Protocol, res *domain.Resolution) []domain.StageState {
	states := make([]domain.StageState, len(p.Stages))
	for i, stage := range p.Stages {
		matched := countMatchedViewports(stage, res)
		states[i] = domain.StageState{
			StageID:          stage.ID,
			Status:           stageStatus(stage.StageActivation, matched, res),
			ViewportsMatched: matched,
		}
	}
	return states
}

// SelectStage returns the index of the stage to show. A requested stage is
// honored unless it is disabled; otherwise the first enabled stage in
// declared order wins. -1 means no stage activates.
func (e *StageEvaluator) SelectStage(p *domain.Protocol, states []domain.StageState, requestedID string) int {
	if requestedID != "" {
		if idx := p.StageIndex(requestedID); idx >= 0 && states[idx].Status != domain.StageDisabled {
			return idx
		}
		e.logger.WithFields(logrus.Fields{
			"protocol_id": p.ID,
			"stage_id":    requestedID,
		}).Warn("Requested stage is unavailable, selecting first enabled stage")
	}

	for i, st := range states {
		if st.Status == domain.StageEnabled {
			return i
		}
	}
	return -1
}

// Step returns the next (delta 1) or previous (delta -1) stage that is not
// disabled, or from when there is none in that direction.
func (e *StageEvaluator) Step(states []domain.StageState, from, delta int) int {
	for i := from + delta; i >= 0 && i < len(states); i += delta {
		if states[i].Status != domain.StageDisabled {
			return i
		}
	}
	return from
}

func countMatchedViewports(stage domain.Stage, res *domain.Resolution) int {
	picker := newSlotPicker(res)
	matched := 0
	for _, vp := range stage.Viewports {
		if picker.viewportMatched(vp) {
			matched++
		}
	}
	return matched
}

func stageStatus(a domain.StageActivation, matched int, res *domain.Resolution) domain.StageStatus {
	if matched >= a.EnabledMin() && selectorsMatched(a.Enabled, res) {
		return domain.StageEnabled
	}
	if matched >= a.PassiveMin() && selectorsMatched(a.Passive, res) {
		return domain.StagePassive
	}
	return domain.StageDisabled
}

func selectorsMatched(level *domain.ActivationLevel, res *domain.Resolution) bool {
	if level == nil {
		return true
	}
	for _, id := range level.DisplaySetSelectorsMatched {
		if len(res.Matches[id]) == 0 {
			return false
		}
	}
	return true
}
