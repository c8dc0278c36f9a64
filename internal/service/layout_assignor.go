package service

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hanging-protocol-server/internal/domain"
)

// LayoutAssignor binds the viewport slots of a stage to resolved display sets.
type LayoutAssignor struct {
	logger *logrus.Logger
}

// NewLayoutAssignor creates a new layout assignor
func NewLayoutAssignor(logger *logrus.Logger) *LayoutAssignor {
	return &LayoutAssignor{logger: logger}
}

// Assign produces one binding per viewport in declared order. A slot whose
// primary reference misses is unmatched, or a placeholder when the viewport
// or its selector allows unmatched views. When previous holds a binding with
// the same reuse id showing the same display set, its viewport id is kept
// and the binding is flagged unchanged.
func (a *LayoutAssignor) Assign(stage domain.Stage, res *domain.Resolution, previous []domain.ViewportBinding) []domain.ViewportBinding {
	prevByReuse := make(map[string]domain.ViewportBinding)
	for _, b := range previous {
		for _, id := range b.ReuseIDs() {
			if _, dup := prevByReuse[id]; !dup {
				prevByReuse[id] = b
			}
		}
	}

	picker := newSlotPicker(res)
	bindings := make([]domain.ViewportBinding, len(stage.Viewports))
	claimed := make(map[string]bool)

	for pos, vp := range stage.Viewports {
		binding := domain.ViewportBinding{
			Position:        pos,
			Status:          domain.BindingUnmatched,
			ViewportOptions: vp.ViewportOptions.Clone(),
		}

		refs := make([]domain.DisplaySetReference, 0, len(vp.DisplaySets))
		primaryMissed := len(vp.DisplaySets) == 0
		for i, ref := range vp.DisplaySets {
			m, idx, ok := picker.pick(ref)
			if !ok {
				if i == 0 {
					primaryMissed = true
				}
				continue
			}
			refs = append(refs, domain.DisplaySetReference{
				DisplaySetInstanceUID: m.DisplaySet.DisplaySetInstanceUID,
				StudyInstanceUID:      m.DisplaySet.StudyInstanceUID,
				SeriesInstanceUID:     m.DisplaySet.SeriesInstanceUID,
				SelectorID:            ref.ID,
				MatchedIndex:          idx,
				ReuseID:               ref.ReuseID,
				Score:                 m.Score,
				Options:               ref.Options,
			})
		}

		switch {
		case !primaryMissed:
			primary := refs[0]
			binding.Status = domain.BindingBound
			binding.DisplaySetReference = &primary
			if len(refs) > 1 {
				binding.Layers = refs[1:]
			}
		case allowsUnmatched(vp, res):
			binding.Status = domain.BindingPlaceholder
		}

		if prev, ok := reusable(binding, prevByReuse); ok && !claimed[prev.ViewportID] {
			binding.ViewportID = prev.ViewportID
			binding.Unchanged = true
			claimed[prev.ViewportID] = true
		}
		bindings[pos] = binding
	}

	// Declared ids go to the remaining slots. A slot whose id is taken gets
	// a position-qualified id that no other slot claims or declares.
	pending := make(map[string]int)
	for pos, b := range bindings {
		if id := b.ViewportOptions.ViewportID; b.ViewportID == "" && id != "" {
			if _, ok := pending[id]; !ok {
				pending[id] = pos
			}
		}
	}
	taken := func(id string, pos int) bool {
		if claimed[id] {
			return true
		}
		owner, ok := pending[id]
		return ok && owner != pos
	}

	for pos := range bindings {
		b := &bindings[pos]
		if b.ViewportID == "" {
			id := b.ViewportOptions.ViewportID
			if id == "" {
				id = fmt.Sprintf("viewport-%d", pos)
			}
			base := id
			for n := pos; taken(id, pos); n++ {
				id = fmt.Sprintf("%s-%d", base, n)
			}
			claimed[id] = true
			b.ViewportID = id
		}
		b.ViewportOptions.ViewportID = b.ViewportID
	}

	a.logger.WithFields(logrus.Fields{
		"stage_id":  stage.ID,
		"viewports": len(bindings),
		"bound":     countBound(bindings),
	}).Debug("Assigned viewport layout")

	return bindings
}

// Unmatched returns bindings for every slot of stage with nothing bound.
func (a *LayoutAssignor) Unmatched(stage domain.Stage) []domain.ViewportBinding {
	bindings := make([]domain.ViewportBinding, len(stage.Viewports))
	for pos, vp := range stage.Viewports {
		id := vp.ViewportOptions.ViewportID
		if id == "" {
			id = fmt.Sprintf("viewport-%d", pos)
		}
		opts := vp.ViewportOptions.Clone()
		opts.ViewportID = id
		bindings[pos] = domain.ViewportBinding{
			ViewportID:      id,
			Position:        pos,
			Status:          domain.BindingUnmatched,
			ViewportOptions: opts,
		}
	}
	return bindings
}

func allowsUnmatched(vp domain.Viewport, res *domain.Resolution) bool {
	if vp.ViewportOptions.AllowUnmatchedView {
		return true
	}
	if len(vp.DisplaySets) == 0 {
		return false
	}
	return res.AllowUnmatched[vp.DisplaySets[0].ID]
}

func reusable(b domain.ViewportBinding, prevByReuse map[string]domain.ViewportBinding) (domain.ViewportBinding, bool) {
	if b.DisplaySetReference == nil || b.DisplaySetReference.ReuseID == "" {
		return domain.ViewportBinding{}, false
	}
	prev, ok := prevByReuse[b.DisplaySetReference.ReuseID]
	if !ok || prev.DisplaySetReference == nil {
		return domain.ViewportBinding{}, false
	}
	if prev.DisplaySetReference.DisplaySetInstanceUID != b.DisplaySetReference.DisplaySetInstanceUID {
		return domain.ViewportBinding{}, false
	}
	return prev, true
}

func countBound(bindings []domain.ViewportBinding) int {
	n := 0
	for _, b := range bindings {
		if b.Status == domain.BindingBound {
			n++
		}
	}
	return n
}
