package service

import (
	"github.com/hanging-protocol-server/internal/domain"
)

// slotPicker resolves display set references of one stage in viewport
// order, remembering what is already displayed so that index -1 can pick
// the best match not yet shown.
type slotPicker struct {
	res       *domain.Resolution
	inDisplay map[string]bool
}

func newSlotPicker(res *domain.Resolution) *slotPicker {
	return &slotPicker{res: res, inDisplay: make(map[string]bool)}
}

// pick returns the match for ref and its index within the selector's
// ranked list. Overrides report the requested index.
func (p *slotPicker) pick(ref domain.DisplaySetRef) (domain.SelectorMatch, int, bool) {
	idx := ref.MatchedDisplaySetsIndex

	if m, ok := p.res.Override(ref.ID, idx); ok {
		p.inDisplay[m.DisplaySet.DisplaySetInstanceUID] = true
		return m, idx, true
	}

	matches := p.res.Matches[ref.ID]
	if idx == -1 {
		for i, m := range matches {
			if !p.inDisplay[m.DisplaySet.DisplaySetInstanceUID] {
				p.inDisplay[m.DisplaySet.DisplaySetInstanceUID] = true
				return m, i, true
			}
		}
		return domain.SelectorMatch{}, -1, false
	}

	if idx < 0 || idx >= len(matches) {
		return domain.SelectorMatch{}, idx, false
	}
	m := matches[idx]
	p.inDisplay[m.DisplaySet.DisplaySetInstanceUID] = true
	return m, idx, true
}

// viewportMatched reports whether the primary reference of a viewport
// resolves, the same test Assign uses to bind a slot. Layers are still
// picked so that later -1 references see the same display state.
func (p *slotPicker) viewportMatched(vp domain.Viewport) bool {
	if len(vp.DisplaySets) == 0 {
		return false
	}
	matched := false
	for i, ref := range vp.DisplaySets {
		if _, _, ok := p.pick(ref); ok && i == 0 {
			matched = true
		}
	}
	return matched
}
