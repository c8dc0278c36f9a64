package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanging-protocol-server/internal/domain"
)

func TestLayoutAssignor_Assign(t *testing.T) {
	assignor := NewLayoutAssignor(quietLogger())

	t.Run("binds by index in declared order", func(t *testing.T) {
		p := fourThenOne()
		res := resolveFor(p, ctStudy(4))
		bindings := assignor.Assign(p.Stages[0], res, nil)

		require.Len(t, bindings, 4)
		for i, b := range bindings {
			assert.Equal(t, i, b.Position)
			assert.Equal(t, domain.BindingBound, b.Status)
			require.NotNil(t, b.DisplaySetReference)
			assert.Equal(t, i, b.DisplaySetReference.MatchedIndex)
			assert.Equal(t, b.ViewportID, b.ViewportOptions.ViewportID)
		}
		assert.Equal(t, []string{"a", "b", "c", "d"}, []string{bindings[0].ViewportID, bindings[1].ViewportID, bindings[2].ViewportID, bindings[3].ViewportID})
		assert.Equal(t, "1.1-ds-3", bindings[2].DisplaySetReference.DisplaySetInstanceUID)
	})

	t.Run("out of bounds index leaves slot unmatched", func(t *testing.T) {
		p := fourThenOne()
		res := resolveFor(p, ctStudy(2))
		bindings := assignor.Assign(p.Stages[0], res, nil)

		assert.Equal(t, domain.BindingBound, bindings[1].Status)
		assert.Equal(t, domain.BindingUnmatched, bindings[2].Status)
		assert.Nil(t, bindings[2].DisplaySetReference)
		assert.Equal(t, "c", bindings[2].ViewportID)
	})

	t.Run("allowUnmatchedView on viewport yields placeholder", func(t *testing.T) {
		p := fourThenOne()
		p.Stages[0].Viewports[3].ViewportOptions.AllowUnmatchedView = true
		bindings := assignor.Assign(p.Stages[0], resolveFor(p, ctStudy(2)), nil)

		assert.Equal(t, domain.BindingUnmatched, bindings[2].Status)
		assert.Equal(t, domain.BindingPlaceholder, bindings[3].Status)
		assert.Nil(t, bindings[3].DisplaySetReference)
	})

	t.Run("allowUnmatchedView on selector yields placeholder", func(t *testing.T) {
		p := fourThenOne()
		sel := p.DisplaySetSelectors["ctSeries"]
		sel.AllowUnmatchedView = true
		p.DisplaySetSelectors["ctSeries"] = sel
		bindings := assignor.Assign(p.Stages[0], resolveFor(p, ctStudy(1)), nil)

		assert.Equal(t, domain.BindingBound, bindings[0].Status)
		assert.Equal(t, domain.BindingPlaceholder, bindings[1].Status)
	})

	t.Run("unknown selector is an unmatched slot", func(t *testing.T) {
		p := fourThenOne()
		p.Stages[1].Viewports[0].DisplaySets[0].ID = "gone"
		bindings := assignor.Assign(p.Stages[1], resolveFor(p, ctStudy(2)), nil)

		require.Len(t, bindings, 1)
		assert.Equal(t, domain.BindingUnmatched, bindings[0].Status)
	})

	t.Run("deduplicated index skips displayed sets", func(t *testing.T) {
		p := fourThenOne()
		p.Stages[0].Viewports[1].DisplaySets[0].MatchedDisplaySetsIndex = -1
		p.Stages[0].Viewports[2].DisplaySets[0].MatchedDisplaySetsIndex = -1
		bindings := assignor.Assign(p.Stages[0], resolveFor(p, ctStudy(3)), nil)

		assert.Equal(t, "1.1-ds-1", bindings[0].DisplaySetReference.DisplaySetInstanceUID)
		assert.Equal(t, "1.1-ds-2", bindings[1].DisplaySetReference.DisplaySetInstanceUID)
		assert.Equal(t, 1, bindings[1].DisplaySetReference.MatchedIndex)
		assert.Equal(t, "1.1-ds-3", bindings[2].DisplaySetReference.DisplaySetInstanceUID)
		assert.Equal(t, domain.BindingUnmatched, bindings[3].Status)
	})

	t.Run("override replaces resolution", func(t *testing.T) {
		p := fourThenOne()
		resolver := NewSelectorResolver(NewRuleScorer(quietLogger()), quietLogger())
		res := resolver.ResolveAll(p, BuildCandidates([]domain.Study{ctStudy(3)}, 1), "1.1",
			map[string]string{"1.1:ctSeries:0": "1.1-ds-3"})
		bindings := assignor.Assign(p.Stages[1], res, nil)

		assert.Equal(t, "1.1-ds-3", bindings[0].DisplaySetReference.DisplaySetInstanceUID)
	})

	t.Run("layers bind additional display sets", func(t *testing.T) {
		p := fourThenOne()
		p.Stages[1].Viewports[0].DisplaySets = append(p.Stages[1].Viewports[0].DisplaySets,
			domain.DisplaySetRef{ID: "ctSeries", MatchedDisplaySetsIndex: 1, Options: map[string]any{"opacity": 0.5}})
		bindings := assignor.Assign(p.Stages[1], resolveFor(p, ctStudy(2)), nil)

		require.Len(t, bindings[0].Layers, 1)
		assert.Equal(t, "1.1-ds-2", bindings[0].Layers[0].DisplaySetInstanceUID)
		assert.Equal(t, 0.5, bindings[0].Layers[0].Options["opacity"])
	})
}

func TestLayoutAssignor_ReuseID(t *testing.T) {
	assignor := NewLayoutAssignor(quietLogger())

	p := fourThenOne()
	p.Stages[0].Viewports[0].DisplaySets[0].ReuseID = "0-0"
	p.Stages[0].Viewports[1].DisplaySets[0].ReuseID = "0-1"

	first := assignor.Assign(p.Stages[0], resolveFor(p, ctStudy(4)), nil)
	assert.False(t, first[0].Unchanged)

	t.Run("same content keeps identity", func(t *testing.T) {
		previous := append([]domain.ViewportBinding(nil), first...)
		previous[0].ViewportID = "renderer-17"

		second := assignor.Assign(p.Stages[0], resolveFor(p, ctStudy(4)), previous)

		assert.True(t, second[0].Unchanged)
		assert.Equal(t, "renderer-17", second[0].ViewportID)
		assert.True(t, second[1].Unchanged)
		assert.False(t, second[2].Unchanged)
	})

	t.Run("changed content is replaced", func(t *testing.T) {
		// A new series with a higher score moves index 0 to different content.
		q := fourThenOne()
		q.Stages[0].Viewports[0].DisplaySets[0].ReuseID = "0-0"
		sel := q.DisplaySetSelectors["ctSeries"]
		sel.SeriesMatchingRules = append(sel.SeriesMatchingRules, weightedRule("SeriesDescription", 1, domain.Contains{Value: "NEW"}))
		q.DisplaySetSelectors["ctSeries"] = sel

		s := ctStudy(4)
		s.DisplaySets = append(s.DisplaySets, series("1.1", 5, "CT", "NEW RECON"))
		second := assignor.Assign(q.Stages[0], resolveFor(q, s), first)

		assert.Equal(t, "1.1-ds-5", second[0].DisplaySetReference.DisplaySetInstanceUID)
		assert.False(t, second[0].Unchanged)
		assert.Equal(t, "a", second[0].ViewportID)
	})

	t.Run("reused id does not collide with declared ids", func(t *testing.T) {
		previous := []domain.ViewportBinding{{
			ViewportID:          "b",
			Status:              domain.BindingBound,
			DisplaySetReference: &domain.DisplaySetReference{DisplaySetInstanceUID: "1.1-ds-1", ReuseID: "0-0"},
		}}
		second := assignor.Assign(p.Stages[0], resolveFor(p, ctStudy(4)), previous)

		assert.Equal(t, "b", second[0].ViewportID)
		assert.Equal(t, "b-1", second[1].ViewportID)
	})

	t.Run("fallback id skips ids declared by later slots", func(t *testing.T) {
		q := fourThenOne()
		q.Stages[0].Viewports[0].DisplaySets[0].ReuseID = "0-0"
		q.Stages[0].Viewports[2].ViewportOptions.ViewportID = "b-1"
		previous := []domain.ViewportBinding{{
			ViewportID:          "b",
			Status:              domain.BindingBound,
			DisplaySetReference: &domain.DisplaySetReference{DisplaySetInstanceUID: "1.1-ds-1", ReuseID: "0-0"},
		}}
		second := assignor.Assign(q.Stages[0], resolveFor(q, ctStudy(4)), previous)

		ids := make(map[string]bool)
		for _, b := range second {
			assert.False(t, ids[b.ViewportID], "duplicate viewport id %s", b.ViewportID)
			ids[b.ViewportID] = true
		}
		assert.Equal(t, "b", second[0].ViewportID)
		assert.Equal(t, "b-2", second[1].ViewportID)
		assert.Equal(t, "b-1", second[2].ViewportID)
		assert.Equal(t, "d", second[3].ViewportID)
	})
}

func TestLayoutAssignor_Unmatched(t *testing.T) {
	assignor := NewLayoutAssignor(quietLogger())
	bindings := assignor.Unmatched(domain.DefaultStage())

	require.Len(t, bindings, 1)
	assert.Equal(t, "default", bindings[0].ViewportID)
	assert.Equal(t, domain.BindingUnmatched, bindings[0].Status)
	assert.Nil(t, bindings[0].DisplaySetReference)
}

func TestLayoutAssignor_PassesViewportOptionsThrough(t *testing.T) {
	assignor := NewLayoutAssignor(quietLogger())
	p := ctProtocol()
	p.Stages[0].Viewports[0].ViewportOptions.ToolGroupID = "ct"
	p.Stages[0].Viewports[0].ViewportOptions.Extra = map[string]any{
		"initialImageOptions": map[string]any{"preset": "middle"},
	}

	bindings := assignor.Assign(p.Stages[0], resolveFor(p, ctStudy(1)), nil)
	require.Len(t, bindings, 1)
	opts := bindings[0].ViewportOptions
	assert.Equal(t, "ct", opts.ToolGroupID)
	assert.Equal(t, map[string]any{"preset": "middle"}, opts.Extra["initialImageOptions"])

	opts.Extra["initialImageOptions"].(map[string]any)["preset"] = "first"
	stored := p.Stages[0].Viewports[0].ViewportOptions.Extra["initialImageOptions"].(map[string]any)
	assert.Equal(t, "middle", stored["preset"])
}
