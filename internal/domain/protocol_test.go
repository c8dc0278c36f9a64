package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConstraint(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Constraint
	}{
		{"bare equals", `{"equals": "CT"}`, Equals{Value: "CT"}},
		{"wrapped equals", `{"equals": {"value": "CT"}}`, Equals{Value: "CT"}},
		{"legacy notEquals", `{"notEquals": "MR"}`, DoesNotEqual{Value: "MR"}},
		{"containsI", `{"containsI": {"value": "chest"}}`, Contains{Value: "chest", CaseInsensitive: true}},
		{"doesNotContain", `{"doesNotContain": "scout"}`, DoesNotContain{Value: "scout"}},
		{"greaterThan", `{"greaterThan": {"value": 5}}`, GreaterThan{Value: 5}},
		{"greaterThanOrEqualTo", `{"greaterThanOrEqualTo": 2}`, GreaterThan{Value: 2, Inclusive: true}},
		{"lessThanOrEqualTo", `{"lessThanOrEqualTo": "10"}`, LessThan{Value: 10, Inclusive: true}},
		{"range object", `{"range": {"min": 1, "max": 3}}`, Range{Min: 1, Max: 3}},
		{"range array", `{"range": [1, 3]}`, Range{Min: 1, Max: 3}},
		{"startsWith", `{"startsWith": "AX"}`, StartsWith{Value: "AX"}},
		{"exists", `{"exists": true}`, Exists{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseConstraint([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, c)
		})
	}
}

func TestParseConstraint_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"two kinds", `{"equals": 1, "contains": 2}`},
		{"no kind", `{}`},
		{"unknown kind", `{"near": 1}`},
		{"non numeric greaterThan", `{"greaterThan": "abc"}`},
		{"inverted range", `{"range": [5, 1]}`},
		{"startsWith number", `{"startsWith": 3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConstraint([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestMatchingRule_JSON(t *testing.T) {
	t.Run("weight defaults to one", func(t *testing.T) {
		var rule MatchingRule
		require.NoError(t, json.Unmarshal([]byte(`{"attribute":"Modality","constraint":{"equals":"CT"}}`), &rule))
		assert.Equal(t, DefaultRuleWeight, rule.Weight)
		assert.Equal(t, Equals{Value: "CT"}, rule.Constraint)
	})

	t.Run("explicit zero weight kept", func(t *testing.T) {
		var rule MatchingRule
		require.NoError(t, json.Unmarshal([]byte(`{"attribute":"Modality","weight":0,"constraint":{"equals":"CT"}}`), &rule))
		assert.Equal(t, 0.0, rule.Weight)
	})

	t.Run("marshal keeps constraint", func(t *testing.T) {
		rule := MatchingRule{ID: "r1", Weight: 3, Attribute: "SeriesNumber", Constraint: Range{Min: 1, Max: 4}}
		data, err := json.Marshal(rule)
		require.NoError(t, err)

		var back MatchingRule
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, rule, back)
	})

	t.Run("bad constraint names the rule", func(t *testing.T) {
		var rule MatchingRule
		err := json.Unmarshal([]byte(`{"id":"bad","attribute":"Modality","constraint":{"bogus":1}}`), &rule)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"bad"`)
	})
}

func validProtocol() *Protocol {
	min2 := 2
	return &Protocol{
		ID: "ct-two-up",
		DisplaySetSelectors: map[string]DisplaySetSelector{
			"ct": {
				SeriesMatchingRules: []MatchingRule{
					{Attribute: "Modality", Required: true, Constraint: Equals{Value: "CT"}},
				},
			},
		},
		Stages: []Stage{
			{
				ViewportStructure: ViewportStructure{LayoutType: "grid", Properties: GridProperties{Rows: 1, Columns: 2}},
				StageActivation:   StageActivation{Enabled: &ActivationLevel{MinViewportsMatched: &min2}},
				Viewports: []Viewport{
					{DisplaySets: []DisplaySetRef{{ID: "ct"}}},
					{DisplaySets: []DisplaySetRef{{ID: "ct", MatchedDisplaySetsIndex: 1}}},
				},
			},
		},
	}
}

func TestProtocol_Normalize(t *testing.T) {
	p := validProtocol()
	p.Stages = append(p.Stages, Stage{
		ViewportStructure: ViewportStructure{Properties: GridProperties{Rows: 2, Columns: 2}},
	})
	p.DefaultViewport = &Viewport{DisplaySets: []DisplaySetRef{{ID: "ct", MatchedDisplaySetsIndex: -1}}}

	n := 0
	p.Normalize(func() string {
		n++
		return fmt.Sprintf("vp-%d", n)
	})

	assert.Equal(t, "ct-two-up", p.Name)
	assert.Equal(t, "ct", p.DisplaySetSelectors["ct"].ID)
	assert.Equal(t, "stage-1", p.Stages[0].ID)
	assert.Equal(t, "stage-2", p.Stages[1].ID)
	assert.Equal(t, "default", p.Stages[0].Viewports[0].ViewportOptions.ViewportID)
	assert.Equal(t, "vp-1", p.Stages[0].Viewports[1].ViewportOptions.ViewportID)

	require.Len(t, p.Stages[1].Viewports, 4)
	assert.Equal(t, "default", p.Stages[1].Viewports[0].ViewportOptions.ViewportID)
	assert.Equal(t, -1, p.Stages[1].Viewports[3].DisplaySets[0].MatchedDisplaySetsIndex)

	require.NoError(t, p.Validate())
}

func TestProtocol_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Protocol)
		field  string
	}{
		{"missing id", func(p *Protocol) { p.ID = "" }, "id"},
		{"no stages", func(p *Protocol) { p.Stages = nil }, "stages"},
		{"duplicate stage", func(p *Protocol) {
			p.Stages[0].ID = "s"
			dup := p.Stages[0]
			p.Stages = append(p.Stages, dup)
		}, "stages[1].id"},
		{"empty stage", func(p *Protocol) { p.Stages[0].Viewports = nil }, "stages[0].viewports"},
		{"unknown selector", func(p *Protocol) {
			p.Stages[0].Viewports[1].DisplaySets[0].ID = "mr"
		}, "stages[0].viewports[1].displaySets[0].id"},
		{"negative weight", func(p *Protocol) {
			p.ProtocolMatchingRules = []MatchingRule{{Attribute: "StudyDescription", Weight: -1, Constraint: Contains{Value: "CHEST"}}}
		}, "protocolMatchingRules[0].weight"},
		{"missing constraint", func(p *Protocol) {
			p.ProtocolMatchingRules = []MatchingRule{{Attribute: "StudyDescription", Weight: 1}}
		}, "protocolMatchingRules[0].constraint"},
		{"bad priors", func(p *Protocol) { p.NumberOfPriorsReferenced = -3 }, "numberOfPriorsReferenced"},
		{"unknown required selector", func(p *Protocol) {
			p.Stages[0].StageActivation.Enabled.DisplaySetSelectorsMatched = []string{"pet"}
		}, "stages[0].stageActivation.enabled.displaySetSelectorsMatched"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProtocol()
			p.Stages[0].ID = "stage-1"
			tt.mutate(p)

			err := p.Validate()
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, 0, len(verrs))
			for _, v := range verrs {
				fields = append(fields, v.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestProtocol_Clone(t *testing.T) {
	p := validProtocol()
	p.Normalize(func() string { return "generated" })

	clone, err := p.Clone()
	require.NoError(t, err)
	assert.Equal(t, p, clone)

	clone.Stages[0].Viewports[0].DisplaySets[0].ID = "changed"
	sel := clone.DisplaySetSelectors["ct"]
	sel.AllowUnmatchedView = true
	clone.DisplaySetSelectors["ct"] = sel

	assert.Equal(t, "ct", p.Stages[0].Viewports[0].DisplaySets[0].ID)
	assert.False(t, p.DisplaySetSelectors["ct"].AllowUnmatchedView)
}

func TestStageActivation_Defaults(t *testing.T) {
	var a StageActivation
	assert.Equal(t, 1, a.EnabledMin())
	assert.Equal(t, 0, a.PassiveMin())

	four, two := 4, 2
	a = StageActivation{
		Enabled: &ActivationLevel{MinViewportsMatched: &four},
		Passive: &ActivationLevel{MinViewportsMatched: &two},
	}
	assert.Equal(t, 4, a.EnabledMin())
	assert.Equal(t, 2, a.PassiveMin())
}

func TestViewportOptions_JSON(t *testing.T) {
	input := `{"viewportId":"a","toolGroupId":"default","allowUnmatchedView":true,` +
		`"initialImageOptions":{"preset":"middle"},"syncGroups":[{"type":"voi","id":"ctWLSync"}]}`

	var opts ViewportOptions
	require.NoError(t, json.Unmarshal([]byte(input), &opts))
	assert.Equal(t, "a", opts.ViewportID)
	assert.Equal(t, "default", opts.ToolGroupID)
	assert.True(t, opts.AllowUnmatchedView)
	assert.Equal(t, map[string]any{"preset": "middle"}, opts.Extra["initialImageOptions"])
	assert.NotContains(t, opts.Extra, "viewportId")

	out, err := json.Marshal(opts)
	require.NoError(t, err)
	assert.JSONEq(t, input, string(out))

	t.Run("typed fields win over extra keys", func(t *testing.T) {
		o := ViewportOptions{ViewportID: "b", Extra: map[string]any{"viewportId": "stale", "customViewportProps": 1}}
		out, err := json.Marshal(o)
		require.NoError(t, err)
		assert.JSONEq(t, `{"viewportId":"b","customViewportProps":1}`, string(out))
	})

	t.Run("empty options", func(t *testing.T) {
		var o ViewportOptions
		require.NoError(t, json.Unmarshal([]byte(`{}`), &o))
		assert.Nil(t, o.Extra)
		out, err := json.Marshal(o)
		require.NoError(t, err)
		assert.Equal(t, `{}`, string(out))
	})
}

func TestProtocol_UnknownViewportOptionsSurvive(t *testing.T) {
	p := validProtocol()
	p.Stages[0].Viewports[0].ViewportOptions.Extra = map[string]any{
		"syncGroups": []any{map[string]any{"type": "voi"}},
	}
	p.DefaultViewport = &Viewport{
		ViewportOptions: ViewportOptions{Extra: map[string]any{"initialImageOptions": map[string]any{"preset": "first"}}},
		DisplaySets:     []DisplaySetRef{{ID: "ct"}},
	}
	p.Stages = append(p.Stages, Stage{
		ViewportStructure: ViewportStructure{Properties: GridProperties{Rows: 1, Columns: 2}},
	})
	p.Normalize(func() string { return "generated" })

	generated := p.Stages[1].Viewports
	require.Len(t, generated, 2)
	generated[0].ViewportOptions.Extra["initialImageOptions"].(map[string]any)["preset"] = "last"
	assert.Equal(t, "first", generated[1].ViewportOptions.Extra["initialImageOptions"].(map[string]any)["preset"])

	data, err := json.Marshal(p)
	require.NoError(t, err)
	var decoded Protocol
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []any{map[string]any{"type": "voi"}}, decoded.Stages[0].Viewports[0].ViewportOptions.Extra["syncGroups"])

	clone, err := p.Clone()
	require.NoError(t, err)
	clone.Stages[0].Viewports[0].ViewportOptions.Extra["syncGroups"].([]any)[0].(map[string]any)["type"] = "camera"
	assert.Equal(t, "voi", p.Stages[0].Viewports[0].ViewportOptions.Extra["syncGroups"].([]any)[0].(map[string]any)["type"])
}
