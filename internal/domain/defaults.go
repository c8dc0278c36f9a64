package domain

// DefaultSelectorID names the single selector of the default protocol.
const DefaultSelectorID = "defaultDisplaySetId"

// NewDefaultProtocol builds the reserved fallback protocol: one 1x1 stage
// showing the best display set, preferring ones with image frames.
func NewDefaultProtocol() *Protocol {
	return &Protocol{
		ID:          DefaultProtocolID,
		Name:        "Default",
		Description: "Single viewport fallback layout",
		Locked:      true,
		DisplaySetSelectors: map[string]DisplaySetSelector{
			DefaultSelectorID: {
				ID: DefaultSelectorID,
				SeriesMatchingRules: []MatchingRule{
					{
						ID:         "has-images",
						Weight:     1,
						Attribute:  "numImageFrames",
						Constraint: GreaterThan{Value: 0},
					},
				},
			},
		},
		Stages: []Stage{DefaultStage()},
	}
}

// DefaultStage is the synthesized 1x1 stage used when nothing else can hang.
func DefaultStage() Stage {
	return Stage{
		ID:   "default",
		Name: "default",
		ViewportStructure: ViewportStructure{
			LayoutType: "grid",
			Properties: GridProperties{Rows: 1, Columns: 1},
		},
		Viewports: []Viewport{
			{
				ViewportOptions: ViewportOptions{ViewportID: "default"},
				DisplaySets:     []DisplaySetRef{{ID: DefaultSelectorID}},
			},
		},
	}
}
