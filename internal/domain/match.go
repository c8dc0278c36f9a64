package domain

import "fmt"

// StageStatus is the activation level reached by a stage.
type StageStatus string

const (
	StageDisabled StageStatus = "disabled"
	StagePassive  StageStatus = "passive"
	StageEnabled  StageStatus = "enabled"
)

// BindingStatus describes how a viewport slot was filled.
type BindingStatus string

const (
	BindingBound       BindingStatus = "bound"
	BindingUnmatched   BindingStatus = "unmatched"
	BindingPlaceholder BindingStatus = "placeholder"
)

// MatchRequest carries the inputs of one matching pass.
// Studies[0] is the active study.
type MatchRequest struct {
	Studies               []Study           `json:"studies"`
	PriorStudies          []Study           `json:"priorStudies,omitempty"`
	ProtocolID            string            `json:"protocolId,omitempty"`
	StageID               string            `json:"stageId,omitempty"`
	DisplaySetSelectorMap map[string]string `json:"displaySetSelectorMap,omitempty"`
	PreviousAssignment    []ViewportBinding `json:"previousAssignment,omitempty"`
}

// ActiveStudy returns the first study, or false when there is none.
func (r *MatchRequest) ActiveStudy() (Study, bool) {
	if len(r.Studies) == 0 {
		return Study{}, false
	}
	return r.Studies[0], true
}

// SelectorMatch is one ranked candidate for a selector.
type SelectorMatch struct {
	DisplaySet  DisplaySet `json:"displaySet"`
	Score       float64    `json:"score"`
	StudyScore  float64    `json:"studyScore"`
	SeriesScore float64    `json:"seriesScore"`
}

// SelectorOverrideKey builds the displaySetSelectorMap key for a slot.
func SelectorOverrideKey(activeStudyUID, selectorID string, index int) string {
	return fmt.Sprintf("%s:%s:%d", activeStudyUID, selectorID, index)
}

// Resolution is the ephemeral output of selector resolution for one pass.
type Resolution struct {
	ProtocolID     string                     `json:"protocolId"`
	ActiveStudyUID string                     `json:"activeStudyUID"`
	Matches        map[string][]SelectorMatch `json:"matches"`
	Overrides      map[string]SelectorMatch   `json:"overrides,omitempty"`
	AllowUnmatched map[string]bool            `json:"-"`
}

// Override returns the explicit display set chosen for a slot, if any.
func (r *Resolution) Override(selectorID string, index int) (SelectorMatch, bool) {
	if r == nil || len(r.Overrides) == 0 {
		return SelectorMatch{}, false
	}
	m, ok := r.Overrides[SelectorOverrideKey(r.ActiveStudyUID, selectorID, index)]
	return m, ok
}

// DisplaySetReference is what a viewport renderer needs to load content.
type DisplaySetReference struct {
	DisplaySetInstanceUID string         `json:"displaySetInstanceUID"`
	StudyInstanceUID      string         `json:"StudyInstanceUID"`
	SeriesInstanceUID     string         `json:"SeriesInstanceUID"`
	SelectorID            string         `json:"selectorId"`
	MatchedIndex          int            `json:"matchedIndex"`
	ReuseID               string         `json:"reuseId,omitempty"`
	Score                 float64        `json:"score"`
	Options               map[string]any `json:"options,omitempty"`
}

// ViewportBinding pairs a layout slot with its display set, or with nothing.
type ViewportBinding struct {
	ViewportID          string                `json:"viewportId"`
	Position            int                   `json:"position"`
	Status              BindingStatus         `json:"status"`
	DisplaySetReference *DisplaySetReference  `json:"displaySetReference"`
	Layers              []DisplaySetReference `json:"layers,omitempty"`
	ViewportOptions     ViewportOptions       `json:"viewportOptions"`
	Unchanged           bool                  `json:"unchanged"`
}

// ReuseIDs lists the reuse ids carried by the binding's references.
func (b ViewportBinding) ReuseIDs() []string {
	var ids []string
	if b.DisplaySetReference != nil && b.DisplaySetReference.ReuseID != "" {
		ids = append(ids, b.DisplaySetReference.ReuseID)
	}
	for _, l := range b.Layers {
		if l.ReuseID != "" {
			ids = append(ids, l.ReuseID)
		}
	}
	return ids
}

// StageState reports the evaluated activation of one stage.
type StageState struct {
	StageID          string      `json:"stageId"`
	Status           StageStatus `json:"status"`
	ViewportsMatched int         `json:"viewportsMatched"`
}

// MatchResult is the complete output of a matching pass.
type MatchResult struct {
	ProtocolID string            `json:"protocolId"`
	StageID    string            `json:"stageId"`
	StageIndex int               `json:"stageIndex"`
	Stages     []StageState      `json:"stages"`
	Bindings   []ViewportBinding `json:"viewportBindings"`
	Rows       int               `json:"rows"`
	Columns    int               `json:"columns"`
	Degraded   bool              `json:"degraded,omitempty"`
}
