package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// DefaultProtocolID is the reserved id of the fallback protocol.
const DefaultProtocolID = "default"

// DefaultRuleWeight applies when a rule omits its weight.
const DefaultRuleWeight = 1.0

// Rule sources for protocol matching rules.
const (
	RuleFromActiveStudy = ""
	RuleFromPrior       = "prior"
)

// MatchingRule is a weighted or required attribute constraint.
type MatchingRule struct {
	ID         string     `json:"id,omitempty"`
	Weight     float64    `json:"weight"`
	Attribute  string     `json:"attribute"`
	Required   bool       `json:"required,omitempty"`
	From       string     `json:"from,omitempty"`
	Constraint Constraint `json:"-"`
}

type matchingRuleWire struct {
	ID         string          `json:"id,omitempty"`
	Weight     *float64        `json:"weight,omitempty"`
	Attribute  string          `json:"attribute"`
	Required   bool            `json:"required,omitempty"`
	From       string          `json:"from,omitempty"`
	Constraint json.RawMessage `json:"constraint"`
}

// UnmarshalJSON decodes a rule, defaulting weight to 1 when omitted.
func (r *MatchingRule) UnmarshalJSON(data []byte) error {
	var w matchingRuleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	r.ID = w.ID
	r.Attribute = w.Attribute
	r.Required = w.Required
	r.From = w.From
	r.Weight = DefaultRuleWeight
	if w.Weight != nil {
		r.Weight = *w.Weight
	}

	r.Constraint = nil
	if len(w.Constraint) > 0 && string(w.Constraint) != "null" {
		c, err := ParseConstraint(w.Constraint)
		if err != nil {
			return fmt.Errorf("rule %q: %w", w.ID, err)
		}
		r.Constraint = c
	}
	return nil
}

// MarshalJSON encodes a rule with its constraint in wire form.
func (r MatchingRule) MarshalJSON() ([]byte, error) {
	c, err := MarshalConstraint(r.Constraint)
	if err != nil {
		return nil, err
	}
	weight := r.Weight
	return json.Marshal(matchingRuleWire{
		ID:         r.ID,
		Weight:     &weight,
		Attribute:  r.Attribute,
		Required:   r.Required,
		From:       r.From,
		Constraint: c,
	})
}

// DisplaySetSelector is a named rule bundle resolving to ranked display sets.
type DisplaySetSelector struct {
	ID                  string         `json:"id,omitempty"`
	AllowUnmatchedView  bool           `json:"allowUnmatchedView,omitempty"`
	StudyMatchingRules  []MatchingRule `json:"studyMatchingRules,omitempty"`
	SeriesMatchingRules []MatchingRule `json:"seriesMatchingRules,omitempty"`
}

// GridProperties is the rows x columns shape of a stage.
type GridProperties struct {
	Rows    int `json:"rows"`
	Columns int `json:"columns"`
}

// ViewportStructure describes the layout shape of a stage.
type ViewportStructure struct {
	LayoutType string         `json:"layoutType,omitempty"`
	Properties GridProperties `json:"properties"`
}

// Slots returns rows*columns, or 0 when the grid is undeclared.
func (v ViewportStructure) Slots() int {
	if v.Properties.Rows <= 0 || v.Properties.Columns <= 0 {
		return 0
	}
	return v.Properties.Rows * v.Properties.Columns
}

// ActivationLevel is one threshold of a stage activation predicate.
type ActivationLevel struct {
	MinViewportsMatched        *int     `json:"minViewportsMatched,omitempty"`
	DisplaySetSelectorsMatched []string `json:"displaySetSelectorsMatched,omitempty"`
}

// StageActivation holds the enabled and passive thresholds of a stage.
type StageActivation struct {
	Enabled *ActivationLevel `json:"enabled,omitempty"`
	Passive *ActivationLevel `json:"passive,omitempty"`
}

// EnabledMin is the enabled threshold, 1 when unset.
func (a StageActivation) EnabledMin() int {
	if a.Enabled != nil && a.Enabled.MinViewportsMatched != nil {
		return *a.Enabled.MinViewportsMatched
	}
	return 1
}

// PassiveMin is the passive threshold, 0 when unset.
func (a StageActivation) PassiveMin() int {
	if a.Passive != nil && a.Passive.MinViewportsMatched != nil {
		return *a.Passive.MinViewportsMatched
	}
	return 0
}

// ViewportOptions are render hints. The engine reads only ViewportID and
// AllowUnmatchedView. Keys without a typed field are kept in Extra and
// written back unchanged.
type ViewportOptions struct {
	ViewportID         string
	ViewportType       string
	ToolGroupID        string
	Orientation        string
	AllowUnmatchedView bool
	Extra              map[string]any
}

type viewportOptionsWire struct {
	ViewportID         string `json:"viewportId,omitempty"`
	ViewportType       string `json:"viewportType,omitempty"`
	ToolGroupID        string `json:"toolGroupId,omitempty"`
	Orientation        string `json:"orientation,omitempty"`
	AllowUnmatchedView bool   `json:"allowUnmatchedView,omitempty"`
}

var viewportOptionKeys = []string{"viewportId", "viewportType", "toolGroupId", "orientation", "allowUnmatchedView"}

// UnmarshalJSON decodes the typed keys and keeps every other key in Extra.
func (o *ViewportOptions) UnmarshalJSON(data []byte) error {
	var w viewportOptionsWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var rest map[string]any
	if err := json.Unmarshal(data, &rest); err != nil {
		return err
	}
	for _, key := range viewportOptionKeys {
		delete(rest, key)
	}
	if len(rest) == 0 {
		rest = nil
	}

	*o = ViewportOptions{
		ViewportID:         w.ViewportID,
		ViewportType:       w.ViewportType,
		ToolGroupID:        w.ToolGroupID,
		Orientation:        w.Orientation,
		AllowUnmatchedView: w.AllowUnmatchedView,
		Extra:              rest,
	}
	return nil
}

// MarshalJSON merges Extra with the typed keys. Typed fields win on a clash.
func (o ViewportOptions) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Extra)+len(viewportOptionKeys))
	for k, v := range o.Extra {
		out[k] = v
	}
	for _, key := range viewportOptionKeys {
		delete(out, key)
	}
	if o.ViewportID != "" {
		out["viewportId"] = o.ViewportID
	}
	if o.ViewportType != "" {
		out["viewportType"] = o.ViewportType
	}
	if o.ToolGroupID != "" {
		out["toolGroupId"] = o.ToolGroupID
	}
	if o.Orientation != "" {
		out["orientation"] = o.Orientation
	}
	if o.AllowUnmatchedView {
		out["allowUnmatchedView"] = true
	}
	return json.Marshal(out)
}

// Clone returns a copy whose Extra shares no maps or slices with o.
func (o ViewportOptions) Clone() ViewportOptions {
	if o.Extra != nil {
		o.Extra = cloneValue(o.Extra).(map[string]any)
	}
	return o
}

// cloneValue deep copies decoded JSON values.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// DisplaySetRef points a viewport at a selector's ranked matches.
// MatchedDisplaySetsIndex -1 means the best match not already displayed.
type DisplaySetRef struct {
	ID                      string         `json:"id"`
	MatchedDisplaySetsIndex int            `json:"matchedDisplaySetsIndex,omitempty"`
	ReuseID                 string         `json:"reuseId,omitempty"`
	Options                 map[string]any `json:"options,omitempty"`
}

// Viewport is one slot of a stage.
type Viewport struct {
	ViewportOptions ViewportOptions `json:"viewportOptions"`
	DisplaySets     []DisplaySetRef `json:"displaySets"`
}

// Stage is one layout variant of a protocol.
type Stage struct {
	ID                string            `json:"id"`
	Name              string            `json:"name,omitempty"`
	ViewportStructure ViewportStructure `json:"viewportStructure"`
	StageActivation   StageActivation   `json:"stageActivation,omitzero"`
	Viewports         []Viewport        `json:"viewports"`
}

// Protocol is a named rule bundle describing how to hang a set of studies.
type Protocol struct {
	ID                       string                        `json:"id"`
	Name                     string                        `json:"name,omitempty"`
	Description              string                        `json:"description,omitempty"`
	Version                  int                           `json:"version,omitempty"`
	Locked                   bool                          `json:"locked,omitempty"`
	Priority                 int                           `json:"priority,omitempty"`
	NumberOfPriorsReferenced int                           `json:"numberOfPriorsReferenced,omitempty"`
	ProtocolMatchingRules    []MatchingRule                `json:"protocolMatchingRules,omitempty"`
	DisplaySetSelectors      map[string]DisplaySetSelector `json:"displaySetSelectors"`
	DefaultViewport          *Viewport                     `json:"defaultViewport,omitempty"`
	Stages                   []Stage                       `json:"stages"`
	CreatedDate              time.Time                     `json:"createdDate,omitzero"`
	ModifiedDate             time.Time                     `json:"modifiedDate,omitzero"`
}

// Clone returns a deep copy that shares no mutable state with p.
func (p *Protocol) Clone() (*Protocol, error) {
	var out Protocol
	if err := deepcopy.Copy(&out, p); err != nil {
		return nil, fmt.Errorf("copying protocol %s: %w", p.ID, err)
	}
	// time.Time carries unexported state; copy by value.
	out.CreatedDate = p.CreatedDate
	out.ModifiedDate = p.ModifiedDate
	for i := range out.Stages {
		for v := range out.Stages[i].Viewports {
			vp := &out.Stages[i].Viewports[v]
			vp.ViewportOptions = p.Stages[i].Viewports[v].ViewportOptions.Clone()
		}
	}
	if p.DefaultViewport != nil && out.DefaultViewport != nil {
		out.DefaultViewport.ViewportOptions = p.DefaultViewport.ViewportOptions.Clone()
	}
	return &out, nil
}

// StageIndex returns the index of the stage with the given id, or -1.
func (p *Protocol) StageIndex(id string) int {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return i
		}
	}
	return -1
}

// IsDefault reports whether p is the reserved fallback protocol.
func (p *Protocol) IsDefault() bool {
	return p.ID == DefaultProtocolID
}

// RuleCount is the number of protocol-level matching rules.
func (p *Protocol) RuleCount() int {
	return len(p.ProtocolMatchingRules)
}
