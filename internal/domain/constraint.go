package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ConstraintKind names one member of the closed constraint union.
type ConstraintKind string

const (
	KindEquals               ConstraintKind = "equals"
	KindDoesNotEqual         ConstraintKind = "doesNotEqual"
	KindContains             ConstraintKind = "contains"
	KindContainsI            ConstraintKind = "containsI"
	KindDoesNotContain       ConstraintKind = "doesNotContain"
	KindDoesNotContainI      ConstraintKind = "doesNotContainI"
	KindStartsWith           ConstraintKind = "startsWith"
	KindEndsWith             ConstraintKind = "endsWith"
	KindGreaterThan          ConstraintKind = "greaterThan"
	KindGreaterThanOrEqualTo ConstraintKind = "greaterThanOrEqualTo"
	KindLessThan             ConstraintKind = "lessThan"
	KindLessThanOrEqualTo    ConstraintKind = "lessThanOrEqualTo"
	KindRange                ConstraintKind = "range"
	KindExists               ConstraintKind = "exists"
)

// kindAliases maps legacy spellings found in older protocol files.
var kindAliases = map[string]ConstraintKind{
	"notEquals": KindDoesNotEqual,
}

// Constraint is a typed predicate over a single attribute value.
// The set of implementations is closed; see the Kind constants.
type Constraint interface {
	Kind() ConstraintKind
	payload() any
}

// Equals holds when the value is strictly equal to Value.
type Equals struct{ Value any }

// DoesNotEqual holds when a present value differs from Value.
type DoesNotEqual struct{ Value any }

// Contains is a substring test on strings or a membership test on arrays.
type Contains struct {
	Value           any
	CaseInsensitive bool
}

// DoesNotContain is the negation of Contains for present values.
type DoesNotContain struct {
	Value           any
	CaseInsensitive bool
}

// StartsWith is a string prefix test.
type StartsWith struct{ Value string }

// EndsWith is a string suffix test.
type EndsWith struct{ Value string }

// GreaterThan compares numerically; Inclusive turns it into >=.
type GreaterThan struct {
	Value     float64
	Inclusive bool
}

// LessThan compares numerically; Inclusive turns it into <=.
type LessThan struct {
	Value     float64
	Inclusive bool
}

// Range holds for numeric values in [Min, Max].
type Range struct {
	Min float64
	Max float64
}

// Exists holds for any present, non-null value.
type Exists struct{}

func (Equals) Kind() ConstraintKind       { return KindEquals }
func (DoesNotEqual) Kind() ConstraintKind { return KindDoesNotEqual }
func (StartsWith) Kind() ConstraintKind   { return KindStartsWith }
func (EndsWith) Kind() ConstraintKind     { return KindEndsWith }
func (Range) Kind() ConstraintKind        { return KindRange }
func (Exists) Kind() ConstraintKind       { return KindExists }

func (c Contains) Kind() ConstraintKind {
	if c.CaseInsensitive {
		return KindContainsI
	}
	return KindContains
}

func (c DoesNotContain) Kind() ConstraintKind {
	if c.CaseInsensitive {
		return KindDoesNotContainI
	}
	return KindDoesNotContain
}

func (c GreaterThan) Kind() ConstraintKind {
	if c.Inclusive {
		return KindGreaterThanOrEqualTo
	}
	return KindGreaterThan
}

func (c LessThan) Kind() ConstraintKind {
	if c.Inclusive {
		return KindLessThanOrEqualTo
	}
	return KindLessThan
}

func (c Equals) payload() any         { return map[string]any{"value": c.Value} }
func (c DoesNotEqual) payload() any   { return map[string]any{"value": c.Value} }
func (c Contains) payload() any       { return map[string]any{"value": c.Value} }
func (c DoesNotContain) payload() any { return map[string]any{"value": c.Value} }
func (c StartsWith) payload() any     { return map[string]any{"value": c.Value} }
func (c EndsWith) payload() any       { return map[string]any{"value": c.Value} }
func (c GreaterThan) payload() any    { return map[string]any{"value": c.Value} }
func (c LessThan) payload() any       { return map[string]any{"value": c.Value} }
func (c Range) payload() any          { return map[string]any{"min": c.Min, "max": c.Max} }
func (Exists) payload() any           { return true }

// MarshalConstraint renders a constraint in its wire form, e.g.
// {"equals": {"value": "CT"}}.
func MarshalConstraint(c Constraint) ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]any{string(c.Kind()): c.payload()})
}

// ParseConstraint decodes the wire form of a constraint. Exactly one kind
// must be present. Payloads may be bare ({"equals": "CT"}) or wrapped
// ({"equals": {"value": "CT"}}).
func ParseConstraint(data []byte) (Constraint, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding constraint: %w", err)
	}
	if len(raw) != 1 {
		keys := make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("constraint must declare exactly one kind, got %v", keys)
	}

	for name, body := range raw {
		kind := ConstraintKind(name)
		if alias, ok := kindAliases[name]; ok {
			kind = alias
		}
		return buildConstraint(kind, body)
	}
	return nil, nil
}

func buildConstraint(kind ConstraintKind, body json.RawMessage) (Constraint, error) {
	switch kind {
	case KindExists:
		return Exists{}, nil
	case KindRange:
		lo, hi, err := decodeRange(body)
		if err != nil {
			return nil, err
		}
		return Range{Min: lo, Max: hi}, nil
	}

	value, err := unwrapValue(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}

	switch kind {
	case KindEquals:
		return Equals{Value: value}, nil
	case KindDoesNotEqual:
		return DoesNotEqual{Value: value}, nil
	case KindContains:
		return Contains{Value: value}, nil
	case KindContainsI:
		return Contains{Value: value, CaseInsensitive: true}, nil
	case KindDoesNotContain:
		return DoesNotContain{Value: value}, nil
	case KindDoesNotContainI:
		return DoesNotContain{Value: value, CaseInsensitive: true}, nil
	case KindStartsWith, KindEndsWith:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s requires a string value, got %T", kind, value)
		}
		if kind == KindStartsWith {
			return StartsWith{Value: s}, nil
		}
		return EndsWith{Value: s}, nil
	case KindGreaterThan, KindGreaterThanOrEqualTo, KindLessThan, KindLessThanOrEqualTo:
		n, ok := ToNumber(value)
		if !ok {
			return nil, fmt.Errorf("%s requires a numeric value, got %v", kind, value)
		}
		switch kind {
		case KindGreaterThan:
			return GreaterThan{Value: n}, nil
		case KindGreaterThanOrEqualTo:
			return GreaterThan{Value: n, Inclusive: true}, nil
		case KindLessThan:
			return LessThan{Value: n}, nil
		default:
			return LessThan{Value: n, Inclusive: true}, nil
		}
	}
	return nil, fmt.Errorf("unknown constraint kind %q", kind)
}

// unwrapValue accepts either a bare JSON value or {"value": x}.
func unwrapValue(body json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok {
		if inner, has := m["value"]; has && len(m) == 1 {
			return inner, nil
		}
	}
	return v, nil
}

func decodeRange(body json.RawMessage) (float64, float64, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, 0, fmt.Errorf("decoding range payload: %w", err)
	}
	if m, ok := v.(map[string]any); ok {
		if inner, has := m["value"]; has && len(m) == 1 {
			v = inner
		}
	}

	var rawLo, rawHi any
	switch t := v.(type) {
	case []any:
		if len(t) != 2 {
			return 0, 0, fmt.Errorf("range requires [min, max], got %d elements", len(t))
		}
		rawLo, rawHi = t[0], t[1]
	case map[string]any:
		rawLo, rawHi = t["min"], t["max"]
	default:
		return 0, 0, fmt.Errorf("range requires {min, max} or [min, max], got %T", v)
	}

	lo, ok := ToNumber(rawLo)
	if !ok {
		return 0, 0, fmt.Errorf("range min is not numeric: %v", rawLo)
	}
	hi, ok := ToNumber(rawHi)
	if !ok {
		return 0, 0, fmt.Errorf("range max is not numeric: %v", rawHi)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("range min %v exceeds max %v", lo, hi)
	}
	return lo, hi, nil
}

// ToNumber coerces numeric Go values and numeric strings to float64.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
