package service

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/hanging-protocol-server/internal/domain"
)

// EvaluateConstraint tests a single constraint against an attribute value.
// present reports whether the attribute was found; a missing value fails
// every constraint. It never panics.
func EvaluateConstraint(c domain.Constraint, actual any, present bool) bool {
	if c == nil || !present || actual == nil {
		return false
	}

	switch k := c.(type) {
	case domain.Equals:
		return valuesEqual(actual, k.Value)
	case domain.DoesNotEqual:
		return !valuesEqual(actual, k.Value)
	case domain.Contains:
		return contains(actual, k.Value, k.CaseInsensitive)
	case domain.DoesNotContain:
		return !contains(actual, k.Value, k.CaseInsensitive)
	case domain.StartsWith:
		s, ok := actual.(string)
		return ok && strings.HasPrefix(s, k.Value)
	case domain.EndsWith:
		s, ok := actual.(string)
		return ok && strings.HasSuffix(s, k.Value)
	case domain.GreaterThan:
		n, ok := domain.ToNumber(actual)
		if !ok {
			return false
		}
		if k.Inclusive {
			return n >= k.Value
		}
		return n > k.Value
	case domain.LessThan:
		n, ok := domain.ToNumber(actual)
		if !ok {
			return false
		}
		if k.Inclusive {
			return n <= k.Value
		}
		return n < k.Value
	case domain.Range:
		n, ok := domain.ToNumber(actual)
		return ok && n >= k.Min && n <= k.Max
	case domain.Exists:
		return true
	}
	return false
}

// valuesEqual is strict equality: strings compare case-sensitively, numbers
// compare by value regardless of Go type, and sequences compare element-wise.
func valuesEqual(actual, expected any) bool {
	if expected == nil {
		return false
	}

	if as, ok := actual.(string); ok {
		es, ok := expected.(string)
		return ok && as == es
	}
	if ab, ok := actual.(bool); ok {
		eb, ok := expected.(bool)
		return ok && ab == eb
	}
	if an, ok := numeric(actual); ok {
		en, ok := numeric(expected)
		return ok && an == en
	}

	aSeq, aOK := asSlice(actual)
	eSeq, eOK := asSlice(expected)
	if aOK && eOK {
		if len(aSeq) != len(eSeq) {
			return false
		}
		for i := range aSeq {
			if !valuesEqual(aSeq[i], eSeq[i]) {
				return false
			}
		}
		return true
	}
	// A single-valued multi-value attribute equals its only element.
	if aOK && len(aSeq) == 1 {
		return valuesEqual(aSeq[0], expected)
	}
	return false
}

// contains is a substring test on strings and a membership test on
// sequences. An array of expected values matches when any one does.
func contains(actual, expected any, foldCase bool) bool {
	if eSeq, ok := asSlice(expected); ok {
		for _, e := range eSeq {
			if contains(actual, e, foldCase) {
				return true
			}
		}
		return false
	}

	if s, ok := actual.(string); ok {
		sub, ok := expected.(string)
		if !ok {
			sub = fmt.Sprint(expected)
		}
		if foldCase {
			return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
		}
		return strings.Contains(s, sub)
	}

	if seq, ok := asSlice(actual); ok {
		for _, item := range seq {
			if foldCase {
				is, iok := item.(string)
				es, eok := expected.(string)
				if iok && eok && strings.EqualFold(is, es) {
					return true
				}
				continue
			}
			if valuesEqual(item, expected) {
				return true
			}
		}
	}
	return false
}

// numeric only accepts real Go numbers; numeric strings are not equal to
// numbers under strict equality.
func numeric(v any) (float64, bool) {
	if _, isString := v.(string); isString {
		return 0, false
	}
	return domain.ToNumber(v)
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
