// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiments

import (
	"slices"
	"strings"
)

// MatchesSegment reports whether attrs satisfy every criterion of seg.
//
// Description:
//
//	A nil segment, or one without criteria, matches every user. Fields are
//	resolved with dotted paths through nested maps. A field that cannot be
//	resolved is undefined, and every operator except not_equals and exists
//	evaluates to false against it.
//
// Thread Safety: Safe for concurrent use.
func MatchesSegment(attrs Attributes, seg *Segment) bool {
	if seg == nil {
		return true
	}
	for _, c := range seg.Criteria {
		if !evaluateCriterion(attrs, c) {
			return false
		}
	}
	return true
}

// IsExcluded reports whether attrs fully match any exclusion segment.
// Segments without criteria are ignored so that an empty rule never
// excludes everyone.
func IsExcluded(attrs Attributes, exclusions []Segment) bool {
	for i := range exclusions {
		if len(exclusions[i].Criteria) == 0 {
			continue
		}
		if MatchesSegment(attrs, &exclusions[i]) {
			return true
		}
	}
	return false
}

// lookupField resolves a dotted path such as "device.os.name".
func lookupField(attrs Attributes, path string) (any, bool) {
	if attrs == nil || path == "" {
		return nil, false
	}
	var current any = map[string]any(attrs)
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case Attributes:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

func evaluateCriterion(attrs Attributes, c Criterion) bool {
	value, defined := lookupField(attrs, c.Field)

	switch c.Operator {
	case OpExists:
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return defined == want
	case OpNotEquals:
		return !defined || !valuesEqual(value, c.Value)
	}

	if !defined {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(value, c.Value)
	case OpIn:
		return containsValue(c.Value, value)
	case OpNotIn:
		return !containsValue(c.Value, value)
	case OpContains:
		if s, ok := value.(string); ok {
			sub, ok := c.Value.(string)
			return ok && strings.Contains(s, sub)
		}
		return containsValue(value, c.Value)
	case OpGreaterThan:
		cmp, ok := compareValues(value, c.Value)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compareValues(value, c.Value)
		return ok && cmp < 0
	default:
		return false
	}
}

// toFloat converts any Go numeric value. JSON and YAML decoding produce
// float64 and int respectively, so both must compare equal.
func toFloat(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	// Maps and slices are not scalar attribute values and never match.
	return false
}

func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

// containsValue reports whether list holds an element equal to v. A list
// whose type is not one of the decoded slice shapes never contains anything.
func containsValue(list, v any) bool {
	switch l := list.(type) {
	case []any:
		return slices.ContainsFunc(l, func(item any) bool { return valuesEqual(item, v) })
	case []string:
		s, ok := v.(string)
		return ok && slices.Contains(l, s)
	case []bool:
		b, ok := v.(bool)
		return ok && slices.Contains(l, b)
	case []int:
		return containsNumber(l, v)
	case []int32:
		return containsNumber(l, v)
	case []int64:
		return containsNumber(l, v)
	case []float32:
		return containsNumber(l, v)
	case []float64:
		return containsNumber(l, v)
	default:
		return false
	}
}

type number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

func containsNumber[T number](list []T, v any) bool {
	f, ok := toFloat(v)
	if !ok {
		return false
	}
	return slices.ContainsFunc(list, func(item T) bool { return float64(item) == f })
}
