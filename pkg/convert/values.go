// Package convert normalises property values read back from the graph store.
//
// Properties are persisted as JSON, so every number comes back as float64 and
// callers that wrote an int64 need it converted again. The helpers here are the
// single place that knows about that round trip.
//
// Example:
//
//	limit, ok := convert.ToInt64(node.Properties["alertTriggerLimit"])
//	if ok && limit > 0 {
//		// threshold configured
//	}
package convert

import (
	"strconv"
)

// ToInt64 converts the numeric types a property can hold to int64.
// Floats are truncated toward zero. Strings are accepted when they hold a
// base-10 integer, which covers identifiers passed on the command line.
func ToInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float64:
		return int64(val), true
	case float32:
		return int64(val), true
	case string:
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// ToFloat64 converts numeric property values to float64. Strings are not
// parsed: a string property never equals a numeric one.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}

// ToString returns the string held by a property, or "" when the property is
// missing or not a string.
func ToString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// PropertyEquals compares a stored property with a lookup value. Numbers are
// compared by value regardless of their Go type.
func PropertyEquals(stored, want any) bool {
	if a, ok := ToFloat64(stored); ok {
		b, ok := ToFloat64(want)
		return ok && a == b
	}
	switch s := stored.(type) {
	case string:
		w, ok := want.(string)
		return ok && s == w
	case bool:
		w, ok := want.(bool)
		return ok && s == w
	case nil:
		return want == nil
	}
	return false
}
