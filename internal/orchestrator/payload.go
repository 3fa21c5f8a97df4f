package orchestrator

import (
	"math"
	"strconv"
)

// Payload is the body of a reported event. Values arrive either as Go values
// or decoded from JSON, so numbers may be float64 and lists may be []any.
type Payload map[string]any

// String returns the string at key, or "".
func (p Payload) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Bool returns the bool at key and whether it was present.
func (p Payload) Bool(key string) (bool, bool) {
	v, ok := p[key].(bool)
	return v, ok
}

// Int returns the integer at key and whether it was present and numeric.
func (p Payload) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Strings returns the string list at key. A single string is a one-element list.
func (p Payload) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
