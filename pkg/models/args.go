package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Args is a tool argument map. It supports both plain index access and
// dotted-path lookup ("issue.fields.summary") the way skill templates and
// usage-pattern validation rules address values.
type Args map[string]any

// Lookup resolves a dotted path against the map. Intermediate lists accept
// numeric segments. Returns (nil, false) when any segment is missing.
func (a Args) Lookup(path string) (any, bool) {
	if a == nil {
		return nil, false
	}
	var cur any = map[string]any(a)
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Args:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// String returns the value at path rendered as a string, or "" when absent.
func (a Args) String(path string) string {
	v, ok := a.Lookup(path)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Clone returns a shallow copy of the top-level map.
func (a Args) Clone() Args {
	if a == nil {
		return Args{}
	}
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// DecodeArgs unmarshals a raw JSON object into Args. A nil or empty payload
// yields an empty map rather than an error.
func DecodeArgs(raw json.RawMessage) (Args, error) {
	if len(raw) == 0 {
		return Args{}, nil
	}
	var out Args
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if out == nil {
		out = Args{}
	}
	return out, nil
}
