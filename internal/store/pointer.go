package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// getPointer resolves a dotted path inside a document. List elements are
// addressed by decimal index. An empty pointer addresses the whole document.
func getPointer(doc any, pointer string) (any, bool) {
	if pointer == "" {
		return doc, true
	}
	cur := doc
	for _, seg := range strings.Split(pointer, ".") {
		switch v := cur.(type) {
		case map[string]any:
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

// setPointer sets a dotted path inside doc, creating intermediate maps as
// needed, and returns the (possibly new) document root. A nil doc starts a
// fresh map. Existing non-map values along the path are an error rather
// than being silently replaced.
func setPointer(doc any, pointer string, value any) (any, error) {
	if pointer == "" {
		return value, nil
	}
	root, ok := doc.(map[string]any)
	if doc == nil {
		root = map[string]any{}
	} else if !ok {
		return nil, fmt.Errorf("document root is %T, not a map", doc)
	}

	cur := root
	segs := strings.Split(pointer, ".")
	for i, seg := range segs[:len(segs)-1] {
		next, isMap := cur[seg].(map[string]any)
		if !isMap {
			if _, exists := cur[seg]; exists {
				return nil, fmt.Errorf("%q is not a map", strings.Join(segs[:i+1], "."))
			}
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
	return root, nil
}

// deepCopy clones maps and slices so cached documents cannot be mutated
// through returned references. Scalars are shared.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// normalizeDoc rewrites parser-specific value types into the JSON-safe set
// the rest of the system expects. YAML in particular resolves timestamp
// scalars into time.Time, which queries cannot consume.
func normalizeDoc(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeDoc(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeDoc(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeDoc(val)
		}
		return t
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return v
	}
}
