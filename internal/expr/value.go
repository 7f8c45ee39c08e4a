package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Truthy reports whether v is true under the language's rules: nil, false,
// zero numbers, empty strings, and empty containers are false.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Stringify renders v for template interpolation. Floats drop trailing
// zeros, nil renders empty, and composites render as JSON.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "bool"
	case string:
		return "string"
	case int64, int:
		return "int"
	case float64:
		return "float"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	}
	return reflect.TypeOf(v).String()
}

// attrLookup resolves name against map-like values. Missing keys and
// non-map receivers yield nil; attribute access never fails.
func attrLookup(recv any, name string) any {
	switch m := recv.(type) {
	case map[string]any:
		return m[name]
	case map[string]string:
		if v, ok := m[name]; ok {
			return v
		}
		return nil
	}
	rv := reflect.ValueOf(recv)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		out := rv.MapIndex(reflect.ValueOf(name))
		if out.IsValid() {
			return out.Interface()
		}
	}
	return nil
}

// asList normalizes slice-like values to []any. Strings and byte slices are
// not lists.
func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case string, []byte, nil:
		return nil, false
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

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float64:
		if x == math.Trunc(x) {
			return int64(x), true
		}
	}
	return 0, false
}

// toFloat widens numeric values. Bools are deliberately excluded so
// `true == 1` stays false.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values, returning <0, 0, or >0. Only numbers compare
// with numbers and strings with strings.
func compare(a, b any) (int, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cannot compare %s with %s", typeName(a), typeName(b))
}

// member implements `needle in haystack`: substring for strings, element
// scan for lists, key presence for maps.
func member(needle, haystack any) (bool, error) {
	switch h := haystack.(type) {
	case nil:
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("cannot search for %s in string", typeName(needle))
		}
		return strings.Contains(h, s), nil
	}
	if m, ok := asMap(haystack); ok {
		key, ok := needle.(string)
		if !ok {
			return false, nil
		}
		_, present := m[key]
		return present, nil
	}
	if list, ok := asList(haystack); ok {
		for _, item := range list {
			if equal(needle, item) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("cannot search in %s", typeName(haystack))
}

func arith(op tokKind, a, b any) (any, error) {
	if op == tokPlus {
		if as, ok := a.(string); ok {
			if bs, ok := b.(string); ok {
				return as + bs, nil
			}
		}
		al, aok := asList(a)
		bl, bok := asList(b)
		if aok && bok {
			out := make([]any, 0, len(al)+len(bl))
			out = append(out, al...)
			return append(out, bl...), nil
		}
	}
	ai, aInt := toInt64(a)
	bi, bInt := toInt64(b)
	_, aIsFloat := a.(float64)
	_, bIsFloat := b.(float64)
	if aInt && bInt && !aIsFloat && !bIsFloat {
		switch op {
		case tokPlus:
			return ai + bi, nil
		case tokMinus:
			return ai - bi, nil
		case tokStar:
			return ai * bi, nil
		case tokSlash:
			if bi == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return ai / bi, nil
		case tokPercent:
			if bi == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return ai % bi, nil
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("cannot apply %s to %s and %s", opName(op), typeName(a), typeName(b))
	}
	switch op {
	case tokPlus:
		return af + bf, nil
	case tokMinus:
		return af - bf, nil
	case tokStar:
		return af * bf, nil
	case tokSlash:
		if bf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return af / bf, nil
	case tokPercent:
		return nil, fmt.Errorf("modulo requires integers")
	}
	return nil, fmt.Errorf("unsupported operator")
}

func opName(op tokKind) string {
	switch op {
	case tokPlus:
		return "+"
	case tokMinus:
		return "-"
	case tokStar:
		return "*"
	case tokSlash:
		return "/"
	case tokPercent:
		return "%"
	}
	return "?"
}
