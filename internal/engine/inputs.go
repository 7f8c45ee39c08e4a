package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"

	"github.com/squirehq/squire/internal/skills"
	"github.com/squirehq/squire/pkg/models"
)

// CoerceInputs validates supplied inputs against the skill's declared specs
// and returns the resolved map: unknown keys rejected, defaults applied,
// scalars coerced to their declared types, patterns and enums enforced.
// Optional inputs with no default stay absent so templates see them as nil.
func CoerceInputs(sk *skills.Skill, supplied models.Args) (models.Args, error) {
	declared := make(map[string]struct{}, len(sk.Inputs))
	for _, in := range sk.Inputs {
		declared[in.Name] = struct{}{}
	}
	for name := range supplied {
		if _, ok := declared[name]; !ok {
			return nil, models.NewToolError(models.KindValidation, "skill %s: unknown input %q", sk.Name, name)
		}
	}

	resolved := make(models.Args, len(sk.Inputs))
	for _, in := range sk.Inputs {
		raw, ok := supplied[in.Name]
		switch {
		case ok:
		case in.Required:
			return nil, models.NewToolError(models.KindValidation, "skill %s: input %q is required", sk.Name, in.Name)
		case in.Default != nil:
			raw = in.Default
		default:
			continue
		}

		v, err := coerceValue(in.Type, raw)
		if err != nil {
			return nil, models.NewToolError(models.KindValidation, "skill %s: input %q: %v", sk.Name, in.Name, err)
		}
		if in.Pattern != "" {
			s, _ := v.(string)
			re, err := regexp.Compile(in.Pattern)
			if err != nil {
				return nil, models.NewToolError(models.KindValidation, "skill %s: input %q: pattern: %v", sk.Name, in.Name, err)
			}
			if !re.MatchString(s) {
				return nil, models.NewToolError(models.KindValidation, "skill %s: input %q value %q does not match pattern %s", sk.Name, in.Name, s, in.Pattern)
			}
		}
		if len(in.Enum) > 0 && !enumHas(in.Enum, v) {
			return nil, models.NewToolError(models.KindValidation, "skill %s: input %q value %v is not an allowed value", sk.Name, in.Name, v)
		}
		resolved[in.Name] = v
	}
	return resolved, nil
}

// coerceValue converts v to the declared input type. String forms of
// numbers and booleans are accepted so CLI-supplied inputs round-trip.
func coerceValue(typ string, v any) (any, error) {
	switch typ {
	case "", "string":
		if typ == "" {
			return v, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", valueType(v))
		}
		return s, nil

	case "int":
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("value %v is not an integer", n)
			}
			return int64(n), nil
		case json.Number:
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("value %s is not an integer", n)
			}
			return i, nil
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not an integer", n)
			}
			return i, nil
		}
		return nil, fmt.Errorf("expected int, got %s", valueType(v))

	case "float":
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("value %s is not a number", n)
			}
			return f, nil
		case string:
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not a number", n)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected float, got %s", valueType(v))

	case "bool":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("value %q is not a boolean", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("expected bool, got %s", valueType(v))

	case "list":
		switch l := v.(type) {
		case []any:
			return l, nil
		case []string:
			out := make([]any, len(l))
			for i, s := range l {
				out[i] = s
			}
			return out, nil
		}
		return nil, fmt.Errorf("expected list, got %s", valueType(v))

	case "map":
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected map, got %s", valueType(v))
		}
		return m, nil
	}
	return nil, fmt.Errorf("unknown input type %q", typ)
}

func enumHas(enum []any, v any) bool {
	for _, e := range enum {
		if looseEqual(e, v) {
			return true
		}
	}
	return false
}

// looseEqual compares enum members against coerced values, normalizing
// numeric representations so YAML ints match coerced int64s.
func looseEqual(a, b any) bool {
	if af, aok := numeric(a); aok {
		bf, bok := numeric(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func valueType(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
