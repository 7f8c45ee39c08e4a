package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

type builtin struct {
	minArgs int
	maxArgs int // -1 means variadic
	fn      func(ev *evaluator, args []any) (any, error)
}

// builtins is the complete callable surface of the language. Filters used
// with the pipe syntax resolve through the same table, so `x | json` and
// `json(x)` are the same call.
var builtins = map[string]builtin{
	"len": {1, 1, func(ev *evaluator, args []any) (any, error) {
		switch x := args[0].(type) {
		case nil:
			return int64(0), nil
		case string:
			return int64(utf8.RuneCountInString(x)), nil
		}
		if m, ok := asMap(args[0]); ok {
			return int64(len(m)), nil
		}
		if list, ok := asList(args[0]); ok {
			return int64(len(list)), nil
		}
		return nil, fmt.Errorf("len() of %s", typeName(args[0]))
	}},
	"str": {1, 1, func(ev *evaluator, args []any) (any, error) {
		return Stringify(args[0]), nil
	}},
	"int": {1, 1, func(ev *evaluator, args []any) (any, error) {
		switch x := args[0].(type) {
		case nil:
			return int64(0), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				f, ferr := strconv.ParseFloat(strings.TrimSpace(x), 64)
				if ferr != nil {
					return nil, fmt.Errorf("int() cannot parse %q", x)
				}
				return int64(math.Trunc(f)), nil
			}
			return n, nil
		case float64:
			return int64(math.Trunc(x)), nil
		}
		if n, ok := toInt64(args[0]); ok {
			return n, nil
		}
		return nil, fmt.Errorf("int() of %s", typeName(args[0]))
	}},
	"float": {1, 1, func(ev *evaluator, args []any) (any, error) {
		switch x := args[0].(type) {
		case nil:
			return float64(0), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("float() cannot parse %q", x)
			}
			return f, nil
		}
		if f, ok := toFloat(args[0]); ok {
			return f, nil
		}
		return nil, fmt.Errorf("float() of %s", typeName(args[0]))
	}},
	"keys": {1, 1, func(ev *evaluator, args []any) (any, error) {
		if args[0] == nil {
			return []any{}, nil
		}
		m, ok := asMap(args[0])
		if !ok {
			return nil, fmt.Errorf("keys() of %s", typeName(args[0]))
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	}},
	"contains": {2, 2, func(ev *evaluator, args []any) (any, error) {
		return member(args[1], args[0])
	}},
	"join": {1, 2, func(ev *evaluator, args []any) (any, error) {
		list, ok := asList(args[0])
		if !ok {
			if args[0] == nil {
				return "", nil
			}
			return nil, fmt.Errorf("join() of %s", typeName(args[0]))
		}
		sep := ""
		if len(args) == 2 {
			sep = Stringify(args[1])
		}
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, sep), nil
	}},
	"split": {2, 2, func(ev *evaluator, args []any) (any, error) {
		s := Stringify(args[0])
		sep := Stringify(args[1])
		var parts []string
		if sep == "" {
			parts = strings.Fields(s)
		} else {
			parts = strings.Split(s, sep)
		}
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	}},
	"trim": {1, 2, func(ev *evaluator, args []any) (any, error) {
		s := Stringify(args[0])
		if len(args) == 2 {
			return strings.Trim(s, Stringify(args[1])), nil
		}
		return strings.TrimSpace(s), nil
	}},
	"now": {0, 0, func(ev *evaluator, args []any) (any, error) {
		return ev.now().UTC().Format(time.RFC3339), nil
	}},

	// Filters.
	"default": {2, 2, func(ev *evaluator, args []any) (any, error) {
		if args[0] == nil || args[0] == "" {
			return args[1], nil
		}
		return args[0], nil
	}},
	"json": {1, 1, func(ev *evaluator, args []any) (any, error) {
		b, err := json.Marshal(args[0])
		if err != nil {
			return nil, fmt.Errorf("json filter: %w", err)
		}
		return string(b), nil
	}},
	"lower": {1, 1, func(ev *evaluator, args []any) (any, error) {
		return strings.ToLower(Stringify(args[0])), nil
	}},
	"upper": {1, 1, func(ev *evaluator, args []any) (any, error) {
		return strings.ToUpper(Stringify(args[0])), nil
	}},
	"replace": {3, 3, func(ev *evaluator, args []any) (any, error) {
		return strings.ReplaceAll(Stringify(args[0]), Stringify(args[1]), Stringify(args[2])), nil
	}},
}
