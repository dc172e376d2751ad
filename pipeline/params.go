package pipeline

import (
	"fmt"
	"regexp"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
)

// deepMerge overlays override onto base without mutating either. Nested
// maps merge key by key; any other value in override replaces the base
// value outright.
func deepMerge(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		vm, vok := v.(map[string]any)
		bm, bok := merged[k].(map[string]any)
		if vok && bok {
			merged[k] = deepMerge(bm, vm)
			continue
		}
		merged[k] = v
	}
	return merged
}

var paramPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// interpolateParams substitutes ${key} placeholders in string values with
// the stringified scope value, recursing through nested maps and lists.
// A placeholder with no scope entry is an error.
func interpolateParams(params, scope map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		iv, err := interpolateValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = iv
	}
	return out, nil
}

func interpolateValue(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		var missing error
		replaced := paramPattern.ReplaceAllStringFunc(val, func(m string) string {
			key := m[2 : len(m)-1]
			sv, ok := scope[key]
			if !ok {
				if missing == nil {
					missing = fmt.Errorf("%w: %s", niagads_errors.ErrMissingParam, key)
				}
				return m
			}
			return fmt.Sprint(sv)
		})
		if missing != nil {
			return nil, missing
		}
		return replaced, nil
	case map[string]any:
		return interpolateParams(val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			iv, err := interpolateValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	default:
		return v, nil
	}
}
