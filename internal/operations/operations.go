// Package operations holds the compiled-in operation catalogue. Every file
// registers its operation in the global registry from init(), so importing
// this package (the cmd binary does it with a blank import) makes the whole
// catalogue available to flows.
package operations

import (
	"fmt"
	"strconv"

	"github.com/rakunlabs/flowrunner/internal/registry"
)

func ok(output map[string]any) registry.Result {
	if output == nil {
		output = map[string]any{}
	}
	return registry.Result{Status: registry.StatusOk, Output: output}
}

func ko(err error) registry.Result {
	return registry.Result{Status: registry.StatusKo, Error: err.Error(), Output: map[string]any{}}
}

func kof(format string, args ...any) registry.Result {
	return registry.Result{Status: registry.StatusKo, Error: fmt.Sprintf(format, args...), Output: map[string]any{}}
}

// paramString returns params[key] as a string, tolerating non-string
// scalars the way YAML decoding produces them.
func paramString(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func paramBool(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func paramStringSlice(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		if s := paramString(params, key); s != "" {
			return []string{s}
		}
		return nil
	}

	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

func paramMap(params map[string]any, key string) map[string]any {
	m, _ := params[key].(map[string]any)
	return m
}

func paramSlice(params map[string]any, key string) []any {
	s, _ := params[key].([]any)
	return s
}
