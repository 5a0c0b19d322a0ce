// Package render implements the flow runtime's template layer: mustache-
// style text templates, recursive value templates over JSON trees,
// environment-variable expansion, and boolean-expression evaluation.
//
// Go's text/template is intentionally not reused here: its grammar requires
// a leading "." for field access and has no native array-index sugar for
// expressions like "a.0.b", both of which this package's grammar needs. See
// DESIGN.md for the full rationale.
package render

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/rakunlabs/flowrunner/internal/flowerr"
	"github.com/rakunlabs/flowrunner/internal/jsonptr"
)

// envPattern matches "${NAME}", "${NAME:default}", and "$NAME" (the latter
// terminated by the first non-identifier byte).
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// ExpandEnv substitutes "${NAME}"/"$NAME"/"${NAME:default}" occurrences in s
// with the named environment variable, falling back to the given default
// (or the empty string) when the variable is unset. It runs before template
// rendering.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		name := groups[1]
		def := groups[2]
		if name == "" {
			name = groups[3]
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}

// Text renders a mustache-style string: every "{{ expr }}" (optionally
// followed by "| filter" stages) is replaced by the string form of expr
// resolved against ctx. Text with no placeholders is returned unchanged.
func Text(tmpl string, ctx map[string]any) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		start += i
		out.WriteString(tmpl[i:start])

		end := strings.Index(tmpl[start+2:], "}}")
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated expression starting at %d", flowerr.ErrTemplate, start)
		}
		end = start + 2 + end

		inner := tmpl[start+2 : end]
		rendered, err := evalExprString(inner, ctx)
		if err != nil {
			return "", err
		}
		out.WriteString(rendered)
		i = end + 2
	}
	return out.String(), nil
}

// evalExprString evaluates the inside of a single "{{ ... }}" placeholder:
// an identifier path (or literal) followed by zero or more "| filter"
// stages, and renders the result as a string.
func evalExprString(inner string, ctx map[string]any) (string, error) {
	val, err := evalExprValue(inner, ctx)
	if err != nil {
		return "", err
	}
	return stringify(val), nil
}

// evalExprValue is evalExprString without the final stringify step, so
// callers that need the underlying JSON value (e.g. loop expansion, which
// must not collapse a rendered array into a string) can get it directly.
func evalExprValue(inner string, ctx map[string]any) (any, error) {
	stages := strings.Split(inner, "|")
	for i := range stages {
		stages[i] = strings.TrimSpace(stages[i])
	}
	if len(stages) == 0 || stages[0] == "" {
		return nil, fmt.Errorf("%w: empty expression", flowerr.ErrTemplate)
	}

	val, err := resolveExpr(stages[0], ctx)
	if err != nil {
		return nil, err
	}

	for _, filter := range stages[1:] {
		val, err = applyFilter(filter, val)
		if err != nil {
			return nil, err
		}
	}

	return val, nil
}

// EvalExpr renders tmpl like Text, except that when tmpl is (after
// trimming whitespace) exactly one "{{ expr }}" placeholder with no
// surrounding text, the expression's underlying JSON value is returned
// as-is instead of being stringified. This is what lets a task's loop
// field ("{{ some.array }}") expand into a real array rather than a
// JSON-encoded string.
func EvalExpr(tmpl string, ctx map[string]any) (any, error) {
	trimmed := strings.TrimSpace(tmpl)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := trimmed[2 : len(trimmed)-2]
		if !strings.Contains(inner, "{{") {
			return evalExprValue(inner, ctx)
		}
	}
	return Text(tmpl, ctx)
}

// resolveExpr resolves a single expression: a quoted string literal, a
// bare number/bool literal, or a dotted/indexed identifier path looked up
// via jsonptr against ctx.
func resolveExpr(expr string, ctx map[string]any) (any, error) {
	if lit, ok := parseLiteral(expr); ok {
		return lit, nil
	}
	return jsonptr.Get(ctx, expr), nil
}

func parseLiteral(expr string) (any, bool) {
	if len(expr) >= 2 && expr[0] == '"' && expr[len(expr)-1] == '"' {
		return expr[1 : len(expr)-1], true
	}
	switch expr {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null":
		return nil, true
	}
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return n, true
	}
	return nil, false
}

func applyFilter(filter string, val any) (any, error) {
	name := filter
	if i := strings.IndexByte(filter, '('); i >= 0 {
		name = strings.TrimSpace(filter[:i])
	}
	switch name {
	case "json_encode":
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: json_encode: %v", flowerr.ErrTemplate, err)
		}
		return string(b), nil
	case "safe":
		// No HTML auto-escaping is performed anywhere in this renderer, so
		// "safe" is a pass-through marker kept for template-source
		// compatibility with pipelines imported from other mustache-style
		// systems.
		return val, nil
	default:
		return nil, fmt.Errorf("%w: unknown filter %q", flowerr.ErrTemplate, name)
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// Value recursively renders a decoded JSON value: string leaves are
// environment-expanded then text-rendered; array and object containers
// recurse; any other scalar passes through unchanged, preserving JSON
// shape.
func Value(v any, ctx map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		expanded := ExpandEnv(t)
		return Text(expanded, ctx)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rendered, err := Value(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			rendered, err := Value(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderRegister renders each entry of a task's register map as a value
// template against ctx. A rendered string that parses as JSON is stored as
// the parsed JSON value; otherwise it is stored as the rendered string.
func RenderRegister(templates map[string]any, ctx map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(templates))
	for k, tmpl := range templates {
		rendered, err := Value(tmpl, ctx)
		if err != nil {
			return nil, fmt.Errorf("register %q: %w", k, err)
		}
		if s, ok := rendered.(string); ok {
			var parsed any
			if json.Unmarshal([]byte(s), &parsed) == nil {
				out[k] = parsed
				continue
			}
		}
		out[k] = rendered
	}
	return out, nil
}

// EvalBool evaluates the small boolean-expression language (&&, ||, !, ==,
// !=, comparisons, parens, literals, identifiers) against ctx by compiling
// the already-rendered expression into a sandboxed goja runtime and reading
// back a JS boolean, rather than hand-rolling a second parser next to the
// one in Text/Value.
func EvalBool(expr string, ctx map[string]any) (bool, error) {
	rendered, err := Text(expr, ctx)
	if err != nil {
		return false, err
	}
	rendered = strings.TrimSpace(rendered)
	if rendered == "" {
		return false, fmt.Errorf("%w: empty condition", flowerr.ErrTemplate)
	}

	vm := goja.New()
	for k, v := range ctx {
		if err := vm.Set(k, v); err != nil {
			return false, fmt.Errorf("%w: binding %q: %v", flowerr.ErrTemplate, k, err)
		}
	}

	val, err := vm.RunString(rendered)
	if err != nil {
		return false, fmt.Errorf("%w: BadCondition: %v", flowerr.ErrTemplate, err)
	}
	return val.ToBoolean(), nil
}
