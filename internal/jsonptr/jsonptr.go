// Package jsonptr implements dotted-path access into decoded JSON trees
// (the shapes produced by encoding/json: map[string]any, []any, and
// scalars). It is the primitive every template expression, loop, and
// register rendering in the flow runtime resolves paths through.
package jsonptr

import (
	"fmt"
	"strconv"
	"strings"
)

// kind classifies a decoded JSON value for the type-matching rules used by
// Set and Add.
type kind int

const (
	kindNull kind = iota
	kindScalar
	kindArray
	kindObject
)

func kindOf(v any) kind {
	switch v.(type) {
	case nil:
		return kindNull
	case []any:
		return kindArray
	case map[string]any:
		return kindObject
	default:
		return kindScalar
	}
}

// scalarKind names the JSON kind of a scalar: "string", "bool" or "number"
// (any Go numeric type).
func scalarKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// resolveStep decides whether segment s addresses an array index or an
// object key at container v. The rule is "object wins when not array": an
// integer-looking segment is only treated as an index when v is actually a
// slice; otherwise it is always a string key, even inside a map whose keys
// happen to look numeric.
func resolveStep(v any, s string) (isIndex bool, index int) {
	if _, ok := v.([]any); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return true, n
		}
	}
	return false, 0
}

// Get returns the value at path, or nil if any intermediate step is
// missing. Get never fails.
func Get(root any, path string) any {
	cur := root
	for _, s := range splitPath(path) {
		if cur == nil {
			return nil
		}
		isIndex, idx := resolveStep(cur, s)
		if isIndex {
			arr := cur.([]any)
			if idx < 0 || idx >= len(arr) {
				return nil
			}
			cur = arr[idx]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[s]
		if !ok {
			return nil
		}
	}
	return cur
}

// Set replaces the value at path. With an empty path, root itself is
// replaced only when value has the same kind (object<->object,
// array<->array); any other root/value kind combination is a TypeMismatch.
// With a non-empty path, the terminal node addressed by path must already
// exist as a scalar (string/number/bool) and value must share its kind;
// otherwise Set fails with TypeMismatch. Containers along the path must
// already exist (no implicit creation) — use Add for that.
func Set(root any, path string, value any) (any, error) {
	rk := kindOf(root)
	if rk != kindObject && rk != kindArray {
		return nil, fmt.Errorf("jsonptr: set: root must be object or array")
	}

	segs := splitPath(path)
	if len(segs) == 0 {
		vk := kindOf(value)
		if vk != rk {
			return nil, fmt.Errorf("jsonptr: set: TypeMismatch: new value's kind does not match root's kind")
		}
		return value, nil
	}

	return setAt(root, segs, value)
}

func setAt(container any, segs []string, value any) (any, error) {
	s := segs[0]
	isIndex, idx := resolveStep(container, s)

	if isIndex {
		arr := container.([]any)
		if idx < 0 || idx >= len(arr) {
			return nil, fmt.Errorf("jsonptr: set: index %d out of bounds", idx)
		}
		if len(segs) == 1 {
			cur := arr[idx]
			ck, vk := kindOf(cur), kindOf(value)
			if ck == kindNull {
				return nil, fmt.Errorf("jsonptr: set: value at index %d is null", idx)
			}
			if ck != kindScalar {
				return nil, fmt.Errorf("jsonptr: set: TypeMismatch: terminal node at %q is not a scalar", s)
			}
			if ck != vk || scalarKind(cur) != scalarKind(value) {
				return nil, fmt.Errorf("jsonptr: set: TypeMismatch: new value's kind does not match old one")
			}
			out := append([]any(nil), arr...)
			out[idx] = value
			return out, nil
		}
		next, err := setAt(arr[idx], segs[1:], value)
		if err != nil {
			return nil, err
		}
		out := append([]any(nil), arr...)
		out[idx] = next
		return out, nil
	}

	obj, ok := container.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("jsonptr: set: segment %q addresses a non-object, non-array container", s)
	}
	cur, exists := obj[s]
	if !exists || kindOf(cur) == kindNull {
		return nil, fmt.Errorf("jsonptr: set: value corresponding to %q can not be null", s)
	}

	if len(segs) == 1 {
		ck, vk := kindOf(cur), kindOf(value)
		if ck != kindScalar {
			return nil, fmt.Errorf("jsonptr: set: TypeMismatch: terminal node at %q is not a scalar", s)
		}
		if ck != vk || scalarKind(cur) != scalarKind(value) {
			return nil, fmt.Errorf("jsonptr: set: TypeMismatch: new value's kind does not match old one")
		}
		out := cloneObject(obj)
		out[s] = value
		return out, nil
	}

	next, err := setAt(cur, segs[1:], value)
	if err != nil {
		return nil, err
	}
	out := cloneObject(obj)
	out[s] = next
	return out, nil
}

// Add inserts value into root at path. With an empty path and an array
// root, value is appended. With a non-empty path, traversal proceeds to the
// parent of the terminal segment; at that parent, a missing key inserts
// value under the literal terminal segment, an existing array appends, an
// existing object inserts under the terminal segment (overwriting, with a
// warning surfaced to the caller via the returned bool), and an existing
// scalar fails with CannotExtendScalar.
//
// Add always uses the actual terminal path segment as the insertion key,
// never a key from an earlier traversal step.
func Add(root any, path string, value any) (result any, overwrote bool, err error) {
	rk := kindOf(root)
	if rk != kindObject && rk != kindArray {
		return nil, false, fmt.Errorf("jsonptr: add: root must be object or array")
	}

	if path == "" {
		if rk != kindArray {
			return nil, false, fmt.Errorf("jsonptr: add: empty path requires an array root")
		}
		arr := root.([]any)
		out := append(append([]any(nil), arr...), value)
		return out, false, nil
	}

	segs := splitPath(path)
	return addAt(root, segs, value)
}

func addAt(container any, segs []string, value any) (any, bool, error) {
	s := segs[0]
	isIndex, idx := resolveStep(container, s)

	if len(segs) == 1 {
		return addTerminal(container, s, isIndex, idx, value)
	}

	if isIndex {
		arr := container.([]any)
		if idx < 0 || idx >= len(arr) {
			return nil, false, fmt.Errorf("jsonptr: add: index %d out of bounds", idx)
		}
		next, overwrote, err := addAt(arr[idx], segs[1:], value)
		if err != nil {
			return nil, false, err
		}
		out := append([]any(nil), arr...)
		out[idx] = next
		return out, overwrote, nil
	}

	obj, ok := container.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("jsonptr: add: segment %q addresses a non-object, non-array container", s)
	}
	child, exists := obj[s]
	if !exists {
		return nil, false, fmt.Errorf("jsonptr: add: intermediate key %q does not exist", s)
	}
	next, overwrote, err := addAt(child, segs[1:], value)
	if err != nil {
		return nil, false, err
	}
	out := cloneObject(obj)
	out[s] = next
	return out, overwrote, nil
}

// addTerminal handles the last path segment s against container, which is
// the value one level above the insertion point.
func addTerminal(container any, s string, isIndex bool, idx int, value any) (any, bool, error) {
	if isIndex {
		arr, ok := container.([]any)
		if !ok {
			return nil, false, fmt.Errorf("jsonptr: add: segment %q addresses a non-array container", s)
		}
		if idx < 0 || idx >= len(arr) {
			return nil, false, fmt.Errorf("jsonptr: add: index %d out of bounds", idx)
		}
		target := arr[idx]
		out := append([]any(nil), arr...)
		switch kindOf(target) {
		case kindArray:
			ta := target.([]any)
			out[idx] = append(append([]any(nil), ta...), value)
			return out, false, nil
		case kindObject:
			// No explicit key is available to insert under when the
			// terminal addresses an array slot holding an object, so
			// fail clearly instead of guessing a key.
			return nil, false, fmt.Errorf("jsonptr: add: cannot add into an object via an array index terminal")
		default:
			return nil, false, fmt.Errorf("jsonptr: add: CannotExtendScalar: index %d holds a scalar", idx)
		}
	}

	obj, ok := container.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("jsonptr: add: segment %q addresses a non-object container", s)
	}
	target, exists := obj[s]
	if !exists || kindOf(target) == kindNull {
		out := cloneObject(obj)
		out[s] = value
		return out, false, nil
	}

	switch kindOf(target) {
	case kindArray:
		ta := target.([]any)
		out := cloneObject(obj)
		out[s] = append(append([]any(nil), ta...), value)
		return out, false, nil
	case kindObject:
		out := cloneObject(obj)
		out[s] = value
		return out, true, nil
	default:
		return nil, false, fmt.Errorf("jsonptr: add: CannotExtendScalar: %q holds %T", s, target)
	}
}

// Remove deletes the value at path, shifting array elements down or
// deleting the object key. An empty path always fails. A missing key is a
// no-op reported via the found return value rather than an error.
func Remove(root any, path string) (result any, found bool, err error) {
	rk := kindOf(root)
	if rk != kindObject && rk != kindArray {
		return nil, false, fmt.Errorf("jsonptr: remove: root must be object or array")
	}
	if path == "" {
		return nil, false, fmt.Errorf("jsonptr: remove: path cannot be empty")
	}
	return removeAt(root, splitPath(path))
}

func removeAt(container any, segs []string) (any, bool, error) {
	s := segs[0]
	isIndex, idx := resolveStep(container, s)

	if len(segs) == 1 {
		if isIndex {
			arr := container.([]any)
			if idx < 0 || idx >= len(arr) {
				return nil, false, fmt.Errorf("jsonptr: remove: index %d out of bounds", idx)
			}
			out := make([]any, 0, len(arr)-1)
			out = append(out, arr[:idx]...)
			out = append(out, arr[idx+1:]...)
			return out, true, nil
		}
		obj, ok := container.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("jsonptr: remove: segment %q addresses a non-object container", s)
		}
		_, exists := obj[s]
		if !exists {
			return container, false, nil
		}
		out := cloneObject(obj)
		delete(out, s)
		return out, true, nil
	}

	if isIndex {
		arr := container.([]any)
		if idx < 0 || idx >= len(arr) {
			return nil, false, fmt.Errorf("jsonptr: remove: index %d out of bounds", idx)
		}
		if kindOf(arr[idx]) == kindNull {
			return nil, false, fmt.Errorf("jsonptr: remove: intermediate value at index %d is null", idx)
		}
		next, found, err := removeAt(arr[idx], segs[1:])
		if err != nil {
			return nil, false, err
		}
		out := append([]any(nil), arr...)
		out[idx] = next
		return out, found, nil
	}

	obj, ok := container.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("jsonptr: remove: segment %q addresses a non-object container", s)
	}
	child, exists := obj[s]
	if !exists || kindOf(child) == kindNull {
		return nil, false, fmt.Errorf("jsonptr: remove: intermediate key %q is missing or null", s)
	}
	next, found, err := removeAt(child, segs[1:])
	if err != nil {
		return nil, false, err
	}
	out := cloneObject(obj)
	out[s] = next
	return out, found, nil
}

func cloneObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	return out
}
