// Package jsonb validates and sanitizes semi-structured input ("JSON blob"
// fields) before it reaches business logic.
//
// Validate bounds the serialized size, rejects cycles, bounds the nesting
// depth, drops prototype-pollution keys at every level and optionally
// whitelists the root object's keys. It returns a rebuilt copy made of
// map[string]any, []any and scalars; the input is never modified.
package jsonb

import (
	"bytes"
	"encoding"
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
)

// reservedKeys are dropped wherever they appear. Clients written in
// prototype-based languages treat them as object internals.
var reservedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// IsReservedKey reports whether key is stripped by Validate.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

var (
	jsonNumberType    = reflect.TypeOf(json.Number(""))
	marshalerType     = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Validate checks value against p and returns the sanitized copy.
// A nil value, or a nil pointer, map or slice, is returned unchanged.
// Every failure is an *Error.
func Validate(value any, p Policy) (any, error) {
	if isNull(reflect.ValueOf(value)) {
		return value, nil
	}
	p = p.withDefaults()

	size, err := serializedSize(value)
	if err != nil {
		// encoding/json refuses cyclic maps, slices and pointers.
		if hasCycle(reflect.ValueOf(value)) {
			return nil, &Error{Kind: KindCircularReference}
		}
		return nil, &Error{Kind: KindUnsupported, cause: err}
	}
	if size > p.MaxSizeBytes {
		return nil, &Error{Kind: KindTooLarge, Actual: size, Limit: p.MaxSizeBytes}
	}

	if hasCycle(reflect.ValueOf(value)) {
		return nil, &Error{Kind: KindCircularReference}
	}

	sanitized, err := rebuild(reflect.ValueOf(value), 0, p.MaxDepth)
	if err != nil {
		return nil, err
	}

	if len(p.AllowedKeys) > 0 {
		if err := checkRootKeys(sanitized, p); err != nil {
			return nil, err
		}
	}
	return sanitized, nil
}

// ValidateJSON decodes raw, preserving numbers as json.Number, and
// validates the result. Callers must bound len(raw) themselves; Guard
// decoders do so with http.MaxBytesReader.
func ValidateJSON(raw []byte, p Policy) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &Error{Kind: KindUnsupported, cause: err}
	}
	return Validate(v, p)
}

// serializedSize is the byte length of the compact JSON encoding of v,
// without HTML escaping.
func serializedSize(v any) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return 0, err
	}
	// Encode appends a newline.
	return buf.Len() - 1, nil
}

func isNull(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}

func checkRootKeys(v any, p Policy) error {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	var invalid []string
	for key := range obj {
		if !p.allows(key) {
			invalid = append(invalid, key)
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	sort.Strings(invalid)
	return &Error{Kind: KindDisallowedKeys, Keys: invalid, Allowed: p.AllowedKeys}
}

// rebuild copies v into generic JSON values. depth is the nesting level of
// v itself; the root is 0 and its immediate children are 1.
func rebuild(v reflect.Value, depth, maxDepth int) (any, error) {
	if depth > maxDepth {
		return nil, &Error{Kind: KindTooDeep, Actual: depth, Limit: maxDepth}
	}

	switch v.Kind() {
	case reflect.Invalid:
		return nil, nil

	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		if v.Kind() == reflect.Pointer && hasMarshaler(v) {
			return viaJSON(v, depth, maxDepth)
		}
		return rebuild(v.Elem(), depth, maxDepth)
	}

	// Custom marshalers decide their own JSON form.
	if hasMarshaler(v) {
		return viaJSON(v, depth, maxDepth)
	}

	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, ok := mapKey(iter.Key())
			if !ok {
				return viaJSON(v, depth, maxDepth)
			}
			if IsReservedKey(key) {
				continue
			}
			child, err := rebuild(iter.Value(), depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			out[key] = child
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// []byte encodes as a base64 string
			return viaJSON(v, depth, maxDepth)
		}
		out := make([]any, v.Len())
		for i := range out {
			child, err := rebuild(v.Index(i), depth+1, maxDepth)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil

	case reflect.String:
		if v.Type() == jsonNumberType {
			return json.Number(v.String()), nil
		}
		return v.String(), nil

	case reflect.Bool:
		return v.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint(), nil

	case reflect.Float32, reflect.Float64:
		return v.Float(), nil

	default:
		// Structs take their JSON form.
		return viaJSON(v, depth, maxDepth)
	}
}

func hasMarshaler(v reflect.Value) bool {
	t := v.Type()
	if t.Implements(marshalerType) || t.Implements(textMarshalerType) {
		return true
	}
	if v.CanAddr() {
		pt := reflect.PointerTo(t)
		return pt.Implements(marshalerType) || pt.Implements(textMarshalerType)
	}
	return false
}

func mapKey(k reflect.Value) (string, bool) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), true
	}
	return "", false
}

// viaJSON rebuilds v from its own JSON encoding. The encoding has the same
// nesting as v, so depth accounting is unchanged.
func viaJSON(v reflect.Value, depth, maxDepth int) (any, error) {
	if !v.CanInterface() {
		return nil, nil
	}
	target := v.Interface()
	if v.CanAddr() {
		target = v.Addr().Interface()
	}
	raw, err := json.Marshal(target)
	if err != nil {
		return nil, &Error{Kind: KindUnsupported, cause: err}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &Error{Kind: KindUnsupported, cause: err}
	}
	return rebuild(reflect.ValueOf(generic), depth, maxDepth)
}
