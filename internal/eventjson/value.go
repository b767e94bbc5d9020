// Package eventjson holds a typed view of Matrix event bodies.
//
// A body is decoded once into a Value tree; rewriting walks the tree and
// swaps identifiers at known paths, leaving every other field as decoded.
package eventjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Value is a sealed interface over the JSON shapes an event body can hold.
// Only Null, String, Number, Bool, Array and Object implement it.
type Value interface {
	jsonValue()
}

// Null is a JSON null.
type Null struct{}

func (Null) jsonValue() {}

// String is a JSON string.
type String string

func (String) jsonValue() {}

// Number keeps the literal text of a JSON number so that integers larger
// than 2^53 and exponent forms survive a decode/encode cycle.
type Number json.Number

func (Number) jsonValue() {}

// Bool is a JSON boolean.
type Bool bool

func (Bool) jsonValue() {}

// Array is a JSON array.
type Array []Value

func (Array) jsonValue() {}

// Object is a JSON object. Keys are emitted in sorted order.
type Object map[string]Value

func (Object) jsonValue() {}

// ErrDecode marks a body that is not a JSON object.
var ErrDecode = errors.New("event body is not valid JSON")

// Decode parses an event body. The top level must be an object.
func Decode(data []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrDecode)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, not an object", ErrDecode, raw)
	}
	return fromAny(obj).(Object), nil
}

func fromAny(v any) Value {
	switch val := v.(type) {
	case nil:
		return Null{}
	case bool:
		return Bool(val)
	case string:
		return String(val)
	case json.Number:
		return Number(val)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			arr[i] = fromAny(elem)
		}
		return arr
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			obj[k] = fromAny(elem)
		}
		return obj
	default:
		// encoding/json only produces the cases above
		panic(fmt.Sprintf("unexpected decoded type %T", v))
	}
}

// SortedKeys returns the object's keys in byte order.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Str returns the string at key, if present and a string.
func (obj Object) Str(key string) (string, bool) {
	s, ok := obj[key].(String)
	return string(s), ok
}

// Obj returns the object at key, if present and an object.
func (obj Object) Obj(key string) (Object, bool) {
	o, ok := obj[key].(Object)
	return o, ok
}

// Arr returns the array at key, if present and an array.
func (obj Object) Arr(key string) (Array, bool) {
	a, ok := obj[key].(Array)
	return a, ok
}

// Path walks nested objects and returns the value at the end of keys.
func (obj Object) Path(keys ...string) (Value, bool) {
	var cur Value = obj
	for _, k := range keys {
		o, ok := cur.(Object)
		if !ok {
			return nil, false
		}
		if cur, ok = o[k]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a deep copy of v.
func Clone(v Value) Value {
	switch val := v.(type) {
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Object:
		out := make(Object, len(val))
		for k, elem := range val {
			out[k] = Clone(elem)
		}
		return out
	default:
		return v
	}
}

// Marshal encodes v as compact JSON with sorted object keys and without
// HTML escaping.
func Marshal(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler.
func (obj Object) MarshalJSON() ([]byte, error) {
	return Marshal(obj)
}

func appendValue(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case String:
		appendString(buf, string(val))
	case Number:
		if !json.Valid([]byte(val)) {
			return fmt.Errorf("invalid number literal %q", string(val))
		}
		buf.WriteString(string(val))
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendValue(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendString(buf, k)
			buf.WriteByte(':')
			if err := appendValue(buf, val[k]); err != nil {
				return fmt.Errorf("object[%q]: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown value type: %T", v)
	}
	return nil
}

func appendString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail
	_ = enc.Encode(s)
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}
