package value

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
)

// SerializationWarning reports that a value could not be represented natively
// or through JSON encoding and was replaced by its string form or by a
// placeholder. It is recovered locally and never fails a traced call.
type SerializationWarning struct {
	// Type is the Go type name of the offending value.
	Type string
	// Cause is the encoding error that triggered the fallback, if any.
	Cause error
}

// Error implements error.
func (w *SerializationWarning) Error() string {
	if w.Cause == nil {
		return fmt.Sprintf("value: %s is not serializable", w.Type)
	}
	return fmt.Sprintf("value: %s is not serializable: %v", w.Type, w.Cause)
}

// Unwrap returns the underlying encoding error.
func (w *SerializationWarning) Unwrap() error { return w.Cause }

// maxCaptureDepth bounds the nesting of captured maps and slices.
const maxCaptureDepth = 100

// Capture converts an arbitrary Go value into a Value. Values are tried, in
// order, as a natively representable type, through encoding/json, through
// fmt.Stringer, and finally replaced by the placeholder "<unserializable T>".
// The last two steps return a *SerializationWarning (possibly joined with
// other warnings for nested values). Self-referencing maps and slices, and
// nesting deeper than maxCaptureDepth, are replaced by the placeholder.
// Capture never panics and the returned Value is always usable, even when
// err is non-nil.
func Capture(v any) (Value, error) {
	return (&capturer{}).capture(v)
}

// capturer tracks the maps and slices on the current capture path.
type capturer struct {
	path  map[uintptr]struct{}
	depth int
}

func (c *capturer) capture(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case *Fields:
		return Object(x.Clone()), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return Uint(uint64(x)), nil
	case uint8:
		return Uint(uint64(x)), nil
	case uint16:
		return Uint(uint64(x)), nil
	case uint32:
		return Uint(uint64(x)), nil
	case uint64:
		return Uint(x), nil
	case float32:
		return captureFloat(float64(x), "float32")
	case float64:
		return captureFloat(x, "float64")
	case string:
		return String(x), nil
	case json.Number:
		if !validNumber(string(x)) {
			return String(string(x)), &SerializationWarning{Type: "json.Number", Cause: fmt.Errorf("invalid number literal %q", string(x))}
		}
		return Number(x), nil
	case error:
		if msg, ok := safeError(x); ok {
			return String(msg), nil
		}
		return placeholder(v, errors.New("error method panicked"))
	case []any:
		leave, err := c.enter(v)
		if err != nil {
			return placeholder(v, err)
		}
		defer leave()
		items := make([]Value, len(x))
		var warns []error
		for i, item := range x {
			cv, err := c.capture(item)
			if err != nil {
				warns = append(warns, err)
			}
			items[i] = cv
		}
		return Value{kind: KindArray, arr: items}, errors.Join(warns...)
	case map[string]any:
		leave, err := c.enter(v)
		if err != nil {
			return placeholder(v, err)
		}
		defer leave()
		f, err := c.fields(x)
		return Object(f), err
	}
	return captureEncoded(v)
}

// fields captures every entry of m in sorted key order.
func (c *capturer) fields(m map[string]any) (*Fields, error) {
	f := NewFields()
	var warns []error
	for _, k := range sortedKeys(m) {
		v, err := c.capture(m[k])
		if err != nil {
			warns = append(warns, err)
		}
		f.Set(k, v)
	}
	return f, errors.Join(warns...)
}

// enter records the map or slice v on the capture path. It fails when v is
// already on the path or the path is too deep. The returned func removes v.
func (c *capturer) enter(v any) (func(), error) {
	if c.depth >= maxCaptureDepth {
		return nil, fmt.Errorf("nesting deeper than %d", maxCaptureDepth)
	}
	rv := reflect.ValueOf(v)
	var ptr uintptr
	if rv.Kind() == reflect.Map || rv.Len() > 0 {
		ptr = rv.Pointer()
	}
	if ptr != 0 {
		if _, ok := c.path[ptr]; ok {
			return nil, errors.New("cyclic reference")
		}
		if c.path == nil {
			c.path = make(map[uintptr]struct{})
		}
		c.path[ptr] = struct{}{}
	}
	c.depth++
	return func() {
		c.depth--
		if ptr != 0 {
			delete(c.path, ptr)
		}
	}, nil
}

// MustCapture is Capture with warnings discarded.
func MustCapture(v any) Value {
	out, _ := Capture(v)
	return out
}

func captureFloat(f float64, typ string) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Float(f), &SerializationWarning{Type: typ, Cause: fmt.Errorf("non-finite number %v", f)}
	}
	return Float(f), nil
}

func captureEncoded(v any) (Value, error) {
	data, err := safeMarshal(v)
	if err == nil {
		var out Value
		if err = out.UnmarshalJSON(data); err == nil {
			return out, nil
		}
	}
	if s, ok := v.(fmt.Stringer); ok {
		if str, ok := safeString(s); ok {
			return String(str), &SerializationWarning{Type: typeName(v), Cause: err}
		}
	}
	return placeholder(v, err)
}

func placeholder(v any, cause error) (Value, error) {
	name := typeName(v)
	return String("<unserializable " + name + ">"), &SerializationWarning{Type: name, Cause: cause}
}

func safeMarshal(v any) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("json marshal panicked: %v", r)
		}
	}()
	return json.Marshal(v)
}

func safeString(s fmt.Stringer) (str string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			str, ok = "", false
		}
	}()
	return s.String(), true
}

func safeError(e error) (msg string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			msg, ok = "", false
		}
	}()
	return e.Error(), true
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	return t.String()
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
