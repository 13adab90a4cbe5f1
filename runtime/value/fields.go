package value

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Fields is an ordered string-keyed map of Values. Keys keep their first
// insertion position; setting an existing key replaces its value in place.
//
// Fields is not safe for concurrent mutation. Read methods accept a nil
// receiver and behave as on an empty map.
type Fields struct {
	keys []string
	vals map[string]Value
}

// NewFields returns an empty Fields.
func NewFields() *Fields {
	return &Fields{vals: make(map[string]Value)}
}

// FromMap captures every entry of m, in sorted key order. Entries that cannot
// be serialized natively are stringified; the returned error then joins the
// corresponding *SerializationWarning values. The returned Fields is always
// usable.
func FromMap(m map[string]any) (*Fields, error) {
	if m == nil {
		return NewFields(), nil
	}
	v, err := Capture(m)
	if f := v.Fields(); f != nil {
		return f, err
	}
	return NewFields(), err
}

// Len returns the number of keys.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

// Keys returns the keys in insertion order.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.keys...)
}

// Get returns the value stored under key.
func (f *Fields) Get(key string) (Value, bool) {
	if f == nil {
		return Value{}, false
	}
	v, ok := f.vals[key]
	return v, ok
}

// Set stores v under key.
func (f *Fields) Set(key string, v Value) {
	if f.vals == nil {
		f.vals = make(map[string]Value)
	}
	if _, ok := f.vals[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.vals[key] = v
}

// Merge copies every entry of other into f. Existing keys are overwritten
// (last write wins) and keep their position; new keys are appended in the
// order they appear in other.
func (f *Fields) Merge(other *Fields) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		f.Set(k, other.vals[k])
	}
}

// Clone returns a copy of f that shares no mutable state with it. Cloning a
// nil Fields returns an empty one.
func (f *Fields) Clone() *Fields {
	out := NewFields()
	if f == nil {
		return out
	}
	out.keys = append(out.keys, f.keys...)
	for k, v := range f.vals {
		out.vals[k] = v.clone()
	}
	return out
}

// Any returns the entries as a map[string]any, suitable for drivers and
// encoders that do not know about Value.
func (f *Fields) Any() map[string]any {
	out := make(map[string]any, f.Len())
	if f == nil {
		return out
	}
	for k, v := range f.vals {
		out[k] = v.Any()
	}
	return out
}

// Equal reports whether f and other hold the same entries, regardless of
// order.
func (f *Fields) Equal(other *Fields) bool {
	if f.Len() != other.Len() {
		return false
	}
	for _, k := range f.Keys() {
		ov, ok := other.Get(k)
		if !ok {
			return false
		}
		if !f.vals[k].Equal(ov) {
			return false
		}
	}
	return true
}

// MarshalJSON implements json.Marshaler. Keys are written in insertion order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := f.vals[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. JSON null yields an empty map.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return err
	}
	switch v.Kind() {
	case KindNull:
		*f = Fields{vals: make(map[string]Value)}
		return nil
	case KindObject:
		*f = *v.obj
		return nil
	default:
		return fmt.Errorf("value: expected JSON object, got %s", v.Kind())
	}
}

func (v Value) clone() Value {
	switch v.kind {
	case KindArray:
		out := Value{kind: KindArray, arr: make([]Value, len(v.arr))}
		for i, item := range v.arr {
			out.arr[i] = item.clone()
		}
		return out
	case KindObject:
		return Value{kind: KindObject, obj: v.obj.Clone()}
	default:
		return v
	}
}
