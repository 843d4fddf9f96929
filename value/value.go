// Package value implements the dynamic JSON-like value tree used for
// workflow variables, function parameters, and function results.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a recursive sum type: null, bool, integer, float, string,
// ordered array of Value, or mapping from string to Value.
//
// The zero Value is Null. Values are cheap to copy by value for scalars;
// Array and Map hold slice/map headers, so a shallow Value copy shares the
// underlying storage — call Clone for an independent deep copy.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null is the null value.
var Null = Value{kind: KindNull}

func Bool(b bool) Value    { return Value{kind: KindBool, b: b} }
func Int(i int64) Value    { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }

func Array(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, arr: cp}
}

func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, obj: cp}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Int() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) String() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) Array() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

func (v Value) Map() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.obj, true
}

// Truthy implements the truthiness rules used by If/Loop conditions:
// booleans direct; numbers nonzero; strings non-empty; arrays/maps
// non-empty; null is falsy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindArray:
		return len(v.arr) > 0
	case KindMap:
		return len(v.obj) > 0
	default:
		return false
	}
}

// Equal reports whether two Values are structurally equal.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		// Allow int/float cross-comparison, matching common JSON-number semantics.
		af, aok := a.Float()
		bf, bok := b.Float()
		if aok && bok && (a.kind == KindInt || a.kind == KindFloat) && (b.kind == KindInt || b.kind == KindFloat) {
			return af == bf
		}
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep, independent copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		cp := make([]Value, len(v.arr))
		for i, e := range v.arr {
			cp[i] = e.Clone()
		}
		return Value{kind: KindArray, arr: cp}
	case KindMap:
		cp := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			cp[k] = e.Clone()
		}
		return Value{kind: KindMap, obj: cp}
	default:
		return v
	}
}

// Native converts a Value to a plain Go value (nil, bool, int64, float64,
// string, []any, map[string]any) suitable for handing to the expression
// evaluator or a Function handler.
func (v Value) Native() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Native()
		}
		return out
	default:
		return nil
	}
}

// FromNative converts a plain Go value (as produced by encoding/json,
// gopkg.in/yaml.v3, or a Function handler's return) into a Value.
func FromNative(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null
	case Value:
		return t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromNative(e)
		}
		return Value{kind: KindArray, arr: out}
	case []Value:
		return Array(t...)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromNative(e)
		}
		return Value{kind: KindMap, obj: out}
	case map[any]any: // gopkg.in/yaml.v3 with non-strict mapping
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[fmt.Sprintf("%v", k)] = FromNative(e)
		}
		return Value{kind: KindMap, obj: out}
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// MarshalJSON implements json.Marshaler using the native representation.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON implements json.Unmarshaler, decoding numbers as int64
// when they carry no fractional part so int-valued JSON round-trips as
// KindInt rather than KindFloat.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromNative(raw)
	return nil
}

// Path walks a dotted path (e.g. "user.address.city" or "items.0.name")
// into a Value, returning Null and false if any segment is missing or the
// intermediate value is not indexable.
func (v Value) Path(path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	seg := ""
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			next, ok := indexInto(cur, seg)
			if !ok {
				return Null, false
			}
			cur = next
			seg = ""
			continue
		}
		seg += string(path[i])
	}
	return cur, true
}

func indexInto(v Value, key string) (Value, bool) {
	switch v.kind {
	case KindMap:
		val, ok := v.obj[key]
		return val, ok
	case KindArray:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v.arr) {
			return Null, false
		}
		return v.arr[idx], true
	default:
		return Null, false
	}
}

// SortedKeys returns a Map's keys in sorted order, for callers that need
// a deterministic iteration order.
func SortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
