// Package ir implements Acteon's expression intermediate representation:
// a typed AST, a value domain, and the optimizer, kept deliberately separate
// from any surface syntax (see internal/rules for the YAML/CEL frontends).
// The evaluator lives in internal/eval.
package ir

import (
	"fmt"
	"math"
)

// Kind identifies a Value's dynamic type.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
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
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the runtime value domain expressions evaluate to.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

// Epsilon is the tolerance used when comparing int/float values for
// numeric equality ("Eq/Ne treat int/float as equal when
// numerically equal").
const Epsilon = 1e-9

var Null = Value{kind: KindNull}

func Bool(b bool) Value               { return Value{kind: KindBool, b: b} }
func Int(i int64) Value               { return Value{kind: KindInt, i: i} }
func Float(f float64) Value           { return Value{kind: KindFloat, f: f} }
func String(s string) Value           { return Value{kind: KindString, s: s} }
func List(items []Value) Value        { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value    { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// Truthy: Null and Bool(false) are false; numbers use
// nonzero; strings/lists/maps use non-empty.
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
	case KindList:
		return len(v.list) > 0
	case KindMap:
		return len(v.m) > 0
	default:
		return false
	}
}

// Field implements dot-field access on maps (a.b), erroring for other
// kinds.
func (v Value) Field(name string) (Value, error) {
	switch v.kind {
	case KindMap:
		if val, ok := v.m[name]; ok {
			return val, nil
		}
		return Null, nil
	case KindNull:
		return Null, nil
	default:
		return Null, &TypeError{Message: fmt.Sprintf("cannot access field %q on %s", name, v.kind)}
	}
}

// Index implements list[int]/map[string]/string[int] indexing.
func (v Value) Index(idx Value) (Value, error) {
	switch v.kind {
	case KindList:
		n, ok := idx.AsInt()
		if !ok {
			return Null, &TypeError{Message: "list index must be an int"}
		}
		if n < 0 || int(n) >= len(v.list) {
			return Null, nil
		}
		return v.list[n], nil
	case KindMap:
		key, ok := idx.AsString()
		if !ok {
			return Null, &TypeError{Message: "map index must be a string"}
		}
		if val, ok := v.m[key]; ok {
			return val, nil
		}
		return Null, nil
	case KindString:
		n, ok := idx.AsInt()
		if !ok {
			return Null, &TypeError{Message: "string index must be an int"}
		}
		runes := []rune(v.s)
		if n < 0 || int(n) >= len(runes) {
			return Null, nil
		}
		return String(string(runes[n])), nil
	default:
		return Null, &TypeError{Message: fmt.Sprintf("cannot index into %s", v.kind)}
	}
}

// NumericEqual compares two values for numeric equality within Epsilon
// when both are int/float, falling back to strict equality otherwise.
func NumericEqual(a, b Value) bool {
	af, aok := a.AsFloat()
	bf, bok := b.AsFloat()
	if aok && bok {
		return math.Abs(af-bf) < Epsilon
	}
	return Equal(a, b)
}

// Equal implements structural equality across the value domain.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		// int/float cross-type numeric equality is handled by NumericEqual;
		// plain Equal requires matching kinds otherwise.
		af, aok := a.AsFloat()
		bf, bok := b.AsFloat()
		if aok && bok && (a.kind == KindInt || a.kind == KindFloat) && (b.kind == KindInt || b.kind == KindFloat) {
			return math.Abs(af-bf) < Epsilon
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
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (v Value) String_() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindList:
		return fmt.Sprintf("%v", v.list)
	case KindMap:
		return fmt.Sprintf("%v", v.m)
	default:
		return ""
	}
}

// FromAny converts a generic JSON-decoded value (map[string]interface{},
// []interface{}, float64, string, bool, nil) into the Value domain.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			// JSON numbers decode as float64; keep whole numbers as Int
			// so StateCounter/type() behave predictably.
			return Int(int64(t))
		}
		return Float(t)
	case string:
		return String(t)
	case []any:
		out := make([]Value, len(t))
		for i, v := range t {
			out[i] = FromAny(v)
		}
		return List(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, v := range t {
			out[k] = FromAny(v)
		}
		return Map(out)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// ToAny converts a Value back into a plain Go value suitable for
// json.Marshal.
func (v Value) ToAny() any {
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
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}
