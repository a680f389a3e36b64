package document

import (
	"bytes"
	"cmp"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Kind identifies the concrete type stored in a Value.
type Kind uint8

const (
	// KindInvalid represents an invalid kind.
	KindInvalid Kind = iota
	// KindNull represents a null value.
	KindNull
	// KindBool represents a boolean value.
	KindBool
	// KindInt represents an integer value.
	KindInt
	// KindFloat represents a float value.
	KindFloat
	// KindString represents a string value.
	KindString
	// KindBytes represents a raw byte string.
	KindBytes
	// KindArray represents an array value.
	KindArray
	// KindMap represents a nested map value.
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
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is a typed field value.
//
// The representation avoids reflection: evaluation of predicates and the
// binary codec switch on Kind only.
type Value struct {
	Kind Kind
	I64  int64
	F64  float64
	B    bool
	A    []Value
	M    map[string]Value
	s    string
	raw  []byte
}

// Null returns a null Value.
func Null() Value { return Value{Kind: KindNull} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{Kind: KindBool, B: v} }

// Int returns an int64 Value.
func Int(v int64) Value { return Value{Kind: KindInt, I64: v} }

// Float returns a float64 Value.
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }

// String returns a string Value.
func String(v string) Value { return Value{Kind: KindString, s: v} }

// Bytes returns a byte string Value. The slice is not copied.
func Bytes(v []byte) Value { return Value{Kind: KindBytes, raw: v} }

// Array returns an array Value.
func Array(v ...Value) Value { return Value{Kind: KindArray, A: v} }

// Map returns a map Value.
func Map(v map[string]Value) Value { return Value{Kind: KindMap, M: v} }

// Vector returns an array Value of floats.
func Vector(v []float32) Value {
	arr := make([]Value, len(v))
	for i := range v {
		arr[i] = Float(float64(v[i]))
	}
	return Array(arr...)
}

// IsNull reports whether v is null or unset.
func (v Value) IsNull() bool { return v.Kind == KindNull || v.Kind == KindInvalid }

// IsNumber reports whether v is an Int or a Float.
func (v Value) IsNumber() bool { return v.Kind == KindInt || v.Kind == KindFloat }

// StringValue returns the string value if Kind is KindString, otherwise empty string.
func (v Value) StringValue() string {
	if v.Kind == KindString {
		return v.s
	}
	return ""
}

// AsBool returns the boolean value if Kind is KindBool.
func (v Value) AsBool() (bool, bool) {
	if v.Kind != KindBool {
		return false, false
	}
	return v.B, true
}

// AsInt64 returns the int64 value if Kind is KindInt.
func (v Value) AsInt64() (int64, bool) {
	if v.Kind != KindInt {
		return 0, false
	}
	return v.I64, true
}

// AsFloat64 returns the numeric value of an Int or Float.
func (v Value) AsFloat64() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.I64), true
	case KindFloat:
		return v.F64, true
	default:
		return 0, false
	}
}

// AsString returns the string value if Kind is KindString.
func (v Value) AsString() (string, bool) {
	if v.Kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsBytes returns the byte string if Kind is KindBytes.
func (v Value) AsBytes() ([]byte, bool) {
	if v.Kind != KindBytes {
		return nil, false
	}
	return v.raw, true
}

// AsArray returns the array value if Kind is KindArray.
func (v Value) AsArray() ([]Value, bool) {
	if v.Kind != KindArray {
		return nil, false
	}
	return v.A, true
}

// AsMap returns the map value if Kind is KindMap.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.Kind != KindMap {
		return nil, false
	}
	return v.M, true
}

// AsVector converts an array of numbers into a float32 vector.
func (v Value) AsVector() ([]float32, bool) {
	if v.Kind != KindArray {
		return nil, false
	}
	out := make([]float32, len(v.A))
	for i, item := range v.A {
		f, ok := item.AsFloat64()
		if !ok {
			return nil, false
		}
		out[i] = float32(f)
	}
	return out, true
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindBytes:
		v.raw = slices.Clone(v.raw)
	case KindArray:
		arr := make([]Value, len(v.A))
		for i := range v.A {
			arr[i] = v.A[i].Clone()
		}
		v.A = arr
	case KindMap:
		m := make(map[string]Value, len(v.M))
		for k, item := range v.M {
			m[k] = item.Clone()
		}
		v.M = m
	}
	return v
}

// rank orders kinds for Compare. Int and Float share a rank.
func (k Kind) rank() int {
	switch k {
	case KindNull, KindInvalid:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 2
	case KindString:
		return 3
	case KindBytes:
		return 4
	case KindArray:
		return 5
	default:
		return 6
	}
}

// Compare defines a total order over values.
//
// Values of different kinds order as null < bool < number < string < bytes <
// array < map. Ints and floats compare numerically.
func Compare(a, b Value) int {
	if ra, rb := a.Kind.rank(), b.Kind.rank(); ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch a.Kind {
	case KindNull, KindInvalid:
		return 0
	case KindBool:
		switch {
		case a.B == b.B:
			return 0
		case !a.B:
			return -1
		default:
			return 1
		}
	case KindInt, KindFloat:
		if a.Kind == KindInt && b.Kind == KindInt {
			return cmp.Compare(a.I64, b.I64)
		}
		fa, _ := a.AsFloat64()
		fb, _ := b.AsFloat64()
		return cmp.Compare(fa, fb)
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindBytes:
		return bytes.Compare(a.raw, b.raw)
	case KindArray:
		for i := 0; i < len(a.A) && i < len(b.A); i++ {
			if c := Compare(a.A[i], b.A[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(a.A), len(b.A))
	default:
		ka, kb := sortedKeys(a.M), sortedKeys(b.M)
		for i := 0; i < len(ka) && i < len(kb); i++ {
			if c := strings.Compare(ka[i], kb[i]); c != 0 {
				return c
			}
			if c := Compare(a.M[ka[i]], b.M[kb[i]]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(ka), len(kb))
	}
}

// Equal reports whether a and b hold the same value.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

// Key returns a stable string representation of v.
//
// It is used for canonical cache signatures and must stay stable.
func (v Value) Key() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.B {
			return "b:1"
		}
		return "b:0"
	case KindInt:
		return "i:" + strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return "f:" + strconv.FormatUint(math.Float64bits(v.F64), 16)
	case KindString:
		return "s:" + strconv.Quote(v.s)
	case KindBytes:
		return "x:" + strconv.Quote(string(v.raw))
	case KindArray:
		parts := make([]string, len(v.A))
		for i := range v.A {
			parts[i] = v.A[i].Key()
		}
		return "a:[" + strings.Join(parts, ",") + "]"
	case KindMap:
		keys := sortedKeys(v.M)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + "=" + v.M[k].Key()
		}
		return "m:{" + strings.Join(parts, ",") + "}"
	default:
		return "invalid"
	}
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	default:
		return v.Key()
	}
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
