package cbor

import (
	"math"

	"github.com/x448/float16"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	// KindNull is the zero Kind, so the zero Value is CBOR null.
	KindNull Kind = iota
	KindUnsigned
	KindNegative
	KindBytes
	KindText
	KindArray
	KindMap
	KindBool
	KindUndefined
	KindFloat
	KindTag
	KindSimple
	KindError
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindUnsigned:
		return "unsigned"
	case KindNegative:
		return "negative"
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindBool:
		return "bool"
	case KindUndefined:
		return "undefined"
	case KindFloat:
		return "float"
	case KindTag:
		return "tag"
	case KindSimple:
		return "simple"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Value is a decoded or to-be-encoded CBOR data item.
// Values are immutable once built; the zero Value is null.
type Value struct {
	kind Kind

	// num holds the unsigned value, the negative magnitude, the tag number,
	// the simple value, or 0/1 for booleans.
	num uint64

	f     float64
	width uint8 // float width in bytes: 2, 4 or 8

	str   []byte  // byte or text string contents
	items []Value // array items, or the single tagged item
	pairs []Pair  // map entries, unique keys, insertion order

	err error
}

// Pair is one map entry.
type Pair struct {
	Key   Value
	Value Value
}

// Uint returns an unsigned integer value (major type 0).
func Uint(u uint64) Value {
	return Value{kind: KindUnsigned, num: u}
}

// NegInt returns a negative integer from its encoded magnitude (major type 1).
// The semantic value is -magnitude-1.
func NegInt(magnitude uint64) Value {
	return Value{kind: KindNegative, num: magnitude}
}

// Int returns the integer value i, choosing major type 0 or 1.
func Int(i int64) Value {
	if i >= 0 {
		return Uint(uint64(i))
	}
	return NegInt(uint64(-(i + 1)))
}

// Bytes returns a byte string value. The slice is copied.
func Bytes(b []byte) Value {
	return Value{kind: KindBytes, str: append([]byte{}, b...)}
}

// Text returns a text string value.
func Text(s string) Value {
	return Value{kind: KindText, str: []byte(s)}
}

// Array returns an array value.
func Array(items ...Value) Value {
	return Value{kind: KindArray, items: append([]Value{}, items...)}
}

// Map returns a map value. Later pairs replace earlier pairs with an equal key.
func Map(pairs ...Pair) Value {
	b := newMapBuilder(len(pairs))
	for _, p := range pairs {
		b.set(p.Key, p.Value)
	}
	return b.value()
}

// KV returns a map pair with a text key.
func KV(key string, v Value) Pair {
	return Pair{Key: Text(key), Value: v}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Null returns the null value.
func Null() Value {
	return Value{}
}

// Undefined returns the undefined value.
func Undefined() Value {
	return Value{kind: KindUndefined}
}

// Float16 returns a half-precision float value. f is rounded to the nearest
// half-precision value, so the result encodes without loss.
func Float16(f float32) Value {
	return Value{kind: KindFloat, f: float64(float16.Fromfloat32(f).Float32()), width: 2}
}

// Float32 returns a single-precision float value.
func Float32(f float32) Value {
	return Value{kind: KindFloat, f: float64(f), width: 4}
}

// Float64 returns a double-precision float value.
func Float64(f float64) Value {
	return Value{kind: KindFloat, f: f, width: 8}
}

// Tag returns a tagged item. Tagged items decode but do not encode.
func Tag(number uint64, content Value) Value {
	return Value{kind: KindTag, num: number, items: []Value{content}}
}

// Simple returns a simple value other than false/true/null/undefined.
// Simple values decode but do not encode.
func Simple(n uint8) Value {
	return Value{kind: KindSimple, num: uint64(n)}
}

// errorValue marks a subtree that failed to decode.
func errorValue(err error) Value {
	return Value{kind: KindError, err: err}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether v is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// AsUint returns the value of an unsigned integer.
func (v Value) AsUint() (uint64, bool) {
	if v.kind != KindUnsigned {
		return 0, false
	}
	return v.num, true
}

// AsInt returns the value of an integer of either sign if it fits an int64.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindUnsigned:
		if v.num > math.MaxInt64 {
			return 0, false
		}
		return int64(v.num), true
	case KindNegative:
		if v.num > math.MaxInt64 {
			return 0, false
		}
		return -int64(v.num) - 1, true
	default:
		return 0, false
	}
}

// NegativeMagnitude returns the encoded magnitude of a negative integer.
func (v Value) NegativeMagnitude() (uint64, bool) {
	if v.kind != KindNegative {
		return 0, false
	}
	return v.num, true
}

// AsBytes returns the contents of a byte string.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.str, true
}

// AsText returns the contents of a text string.
func (v Value) AsText() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return string(v.str), true
}

// AsBool returns the value of a boolean.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.num == 1, true
}

// AsFloat returns the value of a float of any width.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

// FloatWidth returns the encoded width of a float in bytes (2, 4 or 8).
func (v Value) FloatWidth() int {
	return int(v.width)
}

// TagNumber returns the tag number and tagged item of a tag value.
func (v Value) TagNumber() (uint64, Value, bool) {
	if v.kind != KindTag || len(v.items) != 1 {
		return 0, Value{}, false
	}
	return v.num, v.items[0], true
}

// SimpleValue returns the number of a simple value.
func (v Value) SimpleValue() (uint8, bool) {
	if v.kind != KindSimple {
		return 0, false
	}
	return uint8(v.num), true
}

// Items returns the items of an array, or nil.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.items
}

// Pairs returns the entries of a map in insertion order, or nil.
func (v Value) Pairs() []Pair {
	if v.kind != KindMap {
		return nil
	}
	return v.pairs
}

// Len returns the number of items of an array or entries of a map, or the
// length of a string.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.items)
	case KindMap:
		return len(v.pairs)
	case KindBytes, KindText:
		return len(v.str)
	default:
		return 0
	}
}

// Get looks up key in a map.
func (v Value) Get(key Value) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	for _, p := range v.pairs {
		if Equal(p.Key, key) {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Lookup looks up a text key in a map.
func (v Value) Lookup(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	for _, p := range v.pairs {
		if p.Key.kind == KindText && string(p.Key.str) == key {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Err returns the first decode error recorded in v or its subtree.
func (v Value) Err() error {
	switch v.kind {
	case KindError:
		return v.err
	case KindArray, KindTag:
		for _, it := range v.items {
			if err := it.Err(); err != nil {
				return err
			}
		}
	case KindMap:
		for _, p := range v.pairs {
			if err := p.Key.Err(); err != nil {
				return err
			}
			if err := p.Value.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// mapBuilder accumulates map entries with last-write-wins semantics.
type mapBuilder struct {
	pairs []Pair
	index map[uint64][]int
}

func newMapBuilder(capacity int) *mapBuilder {
	return &mapBuilder{
		pairs: make([]Pair, 0, capacity),
		index: make(map[uint64][]int, capacity),
	}
}

func (b *mapBuilder) set(key, val Value) {
	h := Hash(key)
	for _, i := range b.index[h] {
		if Equal(b.pairs[i].Key, key) {
			b.pairs[i].Value = val
			return
		}
	}
	b.index[h] = append(b.index[h], len(b.pairs))
	b.pairs = append(b.pairs, Pair{Key: key, Value: val})
}

func (b *mapBuilder) value() Value {
	return Value{kind: KindMap, pairs: b.pairs}
}
