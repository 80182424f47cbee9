package cbor

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"math"
)

// Equal reports whether a and b are semantically equal.
//
// Maps compare as unordered sets of entries. Floats compare by value
// regardless of encoded width, and NaN equals NaN. Error values are equal
// when their messages are.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull, KindUndefined:
		return true
	case KindUnsigned, KindNegative, KindBool, KindSimple:
		return a.num == b.num
	case KindBytes, KindText:
		return bytes.Equal(a.str, b.str)
	case KindFloat:
		if math.IsNaN(a.f) && math.IsNaN(b.f) {
			return true
		}
		return a.f == b.f
	case KindArray:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case KindTag:
		if a.num != b.num || len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.pairs) != len(b.pairs) {
			return false
		}
		for _, p := range a.pairs {
			other, ok := b.Get(p.Key)
			if !ok || !Equal(p.Value, other) {
				return false
			}
		}
		return true
	case KindError:
		return errString(a.err) == errString(b.err)
	default:
		return false
	}
}

// Hash returns a structural hash of v consistent with Equal.
func Hash(v Value) uint64 {
	h := fnv.New64a()
	var scratch [9]byte
	scratch[0] = byte(v.kind)

	switch v.kind {
	case KindUnsigned, KindNegative, KindBool, KindSimple:
		binary.BigEndian.PutUint64(scratch[1:], v.num)
		h.Write(scratch[:])
	case KindBytes, KindText:
		h.Write(scratch[:1])
		h.Write(v.str)
	case KindFloat:
		f := v.f
		switch {
		case math.IsNaN(f):
			f = math.NaN()
		case f == 0:
			f = 0 // fold -0 into +0
		}
		binary.BigEndian.PutUint64(scratch[1:], math.Float64bits(f))
		h.Write(scratch[:])
	case KindArray, KindTag:
		binary.BigEndian.PutUint64(scratch[1:], v.num)
		h.Write(scratch[:])
		for _, it := range v.items {
			binary.BigEndian.PutUint64(scratch[1:], Hash(it))
			h.Write(scratch[1:])
		}
	case KindMap:
		// Entry hashes are summed so insertion order does not matter.
		var sum uint64
		for _, p := range v.pairs {
			sum += mix(Hash(p.Key), Hash(p.Value))
		}
		binary.BigEndian.PutUint64(scratch[1:], sum)
		h.Write(scratch[:])
	case KindError:
		h.Write(scratch[:1])
		h.Write([]byte(errString(v.err)))
	default:
		h.Write(scratch[:1])
	}
	return h.Sum64()
}

func mix(k, v uint64) uint64 {
	x := k*0x9e3779b97f4a7c15 ^ v
	x ^= x >> 31
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	return x
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
