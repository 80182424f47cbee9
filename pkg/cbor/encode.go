package cbor

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Major types.
const (
	majorUnsigned byte = 0
	majorNegative byte = 1
	majorBytes    byte = 2
	majorText     byte = 3
	majorArray    byte = 4
	majorMap      byte = 5
	majorTag      byte = 6
	majorSimple   byte = 7
)

// Additional-information values for the extended argument forms.
const (
	aiOneByte    byte = 0x18
	aiTwoBytes   byte = 0x19
	aiFourBytes  byte = 0x1a
	aiEightBytes byte = 0x1b
	aiIndefinite byte = 0x1f

	maxImmediate = 0x17
)

// Simple-value encodings in major type 7.
const (
	simpleFalse     byte = 0xf4
	simpleTrue      byte = 0xf5
	simpleNull      byte = 0xf6
	simpleUndefined byte = 0xf7
	simpleFloat16   byte = 0xf9
	simpleFloat32   byte = 0xfa
	simpleFloat64   byte = 0xfb
	breakMarker     byte = 0xff
)

// Encode returns the definite-length encoding of v.
func Encode(v Value) ([]byte, error) {
	return AppendEncode(nil, v)
}

// AppendEncode appends the encoding of v to dst.
func AppendEncode(dst []byte, v Value) ([]byte, error) {
	switch v.kind {
	case KindUnsigned:
		return appendHead(dst, majorUnsigned, v.num), nil
	case KindNegative:
		return appendHead(dst, majorNegative, v.num), nil
	case KindBytes:
		dst = appendHead(dst, majorBytes, uint64(len(v.str)))
		return append(dst, v.str...), nil
	case KindText:
		dst = appendHead(dst, majorText, uint64(len(v.str)))
		return append(dst, v.str...), nil
	case KindArray:
		dst = appendHead(dst, majorArray, uint64(len(v.items)))
		var err error
		for _, it := range v.items {
			if dst, err = AppendEncode(dst, it); err != nil {
				return dst, err
			}
		}
		return dst, nil
	case KindMap:
		dst = appendHead(dst, majorMap, uint64(len(v.pairs)))
		var err error
		for _, p := range v.pairs {
			if dst, err = AppendEncode(dst, p.Key); err != nil {
				return dst, err
			}
			if dst, err = AppendEncode(dst, p.Value); err != nil {
				return dst, err
			}
		}
		return dst, nil
	case KindBool:
		if v.num == 1 {
			return append(dst, simpleTrue), nil
		}
		return append(dst, simpleFalse), nil
	case KindNull:
		return append(dst, simpleNull), nil
	case KindUndefined:
		return append(dst, simpleUndefined), nil
	case KindFloat:
		return appendFloat(dst, v.f, v.width), nil
	default:
		return dst, &EncodeError{Kind: v.kind, Err: ErrUnsupportedConstruct}
	}
}

// appendHead writes the initial byte and argument using the smallest form
// that holds arg.
func appendHead(dst []byte, major byte, arg uint64) []byte {
	mt := major << 5
	switch {
	case arg <= maxImmediate:
		return append(dst, mt|byte(arg))
	case arg <= math.MaxUint8:
		return append(dst, mt|aiOneByte, byte(arg))
	case arg <= math.MaxUint16:
		dst = append(dst, mt|aiTwoBytes)
		return binary.BigEndian.AppendUint16(dst, uint16(arg))
	case arg <= math.MaxUint32:
		dst = append(dst, mt|aiFourBytes)
		return binary.BigEndian.AppendUint32(dst, uint32(arg))
	default:
		dst = append(dst, mt|aiEightBytes)
		return binary.BigEndian.AppendUint64(dst, arg)
	}
}

func appendFloat(dst []byte, f float64, width uint8) []byte {
	switch width {
	case 2:
		dst = append(dst, simpleFloat16)
		return binary.BigEndian.AppendUint16(dst, float16.Fromfloat32(float32(f)).Bits())
	case 4:
		dst = append(dst, simpleFloat32)
		return binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(f)))
	default:
		dst = append(dst, simpleFloat64)
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(f))
	}
}

// HeadSize returns the number of bytes appendHead uses for arg.
func HeadSize(arg uint64) int {
	switch {
	case arg <= maxImmediate:
		return 1
	case arg <= math.MaxUint8:
		return 2
	case arg <= math.MaxUint16:
		return 3
	case arg <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}
