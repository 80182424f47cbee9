package cbor

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/x448/float16"
)

// Decode decodes one data item from the start of data and returns it with
// the number of bytes consumed.
//
// Truncated or malformed input fails with no value. Invalid UTF-8 in a text
// string is recorded as a KindError value at that position; the rest of the
// item is still decoded, and the first such error is returned alongside the
// partial value.
func Decode(data []byte) (Value, int, error) {
	d := decoder{data: data}
	v, err := d.item()
	if err != nil {
		return Value{}, 0, err
	}
	if err := v.Err(); err != nil {
		return v, d.pos, err
	}
	return v, d.pos, nil
}

// DecodeAll decodes data that must hold exactly one item.
func DecodeAll(data []byte) (Value, error) {
	v, n, err := Decode(data)
	if err != nil {
		return v, err
	}
	if n != len(data) {
		return v, &DecodeError{Offset: n, Err: ErrMalformedStructure, Detail: "trailing bytes"}
	}
	return v, nil
}

type decoder struct {
	data  []byte
	pos   int
	depth int
}

// head is a parsed initial byte and argument.
type head struct {
	major      byte
	ai         byte
	arg        uint64
	indefinite bool
	offset     int
}

func (d *decoder) fail(offset int, err error, detail string) error {
	return &DecodeError{Offset: offset, Err: err, Detail: detail}
}

func (d *decoder) remaining() int {
	return len(d.data) - d.pos
}

func (d *decoder) readHead() (head, error) {
	h := head{offset: d.pos}
	if d.remaining() < 1 {
		return h, d.fail(d.pos, ErrTruncatedInput, "missing initial byte")
	}
	ib := d.data[d.pos]
	d.pos++
	h.major = ib >> 5
	h.ai = ib & 0x1f

	switch {
	case h.ai <= maxImmediate:
		h.arg = uint64(h.ai)
	case h.ai == aiOneByte:
		if d.remaining() < 1 {
			return h, d.fail(h.offset, ErrTruncatedInput, "1-byte argument")
		}
		h.arg = uint64(d.data[d.pos])
		d.pos++
	case h.ai == aiTwoBytes:
		if d.remaining() < 2 {
			return h, d.fail(h.offset, ErrTruncatedInput, "2-byte argument")
		}
		h.arg = uint64(binary.BigEndian.Uint16(d.data[d.pos:]))
		d.pos += 2
	case h.ai == aiFourBytes:
		if d.remaining() < 4 {
			return h, d.fail(h.offset, ErrTruncatedInput, "4-byte argument")
		}
		h.arg = uint64(binary.BigEndian.Uint32(d.data[d.pos:]))
		d.pos += 4
	case h.ai == aiEightBytes:
		if d.remaining() < 8 {
			return h, d.fail(h.offset, ErrTruncatedInput, "8-byte argument")
		}
		h.arg = binary.BigEndian.Uint64(d.data[d.pos:])
		d.pos += 8
	case h.ai == aiIndefinite:
		switch h.major {
		case majorBytes, majorText, majorArray, majorMap, majorSimple:
			h.indefinite = true
		default:
			return h, d.fail(h.offset, ErrMalformedStructure, "indefinite length on major type "+majorName(h.major))
		}
	default:
		return h, d.fail(h.offset, ErrMalformedStructure, "reserved additional information")
	}
	return h, nil
}

// isBreak reports whether h is the break stop code.
func (h head) isBreak() bool {
	return h.major == majorSimple && h.indefinite
}

func (d *decoder) item() (Value, error) {
	h, err := d.readHead()
	if err != nil {
		return Value{}, err
	}
	if h.isBreak() {
		return Value{}, d.fail(h.offset, ErrMalformedStructure, "unexpected break")
	}
	return d.itemWithHead(h)
}

func (d *decoder) itemWithHead(h head) (Value, error) {
	switch h.major {
	case majorUnsigned:
		return Uint(h.arg), nil
	case majorNegative:
		return NegInt(h.arg), nil
	case majorBytes, majorText:
		return d.str(h)
	case majorArray:
		return d.array(h)
	case majorMap:
		return d.mapItem(h)
	case majorTag:
		if err := d.enter(h.offset); err != nil {
			return Value{}, err
		}
		defer d.leave()
		content, err := d.item()
		if err != nil {
			return Value{}, err
		}
		return Tag(h.arg, content), nil
	default:
		return d.simple(h)
	}
}

func (d *decoder) enter(offset int) error {
	d.depth++
	if d.depth > maxNesting {
		return d.fail(offset, ErrMalformedStructure, "nesting too deep")
	}
	return nil
}

func (d *decoder) leave() {
	d.depth--
}

// chunk reads the contents of one definite-length string.
func (d *decoder) chunk(h head) ([]byte, error) {
	if h.arg > uint64(d.remaining()) {
		return nil, d.fail(h.offset, ErrTruncatedInput, "string shorter than declared length")
	}
	n := int(h.arg)
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) str(h head) (Value, error) {
	var contents []byte
	valid := true

	if !h.indefinite {
		b, err := d.chunk(h)
		if err != nil {
			return Value{}, err
		}
		contents = append([]byte{}, b...)
		valid = h.major != majorText || utf8.Valid(b)
	} else {
		contents = []byte{}
		for {
			ch, err := d.readHead()
			if err != nil {
				return Value{}, err
			}
			if ch.isBreak() {
				break
			}
			if ch.major != h.major || ch.indefinite {
				return Value{}, d.fail(ch.offset, ErrMalformedStructure,
					"chunk of type "+majorName(ch.major)+" inside indefinite "+majorName(h.major))
			}
			b, err := d.chunk(ch)
			if err != nil {
				return Value{}, err
			}
			if h.major == majorText && !utf8.Valid(b) {
				valid = false
			}
			contents = append(contents, b...)
		}
	}

	if h.major == majorBytes {
		return Value{kind: KindBytes, str: contents}, nil
	}
	if !valid {
		return errorValue(d.fail(h.offset, ErrInvalidUTF8, "")), nil
	}
	return Value{kind: KindText, str: contents}, nil
}

func (d *decoder) array(h head) (Value, error) {
	if err := d.enter(h.offset); err != nil {
		return Value{}, err
	}
	defer d.leave()

	if !h.indefinite {
		// Every item takes at least one byte.
		if h.arg > uint64(d.remaining()) {
			return Value{}, d.fail(h.offset, ErrTruncatedInput, "array shorter than declared length")
		}
		items := make([]Value, 0, int(h.arg))
		for i := uint64(0); i < h.arg; i++ {
			it, err := d.item()
			if err != nil {
				return Value{}, err
			}
			items = append(items, it)
		}
		return Value{kind: KindArray, items: items}, nil
	}

	items := []Value{}
	for {
		ih, err := d.readHead()
		if err != nil {
			return Value{}, err
		}
		if ih.isBreak() {
			return Value{kind: KindArray, items: items}, nil
		}
		it, err := d.itemWithHead(ih)
		if err != nil {
			return Value{}, err
		}
		items = append(items, it)
	}
}

func (d *decoder) mapItem(h head) (Value, error) {
	if err := d.enter(h.offset); err != nil {
		return Value{}, err
	}
	defer d.leave()

	if !h.indefinite {
		if h.arg > uint64(d.remaining())/2 {
			return Value{}, d.fail(h.offset, ErrTruncatedInput, "map shorter than declared length")
		}
		b := newMapBuilder(int(h.arg))
		for i := uint64(0); i < h.arg; i++ {
			k, err := d.item()
			if err != nil {
				return Value{}, err
			}
			v, err := d.item()
			if err != nil {
				return Value{}, err
			}
			b.set(k, v)
		}
		return b.value(), nil
	}

	b := newMapBuilder(0)
	for {
		kh, err := d.readHead()
		if err != nil {
			return Value{}, err
		}
		if kh.isBreak() {
			return b.value(), nil
		}
		k, err := d.itemWithHead(kh)
		if err != nil {
			return Value{}, err
		}
		vh, err := d.readHead()
		if err != nil {
			return Value{}, err
		}
		if vh.isBreak() {
			return Value{}, d.fail(vh.offset, ErrMalformedStructure, "break in place of map value")
		}
		v, err := d.itemWithHead(vh)
		if err != nil {
			return Value{}, err
		}
		b.set(k, v)
	}
}

func (d *decoder) simple(h head) (Value, error) {
	switch h.ai {
	case 20:
		return Bool(false), nil
	case 21:
		return Bool(true), nil
	case 22:
		return Null(), nil
	case 23:
		return Undefined(), nil
	case aiOneByte:
		if h.arg < 32 {
			return Value{}, d.fail(h.offset, ErrMalformedStructure, "two-byte simple value below 32")
		}
		return Simple(uint8(h.arg)), nil
	case aiTwoBytes:
		return Float16(float16.Frombits(uint16(h.arg)).Float32()), nil
	case aiFourBytes:
		return Float32(math.Float32frombits(uint32(h.arg))), nil
	case aiEightBytes:
		return Float64(math.Float64frombits(h.arg)), nil
	default:
		return Simple(uint8(h.arg)), nil
	}
}

func majorName(m byte) string {
	switch m {
	case majorUnsigned:
		return "unsigned"
	case majorNegative:
		return "negative"
	case majorBytes:
		return "bytes"
	case majorText:
		return "text"
	case majorArray:
		return "array"
	case majorMap:
		return "map"
	case majorTag:
		return "tag"
	default:
		return "simple"
	}
}
