package cbor

import (
	"encoding/hex"
	"strconv"
	"strings"
)

// String returns v in CBOR diagnostic notation (RFC 8949 section 8).
func (v Value) String() string {
	var sb strings.Builder
	writeDiag(&sb, v)
	return sb.String()
}

func writeDiag(sb *strings.Builder, v Value) {
	switch v.kind {
	case KindUnsigned:
		sb.WriteString(strconv.FormatUint(v.num, 10))
	case KindNegative:
		if i, ok := v.AsInt(); ok {
			sb.WriteString(strconv.FormatInt(i, 10))
		} else {
			sb.WriteString("-1-")
			sb.WriteString(strconv.FormatUint(v.num, 10))
		}
	case KindBytes:
		sb.WriteString("h'")
		sb.WriteString(hex.EncodeToString(v.str))
		sb.WriteString("'")
	case KindText:
		sb.WriteString(strconv.Quote(string(v.str)))
	case KindArray:
		sb.WriteByte('[')
		for i, it := range v.items {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeDiag(sb, it)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, p := range v.pairs {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeDiag(sb, p.Key)
			sb.WriteString(": ")
			writeDiag(sb, p.Value)
		}
		sb.WriteByte('}')
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.num == 1))
	case KindNull:
		sb.WriteString("null")
	case KindUndefined:
		sb.WriteString("undefined")
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
		switch v.width {
		case 2:
			sb.WriteString("_1")
		case 4:
			sb.WriteString("_2")
		}
	case KindTag:
		sb.WriteString(strconv.FormatUint(v.num, 10))
		sb.WriteByte('(')
		if len(v.items) == 1 {
			writeDiag(sb, v.items[0])
		}
		sb.WriteByte(')')
	case KindSimple:
		sb.WriteString("simple(")
		sb.WriteString(strconv.FormatUint(v.num, 10))
		sb.WriteByte(')')
	case KindError:
		sb.WriteString("<error: ")
		sb.WriteString(errString(v.err))
		sb.WriteByte('>')
	}
}
