// Package packet encodes and decodes SMP management packets.
//
// A packet is an 8-byte header followed by a CBOR body:
//
//	byte 0     version (bits 3-4) | opcode (bits 0-2)
//	byte 1     flags
//	byte 2-3   body length, big-endian
//	byte 4-5   group, big-endian
//	byte 6     sequence number
//	byte 7     command id
//
// Device firmware keeps the length and group fields in host (little-endian)
// order and swaps them on the wire, so both fields are always written and
// read big-endian here.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the fixed packet header in bytes.
const HeaderSize = 8

// ErrInvalidHeader indicates a header that is too short or carries an
// opcode, flag or group value outside the defined ranges.
var ErrInvalidHeader = errors.New("invalid packet header")

// Op is the packet opcode.
type Op uint8

const (
	OpRead          Op = 0
	OpReadResponse  Op = 1
	OpWrite         Op = 2
	OpWriteResponse Op = 3
)

// String returns the opcode name.
func (o Op) String() string {
	switch o {
	case OpRead:
		return "READ"
	case OpReadResponse:
		return "READ_RSP"
	case OpWrite:
		return "WRITE"
	case OpWriteResponse:
		return "WRITE_RSP"
	default:
		return "UNKNOWN"
	}
}

// Response returns the opcode a device answers op with.
func (o Op) Response() Op {
	switch o {
	case OpRead:
		return OpReadResponse
	case OpWrite:
		return OpWriteResponse
	default:
		return o
	}
}

// IsResponse reports whether o is a response opcode.
func (o Op) IsResponse() bool {
	return o == OpReadResponse || o == OpWriteResponse
}

// Valid reports whether o is a defined opcode.
func (o Op) Valid() bool {
	return o <= OpWriteResponse
}

// Flags is the header flag bitfield.
type Flags uint8

const (
	// FlagResponseComplete marks the final packet of a response.
	FlagResponseComplete Flags = 1 << 0

	knownFlags = FlagResponseComplete
)

// Version is the SMP protocol version carried in bits 3-4 of byte 0.
type Version uint8

const (
	VersionLegacy Version = 0
	VersionV2     Version = 1
)

// Group namespaces command ids.
type Group uint16

const (
	GroupDefault Group = 0
	GroupImage   Group = 1
	GroupStats   Group = 2
	GroupConfig  Group = 3
	GroupLogs    Group = 4
	GroupCrash   Group = 5
	GroupSplit   Group = 6
	GroupRun     Group = 7
	GroupFS      Group = 8
	GroupShell   Group = 9

	// GroupPerUser is the first group id available to applications.
	GroupPerUser Group = 64
)

// String returns the group name.
func (g Group) String() string {
	switch g {
	case GroupDefault:
		return "DEFAULT"
	case GroupImage:
		return "IMAGE"
	case GroupStats:
		return "STATS"
	case GroupConfig:
		return "CONFIG"
	case GroupLogs:
		return "LOGS"
	case GroupCrash:
		return "CRASH"
	case GroupSplit:
		return "SPLIT"
	case GroupRun:
		return "RUN"
	case GroupFS:
		return "FS"
	case GroupShell:
		return "SHELL"
	default:
		if g >= GroupPerUser {
			return fmt.Sprintf("USER(%d)", uint16(g))
		}
		return "UNKNOWN"
	}
}

// Valid reports whether g is a defined group or in the per-user range.
func (g Group) Valid() bool {
	return g <= GroupShell || g >= GroupPerUser
}

// Packet is one management packet.
type Packet struct {
	Version Version
	Op      Op
	Flags   Flags

	// Length is the body length declared in the header. On decode it may be
	// larger than len(Body) when the body arrives in several fragments.
	Length uint16

	Group    Group
	Sequence uint8
	ID       uint8
	Body     []byte
}

// New returns a packet carrying body with Length set from len(body).
func New(op Op, group Group, id uint8, body []byte) *Packet {
	return &Packet{
		Op:     op,
		Length: uint16(len(body)),
		Group:  group,
		ID:     id,
		Body:   body,
	}
}

// String returns a short description for logs.
func (p *Packet) String() string {
	return fmt.Sprintf("%s %s/%d seq=%d len=%d", p.Op, p.Group, p.ID, p.Sequence, p.Length)
}

// Encode returns the wire form of p. The length field is taken from len(p.Body).
func Encode(p *Packet) ([]byte, error) {
	if len(p.Body) > 0xffff {
		return nil, fmt.Errorf("packet body too large: %d bytes", len(p.Body))
	}
	if !p.Op.Valid() {
		return nil, fmt.Errorf("%w: opcode %d", ErrInvalidHeader, p.Op)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(p.Body))
	buf[0] = byte(p.Version&0x03)<<3 | byte(p.Op)
	buf[1] = byte(p.Flags)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Body)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(p.Group))
	buf[6] = p.Sequence
	buf[7] = p.ID
	return append(buf, p.Body...), nil
}

// Decode parses a packet header and as much of the body as data holds.
// The body is clipped to min(declared length, len(data)-HeaderSize) and the
// declared length is kept in Length.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(data), HeaderSize)
	}

	b0 := data[0]
	if b0&0xe0 != 0 {
		return nil, fmt.Errorf("%w: reserved bits set in byte 0 (0x%02x)", ErrInvalidHeader, b0)
	}
	op := Op(b0 & 0x07)
	if !op.Valid() {
		return nil, fmt.Errorf("%w: opcode %d", ErrInvalidHeader, op)
	}
	flags := Flags(data[1])
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: flags 0x%02x", ErrInvalidHeader, uint8(flags))
	}
	group := Group(binary.BigEndian.Uint16(data[4:6]))
	if !group.Valid() {
		return nil, fmt.Errorf("%w: group %d", ErrInvalidHeader, uint16(group))
	}

	length := binary.BigEndian.Uint16(data[2:4])
	available := len(data) - HeaderSize
	n := int(length)
	if n > available {
		n = available
	}

	return &Packet{
		Version:  Version((b0 >> 3) & 0x03),
		Op:       op,
		Flags:    flags,
		Length:   length,
		Group:    group,
		Sequence: data[6],
		ID:       data[7],
		Body:     append([]byte{}, data[HeaderSize:HeaderSize+n]...),
	}, nil
}
