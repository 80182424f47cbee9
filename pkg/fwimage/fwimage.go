// Package fwimage parses MCUboot firmware image headers and their TLV trailer.
//
// Layout (little-endian):
//
//	0   magic        u32
//	4   tlv size     u16
//	6   key id       u8
//	7   pad          u8
//	8   header size  u16
//	10  pad          u16
//	12  image size   u32
//	16  flags        u32
//	20  version      major u8, minor u8, revision u16, build u32
//	28  pad          u32
//
// The TLV trailer starts at header size + image size. Each record is
// {type u8, pad u8, length u16} followed by length bytes. Images with the
// newer magic prefix the trailer with a {magic u16, total u16} info header.
package fwimage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the fixed image header.
const HeaderSize = 32

// Image magics.
const (
	MagicV1 uint32 = 0x96f3b83c
	MagicV2 uint32 = 0x96f3b83d

	// MagicErased is what an erased flash slot reads as.
	MagicErased uint32 = 0xffffffff
)

// TLV info header magics used by MagicV2 images.
const (
	tlvInfoMagic          uint16 = 0x6907
	tlvProtectedInfoMagic uint16 = 0x6908
	tlvInfoSize                  = 4
)

// TLV types.
const (
	TLVSHA256V1 uint8 = 0x01
	TLVSHA256V2 uint8 = 0x10
)

const (
	tlvHeaderSize  = 4
	sha256Size     = 32
	sentinelType   = 0xff
	sentinelLength = 0xffff
)

// ErrImageInvalid indicates data that is not a parseable firmware image.
var ErrImageInvalid = errors.New("invalid firmware image")

// InvalidMagicError is returned when the header magic is wrong.
type InvalidMagicError struct {
	Magic uint32

	// Erased is set when the magic reads as erased flash.
	Erased bool
}

func (e *InvalidMagicError) Error() string {
	if e.Erased {
		return fmt.Sprintf("image header is erased flash (magic 0x%08x)", e.Magic)
	}
	return fmt.Sprintf("bad image magic 0x%08x", e.Magic)
}

func (e *InvalidMagicError) Unwrap() error {
	return ErrImageInvalid
}

// Version is the semantic image version.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

// String formats the version as major.minor.revision.build.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Revision, v.Build)
}

// Header is the fixed image header.
type Header struct {
	Magic      uint32
	TLVSize    uint16
	KeyID      uint8
	HeaderSize uint16
	ImageSize  uint32
	Flags      uint32
	Version    Version
}

// TLV is one trailer record.
type TLV struct {
	Type uint8
	Data []byte
}

// Image is a parsed firmware image.
type Image struct {
	Header Header

	// Hash is the SHA-256 from the trailer, empty when the image has none.
	Hash []byte

	TLVs []TLV
}

// ParseHeader decodes the fixed header at the start of data.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d for the header", ErrImageInvalid, len(data), HeaderSize)
	}

	le := binary.LittleEndian
	h := &Header{
		Magic:      le.Uint32(data[0:4]),
		TLVSize:    le.Uint16(data[4:6]),
		KeyID:      data[6],
		HeaderSize: le.Uint16(data[8:10]),
		ImageSize:  le.Uint32(data[12:16]),
		Flags:      le.Uint32(data[16:20]),
		Version: Version{
			Major:    data[20],
			Minor:    data[21],
			Revision: le.Uint16(data[22:24]),
			Build:    le.Uint32(data[24:28]),
		},
	}

	switch h.Magic {
	case MagicV1, MagicV2:
		return h, nil
	default:
		return nil, &InvalidMagicError{Magic: h.Magic, Erased: h.Magic == MagicErased}
	}
}

// Parse decodes the header and scans the TLV trailer for the image hash.
// A missing hash record is not an error.
func Parse(data []byte) (*Image, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	img := &Image{Header: *h}

	start := int(h.HeaderSize) + int(h.ImageSize)
	if start > len(data) {
		return img, nil
	}

	if h.Magic == MagicV2 {
		img.TLVs = scanInfoAreas(data, start)
	} else {
		end := min(start+int(h.TLVSize), len(data))
		img.TLVs = scanTLVs(data[start:end])
	}

	for _, tlv := range img.TLVs {
		if (tlv.Type == TLVSHA256V1 || tlv.Type == TLVSHA256V2) && len(tlv.Data) == sha256Size {
			img.Hash = tlv.Data
			break
		}
	}
	return img, nil
}

// scanTLVs walks records until the sentinel or the end of the region.
func scanTLVs(region []byte) []TLV {
	var tlvs []TLV
	off := 0
	for off+tlvHeaderSize <= len(region) {
		typ := region[off]
		length := binary.LittleEndian.Uint16(region[off+2 : off+4])
		if typ == sentinelType && length == sentinelLength {
			break
		}
		next := off + tlvHeaderSize + int(length)
		if next > len(region) {
			break
		}
		tlvs = append(tlvs, TLV{
			Type: typ,
			Data: append([]byte{}, region[off+tlvHeaderSize:next]...),
		})
		off = next
	}
	return tlvs
}

// scanInfoAreas walks the optional protected area and the main TLV area.
// Each area starts with a {magic, total length} info header where total
// includes the info header itself.
func scanInfoAreas(data []byte, start int) []TLV {
	var tlvs []TLV
	off := start
	for off+tlvInfoSize <= len(data) {
		magic := binary.LittleEndian.Uint16(data[off : off+2])
		if magic != tlvInfoMagic && magic != tlvProtectedInfoMagic {
			break
		}
		total := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		if total < tlvInfoSize {
			break
		}
		end := min(off+total, len(data))
		tlvs = append(tlvs, scanTLVs(data[off+tlvInfoSize:end])...)
		off += total
		if magic == tlvInfoMagic {
			break
		}
	}
	return tlvs
}
