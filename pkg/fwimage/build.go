package fwimage

import (
	"crypto/sha256"
	"encoding/binary"
)

// Build assembles a v1 image from payload: header, payload, and a TLV
// trailer holding the SHA-256 of header and payload.
func Build(v Version, payload []byte) []byte {
	const trailer = tlvHeaderSize + sha256Size

	buf := make([]byte, HeaderSize, HeaderSize+len(payload)+trailer)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], MagicV1)
	le.PutUint16(buf[4:6], trailer)
	le.PutUint16(buf[8:10], HeaderSize)
	le.PutUint32(buf[12:16], uint32(len(payload)))
	buf[20] = v.Major
	buf[21] = v.Minor
	le.PutUint16(buf[22:24], v.Revision)
	le.PutUint32(buf[24:28], v.Build)
	buf = append(buf, payload...)

	sum := sha256.Sum256(buf)
	buf = append(buf, TLVSHA256V1, 0, sha256Size, 0)
	return append(buf, sum[:]...)
}
