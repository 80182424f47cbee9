// Package cbor implements the subset of CBOR (RFC 7049 / RFC 8949) used by the
// SMP management protocol.
//
// Values are represented by the closed Value type: unsigned and negative
// integers, byte strings, text strings, arrays, maps, booleans, null,
// undefined, half/single/double floats, plus tagged items and simple values
// that the decoder accepts but the encoder refuses.
//
// # Encoding
//
// Encode always emits definite-length items and selects the minimal integer
// head for every length and value:
//
//	value <= 23          immediate (1 byte)
//	value <= 0xff        0x18 + 1 byte
//	value <= 0xffff      0x19 + 2 bytes
//	value <= 0xffffffff  0x1a + 4 bytes
//	otherwise            0x1b + 8 bytes
//
// Tagged items and simple values other than false/true/null/undefined fail
// with ErrUnsupportedConstruct instead of being dropped.
//
// # Decoding
//
// Decode accepts definite and indefinite ("break"-terminated) strings, arrays
// and maps. Structural failures (truncation, malformed indefinite items) abort
// decoding. A text string with invalid UTF-8 does not: it becomes a
// KindError value in place, its siblings are still decoded, and the first
// such error is also returned by Decode.
//
// # Maps
//
// Maps keep insertion order for diagnostics but compare order-independently.
// A duplicate key replaces the earlier entry (last write wins). Keys are
// matched structurally through Equal and Hash.
package cbor
