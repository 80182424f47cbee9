package cbor

import (
	"errors"
	"fmt"
)

// Codec errors.
var (
	// ErrUnsupportedConstruct is returned when encoding a tagged item, a simple
	// value other than false/true/null/undefined, or a decode-error value.
	ErrUnsupportedConstruct = errors.New("cbor: unsupported construct")

	// ErrTruncatedInput indicates fewer bytes remain than an item requires.
	ErrTruncatedInput = errors.New("cbor: truncated input")

	// ErrInvalidUTF8 indicates a text string that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("cbor: invalid UTF-8 in text string")

	// ErrMalformedStructure indicates an item that is not well-formed, such as
	// a mismatched chunk inside an indefinite-length string or a misplaced break.
	ErrMalformedStructure = errors.New("cbor: malformed structure")
)

// maxNesting bounds recursion depth while decoding.
const maxNesting = 64

// DecodeError locates a decode failure in the input.
type DecodeError struct {
	Offset int
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v at offset %d: %s", e.Err, e.Offset, e.Detail)
	}
	return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError names the variant that could not be encoded.
type EncodeError struct {
	Kind Kind
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Kind)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
