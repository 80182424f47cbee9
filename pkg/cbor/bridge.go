package cbor

import (
	"fmt"

	cbor2 "github.com/fxamacker/cbor/v2"
)

// decMode decodes Values into Go structs tagged with `cbor:"name"`.
// Unknown fields are ignored so newer device firmware can add keys.
var decMode cbor2.DecMode

// encMode turns Go values into CBOR before they are lifted into Values.
var encMode cbor2.EncMode

func init() {
	var err error

	decOpts := cbor2.DecOptions{
		DupMapKey:         cbor2.DupMapKeyQuiet, // last wins, as in Map
		IndefLength:       cbor2.IndefLengthAllowed,
		ExtraReturnErrors: cbor2.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}

	encOpts := cbor2.EncOptions{
		IndefLength:   cbor2.IndefLengthForbidden,
		NilContainers: cbor2.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}
}

// MarshalCBOR implements cbor2.Marshaler so a Value can be embedded in
// struct-based messages.
func (v Value) MarshalCBOR() ([]byte, error) {
	return Encode(v)
}

// UnmarshalCBOR implements cbor2.Unmarshaler.
func (v *Value) UnmarshalCBOR(data []byte) error {
	val, _, err := Decode(data)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// Unmarshal converts v into the Go value pointed to by dst using `cbor`
// struct tags.
func (v Value) Unmarshal(dst any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return decMode.Unmarshal(data, dst)
}

// FromGo converts a Go value into a Value using `cbor` struct tags.
func FromGo(src any) (Value, error) {
	data, err := encMode.Marshal(src)
	if err != nil {
		return Value{}, err
	}
	v, _, err := Decode(data)
	return v, err
}

// Wellformed reports whether data holds exactly one well-formed CBOR item,
// as judged by an independent decoder.
func Wellformed(data []byte) error {
	return decMode.Wellformed(data)
}
