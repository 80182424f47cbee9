package command

import (
	"fmt"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
)

const keyReturnCode = "rc"

// CheckReturnCode validates the "rc" field of a response map. When mandatory
// is false a missing "rc" counts as success.
func CheckReturnCode(rsp cbor.Value, mandatory bool) error {
	if rsp.Kind() != cbor.KindMap {
		return fmt.Errorf("%w: body is %s, want map", ErrMalformedResponse, rsp.Kind())
	}

	v, ok := rsp.Lookup(keyReturnCode)
	if !ok {
		if mandatory {
			return ErrMissingReturnCode
		}
		return nil
	}

	rc, ok := v.AsInt()
	if !ok {
		return fmt.Errorf("%w: rc is %s", ErrMalformedResponse, v.Kind())
	}
	if rc != 0 {
		return &ReturnCodeError{Code: ReturnCode(rc)}
	}
	return nil
}

func field(rsp cbor.Value, key string) (cbor.Value, error) {
	v, ok := rsp.Lookup(key)
	if !ok {
		return cbor.Value{}, fmt.Errorf("%w: %q", ErrMissingField, key)
	}
	return v, nil
}

func uintField(rsp cbor.Value, key string) (uint64, error) {
	v, err := field(rsp, key)
	if err != nil {
		return 0, err
	}
	u, ok := v.AsUint()
	if !ok {
		return 0, fmt.Errorf("%w: %q is %s, want unsigned", ErrMalformedResponse, key, v.Kind())
	}
	return u, nil
}

func textField(rsp cbor.Value, key string) (string, error) {
	v, err := field(rsp, key)
	if err != nil {
		return "", err
	}
	s, ok := v.AsText()
	if !ok {
		return "", fmt.Errorf("%w: %q is %s, want text", ErrMalformedResponse, key, v.Kind())
	}
	return s, nil
}

func optionalText(rsp cbor.Value, key string) string {
	if v, ok := rsp.Lookup(key); ok {
		if s, ok := v.AsText(); ok {
			return s
		}
	}
	return ""
}

func mapField(rsp cbor.Value, key string) (cbor.Value, error) {
	v, err := field(rsp, key)
	if err != nil {
		return cbor.Value{}, err
	}
	if v.Kind() != cbor.KindMap {
		return cbor.Value{}, fmt.Errorf("%w: %q is %s, want map", ErrMalformedResponse, key, v.Kind())
	}
	return v, nil
}
