package command

import (
	"errors"
	"fmt"
)

// Response errors.
var (
	// ErrResultNotOk is matched by every *ReturnCodeError.
	ErrResultNotOk = errors.New("device returned an error")

	ErrMissingReturnCode = errors.New("response has no return code")
	ErrMissingField      = errors.New("response is missing a field")
	ErrMalformedResponse = errors.New("malformed response")
	ErrUnexpectedResult  = errors.New("unexpected result type")
)

// ReturnCode is the "rc" value of a response.
type ReturnCode int

const (
	// ReturnCodeOK indicates success.
	ReturnCodeOK ReturnCode = 0

	// ReturnCodeUnknown indicates an unspecified failure.
	ReturnCodeUnknown ReturnCode = 1

	// ReturnCodeNoMemory indicates the device ran out of memory.
	ReturnCodeNoMemory ReturnCode = 2

	// ReturnCodeInvalidState indicates the device is in an invalid state.
	ReturnCodeInvalidState ReturnCode = 3

	// ReturnCodeTimeout indicates an operation timed out on the device.
	ReturnCodeTimeout ReturnCode = 4

	// ReturnCodeNoEntry indicates the addressed entry does not exist.
	ReturnCodeNoEntry ReturnCode = 5

	// ReturnCodeBadState indicates the current state disallows the command.
	ReturnCodeBadState ReturnCode = 6

	// ReturnCodeTooLarge indicates the response would be too large.
	ReturnCodeTooLarge ReturnCode = 7

	// ReturnCodeNotSupported indicates the command is not supported.
	ReturnCodeNotSupported ReturnCode = 8

	// ReturnCodeCorrupt indicates a corrupted payload.
	ReturnCodeCorrupt ReturnCode = 9

	// ReturnCodeBusy indicates the device is busy.
	ReturnCodeBusy ReturnCode = 10
)

// Description returns the human-readable meaning of rc.
func (rc ReturnCode) Description() string {
	switch rc {
	case ReturnCodeOK:
		return "No error"
	case ReturnCodeUnknown:
		return "Unknown error"
	case ReturnCodeNoMemory:
		return "Device is out of memory"
	case ReturnCodeInvalidState:
		return "Device is in invalid state"
	case ReturnCodeTimeout:
		return "Operation timed out"
	case ReturnCodeNoEntry:
		return "No such entry"
	case ReturnCodeBadState:
		return "Current state disallows command"
	case ReturnCodeTooLarge:
		return "Response too large"
	case ReturnCodeNotSupported:
		return "Command not supported"
	case ReturnCodeCorrupt:
		return "Corrupted payload"
	case ReturnCodeBusy:
		return "Device is busy"
	default:
		return fmt.Sprintf("Unrecognized return code %d", int(rc))
	}
}

// String returns the description.
func (rc ReturnCode) String() string {
	return rc.Description()
}

// ReturnCodeError is a response whose "rc" was not zero.
type ReturnCodeError struct {
	Code ReturnCode
}

func (e *ReturnCodeError) Error() string {
	return fmt.Sprintf("rc=%d: %s", int(e.Code), e.Code.Description())
}

// Description returns the text shown to users.
func (e *ReturnCodeError) Description() string {
	return e.Code.Description()
}

func (e *ReturnCodeError) Unwrap() error {
	return ErrResultNotOk
}
