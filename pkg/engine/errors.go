package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
	"github.com/smpmgr/smpmgr-go/pkg/upload"
)

// Engine errors.
var (
	// ErrBusyAwaitingResponse means a request was about to start while a
	// previous response was still being reassembled.
	ErrBusyAwaitingResponse = errors.New("busy awaiting response")

	ErrRequestTimeout = errors.New("request timed out")
	ErrSessionEnded   = errors.New("session ended")
	ErrCancelled      = errors.New("request cancelled")
	ErrNoCommand      = errors.New("request has no command")
)

// TransportError wraps a failure reported by the transport.
type TransportError struct {
	// Op is "write" or "receive".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FramingError wraps a response that could not be turned into a CBOR body:
// a bad packet header or an undecodable body.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: %v", e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Kind classifies errors by where they originate.
type Kind uint8

const (
	KindNone Kind = iota

	// KindTransport covers write and receive failures and timeouts.
	// The request fails; the transport owns any retry.
	KindTransport

	// KindFraming covers invalid headers and undecodable bodies.
	// The request fails; the session continues.
	KindFraming

	// KindApplication covers device return codes and malformed fields.
	KindApplication

	// KindLocal covers requests rejected before any bytes were sent and
	// cancellations.
	KindLocal

	// KindSession covers requests dropped at session teardown.
	KindSession

	KindUnknown
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindFraming:
		return "framing"
	case KindApplication:
		return "application"
	case KindLocal:
		return "local"
	case KindSession:
		return "session"
	default:
		return "unknown"
	}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var te *TransportError
	var fe *FramingError
	var de *cbor.DecodeError
	switch {
	case errors.As(err, &te), errors.Is(err, ErrRequestTimeout):
		return KindTransport
	case errors.As(err, &fe), errors.As(err, &de), errors.Is(err, packet.ErrInvalidHeader):
		return KindFraming
	case errors.Is(err, command.ErrResultNotOk),
		errors.Is(err, command.ErrMissingReturnCode),
		errors.Is(err, command.ErrMissingField),
		errors.Is(err, command.ErrMalformedResponse),
		errors.Is(err, command.ErrUnexpectedResult):
		return KindApplication
	case errors.Is(err, ErrBusyAwaitingResponse),
		errors.Is(err, ErrCancelled),
		errors.Is(err, ErrNoCommand),
		errors.Is(err, upload.ErrImageTooSmall),
		errors.Is(err, upload.ErrUserCancelled),
		errors.Is(err, upload.ErrPayloadTooSmall),
		errors.Is(err, cbor.ErrUnsupportedConstruct),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindLocal
	case errors.Is(err, ErrSessionEnded):
		return KindSession
	default:
		return KindUnknown
	}
}

// Describe returns a short human-readable description of err.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var rcErr *command.ReturnCodeError
	if errors.As(err, &rcErr) {
		return rcErr.Description()
	}

	switch {
	case errors.Is(err, ErrRequestTimeout):
		return "Request timed out"
	case errors.Is(err, ErrSessionEnded):
		return "Connection to the device was closed"
	case errors.Is(err, ErrBusyAwaitingResponse):
		return "Still waiting for a previous response"
	case errors.Is(err, upload.ErrImageTooSmall):
		return "Image is too small to be valid"
	case errors.Is(err, upload.ErrUserCancelled), errors.Is(err, ErrCancelled):
		return "Cancelled"
	case errors.Is(err, command.ErrMissingReturnCode):
		return "Device response has no return code"
	}

	switch KindOf(err) {
	case KindTransport:
		return "Transport error: " + err.Error()
	case KindFraming:
		return "Invalid response: " + err.Error()
	case KindApplication:
		return "Unexpected response: " + err.Error()
	default:
		return err.Error()
	}
}
