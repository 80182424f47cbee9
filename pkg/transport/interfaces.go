package transport

import "errors"

// DefaultPort is the customary SMP over UDP port.
const DefaultPort = 1337

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("transport closed")

// Writer sends one encoded packet to the device.
type Writer interface {
	Write(data []byte) error
}

// NotificationHandler receives one inbound fragment, or a receive error.
type NotificationHandler func(data []byte, err error)

// Transport is a bidirectional link to one device.
type Transport interface {
	Writer

	// SetNotificationHandler installs the callback for inbound fragments.
	// It must be set before the first Write.
	SetNotificationHandler(h NotificationHandler)

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string

	Close() error
}

// PacketHandler is the device side: it receives one request packet and
// returns the fragments to send back. Returning nil drops the request.
type PacketHandler func(request []byte) [][]byte

// Compile-time interface satisfaction checks.
var (
	_ Transport = (*UDPTransport)(nil)
	_ Transport = (*Loopback)(nil)
)
