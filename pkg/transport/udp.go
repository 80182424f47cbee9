package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// DefaultReadBufferSize bounds one received datagram.
const DefaultReadBufferSize = 2048

// UDPConfig configures a UDP client transport.
type UDPConfig struct {
	// Address of the device, e.g. "192.0.2.10:1337". A missing port
	// defaults to DefaultPort.
	Address string

	// ReadBufferSize bounds one received datagram.
	ReadBufferSize int
}

// DefaultUDPConfig returns the default UDP configuration for address.
func DefaultUDPConfig(address string) UDPConfig {
	return UDPConfig{
		Address:        address,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

// UDPTransport is SMP over UDP. Every received datagram is delivered as one
// notification.
type UDPTransport struct {
	conn *net.UDPConn

	mu      sync.Mutex
	handler NotificationHandler

	closed atomic.Bool
	done   chan struct{}
}

// DialUDP connects to the device at config.Address and starts receiving.
func DialUDP(ctx context.Context, config UDPConfig) (*UDPTransport, error) {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultReadBufferSize
	}
	address := withDefaultPort(config.Address)

	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}

	t := &UDPTransport{
		conn: c.(*net.UDPConn),
		done: make(chan struct{}),
	}
	go t.readLoop(config.ReadBufferSize)
	return t, nil
}

// SetNotificationHandler installs the callback for inbound datagrams.
func (t *UDPTransport) SetNotificationHandler(h NotificationHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Write sends data as one datagram.
func (t *UDPTransport) Write(data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	_, err := t.conn.Write(data)
	return err
}

// RemoteAddr returns the device address.
func (t *UDPTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// LocalAddr returns the local socket address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close stops receiving and releases the socket.
func (t *UDPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	err := t.conn.Close()
	<-t.done
	return err
}

func (t *UDPTransport) readLoop(size int) {
	defer close(t.done)

	buf := make([]byte, size)
	for {
		n, err := t.conn.Read(buf)
		if t.closed.Load() || errors.Is(err, net.ErrClosed) {
			return
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h == nil {
			continue
		}

		// Errors such as ICMP port unreachable are per datagram; keep
		// reading after reporting them.
		if err != nil {
			h(nil, err)
			continue
		}
		h(append([]byte(nil), buf[:n]...), nil)
	}
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(DefaultPort))
}
