package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// ServerConfig configures the device side of SMP over UDP.
type ServerConfig struct {
	// Address to listen on (e.g., ":1337" or "127.0.0.1:0").
	Address string

	// ReadBufferSize bounds one received datagram.
	ReadBufferSize int

	// Handler answers each request. Required.
	Handler PacketHandler

	// OnError is called when a datagram cannot be read or answered.
	OnError func(err error)
}

// Server answers SMP requests received over UDP.
type Server struct {
	config ServerConfig
	conn   *net.UDPConn

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("Handler is required")
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultReadBufferSize
	}
	return &Server{config: config}, nil
}

// Start binds the socket and begins serving.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.conn = pc.(*net.UDPConn)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(2)
	go s.serveLoop()
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		s.conn.Close()
	}()
	return nil
}

// Stop closes the socket and waits for the serve loop to exit.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	if s.conn != nil {
		return s.conn.LocalAddr()
	}
	return nil
}

func (s *Server) serveLoop() {
	defer s.wg.Done()

	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.reportError(fmt.Errorf("read error: %w", err))
			continue
		}

		request := append([]byte(nil), buf[:n]...)
		for _, frag := range s.config.Handler(request) {
			if _, err := s.conn.WriteToUDP(frag, addr); err != nil {
				s.reportError(fmt.Errorf("write to %s: %w", addr, err))
				break
			}
		}
	}
}

func (s *Server) reportError(err error) {
	if s.config.OnError != nil {
		s.config.OnError(err)
	}
}
