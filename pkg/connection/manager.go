package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smpmgr/smpmgr-go/pkg/engine"
	"github.com/smpmgr/smpmgr-go/pkg/transport"
)

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
)

// DefaultDialTimeout bounds one reconnection attempt.
const DefaultDialTimeout = 10 * time.Second

// State is the lifecycle state of a Manager.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed // terminal
)

var stateNames = [...]string{
	StateDisconnected: "DISCONNECTED",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateReconnecting: "RECONNECTING",
	StateClosed:       "CLOSED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// DialFunc opens a transport to the device.
type DialFunc func(ctx context.Context) (transport.Transport, error)

// Config configures a Manager.
type Config struct {
	// Engine configures the engine of every session. Each session gets a
	// fresh connection id unless one is set here.
	Engine engine.Config

	// Backoff configures reconnection delays.
	Backoff BackoffConfig

	// Heartbeat configures liveness probing. A zero Interval disables it.
	Heartbeat HeartbeatConfig

	// AutoReconnect redials after the session is lost.
	AutoReconnect bool
}

// DefaultConfig returns a configuration with auto-reconnect enabled and the
// heartbeat disabled.
func DefaultConfig() Config {
	return Config{
		Engine:        engine.DefaultConfig(),
		AutoReconnect: true,
	}
}

// session is one dialed transport with its engine.
type session struct {
	tr        transport.Transport
	eng       *engine.Engine
	heartbeat *Heartbeat
}

// close ends the engine first so that a running probe returns at once.
func (s *session) close() {
	if s == nil {
		return
	}
	s.eng.End()
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.tr.Close()
}

type hooks struct {
	stateChange  func(oldState, newState State)
	connected    func()
	disconnected func()
	reconnecting func(attempt int, delay time.Duration)
}

// Manager owns the session with one device and redials it with backoff
// when it is lost. Callbacks run on the goroutine that caused the
// transition, never with the manager locked.
type Manager struct {
	config  Config
	dial    DialFunc
	backoff *Backoff

	mu            sync.RWMutex
	state         State
	current       *session
	autoReconnect bool
	hooks         hooks

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	reconnectCh chan struct{}
}

// NewManager creates a disconnected manager.
func NewManager(dial DialFunc, config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:        config,
		dial:          dial,
		backoff:       NewBackoffWithConfig(config.Backoff),
		autoReconnect: config.AutoReconnect,
		ctx:           ctx,
		cancel:        cancel,
		reconnectCh:   make(chan struct{}, 1),
	}
}

// Engine returns the engine of the current session.
func (m *Manager) Engine() (*engine.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNotConnected
	}
	return m.current.eng, nil
}

// open dials a transport and starts an engine on it.
func (m *Manager) open(ctx context.Context) (*session, error) {
	tr, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}

	cfg := m.config.Engine
	if cfg.RemoteAddr == "" {
		cfg.RemoteAddr = tr.RemoteAddr()
	}
	s := &session{tr: tr, eng: engine.New(tr, cfg)}
	tr.SetNotificationHandler(s.eng.HandleNotification)

	if m.config.Heartbeat.Interval > 0 {
		eng := s.eng
		s.heartbeat = NewHeartbeat(m.config.Heartbeat, func(ctx context.Context) error {
			// Queued work shows up as request timeouts on its own.
			if eng.Pending() > 0 {
				return ErrProbeSkipped
			}
			_, err := eng.Echo(ctx, "")
			return err
		}, m.NotifyConnectionLost)
		s.heartbeat.Start(m.ctx)
	}
	return s, nil
}

// moveLocked switches to state to, detaching the current session unless
// the new state is Connected. Called with m.mu held.
func (m *Manager) moveLocked(to State) (from State, detached *session, h hooks) {
	from = m.state
	m.state = to
	if to != StateConnected {
		detached = m.current
		m.current = nil
	}
	return from, detached, m.hooks
}

func (h hooks) changed(from, to State) {
	if h.stateChange != nil && from != to {
		h.stateChange(from, to)
	}
}

// install makes sess current unless the manager left the state it had
// when dialing started. It reports whether sess was installed.
func (m *Manager) install(sess *session, dialing State) bool {
	m.mu.Lock()
	if m.state != dialing {
		m.mu.Unlock()
		sess.close()
		return false
	}
	from, _, h := m.moveLocked(StateConnected)
	m.current = sess
	m.backoff.Reset()
	m.mu.Unlock()

	h.changed(from, StateConnected)
	if h.connected != nil {
		h.connected()
	}
	return true
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsConnected reports whether a session is up.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// SetAutoReconnect enables or disables automatic reconnection.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	m.autoReconnect = enabled
	m.mu.Unlock()
}

// Connect dials the device and starts a session.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	from, _, h := m.moveLocked(StateConnecting)
	m.mu.Unlock()
	h.changed(from, StateConnecting)

	sess, err := m.open(ctx)
	if err != nil {
		m.mu.Lock()
		if m.state != StateConnecting {
			m.mu.Unlock()
			return err
		}
		_, _, h = m.moveLocked(StateDisconnected)
		m.mu.Unlock()
		h.changed(StateConnecting, StateDisconnected)
		return err
	}

	if !m.install(sess, StateConnecting) {
		return ErrConnectionClosed
	}
	return nil
}

// drop ends the current session and moves to the state next picks. It does
// nothing unless connected.
func (m *Manager) drop(next func() State) (to State, ok bool) {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return m.state, false
	}
	to = next()
	from, sess, h := m.moveLocked(to)
	m.mu.Unlock()

	sess.close()
	h.changed(from, to)
	if h.disconnected != nil {
		h.disconnected()
	}
	return to, true
}

// Disconnect ends the session. Pending requests complete with
// engine.ErrSessionEnded. The manager does not redial.
func (m *Manager) Disconnect() {
	m.drop(func() State { return StateDisconnected })
}

// NotifyConnectionLost ends the session after a loss was detected, e.g. by
// the heartbeat, and redials when auto-reconnect is enabled.
func (m *Manager) NotifyConnectionLost() {
	to, ok := m.drop(func() State {
		if m.autoReconnect {
			return StateReconnecting
		}
		return StateDisconnected
	})
	if ok && to == StateReconnecting {
		select {
		case m.reconnectCh <- struct{}{}:
		default:
		}
	}
}

// StartReconnectLoop starts the goroutine that redials lost sessions. It
// must be called once before reconnection works.
func (m *Manager) StartReconnectLoop() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-m.reconnectCh:
				m.reconnect()
			}
		}
	}()
}

// Close ends the session and stops reconnecting. The manager cannot be
// reused.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	from, sess, h := m.moveLocked(StateClosed)
	m.mu.Unlock()

	sess.close()
	h.changed(from, StateClosed)

	m.cancel()
	m.wg.Wait()
}

// reconnect dials with backoff until a session is up or the manager leaves
// the reconnecting state.
func (m *Manager) reconnect() {
	for {
		m.mu.RLock()
		state, h := m.state, m.hooks
		m.mu.RUnlock()
		if state != StateReconnecting {
			return
		}

		delay := m.backoff.Next()
		if h.reconnecting != nil {
			h.reconnecting(m.backoff.Attempts(), delay)
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(m.ctx, DefaultDialTimeout)
		sess, err := m.open(ctx)
		cancel()
		if err == nil {
			m.install(sess, StateReconnecting)
			return
		}
	}
}

// OnStateChange sets a callback for state changes.
func (m *Manager) OnStateChange(fn func(oldState, newState State)) {
	m.mu.Lock()
	m.hooks.stateChange = fn
	m.mu.Unlock()
}

// OnConnected sets a callback for successful connection.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.hooks.connected = fn
	m.mu.Unlock()
}

// OnDisconnected sets a callback for a lost or ended session.
func (m *Manager) OnDisconnected(fn func()) {
	m.mu.Lock()
	m.hooks.disconnected = fn
	m.mu.Unlock()
}

// OnReconnecting sets a callback called before each redial.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.mu.Lock()
	m.hooks.reconnecting = fn
	m.mu.Unlock()
}

// BackoffAttempts returns the number of redials since the last success.
func (m *Manager) BackoffAttempts() int {
	return m.backoff.Attempts()
}
