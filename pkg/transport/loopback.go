package transport

import "sync"

// Loopback connects a client to an in-process PacketHandler. Requests are
// answered on a separate goroutine in the order they were written.
type Loopback struct {
	handler PacketHandler

	mu      sync.Mutex
	notify  NotificationHandler
	pending [][]byte
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewLoopback starts a loopback transport answering with handler.
func NewLoopback(handler PacketHandler) *Loopback {
	l := &Loopback{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// SetNotificationHandler installs the callback for response fragments.
func (l *Loopback) SetNotificationHandler(h NotificationHandler) {
	l.mu.Lock()
	l.notify = h
	l.mu.Unlock()
}

// Write queues a request. It never blocks on the handler.
func (l *Loopback) Write(data []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.pending = append(l.pending, append([]byte(nil), data...))
	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.mu.Unlock()
	return nil
}

// RemoteAddr returns "loopback".
func (l *Loopback) RemoteAddr() string {
	return "loopback"
}

// Close stops delivery. Queued requests are dropped. It must not be called
// from the notification handler.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = nil
	close(l.wake)
	l.mu.Unlock()

	<-l.done
	return nil
}

func (l *Loopback) run() {
	defer close(l.done)

	for range l.wake {
		for {
			l.mu.Lock()
			if l.closed || len(l.pending) == 0 {
				l.mu.Unlock()
				break
			}
			req := l.pending[0]
			l.pending = l.pending[1:]
			notify := l.notify
			l.mu.Unlock()

			for _, frag := range l.handler(req) {
				if notify != nil {
					notify(frag, nil)
				}
			}
		}
	}
}
