package connection

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrProbeSkipped may be returned by a ProbeFunc that had no reason to
// probe. It counts as neither success nor failure.
var ErrProbeSkipped = errors.New("probe skipped")

// Heartbeat constants.
const (
	// DefaultProbeInterval is the default interval between probes.
	DefaultProbeInterval = 30 * time.Second

	// DefaultProbeTimeout is the default time a probe may take.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultMaxMissed is the default number of consecutive failed probes
	// before the session is reported lost.
	DefaultMaxMissed = 3
)

// HeartbeatConfig configures liveness probing.
type HeartbeatConfig struct {
	// Interval between probes. Zero disables the heartbeat.
	Interval time.Duration

	// Timeout bounds one probe.
	Timeout time.Duration

	// MaxMissed is the number of consecutive failures that ends the session.
	MaxMissed int
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:  DefaultProbeInterval,
		Timeout:   DefaultProbeTimeout,
		MaxMissed: DefaultMaxMissed,
	}
}

// DetectionDelay is the longest time a dead device can go unnoticed.
func (c HeartbeatConfig) DetectionDelay() time.Duration {
	return c.Interval*time.Duration(c.MaxMissed) + c.Timeout
}

// ProbeFunc checks that the device answers.
type ProbeFunc func(ctx context.Context) error

// HeartbeatStats contains heartbeat statistics.
type HeartbeatStats struct {
	LastProbe   time.Time
	LastSuccess time.Time
	Latency     time.Duration
	Missed      int
	Probes      int
}

// Heartbeat probes a device periodically and calls onDead after MaxMissed
// consecutive failures. It stops itself after calling onDead.
type Heartbeat struct {
	config HeartbeatConfig
	probe  ProbeFunc
	onDead func()

	mu      sync.Mutex
	stats   HeartbeatStats
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewHeartbeat creates a heartbeat. Zero config fields take their defaults.
func NewHeartbeat(config HeartbeatConfig, probe ProbeFunc, onDead func()) *Heartbeat {
	if config.Interval <= 0 {
		config.Interval = DefaultProbeInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProbeTimeout
	}
	if config.MaxMissed <= 0 {
		config.MaxMissed = DefaultMaxMissed
	}
	return &Heartbeat{
		config: config,
		probe:  probe,
		onDead: onDead,
	}
}

// Start begins probing. It does nothing when already running.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.done = make(chan struct{})
	go h.loop(ctx, h.stopCh, h.done)
}

// Stop ends probing and waits for an in-progress probe to return.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	done := h.done
	h.mu.Unlock()

	<-done
}

// IsRunning returns true while probing is active.
func (h *Heartbeat) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Stats returns current heartbeat statistics.
func (h *Heartbeat) Stats() HeartbeatStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Heartbeat) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if h.tick(ctx) {
				h.mu.Lock()
				h.running = false
				h.mu.Unlock()
				if h.onDead != nil {
					h.onDead()
				}
				return
			}
		}
	}
}

// tick runs one probe and reports whether the device is considered dead.
func (h *Heartbeat) tick(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	start := time.Now()
	err := h.probe(pctx)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	if errors.Is(err, ErrProbeSkipped) {
		return false
	}
	h.stats.Probes++
	h.stats.LastProbe = start
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		h.stats.Missed++
		return h.stats.Missed >= h.config.MaxMissed
	}
	h.stats.Missed = 0
	h.stats.LastSuccess = time.Now()
	h.stats.Latency = h.stats.LastSuccess.Sub(start)
	return false
}
