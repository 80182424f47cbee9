// Package engine runs the SMP request/response protocol for one device
// connection.
//
// An Engine owns the command queue, the response accumulator and the
// per-request timer. All of its state is guarded by one mutex, so the entry
// points (Submit, HandleNotification, the timer and session calls) may be
// invoked from any goroutine. Completion callbacks run after the mutex is
// released and may submit further requests.
//
// Responses are matched to the single in-flight request. Fragments arriving
// while nothing is in flight, or whose header does not answer the in-flight
// request, are discarded. So are fragments that do not start with a packet
// header while no response is being reassembled, such as the tail of a
// response that arrived after its request timed out. Discarding never extends
// the in-flight request's deadline, and a request that only ever saw such
// fragments fails with a FramingError when the deadline passes.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/log"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
	"github.com/smpmgr/smpmgr-go/pkg/queue"
	"github.com/smpmgr/smpmgr-go/pkg/transport"
	"github.com/smpmgr/smpmgr-go/pkg/upload"
)

// DefaultTimeout is the default time to wait for a complete response.
const DefaultTimeout = 10 * time.Second

// Config configures an Engine.
type Config struct {
	// Timeout applies to requests that do not set their own.
	Timeout time.Duration

	// MaxPayload limits the size of one request packet, header included.
	// Upload chunks are sized from it.
	MaxPayload int

	// Logger receives protocol events. Nil disables protocol logging.
	Logger log.Logger

	// ConnectionID tags log events. A random UUID is used when empty.
	ConnectionID string

	// RemoteAddr tags log events.
	RemoteAddr string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		MaxPayload: upload.DefaultMaxPayload,
	}
}

// Request is one queued command.
type Request struct {
	Command command.Command

	// Progress is called with the acknowledged fraction of multi-step
	// commands such as uploads. Returning false cancels the command. It runs
	// with the engine locked and must not call back into the engine.
	Progress func(fraction float64) bool

	// Done receives the result or error exactly once.
	Done func(command.Result, error)

	// Timeout overrides Config.Timeout when positive. For uploads it applies
	// to each chunk.
	Timeout time.Duration

	// CreatedAt is set by Submit when zero.
	CreatedAt time.Time

	begun    bool
	finished bool
}

// flight describes the packet currently awaiting its response.
type flight struct {
	req    *Request
	op     packet.Op
	group  packet.Group
	id     uint8
	seq    uint8
	sentAt time.Time

	// deadline is when the request times out unless more of its response
	// arrives.
	deadline time.Time

	// badHeader is the decode error of the last discarded fragment.
	badHeader error
}

// Engine drives requests for one device session.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	w      transport.Writer
	logger log.Logger
	connID string

	q        *queue.Queue[*Request]
	acc      accumulator
	inflight *flight
	seq      uint8
	active   bool

	timer    *time.Timer
	timerGen uint64

	// callbacks collected under mu and run after unlock
	callbacks []func()
}

// New creates an engine writing to w and starts its session.
func New(w transport.Writer, cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = upload.DefaultMaxPayload
	}
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = uuid.New().String()
	}

	e := &Engine{
		cfg:    cfg,
		w:      w,
		logger: cfg.Logger,
		connID: cfg.ConnectionID,
		active: true,
	}
	if e.logger == nil {
		e.logger = log.NoopLogger{}
	}
	e.q = queue.New(e.execute)
	e.logState(log.StateEntitySession, "", "STARTED", "")
	return e
}

// ConnectionID returns the id that tags this engine's log events.
func (e *Engine) ConnectionID() string {
	return e.connID
}

// Pending returns the number of queued requests, including the one in flight.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Len()
}

// Active reports whether the session is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Submit queues req and returns without waiting. req.Done is called once
// with the outcome. Submit fails without calling Done when req has no
// command or the session has ended.
func (e *Engine) Submit(req *Request) error {
	if req == nil || req.Command == nil {
		return ErrNoCommand
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrSessionEnded
	}
	e.q.Enqueue(req)
	e.unlock()
	return nil
}

// Cancel withdraws req. A queued request is removed and completes with
// ErrCancelled. A running multi-step command is asked to stop at its next
// step. Cancel reports false when req cannot be cancelled.
func (e *Engine) Cancel(req *Request) bool {
	e.mu.Lock()
	defer e.unlock()

	if removed, ok := e.q.Remove(func(r *Request) bool { return r == req }); ok {
		e.complete(removed, nil, ErrCancelled)
		return true
	}

	if e.inflight != nil && e.inflight.req == req {
		if m, ok := req.Command.(command.Multistep); ok {
			m.Cancel()
			return true
		}
	}
	return false
}

// HandleNotification is the transport notification callback. It receives
// one fragment, or a receive error.
func (e *Engine) HandleNotification(data []byte, err error) {
	e.mu.Lock()
	defer e.unlock()

	if !e.active {
		return
	}
	if err != nil {
		e.onTransportError(err)
		return
	}
	e.onData(data)
}

// Start begins a new session. Leftover requests from a previous session
// complete with ErrSessionEnded.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.unlock()

	e.reset(ErrSessionEnded)
	e.active = true
	e.logState(log.StateEntitySession, "ENDED", "STARTED", "")
}

// End tears the session down. Every queued request, including the one in
// flight, completes with ErrSessionEnded, and later fragments are ignored.
func (e *Engine) End() {
	e.mu.Lock()
	defer e.unlock()

	if !e.active {
		return
	}
	e.active = false
	e.reset(ErrSessionEnded)
	e.logState(log.StateEntitySession, "STARTED", "ENDED", "")
}

// Close ends the session. It implements io.Closer.
func (e *Engine) Close() error {
	e.End()
	return nil
}

// unlock releases the mutex and runs the collected callbacks.
func (e *Engine) unlock() {
	callbacks := e.callbacks
	e.callbacks = nil
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (e *Engine) reset(err error) {
	e.stopTimer()
	e.acc.reset()
	e.inflight = nil
	for _, req := range e.q.RemoveAll() {
		e.complete(req, nil, err)
	}
}

// execute is the queue callback for a request that became the head.
func (e *Engine) execute(req *Request) {
	e.logState(log.StateEntityQueue, queue.StateIdle.String(), queue.StateExecuting.String(), req.Command.String())

	if !e.acc.empty() {
		e.finish(req, nil, ErrBusyAwaitingResponse)
		return
	}

	if m, ok := req.Command.(command.Multistep); ok && !req.begun {
		if err := m.Begin(e.cfg.MaxPayload, req.Progress); err != nil {
			e.finish(req, nil, err)
			return
		}
		req.begun = true
	}
	e.send(req)
}

// send writes the current body of req and arms the timer.
func (e *Engine) send(req *Request) {
	cmd := req.Command
	bodyVal := cmd.Body()
	body, err := cbor.Encode(bodyVal)
	if err != nil {
		e.finish(req, nil, err)
		return
	}

	p := &packet.Packet{
		Op:       cmd.Op(),
		Group:    cmd.Group(),
		ID:       cmd.ID(),
		Sequence: e.seq,
		Body:     body,
	}
	data, err := packet.Encode(p)
	if err != nil {
		e.finish(req, nil, err)
		return
	}
	e.seq++

	e.inflight = &flight{
		req:    req,
		op:     p.Op.Response(),
		group:  p.Group,
		id:     p.ID,
		seq:    p.Sequence,
		sentAt: time.Now(),
	}
	e.arm(e.inflight)

	e.logPacket(log.DirectionOut, p, cmd, bodyVal, nil)
	e.logFrame(log.DirectionOut, data)

	if err := e.w.Write(data); err != nil {
		e.finish(req, nil, &TransportError{Op: "write", Err: err})
	}
}

func (e *Engine) onTransportError(err error) {
	e.logError(log.LayerTransport, err, "receive")
	if e.inflight == nil {
		return
	}
	e.finish(e.inflight.req, nil, &TransportError{Op: "receive", Err: err})
}

func (e *Engine) onData(data []byte) {
	e.logFrame(log.DirectionIn, data)

	if e.inflight == nil {
		e.logError(log.LayerTransport, nil, "discarded fragment with no request in flight")
		return
	}
	// The timer is cancelled before anything else so a timeout cannot race
	// this fragment.
	e.stopTimer()

	f := e.inflight
	req := f.req

	if e.acc.empty() {
		p, err := packet.Decode(data)
		if err != nil {
			e.logError(log.LayerPacket, err, "discarded fragment without a response header")
			f.badHeader = err
			e.resume(f)
			return
		}
		if p.Op != f.op || p.Group != f.group || p.ID != f.id || p.Sequence != f.seq {
			e.logError(log.LayerPacket, nil, "discarded response for "+p.String())
			e.resume(f)
			return
		}
		e.acc.start(p)
	} else {
		e.acc.append(data)
	}

	if !e.acc.complete() {
		e.arm(f)
		return
	}

	hdr, body := e.acc.take()
	v, _, err := cbor.Decode(body)
	rtt := time.Since(f.sentAt)
	hdr.Body = body
	e.logPacket(log.DirectionIn, hdr, req.Command, v, &rtt)
	if err != nil {
		e.finish(req, nil, &FramingError{Err: err})
		return
	}

	result, err := req.Command.Parse(v)
	if err != nil {
		e.finish(req, nil, err)
		return
	}

	m, ok := req.Command.(command.Multistep)
	if !ok {
		e.finish(req, result, nil)
		return
	}

	final, done, err := m.Continue(result)
	switch {
	case err != nil:
		e.finish(req, nil, err)
	case done:
		e.logState(log.StateEntityUpload, "", "DONE", req.Command.String())
		e.finish(req, final, nil)
	default:
		if u, ok := req.Command.(*command.UploadRequest); ok {
			e.logState(log.StateEntityUpload, "", "CHUNK", offsetReason(u.Offset()))
		}
		e.send(req)
	}
}

// finish is the single completion path for the head request: it disarms
// the timer, clears the accumulator, reports the outcome and advances the
// queue.
func (e *Engine) finish(req *Request, result command.Result, err error) {
	e.stopTimer()
	e.acc.reset()
	e.inflight = nil

	if err != nil {
		e.logError(log.LayerEngine, err, req.Command.String())
	}
	e.complete(req, result, err)

	e.q.Advance()
	if e.q.Idle() {
		e.logState(log.StateEntityQueue, queue.StateExecuting.String(), queue.StateIdle.String(), "")
	}
}

// complete schedules req.Done once.
func (e *Engine) complete(req *Request, result command.Result, err error) {
	if req.finished {
		return
	}
	req.finished = true
	if req.Done != nil {
		done := req.Done
		e.callbacks = append(e.callbacks, func() { done(result, err) })
	}
}

func (e *Engine) timeoutFor(req *Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return e.cfg.Timeout
}

// arm gives f a full timeout from now.
func (e *Engine) arm(f *flight) {
	d := e.timeoutFor(f.req)
	f.deadline = time.Now().Add(d)
	e.startTimer(d)
}

// resume re-arms the timer for what is left of f's deadline, or times f out
// when nothing is left.
func (e *Engine) resume(f *flight) {
	left := time.Until(f.deadline)
	if left <= 0 {
		e.expire(f)
		return
	}
	e.startTimer(left)
}

// expire fails f once its deadline has passed.
func (e *Engine) expire(f *flight) {
	if f.badHeader != nil {
		e.finish(f.req, nil, &FramingError{Err: f.badHeader})
		return
	}
	e.finish(f.req, nil, ErrRequestTimeout)
}

// startTimer arms a fresh timer. A timer that fires after being superseded
// sees a different generation and does nothing.
func (e *Engine) startTimer(d time.Duration) {
	e.stopTimer()
	gen := e.timerGen
	e.timer = time.AfterFunc(d, func() { e.onTimeout(gen) })
}

func (e *Engine) stopTimer() {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onTimeout(gen uint64) {
	e.mu.Lock()
	defer e.unlock()

	if gen != e.timerGen || e.inflight == nil {
		return
	}
	e.expire(e.inflight)
}
