package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/log"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
	"github.com/smpmgr/smpmgr-go/pkg/transport/mocks"
	"github.com/smpmgr/smpmgr-go/pkg/upload"
)

// chanWriter hands every written packet to the test.
type chanWriter struct {
	writes chan []byte
	err    error
}

func newChanWriter() *chanWriter {
	return &chanWriter{writes: make(chan []byte, 64)}
}

func (w *chanWriter) Write(data []byte) error {
	if w.err != nil {
		return w.err
	}
	w.writes <- append([]byte{}, data...)
	return nil
}

func (w *chanWriter) next(t *testing.T) *packet.Packet {
	t.Helper()
	select {
	case data := <-w.writes:
		p, err := packet.Decode(data)
		require.NoError(t, err)
		return p
	case <-time.After(time.Second):
		t.Fatal("no packet written")
		return nil
	}
}

func (w *chanWriter) none(t *testing.T) {
	t.Helper()
	select {
	case data := <-w.writes:
		t.Fatalf("unexpected write % x", data)
	case <-time.After(20 * time.Millisecond):
	}
}

// response builds the wire response to req carrying body.
func response(t *testing.T, req *packet.Packet, body cbor.Value) []byte {
	t.Helper()
	raw, err := cbor.Encode(body)
	require.NoError(t, err)
	rsp := packet.New(req.Op.Response(), req.Group, req.ID, raw)
	rsp.Sequence = req.Sequence
	data, err := packet.Encode(rsp)
	require.NoError(t, err)
	return data
}

type outcome struct {
	result command.Result
	err    error
}

func submit(t *testing.T, e *Engine, cmd command.Command) (*Request, chan outcome) {
	t.Helper()
	ch := make(chan outcome, 2)
	req := &Request{
		Command: cmd,
		Done:    func(r command.Result, err error) { ch <- outcome{r, err} },
	}
	require.NoError(t, e.Submit(req))
	return req, ch
}

func wait(t *testing.T, ch chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
		return outcome{}
	}
}

func newEngine(w *chanWriter, timeout time.Duration) *Engine {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	return New(w, cfg)
}

func TestEchoRoundTrip(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)

	_, ch := submit(t, e, command.Echo("hello"))
	req := w.next(t)
	assert.Equal(t, packet.OpWrite, req.Op)
	assert.Equal(t, packet.GroupDefault, req.Group)

	e.HandleNotification(response(t, req, cbor.Map(cbor.KV("r", cbor.Text("hello")))), nil)

	o := wait(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, "hello", o.result.(*command.EchoResult).Message)
	assert.Equal(t, 0, e.Pending())
}

func TestReassemblyAcrossFragments(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)

	_, ch := submit(t, e, command.Echo("x"))
	req := w.next(t)

	msg := string(bytes.Repeat([]byte{'a'}, 95))
	data := response(t, req, cbor.Map(cbor.KV("r", cbor.Text(msg))))
	require.Equal(t, 108, len(data))

	e.HandleNotification(data[:48], nil)
	select {
	case <-ch:
		t.Fatal("completed before the body was complete")
	case <-time.After(10 * time.Millisecond):
	}

	e.HandleNotification(data[48:], nil)
	o := wait(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, msg, o.result.(*command.EchoResult).Message)

	// A late fragment with nothing in flight is dropped.
	e.HandleNotification(data[48:], nil)
	select {
	case o := <-ch:
		t.Fatalf("stray fragment completed the request again: %+v", o)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestSingleFlight(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)

	var chans []chan outcome
	for _, m := range []string{"a", "b", "c"} {
		_, ch := submit(t, e, command.Echo(m))
		chans = append(chans, ch)
	}
	assert.Equal(t, 3, e.Pending())

	for i, m := range []string{"a", "b", "c"} {
		req := w.next(t)
		w.none(t)
		assert.Equal(t, uint8(i), req.Sequence)
		e.HandleNotification(response(t, req, cbor.Map(cbor.KV("r", cbor.Text(m)))), nil)
		o := wait(t, chans[i])
		require.NoError(t, o.err)
		assert.Equal(t, m, o.result.(*command.EchoResult).Message)
	}
	assert.Equal(t, 0, e.Pending())
}

func TestTimeoutAdvancesQueue(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, 50*time.Millisecond)

	_, first := submit(t, e, command.Echo("lost"))
	_, second := submit(t, e, command.Echo("ok"))

	w.next(t)
	o := wait(t, first)
	assert.ErrorIs(t, o.err, ErrRequestTimeout)
	assert.Equal(t, KindTransport, KindOf(o.err))

	req := w.next(t)
	e.HandleNotification(response(t, req, cbor.Map(cbor.KV("r", cbor.Text("ok")))), nil)
	o = wait(t, second)
	require.NoError(t, o.err)
}

func TestLateFragmentAfterTimeoutDiscarded(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, 80*time.Millisecond)

	_, first := submit(t, e, command.Echo("lost"))
	_, second := submit(t, e, command.Echo("ok"))

	reqA := w.next(t)
	o := wait(t, first)
	require.ErrorIs(t, o.err, ErrRequestTimeout)

	reqB := w.next(t)
	late := response(t, reqA, cbor.Map(cbor.KV("r", cbor.Text(string(bytes.Repeat([]byte{'a'}, 50))))))
	require.Greater(t, len(late), 40)
	e.HandleNotification(late[40:], nil)
	e.HandleNotification(response(t, reqB, cbor.Map(cbor.KV("r", cbor.Text("ok")))), nil)

	o = wait(t, second)
	require.NoError(t, o.err)
	assert.Equal(t, "ok", o.result.(*command.EchoResult).Message)
}

func TestDiscardedResponseKeepsDeadline(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, 150*time.Millisecond)

	_, ch := submit(t, e, command.Echo("x"))
	req := w.next(t)
	start := time.Now()

	time.Sleep(100 * time.Millisecond)
	other := *req
	other.Sequence = req.Sequence + 1
	e.HandleNotification(response(t, &other, cbor.Map(cbor.KV("r", cbor.Text("wrong")))), nil)

	o := wait(t, ch)
	assert.ErrorIs(t, o.err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), 230*time.Millisecond, "discarded response extended the deadline")
}

func TestFragmentRestartsTimer(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, 150*time.Millisecond)

	_, ch := submit(t, e, command.Echo("x"))
	req := w.next(t)
	data := response(t, req, cbor.Map(cbor.KV("r", cbor.Text(string(bytes.Repeat([]byte{'b'}, 60))))))

	time.Sleep(100 * time.Millisecond)
	e.HandleNotification(data[:20], nil)
	time.Sleep(100 * time.Millisecond)
	e.HandleNotification(data[20:], nil)

	o := wait(t, ch)
	require.NoError(t, o.err)
}

func TestSequenceMismatchDiscarded(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)

	_, ch := submit(t, e, command.Echo("x"))
	req := w.next(t)

	other := *req
	other.Sequence = req.Sequence + 1
	e.HandleNotification(response(t, &other, cbor.Map(cbor.KV("r", cbor.Text("wrong")))), nil)

	e.HandleNotification(response(t, req, cbor.Map(cbor.KV("r", cbor.Text("right")))), nil)
	o := wait(t, ch)
	require.NoError(t, o.err)
	assert.Equal(t, "right", o.result.(*command.EchoResult).Message)
}

func TestInvalidHeaderFailsRequest(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, 100*time.Millisecond)

	_, ch := submit(t, e, command.Echo("x"))
	w.next(t)

	// The fragment is dropped and the request fails once its deadline passes.
	e.HandleNotification([]byte{0xe1, 0, 0, 0, 0, 0, 0, 0}, nil)
	select {
	case o := <-ch:
		t.Fatalf("completed before the deadline: %v", o.err)
	case <-time.After(30 * time.Millisecond):
	}
	o := wait(t, ch)

	var fe *FramingError
	require.ErrorAs(t, o.err, &fe)
	assert.ErrorIs(t, o.err, packet.ErrInvalidHeader)
	assert.Equal(t, KindFraming, KindOf(o.err))
}

func TestUndecodableBody(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)

	_, ch := submit(t, e, command.Echo("x"))
	req := w.next(t)

	rsp := packet.New(req.Op.Response(), req.Group, req.ID, []byte{0xa1, 0x61})
	rsp.Sequence = req.Sequence
	data, err := packet.Encode(rsp)
	require.NoError(t, err)

	e.HandleNotification(data, nil)
	o := wait(t, ch)
	assert.Equal(t, KindFraming, KindOf(o.err))
}

func TestReturnCodeError(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)

	_, ch := submit(t, e, command.ImageList())
	req := w.next(t)
	e.HandleNotification(response(t, req, cbor.Map(cbor.KV("rc", cbor.Uint(3)))), nil)

	o := wait(t, ch)
	var rcErr *command.ReturnCodeError
	require.ErrorAs(t, o.err, &rcErr)
	assert.Equal(t, command.ReturnCodeInvalidState, rcErr.Code)
	assert.Equal(t, "Device is in invalid state", Describe(o.err))
	assert.Equal(t, KindApplication, KindOf(o.err))
}

func TestTransportErrors(t *testing.T) {
	t.Run("receive", func(t *testing.T) {
		w := newChanWriter()
		e := newEngine(w, time.Second)

		_, ch := submit(t, e, command.Echo("x"))
		w.next(t)
		e.HandleNotification(nil, errors.New("link lost"))

		o := wait(t, ch)
		var te *TransportError
		require.ErrorAs(t, o.err, &te)
		assert.Equal(t, "receive", te.Op)
	})

	t.Run("write", func(t *testing.T) {
		w := newChanWriter()
		w.err = errors.New("no route")
		e := newEngine(w, time.Second)

		_, ch := submit(t, e, command.Echo("x"))
		o := wait(t, ch)
		var te *TransportError
		require.ErrorAs(t, o.err, &te)
		assert.Equal(t, "write", te.Op)
		assert.Equal(t, 0, e.Pending())
	})
}

func TestImageListRequestBytes(t *testing.T) {
	w := mocks.NewMockWriter(t)
	w.EXPECT().Write([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0xa0}).Return(nil).Once()

	e := New(w, DefaultConfig())
	_, ch := submit(t, e, command.ImageList())

	e.End()
	assert.ErrorIs(t, wait(t, ch).err, ErrSessionEnded)
}

func TestWriteFailureAdvancesQueue(t *testing.T) {
	w := mocks.NewMockWriter(t)
	w.EXPECT().Write(mock.Anything).Return(errors.New("no route")).Times(2)

	e := New(w, DefaultConfig())
	_, first := submit(t, e, command.Echo("a"))
	_, second := submit(t, e, command.Echo("b"))

	assert.Equal(t, KindTransport, KindOf(wait(t, first).err))
	assert.Equal(t, KindTransport, KindOf(wait(t, second).err))
	assert.Equal(t, 0, e.Pending())
}

func TestEndDrainsQueue(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)

	_, a := submit(t, e, command.Echo("a"))
	_, b := submit(t, e, command.Echo("b"))
	req := w.next(t)

	e.End()
	assert.ErrorIs(t, wait(t, a).err, ErrSessionEnded)
	assert.ErrorIs(t, wait(t, b).err, ErrSessionEnded)
	assert.False(t, e.Active())

	// Late response and new requests are refused.
	e.HandleNotification(response(t, req, cbor.Map(cbor.KV("r", cbor.Text("a")))), nil)
	err := e.Submit(&Request{Command: command.Echo("c")})
	assert.ErrorIs(t, err, ErrSessionEnded)

	e.Start()
	_, c := submit(t, e, command.Echo("c"))
	req = w.next(t)
	e.HandleNotification(response(t, req, cbor.Map(cbor.KV("r", cbor.Text("c")))), nil)
	require.NoError(t, wait(t, c).err)
}

func TestSubmitWithoutCommand(t *testing.T) {
	e := newEngine(newChanWriter(), time.Second)
	assert.ErrorIs(t, e.Submit(&Request{}), ErrNoCommand)
	assert.ErrorIs(t, e.Submit(nil), ErrNoCommand)
}

func TestCancelQueued(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)

	head, _ := submit(t, e, command.Echo("a"))
	queued, ch := submit(t, e, command.Echo("b"))
	w.next(t)

	assert.True(t, e.Cancel(queued))
	assert.ErrorIs(t, wait(t, ch).err, ErrCancelled)
	assert.Equal(t, 1, e.Pending())

	assert.False(t, e.Cancel(head), "single-step head cannot be cancelled")
}

func TestDoContextCancel(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)

	submit(t, e, command.Echo("blocking"))
	w.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Echo(ctx, "queued")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, e.Pending())
}

// fakeDevice answers upload chunks from another goroutine.
func fakeDevice(t *testing.T, e *Engine, w *chanWriter, stop chan struct{}) *bytes.Buffer {
	t.Helper()
	var mu sync.Mutex
	received := &bytes.Buffer{}
	go func() {
		for {
			select {
			case <-stop:
				return
			case data := <-w.writes:
				req, err := packet.Decode(data)
				if err != nil {
					return
				}
				body, _, err := cbor.Decode(req.Body)
				if err != nil {
					return
				}
				off, _ := body.Lookup("off")
				chunk, _ := body.Lookup("data")
				o, _ := off.AsUint()
				b, _ := chunk.AsBytes()

				mu.Lock()
				received.Write(b)
				mu.Unlock()

				rsp := cbor.Map(cbor.KV("rc", cbor.Uint(0)), cbor.KV("off", cbor.Uint(o+uint64(len(b)))))
				raw, _ := cbor.Encode(rsp)
				p := packet.New(req.Op.Response(), req.Group, req.ID, raw)
				p.Sequence = req.Sequence
				out, _ := packet.Encode(p)
				e.HandleNotification(out, nil)
			}
		}
	}()
	return received
}

func TestUploadOverDevice(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)
	stop := make(chan struct{})
	defer close(stop)
	received := fakeDevice(t, e, w, stop)

	image := make([]byte, 1000)
	for i := range image {
		image[i] = byte(i)
	}

	var fractions []float64
	res, err := e.Upload(context.Background(), image, func(f float64) bool {
		fractions = append(fractions, f)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, res.Size)
	assert.Equal(t, image, received.Bytes())
	require.NotEmpty(t, fractions)
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1])
	}
}

func TestUploadCancelledByProgress(t *testing.T) {
	w := newChanWriter()
	e := newEngine(w, time.Second)
	stop := make(chan struct{})
	defer close(stop)
	fakeDevice(t, e, w, stop)

	calls := 0
	_, err := e.Upload(context.Background(), make([]byte, 1000), func(float64) bool {
		calls++
		return calls < 3
	})
	assert.ErrorIs(t, err, upload.ErrUserCancelled)
	assert.Equal(t, KindLocal, KindOf(err))
	assert.Equal(t, "Cancelled", Describe(err))
}

func TestUploadImageTooSmall(t *testing.T) {
	e := newEngine(newChanWriter(), time.Second)
	_, err := e.Upload(context.Background(), make([]byte, 8), nil)
	assert.ErrorIs(t, err, upload.ErrImageTooSmall)
}

func TestProtocolEventsLogged(t *testing.T) {
	w := newChanWriter()
	rec := log.NewRecorder(0)
	cfg := DefaultConfig()
	cfg.Logger = rec
	cfg.RemoteAddr = "192.0.2.1:1337"
	e := New(w, cfg)

	_, ch := submit(t, e, command.ImageList())
	req := w.next(t)
	e.HandleNotification(response(t, req, cbor.Map(cbor.KV("rc", cbor.Uint(8)))), nil)
	wait(t, ch)

	layer := log.LayerPacket
	msgs := rec.Events(log.Filter{Layer: &layer})
	require.Len(t, msgs, 2)
	assert.Equal(t, log.MessageTypeRequest, msgs[0].Message.Type)
	assert.Equal(t, log.MessageTypeResponse, msgs[1].Message.Type)
	require.NotNil(t, msgs[1].Message.ReturnCode)
	assert.Equal(t, 8, *msgs[1].Message.ReturnCode)
	assert.NotNil(t, msgs[1].Message.RoundTrip)
	assert.Equal(t, e.ConnectionID(), msgs[0].ConnectionID)
	assert.Equal(t, "192.0.2.1:1337", msgs[0].RemoteAddr)

	cat := log.CategoryError
	errs := rec.Events(log.Filter{Category: &cat})
	require.NotEmpty(t, errs)
	require.NotNil(t, errs[0].Error.Code)
	assert.Equal(t, 8, *errs[0].Error.Code)
	assert.Equal(t, "application", errs[0].Error.Kind)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{ErrRequestTimeout, KindTransport},
		{&TransportError{Op: "write", Err: errors.New("x")}, KindTransport},
		{&FramingError{Err: packet.ErrInvalidHeader}, KindFraming},
		{&command.ReturnCodeError{Code: command.ReturnCodeBusy}, KindApplication},
		{command.ErrMissingField, KindApplication},
		{ErrBusyAwaitingResponse, KindLocal},
		{ErrCancelled, KindLocal},
		{context.Canceled, KindLocal},
		{ErrSessionEnded, KindSession},
		{errors.New("other"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "Request timed out", Describe(ErrRequestTimeout))
	assert.Equal(t, "Device is busy", Describe(&command.ReturnCodeError{Code: command.ReturnCodeBusy}))
	assert.Equal(t, "Unrecognized return code 42", Describe(&command.ReturnCodeError{Code: 42}))
	assert.Contains(t, Describe(&TransportError{Op: "write", Err: errors.New("no route")}), "no route")
}
