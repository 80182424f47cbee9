package log

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

func TestMessageEventCBORRoundTrip(t *testing.T) {
	rc := 3
	rt := 42 * time.Millisecond
	original := Event{
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		ConnectionID: "6f1c2b7e-0000-4000-8000-000000000001",
		Direction:    DirectionIn,
		Layer:        LayerPacket,
		Category:     CategoryMessage,
		LocalRole:    RoleController,
		RemoteAddr:   "127.0.0.1:1337",
		Message: &MessageEvent{
			Type:       MessageTypeResponse,
			Op:         1,
			Group:      1,
			ID:         0,
			Sequence:   7,
			Flags:      1,
			Length:     100,
			Command:    "image list",
			Body:       `{"rc": 3}`,
			ReturnCode: &rc,
			RoundTrip:  &rt,
		},
	}

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, original.Timestamp)
	}
	if decoded.ConnectionID != original.ConnectionID || decoded.RemoteAddr != original.RemoteAddr {
		t.Errorf("identity fields differ: got %+v", decoded)
	}
	if decoded.LocalRole != RoleController {
		t.Errorf("LocalRole: got %v", decoded.LocalRole)
	}

	m := decoded.Message
	if m == nil {
		t.Fatal("Message is nil")
	}
	if m.Type != MessageTypeResponse || m.Group != 1 || m.Sequence != 7 || m.Length != 100 {
		t.Errorf("header fields differ: got %+v", m)
	}
	if m.Body != `{"rc": 3}` || m.Command != "image list" {
		t.Errorf("Body/Command: got %q/%q", m.Body, m.Command)
	}
	if m.ReturnCode == nil || *m.ReturnCode != 3 {
		t.Errorf("ReturnCode: got %v", m.ReturnCode)
	}
	if m.RoundTrip == nil || *m.RoundTrip != rt {
		t.Errorf("RoundTrip: got %v", m.RoundTrip)
	}
}

func TestEventCBORUsesIntegerKeys(t *testing.T) {
	data, err := EncodeEvent(Event{
		ConnectionID: "c",
		StateChange:  &StateChangeEvent{Entity: StateEntityQueue, NewState: "EXECUTING"},
	})
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	var raw map[any]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for k := range raw {
		if _, ok := k.(uint64); !ok {
			t.Errorf("key %v (%T) is not an integer", k, k)
		}
	}
	if _, ok := raw[uint64(12)]; !ok {
		t.Error("state change payload missing under key 12")
	}
}

func TestNewFrameEventTruncates(t *testing.T) {
	small := NewFrameEvent([]byte{1, 2, 3})
	if small.Size != 3 || small.Truncated || !bytes.Equal(small.Data, []byte{1, 2, 3}) {
		t.Errorf("small frame: got %+v", small)
	}

	big := NewFrameEvent(make([]byte, MaxFrameData+10))
	if big.Size != MaxFrameData+10 || !big.Truncated || len(big.Data) != MaxFrameData {
		t.Errorf("big frame: size=%d truncated=%v len=%d", big.Size, big.Truncated, len(big.Data))
	}
}

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DirectionIn.String(), "IN"},
		{DirectionOut.String(), "OUT"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerTransport.String(), "TRANSPORT"},
		{LayerPacket.String(), "PACKET"},
		{LayerEngine.String(), "ENGINE"},
		{CategoryMessage.String(), "MESSAGE"},
		{CategoryState.String(), "STATE"},
		{CategoryError.String(), "ERROR"},
		{RoleDevice.String(), "DEVICE"},
		{RoleController.String(), "CONTROLLER"},
		{MessageTypeRequest.String(), "REQUEST"},
		{MessageTypeResponse.String(), "RESPONSE"},
		{StateEntitySession.String(), "SESSION"},
		{StateEntityQueue.String(), "QUEUE"},
		{StateEntityUpload.String(), "UPLOAD"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func writeLog(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "captures", "test"+FileExtension)

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

func readAll(t *testing.T, path string, filter Filter) []Event {
	t.Helper()
	r, err := NewFilteredReader(path, filter)
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	defer r.Close()

	var out []Event
	for {
		e, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, e)
	}
}

func TestFileLoggerAppendsAcrossOpens(t *testing.T) {
	path := writeLog(t, []Event{{ConnectionID: "a", Timestamp: time.Now()}})

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	logger.Log(Event{ConnectionID: "b", Timestamp: time.Now()})
	logger.Close()

	// Close is idempotent and Log after Close is ignored.
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	logger.Log(Event{ConnectionID: "c"})

	got := readAll(t, path, Filter{})
	if len(got) != 2 || got[0].ConnectionID != "a" || got[1].ConnectionID != "b" {
		t.Errorf("got %+v", got)
	}
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent"+FileExtension)
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				logger.Log(Event{Timestamp: time.Now(), Frame: NewFrameEvent([]byte{byte(j)})})
			}
		}()
	}
	wg.Wait()
	logger.Close()

	if got := len(readAll(t, path, Filter{})); got != 200 {
		t.Errorf("read %d events, want 200", got)
	}
}

func TestReaderFilters(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	image := uint16(1)
	stats := uint16(2)

	events := []Event{
		{Timestamp: base, ConnectionID: "A", Direction: DirectionOut, Layer: LayerPacket, Message: &MessageEvent{Group: image}},
		{Timestamp: base.Add(time.Second), ConnectionID: "A", Direction: DirectionIn, Layer: LayerPacket, Message: &MessageEvent{Group: image}},
		{Timestamp: base.Add(2 * time.Second), ConnectionID: "B", Direction: DirectionOut, Layer: LayerPacket, Message: &MessageEvent{Group: stats}},
		{Timestamp: base.Add(3 * time.Second), ConnectionID: "A", Direction: DirectionOut, Layer: LayerEngine, Category: CategoryState, StateChange: &StateChangeEvent{NewState: "IDLE"}},
		{Timestamp: base.Add(4 * time.Second), ConnectionID: "A", Direction: DirectionOut, Layer: LayerTransport, RemoteAddr: "10.0.0.2:1337", Frame: &FrameEvent{Size: 1}},
	}
	path := writeLog(t, events)

	in := DirectionIn
	engine := LayerEngine
	state := CategoryState
	start := base.Add(time.Second)
	end := base.Add(3 * time.Second)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 5},
		{"connection", Filter{ConnectionID: "A"}, 4},
		{"direction", Filter{Direction: &in}, 1},
		{"layer", Filter{Layer: &engine}, 1},
		{"category", Filter{Category: &state}, 1},
		{"group", Filter{Group: &image}, 2},
		{"group excludes non-packet", Filter{Group: &stats}, 1},
		{"time range", Filter{TimeStart: &start, TimeEnd: &end}, 2},
		{"remote", Filter{RemoteAddr: "10.0.0.2:1337"}, 1},
		{"combined", Filter{ConnectionID: "A", Group: &image, Direction: &in}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(readAll(t, path, tt.filter)); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}
}

func TestMultiLoggerSkipsNil(t *testing.T) {
	a := NewRecorder(0)
	b := NewRecorder(0)
	m := NewMultiLogger(a, nil, b)

	m.Log(Event{ConnectionID: "x"})

	if len(a.Events(Filter{})) != 1 || len(b.Events(Filter{})) != 1 {
		t.Error("expected both recorders to receive the event")
	}
}

func TestRecorderLimit(t *testing.T) {
	r := NewRecorder(3)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		r.Log(Event{ConnectionID: id})
	}

	got := r.Events(Filter{})
	if len(got) != 3 || got[0].ConnectionID != "3" || got[2].ConnectionID != "5" {
		t.Errorf("got %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Recorder should stamp events without a timestamp")
	}

	r.Reset()
	if len(r.Events(Filter{})) != 0 {
		t.Error("Reset did not clear events")
	}
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := NewSlogAdapter(logger)

	rc := 5
	a.Log(Event{
		ConnectionID: "conn-1",
		Layer:        LayerPacket,
		Message:      &MessageEvent{Type: MessageTypeResponse, Group: 2, ID: 1, Body: "{}", ReturnCode: &rc},
	})
	a.Log(Event{
		ConnectionID: "conn-1",
		Layer:        LayerEngine,
		Category:     CategoryError,
		Error:        &ErrorEventData{Layer: LayerEngine, Message: "request timed out", Kind: "transport"},
	})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var msg map[string]any
	if err := json.Unmarshal(lines[0], &msg); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if msg["level"] != "DEBUG" || msg["layer"] != "PACKET" || msg["rc"] != float64(5) || msg["group"] != float64(2) {
		t.Errorf("message attrs: %v", msg)
	}

	var errLine map[string]any
	if err := json.Unmarshal(lines[1], &errLine); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if errLine["level"] != "WARN" || errLine["error_kind"] != "transport" {
		t.Errorf("error attrs: %v", errLine)
	}
}

func TestNoopLogger(t *testing.T) {
	var l Logger = NoopLogger{}
	l.Log(Event{Frame: &FrameEvent{}})
}

func TestReaderAllStopsEarly(t *testing.T) {
	now := time.Now()
	path := writeLog(t, []Event{
		{ConnectionID: "a", Timestamp: now},
		{ConnectionID: "b", Timestamp: now},
		{ConnectionID: "c", Timestamp: now},
	})

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	var ids []string
	for ev, err := range r.All() {
		if err != nil {
			t.Fatalf("All yielded error: %v", err)
		}
		ids = append(ids, ev.ConnectionID)
		if len(ids) == 2 {
			break
		}
	}
	if len(ids) != 2 {
		t.Fatalf("got %v", ids)
	}

	ev, err := r.Next()
	if err != nil || ev.ConnectionID != "c" {
		t.Errorf("Next after break = %+v, %v", ev, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next at end = %v, want io.EOF", err)
	}
}

func TestFilterMatchGroupNeedsMessage(t *testing.T) {
	g := uint16(1)
	f := Filter{Group: &g}

	if f.Match(Event{Frame: &FrameEvent{Size: 8}}) {
		t.Error("frame event matched a group filter")
	}
	if !f.Match(Event{Message: &MessageEvent{Group: 1}}) {
		t.Error("image packet did not match")
	}
	if f.Match(Event{Message: &MessageEvent{Group: 2}}) {
		t.Error("stats packet matched the image filter")
	}
}
