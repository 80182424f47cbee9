// Package simdevice implements an in-memory SMP device.
//
// A Device answers image list/test/confirm, image upload, task statistics,
// reset, echo and statistics group requests. It is the far end of the
// integration tests and of the smp-sim binary. Responses can be split into
// BLE-sized fragments with Handler so that controllers exercise reassembly.
package simdevice

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smpmgr/smpmgr-go/pkg/cbor"
	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/fwimage"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
	"github.com/smpmgr/smpmgr-go/pkg/transport"
)

// StatGroup is one named group of counters.
type StatGroup struct {
	Name   string
	Group  string
	Fields []command.StatField
}

// Config configures a simulated device.
type Config struct {
	// Board is reported in discovery records.
	Board string

	// Version is the version of the image the device boots with.
	Version fwimage.Version

	// FragmentSize bounds each response fragment. Zero or less sends whole
	// packets.
	FragmentSize int

	// ResetDelay is how long the device ignores requests after a reset.
	ResetDelay time.Duration

	Tasks []command.Task
	Stats []StatGroup

	// Logger receives request traces. Nil disables them.
	Logger *slog.Logger
}

// DefaultConfig returns a device with two tasks and two stat groups.
func DefaultConfig() Config {
	return Config{
		Board:        "sim",
		Version:      fwimage.Version{Major: 1, Minor: 0},
		FragmentSize: transport.DefaultFragmentSize,
		Tasks: []command.Task{
			{Name: "idle", Priority: 255, TaskID: 0, State: 1, StackUse: 64, StackSize: 256, ContextSwitches: 1042, Runtime: 990123},
			{Name: "main", Priority: 127, TaskID: 1, State: 2, StackUse: 812, StackSize: 2048, ContextSwitches: 377, Runtime: 10234},
		},
		Stats: []StatGroup{
			{Name: "smp_svr_stats", Group: "smp", Fields: []command.StatField{
				{Name: "ticks", Value: 0},
			}},
			{Name: "net", Group: "net", Fields: []command.StatField{
				{Name: "rx", Value: 0},
				{Name: "tx", Value: 0},
			}},
		},
	}
}

type route struct {
	group packet.Group
	id    uint8
}

// Device is a simulated SMP device. It is safe for concurrent use.
type Device struct {
	mu     sync.Mutex
	config Config
	id     string

	slots  [2]slot
	upload *pendingUpload

	resets    int
	downUntil time.Time
	now       func() time.Time

	faults map[route]command.ReturnCode
	drop   int
}

// New creates a device running an image built from config.Version.
func New(config Config) *Device {
	stats := make([]StatGroup, len(config.Stats))
	for i, s := range config.Stats {
		s.Fields = append([]command.StatField(nil), s.Fields...)
		stats[i] = s
	}
	config.Stats = stats

	boot := fwimage.Build(config.Version, []byte("smp simulator boot image"))
	img, _ := fwimage.Parse(boot)

	d := &Device{
		config: config,
		id:     uuid.NewString(),
		now:    time.Now,
		faults: make(map[route]command.ReturnCode),
	}
	d.slots[0] = slot{
		data:      boot,
		version:   versionString(img.Header.Version),
		hash:      img.Hash,
		bootable:  true,
		confirmed: true,
		active:    true,
	}
	return d
}

// ID returns the device instance id.
func (d *Device) ID() string {
	return d.id
}

// Board returns the configured board name.
func (d *Device) Board() string {
	return d.config.Board
}

// Firmware returns the version of the running image.
func (d *Device) Firmware() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slots[0].version
}

// Resets returns how many resets the device has performed.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// InjectReturnCode makes every request to group/id fail with rc.
// ReturnCodeOK removes the fault.
func (d *Device) InjectReturnCode(group packet.Group, id uint8, rc command.ReturnCode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc == command.ReturnCodeOK {
		delete(d.faults, route{group, id})
		return
	}
	d.faults[route{group, id}] = rc
}

// DropNext makes the device ignore the next n requests.
func (d *Device) DropNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop = n
}

// Handler returns the packet handler to serve the device with, splitting
// responses into fragments of the configured size.
func (d *Device) Handler() transport.PacketHandler {
	return transport.FragmentHandler(d.Handle, d.config.FragmentSize)
}

// Handle answers one request packet with one response packet. Requests
// that cannot be parsed are dropped.
func (d *Device) Handle(request []byte) [][]byte {
	req, err := packet.Decode(request)
	if err != nil {
		d.debug("dropping request", "error", err)
		return nil
	}
	if req.Op.IsResponse() {
		d.debug("dropping response packet", "packet", req.String())
		return nil
	}

	d.mu.Lock()
	if d.drop > 0 {
		d.drop--
		d.mu.Unlock()
		d.debug("dropping request on purpose", "packet", req.String())
		return nil
	}
	if d.now().Before(d.downUntil) {
		d.mu.Unlock()
		d.debug("device is rebooting", "packet", req.String())
		return nil
	}
	rsp := d.dispatch(req)
	d.mu.Unlock()

	raw, err := cbor.Encode(rsp)
	if err != nil {
		d.debug("encoding response failed", "error", err)
		return nil
	}
	out := packet.New(req.Op.Response(), req.Group, req.ID, raw)
	out.Version = req.Version
	out.Sequence = req.Sequence
	data, err := packet.Encode(out)
	if err != nil {
		d.debug("encoding packet failed", "error", err)
		return nil
	}
	d.debug("request handled", "request", req.String(), "response", out.String())
	return [][]byte{data}
}

// dispatch routes req to its handler. Called with d.mu held.
func (d *Device) dispatch(req *packet.Packet) cbor.Value {
	if rc, ok := d.faults[route{req.Group, req.ID}]; ok {
		return rcBody(rc)
	}

	body, _, err := cbor.Decode(req.Body)
	if err != nil || body.Kind() != cbor.KindMap {
		return rcBody(command.ReturnCodeInvalidState)
	}

	write := req.Op == packet.OpWrite
	switch (route{req.Group, req.ID}) {
	case route{packet.GroupDefault, command.IDEcho}:
		return d.echo(body)
	case route{packet.GroupDefault, command.IDTaskStats}:
		if write {
			break
		}
		return d.taskStats()
	case route{packet.GroupDefault, command.IDReset}:
		if !write {
			break
		}
		return d.reset()
	case route{packet.GroupImage, command.IDImageState}:
		if write {
			return d.imageWrite(body)
		}
		return d.imageList()
	case route{packet.GroupImage, command.IDImageUpload}:
		if !write {
			break
		}
		return d.imageUpload(body)
	case route{packet.GroupStats, command.IDStatDetail}:
		return d.statDetail(body)
	case route{packet.GroupStats, command.IDStatList}:
		return d.statList()
	}
	return rcBody(command.ReturnCodeNotSupported)
}

func (d *Device) debug(msg string, args ...any) {
	if d.config.Logger == nil {
		return
	}
	d.config.Logger.Debug(msg, append([]any{"device", d.id}, args...)...)
}

func rcBody(rc command.ReturnCode) cbor.Value {
	return cbor.Map(cbor.KV("rc", cbor.Int(int64(rc))))
}
