package commands

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/smpmgr/smpmgr-go/internal/simdevice"
	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/discovery"
	"github.com/smpmgr/smpmgr-go/pkg/engine"
	"github.com/smpmgr/smpmgr-go/pkg/fwimage"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
	"github.com/smpmgr/smpmgr-go/pkg/transport"
)

func newRunner(t *testing.T, d *simdevice.Device, format string) (*Runner, *bytes.Buffer) {
	t.Helper()
	lb := transport.NewLoopback(d.Handler())
	cfg := engine.DefaultConfig()
	cfg.Timeout = time.Second
	e := engine.New(lb, cfg)
	lb.SetNotificationHandler(e.HandleNotification)
	t.Cleanup(func() {
		_ = e.Close()
		_ = lb.Close()
	})

	out := &bytes.Buffer{}
	return &Runner{Device: e, Out: out, Format: format, ReadyTimeout: 5 * time.Second}, out
}

func writeImage(t *testing.T, v fwimage.Version) (string, *fwimage.Image) {
	t.Helper()
	data := fwimage.Build(v, bytes.Repeat([]byte{0x5a}, 1500))
	img, err := fwimage.Parse(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, img
}

func TestList(t *testing.T) {
	r, out := newRunner(t, simdevice.New(simdevice.DefaultConfig()), FormatText)

	require.NoError(t, r.Run(context.Background(), []string{"list"}))
	assert.Contains(t, out.String(), "Slot 0: 1.0.0")
	assert.Contains(t, out.String(), "Flags: active confirmed bootable")
}

func TestListYAML(t *testing.T) {
	r, out := newRunner(t, simdevice.New(simdevice.DefaultConfig()), FormatYAML)

	require.NoError(t, r.Run(context.Background(), []string{"ls"}))

	var doc struct {
		Images []ImageView `yaml:"images"`
	}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc.Images, 1)
	assert.Equal(t, "1.0.0", doc.Images[0].Version)
	assert.Len(t, doc.Images[0].Hash, 64)
}

func TestUpgradeFlow(t *testing.T) {
	d := simdevice.New(simdevice.DefaultConfig())
	r, out := newRunner(t, d, FormatText)
	ctx := context.Background()
	path, img := writeImage(t, fwimage.Version{Major: 1, Minor: 4, Revision: 2})
	hash := hex.EncodeToString(img.Hash)

	require.NoError(t, r.Run(ctx, []string{"upload", path}))
	assert.Contains(t, out.String(), "100%")
	assert.Contains(t, out.String(), "Hash: "+hash)

	out.Reset()
	require.NoError(t, r.Run(ctx, []string{"test", hash}))
	assert.Contains(t, out.String(), "Slot 1: 1.4.2")
	assert.Contains(t, out.String(), "pending")

	out.Reset()
	require.NoError(t, r.Run(ctx, []string{"reset", "-wait"}))
	assert.Contains(t, out.String(), "Device ready")
	assert.Equal(t, "1.4.2", d.Firmware())

	require.NoError(t, r.Run(ctx, []string{"confirm"}))
}

func TestInfo(t *testing.T) {
	path, img := writeImage(t, fwimage.Version{Major: 2, Build: 7})
	r := &Runner{Out: &bytes.Buffer{}, Format: FormatYAML}

	require.NoError(t, r.Run(context.Background(), []string{"info", path}))

	var info ImageInfo
	require.NoError(t, yaml.Unmarshal(r.Out.(*bytes.Buffer).Bytes(), &info))
	assert.Equal(t, "2.0.0.7", info.Version)
	assert.Equal(t, hex.EncodeToString(img.Hash), info.Hash)
	assert.Equal(t, uint32(1500), info.ImageSize)
}

func TestInfoRejectsGarbage(t *testing.T) {
	r := &Runner{
		Out:      &bytes.Buffer{},
		ReadFile: func(string) ([]byte, error) { return make([]byte, 64), nil },
	}
	err := r.Run(context.Background(), []string{"info", "x.bin"})
	assert.ErrorIs(t, err, fwimage.ErrImageInvalid)
}

func TestEchoAndStats(t *testing.T) {
	r, out := newRunner(t, simdevice.New(simdevice.DefaultConfig()), FormatText)
	ctx := context.Background()

	require.NoError(t, r.Run(ctx, []string{"echo", "hello", "world"}))
	assert.Equal(t, "hello world\n", out.String())

	out.Reset()
	require.NoError(t, r.Run(ctx, []string{"stats"}))
	assert.Equal(t, "smp_svr_stats\nnet\n", out.String())

	out.Reset()
	require.NoError(t, r.Run(ctx, []string{"stats", "net"}))
	assert.Contains(t, out.String(), "net (group net)")
	assert.Contains(t, out.String(), "rx")

	out.Reset()
	require.NoError(t, r.Run(ctx, []string{"taskstats"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "idle"))
	assert.True(t, strings.HasPrefix(lines[2], "main"))
}

func TestUsageErrors(t *testing.T) {
	r, _ := newRunner(t, simdevice.New(simdevice.DefaultConfig()), FormatText)

	for _, args := range [][]string{
		nil,
		{"frobnicate"},
		{"test"},
		{"test", "zz"},
		{"confirm", "aa", "bb"},
		{"upload"},
		{"reset", "-now"},
		{"stats", "a", "b"},
	} {
		err := r.Run(context.Background(), args)
		assert.ErrorIs(t, err, ErrUsage, "args %v", args)
	}
}

func TestDeviceErrorDescribed(t *testing.T) {
	d := simdevice.New(simdevice.DefaultConfig())
	d.InjectReturnCode(packet.GroupImage, command.IDImageState, command.ReturnCodeNotSupported)
	r, _ := newRunner(t, d, FormatText)

	err := r.Run(context.Background(), []string{"list"})
	require.Error(t, err)
	assert.Equal(t, "Command not supported [application]", Describe(err))
}

type fakeBrowser struct {
	services []*discovery.Service
	err      error
}

func (f *fakeBrowser) Browse(context.Context) (<-chan *discovery.Service, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBrowser) FindAll(context.Context) ([]*discovery.Service, error) {
	return f.services, f.err
}

func (f *fakeBrowser) Find(_ context.Context, name string) (*discovery.Service, error) {
	for _, s := range f.services {
		if s.InstanceName == name {
			return s, nil
		}
	}
	return nil, discovery.ErrNotFound
}

func (f *fakeBrowser) Stop() {}

func TestDiscover(t *testing.T) {
	b := &fakeBrowser{services: []*discovery.Service{
		{InstanceName: "lab-1", Port: 1337, Addresses: []string{"fe80::1", "192.0.2.5"}, Board: "nrf52", Firmware: "1.2.0"},
		{InstanceName: "lab-2", Port: 1400},
	}}

	var out bytes.Buffer
	require.NoError(t, Discover(context.Background(), b, &out, FormatText))
	assert.Contains(t, out.String(), "192.0.2.5:1337")
	assert.Contains(t, out.String(), "board=nrf52 fw=1.2.0")
	assert.Contains(t, out.String(), "lab-2")

	out.Reset()
	require.NoError(t, Discover(context.Background(), &fakeBrowser{}, &out, FormatText))
	assert.Equal(t, "No devices found\n", out.String())
}

func TestResolve(t *testing.T) {
	b := &fakeBrowser{services: []*discovery.Service{
		{InstanceName: "lab-1", Port: 1337, Addresses: []string{"192.0.2.5"}},
		{InstanceName: "no-addr", Port: 1337},
	}}

	addr, err := Resolve(context.Background(), b, "lab-1")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.5:1337", addr)

	_, err = Resolve(context.Background(), b, "no-addr")
	assert.ErrorIs(t, err, discovery.ErrNotFound)

	_, err = Resolve(context.Background(), b, "missing")
	assert.ErrorIs(t, err, discovery.ErrNotFound)
}
