// Package commands implements the smpctl management commands. They are
// shared by the one-shot command line and the interactive shell.
package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/connection"
	"github.com/smpmgr/smpmgr-go/pkg/engine"
	"github.com/smpmgr/smpmgr-go/pkg/fwimage"
)

// Output formats.
const (
	FormatText = "text"
	FormatYAML = "yaml"
)

// ErrUsage is returned for malformed command lines.
var ErrUsage = errors.New("usage")

// Device is the engine surface the commands use.
type Device interface {
	ImageList(ctx context.Context) (*command.ImageState, error)
	ImageTest(ctx context.Context, hash []byte) (*command.ImageState, error)
	ImageConfirm(ctx context.Context, hash []byte) (*command.ImageState, error)
	Upload(ctx context.Context, image []byte, progress func(float64) bool) (*command.UploadResult, error)
	TaskStats(ctx context.Context) (*command.TaskStats, error)
	Reset(ctx context.Context, force bool) error
	Echo(ctx context.Context, msg string) (string, error)
	Stats(ctx context.Context) ([]string, error)
	StatDetail(ctx context.Context, name string) (*command.StatDetail, error)
}

var _ Device = (*engine.Engine)(nil)

// Runner executes commands against one device.
type Runner struct {
	Device Device
	Out    io.Writer
	Format string

	// ReadFile loads upload images. Nil uses os.ReadFile.
	ReadFile func(path string) ([]byte, error)

	// ReadyTimeout bounds the wait for the device after "reset -wait".
	ReadyTimeout time.Duration
}

// Help lists the commands.
const Help = `Image:
    list                    - Show image slots
    upload <file>           - Upload a firmware image
    test <hash>             - Boot the image with <hash> once on next reset
    confirm [hash]          - Make the running image (or <hash>) permanent
    info <file>             - Show the header of a firmware image file

  Device:
    reset [-force] [-wait]  - Reboot the device
    echo <text>             - Echo text
    taskstats               - Show task statistics
    stats [name]            - List statistics groups or show one group`

// Run executes one command line.
func (r *Runner) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: no command", ErrUsage)
	}
	cmd, args := strings.ToLower(args[0]), args[1:]

	switch cmd {
	case "list", "ls":
		return r.cmdList(ctx)
	case "upload":
		return r.cmdUpload(ctx, args)
	case "test":
		return r.cmdTest(ctx, args)
	case "confirm":
		return r.cmdConfirm(ctx, args)
	case "info":
		return r.cmdInfo(args)
	case "reset":
		return r.cmdReset(ctx, args)
	case "echo":
		return r.cmdEcho(ctx, args)
	case "taskstats", "tasks":
		return r.cmdTaskStats(ctx)
	case "stats":
		return r.cmdStats(ctx, args)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func (r *Runner) yaml() bool {
	return r.Format == FormatYAML
}

func (r *Runner) emit(v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = r.Out.Write(data)
	return err
}

func (r *Runner) readFile(path string) ([]byte, error) {
	if r.ReadFile != nil {
		return r.ReadFile(path)
	}
	return os.ReadFile(path)
}

// ImageView is the printable form of one image slot.
type ImageView struct {
	Slot    int      `yaml:"slot"`
	Version string   `yaml:"version"`
	Hash    string   `yaml:"hash"`
	Flags   []string `yaml:"flags,flow"`
}

func imageViews(state *command.ImageState) []ImageView {
	views := make([]ImageView, 0, len(state.Images))
	for _, img := range state.Images {
		views = append(views, ImageView{
			Slot:    img.Slot,
			Version: img.Version,
			Hash:    img.HashString(),
			Flags:   img.Flags(),
		})
	}
	return views
}

func (r *Runner) printImages(state *command.ImageState) error {
	views := imageViews(state)
	if r.yaml() {
		return r.emit(map[string]any{"images": views, "splitStatus": state.SplitStatus})
	}
	if len(views) == 0 {
		fmt.Fprintln(r.Out, "No images")
		return nil
	}
	for _, v := range views {
		fmt.Fprintf(r.Out, "Slot %d: %s\n", v.Slot, v.Version)
		fmt.Fprintf(r.Out, "  Hash:  %s\n", v.Hash)
		if len(v.Flags) > 0 {
			fmt.Fprintf(r.Out, "  Flags: %s\n", strings.Join(v.Flags, " "))
		}
	}
	if state.SplitStatus != 0 {
		fmt.Fprintf(r.Out, "Split status: %d\n", state.SplitStatus)
	}
	return nil
}

func (r *Runner) cmdList(ctx context.Context) error {
	state, err := r.Device.ImageList(ctx)
	if err != nil {
		return err
	}
	return r.printImages(state)
}

func parseHash(s string) ([]byte, error) {
	hash, err := hex.DecodeString(s)
	if err != nil || len(hash) == 0 {
		return nil, fmt.Errorf("%w: invalid hash %q", ErrUsage, s)
	}
	return hash, nil
}

func (r *Runner) cmdTest(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: test <hash>", ErrUsage)
	}
	hash, err := parseHash(args[0])
	if err != nil {
		return err
	}
	state, err := r.Device.ImageTest(ctx, hash)
	if err != nil {
		return err
	}
	return r.printImages(state)
}

func (r *Runner) cmdConfirm(ctx context.Context, args []string) error {
	var hash []byte
	switch len(args) {
	case 0:
	case 1:
		h, err := parseHash(args[0])
		if err != nil {
			return err
		}
		hash = h
	default:
		return fmt.Errorf("%w: confirm [hash]", ErrUsage)
	}
	state, err := r.Device.ImageConfirm(ctx, hash)
	if err != nil {
		return err
	}
	return r.printImages(state)
}

// ImageInfo is the printable form of a firmware image header.
type ImageInfo struct {
	File      string `yaml:"file"`
	Size      int    `yaml:"size"`
	Version   string `yaml:"version"`
	ImageSize uint32 `yaml:"imageSize"`
	Hash      string `yaml:"hash,omitempty"`
}

func (r *Runner) loadImage(path string) ([]byte, *ImageInfo, error) {
	data, err := r.readFile(path)
	if err != nil {
		return nil, nil, err
	}
	img, err := fwimage.Parse(data)
	if err != nil {
		return data, nil, err
	}
	return data, &ImageInfo{
		File:      path,
		Size:      len(data),
		Version:   img.Header.Version.String(),
		ImageSize: img.Header.ImageSize,
		Hash:      hex.EncodeToString(img.Hash),
	}, nil
}

func (r *Runner) cmdInfo(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: info <file>", ErrUsage)
	}
	_, info, err := r.loadImage(args[0])
	if err != nil {
		return err
	}
	if r.yaml() {
		return r.emit(info)
	}
	fmt.Fprintf(r.Out, "File:       %s (%d bytes)\n", info.File, info.Size)
	fmt.Fprintf(r.Out, "Version:    %s\n", info.Version)
	fmt.Fprintf(r.Out, "Image size: %d\n", info.ImageSize)
	if info.Hash != "" {
		fmt.Fprintf(r.Out, "Hash:       %s\n", info.Hash)
	}
	return nil
}

func (r *Runner) cmdUpload(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: upload <file>", ErrUsage)
	}
	data, info, err := r.loadImage(args[0])
	if data == nil {
		return err
	}
	if err != nil {
		// Devices reject images they cannot parse, but some accept raw
		// payloads, so only warn.
		fmt.Fprintf(r.Out, "Warning: %v\n", err)
	}

	last := -10
	start := time.Now()
	res, err := r.Device.Upload(ctx, data, func(f float64) bool {
		if pct := int(f * 100); pct/10 != last/10 && !r.yaml() {
			last = pct
			fmt.Fprintf(r.Out, "  %3d%%\n", pct)
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if r.yaml() {
		out := map[string]any{"uploaded": res.Size, "seconds": elapsed.Seconds()}
		if info != nil {
			out["hash"] = info.Hash
			out["version"] = info.Version
		}
		return r.emit(out)
	}
	fmt.Fprintf(r.Out, "Uploaded %d bytes in %s\n", res.Size, elapsed.Round(time.Millisecond))
	if info != nil && info.Hash != "" {
		fmt.Fprintf(r.Out, "Hash: %s\n", info.Hash)
	}
	return nil
}

func (r *Runner) cmdReset(ctx context.Context, args []string) error {
	var force, wait bool
	for _, a := range args {
		switch a {
		case "-force", "--force":
			force = true
		case "-wait", "--wait":
			wait = true
		default:
			return fmt.Errorf("%w: reset [-force] [-wait]", ErrUsage)
		}
	}

	if err := r.Device.Reset(ctx, force); err != nil {
		return err
	}
	fmt.Fprintln(r.Out, "Reset requested")
	if !wait {
		return nil
	}

	timeout := r.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	if err := connection.WaitReady(wctx, r.Device, connection.NewBackoff()); err != nil {
		return fmt.Errorf("device did not come back: %w", err)
	}
	fmt.Fprintf(r.Out, "Device ready after %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *Runner) cmdEcho(ctx context.Context, args []string) error {
	msg, err := r.Device.Echo(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if r.yaml() {
		return r.emit(map[string]string{"echo": msg})
	}
	fmt.Fprintln(r.Out, msg)
	return nil
}

// TaskView is the printable form of one task.
type TaskView struct {
	Name     string `yaml:"name"`
	Priority uint64 `yaml:"prio"`
	TaskID   uint64 `yaml:"tid"`
	State    uint64 `yaml:"state"`
	StackUse uint64 `yaml:"stkuse"`
	StackSiz uint64 `yaml:"stksiz"`
	Switches uint64 `yaml:"cswcnt"`
	Runtime  uint64 `yaml:"runtime"`
}

func (r *Runner) cmdTaskStats(ctx context.Context) error {
	stats, err := r.Device.TaskStats(ctx)
	if err != nil {
		return err
	}

	views := make([]TaskView, 0, len(stats.Tasks))
	for _, t := range stats.Tasks {
		views = append(views, TaskView{
			Name: t.Name, Priority: t.Priority, TaskID: t.TaskID, State: t.State,
			StackUse: t.StackUse, StackSiz: t.StackSize, Switches: t.ContextSwitches, Runtime: t.Runtime,
		})
	}
	if r.yaml() {
		return r.emit(map[string]any{"tasks": views})
	}

	fmt.Fprintf(r.Out, "%-16s %5s %4s %5s %11s %8s %10s\n", "TASK", "PRIO", "TID", "STATE", "STACK", "CSW", "RUNTIME")
	for _, v := range views {
		fmt.Fprintf(r.Out, "%-16s %5d %4d %5d %5d/%-5d %8d %10d\n",
			v.Name, v.Priority, v.TaskID, v.State, v.StackUse, v.StackSiz, v.Switches, v.Runtime)
	}
	return nil
}

func (r *Runner) cmdStats(ctx context.Context, args []string) error {
	switch len(args) {
	case 0:
		names, err := r.Device.Stats(ctx)
		if err != nil {
			return err
		}
		if r.yaml() {
			return r.emit(map[string]any{"stat_list": names})
		}
		for _, n := range names {
			fmt.Fprintln(r.Out, n)
		}
		return nil
	case 1:
		detail, err := r.Device.StatDetail(ctx, args[0])
		if err != nil {
			return err
		}
		if r.yaml() {
			fields := make(map[string]uint64, len(detail.Fields))
			for _, f := range detail.Fields {
				fields[f.Name] = f.Value
			}
			return r.emit(map[string]any{"name": detail.Name, "group": detail.Group, "fields": fields})
		}
		fmt.Fprintf(r.Out, "%s (group %s)\n", detail.Name, detail.Group)
		for _, f := range detail.Fields {
			fmt.Fprintf(r.Out, "  %-20s %d\n", f.Name, f.Value)
		}
		return nil
	default:
		return fmt.Errorf("%w: stats [name]", ErrUsage)
	}
}

// Describe renders err for the user.
func Describe(err error) string {
	if errors.Is(err, ErrUsage) {
		return err.Error()
	}
	return fmt.Sprintf("%s [%s]", engine.Describe(err), engine.KindOf(err))
}
