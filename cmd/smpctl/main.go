// Command smpctl manages devices that speak the Simple Management Protocol
// over UDP.
//
// Usage:
//
//	smpctl [flags] <command> [args]
//
// Commands:
//
//	list                    Show image slots
//	upload <file>           Upload a firmware image
//	test <hash>             Boot the image with <hash> once on next reset
//	confirm [hash]          Make the running image (or <hash>) permanent
//	info <file>             Show the header of a firmware image file
//	reset [-force] [-wait]  Reboot the device
//	echo <text>             Echo text
//	taskstats               Show task statistics
//	stats [name]            List statistics groups or show one group
//	discover                Browse the local network for devices
//
// Examples:
//
//	# List images on a device
//	smpctl -addr 192.0.2.10 list
//
//	# Upload, mark for test and reboot, waiting until it answers again
//	smpctl -addr 192.0.2.10 upload app.signed.bin
//	smpctl -addr 192.0.2.10 test 3f4a...
//	smpctl -addr 192.0.2.10 reset -wait
//
//	# Find a device by its mDNS name and open a shell
//	smpctl -name smp-sim -interactive
//
//	# Read settings from a file and print YAML
//	smpctl -config smpctl.yaml -o yaml taskstats
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smpmgr/smpmgr-go/cmd/smpctl/commands"
	"github.com/smpmgr/smpmgr-go/pkg/connection"
	"github.com/smpmgr/smpmgr-go/pkg/discovery"
	smplog "github.com/smpmgr/smpmgr-go/pkg/log"
	"github.com/smpmgr/smpmgr-go/pkg/transport"
)

const usage = `smpctl - Simple Management Protocol controller

Usage:
  smpctl [flags] <command> [args]

Commands:
  ` + commands.Help + `

  Network:
    discover                - Browse the local network for devices

Flags:
`

const (
	exitSuccess      = 0
	exitCommandError = 1
	exitDeviceError  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, rest, err := loadConfig(args, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitSuccess
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCommandError
	}

	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(rest) == 0 && !cfg.Interactive {
		fmt.Fprint(os.Stderr, usage)
		return exitCommandError
	}

	// Commands that need no device.
	if len(rest) > 0 {
		switch rest[0] {
		case "discover":
			if err := runDiscover(ctx, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return exitDeviceError
			}
			return exitSuccess
		case "info":
			r := &commands.Runner{Out: os.Stdout, Format: cfg.Output}
			if err := r.Run(ctx, rest); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", commands.Describe(err))
				return exitCommandError
			}
			return exitSuccess
		}
	}

	protoLog, closeLog, err := protocolLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCommandError
	}
	defer closeLog()

	addr, err := resolveAddress(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCommandError
	}

	mgr := connection.NewManager(dialUDP(addr), managerConfig(cfg, protoLog))
	mgr.OnReconnecting(func(attempt int, delay time.Duration) {
		log.Printf("Reconnecting to %s (attempt %d, in %s)", addr, attempt, delay)
	})
	mgr.OnConnected(func() {
		log.Printf("Connected to %s", addr)
	})
	defer mgr.Close()

	if err := mgr.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitDeviceError
	}

	if cfg.Interactive {
		mgr.StartReconnectLoop()
		if err := runInteractive(ctx, mgr, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitCommandError
		}
		return exitSuccess
	}

	eng, err := mgr.Engine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitDeviceError
	}
	r := &commands.Runner{
		Device:       eng,
		Out:          os.Stdout,
		Format:       cfg.Output,
		ReadyTimeout: cfg.ReadyTimeout,
	}
	if err := r.Run(ctx, rest); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", commands.Describe(err))
		if errors.Is(err, commands.ErrUsage) {
			return exitCommandError
		}
		return exitDeviceError
	}
	return exitSuccess
}

func setupLogging(level string) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	switch level {
	case "debug":
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	case "warn", "error":
		log.SetFlags(log.Ltime)
	}
}

// protocolLogger builds the engine event sink: a capture file when
// -protocol-log is set and structured stderr output at debug level.
func protocolLogger(cfg Config) (smplog.Logger, func(), error) {
	var loggers []smplog.Logger
	closeFn := func() {}

	if cfg.ProtocolLog != "" {
		fl, err := smplog.NewFileLogger(cfg.ProtocolLog)
		if err != nil {
			return nil, closeFn, fmt.Errorf("failed to open protocol log: %w", err)
		}
		loggers = append(loggers, fl)
		closeFn = func() { _ = fl.Close() }
	}
	if cfg.LogLevel == "debug" {
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		loggers = append(loggers, smplog.NewSlogAdapter(slog.New(h)))
	}

	switch len(loggers) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return loggers[0], closeFn, nil
	default:
		return smplog.NewMultiLogger(loggers...), closeFn, nil
	}
}

func managerConfig(cfg Config, protoLog smplog.Logger) connection.Config {
	mc := connection.DefaultConfig()
	mc.Engine.Timeout = cfg.Timeout
	mc.Engine.MaxPayload = cfg.MaxPayload
	mc.Engine.Logger = protoLog
	mc.AutoReconnect = cfg.Interactive
	if cfg.Interactive && cfg.Heartbeat > 0 {
		mc.Heartbeat = connection.DefaultHeartbeatConfig()
		mc.Heartbeat.Interval = cfg.Heartbeat
		mc.Heartbeat.Timeout = cfg.Timeout
	}
	return mc
}

func dialUDP(addr string) connection.DialFunc {
	return func(ctx context.Context) (transport.Transport, error) {
		return transport.DialUDP(ctx, transport.DefaultUDPConfig(addr))
	}
}

func resolveAddress(ctx context.Context, cfg Config) (string, error) {
	if cfg.Address != "" {
		return cfg.Address, nil
	}
	if cfg.Name == "" {
		return "", errors.New("no device: set -addr or -name")
	}

	b := discovery.NewMDNSBrowser(discovery.BrowserConfig{BrowseTimeout: cfg.Discovery})
	defer b.Stop()
	log.Printf("Looking up %s via mDNS...", cfg.Name)
	return commands.Resolve(ctx, b, cfg.Name)
}

func runDiscover(ctx context.Context, cfg Config) error {
	b := discovery.NewMDNSBrowser(discovery.BrowserConfig{BrowseTimeout: cfg.Discovery})
	defer b.Stop()
	return commands.Discover(ctx, b, os.Stdout, cfg.Output)
}
