// Command smp-sim runs a simulated SMP device on a UDP port.
//
// The device keeps two image slots, accepts uploads, test and confirm
// requests, simulates the bootloader swap on reset and answers echo, task
// and statistics requests. It is meant for trying out smpctl without
// hardware.
//
// Usage:
//
//	smp-sim [flags]
//
// Flags:
//
//	-addr string         Listen address (default ":1337")
//	-board string        Board name reported over mDNS (default "sim")
//	-version string      Version of the boot image (default "1.0.0")
//	-fragment int        Response fragment size, 0 sends whole packets (default 244)
//	-reset-delay dur     How long the device stays silent after a reset (default 1s)
//	-advertise string    Announce the device over mDNS under this name
//	-log-level string    Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# Start a simulator and find it by name
//	smp-sim -advertise smp-sim
//	smpctl -name smp-sim list
//
//	# Whole packets, slow reboot, request tracing
//	smp-sim -fragment 0 -reset-delay 5s -log-level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smpmgr/smpmgr-go/internal/simdevice"
	"github.com/smpmgr/smpmgr-go/pkg/discovery"
	"github.com/smpmgr/smpmgr-go/pkg/fwimage"
	"github.com/smpmgr/smpmgr-go/pkg/transport"
)

// Config holds the simulator configuration.
type Config struct {
	Address      string
	Board        string
	Version      string
	FragmentSize int
	ResetDelay   time.Duration
	Advertise    string
	LogLevel     string
}

var config Config

func init() {
	flag.StringVar(&config.Address, "addr", fmt.Sprintf(":%d", transport.DefaultPort), "Listen address")
	flag.StringVar(&config.Board, "board", "sim", "Board name reported over mDNS")
	flag.StringVar(&config.Version, "version", "1.0.0", "Version of the boot image")
	flag.IntVar(&config.FragmentSize, "fragment", transport.DefaultFragmentSize, "Response fragment size, 0 sends whole packets")
	flag.DurationVar(&config.ResetDelay, "reset-delay", time.Second, "How long the device stays silent after a reset")
	flag.StringVar(&config.Advertise, "advertise", "", "Announce the device over mDNS under this name")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()
	setupLogging(config.LogLevel)

	version, err := parseVersion(config.Version)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := validateConfig(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	devCfg := simdevice.DefaultConfig()
	devCfg.Board = config.Board
	devCfg.Version = version
	devCfg.FragmentSize = config.FragmentSize
	devCfg.ResetDelay = config.ResetDelay
	if config.LogLevel == "debug" {
		devCfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	dev := simdevice.New(devCfg)

	log.Println("SMP Simulated Device")
	log.Println("====================")
	log.Printf("Board: %s", dev.Board())
	log.Printf("Firmware: %s", dev.Firmware())
	log.Printf("Device ID: %s", dev.ID())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, dev); err != nil {
		log.Fatalf("Simulator failed: %v", err)
	}
	log.Println("Goodbye!")
}

func run(ctx context.Context, dev *simdevice.Device) error {
	srv, err := transport.NewServer(transport.ServerConfig{
		Address: config.Address,
		Handler: dev.Handler(),
		OnError: func(err error) { log.Printf("Server error: %v", err) },
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()
	log.Printf("Listening on %s", srv.Addr())

	g, ctx := errgroup.WithContext(ctx)

	if config.Advertise != "" {
		adv := discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{})
		info := &discovery.DeviceInfo{
			Name:     config.Advertise,
			Port:     listenPort(srv.Addr()),
			Board:    dev.Board(),
			Firmware: dev.Firmware(),
			ID:       dev.ID(),
		}
		if err := adv.Advertise(ctx, info); err != nil {
			return err
		}
		log.Printf("Advertising %q via mDNS", info.Name)

		g.Go(func() error {
			defer adv.Stop()
			return reannounce(ctx, adv, info, dev)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")
		return nil
	})
	return g.Wait()
}

// reannounce refreshes the advertised firmware version after an image swap.
func reannounce(ctx context.Context, adv discovery.Advertiser, info *discovery.DeviceInfo, dev *simdevice.Device) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fw := dev.Firmware()
			if fw == info.Firmware {
				continue
			}
			info.Firmware = fw
			log.Printf("Firmware now %s, updating announcement", fw)
			if err := adv.Advertise(ctx, info); err != nil {
				log.Printf("Warning: failed to update announcement: %v", err)
			}
		}
	}
}

func listenPort(addr net.Addr) uint16 {
	if u, ok := addr.(*net.UDPAddr); ok {
		return uint16(u.Port)
	}
	return transport.DefaultPort
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

func validateConfig() error {
	if config.FragmentSize < 0 {
		return fmt.Errorf("fragment size must not be negative, got %d", config.FragmentSize)
	}
	if config.ResetDelay < 0 {
		return fmt.Errorf("reset delay must not be negative, got %s", config.ResetDelay)
	}
	if config.Advertise != "" {
		if err := discovery.ValidateInstanceName(config.Advertise); err != nil {
			return fmt.Errorf("advertise name %q: %w", config.Advertise, err)
		}
	}
	return nil
}

// parseVersion parses "major.minor.revision[.build]".
func parseVersion(s string) (fwimage.Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 1 || len(parts) > 4 {
		return fwimage.Version{}, fmt.Errorf("invalid version %q", s)
	}

	var nums [4]uint64
	bits := [4]int{8, 8, 16, 32}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, bits[i])
		if err != nil {
			return fwimage.Version{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		nums[i] = n
	}
	return fwimage.Version{
		Major:    uint8(nums[0]),
		Minor:    uint8(nums[1]),
		Revision: uint16(nums[2]),
		Build:    uint32(nums[3]),
	}, nil
}
