package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smpmgr/smpmgr-go/cmd/smpctl/commands"
	"github.com/smpmgr/smpmgr-go/pkg/engine"
	"github.com/smpmgr/smpmgr-go/pkg/upload"
)

// Config holds the controller configuration. Values come from the optional
// YAML file named by -config; flags given on the command line win.
type Config struct {
	ConfigFile string `yaml:"-"`

	Address string `yaml:"address"`
	Name    string `yaml:"name"`

	Timeout      time.Duration `yaml:"timeout"`
	MaxPayload   int           `yaml:"maxPayload"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	ReadyTimeout time.Duration `yaml:"readyTimeout"`
	Discovery    time.Duration `yaml:"discoveryTimeout"`

	LogLevel    string `yaml:"logLevel"`
	ProtocolLog string `yaml:"protocolLog"`
	Output      string `yaml:"output"`
	Interactive bool   `yaml:"interactive"`
}

func defaultConfig() Config {
	return Config{
		Timeout:      engine.DefaultTimeout,
		MaxPayload:   upload.DefaultMaxPayload,
		ReadyTimeout: 30 * time.Second,
		Discovery:    5 * time.Second,
		LogLevel:     "info",
		Output:       commands.FormatText,
	}
}

func newFlagSet(cfg *Config, errOut io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("smpctl", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprint(errOut, usage)
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.ConfigFile, "config", "", "Configuration file path (YAML)")
	fs.StringVar(&cfg.Address, "addr", cfg.Address, "Device address host[:port] (port defaults to 1337)")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "Resolve the device by mDNS instance name")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Response timeout per request")
	fs.IntVar(&cfg.MaxPayload, "mtu", cfg.MaxPayload, "Maximum packet body size for upload chunks")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "Liveness probe interval in interactive mode (0 disables)")
	fs.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "How long reset -wait waits for the device")
	fs.DurationVar(&cfg.Discovery, "discovery-timeout", cfg.Discovery, "How long discover browses")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.ProtocolLog, "protocol-log", cfg.ProtocolLog, "Write a protocol capture to this .smplog file")
	fs.StringVar(&cfg.Output, "o", cfg.Output, "Output format: text, yaml")
	fs.BoolVar(&cfg.Interactive, "interactive", cfg.Interactive, "Enable interactive command mode")
	return fs
}

// loadConfig parses args, merges the config file and returns the remaining
// positional arguments.
func loadConfig(args []string, errOut io.Writer) (Config, []string, error) {
	cfg := defaultConfig()
	fs := newFlagSet(&cfg, errOut)
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}

	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return cfg, nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, nil, fmt.Errorf("failed to parse config %s: %w", cfg.ConfigFile, err)
		}
		// Parse again so explicit flags override file values.
		if err := fs.Parse(args); err != nil {
			return cfg, nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c *Config) validate() error {
	switch c.Output {
	case commands.FormatText, commands.FormatYAML:
	default:
		return fmt.Errorf("unknown output format %q (use text or yaml)", c.Output)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxPayload <= 0 {
		return fmt.Errorf("mtu must be positive, got %d", c.MaxPayload)
	}
	return nil
}
