package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/chzyer/readline"
	"golang.org/x/sync/errgroup"

	"github.com/smpmgr/smpmgr-go/cmd/smpctl/commands"
	"github.com/smpmgr/smpmgr-go/pkg/connection"
	"github.com/smpmgr/smpmgr-go/pkg/discovery"
)

// Shell is the interactive command loop.
type Shell struct {
	mgr *connection.Manager
	cfg Config
	rl  *readline.Instance
}

// NewShell creates a shell on mgr.
func NewShell(mgr *connection.Manager, cfg Config) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "smp> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("list"),
			readline.PcItem("upload"),
			readline.PcItem("test"),
			readline.PcItem("confirm"),
			readline.PcItem("info"),
			readline.PcItem("reset", readline.PcItem("-force"), readline.PcItem("-wait")),
			readline.PcItem("echo"),
			readline.PcItem("taskstats"),
			readline.PcItem("stats"),
			readline.PcItem("discover"),
			readline.PcItem("status"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{mgr: mgr, cfg: cfg, rl: rl}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx ends.
func (s *Shell) Run(ctx context.Context) error {
	s.printHelp()

	for {
		line, err := s.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			// EOF, or Close from the watcher below.
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}

		switch strings.ToLower(args[0]) {
		case "help", "?":
			s.printHelp()
		case "quit", "exit", "q":
			fmt.Fprintln(s.Stdout(), "Exiting...")
			return nil
		case "status":
			fmt.Fprintf(s.Stdout(), "Connection: %s\n", s.mgr.State())
		case "discover":
			b := discovery.NewMDNSBrowser(discovery.BrowserConfig{BrowseTimeout: s.cfg.Discovery})
			if err := commands.Discover(ctx, b, s.Stdout(), s.cfg.Output); err != nil {
				fmt.Fprintf(s.Stdout(), "Error: %v\n", err)
			}
			b.Stop()
		default:
			s.exec(ctx, args)
		}
	}
}

func (s *Shell) exec(ctx context.Context, args []string) {
	eng, err := s.mgr.Engine()
	if err != nil {
		fmt.Fprintf(s.Stdout(), "Not connected (%s)\n", s.mgr.State())
		return
	}
	r := &commands.Runner{
		Device:       eng,
		Out:          s.Stdout(),
		Format:       s.cfg.Output,
		ReadyTimeout: s.cfg.ReadyTimeout,
	}
	if err := r.Run(ctx, args); err != nil {
		if errors.Is(err, commands.ErrUsage) {
			fmt.Fprintf(s.Stdout(), "%v (type 'help' for commands)\n", err)
			return
		}
		fmt.Fprintf(s.Stdout(), "Error: %s\n", commands.Describe(err))
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.Stdout(), `
SMP Controller Commands:
  `+commands.Help+`

  General:
    discover                - Browse the local network for devices
    status                  - Show connection state
    help                    - Show this help
    quit                    - Exit`)
}

// Close releases the terminal.
func (s *Shell) Close() error {
	return s.rl.Close()
}

// runInteractive runs the shell until the user quits or ctx ends.
func runInteractive(ctx context.Context, mgr *connection.Manager, cfg Config) error {
	sh, err := NewShell(mgr, cfg)
	if err != nil {
		return err
	}
	// Redirect log output through readline to avoid interfering with input
	log.SetOutput(sh.Stdout())

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return sh.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-done:
		}
		return sh.Close()
	})
	return g.Wait()
}
