package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/smpmgr/smpmgr-go/pkg/discovery"
)

// ServiceView is the printable form of a discovered endpoint.
type ServiceView struct {
	Name     string   `yaml:"name"`
	Address  string   `yaml:"address"`
	Board    string   `yaml:"board,omitempty"`
	Firmware string   `yaml:"firmware,omitempty"`
	ID       string   `yaml:"id,omitempty"`
	All      []string `yaml:"addresses,flow"`
}

// Discover browses for SMP endpoints and prints them.
func Discover(ctx context.Context, b discovery.Browser, out io.Writer, format string) error {
	services, err := b.FindAll(ctx)
	if err != nil {
		return err
	}

	views := make([]ServiceView, 0, len(services))
	for _, s := range services {
		views = append(views, ServiceView{
			Name:     s.InstanceName,
			Address:  s.Address(),
			Board:    s.Board,
			Firmware: s.Firmware,
			ID:       s.ID,
			All:      s.Addresses,
		})
	}

	if format == FormatYAML {
		r := &Runner{Out: out}
		return r.emit(map[string]any{"services": views})
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "No devices found")
		return nil
	}
	for _, v := range views {
		fmt.Fprintf(out, "%-24s %-22s", v.Name, v.Address)
		var extra []string
		if v.Board != "" {
			extra = append(extra, "board="+v.Board)
		}
		if v.Firmware != "" {
			extra = append(extra, "fw="+v.Firmware)
		}
		if len(extra) > 0 {
			fmt.Fprintf(out, " %s", strings.Join(extra, " "))
		}
		fmt.Fprintln(out)
	}
	return nil
}

// Resolve finds the address of the instance called name.
func Resolve(ctx context.Context, b discovery.Browser, name string) (string, error) {
	svc, err := b.Find(ctx, name)
	if err != nil {
		return "", err
	}
	addr := svc.Address()
	if addr == "" {
		return "", fmt.Errorf("%w: %s has no address", discovery.ErrNotFound, name)
	}
	return addr, nil
}
