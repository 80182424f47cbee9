package commands

import (
	"fmt"
	"time"

	"github.com/smpmgr/smpmgr-go/pkg/log"
)

// FilterOptions are the raw flag values of the filter command.
type FilterOptions struct {
	Output     string
	ConnID     string
	RemoteAddr string
	TimeStart  string
	TimeEnd    string
	Layer      string
	Direction  string
	Category   string
	Group      string
}

// setOpt parses raw into *dst when raw is set.
func setOpt[T any](dst **T, raw string, parse func(string) (T, error)) error {
	if raw == "" {
		return nil
	}
	v, err := parse(raw)
	if err != nil {
		return err
	}
	*dst = &v
	return nil
}

func parseTime(name string) func(string) (time.Time, error) {
	return func(s string) (time.Time, error) {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return t, fmt.Errorf("invalid %s format: %w", name, err)
		}
		return t, nil
	}
}

func (opts FilterOptions) filter() (log.Filter, error) {
	f := log.Filter{ConnectionID: opts.ConnID, RemoteAddr: opts.RemoteAddr}
	for _, err := range []error{
		setOpt(&f.TimeStart, opts.TimeStart, parseTime("time-start")),
		setOpt(&f.TimeEnd, opts.TimeEnd, parseTime("time-end")),
		setOpt(&f.Layer, opts.Layer, parseLayer),
		setOpt(&f.Direction, opts.Direction, parseDirection),
		setOpt(&f.Category, opts.Category, parseCategory),
		setOpt(&f.Group, opts.Group, ParseGroupFlag),
	} {
		if err != nil {
			return f, err
		}
	}
	return f, nil
}

// ParseViewFilter builds a ViewFilter from flag values. Empty values do
// not filter.
func ParseViewFilter(layer, direction, category, group string) (ViewFilter, error) {
	var f ViewFilter
	for _, err := range []error{
		setOpt(&f.Layer, layer, parseLayer),
		setOpt(&f.Direction, direction, parseDirection),
		setOpt(&f.Category, category, parseCategory),
		setOpt(&f.Group, group, ParseGroupFlag),
	} {
		if err != nil {
			return f, err
		}
	}
	return f, nil
}

// RunFilter copies the events of path that match opts into opts.Output and
// returns how many were copied.
func RunFilter(path string, opts FilterOptions) (int, error) {
	filter, err := opts.filter()
	if err != nil {
		return 0, err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	out, err := log.NewFileLogger(opts.Output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output logger: %w", err)
	}

	n := 0
	for ev, err := range reader.All() {
		if err != nil {
			out.Close()
			return n, fmt.Errorf("failed to read event: %w", err)
		}
		out.Log(ev)
		n++
	}
	return n, out.Close()
}
