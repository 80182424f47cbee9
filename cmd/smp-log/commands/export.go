package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/smpmgr/smpmgr-go/pkg/log"
)

// Export formats.
const (
	ExportJSONL = "jsonl"
	ExportCSV   = "csv"
)

// RunExport converts the capture at path to format, writing to output or
// to stdout when output is empty.
func RunExport(path, format, output string) error {
	var write func(*log.Reader, io.Writer) error
	switch format {
	case ExportJSONL:
		write = exportJSONL
	case ExportCSV:
		write = exportCSV
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}

	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	if output == "" {
		return write(reader, os.Stdout)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := write(reader, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	for ev, err := range reader.All() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{"timestamp", "connection_id", "direction", "layer", "category", "remote_addr", "type", "group", "id", "seq", "rc"}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for ev, err := range reader.All() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := cw.Write(csvRow(ev)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func itoa[T ~uint8 | ~uint16 | ~int](v T) string {
	return strconv.Itoa(int(v))
}

func csvRow(ev log.Event) []string {
	kind := "unknown"
	var group, id, seq, rc string
	switch {
	case ev.Frame != nil:
		kind = "frame"
	case ev.Message != nil:
		m := ev.Message
		kind = m.Type.String()
		group, id, seq = itoa(m.Group), itoa(m.ID), itoa(m.Sequence)
		if m.ReturnCode != nil {
			rc = itoa(*m.ReturnCode)
		}
	case ev.StateChange != nil:
		kind = "state"
	case ev.Error != nil:
		kind = "error"
		if ev.Error.Code != nil {
			rc = itoa(*ev.Error.Code)
		}
	}

	return []string{
		ev.Timestamp.UTC().Format(timeFormat),
		ev.ConnectionID,
		ev.Direction.String(),
		ev.Layer.String(),
		ev.Category.String(),
		ev.RemoteAddr,
		kind,
		group, id, seq, rc,
	}
}
