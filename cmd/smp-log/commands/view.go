// Package commands implements the smp-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/log"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

// ViewFilter narrows what the view command prints.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	Group     *uint16
}

func (f ViewFilter) filter() log.Filter {
	return log.Filter{Layer: f.Layer, Direction: f.Direction, Category: f.Category, Group: f.Group}
}

// RunView prints the events of the capture at path that match filter.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.filter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for ev, err := range reader.All() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, ev)
	}
	return nil
}

func eventLabel(ev log.Event) string {
	switch {
	case ev.Frame != nil:
		return "Frame"
	case ev.Message != nil:
		return ev.Message.Type.String()
	case ev.StateChange != nil:
		return "State"
	case ev.Error != nil:
		return "Error"
	}
	return "Unknown"
}

// formatEvent writes one event as a summary line, indented details and a
// blank separator line.
func formatEvent(w io.Writer, ev log.Event) {
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s",
		ev.Timestamp.UTC().Format(timeFormat), shortenConnID(ev.ConnectionID),
		ev.Direction, ev.Layer, eventLabel(ev))
	if ev.RemoteAddr != "" {
		fmt.Fprintf(w, " (%s)", ev.RemoteAddr)
	}
	fmt.Fprintln(w)

	var lines []string
	switch {
	case ev.Frame != nil:
		lines = frameLines(ev.Frame)
	case ev.Message != nil:
		lines = messageLines(ev.Message)
	case ev.StateChange != nil:
		lines = stateLines(ev.StateChange)
	case ev.Error != nil:
		lines = errorLines(ev.Error)
	}
	for _, l := range lines {
		fmt.Fprintf(w, "  %s\n", l)
	}
	fmt.Fprintln(w)
}

func shortenConnID(id string) string {
	return id[:min(len(id), 8)]
}

func frameLines(f *log.FrameEvent) []string {
	lines := []string{fmt.Sprintf("Size: %d bytes", f.Size)}
	if len(f.Data) > 0 {
		data := "Data: " + hex.EncodeToString(f.Data)
		if f.Truncated {
			data += " (truncated)"
		}
		lines = append(lines, data)
	}
	return lines
}

func messageLines(m *log.MessageEvent) []string {
	header := fmt.Sprintf("Header: %s %s/%d seq=%d len=%d",
		packet.Op(m.Op), packet.Group(m.Group), m.ID, m.Sequence, m.Length)
	if m.Flags != 0 {
		header += fmt.Sprintf(" flags=0x%02x", m.Flags)
	}
	lines := []string{header}
	if m.Command != "" {
		lines = append(lines, "Command: "+m.Command)
	}
	if m.ReturnCode != nil {
		lines = append(lines, fmt.Sprintf("Return code: %d (%s)",
			*m.ReturnCode, command.ReturnCode(*m.ReturnCode).Description()))
	}
	if m.RoundTrip != nil {
		lines = append(lines, "Duration: "+formatDuration(*m.RoundTrip))
	}
	if m.Body != "" {
		lines = append(lines, "Body: "+m.Body)
	}
	return lines
}

func stateLines(sc *log.StateChangeEvent) []string {
	lines := []string{
		"Entity: " + sc.Entity.String(),
		strings.TrimSpace(sc.OldState + " -> " + sc.NewState),
	}
	if sc.Reason != "" {
		lines = append(lines, "Reason: "+sc.Reason)
	}
	return lines
}

func errorLines(e *log.ErrorEventData) []string {
	lines := []string{"Layer: " + e.Layer.String()}
	if e.Kind != "" {
		lines = append(lines, "Kind: "+e.Kind)
	}
	lines = append(lines, "Message: "+e.Message)
	if e.Code != nil {
		lines = append(lines, fmt.Sprintf("Code: %d", *e.Code))
	}
	if e.Context != "" {
		lines = append(lines, "Context: "+e.Context)
	}
	return lines
}

// formatDuration prints d with three decimals in the largest fitting unit.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%.3fus", float64(d)/float64(time.Microsecond))
	case d < time.Second:
		return fmt.Sprintf("%.3fms", float64(d)/float64(time.Millisecond))
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// parseName looks s up case-insensitively among names.
func parseName[T any](kind, s string, names map[string]T) (T, error) {
	if v, ok := names[strings.ToLower(s)]; ok {
		return v, nil
	}
	var zero T
	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return zero, fmt.Errorf("invalid %s: %s (must be one of %s)", kind, s, strings.Join(keys, ", "))
}

var (
	layerNames = map[string]log.Layer{
		"transport": log.LayerTransport,
		"packet":    log.LayerPacket,
		"engine":    log.LayerEngine,
	}
	directionNames = map[string]log.Direction{
		"in":  log.DirectionIn,
		"out": log.DirectionOut,
	}
	categoryNames = map[string]log.Category{
		"message": log.CategoryMessage,
		"state":   log.CategoryState,
		"error":   log.CategoryError,
	}
	groupNames = map[string]uint16{
		"default": uint16(packet.GroupDefault),
		"os":      uint16(packet.GroupDefault),
		"image":   uint16(packet.GroupImage),
		"stats":   uint16(packet.GroupStats),
		"stat":    uint16(packet.GroupStats),
	}
)

// ParseLayerFlag parses transport, packet or engine.
func ParseLayerFlag(s string) (log.Layer, error) { return parseLayer(s) }

func parseLayer(s string) (log.Layer, error) { return parseName("layer", s, layerNames) }

// ParseDirectionFlag parses in or out.
func ParseDirectionFlag(s string) (log.Direction, error) { return parseDirection(s) }

func parseDirection(s string) (log.Direction, error) {
	return parseName("direction", s, directionNames)
}

// ParseCategoryFlag parses message, state or error.
func ParseCategoryFlag(s string) (log.Category, error) { return parseCategory(s) }

func parseCategory(s string) (log.Category, error) {
	return parseName("category", s, categoryNames)
}

// ParseGroupFlag parses a group name such as "image" or a group number.
func ParseGroupFlag(s string) (uint16, error) {
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(n), nil
	}
	return parseName("group", s, groupNames)
}
