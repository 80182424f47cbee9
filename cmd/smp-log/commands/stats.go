package commands

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/smpmgr/smpmgr-go/pkg/command"
	"github.com/smpmgr/smpmgr-go/pkg/log"
	"github.com/smpmgr/smpmgr-go/pkg/packet"
)

// Stats summarizes a capture file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	RequestsByGroup   map[uint16]int
	ReturnCodes       map[int]int
	Connections       map[string]*ConnectionStats
	Errors            int
	First, Last       time.Time
}

// ConnectionStats summarizes the events of one engine session.
type ConnectionStats struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	Requests   int
	RemoteAddr string
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     map[log.Layer]int{},
		EventsByCategory:  map[log.Category]int{},
		EventsByDirection: map[log.Direction]int{},
		RequestsByGroup:   map[uint16]int{},
		ReturnCodes:       map[int]int{},
		Connections:       map[string]*ConnectionStats{},
	}
}

func (s *Stats) add(ev log.Event) {
	s.TotalEvents++
	s.EventsByLayer[ev.Layer]++
	s.EventsByCategory[ev.Category]++
	s.EventsByDirection[ev.Direction]++
	if s.First.IsZero() || ev.Timestamp.Before(s.First) {
		s.First = ev.Timestamp
	}
	if ev.Timestamp.After(s.Last) {
		s.Last = ev.Timestamp
	}

	conn := s.Connections[ev.ConnectionID]
	if conn == nil {
		conn = &ConnectionStats{FirstSeen: ev.Timestamp, LastSeen: ev.Timestamp}
		s.Connections[ev.ConnectionID] = conn
	}
	conn.Events++
	if ev.Timestamp.After(conn.LastSeen) {
		conn.LastSeen = ev.Timestamp
	}
	if conn.RemoteAddr == "" {
		conn.RemoteAddr = ev.RemoteAddr
	}

	if msg := ev.Message; msg != nil {
		if msg.Type == log.MessageTypeRequest {
			s.RequestsByGroup[msg.Group]++
			conn.Requests++
		}
		if msg.ReturnCode != nil {
			s.ReturnCodes[*msg.ReturnCode]++
		}
	}
	if ev.Error != nil {
		s.Errors++
	}
}

// CollectStats consumes r.
func CollectStats(r *log.Reader) (*Stats, error) {
	stats := newStats()
	for ev, err := range r.All() {
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(ev)
	}
	return stats, nil
}

// RunStats prints a summary of the capture at path.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats, err := CollectStats(reader)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

// printCounts prints one "label: n" line per key with a non-zero count.
func printCounts[K comparable](w io.Writer, title string, keys []K, counts map[K]int, label func(K) string) {
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		if n := counts[k]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", label(k)+":", n)
		}
	}
	fmt.Fprintln(w)
}

func printStats(w io.Writer, s *Stats) {
	fmt.Fprintln(w, "=== SMP Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", s.First.Format(time.RFC3339), s.Last.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n\n", s.Last.Sub(s.First).Round(time.Second))
	}
	fmt.Fprintf(w, "Total Events: %d\n\n", s.TotalEvents)

	printCounts(w, "Events by Layer",
		[]log.Layer{log.LayerTransport, log.LayerPacket, log.LayerEngine},
		s.EventsByLayer, log.Layer.String)
	printCounts(w, "Events by Category",
		[]log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError},
		s.EventsByCategory, log.Category.String)
	printCounts(w, "Events by Direction",
		[]log.Direction{log.DirectionIn, log.DirectionOut},
		s.EventsByDirection, log.Direction.String)

	if len(s.RequestsByGroup) > 0 {
		printCounts(w, "Requests by Group", slices.Sorted(maps.Keys(s.RequestsByGroup)),
			s.RequestsByGroup, func(g uint16) string { return packet.Group(g).String() })
	}

	if len(s.ReturnCodes) > 0 {
		fmt.Fprintln(w, "Return Codes:")
		for _, rc := range slices.Sorted(maps.Keys(s.ReturnCodes)) {
			fmt.Fprintf(w, "  %3d %-32s %d\n", rc, command.ReturnCode(rc).Description(), s.ReturnCodes[rc])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(s.Connections))
	ids := slices.SortedFunc(maps.Keys(s.Connections), func(a, b string) int {
		return s.Connections[a].FirstSeen.Compare(s.Connections[b].FirstSeen)
	})
	for _, id := range ids {
		c := s.Connections[id]
		fmt.Fprintf(w, "  [%s] %d events, %d requests, duration %s\n",
			shortenConnID(id), c.Events, c.Requests, c.LastSeen.Sub(c.FirstSeen).Round(time.Millisecond))
		if c.RemoteAddr != "" {
			fmt.Fprintf(w, "           Remote: %s\n", c.RemoteAddr)
		}
	}

	if s.Errors > 0 {
		fmt.Fprintf(w, "\nErrors: %d\n", s.Errors)
	}
}
