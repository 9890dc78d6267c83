package commands

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/mash-protocol/coap-go/pkg/exchange"
	"github.com/mash-protocol/coap-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	ExchangeEvents    map[string]int
	Peers             map[string]*PeerStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// PeerStats holds statistics for a single remote endpoint.
type PeerStats struct {
	FirstSeen       time.Time
	LastSeen        time.Time
	Events          int
	MessagesIn      int
	MessagesOut     int
	Retransmissions int
	Timeouts        int
}

// CollectStats reads the log file and aggregates its events.
func CollectStats(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		ExchangeEvents:    make(map[string]int),
		Peers:             make(map[string]*PeerStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}
	return stats, nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}
	if event.Error != nil {
		s.Errors++
	}
	if event.Exchange != nil {
		s.ExchangeEvents[event.Exchange.Type]++
	}

	if event.RemoteAddr == "" {
		return
	}
	peer, ok := s.Peers[event.RemoteAddr]
	if !ok {
		peer = &PeerStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Peers[event.RemoteAddr] = peer
	}
	peer.Events++
	if event.Timestamp.After(peer.LastSeen) {
		peer.LastSeen = event.Timestamp
	}
	if event.Message != nil {
		switch event.Direction {
		case log.DirectionIn:
			peer.MessagesIn++
		case log.DirectionOut:
			peer.MessagesOut++
		}
	}
	if event.Exchange != nil {
		switch event.Exchange.Type {
		case exchange.EventRetransmission.String():
			peer.Retransmissions++
		case exchange.EventTimeout.String():
			peer.Timeouts++
		}
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := CollectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== CoAP Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerMessage, log.LayerExchange} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryExchange, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut, log.DirectionLocal} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}

	if len(stats.ExchangeEvents) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Exchange Events:")
		for _, name := range slices.Sorted(maps.Keys(stats.ExchangeEvents)) {
			fmt.Fprintf(w, "  %-22s %d\n", name+":", stats.ExchangeEvents[name])
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Peers: %d\n", len(stats.Peers))
	if len(stats.Peers) > 0 {
		addrs := slices.Collect(maps.Keys(stats.Peers))
		slices.SortFunc(addrs, func(a, b string) int {
			if c := stats.Peers[a].FirstSeen.Compare(stats.Peers[b].FirstSeen); c != 0 {
				return c
			}
			return strings.Compare(a, b)
		})

		fmt.Fprintln(w)
		for _, addr := range addrs {
			p := stats.Peers[addr]
			duration := p.LastSeen.Sub(p.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", addr, p.Events, duration)
			fmt.Fprintf(w, "      Messages: %d in, %d out\n", p.MessagesIn, p.MessagesOut)
			if p.Retransmissions > 0 || p.Timeouts > 0 {
				fmt.Fprintf(w, "      Retransmissions: %d, timeouts: %d\n", p.Retransmissions, p.Timeouts)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
