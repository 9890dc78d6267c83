// Package commands implements the coap-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/mash-protocol/coap-go/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
}

func (f ViewFilter) filter() log.Filter {
	return log.Filter{Layer: f.Layer, Direction: f.Direction, Category: f.Category}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [session] DIRECTION LAYER Type remote token
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [%s] %-5s %s %s", ts, shortenID(event.SessionID), event.Direction, event.Layer, typeLabel(event))
	if event.RemoteAddr != "" {
		fmt.Fprintf(w, " %s", event.RemoteAddr)
	}
	if event.Token != "" {
		fmt.Fprintf(w, " token=%s", event.Token)
	}
	fmt.Fprintln(w)

	switch {
	case event.Datagram != nil:
		formatDatagramDetails(w, event.Datagram)
	case event.Message != nil:
		formatMessageDetails(w, event.Message)
	case event.Exchange != nil:
		formatExchangeDetails(w, event.Exchange)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

func typeLabel(event log.Event) string {
	switch {
	case event.Datagram != nil:
		return "Datagram"
	case event.Message != nil:
		return event.Message.Type.String() + " " + event.Message.Code.String()
	case event.Exchange != nil:
		return event.Exchange.Type
	case event.StateChange != nil:
		return "State"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortenID returns the first 8 characters of a session ID.
func shortenID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatDatagramDetails(w io.Writer, d *log.DatagramEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", d.Size)
	if len(d.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(d.Data))
		if d.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatMessageDetails(w io.Writer, msg *log.MessageEvent) {
	fmt.Fprintf(w, "  MessageID: %d\n", msg.MessageID)
	if msg.Path != "" {
		fmt.Fprintf(w, "  Path: %s\n", msg.Path)
	}
	if msg.Options != "" {
		fmt.Fprintf(w, "  Options: %s\n", msg.Options)
	}
	if msg.ContentFormat != nil {
		fmt.Fprintf(w, "  Content-Format: %d\n", *msg.ContentFormat)
	}
	if msg.PayloadSize > 0 {
		fmt.Fprintf(w, "  Payload: %d bytes", msg.PayloadSize)
		if printable(msg.Payload) {
			fmt.Fprintf(w, " %q", msg.Payload)
		} else {
			fmt.Fprintf(w, " %s", hex.EncodeToString(msg.Payload))
		}
		fmt.Fprintln(w)
	}
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return len(b) > 0
}

func formatExchangeDetails(w io.Writer, ex *log.ExchangeEvent) {
	if ex.Role != "" {
		fmt.Fprintf(w, "  Role: %s\n", ex.Role)
	}
	if ex.MessageID != 0 {
		fmt.Fprintf(w, "  MessageID: %d\n", ex.MessageID)
	}
	if ex.Count != 0 {
		fmt.Fprintf(w, "  Count: %d\n", ex.Count)
	}
	if ex.Block != "" {
		fmt.Fprintf(w, "  Block: %s\n", ex.Block)
	}
	if ex.NewEndpoint != "" {
		fmt.Fprintf(w, "  New endpoint: %s\n", ex.NewEndpoint)
	}
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer)
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseLayerFlag parses a layer string from command-line flag (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "message":
		return log.LayerMessage, nil
	case "exchange":
		return log.LayerExchange, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, message, or exchange)", s)
	}
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	case "local":
		return log.DirectionLocal, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in, out, or local)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "exchange":
		return log.CategoryExchange, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, exchange, state, or error)", s)
	}
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.filter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
	return nil
}
