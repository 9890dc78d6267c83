package log

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func createTestLogFile(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.clog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create test log: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

func readAll(t *testing.T, r *Reader) []Event {
	t.Helper()
	var out []Event
	for {
		event, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		out = append(out, event)
	}
}

func TestReaderIteratesEvents(t *testing.T) {
	path := createTestLogFile(t, []Event{
		{Timestamp: time.Now(), SessionID: "s-1", Direction: DirectionIn, Layer: LayerTransport},
		{Timestamp: time.Now(), SessionID: "s-2", Direction: DirectionOut, Layer: LayerMessage},
		{Timestamp: time.Now(), SessionID: "s-3", Direction: DirectionLocal, Layer: LayerExchange},
	})

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	read := readAll(t, reader)
	if len(read) != 3 {
		t.Fatalf("got %d events, want 3", len(read))
	}
	if read[0].SessionID != "s-1" || read[2].SessionID != "s-3" {
		t.Errorf("unexpected order: %q ... %q", read[0].SessionID, read[2].SessionID)
	}
}

func TestReaderHandlesEmptyFile(t *testing.T) {
	path := createTestLogFile(t, nil)

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	if event, err := reader.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got err=%v, event=%+v", err, event)
	}
}

func TestReaderHandlesTruncatedFile(t *testing.T) {
	path := createTestLogFile(t, []Event{
		{Timestamp: time.Now(), SessionID: "s-1"},
		{Timestamp: time.Now(), SessionID: "s-2"},
	})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)-3], 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	if _, err := reader.Next(); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if _, err := reader.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("expected a decode error for the truncated event, got %v", err)
	}
}

func TestReaderMissingFile(t *testing.T) {
	if _, err := NewReader(filepath.Join(t.TempDir(), "nope.clog")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFilteredReader(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []Event{
		{Timestamp: base, SessionID: "a", Direction: DirectionIn, Layer: LayerTransport, Category: CategoryMessage, RemoteAddr: "10.0.0.1:5683"},
		{Timestamp: base.Add(time.Second), SessionID: "a", Direction: DirectionOut, Layer: LayerMessage, Category: CategoryMessage, Token: "01"},
		{Timestamp: base.Add(2 * time.Second), SessionID: "b", Direction: DirectionLocal, Layer: LayerExchange, Category: CategoryExchange, Token: "01"},
		{Timestamp: base.Add(3 * time.Second), SessionID: "b", Direction: DirectionLocal, Layer: LayerMessage, Category: CategoryError},
	}
	path := createTestLogFile(t, events)

	in := DirectionIn
	msgLayer := LayerMessage
	exchangeCat := CategoryExchange
	start := base.Add(time.Second)
	end := base.Add(3 * time.Second)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"session", Filter{SessionID: "b"}, 2},
		{"direction", Filter{Direction: &in}, 1},
		{"layer", Filter{Layer: &msgLayer}, 2},
		{"category", Filter{Category: &exchangeCat}, 1},
		{"time window", Filter{TimeStart: &start, TimeEnd: &end}, 2},
		{"remote", Filter{RemoteAddr: "10.0.0.1:5683"}, 1},
		{"token", Filter{Token: "01"}, 2},
		{"combined", Filter{Token: "01", SessionID: "a"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, err := NewFilteredReader(path, tt.filter)
			if err != nil {
				t.Fatalf("NewFilteredReader failed: %v", err)
			}
			defer reader.Close()

			if got := len(readAll(t, reader)); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}
}

func TestStreamReader(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, id := range []string{"x", "y", "x"} {
		if err := enc.Encode(Event{Timestamp: time.Now(), SessionID: id}); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}

	reader := NewStreamReader(&buf, Filter{SessionID: "x"})
	defer reader.Close()

	if got := len(readAll(t, reader)); got != 2 {
		t.Errorf("got %d events, want 2", got)
	}
}
