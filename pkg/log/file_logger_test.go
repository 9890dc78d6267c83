package log

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFileLoggerCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.clog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("log file was not created")
	}
}

func TestFileLoggerWritesCBOR(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.clog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	logger.Log(Event{
		Timestamp: time.Now(),
		SessionID: "session-123",
		Direction: DirectionIn,
		Layer:     LayerTransport,
		Category:  CategoryMessage,
		Datagram:  &DatagramEvent{Size: 100, Data: []byte{1, 2, 3}},
	})
	logger.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if decoded.SessionID != "session-123" {
		t.Errorf("SessionID = %q, want %q", decoded.SessionID, "session-123")
	}
	if decoded.Datagram == nil || decoded.Datagram.Size != 100 {
		t.Errorf("Datagram = %+v", decoded.Datagram)
	}
}

func TestFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.clog")

	for _, id := range []string{"first", "second"} {
		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		logger.Log(Event{Timestamp: time.Now(), SessionID: id})
		logger.Close()
	}

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	events := readAll(t, reader)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].SessionID != "first" || events[1].SessionID != "second" {
		t.Errorf("events out of order: %q, %q", events[0].SessionID, events[1].SessionID)
	}
}

func TestFileLoggerThreadSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.clog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	const goroutines = 8
	const perGoroutine = 50
	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range perGoroutine {
				logger.Log(Event{Timestamp: time.Now(), Exchange: &ExchangeEvent{Type: "Retransmission"}})
			}
		})
	}
	wg.Wait()
	logger.Close()

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	if n := len(readAll(t, reader)); n != goroutines*perGoroutine {
		t.Errorf("got %d events, want %d", n, goroutines*perGoroutine)
	}
}

func TestFileLoggerClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.clog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}

	// Log after close is ignored.
	logger.Log(Event{Timestamp: time.Now()})

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("file size = %d, want 0", info.Size())
	}
}

func TestFileLoggerBadPath(t *testing.T) {
	if _, err := NewFileLogger(filepath.Join(t.TempDir(), "missing", "x.clog")); err == nil {
		t.Error("expected error for missing directory")
	}
}
