package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/mash-protocol/coap-go/pkg/log"
	"github.com/mash-protocol/coap-go/pkg/message"
)

var ts = time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)

func createTestLogFile(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.clog")

	logger, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("failed to close logger: %v", err)
	}
	return path
}

func sampleEvents() []log.Event {
	cf := uint32(0)
	return []log.Event{
		{
			Timestamp:  ts,
			SessionID:  "abc12345-6789",
			Direction:  log.DirectionOut,
			Layer:      log.LayerMessage,
			Category:   log.CategoryMessage,
			RemoteAddr: "10.0.0.1:5683",
			Token:      "0a0b",
			Message:    &log.MessageEvent{Type: message.Confirmable, Code: message.GET, MessageID: 42, Path: "/hello"},
		},
		{
			Timestamp:  ts.Add(time.Second),
			SessionID:  "abc12345-6789",
			Direction:  log.DirectionLocal,
			Layer:      log.LayerExchange,
			Category:   log.CategoryExchange,
			RemoteAddr: "10.0.0.1:5683",
			Token:      "0a0b",
			Exchange:   &log.ExchangeEvent{Type: "RETRANSMISSION", Role: "client", MessageID: 42, Count: 1},
		},
		{
			Timestamp:  ts.Add(2 * time.Second),
			SessionID:  "abc12345-6789",
			Direction:  log.DirectionIn,
			Layer:      log.LayerMessage,
			Category:   log.CategoryMessage,
			RemoteAddr: "10.0.0.1:5683",
			Token:      "0a0b",
			Message: &log.MessageEvent{
				Type: message.Acknowledgement, Code: message.Content, MessageID: 42,
				ContentFormat: &cf, PayloadSize: 5, Payload: []byte("hello"),
			},
		},
		{
			Timestamp: ts.Add(3 * time.Second),
			SessionID: "abc12345-6789",
			Direction: log.DirectionLocal,
			Layer:     log.LayerExchange,
			Category:  log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity: log.StateEntityEngine, OldState: "RUNNING", NewState: "CLOSED", Reason: "close",
			},
		},
		{
			Timestamp:  ts.Add(4 * time.Second),
			SessionID:  "abc12345-6789",
			Direction:  log.DirectionIn,
			Layer:      log.LayerTransport,
			Category:   log.CategoryError,
			RemoteAddr: "10.0.0.9:5683",
			Error:      &log.ErrorEventData{Layer: log.LayerTransport, Message: "truncated header", Context: "decode"},
		},
	}
}

func TestViewFormatsEvents(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"2026-01-28T10:15:32.123456Z [abc12345] OUT   MESSAGE CON GET 10.0.0.1:5683 token=0a0b",
		"  Path: /hello",
		"RETRANSMISSION",
		"  Count: 1",
		"ACK 2.05 Content",
		`  Payload: 5 bytes "hello"`,
		"  RUNNING -> CLOSED",
		"  Message: truncated header",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n%s", want, output)
		}
	}
}

func TestViewAppliesFilter(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	dir := log.DirectionIn
	var buf bytes.Buffer
	if err := RunView(path, ViewFilter{Direction: &dir}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()

	if strings.Contains(output, "CON GET") {
		t.Error("outgoing request should be filtered out")
	}
	if !strings.Contains(output, "ACK 2.05 Content") {
		t.Error("incoming response missing")
	}
}

func TestViewMissingFile(t *testing.T) {
	if err := RunView(filepath.Join(t.TempDir(), "missing.clog"), ViewFilter{}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseFlags(t *testing.T) {
	if l, err := ParseLayerFlag("Exchange"); err != nil || l != log.LayerExchange {
		t.Errorf("ParseLayerFlag = %v, %v", l, err)
	}
	if _, err := ParseLayerFlag("wire"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := ParseDirectionFlag("LOCAL"); err != nil || d != log.DirectionLocal {
		t.Errorf("ParseDirectionFlag = %v, %v", d, err)
	}
	if _, err := ParseDirectionFlag("up"); err == nil {
		t.Error("expected error for unknown direction")
	}
	if c, err := ParseCategoryFlag("state"); err != nil || c != log.CategoryState {
		t.Errorf("ParseCategoryFlag = %v, %v", c, err)
	}
	if _, err := ParseCategoryFlag("control"); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestFilterWritesMatchingEvents(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.clog")

	n, err := RunFilter(path, FilterOptions{Output: out, Token: "0a0b", Category: "message"})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 2 {
		t.Errorf("filtered %d events, want 2", n)
	}

	reader, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()
	count := 0
	for {
		ev, err := reader.Next()
		if err != nil {
			break
		}
		if ev.Message == nil {
			t.Errorf("unexpected non-message event %+v", ev)
		}
		count++
	}
	if count != 2 {
		t.Errorf("read %d events, want 2", count)
	}
}

func TestFilterTimeRange(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.clog")

	n, err := RunFilter(path, FilterOptions{
		Output:    out,
		TimeStart: ts.Add(time.Second).Format(time.RFC3339),
		TimeEnd:   ts.Add(3 * time.Second).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	// RFC3339 drops the fraction: the window is [10:15:33, 10:15:35).
	if n != 2 {
		t.Errorf("filtered %d events, want 2", n)
	}
}

func TestFilterInvalidOptions(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.clog")

	for _, opts := range []FilterOptions{
		{Output: out, TimeStart: "yesterday"},
		{Output: out, TimeEnd: "tomorrow"},
		{Output: out, Layer: "wire"},
		{Output: out, Direction: "sideways"},
		{Output: out, Category: "snapshot"},
	} {
		if _, err := RunFilter(path, opts); err == nil {
			t.Errorf("expected error for %+v", opts)
		}
	}
}

func TestStats(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())

	stats, err := CollectStats(path)
	if err != nil {
		t.Fatalf("CollectStats failed: %v", err)
	}
	if stats.TotalEvents != 5 {
		t.Errorf("TotalEvents = %d, want 5", stats.TotalEvents)
	}
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if got := stats.ExchangeEvents["RETRANSMISSION"]; got != 1 {
		t.Errorf("RETRANSMISSION = %d, want 1", got)
	}
	peer := stats.Peers["10.0.0.1:5683"]
	if peer == nil {
		t.Fatal("peer 10.0.0.1:5683 missing")
	}
	if peer.Events != 3 || peer.MessagesIn != 1 || peer.MessagesOut != 1 || peer.Retransmissions != 1 {
		t.Errorf("peer = %+v", peer)
	}
	if len(stats.Peers) != 2 {
		t.Errorf("Peers = %d, want 2", len(stats.Peers))
	}

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()
	for _, want := range []string{"Total Events: 5", "MESSAGE:", "EXCHANGE:", "LOCAL:", "Peers: 2", "Retransmissions: 1, timeouts: 0", "Errors: 1"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n%s", want, output)
		}
	}
}

func TestStatsEmptyFile(t *testing.T) {
	path := createTestLogFile(t, nil)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Total Events: 0") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestExportToJSONL(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	outPath := filepath.Join(t.TempDir(), "out.jsonl")

	if err := RunExport(path, "jsonl", outPath); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	var first log.Event
	if err := sonic.ConfigStd.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("failed to parse first line: %v", err)
	}
	if first.SessionID != "abc12345-6789" || first.Message == nil || first.Message.MessageID != 42 {
		t.Errorf("first event = %+v", first)
	}
}

func TestExportToCSV(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	outPath := filepath.Join(t.TempDir(), "out.csv")

	if err := RunExport(path, "csv", outPath); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected header plus 5 rows, got %d", len(lines))
	}
	if lines[0] != strings.Join(csvHeader, ",") {
		t.Errorf("header = %q", lines[0])
	}
	want := "2026-01-28T10:15:32.123456Z,abc12345-6789,OUT,MESSAGE,MESSAGE,10.0.0.1:5683,0a0b,CON,GET,42"
	if lines[1] != want {
		t.Errorf("row = %q, want %q", lines[1], want)
	}
	if !strings.Contains(lines[2], ",RETRANSMISSION,,42") {
		t.Errorf("exchange row = %q", lines[2])
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, sampleEvents())
	if err := RunExport(path, "xml", filepath.Join(t.TempDir(), "out.xml")); err == nil {
		t.Error("expected error for unknown format")
	}
}
