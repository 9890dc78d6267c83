package log

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger appends events to a capture file, one CBOR item per event.
// Each event is flushed before Log returns, so a capture survives a crash
// up to the last complete event.
//
// A write error is sticky: it is reported by Err and Close, and later
// events are dropped. An event that fails to encode is skipped alone.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *cbor.Encoder
	count  int
	err    error
	closed bool
}

// NewFileLogger opens path for appending, creating it with mode 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &FileLogger{file: f, buf: buf, enc: NewEncoder(buf)}, nil
}

// Log writes event.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.err != nil {
		return
	}
	if err := l.enc.Encode(event); err != nil {
		return
	}
	if err := l.buf.Flush(); err != nil {
		l.err = fmt.Errorf("write capture: %w", err)
		return
	}
	l.count++
}

// Count returns the number of events written.
func (l *FileLogger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Err returns the first write error.
func (l *FileLogger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close closes the file. Later calls return nil and later events are
// dropped.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.file.Close(); err != nil && l.err == nil {
		l.err = fmt.Errorf("close capture: %w", err)
	}
	return l.err
}

var _ Logger = (*FileLogger)(nil)
