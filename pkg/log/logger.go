package log

// Logger receives protocol events. Log is called from engine goroutines
// and must not block them.
type Logger interface {
	Log(event Event)
}

// LoggerFunc adapts an ordinary function to Logger.
type LoggerFunc func(Event)

// Log calls f(event).
func (f LoggerFunc) Log(event Event) { f(event) }

// NoopLogger drops every event.
type NoopLogger struct{}

// Log does nothing.
func (NoopLogger) Log(Event) {}

// IsNoop reports whether l discards all events. The engine uses it to skip
// building events nobody reads.
func IsNoop(l Logger) bool {
	switch l.(type) {
	case nil, NoopLogger, *NoopLogger:
		return true
	}
	return false
}

var (
	_ Logger = NoopLogger{}
	_ Logger = LoggerFunc(nil)
)
