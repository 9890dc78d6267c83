package log

// MultiLogger forwards each event to several loggers, in the order given.
// A typical pairing is a FileLogger capture plus a SlogAdapter for the
// console.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger returns a MultiLogger over loggers. Nil and noop loggers
// are left out.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if !IsNoop(l) {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log forwards event.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

// Len returns the number of loggers events reach.
func (m *MultiLogger) Len() int { return len(m.loggers) }

var _ Logger = (*MultiLogger)(nil)
