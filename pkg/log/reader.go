package log

import (
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects events. A zero field matches everything.
type Filter struct {
	SessionID string
	Direction *Direction
	Layer     *Layer
	Category  *Category

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time

	// RemoteAddr is compared with Event.RemoteAddr ("ip:port").
	RemoteAddr string

	// Token is the lowercase hex token.
	Token string
}

// Matches reports whether event passes every set criterion.
func (f *Filter) Matches(event Event) bool {
	switch {
	case f.SessionID != "" && f.SessionID != event.SessionID,
		f.RemoteAddr != "" && f.RemoteAddr != event.RemoteAddr,
		f.Token != "" && f.Token != event.Token:
		return false
	case f.Direction != nil && *f.Direction != event.Direction,
		f.Layer != nil && *f.Layer != event.Layer,
		f.Category != nil && *f.Category != event.Category:
		return false
	case f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	}
	return true
}

// Reader iterates over the events of a capture stream. Events are decoded
// one at a time, so captures of any size can be read.
type Reader struct {
	dec    *cbor.Decoder
	closer io.Closer
	filter Filter
}

// NewReader opens the capture file at path.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens the capture file at path. Next only returns
// events matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{dec: NewDecoder(f), closer: f, filter: filter}, nil
}

// NewStreamReader reads a capture from r, e.g. standard input. Close
// closes r when it is an io.Closer.
func NewStreamReader(r io.Reader, filter Filter) *Reader {
	rd := &Reader{dec: NewDecoder(r), filter: filter}
	rd.closer, _ = r.(io.Closer)
	return rd
}

// Next returns the next matching event, or io.EOF at the end of the
// stream.
func (r *Reader) Next() (Event, error) {
	for {
		var ev Event
		err := r.dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, err
		}
		if r.filter.Matches(ev) {
			return ev, nil
		}
	}
}

// Close releases the underlying stream.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
