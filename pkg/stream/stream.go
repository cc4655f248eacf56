package stream

import (
	"context"

	"github.com/sais-dev/sais/go/pkg/sse"
)

// Stream is one streaming transport attempt: a lazily produced sequence of
// decoded events plus a deferred error reported after the event channel
// closes.
type Stream struct {
	events <-chan sse.Event
	errc   <-chan error
}

// New wraps an event channel and its companion error channel. The error
// channel must be buffered and closed together with the event channel.
func New(events <-chan sse.Event, errc <-chan error) *Stream {
	return &Stream{events: events, errc: errc}
}

// Events returns the event channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan sse.Event {
	return s.events
}

// Err reports the error that ended the stream, if any. Call it only after
// Events has been drained.
func (s *Stream) Err() error {
	if s.errc == nil {
		return nil
	}
	return <-s.errc
}

// Transport opens one streaming connection to the backend. An error return
// means the connection could not be established (non-success status,
// unreachable host); events arriving after a successful open flow through
// the returned stream.
type Transport func(ctx context.Context) (*Stream, error)
