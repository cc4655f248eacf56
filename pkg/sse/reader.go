package sse

import (
	"context"
	"io"
)

const readChunkSize = 32 * 1024

// Read drains an event-stream body, delivering decoded events on the first
// channel. The error channel receives at most one read error and both
// channels are closed when the body is exhausted or ctx is cancelled. The
// body is always closed.
func Read(ctx context.Context, body io.ReadCloser) (<-chan Event, <-chan error) {
	events := make(chan Event, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)
		defer body.Close()

		send := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var lines LineDecoder
		var dec EventDecoder
		buf := make([]byte, readChunkSize)
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := body.Read(buf)
			if n > 0 {
				for _, line := range lines.Decode(string(buf[:n])) {
					if ev, ok := dec.FeedLine(line); ok {
						if !send(ev) {
							return
						}
					}
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					errc <- err
				}
				// flush any partial final line, then force a dispatch of
				// whatever the event decoder still holds
				for _, line := range lines.Flush() {
					if ev, ok := dec.FeedLine(line); ok && !send(ev) {
						return
					}
				}
				if ev, ok := dec.FeedLine(""); ok {
					send(ev)
				}
				return
			}
		}
	}()

	return events, errc
}
