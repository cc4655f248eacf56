package sse

import "strings"

// defaultEventType is used when a dispatched event never saw an event field.
const defaultEventType = "message"

// EventDecoder assembles decoded lines into events per the SSE wire format.
// Feed it one line at a time; a complete event is returned on the empty line
// that terminates it.
type EventDecoder struct {
	eventType string
	dataLines []string
	lastID    string
}

// FeedLine consumes one line. The second return value is true when a complete
// event was dispatched.
func (d *EventDecoder) FeedLine(line string) (Event, bool) {
	if line == "" {
		return d.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		// comment line
		return Event{}, false
	}

	field := line
	value := ""
	if i := strings.Index(line, ":"); i >= 0 {
		field = line[:i]
		value = line[i+1:]
		// a single leading space belongs to the separator, not the value
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "event":
		d.eventType = value
	case "data":
		d.dataLines = append(d.dataLines, value)
	case "id":
		if !strings.ContainsRune(value, '\x00') {
			d.lastID = value
		}
	}
	// unrecognized fields are ignored
	return Event{}, false
}

// dispatch emits the accumulated event. An empty line with no accumulated
// data is a no-op divider that only resets the event type; the last event id
// persists across events until overwritten.
func (d *EventDecoder) dispatch() (Event, bool) {
	if d.dataLines == nil {
		d.eventType = ""
		return Event{}, false
	}

	eventType := d.eventType
	if eventType == "" {
		eventType = defaultEventType
	}
	ev := Event{
		ID:    d.lastID,
		Event: eventType,
		Data:  ParsePayload(strings.Join(d.dataLines, "\n")),
	}
	d.eventType = ""
	d.dataLines = nil
	return ev, true
}
