package sse

import "encoding/json"

// Payload is the decoded data field of a wire event. The backend normally
// sends JSON, but the wire format does not guarantee it, so a payload that
// fails to parse is carried as its raw text rather than dropped. Consumers
// pick the representation through the accessors.
type Payload struct {
	raw    string
	value  any
	isJSON bool
}

// ParsePayload decodes raw as JSON, falling back to a plain-text payload.
func ParsePayload(raw string) Payload {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return Payload{raw: raw}
	}
	return Payload{raw: raw, value: value, isJSON: true}
}

// JSONPayload builds a payload from an already-decoded value. It is used for
// events synthesized on the client side rather than read off the wire.
func JSONPayload(value any) Payload {
	raw, err := json.Marshal(value)
	if err != nil {
		return Payload{}
	}
	return Payload{raw: string(raw), value: value, isJSON: true}
}

// JSON returns the decoded value and whether the payload parsed as JSON.
func (p Payload) JSON() (any, bool) {
	return p.value, p.isJSON
}

// Map returns the payload as a JSON object, when it is one.
func (p Payload) Map() (map[string]any, bool) {
	m, ok := p.value.(map[string]any)
	return m, ok && p.isJSON
}

// Text returns the raw payload text. It is always available, JSON or not.
func (p Payload) Text() string {
	return p.raw
}

// Event is one complete record decoded from the wire: an event name, a data
// payload, and the last event id seen on the stream (empty when the backend
// never sent one).
type Event struct {
	ID    string
	Event string
	Data  Payload
}
