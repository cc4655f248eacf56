package stream

import "strings"

// Kind classifies a wire event name for dispatch.
type Kind int

const (
	KindUnknown Kind = iota
	KindValues
	KindMetadata
	KindCustom
	KindError
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindValues:
		return "values"
	case KindMetadata:
		return "metadata"
	case KindCustom:
		return "custom"
	case KindError:
		return "error"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Tag is a parsed event name. Subgraph snapshots arrive with the emitting
// unit's namespace appended after a pipe, e.g. "values|research/collect".
type Tag struct {
	Kind      Kind
	Namespace string
}

// ParseTag decodes a raw event name into a structured tag so the rest of the
// machine never handles delimiter-encoded strings.
func ParseTag(name string) Tag {
	base, namespace, _ := strings.Cut(name, "|")
	tag := Tag{Namespace: namespace}
	switch base {
	case "values":
		tag.Kind = KindValues
	case "metadata":
		tag.Kind = KindMetadata
	case "custom":
		tag.Kind = KindCustom
	case "error":
		tag.Kind = KindError
	case "end", "done":
		tag.Kind = KindEnd
	}
	return tag
}
