package thread

import "time"

// Thread is a persistent backend conversation context. It accumulates state
// across any number of runs.
type Thread struct {
	ThreadID  string         `json:"thread_id"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Checkpoint identifies one state snapshot within a thread.
type Checkpoint struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id"`
	CheckpointNS string `json:"checkpoint_ns"`
}

// Interrupt is a backend-signaled pause awaiting external input before a run
// can continue.
type Interrupt struct {
	ID    string `json:"id,omitempty"`
	Value any    `json:"value"`
}

// Task is one unit of pending work recorded on a snapshot.
type Task struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Interrupts []Interrupt `json:"interrupts,omitempty"`
}

// StateSnapshot is a point-in-time server checkpoint of a thread. Snapshots
// are immutable once fetched; a newest-first sequence of them forms the
// thread's history.
type StateSnapshot struct {
	Values           map[string]any `json:"values"`
	Next             []string       `json:"next"`
	Checkpoint       Checkpoint     `json:"checkpoint"`
	ParentCheckpoint *Checkpoint    `json:"parent_checkpoint"`
	Tasks            []Task         `json:"tasks"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Message is one entry of a thread's message list, as stored under the
// values "messages" field.
type Message struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Content any    `json:"content"`
}
