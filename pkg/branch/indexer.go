// Package branch indexes a thread's checkpoint history to support
// edit/regenerate branching semantics: for every message it tracks the
// earliest snapshot that contained it.
package branch

import (
	"encoding/json"
	"sync"

	"github.com/sais-dev/sais/go/pkg/thread"
)

const (
	interruptKey  = "__interrupt__"
	messagesKey   = "messages"
	defaultBranch = "main"
)

// MessageMetadata locates a message within the checkpoint history.
type MessageMetadata struct {
	MessageID      string
	FirstSeenState thread.StateSnapshot
	Branch         string
	BranchOptions  []string
	Checkpoint     thread.Checkpoint
}

// Indexer holds the current history (newest first) and a derived map from
// message id to the earliest snapshot containing that message. Recomputed
// whenever history changes; cleared on thread switch.
type Indexer struct {
	mu        sync.RWMutex
	history   []thread.StateSnapshot
	firstSeen map[string]int
}

// NewIndexer creates an empty indexer.
func NewIndexer() *Indexer {
	return &Indexer{firstSeen: make(map[string]int)}
}

// Update replaces the stored history and rebuilds the index. Snapshots are
// walked oldest-first so "first seen" means chronologically first, never
// most recent.
func (x *Indexer) Update(history []thread.StateSnapshot) {
	firstSeen := make(map[string]int)
	for i := len(history) - 1; i >= 0; i-- {
		for _, id := range messageIDs(history[i].Values) {
			if _, seen := firstSeen[id]; !seen {
				firstSeen[id] = i
			}
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.history = history
	x.firstSeen = firstSeen
}

// Clear drops all history and index state. Used on thread switch so a stale
// interrupt never leaks into a new thread's view.
func (x *Indexer) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.history = nil
	x.firstSeen = make(map[string]int)
}

// ThreadHead returns the newest snapshot, or nil without history.
func (x *Indexer) ThreadHead() *thread.StateSnapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.history) == 0 {
		return nil
	}
	head := x.history[0]
	return &head
}

// Interrupt returns the pending interrupt at the head of the thread, if any.
// The head snapshot's values are checked first, then its task list.
func (x *Indexer) Interrupt() *thread.Interrupt {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.history) == 0 {
		return nil
	}
	head := x.history[0]

	if raw, ok := head.Values[interruptKey]; ok && raw != nil {
		if interrupt := decodeInterrupt(raw); interrupt != nil {
			return interrupt
		}
	}
	for _, task := range head.Tasks {
		if len(task.Interrupts) > 0 {
			interrupt := task.Interrupts[0]
			return &interrupt
		}
	}
	return nil
}

// MessageMetadata resolves a message to its first-seen snapshot and branch
// info. Returns nil for messages absent from the indexed history.
//
// Branch derivation is a single-branch simplification: every message reports
// the "main" branch with itself as the only option. Proper multi-branch
// fan-out would group snapshots by parent checkpoint and compute sibling
// sets as the options.
func (x *Indexer) MessageMetadata(msg thread.Message) *MessageMetadata {
	x.mu.RLock()
	defer x.mu.RUnlock()
	idx, ok := x.firstSeen[msg.ID]
	if !ok || idx >= len(x.history) {
		return nil
	}
	snapshot := x.history[idx]
	return &MessageMetadata{
		MessageID:      msg.ID,
		FirstSeenState: snapshot,
		Branch:         defaultBranch,
		BranchOptions:  []string{defaultBranch},
		Checkpoint:     snapshot.Checkpoint,
	}
}

// messageIDs pulls message ids out of a snapshot's untyped values.
func messageIDs(values map[string]any) []string {
	raw, ok := values[messagesKey].([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(raw))
	for _, entry := range raw {
		msg, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := msg["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// decodeInterrupt converts an untyped interrupt marker into its typed form.
// The marker is a list of interrupts; the first one wins.
func decodeInterrupt(raw any) *thread.Interrupt {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var interrupts []thread.Interrupt
	if err := json.Unmarshal(data, &interrupts); err == nil && len(interrupts) > 0 {
		return &interrupts[0]
	}
	var single thread.Interrupt
	if err := json.Unmarshal(data, &single); err == nil && single.Value != nil {
		return &single
	}
	return nil
}
