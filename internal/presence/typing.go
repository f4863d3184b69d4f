package presence

import (
	"sync"

	"github.com/whisper/relay/internal/protocol"
)

// TypingTracker maps connection ids to the display name they are composing
// under. It is deliberately independent from the Registry: a connection may
// start typing before it registers. Snapshots preserve typing-start order.
// The tracker holds no debounce policy — "stop typing after inactivity" is
// the client's job, expressed as a delayed typing=false event.
type TypingTracker struct {
	mu    sync.RWMutex
	names map[string]string // connID -> display name
	order []string          // connIDs in typing-start order
}

// NewTypingTracker creates an empty TypingTracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{names: make(map[string]string)}
}

// Set marks a connection as currently composing. Setting an already-typing
// connection updates its name but keeps its position in the order.
func (t *TypingTracker) Set(connID, name string) {
	t.mu.Lock()
	if _, ok := t.names[connID]; !ok {
		t.order = append(t.order, connID)
	}
	t.names[connID] = name
	t.mu.Unlock()
}

// Clear removes the typing entry for a connection. Clearing a connection
// that is not typing is a no-op, so repeated typing=false events are
// idempotent.
func (t *TypingTracker) Clear(connID string) {
	t.mu.Lock()
	if _, ok := t.names[connID]; ok {
		delete(t.names, connID)
		for i, id := range t.order {
			if id == connID {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	t.mu.Unlock()
}

// Snapshot returns the currently-composing connections in typing-start
// order. The returned slice is a copy.
func (t *TypingTracker) Snapshot() []protocol.TypingEntry {
	t.mu.RLock()
	entries := make([]protocol.TypingEntry, 0, len(t.order))
	for _, connID := range t.order {
		entries = append(entries, protocol.TypingEntry{
			ConnID: connID,
			Name:   t.names[connID],
		})
	}
	t.mu.RUnlock()
	return entries
}
