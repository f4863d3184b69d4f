// Package history maintains the bounded in-memory buffer of recent chat
// messages. It is the single source of truth for the history snapshot served
// to newly connected clients.
package history

import (
	"sync"

	"github.com/whisper/relay/internal/protocol"
)

// DefaultCapacity is the number of recent messages retained by the relay.
const DefaultCapacity = 120

// Buffer stores the last N messages in arrival order. It is goroutine-safe
// and uses a ring buffer internally; once full, appending evicts the oldest
// entry.
type Buffer struct {
	mu    sync.RWMutex
	items []protocol.Message
	pos   int
	count int
}

// NewBuffer creates an empty Buffer with the given capacity. A capacity of
// zero or less falls back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		items: make([]protocol.Message, capacity),
	}
}

// Capacity returns the maximum number of messages the buffer retains.
func (b *Buffer) Capacity() int {
	return len(b.items)
}

// Append adds a message to the buffer. If the buffer is full, the oldest
// message is overwritten.
func (b *Buffer) Append(msg protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.pos] = msg
	b.pos = (b.pos + 1) % len(b.items)
	if b.count < len(b.items) {
		b.count++
	}
}

// Snapshot returns the retained messages in arrival order (oldest first).
// The returned slice is a copy and is safe to hand to a connection.
func (b *Buffer) Snapshot() []protocol.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]protocol.Message, b.count)
	// The oldest message is at position (pos - count) mod capacity.
	start := (b.pos - b.count + len(b.items)) % len(b.items)
	for i := 0; i < b.count; i++ {
		result[i] = b.items[(start+i)%len(b.items)]
	}
	return result
}

// Len returns the number of messages currently retained.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Reload replaces the buffer contents wholesale with msgs (oldest first),
// keeping only the newest entries if msgs exceeds capacity. It is used once
// at startup to re-seed the buffer from durable storage.
func (b *Buffer) Reload(msgs []protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(msgs) > len(b.items) {
		msgs = msgs[len(msgs)-len(b.items):]
	}

	b.pos = 0
	b.count = 0
	for i := range b.items {
		b.items[i] = protocol.Message{}
	}
	for _, msg := range msgs {
		b.items[b.pos] = msg
		b.pos = (b.pos + 1) % len(b.items)
		b.count++
	}
	b.pos = b.pos % len(b.items)
}
