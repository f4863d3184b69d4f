// Package presence tracks who is online, who is currently composing, and
// when each display name was last seen. All three structures are in-memory
// and owned by the relay process; clients only ever receive derived
// snapshots.
package presence

import (
	"sort"
	"sync"

	"github.com/whisper/relay/internal/protocol"
)

// Registry maps live connection ids to their self-asserted display names.
// Names are not unique across connections — the same person may be open in
// several tabs — but each connection carries at most one name.
type Registry struct {
	mu    sync.RWMutex
	names map[string]string // connID -> display name
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]string)}
}

// Register binds a display name to a connection, overwriting any prior name
// for that connection. The name is trimmed and truncated; a name that is
// blank after sanitizing is a no-op. Returns the stored name and whether the
// registration took effect.
func (r *Registry) Register(connID, name string) (string, bool) {
	name = protocol.SanitizeName(name)
	if name == "" {
		return "", false
	}

	r.mu.Lock()
	r.names[connID] = name
	r.mu.Unlock()
	return name, true
}

// Remove deletes the registration for a connection. Removing an unknown
// connection is a no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	delete(r.names, connID)
	r.mu.Unlock()
}

// Name returns the display name registered for a connection, or "" if the
// connection never registered.
func (r *Registry) Name(connID string) string {
	r.mu.RLock()
	name := r.names[connID]
	r.mu.RUnlock()
	return name
}

// Names returns the distinct display names currently registered, sorted for
// stable presence payloads. The raw connection count is reported by the
// transport layer, not by this registry.
func (r *Registry) Names() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.names))
	for _, name := range r.names {
		seen[name] = struct{}{}
	}
	r.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
