package presence

import "sync"

// LastSeenLedger maps display names to the unix-millis time they were last
// seen online. Entries are written on disconnect, overwritten last-write-wins,
// and never removed; the ledger lives for the process lifetime only. Growth
// is bounded in practice by the number of distinct names ever seen.
type LastSeenLedger struct {
	mu   sync.RWMutex
	seen map[string]int64
}

// NewLastSeenLedger creates an empty LastSeenLedger.
func NewLastSeenLedger() *LastSeenLedger {
	return &LastSeenLedger{seen: make(map[string]int64)}
}

// Record stores the last-seen timestamp for a name, overwriting any prior
// value. Blank names are ignored.
func (l *LastSeenLedger) Record(name string, ts int64) {
	if name == "" {
		return
	}
	l.mu.Lock()
	l.seen[name] = ts
	l.mu.Unlock()
}

// Snapshot returns a copy of the name -> last-seen mapping for broadcast.
func (l *LastSeenLedger) Snapshot() map[string]int64 {
	l.mu.RLock()
	out := make(map[string]int64, len(l.seen))
	for name, ts := range l.seen {
		out[name] = ts
	}
	l.mu.RUnlock()
	return out
}
