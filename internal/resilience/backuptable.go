package resilience

import (
	"sync"

	"github.com/edgefog/agentd/internal/agentstate"
)

// BackupEntry is spec.md §3's BackupEntry, owned by AreaResilience via
// BackupTable.
type BackupEntry struct {
	DeviceID agentstate.DeviceID
	DeviceIP string
	Priority int
	TTL      int
}

// BackupTable is the ordered, TTL-tracked set described in spec.md §4.2.
// Every operation is atomic against a single mutex; iteration (Snapshot,
// TickAll) observes insertion order. nextPriority only ever increases,
// including across Remove/Truncate, per Design Note §9: reasserted takeover
// order must stay stable across churn.
type BackupTable struct {
	mu           sync.Mutex
	entries      map[agentstate.DeviceID]*BackupEntry
	order        []agentstate.DeviceID
	nextPriority int
}

// NewBackupTable returns an empty table with priorities starting at 1.
func NewBackupTable() *BackupTable {
	return &BackupTable{
		entries:      make(map[agentstate.DeviceID]*BackupEntry),
		nextPriority: 1,
	}
}

// Find returns a copy of the entry for deviceID, if present.
func (t *BackupTable) Find(id agentstate.DeviceID) (BackupEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return BackupEntry{}, false
	}
	return *e, true
}

// Insert adds a new entry with the next monotonic priority and the given
// initial TTL. It is a no-op (returns ok=false) if deviceID is already
// present, preserving invariant (i): deviceID uniqueness.
func (t *BackupTable) Insert(id agentstate.DeviceID, ip string, ttl int) (BackupEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return BackupEntry{}, false
	}
	e := &BackupEntry{DeviceID: id, DeviceIP: ip, Priority: t.nextPriority, TTL: ttl}
	t.nextPriority++
	t.entries[id] = e
	t.order = append(t.order, id)
	return *e, true
}

// Remove deletes deviceID's entry, if present. It does not reset
// nextPriority.
func (t *BackupTable) Remove(id agentstate.DeviceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *BackupTable) removeLocked(id agentstate.DeviceID) {
	if _, ok := t.entries[id]; !ok {
		return
	}
	delete(t.entries, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// RefreshTTL resets deviceID's TTL and returns its current priority.
func (t *BackupTable) RefreshTTL(id agentstate.DeviceID, ttl int) (found bool, priority int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false, 0
	}
	e.TTL = ttl
	return true, e.Priority
}

// TickAll decrements every entry's TTL by decrement and removes (returning)
// every entry whose TTL fell below zero.
func (t *BackupTable) TickAll(decrement int) []BackupEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []BackupEntry
	for _, id := range append([]agentstate.DeviceID{}, t.order...) {
		e := t.entries[id]
		e.TTL -= decrement
		if e.TTL < 0 {
			expired = append(expired, *e)
			t.removeLocked(id)
		}
	}
	return expired
}

// Snapshot returns a copy of every entry in insertion order.
func (t *BackupTable) Snapshot() []BackupEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]BackupEntry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.entries[id])
	}
	return out
}

// CountActive returns the number of entries with TTL>=0 (spec.md's
// backup-selection loop condition; TickAll already evicts TTL<0 entries, so
// in practice this is simply len(entries), kept separate for clarity at the
// call site).
func (t *BackupTable) CountActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.TTL >= 0 {
			n++
		}
	}
	return n
}

// Truncate clears every entry without resetting nextPriority. Used by the
// keeper loop on entry to a fresh leadership term.
func (t *BackupTable) Truncate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[agentstate.DeviceID]*BackupEntry)
	t.order = nil
}
