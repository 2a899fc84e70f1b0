// Package discovery implements LightDiscovery (C4): UDP broadcast beaconing
// on the Leader side, scan-listening plus beacon-reply posting on the
// Follower side, and the Leader's topology table ingested from beacon
// replies arriving at ControlAPI.
package discovery

import (
	"sync"

	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/topology"
)

// Table is the Leader-side topology store spec.md §3 describes: keyed by
// deviceID, last-writer-wins, safe under a single mutex. It satisfies the
// unexported entryReader interface internal/topology.DiscoveryTopology
// wraps.
type Table struct {
	mu      sync.Mutex
	entries map[agentstate.DeviceID]topology.Entry
	order   []agentstate.DeviceID
}

// NewTable returns an empty topology table.
func NewTable() *Table {
	return &Table{entries: make(map[agentstate.DeviceID]topology.Entry)}
}

// Upsert inserts or replaces the entry for e.DeviceID, preserving the
// original insertion position on replace (last-writer-wins on value, not on
// order).
func (t *Table) Upsert(e topology.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[e.DeviceID]; !exists {
		t.order = append(t.order, e.DeviceID)
	}
	t.entries[e.DeviceID] = e
}

// Snapshot returns every entry in insertion order.
func (t *Table) Snapshot() []topology.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]topology.Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id])
	}
	return out
}

// Lookup finds one entry by deviceID.
func (t *Table) Lookup(id agentstate.DeviceID) (topology.Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}
