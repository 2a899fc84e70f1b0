package topology

import (
	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/config"
)

// EnvTopology implements Provider over the static list parsed from the
// TOPOLOGY environment variable. It never changes after construction.
type EnvTopology struct {
	entries []Entry
	byID    map[agentstate.DeviceID]Entry
}

// NewEnvTopology converts the literal entries parsed by internal/config
// into topology Entries, preserving their declared order.
func NewEnvTopology(literal []config.TopologyLiteralEntry) *EnvTopology {
	entries := make([]Entry, 0, len(literal))
	byID := make(map[agentstate.DeviceID]Entry, len(literal))
	for _, l := range literal {
		e := Entry{
			DeviceID:    agentstate.DeviceID(l.DeviceID),
			DeviceIP:    l.DeviceIP,
			CPUCores:    l.CPUCores,
			MemAvailGiB: l.MemAvailGiB,
			StgAvailGiB: l.StgAvailGiB,
		}
		entries = append(entries, e)
		byID[e.DeviceID] = e
	}
	return &EnvTopology{entries: entries, byID: byID}
}

func (t *EnvTopology) Snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *EnvTopology) Lookup(id agentstate.DeviceID) (Entry, bool) {
	e, ok := t.byID[id]
	return e, ok
}
