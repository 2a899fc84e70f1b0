package topology

import "github.com/edgefog/agentd/internal/agentstate"

// entryReader is the minimal surface LightDiscovery's topology table must
// provide; kept local so this package never imports internal/discovery.
type entryReader interface {
	Snapshot() []Entry
	Lookup(id agentstate.DeviceID) (Entry, bool)
}

// DiscoveryTopology adapts LightDiscovery's live topology table to
// Provider. It is always backed by the same table the beacon-reply handler
// writes into, so readers see fresh entries as soon as they're ingested.
type DiscoveryTopology struct {
	reader entryReader
}

// NewDiscoveryTopology wraps a live table reader as a Provider.
func NewDiscoveryTopology(reader entryReader) *DiscoveryTopology {
	return &DiscoveryTopology{reader: reader}
}

func (d *DiscoveryTopology) Snapshot() []Entry                          { return d.reader.Snapshot() }
func (d *DiscoveryTopology) Lookup(id agentstate.DeviceID) (Entry, bool) { return d.reader.Lookup(id) }
