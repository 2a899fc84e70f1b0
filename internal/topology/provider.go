// Package topology resolves spec.md's Design Note on "topology source
// ambiguity": ControlAPI and AreaResilience depend only on the Provider
// interface, never on LightDiscovery or the TOPOLOGY env var directly.
package topology

import "github.com/edgefog/agentd/internal/agentstate"

// Entry mirrors spec.md §3's TopologyEntry: (deviceID, deviceIP, cpuCores,
// memAvailGiB, stgAvailGiB), keyed by deviceID.
type Entry struct {
	DeviceID    agentstate.DeviceID
	DeviceIP    string
	CPUCores    int
	MemAvailGiB float64
	StgAvailGiB float64
}

// Provider is the read surface every consumer of topology depends on.
type Provider interface {
	// Snapshot returns all known entries in a stable iteration order.
	Snapshot() []Entry
	// Lookup finds one entry by deviceID.
	Lookup(id agentstate.DeviceID) (Entry, bool)
}
