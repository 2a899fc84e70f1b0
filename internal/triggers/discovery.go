package triggers

import (
	"fmt"
	"net"
	"sync"

	"github.com/edgefog/agentd/internal/discovery"
)

// DiscoveryScan adapts AgentStartFlow's scan step (spec.md §4.5 step 4) to
// LightDiscovery: it starts scan mode and tracks the most recently observed
// beacons so the pipeline can poll for "a leader was detected" without
// LightDiscovery itself knowing about the startup pipeline.
type DiscoveryScan struct {
	ld *discovery.LightDiscovery

	mu           sync.Mutex
	foundLeaders []string
}

// NewDiscoveryScan wraps ld. Call OnBeacon from discovery.Dependencies'
// beacon-received hook (wired by cmd/agentd) to feed Poll.
func NewDiscoveryScan(ld *discovery.LightDiscovery) *DiscoveryScan {
	return &DiscoveryScan{ld: ld}
}

// OnBeacon records a newly observed leaderID.
func (d *DiscoveryScan) OnBeacon(leaderID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.foundLeaders {
		if l == leaderID {
			return
		}
	}
	d.foundLeaders = append(d.foundLeaders, leaderID)
}

// Start begins Follower-mode scanning.
func (d *DiscoveryScan) Start() bool { return d.ld.StartScanning() }

// Stop stops Follower-mode scanning.
func (d *DiscoveryScan) Stop() { d.ld.StopScanning() }

// Alive reports whether LightDiscovery is still active in either mode
// (Follower-mode scanning or Leader-mode beaconing), backing
// AgentStartFlow's watch-leader loop.
func (d *DiscoveryScan) Alive() bool { return d.ld.IsScanning() || d.ld.IsBeaconing() }

// BroadcastSwitch moves LightDiscovery into Leader-mode beaconing, stopping
// scan mode first if it was active.
func (d *DiscoveryScan) BroadcastSwitch() bool {
	d.ld.StopScanning()
	return d.ld.StartBeaconing()
}

// Poll reports every leaderID observed so far, plus this host's primary MAC
// address (spec.md §4.5 step 4's "used_mac").
func (d *DiscoveryScan) Poll() (foundLeaders []string, usedMAC string, err error) {
	d.mu.Lock()
	leaders := append([]string(nil), d.foundLeaders...)
	d.mu.Unlock()

	mac, err := primaryMAC()
	if err != nil {
		return leaders, "", err
	}
	return leaders, mac, nil
}

func primaryMAC() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", fmt.Errorf("triggers: no non-loopback interface with a MAC address")
}
