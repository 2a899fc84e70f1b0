package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgefog/agentd/internal/log"
	"github.com/edgefog/agentd/internal/rpc"
)

const (
	maxDatagramSize = 4096
	beaconTick      = 100 * time.Millisecond
	beaconPeriod    = 500 * time.Millisecond
	beaconReplyWait = 2 * time.Second
)

// DeviceInformation is the beacon-reply payload a follower posts back to a
// beacon's origin (POST /ld/beaconReply/).
type DeviceInformation struct {
	DeviceID string  `json:"deviceID"`
	DeviceIP string  `json:"deviceIP"`
	CPUCores int     `json:"cpu_cores"`
	MemAvail float64 `json:"mem_avail"`
	StgAvail float64 `json:"stg_avail"`
}

type beaconMessage struct {
	LeaderID string `json:"leaderID"`
}

// Dependencies wires LightDiscovery to the rest of the agent.
type Dependencies struct {
	DeviceID      string
	SelfIP        string
	BroadcastAddr string
	Port          int
	PoliciesPort  int
	Clock         clockwork.Clock
	Log           log.Logger
	RPC           *rpc.Client
	// OnBeacon, if set, is invoked with the leaderID of every valid beacon
	// received in scan mode, before the beacon-reply is posted. Lets
	// AgentStartFlow's discovery-scan step observe "a leader exists"
	// without LightDiscovery depending on the startup pipeline.
	OnBeacon func(leaderID string)
}

// LightDiscovery is component C4: beacon mode (Leader) or scan mode
// (Follower), mutually exclusive, switched by AgentStartFlow as the node's
// role changes.
type LightDiscovery struct {
	deps Dependencies

	beaconCancel context.CancelFunc
	beaconDone   chan struct{}
	beaconConn   *net.UDPConn

	scanCancel context.CancelFunc
	scanDone   chan struct{}
	scanConn   *net.UDPConn
}

// New returns a LightDiscovery with neither mode active.
func New(deps Dependencies) *LightDiscovery {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &LightDiscovery{deps: deps}
}

// SetOnBeacon installs the beacon-observed hook after construction, letting
// triggers.DiscoveryScan wrap an already-built LightDiscovery.
func (d *LightDiscovery) SetOnBeacon(fn func(leaderID string)) {
	d.deps.OnBeacon = fn
}

func (d *LightDiscovery) anyModeActive() bool {
	return d.beaconConn != nil || d.scanConn != nil
}

// IsScanning reports whether Follower-mode scanning is currently active,
// backing AgentStartFlow's "aliveDiscovery" watch-leader poll.
func (d *LightDiscovery) IsScanning() bool {
	return d.scanConn != nil
}

// IsBeaconing reports whether Leader-mode beaconing is currently active.
func (d *LightDiscovery) IsBeaconing() bool {
	return d.beaconConn != nil
}

// Healthy implements the per-subsystem status contract ControlAPI's
// /rm/components/ exposes.
func (d *LightDiscovery) Healthy() (bool, string) {
	switch {
	case d.IsBeaconing():
		return true, "light discovery beaconing"
	case d.IsScanning():
		return true, "light discovery scanning"
	default:
		return true, "light discovery idle"
	}
}

// StartBeaconing begins Leader-mode UDP broadcasting on deps.Port. Returns
// false if any mode is already active.
func (d *LightDiscovery) StartBeaconing() bool {
	if d.anyModeActive() {
		return false
	}
	conn, err := newBroadcastSocket()
	if err != nil {
		d.deps.Log.Errorw("discovery: failed to open beacon socket", "err", err)
		return false
	}
	d.beaconConn = conn
	ctx, cancel := context.WithCancel(context.Background())
	d.beaconCancel = cancel
	d.beaconDone = make(chan struct{})
	go d.beaconLoop(ctx, conn, d.beaconDone)
	return true
}

// StopBeaconing cancels and closes the beacon socket (unblocking any
// pending send), then joins the worker.
func (d *LightDiscovery) StopBeaconing() {
	if d.beaconConn == nil {
		return
	}
	d.beaconCancel()
	d.beaconConn.Close()
	<-d.beaconDone
	d.beaconConn, d.beaconCancel, d.beaconDone = nil, nil, nil
}

func (d *LightDiscovery) beaconLoop(ctx context.Context, conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	payload, err := json.Marshal(beaconMessage{LeaderID: d.deps.DeviceID})
	if err != nil {
		d.deps.Log.Errorw("discovery: failed to encode beacon", "err", err)
		return
	}
	dst, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", d.deps.BroadcastAddr, d.deps.Port))
	if err != nil {
		d.deps.Log.Errorw("discovery: cannot resolve broadcast address", "addr", d.deps.BroadcastAddr, "err", err)
		return
	}

	var elapsed time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.deps.Clock.After(beaconTick):
		}
		elapsed += beaconTick
		if elapsed < beaconPeriod {
			continue
		}
		elapsed = 0
		if _, err := conn.WriteToUDP(payload, dst); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.deps.Log.Warnw("discovery: beacon send failed", "err", err)
			}
		}
	}
}

// StartScanning begins Follower-mode UDP listening on deps.Port. Returns
// false if any mode is already active.
func (d *LightDiscovery) StartScanning() bool {
	if d.anyModeActive() {
		return false
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.deps.Port})
	if err != nil {
		d.deps.Log.Errorw("discovery: failed to bind scan socket", "err", err)
		return false
	}
	setReuseAddr(conn)
	d.scanConn = conn
	ctx, cancel := context.WithCancel(context.Background())
	d.scanCancel = cancel
	d.scanDone = make(chan struct{})
	go d.scanLoop(ctx, conn, d.scanDone)
	return true
}

// StopScanning closes the scan socket (unblocking the pending receive), then
// joins the worker.
func (d *LightDiscovery) StopScanning() {
	if d.scanConn == nil {
		return
	}
	d.scanCancel()
	d.scanConn.Close()
	<-d.scanDone
	d.scanConn, d.scanCancel, d.scanDone = nil, nil, nil
}

func (d *LightDiscovery) scanLoop(ctx context.Context, conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed by StopScanning, or a genuine read error
		}
		var msg beaconMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			d.deps.Log.Warnw("discovery: malformed beacon, ignoring", "from", src.IP.String())
			continue
		}
		if d.deps.OnBeacon != nil && msg.LeaderID != "" {
			d.deps.OnBeacon(msg.LeaderID)
		}
		go d.replyToBeacon(ctx, src.IP.String())
	}
}

func (d *LightDiscovery) replyToBeacon(ctx context.Context, leaderHost string) {
	info := categorize()
	payload := DeviceInformation{
		DeviceID: d.deps.DeviceID,
		DeviceIP: d.deps.SelfIP,
		CPUCores: info.CPUCores,
		MemAvail: info.MemAvailGiB,
		StgAvail: info.StgAvailGiB,
	}
	url := fmt.Sprintf("http://%s:%d/ld/beaconReply/", leaderHost, d.deps.PoliciesPort)
	if _, err := d.deps.RPC.PostJSON(ctx, url, payload, beaconReplyWait); err != nil {
		d.deps.Log.Warnw("discovery: beacon-reply post failed", "leader", leaderHost, "err", err)
	}
}
