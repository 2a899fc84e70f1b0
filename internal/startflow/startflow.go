// Package startflow implements AgentStartFlow (C6), the bootstrap pipeline
// described in spec.md §4.5: wait for the CIMI collaborator, identify the
// node, discover (or, as Leader, announce) the area's leader, authenticate
// through CAU, start categorization, hand off to AreaResilience, then watch
// the leader for as long as the node remains an Agent or Backup.
//
// The pipeline runs as a single cancellable worker, mirroring
// internal/resilience's cancel-func-plus-done-channel pattern so Start,
// Switch and a future Stop all compose the same way the rest of the agent
// does.
package startflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/edgefog/agentd/internal/config"
	"github.com/edgefog/agentd/internal/log"
)

const (
	waitTimeCIMI      = 2 * time.Second
	maxMissingScans   = 10
	discoveryScanTick = 500 * time.Millisecond
	timeWaitAlive     = 5 * time.Second
)

// Identifier is the boundary collaborator that assigns this node's
// permanent identity (internal/triggers.Identification).
type Identifier interface {
	Identify(ctx context.Context) (DeviceIdentity, error)
}

// DeviceIdentity is what a successful Identify call returns.
type DeviceIdentity struct {
	DeviceID string
	IDKey    string
}

// CIMIClient is the subset of internal/triggers.CIMI AgentStartFlow needs.
type CIMIClient interface {
	CheckStarted(ctx context.Context) (bool, error)
}

// Authenticator is internal/triggers.CAU's Authenticate call.
type Authenticator interface {
	Authenticate(ctx context.Context, detectedLeaderID, macAddr, idKey, deviceID string) (bool, error)
}

// Categorizer is internal/triggers.Categorization's Start call.
type Categorizer interface {
	Start(ctx context.Context, detectedLeaderID, deviceID string, isLeader bool) error
}

// Discoverer is internal/triggers.DiscoveryScan's pipeline-facing surface.
type Discoverer interface {
	Start() bool
	Stop()
	BroadcastSwitch() bool
	Poll() (foundLeaders []string, usedMAC string, err error)
	Alive() bool
}

// AreaResilienceTrigger is the one call AgentStartFlow issues against
// AreaResilience directly: promoting it to Leader. The Backup/Agent paths
// are driven by the peer protocol instead (spec.md §4.5 step 8 fires an
// HTTP self-trigger that ControlAPI turns into a PromoteToBackup call).
type AreaResilienceTrigger interface {
	PromoteToLeader() error
}

// SelfTrigger is internal/triggers.Self's StartAreaResilience call.
type SelfTrigger interface {
	StartAreaResilience(ctx context.Context) error
}

// Dependencies wires AgentStartFlow to the rest of the agent.
type Dependencies struct {
	Config         config.Config
	CIMI           CIMIClient
	Identification Identifier
	Discovery      Discoverer
	CAU            Authenticator
	Categorization Categorizer
	Self           SelfTrigger
	Resilience     AreaResilienceTrigger
	Clock          clockwork.Clock
	Log            log.Logger
}

// StepStatus is one pipeline step's recorded outcome, returned by Status.
// ControlAPI's /rm/components/ does not list steps individually: it shows
// Healthy(), i.e. whether the pipeline is running and how many steps it
// has recorded.
type StepStatus struct {
	OK          bool
	Description string
}

// AgentStartFlow is the component described in spec.md §4.5.
type AgentStartFlow struct {
	deps Dependencies

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	steps    map[string]StepStatus
	deviceID string
	idKey    string
}

// New returns an idle AgentStartFlow.
func New(deps Dependencies) *AgentStartFlow {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &AgentStartFlow{deps: deps, steps: make(map[string]StepStatus)}
}

// Running reports whether the pipeline worker is active.
func (f *AgentStartFlow) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Status returns a snapshot of every step recorded so far.
func (f *AgentStartFlow) Status() map[string]StepStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]StepStatus, len(f.steps))
	for k, v := range f.steps {
		out[k] = v
	}
	return out
}

// Healthy implements the per-subsystem status contract ControlAPI's
// /rm/components/ exposes.
func (f *AgentStartFlow) Healthy() (bool, string) {
	if !f.Running() {
		return false, "agent start flow not running"
	}
	return true, fmt.Sprintf("agent start flow running (%d steps recorded)", len(f.Status()))
}

// DeviceID returns the identity this node resolved: config.Config.DeviceID
// from the moment a pipeline starts (empty before any Start), replaced by
// the identification result once that step succeeds.
func (f *AgentStartFlow) DeviceID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceID
}

// Start launches the pipeline as imLeader (Leader path) or not (Agent
// path). Returns false if a pipeline is already running.
func (f *AgentStartFlow) Start(imLeader bool) bool {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return false
	}
	f.running = true
	f.steps = make(map[string]StepStatus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancel, f.done = cancel, done
	f.mu.Unlock()

	go f.run(ctx, imLeader, done)
	return true
}

// Switch cancels and joins any running pipeline, then starts fresh as
// imLeader. AreaResilience's reelection and self-takeover change the role
// in-process and do not call it.
func (f *AgentStartFlow) Switch(imLeader bool) bool {
	f.mu.Lock()
	prevCancel, prevDone, running := f.cancel, f.done, f.running
	f.running = false
	f.cancel, f.done = nil, nil
	f.mu.Unlock()

	if running && prevCancel != nil {
		prevCancel()
		<-prevDone
	}
	return f.Start(imLeader)
}

func (f *AgentStartFlow) recordStep(name string, ok bool, description string) {
	f.mu.Lock()
	f.steps[name] = StepStatus{OK: ok, Description: description}
	f.mu.Unlock()
	if ok {
		f.deps.Log.Infow("agentstartflow: step ok", "step", name, "detail", description)
	} else {
		f.deps.Log.Warnw("agentstartflow: step failed", "step", name, "detail", description)
	}
}

func (f *AgentStartFlow) setIdentity(deviceID, idKey string) {
	f.mu.Lock()
	f.deviceID, f.idKey = deviceID, idKey
	f.mu.Unlock()
}

func (f *AgentStartFlow) identity() (deviceID, idKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceID, f.idKey
}

// run executes one full pass of the pipeline. It always closes done and
// clears the running flag on return, whether it exits via ctx
// cancellation, a non-DEBUG step failure, or falling out the bottom of the
// watch-leader loop.
func (f *AgentStartFlow) run(ctx context.Context, imLeader bool, done chan struct{}) {
	defer close(done)
	defer func() {
		f.mu.Lock()
		f.running = false
		f.cancel, f.done = nil, nil
		f.mu.Unlock()
	}()

	f.setIdentity(f.deps.Config.DeviceID, "")

	if imLeader || f.deps.Config.IsLeader {
		f.runLeaderPath(ctx)
		return
	}
	f.runAgentPath(ctx)
}

func (f *AgentStartFlow) runAgentPath(ctx context.Context) {
	if !f.waitForCIMI(ctx) {
		f.recordStep("cimi", false, "cancelled while waiting for CIMI")
		return
	}
	f.recordStep("cimi", true, "CIMI is up")

	id, err := f.deps.Identification.Identify(ctx)
	if err != nil {
		f.recordStep("identification", false, err.Error())
		if !f.deps.Config.Debug {
			return
		}
	} else {
		f.setIdentity(id.DeviceID, id.IDKey)
		f.recordStep("identification", true, "identified as "+id.DeviceID)
	}

	detectedLeader, mac, found := f.discoveryScan(ctx)
	if !found {
		if f.deps.Config.ALEEnabled {
			f.recordStep("discovery", false, "no leader detected, ALE_ENABLED falling back to leader")
			f.runLeaderPath(ctx)
			return
		}
		f.recordStep("discovery", false, "no leader detected after max retries")
		if !f.deps.Config.Debug {
			return
		}
	} else {
		f.recordStep("discovery", true, fmt.Sprintf("detected leader %s", detectedLeader))
	}

	deviceID, idKey := f.identity()
	var errs *multierror.Error

	ok, err := f.deps.CAU.Authenticate(ctx, detectedLeader, mac, idKey, deviceID)
	switch {
	case err != nil:
		f.recordStep("cau", false, err.Error())
		errs = multierror.Append(errs, fmt.Errorf("cau: %w", err))
		if !f.deps.Config.Debug {
			return
		}
	case !ok:
		f.recordStep("cau", false, "CAU rejected credentials")
		errs = multierror.Append(errs, fmt.Errorf("cau: credentials rejected"))
		if !f.deps.Config.Debug {
			return
		}
	default:
		f.recordStep("cau", true, "authenticated")
	}

	if err := f.deps.Categorization.Start(ctx, detectedLeader, deviceID, false); err != nil {
		f.recordStep("categorization", false, err.Error())
		errs = multierror.Append(errs, fmt.Errorf("categorization: %w", err))
		if !f.deps.Config.Debug {
			return
		}
	} else {
		f.recordStep("categorization", true, "categorization started")
	}

	if err := f.deps.Self.StartAreaResilience(ctx); err != nil {
		f.recordStep("area-resilience", false, err.Error())
		errs = multierror.Append(errs, fmt.Errorf("area resilience: %w", err))
		if !f.deps.Config.Debug {
			return
		}
	} else {
		f.recordStep("area-resilience", true, "area resilience triggered")
	}

	if errs.ErrorOrNil() != nil {
		f.deps.Log.Warnw("agentstartflow: completed with DEBUG-tolerated failures", "err", errs)
	}

	// discoveryScan stopped scanning on return; restart it so the
	// watch-leader loop observes an active scan.
	f.deps.Discovery.Start()
	f.watchLeader(ctx)
}

func (f *AgentStartFlow) runLeaderPath(ctx context.Context) {
	deviceID, _ := f.identity()
	if deviceID == "" {
		deviceID = f.deps.Config.DeviceID
		f.setIdentity(deviceID, "")
	}

	if f.deps.Discovery.BroadcastSwitch() {
		f.recordStep("discovery", true, "broadcasting as leader")
	} else {
		f.recordStep("discovery", false, "failed to switch to beacon mode")
	}

	if err := f.deps.Categorization.Start(ctx, deviceID, deviceID, true); err != nil {
		f.recordStep("categorization", false, err.Error())
	} else {
		f.recordStep("categorization", true, "categorization started")
	}

	if err := f.deps.Resilience.PromoteToLeader(); err != nil {
		f.recordStep("area-resilience", false, err.Error())
	} else {
		f.recordStep("area-resilience", true, "promoted to leader")
	}

	f.watchLeader(ctx)
}

// waitForCIMI polls CheckStarted every waitTimeCIMI until it reports
// started, or ctx is cancelled, logging once per 5 consecutive misses.
func (f *AgentStartFlow) waitForCIMI(ctx context.Context) bool {
	misses := 0
	for {
		started, err := f.deps.CIMI.CheckStarted(ctx)
		if err != nil {
			f.deps.Log.Warnw("agentstartflow: CIMI check failed", "err", err)
		}
		if started {
			return true
		}
		misses++
		if misses%5 == 0 {
			f.deps.Log.Infow("agentstartflow: still waiting for CIMI", "misses", misses)
		}
		select {
		case <-ctx.Done():
			return false
		case <-f.deps.Clock.After(waitTimeCIMI):
		}
	}
}

// discoveryScan runs Follower-mode scanning for up to maxMissingScans
// ticks, returning the first observed leader as soon as one arrives.
func (f *AgentStartFlow) discoveryScan(ctx context.Context) (detectedLeader, usedMAC string, found bool) {
	f.deps.Discovery.Start()
	defer f.deps.Discovery.Stop()

	for attempt := 0; attempt < maxMissingScans; attempt++ {
		leaders, mac, err := f.deps.Discovery.Poll()
		if mac != "" {
			usedMAC = mac
		}
		if err == nil && len(leaders) > 0 {
			return leaders[0], usedMAC, true
		}
		select {
		case <-ctx.Done():
			return "", usedMAC, false
		case <-f.deps.Clock.After(discoveryScanTick):
		}
	}
	return "", usedMAC, false
}

// watchLeader polls aliveDiscovery every TIME_WAIT_ALIVE, exiting the
// pipeline once scanning (or beaconing) stops being active. AreaResilience
// drives every role transition once startup completes; this loop exists
// purely to detect that discovery has gone away and let the pipeline's
// goroutine return so a future Switch can restart it cleanly.
func (f *AgentStartFlow) watchLeader(ctx context.Context) {
	f.recordStep("watch-leader", true, "watching leader")
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.deps.Clock.After(timeWaitAlive):
		}
		if !f.deps.Discovery.Alive() {
			f.recordStep("watch-leader", false, "discovery disconnected")
			return
		}
	}
}
