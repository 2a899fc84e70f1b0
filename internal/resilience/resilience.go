// Package resilience implements AreaResilience (C5), the leader-protection
// state machine: keepalive loop (backup side), keeper loop (leader side),
// priority-ordered takeover, backup election and reelection. It owns
// BackupTable (C2).
//
// Per Design Note §9, role state is not "reinstantiated" on every
// transition; instead a single AreaResilience value holds a role-owned
// worker handle (cancel func + done channel) that is atomically swapped
// under r.mu whenever the role changes.
package resilience

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/log"
	"github.com/edgefog/agentd/internal/policy"
	"github.com/edgefog/agentd/internal/topology"
)

// Triggers is the subset of ExternalTriggers/peer-protocol calls
// AreaResilience issues. Implemented by internal/triggers.PeerClient in
// production, faked in tests.
type Triggers interface {
	// Keepalive posts this node's identity to leaderIP's keepalive
	// endpoint and returns the classified reply.
	Keepalive(ctx context.Context, leaderIP string, self agentstate.DeviceID) (status, priority int, err error)
	// ElectBackup issues the election-level GET /roleChange/backup to a
	// topology candidate.
	ElectBackup(ctx context.Context, candidateIP string) (status int, err error)
	// ElectLeader issues the election-level GET /roleChange/leader to a
	// reelection target.
	ElectLeader(ctx context.Context, targetIP string) (status int, err error)
	// Demote notifies an expired backup that it has been dropped.
	Demote(ctx context.Context, ip string) error
	// SelfRoleChange calls this node's own ControlAPI role-change
	// endpoint, used purely for external observability parity after a
	// locally-decided transition.
	SelfRoleChange(ctx context.Context, role agentstate.Role) error
	// DiscLeaderIP asks the CIMI adapter whether a leader is already
	// known for this area, used during takeover to avoid a double
	// takeover race.
	DiscLeaderIP(ctx context.Context) (string, error)
}

// Dependencies wires AreaResilience to the rest of the agent.
type Dependencies struct {
	DeviceID        agentstate.DeviceID
	SelfIP          string
	Policies        *policy.Bundle
	Topology        topology.Provider
	Triggers        Triggers
	Clock           clockwork.Clock
	Log             log.Logger
	ImCapable       func() bool
	StartupComplete func() bool
}

// AreaResilience is the component described in spec.md §4.4.
type AreaResilience struct {
	deps  Dependencies
	table *BackupTable

	mu             sync.Mutex
	role           agentstate.Role
	leaderIP       string
	backupPriority int
	leaderFailed   bool

	cancel context.CancelFunc
	done   chan struct{}

	selCancel context.CancelFunc
	selDone   chan struct{}
}

// New returns an AreaResilience starting in the Agent role. AgentStartFlow
// is the only caller allowed to move it out of Agent (spec.md §3).
func New(deps Dependencies) *AreaResilience {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &AreaResilience{deps: deps, role: agentstate.RoleAgent, table: NewBackupTable()}
}

// Role returns the current role.
func (r *AreaResilience) Role() agentstate.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// Status reports the observable {imLeader,imBackup} pair ControlAPI
// projects on every role-aware response.
func (r *AreaResilience) Status() (imLeader, imBackup bool) {
	role := r.Role()
	return role == agentstate.RoleLeader, role == agentstate.RoleBackup
}

// BackupPriority returns this node's last-known backup priority (0 if it
// has never received one, e.g. it is not a Backup or hasn't completed a
// successful keepalive yet).
func (r *AreaResilience) BackupPriority() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backupPriority
}

// BackupCount returns the number of active (TTL>=0) backups. Leader-only in
// practice, but harmless to call otherwise (the table is simply empty).
func (r *AreaResilience) BackupCount() int {
	return r.table.CountActive()
}

// Backups returns a snapshot of the leader's backup table.
func (r *AreaResilience) Backups() []BackupEntry {
	return r.table.Snapshot()
}

// Healthy implements the per-subsystem status contract ControlAPI's
// /rm/components/ exposes.
func (r *AreaResilience) Healthy() (bool, string) {
	switch r.Role() {
	case agentstate.RoleLeader:
		return true, "area resilience running as leader"
	case agentstate.RoleBackup:
		return true, "area resilience running as backup"
	default:
		return true, "area resilience idle (agent)"
	}
}

// PromoteToBackup handles the inbound GET /roleChange/backup: leaderIP is
// the remote peer IP that issued the request.
func (r *AreaResilience) PromoteToBackup(leaderIP string) error {
	if !r.deps.StartupComplete() {
		return &agentstate.StateError{From: agentstate.RoleAgent, To: agentstate.RoleBackup, Reason: "startup not complete"}
	}
	if !r.deps.ImCapable() {
		return &agentstate.StateError{From: agentstate.RoleAgent, To: agentstate.RoleBackup, Reason: "node not capable"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role != agentstate.RoleAgent {
		return &agentstate.StateError{From: r.role, To: agentstate.RoleBackup, Reason: "already promoted"}
	}
	r.role = agentstate.RoleBackup
	r.leaderIP = leaderIP
	r.leaderFailed = false
	r.backupPriority = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	go r.keepaliveLoop(ctx, done)
	return nil
}

// PromoteToLeader moves the node to Leader, stopping any active backup loop
// first. Safe to call from any goroutine other than the keepalive loop
// itself (see becomeLeaderLocal for the self-takeover path).
func (r *AreaResilience) PromoteToLeader() error {
	r.mu.Lock()
	if r.role == agentstate.RoleLeader {
		r.mu.Unlock()
		return &agentstate.StateError{From: r.role, To: agentstate.RoleLeader, Reason: "already leader"}
	}
	prevCancel, prevDone := r.cancel, r.done
	r.role = agentstate.RoleLeader
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}
	r.spawnLeaderLoops()
	return nil
}

// DemoteToAgent handles GET /roleChange/agent from either Backup or Leader.
func (r *AreaResilience) DemoteToAgent() error {
	r.mu.Lock()
	role := r.role
	if role == agentstate.RoleAgent {
		r.mu.Unlock()
		return &agentstate.StateError{From: role, To: agentstate.RoleAgent, Reason: "already agent"}
	}
	cancel, done := r.cancel, r.done
	selCancel, selDone := r.selCancel, r.selDone
	r.role = agentstate.RoleAgent
	r.cancel, r.done = nil, nil
	r.selCancel, r.selDone = nil, nil
	r.leaderFailed = false
	r.backupPriority = 0
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if selCancel != nil {
		selCancel()
		<-selDone
	}
	return nil
}

// Reelect implements POST /reelection: hand leadership to target, then
// demote self. Leader-only.
func (r *AreaResilience) Reelect(ctx context.Context, target agentstate.DeviceID) error {
	if r.Role() != agentstate.RoleLeader {
		return &agentstate.StateError{From: r.Role(), To: agentstate.RoleLeader, Reason: "not a leader"}
	}
	entry, ok := r.deps.Topology.Lookup(target)
	if !ok {
		return &agentstate.NotFoundError{DeviceID: target}
	}
	status, err := r.deps.Triggers.ElectLeader(ctx, entry.DeviceIP)
	if err != nil {
		return &agentstate.TransportError{Op: "reelection", Err: err}
	}
	if status != http.StatusOK {
		return &agentstate.ProtocolError{Op: "reelection", Detail: "candidate rejected the handover"}
	}
	return r.DemoteToAgent()
}

// HandleKeepalive implements POST /keepalive's classification rules.
func (r *AreaResilience) HandleKeepalive(id agentstate.DeviceID) (status, priority int) {
	if r.Role() != agentstate.RoleLeader {
		return http.StatusMethodNotAllowed, agentstate.PriorityOnFailure
	}
	maxTTL := policy.AsInt(r.deps.Policies.Get(policy.GroupLPP, "MAX_TTL", 30), 30)
	found, p := r.table.RefreshTTL(id, maxTTL)
	if !found {
		return http.StatusForbidden, agentstate.PriorityOnDemotion
	}
	return http.StatusOK, p
}

func (r *AreaResilience) spawnLeaderLoops() {
	r.table.Truncate()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	selCtx, selCancel := context.WithCancel(context.Background())
	selDone := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.selCancel = selCancel
	r.selDone = selDone
	r.mu.Unlock()

	go r.keeperLoop(ctx, done)
	go r.backupSelectionLoop(selCtx, selDone)
}

// becomeLeaderLocal is the self-takeover path, invoked from inside the
// keepalive loop's own goroutine. It must not cancel or join that loop's
// own done channel (the loop is about to return on its own), which is why
// it bypasses PromoteToLeader.
func (r *AreaResilience) becomeLeaderLocal() {
	r.mu.Lock()
	r.role = agentstate.RoleLeader
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	r.spawnLeaderLoops()
}

func (r *AreaResilience) finishAsAgent() {
	r.mu.Lock()
	r.role = agentstate.RoleAgent
	r.cancel, r.done = nil, nil
	r.leaderFailed = false
	r.backupPriority = 0
	r.mu.Unlock()
}

// keepaliveLoop is the Backup-only worker from spec.md §4.4.
func (r *AreaResilience) keepaliveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempts := 0
	for {
		interval := policy.AsDuration(r.deps.Policies.Get(policy.GroupLPP, "TIME_KEEPALIVE", 1.0), time.Second)
		select {
		case <-ctx.Done():
			return
		case <-r.deps.Clock.After(interval):
		}

		r.mu.Lock()
		leaderIP := r.leaderIP
		r.mu.Unlock()

		maxRetry := policy.AsInt(r.deps.Policies.Get(policy.GroupLPP, "MAX_RETRY_ATTEMPTS", 5), 5)
		status, priority, err := r.deps.Triggers.Keepalive(ctx, leaderIP, r.deps.DeviceID)

		switch {
		case err != nil:
			attempts++
			r.deps.Log.Warnw("keepalive transport failure", "attempts", attempts, "err", err)
		case status == http.StatusOK:
			r.mu.Lock()
			r.backupPriority = priority
			r.mu.Unlock()
			attempts = 0
			continue
		case status == http.StatusForbidden && priority == agentstate.PriorityOnDemotion:
			r.deps.Log.Warnw("keepalive: leader no longer recognises this backup")
			r.finishAsAgent()
			go r.notifySelfBestEffort(agentstate.RoleAgent)
			return
		case status == http.StatusMethodNotAllowed && priority == agentstate.PriorityOnFailure:
			r.deps.Log.Warnw("keepalive: target is no longer a leader, entering takeover")
			r.enterTakeover(ctx)
			return
		default:
			attempts++
			r.deps.Log.Warnw("keepalive: unexpected status", "status", status)
		}

		if attempts >= maxRetry {
			r.deps.Log.Errorw("keepalive: max retry attempts reached, entering takeover", "attempts", attempts)
			r.enterTakeover(ctx)
			return
		}
	}
}

// enterTakeover implements the priority-proportional delay described in
// spec.md §4.4, called from within the keepalive loop's own goroutine once
// it has decided the leader is gone.
func (r *AreaResilience) enterTakeover(ctx context.Context) {
	r.mu.Lock()
	r.leaderFailed = true
	priority := r.backupPriority
	r.mu.Unlock()
	if priority < 1 {
		// No priority was ever assigned (e.g. the very first keepalive
		// already failed): take over eagerly rather than stall forever.
		priority = 1
	}

	delay := time.Duration(1+10*(priority-1)) * time.Second
	select {
	case <-ctx.Done():
		return
	case <-r.deps.Clock.After(delay):
	}

	leaderIP, err := r.deps.Triggers.DiscLeaderIP(ctx)
	if err == nil && leaderIP != "" && leaderIP != r.deps.SelfIP {
		r.deps.Log.Infow("takeover abandoned, a new leader is already present", "leaderIP", leaderIP)
		r.finishAsAgent()
		go r.notifySelfBestEffort(agentstate.RoleAgent)
		return
	}

	r.becomeLeaderLocal()
	go r.notifySelfBestEffort(agentstate.RoleLeader)
}

// notifySelfBestEffort mirrors spec.md's "fire HTTP trigger to
// AgentStartFlow's role-change endpoint" wording for external observers;
// the authoritative transition already happened in-process (Design Note
// §9), so a failure here is logged, not retried.
func (r *AreaResilience) notifySelfBestEffort(role agentstate.Role) {
	if err := r.deps.Triggers.SelfRoleChange(context.Background(), role); err != nil {
		r.deps.Log.Warnw("self role-change notification failed", "role", role, "err", err)
	}
}

// keeperLoop is the Leader-only worker. BackupTable truncation happens once
// in spawnLeaderLoops, before this goroutine starts, avoiding a race with
// the backup-selection loop that starts alongside it.
func (r *AreaResilience) keeperLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		interval := policy.AsDuration(r.deps.Policies.Get(policy.GroupLPP, "TIME_KEEPER", 0.1), 100*time.Millisecond)
		select {
		case <-ctx.Done():
			return
		case <-r.deps.Clock.After(interval):
		}

		expired := r.table.TickAll(1)
		for _, e := range expired {
			if err := r.deps.Triggers.Demote(ctx, e.DeviceIP); err != nil {
				r.deps.Log.Warnw("demotion trigger failed", "device", e.DeviceID, "err", err)
			}
		}
	}
}

// backupSelectionLoop is the Leader-only worker that maintains
// BACKUP_MINIMUM active backups.
func (r *AreaResilience) backupSelectionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		interval := policy.AsDuration(r.deps.Policies.Get(policy.GroupLPP, "TIME_TO_WAIT_BACKUP_SELECTION", 3.0), 3*time.Second)
		select {
		case <-ctx.Done():
			return
		case <-r.deps.Clock.After(interval):
		}

		minimum := policy.AsInt(r.deps.Policies.Get(policy.GroupLPP, "BACKUP_MINIMUM", 1), 1)
		maxAllowed, hasMax := policy.AsOptionalInt(r.deps.Policies.Get(policy.GroupLPP, "BACKUP_MAXIMUM", nil))
		maxTTL := policy.AsInt(r.deps.Policies.Get(policy.GroupLPP, "MAX_TTL", 30), 30)

		for _, candidate := range r.deps.Topology.Snapshot() {
			if r.table.CountActive() >= minimum {
				break
			}
			if hasMax && r.table.CountActive() >= maxAllowed {
				break
			}
			if candidate.DeviceID == r.deps.DeviceID {
				continue
			}
			if _, exists := r.table.Find(candidate.DeviceID); exists {
				continue
			}
			status, err := r.deps.Triggers.ElectBackup(ctx, candidate.DeviceIP)
			if err != nil {
				r.deps.Log.Warnw("backup election failed", "candidate", candidate.DeviceID, "err", err)
				continue
			}
			if status != http.StatusOK {
				r.deps.Log.Warnw("backup election rejected", "candidate", candidate.DeviceID, "status", status)
				continue
			}
			r.table.Insert(candidate.DeviceID, candidate.DeviceIP, maxTTL)
		}
	}
}
