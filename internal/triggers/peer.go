package triggers

import (
	"context"
	"fmt"
	"time"

	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/rpc"
)

const (
	keepaliveTimeout  = 500 * time.Millisecond
	electionTimeout   = 1500 * time.Millisecond
	roleChangeTimeout = 500 * time.Millisecond
)

// PeerClient implements resilience.Triggers: the peer-protocol calls
// AreaResilience issues against other nodes' (and its own) ControlAPI.
type PeerClient struct {
	rpc         *rpc.Client
	controlPort int
	selfBaseURL string
	cimi        *CIMI
}

// NewPeerClient builds a PeerClient. selfBaseURL is this node's own
// ControlAPI base URL (e.g. "http://127.0.0.1:46050"), used for the
// self-notification SelfRoleChange issues; cimi backs DiscLeaderIP.
func NewPeerClient(client *rpc.Client, controlPort int, selfBaseURL string, cimi *CIMI) *PeerClient {
	return &PeerClient{rpc: client, controlPort: controlPort, selfBaseURL: selfBaseURL, cimi: cimi}
}

func (p *PeerClient) peerURL(ip, path string) string {
	return fmt.Sprintf("http://%s:%d%s", ip, p.controlPort, path)
}

// Keepalive posts this node's identity to leaderIP's keepalive endpoint.
func (p *PeerClient) Keepalive(ctx context.Context, leaderIP string, self agentstate.DeviceID) (int, int, error) {
	url := p.peerURL(leaderIP, "/api/v2/resource-management/policies/keepalive/")
	res, err := p.rpc.PostJSON(ctx, url, map[string]string{"deviceID": string(self)}, keepaliveTimeout)
	if err != nil {
		return 0, 0, err
	}
	var body struct {
		BackupPriority int `json:"backupPriority"`
	}
	if err := rpc.DecodeJSON(res, &body); err != nil {
		return res.StatusCode, 0, err
	}
	return res.StatusCode, body.BackupPriority, nil
}

// ElectBackup issues the election-level GET /roleChange/backup.
func (p *PeerClient) ElectBackup(ctx context.Context, candidateIP string) (int, error) {
	res, err := p.rpc.GetJSON(ctx, p.peerURL(candidateIP, "/api/v2/resource-management/policies/roleChange/backup"), electionTimeout)
	if err != nil {
		return 0, err
	}
	return res.StatusCode, nil
}

// ElectLeader issues the election-level GET /roleChange/leader, used by
// reelection.
func (p *PeerClient) ElectLeader(ctx context.Context, targetIP string) (int, error) {
	res, err := p.rpc.GetJSON(ctx, p.peerURL(targetIP, "/api/v2/resource-management/policies/roleChange/leader"), electionTimeout)
	if err != nil {
		return 0, err
	}
	return res.StatusCode, nil
}

// Demote notifies an expired backup that it has been dropped.
func (p *PeerClient) Demote(ctx context.Context, ip string) error {
	_, err := p.rpc.GetJSON(ctx, p.peerURL(ip, "/api/v2/resource-management/policies/roleChange/agent"), roleChangeTimeout)
	return err
}

// SelfRoleChange calls this node's own ControlAPI role-change endpoint, used
// purely for external observability parity after a locally-decided
// transition (see internal/resilience's Design Note on self-takeover).
func (p *PeerClient) SelfRoleChange(ctx context.Context, role agentstate.Role) error {
	url := fmt.Sprintf("%s/api/v2/resource-management/policies/roleChange/%s", p.selfBaseURL, role.String())
	_, err := p.rpc.GetJSON(ctx, url, roleChangeTimeout)
	return err
}

// DiscLeaderIP delegates to the CIMI adapter.
func (p *PeerClient) DiscLeaderIP(ctx context.Context) (string, error) {
	return p.cimi.DiscLeaderIP(ctx)
}
