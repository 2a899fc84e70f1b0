package triggers

import (
	"context"
	"fmt"
	"time"

	"github.com/edgefog/agentd/internal/rpc"
)

const distributionTimeout = 2 * time.Second

// PolicyPusher adapts ControlAPI's PoliciesDistributionTrigger handler
// (spec.md §4.5/§6): pushing the leader's current policy groups to one
// follower's receiveNewPolicies endpoint.
type PolicyPusher struct {
	rpc         *rpc.Client
	controlPort int
}

// NewPolicyPusher returns a PolicyPusher targeting peers on controlPort.
func NewPolicyPusher(client *rpc.Client, controlPort int) *PolicyPusher {
	return &PolicyPusher{rpc: client, controlPort: controlPort}
}

// Push posts groups (group name -> JSON-encoded group value, per spec.md
// §6's receiveNewPolicies body shape) to peerIP's receiveNewPolicies
// endpoint.
func (p *PolicyPusher) Push(ctx context.Context, peerIP string, groups map[string]string) error {
	url := fmt.Sprintf("http://%s:%d/api/v2/resource-management/policies/receiveNewPolicies/", peerIP, p.controlPort)
	_, err := p.rpc.PostJSON(ctx, url, groups, distributionTimeout)
	return err
}
