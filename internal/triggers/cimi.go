// Package triggers implements ExternalTriggers (C3): thin adapters that
// issue HTTP/TCP calls to the six collaborator services spec.md §1 places
// out of scope (CIMI, identification, CAU, categorization, discovery,
// area-policies) and classify the result as success/failure. It also
// carries PeerClient, the peer-protocol adapter AreaResilience depends on
// through resilience.Triggers.
package triggers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/edgefog/agentd/internal/rpc"
)

const cimiCheckTimeout = 2 * time.Second

// CIMI adapts the boundary to the persistent resource registry collaborator
// named in spec.md §1.
type CIMI struct {
	rpc     *rpc.Client
	baseURL string
}

// NewCIMI returns a CIMI adapter targeting baseURL (no trailing slash).
func NewCIMI(client *rpc.Client, baseURL string) *CIMI {
	return &CIMI{rpc: client, baseURL: baseURL}
}

// CheckStarted polls CIMI's health check. Per original_source/main.py, a
// connection failure (CIMI still booting) is treated as "not yet" rather
// than an error; any other failure is surfaced.
func (c *CIMI) CheckStarted(ctx context.Context) (bool, error) {
	res, err := c.rpc.GetJSON(ctx, c.baseURL+"/started/", cimiCheckTimeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return false, nil
		}
		return false, err
	}
	return res.StatusCode == http.StatusOK, nil
}

// DiscLeaderIP asks CIMI whether a leader is already recorded for this
// node's area. Used by AreaResilience's takeover wait (spec.md §4.4) to
// avoid a double takeover race.
func (c *CIMI) DiscLeaderIP(ctx context.Context) (string, error) {
	res, err := c.rpc.GetJSON(ctx, c.baseURL+"/leaderIP/", cimiCheckTimeout)
	if err != nil {
		return "", err
	}
	var body struct {
		LeaderIP string `json:"leaderIP"`
	}
	if err := rpc.DecodeJSON(res, &body); err != nil {
		return "", err
	}
	return body.LeaderIP, nil
}
