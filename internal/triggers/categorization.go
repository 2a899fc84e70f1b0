package triggers

import (
	"context"
	"time"

	"github.com/edgefog/agentd/internal/rpc"
)

const categorizationTimeout = 2 * time.Second

// Categorization adapts the boundary collaborator that records this node's
// resolved role in cluster-wide bookkeeping (spec.md §4.5 step 7).
type Categorization struct {
	rpc     *rpc.Client
	baseURL string
}

// NewCategorization returns a Categorization adapter targeting baseURL.
func NewCategorization(client *rpc.Client, baseURL string) *Categorization {
	return &Categorization{rpc: client, baseURL: baseURL}
}

type categorizationPayload struct {
	DetectedLeaderID string `json:"detectedLeaderID"`
	DeviceID         string `json:"deviceID"`
	IsLeader         bool   `json:"isLeader"`
}

// Start posts the categorization-start trigger.
func (c *Categorization) Start(ctx context.Context, detectedLeaderID, deviceID string, isLeader bool) error {
	_, err := c.rpc.PostJSON(ctx, c.baseURL+"/start/", categorizationPayload{
		DetectedLeaderID: detectedLeaderID,
		DeviceID:         deviceID,
		IsLeader:         isLeader,
	}, categorizationTimeout)
	return err
}
