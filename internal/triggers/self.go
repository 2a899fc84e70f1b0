package triggers

import (
	"context"

	"github.com/edgefog/agentd/internal/rpc"
)

// Self adapts trigger-only steps that target this node's own ControlAPI
// (spec.md §4.5 step 8, "HTTP trigger to own policies service").
type Self struct {
	rpc     *rpc.Client
	baseURL string
}

// NewSelf targets baseURL, this node's own ControlAPI base URL.
func NewSelf(client *rpc.Client, baseURL string) *Self {
	return &Self{rpc: client, baseURL: baseURL}
}

// StartAreaResilience fires the self-trigger that starts AreaResilience.
func (s *Self) StartAreaResilience(ctx context.Context) error {
	_, err := s.rpc.GetJSON(ctx, s.baseURL+"/api/v2/resource-management/policies/startAreaResilience/", roleChangeTimeout)
	return err
}
