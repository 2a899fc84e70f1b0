package triggers

import (
	"context"
	"time"

	"github.com/edgefog/agentd/internal/rpc"
)

const identificationTimeout = 2 * time.Second

// Identification adapts the boundary collaborator that assigns this node's
// permanent deviceID and IDkey (spec.md §4.5 step 2).
type Identification struct {
	rpc     *rpc.Client
	baseURL string
}

// NewIdentification returns an Identification adapter targeting baseURL.
func NewIdentification(client *rpc.Client, baseURL string) *Identification {
	return &Identification{rpc: client, baseURL: baseURL}
}

// IdentityResult is what a successful Identify call returns.
type IdentityResult struct {
	DeviceID string
	IDKey    string
}

// Identify issues the single identification HTTP trigger.
func (i *Identification) Identify(ctx context.Context) (IdentityResult, error) {
	res, err := i.rpc.GetJSON(ctx, i.baseURL+"/identify/", identificationTimeout)
	if err != nil {
		return IdentityResult{}, err
	}
	var body struct {
		DeviceID string `json:"deviceID"`
		IDKey    string `json:"IDkey"`
	}
	if err := rpc.DecodeJSON(res, &body); err != nil {
		return IdentityResult{}, err
	}
	return IdentityResult{DeviceID: body.DeviceID, IDKey: body.IDKey}, nil
}
