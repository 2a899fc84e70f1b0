package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefog/agentd/internal/agentstate"
	"github.com/edgefog/agentd/internal/config"
	"github.com/edgefog/agentd/internal/discovery"
	"github.com/edgefog/agentd/internal/log"
	"github.com/edgefog/agentd/internal/policy"
	"github.com/edgefog/agentd/internal/resilience"
	"github.com/edgefog/agentd/internal/rpc"
	"github.com/edgefog/agentd/internal/startflow"
	"github.com/edgefog/agentd/internal/topology"
)

type fakeResilienceTriggers struct{}

func (fakeResilienceTriggers) Keepalive(ctx context.Context, leaderIP string, self agentstate.DeviceID) (int, int, error) {
	return http.StatusOK, 1, nil
}
func (fakeResilienceTriggers) ElectBackup(ctx context.Context, candidateIP string) (int, error) {
	return http.StatusOK, nil
}
func (fakeResilienceTriggers) ElectLeader(ctx context.Context, targetIP string) (int, error) {
	return http.StatusOK, nil
}
func (fakeResilienceTriggers) Demote(ctx context.Context, ip string) error { return nil }
func (fakeResilienceTriggers) SelfRoleChange(ctx context.Context, role agentstate.Role) error {
	return nil
}
func (fakeResilienceTriggers) DiscLeaderIP(ctx context.Context) (string, error) { return "", nil }

type fakeLeaderLocator struct {
	ip  string
	err error
}

func (f fakeLeaderLocator) DiscLeaderIP(ctx context.Context) (string, error) { return f.ip, f.err }

type fakePolicyPusher struct {
	pushed []string
}

func (f *fakePolicyPusher) Push(ctx context.Context, peerIP string, groups map[string]string) error {
	f.pushed = append(f.pushed, peerIP)
	return nil
}

type fakeCIMILocator struct{}

func (fakeCIMILocator) CheckStarted(ctx context.Context) (bool, error) { return true, nil }

type fakeIdentifier struct{}

func (fakeIdentifier) Identify(ctx context.Context) (startflow.DeviceIdentity, error) {
	return startflow.DeviceIdentity{DeviceID: "agent/self", IDKey: "key"}, nil
}

type fakeDiscoverer struct{}

func (fakeDiscoverer) Start() bool           { return true }
func (fakeDiscoverer) Stop()                 {}
func (fakeDiscoverer) BroadcastSwitch() bool { return true }
func (fakeDiscoverer) Poll() ([]string, string, error) {
	return []string{"agent/leader"}, "aa:bb:cc", nil
}
func (fakeDiscoverer) Alive() bool { return false }

type fakeAuthenticator struct{}

func (fakeAuthenticator) Authenticate(ctx context.Context, detectedLeaderID, macAddr, idKey, deviceID string) (bool, error) {
	return true, nil
}

type fakeCategorizer struct{}

func (fakeCategorizer) Start(ctx context.Context, detectedLeaderID, deviceID string, isLeader bool) error {
	return nil
}

type fakeSelfTrigger struct{}

func (fakeSelfTrigger) StartAreaResilience(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (*Server, *discovery.Table, *policy.Bundle, *fakePolicyPusher) {
	t.Helper()
	logger := log.DefaultLogger()
	table := discovery.NewTable()
	topo := topology.NewDiscoveryTopology(table)
	bundle := policy.NewBundle()

	res := resilience.New(resilience.Dependencies{
		DeviceID:        "agent/self",
		SelfIP:          "127.0.0.1",
		Policies:        bundle,
		Topology:        topo,
		Triggers:        fakeResilienceTriggers{},
		Clock:           clockwork.NewFakeClock(),
		Log:             logger,
		ImCapable:       func() bool { return true },
		StartupComplete: func() bool { return true },
	})

	sf := startflow.New(startflow.Dependencies{
		Config:         config.Config{DeviceID: "agent/self"},
		CIMI:           fakeCIMILocator{},
		Identification: fakeIdentifier{},
		Discovery:      fakeDiscoverer{},
		CAU:            fakeAuthenticator{},
		Categorization: fakeCategorizer{},
		Self:           fakeSelfTrigger{},
		Resilience:     res,
		Clock:          clockwork.NewFakeClock(),
		Log:            logger,
	})

	disc := discovery.New(discovery.Dependencies{
		DeviceID: "agent/self",
		SelfIP:   "127.0.0.1",
		Port:     0,
		Clock:    clockwork.NewFakeClock(),
		Log:      logger,
		RPC:      rpc.New(),
	})

	pusher := &fakePolicyPusher{}

	s := New(Dependencies{
		DeviceID:    "agent/self",
		Config:      config.Config{DeviceID: "agent/self"},
		Policies:    bundle,
		Resilience:  res,
		StartFlow:   sf,
		Discovery:   disc,
		Topology:    topo,
		Table:       table,
		LeaderIP:    fakeLeaderLocator{ip: "10.0.0.5"},
		Distributor: pusher,
		Log:         logger,
	})
	return s, table, bundle, pusher
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestComponentStatusReportsEverySubsystem(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/rm/components/", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	for _, name := range []string{"arearesilience", "agentstartflow", "lightdiscovery"} {
		_, ok := body[name]
		assert.Truef(t, ok, "missing %q", name)
	}
}

func TestRoleChangeToLeaderThenAgent(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/roleChange/leader", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var status map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status["imLeader"])

	w = doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/roleChange/leader", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "already leader")

	w = doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/roleChange/agent", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoleChangeUnknownRoleIsNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/roleChange/bogus", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestKeepaliveUnknownDeviceIsForbidden(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/roleChange/leader", nil)

	w := doJSON(t, s, http.MethodPost, "/api/v2/resource-management/policies/keepalive/", map[string]string{"deviceID": "agent/unknown"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, agentstate.PriorityOnDemotion, body["backupPriority"])
}

func TestLeaderInfoReflectsRole(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/leaderinfo/", nil)
	var status map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status["imLeader"])
	assert.False(t, status["imBackup"])
}

func TestReceiveNewPoliciesAppliesKnownGroups(t *testing.T) {
	s, _, bundle, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/v2/resource-management/policies/receiveNewPolicies/", map[string]string{
		"LPP": `{"BACKUP_MINIMUM":3}`,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, bundle.Get(policy.GroupLPP, "BACKUP_MINIMUM", -1))
}

func TestReceiveNewPoliciesMalformedBodyIsBadRequest(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/api/v2/resource-management/policies/receiveNewPolicies/", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBeaconReplyIngestsIntoTopology(t *testing.T) {
	s, table, _, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/ld/beaconReply/", discovery.DeviceInformation{
		DeviceID: "agent/follower",
		DeviceIP: "10.0.0.9",
		CPUCores: 4,
	})
	assert.Equal(t, http.StatusOK, w.Code)

	e, ok := table.Lookup("agent/follower")
	require.True(t, ok)
	// deviceIP comes from the request's peer address (httptest's default
	// RemoteAddr 192.0.2.1:1234), not from the payload's deviceIP field.
	assert.Equal(t, "192.0.2.1", e.DeviceIP)
}

func TestTopologyListReflectsIngestedEntries(t *testing.T) {
	s, table, _, _ := newTestServer(t)
	table.Upsert(topology.Entry{DeviceID: "agent/x", DeviceIP: "10.0.0.2"})

	w := doJSON(t, s, http.MethodGet, "/ld/topology/", nil)
	var body struct {
		Topology [][2]string `json:"topology"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Topology, 1)
	assert.Equal(t, "agent/x", body.Topology[0][0])
}

func TestDiscoveryControlStartStopScan(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/ld/control/scan/start", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/ld/control/scan/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDiscoveryControlUnknownModeIsNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/ld/control/bogus/start", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDistributePoliciesPushesToEveryTopologyPeer(t *testing.T) {
	s, table, _, pusher := newTestServer(t)
	table.Upsert(topology.Entry{DeviceID: "agent/peer1", DeviceIP: "10.0.0.11"})
	table.Upsert(topology.Entry{DeviceID: "agent/peer2", DeviceIP: "10.0.0.12"})

	w := doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/PoliciesDistributionTrigger/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.ElementsMatch(t, []string{"10.0.0.11", "10.0.0.12"}, pusher.pushed)
}

func TestStartAgentIsIdempotent(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/startAgent/", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/startAgent/", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStartAreaResilienceUsesLeaderLocator(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/startAreaResilience/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReelectionUnknownDeviceIsNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	doJSON(t, s, http.MethodGet, "/api/v2/resource-management/policies/roleChange/leader", nil)
	w := doJSON(t, s, http.MethodPost, "/api/v2/resource-management/policies/reelection/", map[string]string{"deviceID": "agent/nowhere"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReelectionWhenNotLeaderIsUnauthorized(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/api/v2/resource-management/policies/reelection/", map[string]string{"deviceID": "agent/x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
