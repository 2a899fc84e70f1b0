package startflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefog/agentd/internal/config"
	"github.com/edgefog/agentd/internal/log"
)

type fakeCIMI struct {
	mu      sync.Mutex
	started bool
	err     error
	calls   int
}

func (f *fakeCIMI) CheckStarted(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.started, f.err
}

type fakeIdentifier struct {
	result DeviceIdentity
	err    error
}

func (f *fakeIdentifier) Identify(ctx context.Context) (DeviceIdentity, error) {
	return f.result, f.err
}

type fakeDiscoverer struct {
	mu            sync.Mutex
	startCalled   int
	stopCalled    int
	broadcastOK   bool
	broadcastHits int
	leaders       []string
	mac           string
	pollErr       error
	alive         bool
}

func (f *fakeDiscoverer) Start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalled++
	return true
}

func (f *fakeDiscoverer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalled++
}

func (f *fakeDiscoverer) BroadcastSwitch() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcastHits++
	return f.broadcastOK
}

func (f *fakeDiscoverer) Poll() ([]string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.leaders...), f.mac, f.pollErr
}

func (f *fakeDiscoverer) setAlive(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = v
}

func (f *fakeDiscoverer) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

type fakeAuthenticator struct {
	ok  bool
	err error
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, detectedLeaderID, macAddr, idKey, deviceID string) (bool, error) {
	return f.ok, f.err
}

type fakeCategorizer struct {
	mu   sync.Mutex
	err  error
	last string
}

func (f *fakeCategorizer) Start(ctx context.Context, detectedLeaderID, deviceID string, isLeader bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = detectedLeaderID
	return f.err
}

type fakeSelfTrigger struct {
	err error
}

func (f *fakeSelfTrigger) StartAreaResilience(ctx context.Context) error { return f.err }

type fakeAreaResilienceTrigger struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAreaResilienceTrigger) PromoteToLeader() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func newTestFlow(t *testing.T, cfg config.Config) (*AgentStartFlow, clockwork.FakeClock, *fakeDiscoverer, *fakeAreaResilienceTrigger) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	disc := &fakeDiscoverer{leaders: []string{"agent/leader"}, mac: "aa:bb:cc:dd:ee:ff"}
	res := &fakeAreaResilienceTrigger{}
	f := New(Dependencies{
		Config:         cfg,
		CIMI:           &fakeCIMI{started: true},
		Identification: &fakeIdentifier{result: DeviceIdentity{DeviceID: "agent/self", IDKey: "key"}},
		Discovery:      disc,
		CAU:            &fakeAuthenticator{ok: true},
		Categorization: &fakeCategorizer{},
		Self:           &fakeSelfTrigger{},
		Resilience:     res,
		Clock:          fc,
		Log:            log.DefaultLogger(),
	})
	return f, fc, disc, res
}

func TestAgentPathHappyPathRecordsEverySuccessfulStep(t *testing.T) {
	f, fc, disc, _ := newTestFlow(t, config.Config{DeviceID: "agent/self"})
	disc.setAlive(true)

	require.True(t, f.Start(false))
	fc.BlockUntil(1) // parked in watchLeader's TIME_WAIT_ALIVE wait

	status := f.Status()
	for _, step := range []string{"cimi", "identification", "discovery", "cau", "categorization", "area-resilience", "watch-leader"} {
		s, ok := status[step]
		require.Truef(t, ok, "missing step %q", step)
		assert.Truef(t, s.OK, "step %q expected ok, got %q", step, s.Description)
	}

	disc.setAlive(false)
	fc.Advance(timeWaitAlive)
	require.Eventually(t, func() bool { return !f.Running() }, time.Second, time.Millisecond)
	assert.False(t, f.Status()["watch-leader"].OK)
}

func TestAgentPathWaitsForCIMIBeforeProceeding(t *testing.T) {
	fc := clockwork.NewFakeClock()
	cimi := &fakeCIMI{started: false}
	disc := &fakeDiscoverer{leaders: []string{"agent/leader"}, mac: "aa:bb:cc"}
	f := New(Dependencies{
		Config:         config.Config{DeviceID: "agent/self"},
		CIMI:           cimi,
		Identification: &fakeIdentifier{result: DeviceIdentity{DeviceID: "agent/self"}},
		Discovery:      disc,
		CAU:            &fakeAuthenticator{ok: true},
		Categorization: &fakeCategorizer{},
		Self:           &fakeSelfTrigger{},
		Resilience:     &fakeAreaResilienceTrigger{},
		Clock:          fc,
		Log:            log.DefaultLogger(),
	})

	require.True(t, f.Start(false))
	fc.BlockUntil(1) // parked waiting for the next CIMI poll

	assert.Empty(t, f.Status()["cimi"])

	cimi.mu.Lock()
	cimi.started = true
	cimi.mu.Unlock()
	fc.Advance(waitTimeCIMI)

	disc.setAlive(true)
	require.Eventually(t, func() bool {
		s, ok := f.Status()["cimi"]
		return ok && s.OK
	}, time.Second, time.Millisecond)
}

func TestAgentPathAbortsOnIdentificationFailureWithoutDebug(t *testing.T) {
	f, fc, disc, _ := newTestFlow(t, config.Config{DeviceID: "agent/self", Debug: false})
	f.deps.Identification = &fakeIdentifier{err: errors.New("boom")}

	require.True(t, f.Start(false))
	require.Eventually(t, func() bool { return !f.Running() }, time.Second, time.Millisecond)

	status := f.Status()
	assert.False(t, status["identification"].OK)
	_, discoveryAttempted := status["discovery"]
	assert.False(t, discoveryAttempted, "pipeline should have aborted before the discovery step")
	assert.Equal(t, 0, disc.startCalled)
	_ = fc
}

func TestAgentPathContinuesPastFailureInDebugMode(t *testing.T) {
	f, fc, disc, _ := newTestFlow(t, config.Config{DeviceID: "agent/self", Debug: true})
	f.deps.CAU = &fakeAuthenticator{ok: false}
	disc.setAlive(true)

	require.True(t, f.Start(false))
	fc.BlockUntil(1)

	status := f.Status()
	assert.False(t, status["cau"].OK)
	assert.True(t, status["categorization"].OK)
	assert.True(t, status["area-resilience"].OK)
}

func TestAgentPathFallsBackToLeaderWhenALEEnabledAndNoLeaderFound(t *testing.T) {
	f, fc, disc, res := newTestFlow(t, config.Config{DeviceID: "agent/self", ALEEnabled: true})
	disc.mu.Lock()
	disc.leaders = nil
	disc.mu.Unlock()
	disc.broadcastOK = true
	disc.setAlive(true)

	require.True(t, f.Start(false))

	for i := 0; i < maxMissingScans; i++ {
		fc.BlockUntil(1)
		fc.Advance(discoveryScanTick)
	}
	fc.BlockUntil(1) // now parked in watchLeader after the leader-path fallback

	status := f.Status()
	assert.False(t, status["discovery"].OK)
	assert.Equal(t, 1, res.calls)
	assert.Equal(t, 1, disc.broadcastHits)
}

func TestLeaderPathPromotesAndBroadcasts(t *testing.T) {
	f, fc, disc, res := newTestFlow(t, config.Config{DeviceID: "agent/self"})
	disc.broadcastOK = true
	disc.setAlive(true)

	require.True(t, f.Start(true))
	fc.BlockUntil(1)

	status := f.Status()
	assert.True(t, status["discovery"].OK)
	assert.True(t, status["categorization"].OK)
	assert.True(t, status["area-resilience"].OK)
	assert.Equal(t, 1, res.calls)
	assert.Equal(t, "agent/self", f.DeviceID())
}

func TestLeaderPathRecordsFailureWhenBroadcastSwitchFails(t *testing.T) {
	f, fc, disc, _ := newTestFlow(t, config.Config{DeviceID: "agent/self"})
	disc.broadcastOK = false
	disc.setAlive(true)

	require.True(t, f.Start(true))
	fc.BlockUntil(1)

	assert.False(t, f.Status()["discovery"].OK)
}

func TestSwitchJoinsPreviousRunBeforeStartingNew(t *testing.T) {
	f, fc, disc, res := newTestFlow(t, config.Config{DeviceID: "agent/self"})
	disc.broadcastOK = true
	disc.setAlive(true)

	require.True(t, f.Start(false))
	fc.BlockUntil(1)
	require.Equal(t, 0, res.calls)

	require.True(t, f.Switch(true))
	fc.BlockUntil(1)

	require.Eventually(t, func() bool { return res.calls == 1 }, time.Second, time.Millisecond)
	assert.True(t, f.Status()["area-resilience"].OK)
}

func TestStartReturnsFalseWhilePipelineAlreadyRunning(t *testing.T) {
	f, fc, disc, _ := newTestFlow(t, config.Config{DeviceID: "agent/self"})
	disc.setAlive(true)

	require.True(t, f.Start(false))
	fc.BlockUntil(1)
	assert.False(t, f.Start(false))
}
