package nodes

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/obligation"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/corralhq/corral/pkg/wallet"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

const testWallet = "0x1111111111111111111111111111111111111111"

type fakeAgent struct {
	mu     sync.Mutex
	pushed []*types.NodeCommand
	err    error
}

func (f *fakeAgent) PushCommand(ctx context.Context, node *types.Node, cmd *types.NodeCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, cmd)
	return nil
}

func (f *fakeAgent) SendChallenge(ctx context.Context, node *types.Node, vmID string, challenge *types.AttestationChallenge, timeout time.Duration) (*types.AttestationResponse, time.Duration, error) {
	return nil, 0, fmt.Errorf("not implemented")
}

func newTestManager(t *testing.T) (*Manager, *state.Store, *obligation.Store) {
	t.Helper()
	st := state.New(storage.NewMemoryStore())
	obs := obligation.NewStore()
	broker := events.NewBroker(nil)
	return NewManager(st, obs, obs, broker, wallet.NewVerifier(true), nil,
		types.DefaultSchedulingConfig, []string{"peer-1"}), st, obs
}

func registrationRequest() *types.NodeRegistrationRequest {
	return &types.NodeRegistrationRequest{
		MachineID:     "machine-1",
		WalletAddress: testWallet,
		Message:       "corral registration",
		Signature:     wallet.MockSignaturePrefix + testWallet,
		Hardware: &types.HardwareInventory{
			CPU:         &types.CPUInfo{PhysicalCores: 4, BenchmarkScore: 1200},
			MemoryBytes: 16 * 1024 * 1024 * 1024,
		},
		PublicIP:  "203.0.113.5",
		AgentPort: 8080,
	}
}

func TestRegisterCreatesNode(t *testing.T) {
	m, st, obs := newTestManager(t)

	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	assert.Equal(t, wallet.NodeID("machine-1", testWallet), resp.NodeID)
	assert.NotEmpty(t, resp.APIKey)
	assert.NotNil(t, resp.SchedulingConfig)
	assert.Equal(t, []string{"peer-1"}, resp.DhtBootstrap)

	node, err := st.GetNode(resp.NodeID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
	assert.Equal(t, 32, node.TotalComputePoints())

	assert.True(t, obs.HasActive(types.ObTypeNodeEvaluatePerf, resp.NodeID))
	assert.True(t, obs.HasActive(types.ObTypeNodeDeployRelayVm, resp.NodeID),
		"publicly reachable node is relay eligible")
}

func TestRegisterIsIdempotent(t *testing.T) {
	m, st, _ := newTestManager(t)

	first, err := m.Register(registrationRequest())
	require.NoError(t, err)

	node, err := st.GetNode(first.NodeID)
	require.NoError(t, err)
	node.ReservedComputePoints = 8
	st.SaveNode(node)

	second, err := m.Register(registrationRequest())
	require.NoError(t, err)

	assert.Equal(t, first.NodeID, second.NodeID)
	assert.Equal(t, first.APIKey, second.APIKey, "re-registration keeps the API key")

	node, err = st.GetNode(first.NodeID)
	require.NoError(t, err)
	assert.Equal(t, 8, node.ReservedComputePoints, "re-registration keeps reservations")
}

func TestRegisterRejectsBadSignature(t *testing.T) {
	m, _, _ := newTestManager(t)

	req := registrationRequest()
	req.Signature = wallet.MockSignaturePrefix + "0x2222222222222222222222222222222222222222"
	_, err := m.Register(req)
	assert.Error(t, err)

	req = registrationRequest()
	req.WalletAddress = "not-an-address"
	_, err = m.Register(req)
	assert.Error(t, err)
}

func TestHeartbeatAuthentication(t *testing.T) {
	m, _, _ := newTestManager(t)
	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	now := fmt.Sprintf("%d", time.Now().Unix())
	path := HeartbeatPath(resp.NodeID)

	assert.NoError(t, m.AuthenticateHeartbeat(resp.NodeID, path, now, wallet.MockSignaturePrefix+testWallet))

	stale := fmt.Sprintf("%d", time.Now().Add(-6*time.Minute).Unix())
	assert.Error(t, m.AuthenticateHeartbeat(resp.NodeID, path, stale, wallet.MockSignaturePrefix+testWallet),
		"timestamp outside the replay window must be rejected")

	future := fmt.Sprintf("%d", time.Now().Add(6*time.Minute).Unix())
	assert.Error(t, m.AuthenticateHeartbeat(resp.NodeID, path, future, wallet.MockSignaturePrefix+testWallet))

	assert.Error(t, m.AuthenticateHeartbeat(resp.NodeID, path, "nonsense", wallet.MockSignaturePrefix+testWallet))
	assert.Error(t, m.AuthenticateHeartbeat("missing", path, now, wallet.MockSignaturePrefix+testWallet))
}

func TestHeartbeatBringsNodeOnlineAndFiresSignal(t *testing.T) {
	m, st, obs := newTestManager(t)
	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	node, err := st.GetNode(resp.NodeID)
	require.NoError(t, err)
	node.Status = types.NodeStatusOffline
	st.SaveNode(node)

	// Park an obligation on the node-online signal.
	waiting := obs.Create(&types.Obligation{
		Type:         types.ObTypeVmProvision,
		ResourceType: "vm",
		ResourceID:   "vm-1",
	})
	parkOnSignal(t, obs, waiting.ID, "node-online:"+resp.NodeID)

	hbResp, err := m.Heartbeat(&types.NodeHeartbeat{
		NodeID:  resp.NodeID,
		Metrics: &types.NodeMetrics{CPUUsagePercent: 12},
	})
	require.NoError(t, err)
	assert.True(t, hbResp.Acknowledged)

	node, err = st.GetNode(resp.NodeID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, node.Status)
	assert.Equal(t, 12.0, node.LatestMetrics.CPUUsagePercent)

	woken, err := obs.Get(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationPending, woken.Status, "node-online signal must wake the parked obligation")
}

func TestHeartbeatReturnsConfigOnlyWhenVersionLags(t *testing.T) {
	cfg := types.DefaultSchedulingConfig()
	cfg.Version = "v2"

	st := state.New(storage.NewMemoryStore())
	obs := obligation.NewStore()
	m := NewManager(st, obs, obs, events.NewBroker(nil), wallet.NewVerifier(true), nil,
		func() *types.SchedulingConfig { return cfg }, nil)

	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	lagging, err := m.Heartbeat(&types.NodeHeartbeat{NodeID: resp.NodeID, SchedulingConfigVersion: "v1"})
	require.NoError(t, err)
	assert.NotNil(t, lagging.SchedulingConfig)

	current, err := m.Heartbeat(&types.NodeHeartbeat{NodeID: resp.NodeID, SchedulingConfigVersion: "v2"})
	require.NoError(t, err)
	assert.Nil(t, current.SchedulingConfig)
}

func TestHeartbeatReconcilesVmState(t *testing.T) {
	m, st, _ := newTestManager(t)
	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	st.SaveVm(&types.VirtualMachine{
		ID:     "vm-1",
		NodeID: resp.NodeID,
		Status: types.VmStatusRunning,
	})

	_, err = m.Heartbeat(&types.NodeHeartbeat{
		NodeID: resp.NodeID,
		ActiveVms: []types.ActiveVmReport{
			{VmID: "vm-1", PowerState: "running", PrivateIP: "10.0.0.7", MacAddress: "52:54:00:aa:bb:cc", ServiceReady: true},
			{VmID: "vm-ghost", PowerState: "running"},
		},
	})
	require.NoError(t, err)

	vm, err := st.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", vm.PrivateIP)
	assert.True(t, vm.ServiceReady)

	// The ghost VM is never adopted.
	_, err = st.GetVm("vm-ghost")
	assert.Error(t, err)
}

func TestHeartbeatIpAssignmentWakesIngressRegistration(t *testing.T) {
	m, st, obs := newTestManager(t)
	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	st.SaveVm(&types.VirtualMachine{
		ID:     "vm-1",
		NodeID: resp.NodeID,
		Status: types.VmStatusRunning,
	})

	waiting := obs.Create(&types.Obligation{
		Type:         types.ObTypeVmRegisterIngress,
		ResourceType: "vm",
		ResourceID:   "vm-1",
	})
	parkOnSignal(t, obs, waiting.ID, "vm-ip-assigned:vm-1")

	_, err = m.Heartbeat(&types.NodeHeartbeat{
		NodeID: resp.NodeID,
		ActiveVms: []types.ActiveVmReport{
			{VmID: "vm-1", PowerState: "running", PrivateIP: "10.0.0.9"},
		},
	})
	require.NoError(t, err)

	woken, err := obs.Get(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationPending, woken.Status, "ip assignment must wake the parked registration")
	assert.Equal(t, "10.0.0.9", woken.Data["privateIp"])

	// A repeat report with the same IP does not fire again.
	parkOnSignal(t, obs, waiting.ID, "vm-ip-assigned:vm-1")
	_, err = m.Heartbeat(&types.NodeHeartbeat{
		NodeID: resp.NodeID,
		ActiveVms: []types.ActiveVmReport{
			{VmID: "vm-1", PowerState: "running", PrivateIP: "10.0.0.9"},
		},
	})
	require.NoError(t, err)

	parked, err := obs.Get(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationWaitingForSignal, parked.Status)
}

func TestCommandQueueFifoAndAtomicDrain(t *testing.T) {
	m, _, _ := newTestManager(t)
	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m.IssueNodeCommand(resp.NodeID, NewCommand(types.CommandCreateVm, fmt.Sprintf("vm-%d", i), "", false))
	}
	assert.Equal(t, 3, m.PendingCommands(resp.NodeID))

	hbResp, err := m.Heartbeat(&types.NodeHeartbeat{NodeID: resp.NodeID})
	require.NoError(t, err)
	require.Len(t, hbResp.PendingCommands, 3)
	for i, cmd := range hbResp.PendingCommands {
		assert.Equal(t, fmt.Sprintf("vm-%d", i), cmd.TargetResourceID, "delivery must preserve enqueue order")
	}

	hbResp, err = m.Heartbeat(&types.NodeHeartbeat{NodeID: resp.NodeID})
	require.NoError(t, err)
	assert.Empty(t, hbResp.PendingCommands, "drain must empty the queue")
}

func TestAcknowledgeWakesObligationAndClearsGate(t *testing.T) {
	m, st, obs := newTestManager(t)
	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	vm := &types.VirtualMachine{ID: "vm-1", NodeID: resp.NodeID, Status: types.VmStatusProvisioning}
	st.SaveVm(vm)

	cmd := NewCommand(types.CommandCreateVm, "vm-1", "", true)
	m.IssueVmCommand(vm, cmd)

	got, err := st.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, cmd.CommandID, got.ActiveCommandID)
	require.NotNil(t, got.ActiveCommandIssuedAt)

	waiting := obs.Create(&types.Obligation{
		Type:         types.ObTypeVmProvision,
		ResourceType: "vm",
		ResourceID:   "vm-1",
	})
	parkOnSignal(t, obs, waiting.ID, "command-ack:"+cmd.CommandID)

	m.Acknowledge(&types.CommandAcknowledgment{
		CommandID: cmd.CommandID,
		Success:   true,
		Data:      map[string]string{"privateIp": "10.0.0.9"},
	})

	got, err = st.GetVm("vm-1")
	require.NoError(t, err)
	assert.Empty(t, got.ActiveCommandID, "ack must clear the active-command gate")
	assert.Nil(t, got.ActiveCommandIssuedAt)

	woken, err := obs.Get(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationPending, woken.Status)
	assert.Equal(t, "true", woken.Data["success"])
	assert.Equal(t, "10.0.0.9", woken.Data["privateIp"])

	// Replay is a no-op: the registration is consumed.
	m.Acknowledge(&types.CommandAcknowledgment{CommandID: cmd.CommandID, Success: false})
	woken, err = obs.Get(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, "true", woken.Data["success"])
}

func TestPushDisabledAfterConsecutiveFailures(t *testing.T) {
	st := state.New(storage.NewMemoryStore())
	obs := obligation.NewStore()
	failing := &fakeAgent{err: fmt.Errorf("connection refused")}
	m := NewManager(st, obs, obs, events.NewBroker(nil), wallet.NewVerifier(true), failing,
		types.DefaultSchedulingConfig, nil)

	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	for i := 0; i < MaxPushFailures; i++ {
		m.recordPushFailure(resp.NodeID, failing.err)
	}

	node, err := st.GetNode(resp.NodeID)
	require.NoError(t, err)
	assert.True(t, node.PushDisabled)
	assert.Equal(t, MaxPushFailures, node.PushFailures)

	// Disabled push still leaves pull delivery working.
	m.IssueNodeCommand(resp.NodeID, NewCommand(types.CommandCreateVm, "vm-1", "", false))
	assert.Equal(t, 1, m.PendingCommands(resp.NodeID))
}

func TestMarkStaleNodesOffline(t *testing.T) {
	m, st, _ := newTestManager(t)
	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	node, err := st.GetNode(resp.NodeID)
	require.NoError(t, err)
	node.LastHeartbeat = time.Now().Add(-5 * time.Minute)
	st.SaveNode(node)

	marked := m.MarkStaleNodesOffline(2 * time.Minute)
	assert.Equal(t, 1, marked)

	node, err = st.GetNode(resp.NodeID)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, node.Status)

	day := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, 1, node.Reputation.FailedHeartbeatsByDay[day])

	assert.Zero(t, m.MarkStaleNodesOffline(2*time.Minute), "already-offline nodes are not re-marked")
}

func TestReputationTracksHeartbeats(t *testing.T) {
	m, st, _ := newTestManager(t)
	resp, err := m.Register(registrationRequest())
	require.NoError(t, err)

	node, err := st.GetNode(resp.NodeID)
	require.NoError(t, err)
	node.Reputation.UptimePercentage = 99.95
	st.SaveNode(node)

	// Healthy heartbeats recover uptime, capped at 100.
	for i := 0; i < 10; i++ {
		_, err = m.Heartbeat(&types.NodeHeartbeat{NodeID: resp.NodeID})
		require.NoError(t, err)
	}
	node, err = st.GetNode(resp.NodeID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, node.Reputation.UptimePercentage)

	// A missed heartbeat costs a point and lands in today's bucket.
	node.LastHeartbeat = time.Now().Add(-5 * time.Minute)
	st.SaveNode(node)
	require.Equal(t, 1, m.MarkStaleNodesOffline(2*time.Minute))

	node, err = st.GetNode(resp.NodeID)
	require.NoError(t, err)
	assert.Equal(t, 99.0, node.Reputation.UptimePercentage)
	assert.Len(t, node.Reputation.FailedHeartbeatsByDay, 1)
}

func TestFailedHeartbeatWindowIsBounded(t *testing.T) {
	rep := types.NodeReputation{
		UptimePercentage: 50,
		FailedHeartbeatsByDay: map[string]int{
			"2020-01-01": 4,
		},
	}
	rep.RecordFailedHeartbeat(time.Now())

	assert.Len(t, rep.FailedHeartbeatsByDay, 1, "entries past the rolling window are dropped")
	day := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, 1, rep.FailedHeartbeatsByDay[day])
	assert.Equal(t, 49.0, rep.UptimePercentage)
}

// parkOnSignal moves an obligation into WaitingForSignal the way the
// engine would after a handler returned WaitingForSignal.
func parkOnSignal(t *testing.T, obs *obligation.Store, id, key string) {
	t.Helper()
	require.True(t, obs.Park(id, key))
}
