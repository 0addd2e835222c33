package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

// fakeGuest behaves like the in-guest attestation endpoint: it answers
// challenges with a fresh ephemeral key and a valid signature, with
// knobs to misbehave.
type fakeGuest struct {
	rtt        time.Duration
	cores      int
	memoryKb   int64
	bootID     string
	machineID  string
	touchTotal float64
	touchPage  float64

	wrongNonce  bool
	corruptSig  bool
	unreachable bool
}

func newFakeGuest(vm *types.VirtualMachine) *fakeGuest {
	return &fakeGuest{
		rtt:        10 * time.Millisecond,
		cores:      vm.Spec.VirtualCpuCores,
		memoryKb:   vm.Spec.MemoryBytes / 1024,
		bootID:     "boot-1",
		machineID:  "guest-machine-1",
		touchTotal: 12.0,
		touchPage:  1.5,
	}
}

func (g *fakeGuest) PushCommand(ctx context.Context, node *types.Node, cmd *types.NodeCommand) error {
	return nil
}

func (g *fakeGuest) SendChallenge(ctx context.Context, node *types.Node, vmID string, c *types.AttestationChallenge, timeout time.Duration) (*types.AttestationResponse, time.Duration, error) {
	if g.unreachable {
		return nil, timeout, fmt.Errorf("connection timed out")
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, 0, err
	}

	resp := &types.AttestationResponse{
		Nonce:           c.Nonce,
		EphemeralPubKey: hex.EncodeToString(pub),
		Metrics: &types.GuestMetrics{
			CPUCores:    g.cores,
			MemoryKb:    g.memoryKb,
			BootID:      g.bootID,
			MachineID:   g.machineID,
			LoadAverage: 0.4,
			UptimeSec:   1234.567,
		},
		MemoryTouch: &types.MemoryTouchResult{
			PagesTouched:    64,
			ContentHash:     "deadbeef",
			TotalMs:         g.touchTotal,
			MaxSinglePageMs: g.touchPage,
		},
	}
	if g.wrongNonce {
		resp.Nonce = "0000"
	}

	sig := ed25519.Sign(priv, []byte(CanonicalMessage(c, resp)))
	if g.corruptSig {
		sig[0] ^= 0xff
	}
	resp.Signature = hex.EncodeToString(sig)
	return resp, g.rtt, nil
}

func testVm() *types.VirtualMachine {
	return &types.VirtualMachine{
		ID:     "vm-1",
		NodeID: "n1",
		Status: types.VmStatusRunning,
		Spec: types.VmSpec{
			VirtualCpuCores: 2,
			MemoryBytes:     4 * 1024 * 1024 * 1024,
		},
		NetworkMetrics: &types.NetworkMetrics{
			BaselineRttMs:    10,
			CurrentRttMs:     10,
			LastCalibratedAt: time.Now(),
		},
		CreatedAt: time.Now().Add(-time.Hour),
	}
}

func newTestEngine(t *testing.T, guest *fakeGuest) (*Engine, *state.Store) {
	t.Helper()
	st := state.New(storage.NewMemoryStore())
	st.SaveNode(&types.Node{ID: "n1", Status: types.NodeStatusOnline, PublicIP: "203.0.113.5", AgentPort: 8080})
	return NewEngine(st, guest, events.NewBroker(nil)), st
}

func TestChallengePasses(t *testing.T) {
	vm := testVm()
	guest := newFakeGuest(vm)
	e, st := newTestEngine(t, guest)
	st.SaveVm(vm)

	require.NoError(t, e.Challenge(context.Background(), vm))

	got, err := st.GetVm("vm-1")
	require.NoError(t, err)
	require.NotNil(t, got.AttestationStats)
	assert.Equal(t, 1, got.AttestationStats.ConsecutiveSuccesses)
	assert.Zero(t, got.AttestationStats.ConsecutiveFailures)
	assert.False(t, got.AttestationStats.BillingPaused)
	assert.Equal(t, "guest-machine-1", got.AttestationStats.LastMachineID)

	records, err := st.Cold().ListAttestationsByVm("vm-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Passed)
	assert.Empty(t, records[0].FailureReason)
}

func TestProcessingTimeBoundary(t *testing.T) {
	vm := testVm()
	vm.NetworkMetrics.CurrentRttMs = 0

	c := &types.AttestationChallenge{VmID: vm.ID, Nonce: "abcd", ExpectedCores: 2, ExpectedMemoryMb: 4096}
	guest := newFakeGuest(vm)
	resp, _, err := guest.SendChallenge(context.Background(), nil, vm.ID, c, time.Second)
	require.NoError(t, err)

	e, _ := newTestEngine(t, guest)
	assert.Empty(t, e.verify(vm, c, resp, 50.0), "exactly the processing budget passes")
	assert.Equal(t, "Processing time too slow", e.verify(vm, c, resp, 50.01))
}

func TestMemoryBounds(t *testing.T) {
	vm := testVm()
	c := &types.AttestationChallenge{VmID: vm.ID, Nonce: "abcd", ExpectedCores: 2, ExpectedMemoryMb: 4096}
	expectedKb := c.ExpectedMemoryMb * 1024

	tests := []struct {
		name   string
		factor float64
		reason string
	}{
		{"lower bound exact", 0.85, ""},
		{"just below lower bound", 0.849, "Memory out of bounds"},
		{"upper bound exact", 1.15, ""},
		{"just above upper bound", 1.151, "Memory out of bounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guest := newFakeGuest(vm)
			guest.memoryKb = int64(tt.factor * float64(expectedKb))
			resp, _, err := guest.SendChallenge(context.Background(), nil, vm.ID, c, time.Second)
			require.NoError(t, err)

			e, _ := newTestEngine(t, guest)
			assert.Equal(t, tt.reason, e.verify(vm, c, resp, 10))
		})
	}
}

func TestVerifyRejections(t *testing.T) {
	vm := testVm()
	c := &types.AttestationChallenge{VmID: vm.ID, Nonce: "abcd", ExpectedCores: 2, ExpectedMemoryMb: 4096}

	tests := []struct {
		name   string
		mutate func(*fakeGuest)
		reason string
	}{
		{"nonce mismatch", func(g *fakeGuest) { g.wrongNonce = true }, "Nonce mismatch"},
		{"corrupt signature", func(g *fakeGuest) { g.corruptSig = true }, "Invalid signature"},
		{"too few cores", func(g *fakeGuest) { g.cores = 1 }, "Insufficient CPU cores"},
		{"slow memory touch", func(g *fakeGuest) { g.touchTotal = 62 }, "Memory touch too slow"},
		{"slow single page", func(g *fakeGuest) { g.touchPage = 5.5 }, "Memory touch too slow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guest := newFakeGuest(vm)
			tt.mutate(guest)
			resp, _, err := guest.SendChallenge(context.Background(), nil, vm.ID, c, time.Second)
			require.NoError(t, err)

			e, _ := newTestEngine(t, guest)
			assert.Equal(t, tt.reason, e.verify(vm, c, resp, 10))
		})
	}
}

func TestMachineIdentityPinned(t *testing.T) {
	vm := testVm()
	vm.AttestationStats = &types.VmLivenessState{LastMachineID: "guest-machine-1", LastBootID: "boot-1"}
	c := &types.AttestationChallenge{VmID: vm.ID, Nonce: "abcd", ExpectedCores: 2, ExpectedMemoryMb: 4096}

	guest := newFakeGuest(vm)
	guest.machineID = "guest-machine-2"
	resp, _, err := guest.SendChallenge(context.Background(), nil, vm.ID, c, time.Second)
	require.NoError(t, err)

	e, _ := newTestEngine(t, guest)
	assert.Equal(t, "Machine identity changed", e.verify(vm, c, resp, 10))

	// A reboot only warns.
	guest = newFakeGuest(vm)
	guest.bootID = "boot-2"
	resp, _, err = guest.SendChallenge(context.Background(), nil, vm.ID, c, time.Second)
	require.NoError(t, err)
	assert.Empty(t, e.verify(vm, c, resp, 10))
}

func TestConsecutiveFailuresPauseBilling(t *testing.T) {
	vm := testVm()
	vm.NetworkMetrics.CurrentRttMs = 5
	guest := newFakeGuest(vm)
	// Far over the processing budget even as the RTT EMA catches up
	// across the three rounds.
	guest.rtt = 200 * time.Millisecond
	e, st := newTestEngine(t, guest)
	st.SaveVm(vm)

	for i := 0; i < FailureThreshold; i++ {
		current, err := st.GetVm("vm-1")
		require.NoError(t, err)
		require.NoError(t, e.Challenge(context.Background(), current))

		got, err := st.GetVm("vm-1")
		require.NoError(t, err)
		if i < FailureThreshold-1 {
			assert.False(t, got.AttestationStats.BillingPaused, "failure %d must not pause yet", i+1)
		}
	}

	got, err := st.GetVm("vm-1")
	require.NoError(t, err)
	assert.True(t, got.AttestationStats.BillingPaused)
	assert.Equal(t, "Processing time too slow", got.AttestationStats.BillingPausedReason)
	assert.Equal(t, FailureThreshold, got.AttestationStats.ConsecutiveFailures)
}

func TestConfiguredFailureThreshold(t *testing.T) {
	vm := testVm()
	vm.NetworkMetrics.CurrentRttMs = 5
	guest := newFakeGuest(vm)
	guest.rtt = 200 * time.Millisecond
	e, st := newTestEngine(t, guest)
	e.Configure(time.Second, 1, 1)
	st.SaveVm(vm)

	require.NoError(t, e.Challenge(context.Background(), vm))

	got, err := st.GetVm("vm-1")
	require.NoError(t, err)
	assert.True(t, got.AttestationStats.BillingPaused, "threshold of one pauses on the first failure")
}

func TestConsecutiveSuccessesResumeBilling(t *testing.T) {
	vm := testVm()
	vm.AttestationStats = &types.VmLivenessState{
		BillingPaused:       true,
		BillingPausedReason: "Processing time too slow",
		ConsecutiveFailures: 3,
	}
	guest := newFakeGuest(vm)
	e, st := newTestEngine(t, guest)
	st.SaveVm(vm)

	for i := 0; i < RecoveryThreshold; i++ {
		current, err := st.GetVm("vm-1")
		require.NoError(t, err)
		require.NoError(t, e.Challenge(context.Background(), current))

		got, err := st.GetVm("vm-1")
		require.NoError(t, err)
		if i < RecoveryThreshold-1 {
			assert.True(t, got.AttestationStats.BillingPaused, "success %d must not resume yet", i+1)
		}
	}

	got, err := st.GetVm("vm-1")
	require.NoError(t, err)
	assert.False(t, got.AttestationStats.BillingPaused)
	assert.Empty(t, got.AttestationStats.BillingPausedReason)
}

func TestUnreachableVmCountsAsFailure(t *testing.T) {
	vm := testVm()
	guest := newFakeGuest(vm)
	guest.unreachable = true
	e, st := newTestEngine(t, guest)
	st.SaveVm(vm)

	require.NoError(t, e.Challenge(context.Background(), vm))

	got, err := st.GetVm("vm-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttestationStats.ConsecutiveFailures)

	records, err := st.Cold().ListAttestationsByVm("vm-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].FailureReason, "Challenge unreachable")
}

func TestChallengeTimeoutAdaptsAndCaps(t *testing.T) {
	vm := testVm()
	vm.NetworkMetrics.CurrentRttMs = 30
	assert.Equal(t, 100*time.Millisecond, ChallengeTimeout(vm))

	vm.NetworkMetrics.CurrentRttMs = 700
	assert.Equal(t, MaxChallengeTimeout, ChallengeTimeout(vm))

	vm.NetworkMetrics = nil
	assert.Equal(t, 70*time.Millisecond, ChallengeTimeout(vm))
}

func TestNextDueSchedule(t *testing.T) {
	now := time.Now()
	e, _ := newTestEngine(t, nil)
	svc := NewService(e)

	young := testVm()
	young.CreatedAt = now.Add(-2 * time.Minute)
	young.AttestationStats = &types.VmLivenessState{LastChallengeAt: now.Add(-90 * time.Second)}
	assert.True(t, now.After(svc.nextDue(young, now)), "young vm challenged every minute")

	settled := testVm()
	settled.CreatedAt = now.Add(-time.Hour)
	settled.AttestationStats = &types.VmLivenessState{LastChallengeAt: now.Add(-30 * time.Minute)}
	assert.True(t, now.Before(svc.nextDue(settled, now)), "settled vm waits for the hourly cadence")

	fresh := testVm()
	fresh.AttestationStats = nil
	assert.False(t, now.Before(svc.nextDue(fresh, now)), "never-challenged vm is due immediately")
}

func TestCadenceOverride(t *testing.T) {
	now := time.Now()
	e, _ := newTestEngine(t, nil)
	svc := NewService(e)
	svc.SetCadence(0, 10*time.Minute)

	settled := testVm()
	settled.CreatedAt = now.Add(-time.Hour)
	settled.AttestationStats = &types.VmLivenessState{LastChallengeAt: now.Add(-30 * time.Minute)}
	assert.False(t, now.Before(svc.nextDue(settled, now)), "shortened steady cadence makes the vm due")
}

func TestRttRecalibration(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	nm := &types.NetworkMetrics{BaselineRttMs: 10, CurrentRttMs: 10, LastCalibratedAt: time.Now()}
	assert.False(t, e.needsRecalibration(nm))

	nm.CurrentRttMs = 14 // 40% drift
	assert.True(t, e.needsRecalibration(nm))

	nm = &types.NetworkMetrics{BaselineRttMs: 10, CurrentRttMs: 10, RttStdDevMs: 6, LastCalibratedAt: time.Now()}
	assert.True(t, e.needsRecalibration(nm), "jittery link triggers recalibration")

	nm = &types.NetworkMetrics{BaselineRttMs: 10, CurrentRttMs: 10, LastCalibratedAt: time.Now().Add(-25 * time.Hour)}
	assert.True(t, e.needsRecalibration(nm), "stale calibration triggers recalibration")
}
