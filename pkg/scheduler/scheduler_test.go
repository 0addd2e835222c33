package scheduler

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

func testNode(id string, cores, benchmark, reserved int) *types.Node {
	return &types.Node{
		ID:            id,
		Status:        types.NodeStatusOnline,
		LastHeartbeat: time.Now(),
		Hardware: &types.HardwareInventory{
			CPU:          &types.CPUInfo{PhysicalCores: cores, BenchmarkScore: benchmark},
			MemoryBytes:  32 * 1024 * 1024 * 1024,
			Architecture: "x86_64",
		},
		ReservedComputePoints: reserved,
		LatestMetrics: &types.NodeMetrics{
			CPUUsagePercent:    10,
			MemoryUsagePercent: 20,
			LoadAverage:        1.0,
			FreeMemoryBytes:    24 * 1024 * 1024 * 1024,
			FreeStorageBytes:   500 * 1024 * 1024 * 1024,
		},
		AvailableResources: &types.AvailableResources{
			CPUCores:     cores,
			MemoryBytes:  24 * 1024 * 1024 * 1024,
			StorageBytes: 500 * 1024 * 1024 * 1024,
		},
		Reputation: types.NodeReputation{
			UptimePercentage:        99,
			TotalVmsHosted:          10,
			SuccessfulVmCompletions: 10,
		},
	}
}

func standardSpec() *types.VmSpec {
	return &types.VmSpec{
		VirtualCpuCores: 2,
		MemoryBytes:     4 * 1024 * 1024 * 1024,
		DiskBytes:       20 * 1024 * 1024 * 1024,
		QualityTier:     types.TierStandard,
		ImageID:         "ubuntu-24.04",
	}
}

func newTestScheduler(t *testing.T, nodes ...*types.Node) (*Scheduler, *state.Store) {
	t.Helper()
	cold := storage.NewMemoryStore()
	require.NoError(t, cold.PutImage(&types.Image{ID: "ubuntu-24.04", Name: "Ubuntu 24.04", Architecture: "x86_64"}))
	st := state.New(cold)
	for _, n := range nodes {
		st.SaveNode(n)
	}
	return NewScheduler(st, cold, types.DefaultSchedulingConfig()), st
}

func TestStandardTierCostOnBaselineNode(t *testing.T) {
	// 2 vCPUs on the Standard tier against a 16-point node cost 8.
	s, st := newTestScheduler(t, testNode("n1", 2, 1000, 0))

	placement, err := s.Schedule("vm-1", standardSpec())
	require.NoError(t, err)

	assert.Equal(t, "n1", placement.NodeID)
	assert.Equal(t, 8, placement.ComputePointCost)

	node, err := st.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, 8, node.ReservedComputePoints)
}

func TestTierCostOrdering(t *testing.T) {
	cfg := types.DefaultSchedulingConfig()

	costs := map[types.QualityTier]int{}
	for tier, policy := range cfg.Tiers {
		costs[tier] = pointCost(2, policy, cfg)
	}

	assert.Equal(t, 24, costs[types.TierGuaranteed])
	assert.Equal(t, 8, costs[types.TierStandard])
	assert.Equal(t, 4, costs[types.TierBalanced])
	assert.Equal(t, 2, costs[types.TierBurstable])
}

func TestInsufficientPointsRejected(t *testing.T) {
	// 16 total, 12 reserved: availability 4 cannot carry a cost of 8.
	s, st := newTestScheduler(t, testNode("n1", 2, 1000, 12))

	_, err := s.Schedule("vm-1", standardSpec())
	require.Error(t, err)
	require.True(t, IsNoFit(err))

	noFit := err.(*NoFitError)
	assert.Equal(t, 1, noFit.Candidates)
	assert.Equal(t, 1, noFit.Reasons[RejectNoPoints])

	node, err := st.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, 12, node.ReservedComputePoints, "rejection must not reserve points")
}

func TestFilterPredicates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.Node)
		spec   func(*types.VmSpec)
		reason string
	}{
		{
			name:   "offline node",
			mutate: func(n *types.Node) { n.Status = types.NodeStatusOffline },
			reason: RejectNotOnline,
		},
		{
			name:   "stale heartbeat",
			mutate: func(n *types.Node) { n.LastHeartbeat = time.Now().Add(-3 * time.Minute) },
			reason: RejectStaleHeartbeat,
		},
		{
			name:   "architecture mismatch",
			mutate: func(n *types.Node) { n.Hardware.Architecture = "aarch64" },
			reason: RejectArchMismatch,
		},
		{
			name:   "region mismatch",
			mutate: func(n *types.Node) { n.Region = "eu-west" },
			spec:   func(s *types.VmSpec) { s.Region = "us-east" },
			reason: RejectRegionMismatch,
		},
		{
			name:   "reputation below minimum",
			mutate: func(n *types.Node) { n.Reputation.UptimePercentage = 40; n.Reputation.SuccessfulVmCompletions = 2 },
			spec:   func(s *types.VmSpec) { s.MinNodeReputationScore = 0.9 },
			reason: RejectLowReputation,
		},
		{
			name:   "benchmark below tier",
			mutate: func(n *types.Node) { n.Hardware.CPU.BenchmarkScore = 900 },
			reason: RejectBenchmarkBelowTier,
		},
		{
			name:   "utilisation limit",
			mutate: func(n *types.Node) { n.LatestMetrics.CPUUsagePercent = 95 },
			reason: RejectUtilisation,
		},
		{
			name:   "free memory floor",
			mutate: func(n *types.Node) { n.LatestMetrics.FreeMemoryBytes = 4*1024*1024*1024 + 256*1024*1024 },
			reason: RejectLowFreeMemory,
		},
		{
			name:   "load average",
			mutate: func(n *types.Node) { n.LatestMetrics.LoadAverage = 9.5 },
			reason: RejectHighLoad,
		},
		{
			name:   "insufficient storage",
			mutate: func(n *types.Node) { n.AvailableResources.StorageBytes = 1024 * 1024 * 1024 },
			reason: RejectNoStorage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := testNode("n1", 2, 1000, 0)
			tt.mutate(node)
			s, _ := newTestScheduler(t, node)

			spec := standardSpec()
			if tt.spec != nil {
				tt.spec(spec)
			}

			_, err := s.Schedule("vm-1", spec)
			require.Error(t, err)
			require.True(t, IsNoFit(err))
			assert.Equal(t, 1, err.(*NoFitError).Reasons[tt.reason])
		})
	}
}

func TestScoringPrefersIdleNode(t *testing.T) {
	busy := testNode("a-busy", 8, 1000, 40)
	busy.LatestMetrics.CPUUsagePercent = 70
	busy.LatestMetrics.MemoryUsagePercent = 60
	idle := testNode("z-idle", 8, 1000, 0)

	s, _ := newTestScheduler(t, busy, idle)

	placement, err := s.Schedule("vm-1", standardSpec())
	require.NoError(t, err)
	assert.Equal(t, "z-idle", placement.NodeID, "less loaded node must win despite larger ID")
}

func TestTieBreakIsDeterministic(t *testing.T) {
	// Identical nodes: the lexicographically smaller ID wins every time.
	for i := 0; i < 5; i++ {
		s, _ := newTestScheduler(t, testNode("n-b", 4, 1000, 0), testNode("n-a", 4, 1000, 0))
		placement, err := s.Schedule("vm-1", standardSpec())
		require.NoError(t, err)
		assert.Equal(t, "n-a", placement.NodeID)
	}
}

func TestLocalityScore(t *testing.T) {
	spec := &types.VmSpec{Region: "us-east", Zone: "us-east-1a"}

	match := &types.Node{Region: "us-east", Zone: "us-east-1a"}
	zoneOff := &types.Node{Region: "us-east", Zone: "us-east-1b"}
	undeclared := &types.Node{}

	assert.Equal(t, 1.0, localityScore(match, spec))
	assert.Equal(t, 0.5, localityScore(zoneOff, spec))
	assert.Equal(t, 0.0, localityScore(undeclared, spec))
	assert.Equal(t, 1.0, localityScore(undeclared, &types.VmSpec{}))
}

func TestCommitCorrectsDriftFromLiveVms(t *testing.T) {
	node := testNode("n1", 4, 1000, 20) // drifted: no live VM justifies 20
	s, st := newTestScheduler(t, node)

	st.SaveVm(&types.VirtualMachine{
		ID:     "vm-live",
		NodeID: "n1",
		Status: types.VmStatusRunning,
		Spec:   types.VmSpec{ComputePointCost: 8},
	})

	s.Commit("n1", 8)

	got, err := st.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, 16, got.ReservedComputePoints, "commit recomputes from live usage, not the drifted value")
}

func TestReleaseIsIdempotent(t *testing.T) {
	s, st := newTestScheduler(t, testNode("n1", 4, 1000, 0))

	st.SaveVm(&types.VirtualMachine{
		ID:     "vm-live",
		NodeID: "n1",
		Status: types.VmStatusRunning,
		Spec:   types.VmSpec{ComputePointCost: 8},
	})
	s.Commit("n1", 8)

	s.Release("n1")
	s.Release("n1")

	got, err := st.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, 8, got.ReservedComputePoints, "release keeps points for VMs still alive")
}

func TestMaxPerformanceMultiplierCap(t *testing.T) {
	cfg := types.DefaultSchedulingConfig()
	cfg.MaxPerformanceMultiplier = 1.0

	cost := pointCost(2, cfg.Tiers[types.TierGuaranteed], cfg)
	assert.Equal(t, 16, cost, "multiplier above the cap is clamped")
}
