package handlers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/corralhq/corral/pkg/obligation"
	"github.com/corralhq/corral/pkg/types"
)

// relayVmSpec is the fixed shape of a system relay VM.
func relayVmSpec() types.VmSpec {
	return types.VmSpec{
		VirtualCpuCores: 1,
		MemoryBytes:     1024 * 1024 * 1024,
		DiskBytes:       8 * 1024 * 1024 * 1024,
		QualityTier:     types.TierBurstable,
		ImageID:         "corral-relay",
	}
}

// AssignRelay binds a CGNAT node to an online relay so its traffic has
// a public rendezvous point.
func (h *Handlers) AssignRelay(ctx context.Context, ob *types.Obligation) obligation.Result {
	node, err := h.state.GetNode(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("node %s not found", ob.ResourceID))
	}
	if node.CgnatInfo == nil || node.CgnatInfo.NatType == types.NatTypeNone {
		return obligation.Completed()
	}
	if node.CgnatInfo.RelayNodeID != "" {
		return obligation.Completed()
	}

	relays := lo.Filter(h.state.GetOnlineNodes(), func(n *types.Node, _ int) bool {
		return n.ID != node.ID && n.IsRelayEligible() &&
			n.RelayInfo != nil && n.RelayInfo.RelayVmID != ""
	})
	if len(relays) == 0 {
		return obligation.Retry("no relay-capable node online")
	}

	// Least-loaded relay, ties by ID for determinism.
	sort.Slice(relays, func(i, j int) bool {
		li, lj := len(relays[i].RelayInfo.ConnectedNodeIDs), len(relays[j].RelayInfo.ConnectedNodeIDs)
		if li != lj {
			return li < lj
		}
		return relays[i].ID < relays[j].ID
	})
	relay := relays[0]

	node.CgnatInfo.RelayNodeID = relay.ID
	h.state.SaveNode(node)

	if !lo.Contains(relay.RelayInfo.ConnectedNodeIDs, node.ID) {
		relay.RelayInfo.ConnectedNodeIDs = append(relay.RelayInfo.ConnectedNodeIDs, node.ID)
		h.state.SaveNode(relay)
	}

	h.logger.Info().Str("node_id", node.ID).Str("relay_node_id", relay.ID).Msg("relay assigned")
	return obligation.Completed()
}

// DeployRelayVm provisions the system relay VM on an eligible node.
func (h *Handlers) DeployRelayVm(ctx context.Context, ob *types.Obligation) obligation.Result {
	node, err := h.state.GetNode(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("node %s not found", ob.ResourceID))
	}
	if !node.IsRelayEligible() {
		return obligation.Completed()
	}
	if node.RelayInfo != nil && node.RelayInfo.RelayVmID != "" {
		if _, err := h.state.GetVm(node.RelayInfo.RelayVmID); err == nil {
			return obligation.Completed()
		}
		// Stale binding: the relay VM is gone, redeploy.
		node.RelayInfo.RelayVmID = ""
	}

	spec := relayVmSpec()
	vm := &types.VirtualMachine{
		ID:        uuid.New().String(),
		Name:      "relay-" + shortID(node.ID),
		NodeID:    node.ID,
		Status:    types.VmStatusProvisioning,
		Spec:      spec,
		CreatedAt: time.Now().UTC(),
	}
	h.state.SaveVm(vm)

	if node.RelayInfo == nil {
		node.RelayInfo = &types.RelayInfo{}
	}
	node.RelayInfo.RelayVmID = vm.ID
	node.RelayInfo.DeployedAt = time.Now().UTC()
	node.SystemVmObligations = append(node.SystemVmObligations, ob.ID)
	h.state.SaveNode(node)

	h.logger.Info().Str("node_id", node.ID).Str("vm_id", vm.ID).Msg("relay vm deploying")
	return obligation.Completed(provisionObligation(vm.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// EvaluateNodePerformance sanity-checks a freshly registered node's
// claims and seeds its reputation.
func (h *Handlers) EvaluateNodePerformance(ctx context.Context, ob *types.Obligation) obligation.Result {
	node, err := h.state.GetNode(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("node %s not found", ob.ResourceID))
	}

	if node.Hardware == nil || node.Hardware.CPU == nil {
		return obligation.PermanentFailure("node registered without a hardware inventory")
	}
	if node.Hardware.CPU.BenchmarkScore <= 0 {
		// The agent runs its benchmark on first boot; give it time.
		return obligation.Retry("benchmark not reported yet")
	}

	if node.Reputation.UptimePercentage == 0 && node.Reputation.TotalVmsHosted == 0 {
		node.Reputation.UptimePercentage = 100
		h.state.SaveNode(node)
	}

	h.logger.Info().Str("node_id", node.ID).
		Int("benchmark", node.Hardware.CPU.BenchmarkScore).
		Int("points", node.TotalComputePoints()).Msg("node performance evaluated")
	return obligation.Completed()
}

// RecordUsage bills one VM outside the regular gate cycle, used by
// recovery and manual triggers.
func (h *Handlers) RecordUsage(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.state.GetVm(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm %s not found", ob.ResourceID))
	}
	if vm.Status != types.VmStatusRunning || vm.OwnerID == "" {
		return obligation.Completed()
	}
	if err := h.gate.BillVm(ctx, vm); err != nil {
		return obligation.Retry(err.Error())
	}
	return obligation.Completed()
}

// SettleBilling pays out a node's accrued balance on chain.
func (h *Handlers) SettleBilling(ctx context.Context, ob *types.Obligation) obligation.Result {
	if err := h.gate.SettleNode(ctx, ob.ResourceID); err != nil {
		return obligation.Retry(err.Error())
	}
	return obligation.Completed()
}
