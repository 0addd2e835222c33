package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/nodes"
	"github.com/corralhq/corral/pkg/obligation"
	"github.com/corralhq/corral/pkg/scheduler"
	"github.com/corralhq/corral/pkg/types"
)

// ScheduleVm places a pending VM onto a node. Re-running against an
// already scheduled VM is a no-op.
func (h *Handlers) ScheduleVm(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.state.GetVm(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm %s not found", ob.ResourceID))
	}
	if vm.Status.IsTerminal() {
		return obligation.PermanentFailure("vm is " + string(vm.Status))
	}
	if vm.NodeID != "" {
		// Already placed; make sure provisioning follows.
		return obligation.Completed(provisionObligation(vm.ID))
	}

	if vm.Status == types.VmStatusPending {
		vm.Status = types.VmStatusScheduling
		h.state.SaveVm(vm)
	}

	placement, err := h.sched.Schedule(vm.ID, &vm.Spec)
	if err != nil {
		if scheduler.IsNoFit(err) {
			vm.Status = types.VmStatusError
			vm.StatusMessage = err.Error()
			h.state.SaveVm(vm)
			h.broker.PublishVm(events.EventVmError, vm.ID, "", err.Error())
			return obligation.PermanentFailure("no node fits")
		}
		return obligation.Retry(err.Error())
	}

	vm.NodeID = placement.NodeID
	vm.Spec.ComputePointCost = placement.ComputePointCost
	vm.Status = types.VmStatusProvisioning
	h.state.SaveVm(vm)
	h.broker.PublishVm(events.EventVmScheduled, vm.ID, placement.NodeID, "")

	return obligation.Completed(provisionObligation(vm.ID))
}

func provisionObligation(vmID string) *types.Obligation {
	return &types.Obligation{
		Type:         types.ObTypeVmProvision,
		ResourceType: "vm",
		ResourceID:   vmID,
		Priority:     5,
	}
}

// ProvisionVm issues the create-vm command to the placed node and waits
// for its acknowledgement.
func (h *Handlers) ProvisionVm(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.state.GetVm(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm %s not found", ob.ResourceID))
	}
	if vm.NodeID == "" {
		return obligation.PermanentFailure("vm has no placement")
	}

	if delivered, success, errMsg := ackDelivered(ob); delivered {
		if !success {
			h.clearAck(ob.ID)
			h.sched.Release(vm.NodeID)
			return obligation.Retry("create-vm rejected by agent: " + errMsg)
		}
		applyAckNetworking(vm, ob.Data)
		h.state.SaveVm(vm)
		if vm.PrivateIP != "" {
			h.obs.Signal("vm-ip-assigned:"+vm.ID, nil)
		}
		if node, err := h.state.GetNode(vm.NodeID); err == nil {
			node.Reputation.TotalVmsHosted++
			h.state.SaveNode(node)
		}
		return obligation.Completed(&types.Obligation{
			Type:         types.ObTypeVmStart,
			ResourceType: "vm",
			ResourceID:   vm.ID,
			Priority:     5,
		})
	}

	node, err := h.state.GetNode(vm.NodeID)
	if err != nil {
		return obligation.Retry("placed node vanished")
	}
	if node.Status != types.NodeStatusOnline {
		return obligation.WaitingForSignal("node-online:" + node.ID)
	}

	if vm.Status != types.VmStatusProvisioning {
		vm.Status = types.VmStatusProvisioning
	}

	payload, err := json.Marshal(vm.Spec)
	if err != nil {
		return obligation.PermanentFailure("unencodable vm spec: " + err.Error())
	}
	cmd := nodes.NewCommand(types.CommandCreateVm, vm.ID, string(payload), true)
	h.nodeMgr.IssueVmCommand(vm, cmd)

	h.logger.Info().Str("vm_id", vm.ID).Str("node_id", node.ID).
		Str("command_id", cmd.CommandID).Msg("create-vm issued")
	return obligation.WaitingForSignal("command-ack:" + cmd.CommandID)
}

// applyAckNetworking folds the agent-reported network facts from an ack
// payload into the VM.
func applyAckNetworking(vm *types.VirtualMachine, data map[string]string) {
	if ip := data["privateIp"]; ip != "" {
		vm.PrivateIP = ip
	}
	if mac := data["macAddress"]; mac != "" {
		vm.MacAddress = mac
	}
}

// StartVm confirms the VM is up and fans out the post-start work.
func (h *Handlers) StartVm(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.state.GetVm(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm %s not found", ob.ResourceID))
	}

	if vm.Status == types.VmStatusStopped {
		// Restart path: the node must bring it back up.
		if delivered, success, errMsg := ackDelivered(ob); delivered {
			if !success {
				h.clearAck(ob.ID)
				return obligation.Retry("start-vm rejected by agent: " + errMsg)
			}
		} else {
			cmd := nodes.NewCommand(types.CommandStartVm, vm.ID, "", true)
			h.nodeMgr.IssueVmCommand(vm, cmd)
			return obligation.WaitingForSignal("command-ack:" + cmd.CommandID)
		}
	}

	vm.Status = types.VmStatusRunning
	vm.PowerState = "running"
	h.state.SaveVm(vm)
	h.broker.PublishVm(events.EventVmRunning, vm.ID, vm.NodeID, "")

	children := []*types.Obligation{{
		Type:         types.ObTypeVmRegisterIngress,
		ResourceType: "vm",
		ResourceID:   vm.ID,
	}}
	if vm.TemplateID != "" {
		if tpl, err := h.state.Cold().GetTemplate(vm.TemplateID); err == nil {
			if hasDirectPorts(tpl) {
				children = append(children, &types.Obligation{
					Type:         types.ObTypeVmAllocatePorts,
					ResourceType: "vm",
					ResourceID:   vm.ID,
				})
			}
			if tpl.CreatorID != "" && tpl.FeePercent.IsPositive() {
				children = append(children, &types.Obligation{
					Type:         types.ObTypeVmSettleTemplateFee,
					ResourceType: "vm",
					ResourceID:   vm.ID,
				})
			}
		}
	}
	return obligation.Completed(children...)
}

// hasDirectPorts reports whether the template exposes ports that need
// host allocation rather than ingress.
func hasDirectPorts(tpl *types.VmTemplate) bool {
	return lo.SomeBy(tpl.ExposedPorts, func(p types.PortMapping) bool {
		return p.Protocol != "http" && p.Protocol != "ws"
	})
}

// StopVm issues stop-vm and releases the reservation when the agent
// confirms.
func (h *Handlers) StopVm(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.state.GetVm(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm %s not found", ob.ResourceID))
	}
	if vm.Status == types.VmStatusStopped {
		return obligation.Completed()
	}
	if vm.NodeID == "" {
		vm.Status = types.VmStatusStopped
		h.state.SaveVm(vm)
		return obligation.Completed()
	}

	if delivered, success, errMsg := ackDelivered(ob); delivered {
		if !success {
			h.clearAck(ob.ID)
			return obligation.Retry("stop-vm rejected by agent: " + errMsg)
		}
		vm.Status = types.VmStatusStopped
		vm.PowerState = "stopped"
		if reason := ob.Data["reason"]; reason != "" {
			vm.StatusMessage = reason
		}
		h.state.SaveVm(vm)
		h.sched.Release(vm.NodeID)
		h.broker.PublishVm(events.EventVmStopped, vm.ID, vm.NodeID, vm.StatusMessage)
		return obligation.Completed()
	}

	vm.Status = types.VmStatusStopping
	h.state.SaveVm(vm)
	cmd := nodes.NewCommand(types.CommandStopVm, vm.ID, "", true)
	h.nodeMgr.IssueVmCommand(vm, cmd)
	return obligation.WaitingForSignal("command-ack:" + cmd.CommandID)
}

// DeleteVm tears the VM down on its node and marks it deleted.
func (h *Handlers) DeleteVm(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.state.GetVm(ob.ResourceID)
	if err != nil {
		// Already gone from the hot set; nothing to tear down.
		return obligation.Completed()
	}
	if vm.Status == types.VmStatusDeleted {
		return obligation.Completed()
	}
	if vm.NodeID == "" {
		vm.Status = types.VmStatusDeleted
		h.state.SaveVm(vm)
		return obligation.Completed()
	}

	if delivered, success, errMsg := ackDelivered(ob); delivered {
		if !success {
			h.clearAck(ob.ID)
			return obligation.Retry("delete-vm rejected by agent: " + errMsg)
		}
		nodeID := vm.NodeID
		cleanRun := vm.Status != types.VmStatusError
		vm.Status = types.VmStatusDeleted
		h.state.SaveVm(vm)
		h.sched.Release(nodeID)
		if node, err := h.state.GetNode(nodeID); err == nil && cleanRun {
			node.Reputation.SuccessfulVmCompletions++
			h.state.SaveNode(node)
		}
		h.broker.PublishVm(events.EventVmDeleted, vm.ID, nodeID, "")
		return obligation.Completed()
	}

	vm.Status = types.VmStatusDeleting
	h.state.SaveVm(vm)
	cmd := nodes.NewCommand(types.CommandDeleteVm, vm.ID, "", true)
	h.nodeMgr.IssueVmCommand(vm, cmd)
	return obligation.WaitingForSignal("command-ack:" + cmd.CommandID)
}

// RegisterIngress mints the VM's hostname once its private IP is known.
func (h *Handlers) RegisterIngress(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.state.GetVm(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm %s not found", ob.ResourceID))
	}
	if vm.IngressConfig != nil {
		return obligation.Completed()
	}
	if vm.PrivateIP == "" {
		// The agent reports the address either in the create ack or in
		// a later heartbeat; both fire this signal.
		return obligation.WaitingForSignal("vm-ip-assigned:" + vm.ID)
	}

	vm.IngressConfig = &types.IngressConfig{
		Hostname: ingressHostname(vm.ID, h.ingressDomain),
		TLS:      true,
		WiredAt:  time.Now().UTC(),
	}
	h.state.SaveVm(vm)
	h.logger.Info().Str("vm_id", vm.ID).Str("hostname", vm.IngressConfig.Hostname).Msg("ingress registered")
	return obligation.Completed()
}

func ingressHostname(vmID, domain string) string {
	short := strings.ReplaceAll(vmID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return short + "." + domain
}

// AllocatePorts asks the node to open host ports for the template's
// non-HTTP services.
func (h *Handlers) AllocatePorts(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.state.GetVm(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm %s not found", ob.ResourceID))
	}
	if vm.TemplateID == "" {
		return obligation.Completed()
	}
	tpl, err := h.state.Cold().GetTemplate(vm.TemplateID)
	if err != nil {
		return obligation.PermanentFailure("template " + vm.TemplateID + " not found")
	}

	wanted := lo.Filter(tpl.ExposedPorts, func(p types.PortMapping, _ int) bool {
		return p.Protocol != "http" && p.Protocol != "ws"
	})
	if len(wanted) == 0 || len(vm.DirectAccessPorts) >= len(wanted) {
		return obligation.Completed()
	}

	if delivered, success, errMsg := ackDelivered(ob); delivered {
		if !success {
			h.clearAck(ob.ID)
			return obligation.Retry("allocate-port rejected by agent: " + errMsg)
		}
		vm.DirectAccessPorts = parsePortList(ob.Data["allocatedPorts"])
		h.state.SaveVm(vm)
		return obligation.Completed()
	}

	payload, err := json.Marshal(wanted)
	if err != nil {
		return obligation.PermanentFailure("unencodable port list: " + err.Error())
	}
	cmd := nodes.NewCommand(types.CommandAllocatePort, vm.ID, string(payload), true)
	h.nodeMgr.IssueVmCommand(vm, cmd)
	return obligation.WaitingForSignal("command-ack:" + cmd.CommandID)
}

func parsePortList(s string) []int {
	if s == "" {
		return nil
	}
	var ports []int
	for _, part := range strings.Split(s, ",") {
		if p, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			ports = append(ports, p)
		}
	}
	return ports
}

// SettleTemplateFee pays the template creator their cut of the first
// hour, charged once at VM start.
func (h *Handlers) SettleTemplateFee(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.state.GetVm(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm %s not found", ob.ResourceID))
	}
	if vm.TemplateID == "" || vm.OwnerID == "" {
		return obligation.Completed()
	}
	tpl, err := h.state.Cold().GetTemplate(vm.TemplateID)
	if err != nil || tpl.CreatorID == "" || !tpl.FeePercent.IsPositive() {
		return obligation.Completed()
	}

	if err := h.gate.SettleTemplateFee(ctx, vm, tpl); err != nil {
		return obligation.Retry(err.Error())
	}
	return obligation.Completed()
}
