package nodes

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/types"
)

const (
	// CommandRegistrationTTL is how long an unacked command stays
	// correlatable. Older registrations expire; the waiting obligation
	// falls back to its retry or deadline path.
	CommandRegistrationTTL = 10 * time.Minute

	// MaxPushFailures before direct push is disabled for a node.
	MaxPushFailures = 3
)

// commandQueue holds the per-node FIFO of pending commands plus the
// ack-correlation registrations.
type commandQueue struct {
	mu      sync.Mutex
	pending map[string][]*types.NodeCommand

	registrations *cache.Cache // commandId -> *types.CommandRegistration
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		pending:       make(map[string][]*types.NodeCommand),
		registrations: cache.New(CommandRegistrationTTL, time.Minute),
	}
}

// enqueue appends a command to the node's FIFO.
func (q *commandQueue) enqueue(nodeID string, cmd *types.NodeCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[nodeID] = append(q.pending[nodeID], cmd)
}

// drain atomically returns and empties the node's FIFO.
func (q *commandQueue) drain(nodeID string) []*types.NodeCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := q.pending[nodeID]
	delete(q.pending, nodeID)
	return cmds
}

// Pending returns the queue depth for a node.
func (q *commandQueue) Pending(nodeID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[nodeID])
}

// register records a command for ack correlation.
func (q *commandQueue) register(reg *types.CommandRegistration) {
	q.registrations.SetDefault(reg.CommandID, reg)
}

// lookup fetches and removes the registration. The second return is
// false for unknown or already-acked command IDs.
func (q *commandQueue) lookup(commandID string) (*types.CommandRegistration, bool) {
	v, ok := q.registrations.Get(commandID)
	if !ok {
		return nil, false
	}
	q.registrations.Delete(commandID)
	return v.(*types.CommandRegistration), true
}

// NewCommand builds a NodeCommand with a fresh command ID.
func NewCommand(cmdType types.CommandType, targetResourceID, payload string, requiresAck bool) *types.NodeCommand {
	return &types.NodeCommand{
		CommandID:        uuid.New().String(),
		Type:             cmdType,
		Payload:          payload,
		TargetResourceID: targetResourceID,
		RequiresAck:      requiresAck,
		QueuedAt:         time.Now().UTC(),
	}
}

// IssueVmCommand enqueues a command for the VM's node, registers it for
// ack correlation and stamps the VM's active-command gate. Push is
// attempted opportunistically when the node allows it.
func (m *Manager) IssueVmCommand(vm *types.VirtualMachine, cmd *types.NodeCommand) {
	if cmd.RequiresAck {
		m.queue.register(&types.CommandRegistration{
			CommandID: cmd.CommandID,
			VmID:      vm.ID,
			NodeID:    vm.NodeID,
			Type:      cmd.Type,
			IssuedAt:  time.Now().UTC(),
		})
		now := time.Now().UTC()
		vm.ActiveCommandID = cmd.CommandID
		vm.ActiveCommandIssuedAt = &now
		m.state.SaveVm(vm)
	}

	m.queue.enqueue(vm.NodeID, cmd)
	m.tryPush(vm.NodeID, cmd)
}

// IssueNodeCommand enqueues a node-scoped command (no VM gate).
func (m *Manager) IssueNodeCommand(nodeID string, cmd *types.NodeCommand) {
	if cmd.RequiresAck {
		m.queue.register(&types.CommandRegistration{
			CommandID: cmd.CommandID,
			NodeID:    nodeID,
			Type:      cmd.Type,
			IssuedAt:  time.Now().UTC(),
		})
	}
	m.queue.enqueue(nodeID, cmd)
	m.tryPush(nodeID, cmd)
}

// Acknowledge correlates an agent ack with its registration, clears the
// VM's active-command gate and wakes the waiting obligation. Replayed
// or unknown acks are dropped.
func (m *Manager) Acknowledge(ack *types.CommandAcknowledgment) {
	reg, ok := m.queue.lookup(ack.CommandID)
	if !ok {
		m.logger.Debug().Str("command_id", ack.CommandID).Msg("ack for unknown or already-acked command, dropping")
		return
	}

	if reg.VmID != "" {
		if vm, err := m.state.GetVm(reg.VmID); err == nil && vm.ActiveCommandID == ack.CommandID {
			vm.ActiveCommandID = ""
			vm.ActiveCommandIssuedAt = nil
			m.state.SaveVm(vm)
		}
	}

	payload := map[string]string{
		"success": "false",
	}
	if ack.Success {
		payload["success"] = "true"
	}
	if ack.ErrorMessage != "" {
		payload["errorMessage"] = ack.ErrorMessage
	}
	for k, v := range ack.Data {
		payload[k] = v
	}
	m.signals.Signal("command-ack:"+ack.CommandID, payload)

	m.logger.Debug().Str("command_id", ack.CommandID).Bool("success", ack.Success).
		Str("vm_id", reg.VmID).Msg("command acknowledged")
}

// tryPush delivers the command directly to the agent. Pull via
// heartbeat stays authoritative, so push failures only update the
// node's push health.
func (m *Manager) tryPush(nodeID string, cmd *types.NodeCommand) {
	if m.agent == nil {
		return
	}
	node, err := m.state.GetNode(nodeID)
	if err != nil || node.PushDisabled || node.PublicIP == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), agent.DefaultPushTimeout)
		defer cancel()

		if err := m.agent.PushCommand(ctx, node, cmd); err != nil {
			m.recordPushFailure(nodeID, err)
			return
		}
		m.recordPushSuccess(nodeID)
	}()
}

func (m *Manager) recordPushFailure(nodeID string, pushErr error) {
	node, err := m.state.GetNode(nodeID)
	if err != nil {
		return
	}
	node.PushFailures++
	if node.PushFailures >= MaxPushFailures && !node.PushDisabled {
		node.PushDisabled = true
		m.logger.Warn().Str("node_id", nodeID).Int("failures", node.PushFailures).
			Msg("direct push disabled, falling back to heartbeat pull")
	}
	m.state.SaveNode(node)
	m.logger.Debug().Str("node_id", nodeID).Err(pushErr).Msg("command push failed")
}

func (m *Manager) recordPushSuccess(nodeID string) {
	node, err := m.state.GetNode(nodeID)
	if err != nil || node.PushFailures == 0 {
		return
	}
	node.PushFailures = 0
	m.state.SaveNode(node)
}
