package nodes

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/types"
	"github.com/corralhq/corral/pkg/wallet"
)

const (
	// ReplayWindow bounds heartbeat signature timestamps.
	ReplayWindow = 300 * time.Second
)

// Signaler wakes parked obligations; wired to the obligation store.
type Signaler interface {
	Signal(key string, payload map[string]string) bool
}

// ObligationCreator creates obligations with dedup; wired to the
// obligation store.
type ObligationCreator interface {
	Create(ob *types.Obligation) *types.Obligation
}

// Manager owns node identity, heartbeats and the per-node command
// queues.
type Manager struct {
	state       *state.Store
	signals     Signaler
	obligations ObligationCreator
	broker      *events.Broker
	verifier    *wallet.Verifier
	agent       agent.Caller
	logger      zerolog.Logger

	queue *commandQueue

	configProvider func() *types.SchedulingConfig
	dhtBootstrap   []string
}

// NewManager creates the node manager
func NewManager(st *state.Store, signals Signaler, obligations ObligationCreator, broker *events.Broker, verifier *wallet.Verifier, agentClient agent.Caller, configProvider func() *types.SchedulingConfig, dhtBootstrap []string) *Manager {
	return &Manager{
		state:          st,
		signals:        signals,
		obligations:    obligations,
		broker:         broker,
		verifier:       verifier,
		agent:          agentClient,
		logger:         log.WithComponent("nodes"),
		queue:          newCommandQueue(),
		configProvider: configProvider,
		dhtBootstrap:   dhtBootstrap,
	}
}

// PendingCommands returns the queue depth for a node.
func (m *Manager) PendingCommands(nodeID string) int {
	return m.queue.Pending(nodeID)
}

// Register verifies the agent's wallet signature, derives the stable
// node ID and upserts the node. Re-registration of a known machine and
// wallet keeps its identity, reputation and reservation.
func (m *Manager) Register(req *types.NodeRegistrationRequest) (*types.NodeRegistrationResponse, error) {
	if req.MachineID == "" || req.WalletAddress == "" {
		return nil, fmt.Errorf("machineId and walletAddress are required")
	}
	if !wallet.IsValidAddress(req.WalletAddress) {
		return nil, fmt.Errorf("invalid wallet address %q", req.WalletAddress)
	}
	if err := m.verifier.Verify(req.Message, req.Signature, req.WalletAddress); err != nil {
		return nil, fmt.Errorf("registration signature rejected: %w", err)
	}

	nodeID := wallet.NodeID(req.MachineID, req.WalletAddress)

	node, err := m.state.GetNode(nodeID)
	if err != nil {
		node = &types.Node{
			ID:            nodeID,
			MachineID:     req.MachineID,
			WalletAddress: req.WalletAddress,
			APIKey:        uuid.New().String(),
			CreatedAt:     time.Now().UTC(),
		}
	}

	node.PublicIP = req.PublicIP
	node.AgentPort = req.AgentPort
	node.Hardware = req.Hardware
	node.Region = req.Region
	node.Zone = req.Zone
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = time.Now().UTC()
	m.state.SaveNode(node)

	m.broker.PublishNode(events.EventNodeRegistered, nodeID, "node registered")
	m.logger.Info().Str("node_id", nodeID).Str("wallet", req.WalletAddress).Msg("node registered")

	m.obligations.Create(&types.Obligation{
		Type:         types.ObTypeNodeEvaluatePerf,
		ResourceType: "node",
		ResourceID:   nodeID,
	})
	if node.IsRelayEligible() {
		m.obligations.Create(&types.Obligation{
			Type:         types.ObTypeNodeDeployRelayVm,
			ResourceType: "node",
			ResourceID:   nodeID,
		})
	}

	return &types.NodeRegistrationResponse{
		NodeID:           nodeID,
		APIKey:           node.APIKey,
		SchedulingConfig: m.configProvider(),
		DhtBootstrap:     m.dhtBootstrap,
	}, nil
}

// AuthenticateHeartbeat checks the wallet signature over
// "nodeId:unixSeconds:path" and rejects timestamps outside the replay
// window.
func (m *Manager) AuthenticateHeartbeat(nodeID, path, timestamp, signature string) error {
	node, err := m.state.GetNode(nodeID)
	if err != nil {
		return fmt.Errorf("unknown node %s", nodeID)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp %q", timestamp)
	}
	if skew := time.Since(time.Unix(ts, 0)); skew > ReplayWindow || skew < -ReplayWindow {
		return fmt.Errorf("timestamp outside replay window")
	}

	message := fmt.Sprintf("%s:%d:%s", nodeID, ts, path)
	if err := m.verifier.Verify(message, signature, node.WalletAddress); err != nil {
		return fmt.Errorf("heartbeat signature rejected: %w", err)
	}
	return nil
}

// Heartbeat applies the agent's report and returns pending commands.
// An offline node coming back fires the node-online signal so parked
// obligations resume.
func (m *Manager) Heartbeat(hb *types.NodeHeartbeat) (*types.NodeHeartbeatResponse, error) {
	node, err := m.state.GetNode(hb.NodeID)
	if err != nil {
		return nil, fmt.Errorf("unknown node %s", hb.NodeID)
	}

	wasOffline := node.Status == types.NodeStatusOffline
	node.LastHeartbeat = time.Now().UTC()
	if hb.Metrics != nil {
		node.LatestMetrics = hb.Metrics
	}
	if hb.AvailableResources != nil {
		node.AvailableResources = hb.AvailableResources
	}
	if hb.CgnatInfo != nil {
		node.CgnatInfo = hb.CgnatInfo
	}
	node.SchedulingConfigVersion = hb.SchedulingConfigVersion
	if wasOffline {
		node.Status = types.NodeStatusOnline
	}
	node.Reputation.RecordHealthyHeartbeat()
	m.state.SaveNode(node)

	if wasOffline {
		m.broker.PublishNode(events.EventNodeOnline, node.ID, "node back online")
		m.signals.Signal("node-online:"+node.ID, nil)
		m.logger.Info().Str("node_id", node.ID).Msg("node back online")
	}

	m.reconcileVms(node, hb.ActiveVms)

	resp := &types.NodeHeartbeatResponse{
		Acknowledged:    true,
		PendingCommands: m.queue.drain(node.ID),
	}
	if cfg := m.configProvider(); cfg != nil && hb.SchedulingConfigVersion != cfg.Version {
		resp.SchedulingConfig = cfg
	}
	return resp, nil
}

// reconcileVms folds the agent's view of its VMs into ours. Reported
// VMs we do not know are logged, never adopted.
func (m *Manager) reconcileVms(node *types.Node, reports []types.ActiveVmReport) {
	for _, report := range reports {
		vm, err := m.state.GetVm(report.VmID)
		if err != nil {
			m.logger.Warn().Str("node_id", node.ID).Str("vm_id", report.VmID).
				Msg("node reports a vm the control plane does not know")
			continue
		}
		if vm.NodeID != node.ID {
			m.logger.Warn().Str("node_id", node.ID).Str("vm_id", report.VmID).
				Str("assigned_node", vm.NodeID).Msg("node reports a vm assigned elsewhere")
			continue
		}

		changed := false
		if report.PrivateIP != "" && vm.PrivateIP != report.PrivateIP {
			hadIP := vm.PrivateIP != ""
			vm.PrivateIP = report.PrivateIP
			changed = true
			if !hadIP {
				m.signals.Signal("vm-ip-assigned:"+vm.ID, map[string]string{"privateIp": report.PrivateIP})
			}
		}
		if report.MacAddress != "" && vm.MacAddress != report.MacAddress {
			vm.MacAddress = report.MacAddress
			changed = true
		}
		if len(report.PortMappings) > 0 {
			vm.PortMappings = report.PortMappings
			changed = true
		}
		if report.PowerState != "" && vm.PowerState != report.PowerState {
			vm.PowerState = report.PowerState
			changed = true
		}
		if vm.ServiceReady != report.ServiceReady {
			vm.ServiceReady = report.ServiceReady
			changed = true
		}
		if changed {
			m.state.SaveVm(vm)
		}
	}
}

// MarkStaleNodesOffline transitions nodes whose heartbeat exceeded the
// staleness threshold and publishes the offline event. Called by the
// status sweeper.
func (m *Manager) MarkStaleNodesOffline(staleAfter time.Duration) int {
	marked := 0
	for _, node := range m.state.GetActiveNodes() {
		if node.Status != types.NodeStatusOnline {
			continue
		}
		if time.Since(node.LastHeartbeat) <= staleAfter {
			continue
		}
		node.Status = types.NodeStatusOffline
		node.Reputation.RecordFailedHeartbeat(time.Now())
		m.state.SaveNode(node)
		m.broker.PublishNode(events.EventNodeOffline, node.ID, "heartbeat stale")
		m.logger.Warn().Str("node_id", node.ID).
			Time("last_heartbeat", node.LastHeartbeat).Msg("node marked offline")
		marked++
	}
	return marked
}

// HeartbeatPath returns the canonical request path signed by agents.
func HeartbeatPath(nodeID string) string {
	return "/api/nodes/" + strings.TrimSpace(nodeID) + "/heartbeat"
}
