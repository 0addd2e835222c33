package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/types"
)

const (
	// DefaultMonitorInterval is how often relay VMs are probed
	DefaultMonitorInterval = 60 * time.Second

	// DefaultFailureThreshold is how many consecutive failed probes
	// unbind a relay. Transient misses must not tear down tunnels.
	DefaultFailureThreshold = 3
)

// Monitor periodically probes relay VMs hosted on relay-eligible nodes.
// A relay that misses the failure threshold is unbound: the node's relay
// role is cleared and its connected CGNAT nodes are detached, after
// which the recovery scanner re-deploys and re-assigns.
type Monitor struct {
	state     *state.Store
	interval  time.Duration
	threshold int
	logger    zerolog.Logger

	// probe builds the checker for a relay node. Injectable for tests.
	probe func(node *types.Node) Checker

	mu       sync.Mutex
	failures map[string]int

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a relay health monitor
func NewMonitor(st *state.Store) *Monitor {
	m := &Monitor{
		state:     st,
		interval:  DefaultMonitorInterval,
		threshold: DefaultFailureThreshold,
		logger:    log.WithComponent("relay-health"),
		failures:  make(map[string]int),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.probe = m.defaultProbe
	return m
}

// defaultProbe checks the agent health surface on the relay node's
// public address. The relay VM shares the host's public IP.
func (m *Monitor) defaultProbe(node *types.Node) Checker {
	return NewHTTPChecker(fmt.Sprintf("http://%s:%d/healthz", node.PublicIP, node.AgentPort))
}

// Start begins the monitor loop
func (m *Monitor) Start() {
	m.logger.Info().
		Dur("interval", m.interval).
		Int("failure_threshold", m.threshold).
		Msg("relay health monitor started")
	go m.run()
}

// Stop terminates the monitor loop
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.logger.Info().Msg("relay health monitor stopped")
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep probes every bound relay once and unbinds relays that crossed
// the failure threshold. Returns the number of relays unbound.
func (m *Monitor) Sweep(ctx context.Context) int {
	unbound := 0
	for _, node := range m.state.GetOnlineNodes() {
		if node.RelayInfo == nil || node.RelayInfo.RelayVmID == "" {
			continue
		}
		if m.probeRelay(ctx, node) {
			unbound++
		}
	}
	return unbound
}

// probeRelay runs one probe against a relay node and reports whether
// the relay was unbound.
func (m *Monitor) probeRelay(ctx context.Context, node *types.Node) bool {
	checker := m.probe(node)

	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	result := checker.Check(probeCtx)
	cancel()

	m.mu.Lock()
	if result.Healthy {
		delete(m.failures, node.ID)
		m.mu.Unlock()
		return false
	}
	m.failures[node.ID]++
	count := m.failures[node.ID]
	m.mu.Unlock()

	m.logger.Warn().
		Str("node_id", node.ID).
		Str("relay_vm_id", node.RelayInfo.RelayVmID).
		Int("consecutive_failures", count).
		Str("reason", result.Message).
		Msg("relay probe failed")

	if count < m.threshold {
		return false
	}

	m.unbindRelay(node)
	m.mu.Lock()
	delete(m.failures, node.ID)
	m.mu.Unlock()
	return true
}

// unbindRelay clears the node's relay role and detaches its connected
// CGNAT nodes so the recovery scanner converges them onto a healthy
// relay.
func (m *Monitor) unbindRelay(node *types.Node) {
	connected := node.RelayInfo.ConnectedNodeIDs

	node.RelayInfo = nil
	m.state.SaveNode(node)

	for _, id := range connected {
		cgnat, err := m.state.GetNode(id)
		if err != nil || cgnat.CgnatInfo == nil || cgnat.CgnatInfo.RelayNodeID != node.ID {
			continue
		}
		cgnat.CgnatInfo.RelayNodeID = ""
		m.state.SaveNode(cgnat)
	}

	m.logger.Info().
		Str("node_id", node.ID).
		Int("detached_nodes", len(connected)).
		Msg("unhealthy relay unbound")
}
