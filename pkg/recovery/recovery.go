package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/types"
)

const (
	// DefaultScanInterval is how often the scanner walks the hot set.
	DefaultScanInterval = 60 * time.Second

	// PendingGracePeriod is how long a VM may sit in Pending before the
	// scanner assumes its schedule obligation was lost.
	PendingGracePeriod = 30 * time.Second

	// StaleCommandAfter is how long an outstanding command may go
	// unacknowledged before provisioning is re-driven.
	StaleCommandAfter = 7 * time.Minute
)

// ObligationCreator is the slice of the obligation store the scanner
// needs: deduplicating creation plus an active-work probe.
type ObligationCreator interface {
	Create(ob *types.Obligation) *types.Obligation
	HasActive(obType, resourceID string) bool
}

// Scanner re-creates obligations for resources stuck in intermediate
// states. Signals are single-shot and may be dropped when nothing is
// waiting; the scanner is the backstop that makes the system converge
// anyway.
type Scanner struct {
	state       *state.Store
	obligations ObligationCreator
	interval    time.Duration
	logger      zerolog.Logger

	stopCh chan struct{}
}

func NewScanner(st *state.Store, obligations ObligationCreator, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Scanner{
		state:       st,
		obligations: obligations,
		interval:    interval,
		logger:      log.WithComponent("recovery"),
		stopCh:      make(chan struct{}),
	}
}

func (s *Scanner) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scanner) Stop() {
	close(s.stopCh)
}

func (s *Scanner) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.interval).Msg("recovery scanner started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Scan()
		}
	}
}

// Scan runs all stuck-state rules once and returns how many recovery
// obligations were created.
func (s *Scanner) Scan() int {
	created := 0
	now := time.Now().UTC()

	for _, vm := range s.state.GetHotVms() {
		created += s.scanVm(vm, now)
	}
	for _, node := range s.state.GetOnlineNodes() {
		created += s.scanNode(node)
	}

	if created > 0 {
		metrics.RecoveryObligationsTotal.Add(float64(created))
		s.logger.Info().Int("created", created).Msg("recovery obligations created")
	}
	return created
}

func (s *Scanner) scanVm(vm *types.VirtualMachine, now time.Time) int {
	created := 0

	switch vm.Status {
	case types.VmStatusPending:
		if now.Sub(vm.CreatedAt) > PendingGracePeriod {
			created += s.create(vm.ID, &types.Obligation{
				Type:         types.ObTypeVmSchedule,
				ResourceType: "vm",
				ResourceID:   vm.ID,
				Priority:     8,
			})
		}

	case types.VmStatusProvisioning:
		stale := vm.ActiveCommandID == "" ||
			(vm.ActiveCommandIssuedAt != nil && now.Sub(*vm.ActiveCommandIssuedAt) > StaleCommandAfter)
		if stale {
			created += s.create(vm.ID, &types.Obligation{
				Type:         types.ObTypeVmProvision,
				ResourceType: "vm",
				ResourceID:   vm.ID,
				Priority:     7,
				Data:         map[string]string{"recovery": "true"},
			})
		}

	case types.VmStatusRunning:
		if vm.PrivateIP != "" && vm.IngressConfig == nil {
			created += s.create(vm.ID, &types.Obligation{
				Type:         types.ObTypeVmRegisterIngress,
				ResourceType: "vm",
				ResourceID:   vm.ID,
				Priority:     3,
			})
		}
		if s.portsUnallocated(vm) {
			created += s.create(vm.ID, &types.Obligation{
				Type:         types.ObTypeVmAllocatePorts,
				ResourceType: "vm",
				ResourceID:   vm.ID,
				Priority:     3,
			})
		}
	}
	return created
}

// portsUnallocated reports whether the VM's template asks for direct
// host ports that have not been allocated yet. HTTP and WebSocket
// protocols go through ingress and are ignored here.
func (s *Scanner) portsUnallocated(vm *types.VirtualMachine) bool {
	if vm.TemplateID == "" {
		return false
	}
	tpl, err := s.state.Cold().GetTemplate(vm.TemplateID)
	if err != nil {
		return false
	}
	direct := lo.CountBy(tpl.ExposedPorts, func(p types.PortMapping) bool {
		return p.Protocol != "http" && p.Protocol != "ws"
	})
	return direct > 0 && len(vm.DirectAccessPorts) < direct
}

func (s *Scanner) scanNode(node *types.Node) int {
	created := 0

	if node.IsRelayEligible() && (node.RelayInfo == nil || node.RelayInfo.RelayVmID == "") {
		created += s.create(node.ID, &types.Obligation{
			Type:         types.ObTypeNodeDeployRelayVm,
			ResourceType: "node",
			ResourceID:   node.ID,
			Priority:     5,
		})
	}

	needsRelay := node.CgnatInfo != nil && node.CgnatInfo.NatType != types.NatTypeNone &&
		node.CgnatInfo.RelayNodeID == ""
	if needsRelay {
		created += s.create(node.ID, &types.Obligation{
			Type:         types.ObTypeNodeAssignRelay,
			ResourceType: "node",
			ResourceID:   node.ID,
			Priority:     5,
		})
	}
	return created
}

// create registers the obligation unless an active one of the same type
// already covers the resource. A deadline keeps recovery work from
// living forever when the underlying resource stays broken.
func (s *Scanner) create(resourceID string, ob *types.Obligation) int {
	if s.obligations.HasActive(ob.Type, resourceID) {
		return 0
	}
	deadline := time.Now().UTC().Add(30 * time.Minute)
	ob.Deadline = &deadline
	s.obligations.Create(ob)
	s.logger.Debug().Str("type", ob.Type).Str("resource_id", resourceID).Msg("stuck resource, recovery obligation created")
	return 1
}
