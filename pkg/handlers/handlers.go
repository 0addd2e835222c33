package handlers

import (
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/billing"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/nodes"
	"github.com/corralhq/corral/pkg/obligation"
	"github.com/corralhq/corral/pkg/scheduler"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/types"
)

// Handlers binds every obligation type to its implementation. All
// stateful transitions in the system flow through here.
type Handlers struct {
	state   *state.Store
	sched   *scheduler.Scheduler
	nodeMgr *nodes.Manager
	obs     *obligation.Store
	broker  *events.Broker
	gate    *billing.Gate
	logger  zerolog.Logger

	// ingressDomain is the apex under which VM hostnames are minted.
	ingressDomain string
}

// New creates the handler set
func New(st *state.Store, sched *scheduler.Scheduler, nodeMgr *nodes.Manager, obs *obligation.Store, broker *events.Broker, gate *billing.Gate, ingressDomain string) *Handlers {
	return &Handlers{
		state:         st,
		sched:         sched,
		nodeMgr:       nodeMgr,
		obs:           obs,
		broker:        broker,
		gate:          gate,
		logger:        log.WithComponent("handlers"),
		ingressDomain: ingressDomain,
	}
}

// RegisterAll wires every handler into the engine.
func (h *Handlers) RegisterAll(engine *obligation.Engine) {
	engine.RegisterHandler(types.ObTypeVmSchedule, h.ScheduleVm)
	engine.RegisterHandler(types.ObTypeVmProvision, h.ProvisionVm)
	engine.RegisterHandler(types.ObTypeVmStart, h.StartVm)
	engine.RegisterHandler(types.ObTypeVmStop, h.StopVm)
	engine.RegisterHandler(types.ObTypeVmDelete, h.DeleteVm)
	engine.RegisterHandler(types.ObTypeVmRegisterIngress, h.RegisterIngress)
	engine.RegisterHandler(types.ObTypeVmAllocatePorts, h.AllocatePorts)
	engine.RegisterHandler(types.ObTypeVmSettleTemplateFee, h.SettleTemplateFee)
	engine.RegisterHandler(types.ObTypeNodeAssignRelay, h.AssignRelay)
	engine.RegisterHandler(types.ObTypeNodeDeployRelayVm, h.DeployRelayVm)
	engine.RegisterHandler(types.ObTypeNodeEvaluatePerf, h.EvaluateNodePerformance)
	engine.RegisterHandler(types.ObTypeBillingRecordUsage, h.RecordUsage)
	engine.RegisterHandler(types.ObTypeBillingSettle, h.SettleBilling)
}

// ackResult interprets a consumed command-ack payload. The first return
// is false when no ack has been delivered yet.
func ackDelivered(ob *types.Obligation) (delivered, success bool, errMsg string) {
	v, ok := ob.Data["success"]
	if !ok {
		return false, false, ""
	}
	return true, v == "true", ob.Data["errorMessage"]
}

// clearAck drops a consumed ack payload so a retry attempt starts
// clean.
func (h *Handlers) clearAck(obID string) {
	h.obs.ClearData(obID, "success", "errorMessage", "commandId")
}
