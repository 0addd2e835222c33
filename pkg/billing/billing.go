package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/types"
)

// GateInterval between billing cycles.
const GateInterval = 5 * time.Minute

// DefaultPlatformFeePercent of billed runtime is retained by the
// platform; the remainder accrues to the hosting node's payout.
const DefaultPlatformFeePercent = 15

// NodeShare is the node's fraction of billed runtime under the default
// platform fee.
var NodeShare = nodeShareOf(DefaultPlatformFeePercent)

func nodeShareOf(feePercent float64) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(decimal.NewFromFloat(feePercent).Div(decimal.NewFromInt(100)))
}

// BalanceService is the external blockchain-backed balance subsystem.
type BalanceService interface {
	AvailableBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	Charge(ctx context.Context, userID string, amount decimal.Decimal, memo string) error
	Credit(ctx context.Context, walletAddress string, amount decimal.Decimal, memo string) error
}

// ObligationCreator creates obligations with dedup.
type ObligationCreator interface {
	Create(ob *types.Obligation) *types.Obligation
}

// Gate bills running VMs on a fixed cycle. It reads the attestation
// engine's billingPaused verdict and never bills unverified runtime.
type Gate struct {
	state       *state.Store
	balance     BalanceService
	obligations ObligationCreator
	broker      *events.Broker
	logger      zerolog.Logger

	interval  time.Duration
	nodeShare decimal.Decimal
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewGate creates the billing gate
func NewGate(st *state.Store, balance BalanceService, obligations ObligationCreator, broker *events.Broker) *Gate {
	return &Gate{
		state:       st,
		balance:     balance,
		obligations: obligations,
		broker:      broker,
		logger:      log.WithComponent("billing"),
		interval:    GateInterval,
		nodeShare:   NodeShare,
		stopCh:      make(chan struct{}),
	}
}

// SetInterval overrides the billing cadence. Call before Start.
func (g *Gate) SetInterval(d time.Duration) {
	if d > 0 {
		g.interval = d
	}
}

// SetPlatformFee sets the platform's percentage of billed runtime.
// Call before Start; out-of-range values keep the default.
func (g *Gate) SetPlatformFee(percent float64) {
	if percent >= 0 && percent <= 100 {
		g.nodeShare = nodeShareOf(percent)
	}
}

// Start begins the billing loop
func (g *Gate) Start(ctx context.Context) {
	go g.run(ctx)
}

// Stop stops the loop
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *Gate) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Cycle(ctx)
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Cycle bills every running VM with an owner once.
func (g *Gate) Cycle(ctx context.Context) {
	defer metrics.BillingCyclesTotal.Inc()

	for _, vm := range g.state.GetRunningVms() {
		if vm.OwnerID == "" {
			continue
		}
		if err := g.BillVm(ctx, vm); err != nil {
			g.logger.Warn().Str("vm_id", vm.ID).Err(err).Msg("billing deferred to next cycle")
		}
	}
}

// BillVm settles one VM's runtime since its last billing mark. Paused
// VMs accrue unverified minutes and are never charged. An error means
// nothing was recorded; the next cycle retries the same window.
func (g *Gate) BillVm(ctx context.Context, vm *types.VirtualMachine) error {
	now := time.Now().UTC()
	since := vm.LastBilledAt
	if since.IsZero() {
		since = vm.CreatedAt
	}
	minutes := now.Sub(since).Minutes()
	if minutes <= 0 {
		return nil
	}

	if vm.AttestationStats != nil && vm.AttestationStats.BillingPaused {
		vm.UnverifiedRuntimeMinutes += minutes
		vm.LastBilledAt = now
		g.state.SaveVm(vm)
		g.logger.Debug().Str("vm_id", vm.ID).Float64("minutes", minutes).
			Str("reason", vm.AttestationStats.BillingPausedReason).Msg("billing paused, runtime unverified")
		return nil
	}

	cost := vm.HourlyRate.Mul(decimal.NewFromFloat(minutes)).Div(decimal.NewFromInt(60))
	if !cost.IsPositive() {
		return nil
	}

	balance, err := g.balance.AvailableBalance(ctx, vm.OwnerID)
	if err != nil {
		return fmt.Errorf("balance lookup for %s failed: %w", vm.OwnerID, err)
	}
	if balance.LessThan(cost) {
		g.stopForInsufficientFunds(vm, cost, balance)
		return nil
	}

	if err := g.balance.Charge(ctx, vm.OwnerID, cost, "vm "+vm.ID+" runtime"); err != nil {
		return fmt.Errorf("charge for vm %s failed: %w", vm.ID, err)
	}

	g.state.SaveUsageRecord(&types.UsageRecord{
		ID:          uuid.New().String(),
		UserID:      vm.OwnerID,
		VmID:        vm.ID,
		NodeID:      vm.NodeID,
		PeriodStart: since,
		PeriodEnd:   now,
		Cost:        cost,
		CreatedAt:   now,
	})
	metrics.UsageRecordsTotal.Inc()

	vm.LastBilledAt = now
	vm.VerifiedRuntimeMinutes += minutes
	g.state.SaveVm(vm)

	if node, err := g.state.GetNode(vm.NodeID); err == nil {
		node.PendingPayout = node.PendingPayout.Add(cost.Mul(g.nodeShare))
		g.state.SaveNode(node)
	}

	g.broker.PublishVm(events.EventBillingCharged, vm.ID, vm.NodeID, cost.String())
	return nil
}

// stopForInsufficientFunds emits a vm.stop obligation rather than
// stopping inline, so the stop flows through the engine like any other
// transition.
func (g *Gate) stopForInsufficientFunds(vm *types.VirtualMachine, cost, balance decimal.Decimal) {
	g.logger.Warn().Str("vm_id", vm.ID).Str("owner", vm.OwnerID).
		Str("cost", cost.String()).Str("balance", balance.String()).Msg("insufficient funds, stopping vm")

	g.obligations.Create(&types.Obligation{
		Type:         types.ObTypeVmStop,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     10,
		Data:         map[string]string{"reason": "Insufficient funds"},
	})
	g.broker.PublishVm(events.EventVmStoppedNoFunds, vm.ID, vm.NodeID, "insufficient funds")
}

// SettleNode pays out the node's pending balance on chain and marks its
// usage records settled.
func (g *Gate) SettleNode(ctx context.Context, nodeID string) error {
	node, err := g.state.GetNode(nodeID)
	if err != nil {
		return fmt.Errorf("unknown node %s", nodeID)
	}
	if !node.PendingPayout.IsPositive() {
		return nil
	}

	if err := g.balance.Credit(ctx, node.WalletAddress, node.PendingPayout, "node payout"); err != nil {
		return fmt.Errorf("payout to node %s failed: %w", nodeID, err)
	}

	settled := node.PendingPayout
	node.PendingPayout = decimal.Zero
	g.state.SaveNode(node)

	for _, rec := range g.state.GetUnpaidUsage() {
		if rec.NodeID != nodeID {
			continue
		}
		rec.SettledOnChain = true
		g.state.SaveUsageRecord(rec)
	}

	g.logger.Info().Str("node_id", nodeID).Str("amount", settled.String()).Msg("node payout settled")
	return nil
}

// SettleTemplateFee charges the VM owner the template's fee share of
// one hour of runtime and credits the template creator's wallet.
func (g *Gate) SettleTemplateFee(ctx context.Context, vm *types.VirtualMachine, tpl *types.VmTemplate) error {
	fee := vm.HourlyRate.Mul(tpl.FeePercent).Div(decimal.NewFromInt(100))
	if !fee.IsPositive() {
		return nil
	}

	creator, err := g.state.GetUser(tpl.CreatorID)
	if err != nil {
		return fmt.Errorf("template creator %s not found", tpl.CreatorID)
	}

	if err := g.balance.Charge(ctx, vm.OwnerID, fee, "template fee "+tpl.Slug); err != nil {
		return fmt.Errorf("template fee charge failed: %w", err)
	}
	if err := g.balance.Credit(ctx, creator.WalletAddress, fee, "template fee "+tpl.Slug); err != nil {
		return fmt.Errorf("template fee credit failed: %w", err)
	}

	g.logger.Info().Str("vm_id", vm.ID).Str("template", tpl.Slug).
		Str("fee", fee.String()).Msg("template fee settled")
	return nil
}
