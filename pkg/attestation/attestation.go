package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/types"
)

const (
	// MaxProcessingMs is the key-extraction defence: a hostile node
	// cannot dump guest memory and forge a signature inside this
	// window.
	MaxProcessingMs = 50.0

	// SafetyMarginMs pads the adaptive timeout over RTT + processing.
	SafetyMarginMs = 20.0

	// MaxChallengeTimeout caps the adaptive timeout.
	MaxChallengeTimeout = 500 * time.Millisecond

	// Memory must be reported within these multiples of expectation.
	MemoryLowerBound = 0.85
	MemoryUpperBound = 1.15

	// Memory-touch limits; slower means swapped or overcommitted.
	MemoryTouchMaxTotalMs = 50.0
	MemoryTouchMaxPageMs  = 5.0

	// FailureThreshold consecutive failures pause billing;
	// RecoveryThreshold consecutive successes resume it.
	FailureThreshold  = 3
	RecoveryThreshold = 2

	// RTT smoothing and recalibration triggers.
	rttEmaAlpha       = 0.3
	recalibrateAfter  = 24 * time.Hour
	recalibrateDrift  = 0.30
	recalibrateJitter = 0.5
)

// Engine issues liveness challenges and owns each VM's liveness state.
// The billing gate reads billingPaused; it never writes it.
type Engine struct {
	state  *state.Store
	agent  agent.Caller
	broker *events.Broker
	logger zerolog.Logger

	maxTimeout        time.Duration
	failureThreshold  int
	recoveryThreshold int
}

// NewEngine creates the attestation engine
func NewEngine(st *state.Store, agentClient agent.Caller, broker *events.Broker) *Engine {
	return &Engine{
		state:             st,
		agent:             agentClient,
		broker:            broker,
		logger:            log.WithComponent("attestation"),
		maxTimeout:        MaxChallengeTimeout,
		failureThreshold:  FailureThreshold,
		recoveryThreshold: RecoveryThreshold,
	}
}

// Configure overrides the timeout cap and the pause/resume thresholds.
// Call before the service starts; non-positive values keep defaults.
func (e *Engine) Configure(maxTimeout time.Duration, failureThreshold, recoveryThreshold int) {
	if maxTimeout > 0 {
		e.maxTimeout = maxTimeout
	}
	if failureThreshold > 0 {
		e.failureThreshold = failureThreshold
	}
	if recoveryThreshold > 0 {
		e.recoveryThreshold = recoveryThreshold
	}
}

// CanonicalMessage is the exact byte string the guest signs.
func CanonicalMessage(c *types.AttestationChallenge, r *types.AttestationResponse) string {
	return fmt.Sprintf("%s|%d|%s|%d|%d|%d|%s|%s|%.3f|%s",
		r.Nonce, c.Timestamp, c.VmID,
		r.Metrics.CPUCores, r.Metrics.MemoryKb,
		r.MemoryTouch.PagesTouched, r.MemoryTouch.ContentHash,
		r.Metrics.BootID, r.Metrics.UptimeSec, r.EphemeralPubKey)
}

// NewChallenge builds a fresh challenge for the VM.
func NewChallenge(vm *types.VirtualMachine) (*types.AttestationChallenge, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &types.AttestationChallenge{
		ChallengeID:      uuid.New().String(),
		VmID:             vm.ID,
		Nonce:            hex.EncodeToString(nonce),
		Timestamp:        time.Now().Unix(),
		ExpectedCores:    vm.Spec.VirtualCpuCores,
		ExpectedMemoryMb: vm.Spec.MemoryBytes / (1024 * 1024),
	}, nil
}

// ChallengeTimeout computes the adaptive per-VM timeout: current RTT
// plus maximum processing plus margin, capped.
func ChallengeTimeout(vm *types.VirtualMachine) time.Duration {
	rtt := 0.0
	if vm.NetworkMetrics != nil {
		rtt = vm.NetworkMetrics.CurrentRttMs
	}
	timeout := time.Duration(rtt+MaxProcessingMs+SafetyMarginMs) * time.Millisecond
	if timeout > MaxChallengeTimeout {
		return MaxChallengeTimeout
	}
	return timeout
}

// challengeTimeout applies the engine's configured cap on top of the
// adaptive timeout.
func (e *Engine) challengeTimeout(vm *types.VirtualMachine) time.Duration {
	timeout := ChallengeTimeout(vm)
	if timeout > e.maxTimeout {
		return e.maxTimeout
	}
	return timeout
}

// Challenge runs one full attestation round against the VM and applies
// the outcome to its liveness state. The returned error reflects only
// infrastructure trouble reaching the node, not a failed verification.
func (e *Engine) Challenge(ctx context.Context, vm *types.VirtualMachine) error {
	node, err := e.state.GetNode(vm.NodeID)
	if err != nil {
		return fmt.Errorf("vm %s has no resolvable node %s", vm.ID, vm.NodeID)
	}

	challenge, err := NewChallenge(vm)
	if err != nil {
		return err
	}

	resp, rtt, err := e.agent.SendChallenge(ctx, node, vm.ID, challenge, e.challengeTimeout(vm))
	rttMs := float64(rtt.Microseconds()) / 1000

	currentRtt := 0.0
	if vm.NetworkMetrics != nil {
		currentRtt = vm.NetworkMetrics.CurrentRttMs
	}
	processingMs := rttMs - currentRtt

	record := &types.Attestation{
		ID:           uuid.New().String(),
		VmID:         vm.ID,
		NodeID:       vm.NodeID,
		ChallengeID:  challenge.ChallengeID,
		Timestamp:    time.Now().UTC(),
		RoundTripMs:  rttMs,
		ProcessingMs: processingMs,
	}

	if err != nil {
		record.FailureReason = "Challenge unreachable: " + err.Error()
		e.applyOutcome(vm, record, rttMs)
		return nil
	}

	record.ReportedCores = resp.Metrics.CPUCores
	record.ReportedMemoryKb = resp.Metrics.MemoryKb
	record.BootID = resp.Metrics.BootID
	record.MachineID = resp.Metrics.MachineID

	if reason := e.verify(vm, challenge, resp, processingMs); reason != "" {
		record.FailureReason = reason
	} else {
		record.Passed = true
	}
	e.applyOutcome(vm, record, rttMs)
	return nil
}

// verify applies every pass condition in order and returns the first
// failure reason, or "" on a clean pass.
func (e *Engine) verify(vm *types.VirtualMachine, c *types.AttestationChallenge, r *types.AttestationResponse, processingMs float64) string {
	if r.Metrics == nil || r.MemoryTouch == nil {
		return "Incomplete response"
	}
	if processingMs > MaxProcessingMs {
		return "Processing time too slow"
	}
	if r.Nonce != c.Nonce {
		return "Nonce mismatch"
	}

	pubKey, err := hex.DecodeString(r.EphemeralPubKey)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return "Malformed ephemeral public key"
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "Malformed signature"
	}
	if !ed25519.Verify(pubKey, []byte(CanonicalMessage(c, r)), sig) {
		return "Invalid signature"
	}

	if r.Metrics.CPUCores < c.ExpectedCores {
		return "Insufficient CPU cores"
	}
	expectedKb := c.ExpectedMemoryMb * 1024
	if expectedKb > 0 {
		reported := float64(r.Metrics.MemoryKb)
		if reported < MemoryLowerBound*float64(expectedKb) || reported > MemoryUpperBound*float64(expectedKb) {
			return "Memory out of bounds"
		}
	}
	if r.MemoryTouch.TotalMs > MemoryTouchMaxTotalMs || r.MemoryTouch.MaxSinglePageMs > MemoryTouchMaxPageMs {
		return "Memory touch too slow"
	}

	if stats := vm.AttestationStats; stats != nil {
		if stats.LastMachineID != "" && r.Metrics.MachineID != stats.LastMachineID {
			return "Machine identity changed"
		}
		if stats.LastBootID != "" && r.Metrics.BootID != stats.LastBootID {
			e.logger.Warn().Str("vm_id", vm.ID).Str("old_boot_id", stats.LastBootID).
				Str("new_boot_id", r.Metrics.BootID).Msg("vm rebooted since last attestation")
		}
	}
	return ""
}

// applyOutcome updates the VM's liveness counters, billing pause state,
// RTT metrics and the audit trail.
func (e *Engine) applyOutcome(vm *types.VirtualMachine, record *types.Attestation, rttMs float64) {
	if vm.AttestationStats == nil {
		vm.AttestationStats = &types.VmLivenessState{}
	}
	stats := vm.AttestationStats
	stats.LastChallengeAt = time.Now().UTC()

	if record.Passed {
		metrics.AttestationsTotal.WithLabelValues("pass").Inc()
		stats.ConsecutiveSuccesses++
		stats.ConsecutiveFailures = 0
		stats.TotalSuccesses++
		if record.MachineID != "" {
			stats.LastMachineID = record.MachineID
		}
		if record.BootID != "" {
			stats.LastBootID = record.BootID
		}
		if stats.BillingPaused && stats.ConsecutiveSuccesses >= e.recoveryThreshold {
			stats.BillingPaused = false
			stats.BillingPausedReason = ""
			e.broker.PublishVm(events.EventBillingResumed, vm.ID, vm.NodeID, "attestation recovered")
			e.logger.Info().Str("vm_id", vm.ID).Msg("billing resumed after attestation recovery")
		}
	} else {
		metrics.AttestationsTotal.WithLabelValues("fail").Inc()
		stats.ConsecutiveFailures++
		stats.ConsecutiveSuccesses = 0
		stats.TotalFailures++
		e.broker.PublishVm(events.EventAttestationFail, vm.ID, vm.NodeID, record.FailureReason)
		if !stats.BillingPaused && stats.ConsecutiveFailures >= e.failureThreshold {
			stats.BillingPaused = true
			stats.BillingPausedReason = record.FailureReason
			stats.BillingPausedAt = time.Now().UTC()
			e.broker.PublishVm(events.EventBillingPaused, vm.ID, vm.NodeID, record.FailureReason)
			e.logger.Warn().Str("vm_id", vm.ID).Str("reason", record.FailureReason).
				Msg("billing paused after consecutive attestation failures")
		}
	}

	e.updateRtt(vm, rttMs)

	e.state.SaveAttestation(record)
	e.state.SaveVm(vm)
}

// updateRtt folds the observed round trip into the VM's EMA and
// recalibrates the baseline when it has drifted or gone stale.
func (e *Engine) updateRtt(vm *types.VirtualMachine, rttMs float64) {
	if rttMs <= 0 {
		return
	}
	if vm.NetworkMetrics == nil {
		vm.NetworkMetrics = &types.NetworkMetrics{
			BaselineRttMs:    rttMs,
			CurrentRttMs:     rttMs,
			LastCalibratedAt: time.Now().UTC(),
		}
		return
	}

	nm := vm.NetworkMetrics
	deviation := rttMs - nm.CurrentRttMs
	if deviation < 0 {
		deviation = -deviation
	}
	nm.CurrentRttMs = rttEmaAlpha*rttMs + (1-rttEmaAlpha)*nm.CurrentRttMs
	nm.RttStdDevMs = rttEmaAlpha*deviation + (1-rttEmaAlpha)*nm.RttStdDevMs

	if e.needsRecalibration(nm) {
		e.logger.Debug().Str("vm_id", vm.ID).Float64("baseline_ms", nm.BaselineRttMs).
			Float64("current_ms", nm.CurrentRttMs).Msg("recalibrating rtt baseline")
		nm.BaselineRttMs = nm.CurrentRttMs
		nm.RttStdDevMs = 0
		nm.LastCalibratedAt = time.Now().UTC()
	}
}

func (e *Engine) needsRecalibration(nm *types.NetworkMetrics) bool {
	if time.Since(nm.LastCalibratedAt) > recalibrateAfter {
		return true
	}
	if nm.BaselineRttMs > 0 {
		drift := (nm.CurrentRttMs - nm.BaselineRttMs) / nm.BaselineRttMs
		if drift < 0 {
			drift = -drift
		}
		if drift > recalibrateDrift {
			return true
		}
	}
	if nm.CurrentRttMs > 0 && nm.RttStdDevMs/nm.CurrentRttMs > recalibrateJitter {
		return true
	}
	return false
}
