package attestation

import (
	"context"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/types"
)

const (
	// wakeInterval is how often the service looks for due VMs.
	wakeInterval = 30 * time.Second

	// Fresh VMs are challenged aggressively to catch early fraud,
	// then settle to the steady cadence.
	earlyPhase     = 5 * time.Minute
	earlyInterval  = time.Minute
	steadyInterval = time.Hour

	// staggerDelay between challenge launches in one wake.
	staggerDelay = 50 * time.Millisecond
)

// Service drives periodic attestation of every running VM.
type Service struct {
	engine *Engine

	earlyInterval  time.Duration
	steadyInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService creates the attestation scheduler
func NewService(engine *Engine) *Service {
	return &Service{
		engine:         engine,
		earlyInterval:  earlyInterval,
		steadyInterval: steadyInterval,
		stopCh:         make(chan struct{}),
	}
}

// SetCadence overrides the startup and steady-state challenge
// intervals. Call before Start; non-positive values keep defaults.
func (s *Service) SetCadence(early, steady time.Duration) {
	if early > 0 {
		s.earlyInterval = early
	}
	if steady > 0 {
		s.steadyInterval = steady
	}
}

// Start begins the challenge loop
func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop stops the loop; an in-flight sweep finishes.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep challenges every running VM whose next-due time has elapsed,
// staggered to avoid a thundering herd on the agents.
func (s *Service) Sweep(ctx context.Context) {
	due := s.dueVms(time.Now())
	for i, vm := range due {
		if i > 0 {
			select {
			case <-time.After(staggerDelay):
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
		if err := s.engine.Challenge(ctx, vm); err != nil {
			s.engine.logger.Warn().Str("vm_id", vm.ID).Err(err).Msg("attestation challenge not issued")
		}
	}
}

func (s *Service) dueVms(now time.Time) []*types.VirtualMachine {
	var due []*types.VirtualMachine
	for _, vm := range s.engine.state.GetRunningVms() {
		if vm.NodeID == "" {
			continue
		}
		if !now.Before(s.nextDue(vm, now)) {
			due = append(due, vm)
		}
	}
	return due
}

// nextDue computes when the VM should be challenged next.
func (s *Service) nextDue(vm *types.VirtualMachine, now time.Time) time.Time {
	interval := s.steadyInterval
	if now.Sub(vm.CreatedAt) < earlyPhase {
		interval = s.earlyInterval
	}
	if vm.AttestationStats == nil || vm.AttestationStats.LastChallengeAt.IsZero() {
		return now
	}
	return vm.AttestationStats.LastChallengeAt.Add(interval)
}
