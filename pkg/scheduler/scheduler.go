package scheduler

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/types"
)

// Rejection reasons emitted by the hard filter and the cost check.
const (
	RejectNotOnline          = "not-online"
	RejectStaleHeartbeat     = "stale-heartbeat"
	RejectArchMismatch       = "architecture-mismatch"
	RejectRegionMismatch     = "region-mismatch"
	RejectZoneMismatch       = "zone-mismatch"
	RejectLowReputation      = "reputation-below-minimum"
	RejectBenchmarkBelowTier = "benchmark-below-tier"
	RejectUtilisation        = "utilisation-limit"
	RejectLowFreeMemory      = "free-memory-floor"
	RejectHighLoad           = "load-average"
	RejectNoPoints           = "insufficient-compute-points"
	RejectNoMemory           = "insufficient-memory"
	RejectNoStorage          = "insufficient-storage"
	RejectUnknownTier        = "unknown-tier"
)

// Placement is a successful scheduling decision
type Placement struct {
	NodeID           string
	ComputePointCost int
	Score            float64
}

// NoFitError reports why every candidate node was rejected
type NoFitError struct {
	Candidates int
	Reasons    map[string]int // rejection reason -> node count
}

func (e *NoFitError) Error() string {
	if e.Candidates == 0 {
		return "no node fits: no candidate nodes"
	}
	parts := make([]string, 0, len(e.Reasons))
	for reason, n := range e.Reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, n))
	}
	sort.Strings(parts)
	return fmt.Sprintf("no node fits: %d candidates rejected (%s)", e.Candidates, strings.Join(parts, ", "))
}

// IsNoFit reports whether err is a scheduling rejection
func IsNoFit(err error) bool {
	_, ok := err.(*NoFitError)
	return ok
}

// Scheduler places VMs onto nodes by compute-point cost and a weighted
// score. It reads node and VM state from the hot store and writes the
// point reservation through on commit.
type Scheduler struct {
	state  *state.Store
	images ImageLookup
	logger zerolog.Logger

	mu     sync.RWMutex
	config *types.SchedulingConfig
}

// ImageLookup resolves image IDs for the architecture filter.
type ImageLookup interface {
	GetImage(id string) (*types.Image, error)
}

// NewScheduler creates a scheduler over the state store
func NewScheduler(st *state.Store, images ImageLookup, cfg *types.SchedulingConfig) *Scheduler {
	if cfg == nil {
		cfg = types.DefaultSchedulingConfig()
	}
	return &Scheduler{
		state:  st,
		images: images,
		logger: log.WithComponent("scheduler"),
		config: cfg,
	}
}

// Config returns the active scheduling policy.
func (s *Scheduler) Config() *types.SchedulingConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig swaps the scheduling policy. Weight validation happens at
// config load, not here.
func (s *Scheduler) SetConfig(cfg *types.SchedulingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}

// Schedule picks a node for the spec and commits the compute-point
// reservation. On failure it returns a NoFitError describing every
// rejection.
func (s *Scheduler) Schedule(vmID string, spec *types.VmSpec) (*Placement, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	s.mu.RLock()
	cfg := s.config
	s.mu.RUnlock()

	tier, ok := cfg.Tiers[spec.QualityTier]
	if !ok {
		metrics.PlacementRejections.WithLabelValues(RejectUnknownTier).Inc()
		return nil, &NoFitError{Reasons: map[string]int{RejectUnknownTier: 1}}
	}
	cost := pointCost(spec.VirtualCpuCores, tier, cfg)

	var arch string
	if s.images != nil && spec.ImageID != "" {
		if img, err := s.images.GetImage(spec.ImageID); err == nil {
			arch = img.Architecture
		}
	}

	nodes := s.state.GetActiveNodes()
	noFit := &NoFitError{Candidates: len(nodes), Reasons: make(map[string]int)}

	type candidate struct {
		node  *types.Node
		score float64
	}
	var candidates []candidate

	for _, node := range nodes {
		if reason := s.filterNode(node, spec, arch, tier, cost, cfg); reason != "" {
			noFit.Reasons[reason]++
			metrics.PlacementRejections.WithLabelValues(reason).Inc()
			continue
		}
		candidates = append(candidates, candidate{
			node:  node,
			score: s.scoreNode(node, spec, cfg),
		})
	}

	if len(candidates) == 0 {
		s.logger.Warn().Str("vm_id", vmID).Str("tier", string(spec.QualityTier)).
			Int("cost", cost).Int("candidates", noFit.Candidates).Msg("no node fits")
		return nil, noFit
	}

	// Deterministic winner: score, then available points, then node ID.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		ai := s.effectiveAvailable(candidates[i].node)
		aj := s.effectiveAvailable(candidates[j].node)
		if ai != aj {
			return ai > aj
		}
		return candidates[i].node.ID < candidates[j].node.ID
	})

	winner := candidates[0]
	s.Commit(winner.node.ID, cost)
	metrics.VmsPlaced.Inc()

	s.logger.Info().Str("vm_id", vmID).Str("node_id", winner.node.ID).
		Int("cost", cost).Float64("score", winner.score).Msg("vm placed")

	return &Placement{NodeID: winner.node.ID, ComputePointCost: cost, Score: winner.score}, nil
}

// filterNode applies the hard predicates, returning the first rejection
// reason or "" for a pass.
func (s *Scheduler) filterNode(node *types.Node, spec *types.VmSpec, arch string, tier types.TierPolicy, cost int, cfg *types.SchedulingConfig) string {
	if node.Status != types.NodeStatusOnline {
		return RejectNotOnline
	}
	if node.LastHeartbeat.IsZero() || time.Since(node.LastHeartbeat) > cfg.HeartbeatStaleAfter {
		return RejectStaleHeartbeat
	}
	if arch != "" && node.Hardware != nil && node.Hardware.Architecture != "" &&
		node.Hardware.Architecture != arch {
		return RejectArchMismatch
	}
	// Declared placement constraints are hard only when both sides
	// declare; undeclared node locality is handled by the score.
	if spec.Region != "" && node.Region != "" && node.Region != spec.Region {
		return RejectRegionMismatch
	}
	if spec.Zone != "" && node.Zone != "" && node.Zone != spec.Zone {
		return RejectZoneMismatch
	}
	if spec.MinNodeReputationScore > 0 && node.Reputation.Score() < spec.MinNodeReputationScore {
		return RejectLowReputation
	}
	if node.Hardware == nil || node.Hardware.CPU == nil ||
		node.Hardware.CPU.BenchmarkScore < tier.MinimumBenchmark {
		return RejectBenchmarkBelowTier
	}

	if m := node.LatestMetrics; m != nil {
		projectedMem := m.MemoryUsagePercent
		if node.Hardware.MemoryBytes > 0 {
			projectedMem += float64(spec.MemoryBytes) / float64(node.Hardware.MemoryBytes) * 100
		}
		if m.CPUUsagePercent > cfg.Safety.MaxUtilisationPercent ||
			projectedMem > cfg.Safety.MaxUtilisationPercent {
			return RejectUtilisation
		}
		if m.FreeMemoryBytes-spec.MemoryBytes < cfg.Safety.MinFreeMemoryBytes {
			return RejectLowFreeMemory
		}
		if m.LoadAverage > cfg.Safety.MaxLoadAverage {
			return RejectHighLoad
		}
	}

	if s.effectiveAvailable(node) < cost {
		return RejectNoPoints
	}
	if r := node.AvailableResources; r != nil {
		if r.MemoryBytes < spec.MemoryBytes {
			return RejectNoMemory
		}
		storageBudget := int64(float64(r.StorageBytes) * tier.StorageOvercommitRatio)
		if storageBudget < spec.DiskBytes {
			return RejectNoStorage
		}
	}
	return ""
}

// pointCost converts vCPUs to compute points for a tier: faster tiers
// on stricter overcommit cost more points per vCPU.
func pointCost(vcpus int, tier types.TierPolicy, cfg *types.SchedulingConfig) int {
	multiplier := float64(tier.MinimumBenchmark) / float64(cfg.BaselineBenchmark) *
		(cfg.BaselineOvercommitRatio / tier.CpuOvercommitRatio)
	if multiplier > cfg.MaxPerformanceMultiplier {
		multiplier = cfg.MaxPerformanceMultiplier
	}
	pointsPerVCpu := multiplier * types.ComputePointsPerCore
	return int(math.Ceil(float64(vcpus) * pointsPerVCpu))
}

// liveUsedPoints recomputes reservation from the live VM set so that a
// drifted reservedComputePoints never hides real capacity or real
// pressure.
func (s *Scheduler) liveUsedPoints(nodeID string) int {
	used := 0
	for _, vm := range s.state.GetVmsByNode(nodeID) {
		if vm.Status.IsActive() {
			used += vm.Spec.ComputePointCost
		}
	}
	return used
}

// effectiveAvailable is total minus the larger of the stored
// reservation and the live usage.
func (s *Scheduler) effectiveAvailable(node *types.Node) int {
	reserved := node.ReservedComputePoints
	if live := s.liveUsedPoints(node.ID); live > reserved {
		reserved = live
	}
	avail := node.TotalComputePoints() - reserved
	if avail < 0 {
		return 0
	}
	return avail
}

// Commit reserves cost points on the node, correcting any drift against
// the live VM set, and writes the node through.
func (s *Scheduler) Commit(nodeID string, cost int) {
	node, err := s.state.GetNode(nodeID)
	if err != nil {
		return
	}
	reserved := s.liveUsedPoints(nodeID) + cost
	if total := node.TotalComputePoints(); reserved > total {
		reserved = total
	}
	node.ReservedComputePoints = reserved
	s.state.SaveNode(node)
}

// Release drops a reservation after a downstream failure by re-deriving
// it from the live VM set. Safe to call more than once.
func (s *Scheduler) Release(nodeID string) {
	node, err := s.state.GetNode(nodeID)
	if err != nil {
		return
	}
	node.ReservedComputePoints = s.liveUsedPoints(nodeID)
	s.state.SaveNode(node)
}
