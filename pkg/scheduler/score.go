package scheduler

import (
	"github.com/corralhq/corral/pkg/types"
)

// scoreNode computes the weighted placement score in [0,1].
func (s *Scheduler) scoreNode(node *types.Node, spec *types.VmSpec, cfg *types.SchedulingConfig) float64 {
	w := cfg.Weights
	return w.Capacity*capacityScore(node, s.effectiveAvailable(node)) +
		w.Load*loadScore(node) +
		w.Reputation*node.Reputation.Score() +
		w.Locality*localityScore(node, spec)
}

func capacityScore(node *types.Node, available int) float64 {
	total := node.TotalComputePoints()
	if total == 0 {
		return 0
	}
	return float64(available) / float64(total)
}

func loadScore(node *types.Node) float64 {
	m := node.LatestMetrics
	if m == nil {
		return 0.5
	}
	worst := m.CPUUsagePercent
	if m.MemoryUsagePercent > worst {
		worst = m.MemoryUsagePercent
	}
	score := 1 - worst/100
	if score < 0 {
		return 0
	}
	return score
}

// localityScore prefers exact region+zone matches. A node with no
// declared locality is treated as a partial rather than a full match.
func localityScore(node *types.Node, spec *types.VmSpec) float64 {
	if spec.Region == "" && spec.Zone == "" {
		return 1.0
	}
	regionMatch := spec.Region == "" || node.Region == spec.Region
	zoneMatch := spec.Zone == "" || node.Zone == spec.Zone
	switch {
	case regionMatch && zoneMatch:
		return 1.0
	case regionMatch:
		return 0.5
	case zoneMatch:
		return 0.2
	default:
		return 0
	}
}
