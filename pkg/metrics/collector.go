package metrics

import (
	"time"

	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/types"
)

// Collector periodically samples the state store into Prometheus gauges
type Collector struct {
	store  *state.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store *state.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	nodesByStatus := make(map[types.NodeStatus]int)
	var totalPoints, reservedPoints int
	for _, node := range c.store.GetActiveNodes() {
		nodesByStatus[node.Status]++
		if node.Status == types.NodeStatusOnline {
			totalPoints += node.TotalComputePoints()
			reservedPoints += node.ReservedComputePoints
		}
	}
	NodesTotal.Reset()
	for status, count := range nodesByStatus {
		NodesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	ComputePointsTotal.Set(float64(totalPoints))
	ComputePointsReserved.Set(float64(reservedPoints))

	vmsByStatus := make(map[types.VmStatus]int)
	var paused int
	for _, vm := range c.store.GetHotVms() {
		vmsByStatus[vm.Status]++
		if vm.AttestationStats != nil && vm.AttestationStats.BillingPaused {
			paused++
		}
	}
	VmsTotal.Reset()
	for status, count := range vmsByStatus {
		VmsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
	BillingPausedVms.Set(float64(paused))
}
