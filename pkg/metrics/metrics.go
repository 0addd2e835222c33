package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	VmsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_vms_total",
			Help: "Total number of VMs by status",
		},
		[]string{"status"},
	)

	ComputePointsReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_compute_points_reserved",
			Help: "Compute points reserved across the fleet",
		},
	)

	ComputePointsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_compute_points_total",
			Help: "Total compute points across online nodes",
		},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corral_reconciliation_duration_seconds",
			Help:    "Reconciliation tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_reconciliation_cycles_total",
			Help: "Total number of reconciliation ticks",
		},
	)

	ObligationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_obligations_active",
			Help: "Number of non-terminal obligations",
		},
	)

	ObligationResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_obligation_results_total",
			Help: "Handler results by obligation type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corral_scheduling_latency_seconds",
			Help:    "Time taken to place a VM in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VmsPlaced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_vms_placed_total",
			Help: "Total number of VMs placed by the scheduler",
		},
	)

	PlacementRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_placement_rejections_total",
			Help: "Placement rejections by filter",
		},
		[]string{"filter"},
	)

	// Attestation metrics
	AttestationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_attestations_total",
			Help: "Attestation challenges by outcome",
		},
		[]string{"outcome"},
	)

	BillingPausedVms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_billing_paused_vms",
			Help: "Number of VMs with billing paused by attestation",
		},
	)

	RecoveryObligationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_recovery_obligations_total",
			Help: "Obligations created by the stuck-state scanner",
		},
	)

	// Billing metrics
	BillingCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_billing_cycles_total",
			Help: "Total number of billing passes",
		},
	)

	UsageRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_usage_records_total",
			Help: "Total number of usage records written",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(VmsTotal)
	prometheus.MustRegister(ComputePointsReserved)
	prometheus.MustRegister(ComputePointsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ObligationsActive)
	prometheus.MustRegister(ObligationResultsTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(VmsPlaced)
	prometheus.MustRegister(PlacementRejections)
	prometheus.MustRegister(AttestationsTotal)
	prometheus.MustRegister(BillingPausedVms)
	prometheus.MustRegister(RecoveryObligationsTotal)
	prometheus.MustRegister(BillingCyclesTotal)
	prometheus.MustRegister(UsageRecordsTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
