package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Node represents a registered compute host in the marketplace
type Node struct {
	ID            string    `json:"id"`
	MachineID     string    `json:"machineId"`
	WalletAddress string    `json:"walletAddress"`
	APIKey        string    `json:"apiKey,omitempty"`
	PublicIP      string    `json:"publicIp"`
	AgentPort     int       `json:"agentPort"`
	Region        string    `json:"region,omitempty"`
	Zone          string    `json:"zone,omitempty"`
	Status        NodeStatus `json:"status"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	CreatedAt     time.Time `json:"createdAt"`

	Hardware *HardwareInventory `json:"hardware,omitempty"`

	// Derived capacity: total points come from physical cores, reserved
	// points are committed by the scheduler.
	ReservedComputePoints int `json:"reservedComputePoints"`

	LatestMetrics      *NodeMetrics       `json:"latestMetrics,omitempty"`
	AvailableResources *AvailableResources `json:"availableResources,omitempty"`

	SchedulingConfigVersion string `json:"schedulingConfigVersion,omitempty"`

	Reputation NodeReputation `json:"reputation"`

	RelayInfo            *RelayInfo `json:"relayInfo,omitempty"`
	CgnatInfo            *CgnatInfo `json:"cgnatInfo,omitempty"`
	DhtInfo              *DhtInfo   `json:"dhtInfo,omitempty"`
	SystemVmObligations  []string   `json:"systemVmObligations,omitempty"`

	PendingPayout decimal.Decimal `json:"pendingPayout"`

	// Push delivery state: consecutive failures disable direct push,
	// heartbeat pull remains authoritative.
	PushFailures int  `json:"pushFailures"`
	PushDisabled bool `json:"pushDisabled"`
}

// NodeStatus represents the current state of a node
type NodeStatus string

const (
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusMaintenance NodeStatus = "maintenance"
	NodeStatusDraining    NodeStatus = "draining"
	NodeStatusSuspended   NodeStatus = "suspended"
)

// ComputePointsPerCore is the normalised CPU currency: 8 points per
// physical core on the baseline CPU.
const ComputePointsPerCore = 8

// TotalComputePoints derives node capacity from the hardware inventory.
func (n *Node) TotalComputePoints() int {
	if n.Hardware == nil || n.Hardware.CPU == nil {
		return 0
	}
	return n.Hardware.CPU.PhysicalCores * ComputePointsPerCore
}

// AvailableComputePoints returns total minus reserved, floored at zero.
func (n *Node) AvailableComputePoints() int {
	avail := n.TotalComputePoints() - n.ReservedComputePoints
	if avail < 0 {
		return 0
	}
	return avail
}

// IsRelayEligible reports whether the node can host a relay VM: public
// reachability and no CGNAT.
func (n *Node) IsRelayEligible() bool {
	if n.PublicIP == "" {
		return false
	}
	return n.CgnatInfo == nil || n.CgnatInfo.NatType == NatTypeNone
}

// HardwareInventory describes the node's advertised hardware
type HardwareInventory struct {
	CPU            *CPUInfo        `json:"cpu,omitempty"`
	MemoryBytes    int64           `json:"memoryBytes"`
	StorageDevices []StorageDevice `json:"storageDevices,omitempty"`
	GPUs           []GPUInfo       `json:"gpus,omitempty"`
	Network        *NetworkInfo    `json:"network,omitempty"`
	Architecture   string          `json:"architecture,omitempty"`
}

// CPUInfo describes the node CPU
type CPUInfo struct {
	Model          string `json:"model"`
	PhysicalCores  int    `json:"physicalCores"`
	BenchmarkScore int    `json:"benchmarkScore"`
}

// StorageDevice describes a single storage device
type StorageDevice struct {
	Type  string `json:"type"` // "ssd", "nvme", "hdd"
	Bytes int64  `json:"bytes"`
}

// GPUInfo describes a single GPU
type GPUInfo struct {
	Model       string `json:"model"`
	MemoryBytes int64  `json:"memoryBytes"`
}

// NetworkInfo describes node networking
type NetworkInfo struct {
	PublicIP       string  `json:"publicIp,omitempty"`
	NatType        NatType `json:"natType,omitempty"`
	BandwidthMbps  int     `json:"bandwidthMbps,omitempty"`
}

// NatType classifies the node's NAT situation
type NatType string

const (
	NatTypeNone      NatType = "none"
	NatTypeFullCone  NatType = "full-cone"
	NatTypeSymmetric NatType = "symmetric"
	NatTypeCGNAT     NatType = "cgnat"
)

// NodeMetrics is the live utilisation snapshot reported in heartbeats
type NodeMetrics struct {
	CPUUsagePercent    float64 `json:"cpuUsagePercent"`
	MemoryUsagePercent float64 `json:"memoryUsagePercent"`
	LoadAverage        float64 `json:"loadAverage"`
	FreeMemoryBytes    int64   `json:"freeMemoryBytes"`
	FreeStorageBytes   int64   `json:"freeStorageBytes"`
}

// AvailableResources is the node's self-reported free capacity
type AvailableResources struct {
	CPUCores     int   `json:"cpuCores"`
	MemoryBytes  int64 `json:"memoryBytes"`
	StorageBytes int64 `json:"storageBytes"`
}

// NodeReputation tracks reliability over a rolling window
type NodeReputation struct {
	UptimePercentage        float64        `json:"uptimePercentage"`
	TotalVmsHosted          int            `json:"totalVmsHosted"`
	SuccessfulVmCompletions int            `json:"successfulVmCompletions"`
	FailedHeartbeatsByDay   map[string]int `json:"failedHeartbeatsByDay,omitempty"`
}

// ReputationWindowDays bounds the failed-heartbeat history.
const ReputationWindowDays = 30

// RecordFailedHeartbeat counts a missed heartbeat against the given
// day and trims entries outside the rolling window. Uptime takes a
// one-point hit, floored at zero.
func (r *NodeReputation) RecordFailedHeartbeat(now time.Time) {
	if r.FailedHeartbeatsByDay == nil {
		r.FailedHeartbeatsByDay = make(map[string]int)
	}
	day := now.UTC().Format("2006-01-02")
	r.FailedHeartbeatsByDay[day]++
	cutoff := now.UTC().AddDate(0, 0, -ReputationWindowDays).Format("2006-01-02")
	for d := range r.FailedHeartbeatsByDay {
		if d < cutoff {
			delete(r.FailedHeartbeatsByDay, d)
		}
	}
	r.UptimePercentage--
	if r.UptimePercentage < 0 {
		r.UptimePercentage = 0
	}
}

// RecordHealthyHeartbeat recovers uptime slowly, capped at 100.
func (r *NodeReputation) RecordHealthyHeartbeat() {
	r.UptimePercentage += 0.01
	if r.UptimePercentage > 100 {
		r.UptimePercentage = 100
	}
}

// Score blends uptime with the completion success ratio into [0,1].
func (r NodeReputation) Score() float64 {
	uptime := r.UptimePercentage / 100.0
	if r.TotalVmsHosted == 0 {
		return uptime
	}
	success := float64(r.SuccessfulVmCompletions) / float64(r.TotalVmsHosted)
	return 0.7*uptime + 0.3*success
}

// RelayInfo records a node's relay role binding
type RelayInfo struct {
	RelayVmID        string    `json:"relayVmId,omitempty"`
	ConnectedNodeIDs []string  `json:"connectedNodeIds,omitempty"`
	DeployedAt       time.Time `json:"deployedAt,omitempty"`
}

// CgnatInfo records a CGNAT node's relay assignment
type CgnatInfo struct {
	NatType     NatType `json:"natType"`
	RelayNodeID string  `json:"relayNodeId,omitempty"`
}

// DhtInfo records DHT participation
type DhtInfo struct {
	PeerID    string   `json:"peerId,omitempty"`
	Bootstrap []string `json:"bootstrap,omitempty"`
}

// VirtualMachine represents a user VM scheduled onto a node
type VirtualMachine struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	OwnerID   string   `json:"ownerId"`
	NodeID    string   `json:"nodeId,omitempty"` // empty while Pending
	Status    VmStatus `json:"status"`
	PowerState string  `json:"powerState,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`

	Spec VmSpec `json:"spec"`

	// Networking
	PrivateIP          string         `json:"privateIp,omitempty"`
	MacAddress         string         `json:"macAddress,omitempty"`
	PortMappings       []PortMapping  `json:"portMappings,omitempty"`
	IngressConfig      *IngressConfig `json:"ingressConfig,omitempty"`
	DirectAccessPorts  []int          `json:"directAccessPorts,omitempty"`
	ServiceReady       bool           `json:"serviceReady"`

	NetworkMetrics   *NetworkMetrics  `json:"networkMetrics,omitempty"`
	AttestationStats *VmLivenessState `json:"attestationStats,omitempty"`

	// Command tracking: at most one outstanding state-changing command.
	ActiveCommandID       string     `json:"activeCommandId,omitempty"`
	ActiveCommandIssuedAt *time.Time `json:"activeCommandIssuedAt,omitempty"`

	TemplateID   string          `json:"templateId,omitempty"`
	HourlyRate   decimal.Decimal `json:"hourlyRate"`
	LastBilledAt time.Time       `json:"lastBilledAt,omitempty"`

	VerifiedRuntimeMinutes   float64 `json:"verifiedRuntimeMinutes"`
	UnverifiedRuntimeMinutes float64 `json:"unverifiedRuntimeMinutes"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VmStatus represents VM lifecycle state
type VmStatus string

const (
	VmStatusPending      VmStatus = "pending"
	VmStatusScheduling   VmStatus = "scheduling"
	VmStatusProvisioning VmStatus = "provisioning"
	VmStatusRunning      VmStatus = "running"
	VmStatusStopping     VmStatus = "stopping"
	VmStatusStopped      VmStatus = "stopped"
	VmStatusDeleting     VmStatus = "deleting"
	VmStatusMigrating    VmStatus = "migrating"
	VmStatusError        VmStatus = "error"
	VmStatusDeleted      VmStatus = "deleted"
)

// IsTerminal reports whether the status is a resting state the pruner
// may evict from the hot set.
func (s VmStatus) IsTerminal() bool {
	return s == VmStatusStopped || s == VmStatusDeleted
}

// IsActive reports whether the VM belongs in the hot working set.
func (s VmStatus) IsActive() bool {
	switch s {
	case VmStatusScheduling, VmStatusProvisioning, VmStatusRunning, VmStatusStopping:
		return true
	}
	return false
}

// VmSpec is the user-requested shape of a VM
type VmSpec struct {
	VirtualCpuCores        int         `json:"virtualCpuCores"`
	MemoryBytes            int64       `json:"memoryBytes"`
	DiskBytes              int64       `json:"diskBytes"`
	QualityTier            QualityTier `json:"qualityTier"`
	ComputePointCost       int         `json:"computePointCost,omitempty"` // filled by scheduler
	ImageID                string      `json:"imageId"`
	Region                 string      `json:"region,omitempty"`
	Zone                   string      `json:"zone,omitempty"`
	MinNodeReputationScore float64     `json:"minNodeReputationScore,omitempty"`
	SchedulingTags         []string    `json:"schedulingTags,omitempty"`
}

// QualityTier orders service classes by overcommit: Guaranteed is the
// strictest, Burstable the loosest.
type QualityTier string

const (
	TierGuaranteed QualityTier = "guaranteed"
	TierStandard   QualityTier = "standard"
	TierBalanced   QualityTier = "balanced"
	TierBurstable  QualityTier = "burstable"
)

// PortMapping defines a VM port exposure
type PortMapping struct {
	Name          string `json:"name,omitempty"`
	GuestPort     int    `json:"guestPort"`
	HostPort      int    `json:"hostPort"`
	Protocol      string `json:"protocol"` // "tcp", "udp", "http", "ws"
}

// IngressConfig records the wired ingress for a VM
type IngressConfig struct {
	Hostname  string    `json:"hostname"`
	TLS       bool      `json:"tls"`
	WiredAt   time.Time `json:"wiredAt"`
}

// NetworkMetrics carries the RTT baseline and EMA used for adaptive
// attestation timeouts
type NetworkMetrics struct {
	BaselineRttMs    float64   `json:"baselineRttMs"`
	CurrentRttMs     float64   `json:"currentRttMs"`
	RttStdDevMs      float64   `json:"rttStdDevMs"`
	LastCalibratedAt time.Time `json:"lastCalibratedAt"`
}

// VmLivenessState is the attestation bookkeeping that gates billing
type VmLivenessState struct {
	LastBootID           string    `json:"lastBootId,omitempty"`
	LastMachineID        string    `json:"lastMachineId,omitempty"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	TotalSuccesses       int       `json:"totalSuccesses"`
	TotalFailures        int       `json:"totalFailures"`
	BillingPaused        bool      `json:"billingPaused"`
	BillingPausedReason  string    `json:"billingPausedReason,omitempty"`
	BillingPausedAt      time.Time `json:"billingPausedAt,omitempty"`
	LastChallengeAt      time.Time `json:"lastChallengeAt,omitempty"`
}

// Obligation is the reconciliation engine's unit of work
type Obligation struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	ResourceType string           `json:"resourceType"`
	ResourceID   string           `json:"resourceId"`
	Status       ObligationStatus `json:"status"`
	Message      string           `json:"message,omitempty"`

	DependsOn          []string `json:"dependsOn,omitempty"`
	ChildObligationIDs []string `json:"childObligationIds,omitempty"`
	ParentID           string   `json:"parentId,omitempty"`

	AttemptCount       int       `json:"attemptCount"`
	MaxAttempts        int       `json:"maxAttempts"`
	NextAttemptAfter   time.Time `json:"nextAttemptAfter,omitempty"`
	BackoffBaseSeconds int       `json:"backoffBaseSeconds"`
	LastAttemptAt      time.Time `json:"lastAttemptAt,omitempty"`

	Priority  int        `json:"priority"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	SignalKey string     `json:"signalKey,omitempty"`

	Data map[string]string `json:"data,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ObligationStatus represents obligation lifecycle state
type ObligationStatus string

const (
	ObligationPending          ObligationStatus = "pending"
	ObligationInProgress       ObligationStatus = "in-progress"
	ObligationWaitingForSignal ObligationStatus = "waiting-for-signal"
	ObligationCompleted        ObligationStatus = "completed"
	ObligationFailed           ObligationStatus = "failed"
	ObligationExpired          ObligationStatus = "expired"
	ObligationCancelled        ObligationStatus = "cancelled"
)

// IsTerminal reports whether the obligation can no longer transition.
func (s ObligationStatus) IsTerminal() bool {
	switch s {
	case ObligationCompleted, ObligationFailed, ObligationExpired, ObligationCancelled:
		return true
	}
	return false
}

// Well-known obligation types
const (
	ObTypeVmSchedule          = "vm.schedule"
	ObTypeVmProvision         = "vm.provision"
	ObTypeVmStart             = "vm.start"
	ObTypeVmStop              = "vm.stop"
	ObTypeVmDelete            = "vm.delete"
	ObTypeVmRegisterIngress   = "vm.register-ingress"
	ObTypeVmAllocatePorts     = "vm.allocate-ports"
	ObTypeVmSettleTemplateFee = "vm.settle-template-fee"
	ObTypeNodeAssignRelay     = "node.assign-relay"
	ObTypeNodeDeployRelayVm   = "node.deploy-relay-vm"
	ObTypeNodeEvaluatePerf    = "node.evaluate-performance"
	ObTypeBillingRecordUsage  = "billing.record-usage"
	ObTypeBillingSettle       = "billing.settle"
)

// NodeCommand is an instruction queued for a node's agent
type NodeCommand struct {
	CommandID        string      `json:"commandId"`
	Type             CommandType `json:"type"`
	Payload          string      `json:"payload,omitempty"`
	TargetResourceID string      `json:"targetResourceId,omitempty"`
	RequiresAck      bool        `json:"requiresAck"`
	QueuedAt         time.Time   `json:"queuedAt"`
	ExpiresAt        *time.Time  `json:"expiresAt,omitempty"`
}

// CommandType enumerates agent commands
type CommandType string

const (
	CommandCreateVm           CommandType = "create-vm"
	CommandStartVm            CommandType = "start-vm"
	CommandStopVm             CommandType = "stop-vm"
	CommandDeleteVm           CommandType = "delete-vm"
	CommandMigrateVm          CommandType = "migrate-vm"
	CommandUpdateAgent        CommandType = "update-agent"
	CommandCollectDiagnostics CommandType = "collect-diagnostics"
	CommandAllocatePort       CommandType = "allocate-port"
	CommandRemovePort         CommandType = "remove-port"
	CommandConfigureGpu       CommandType = "configure-gpu"
)

// CommandRegistration correlates an issued command with its VM for
// acknowledgement handling
type CommandRegistration struct {
	CommandID string      `json:"commandId"`
	VmID      string      `json:"vmId"`
	NodeID    string      `json:"nodeId"`
	Type      CommandType `json:"type"`
	IssuedAt  time.Time   `json:"issuedAt"`
}

// CommandAcknowledgment is POSTed by the agent after executing a command
type CommandAcknowledgment struct {
	CommandID    string            `json:"commandId"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	CompletedAt  time.Time         `json:"completedAt"`
	Data         map[string]string `json:"data,omitempty"`
}

// SchedulingConfig is the versioned global placement policy
type SchedulingConfig struct {
	Version                 string                      `json:"version"`
	BaselineBenchmark       int                         `json:"baselineBenchmark"`
	BaselineOvercommitRatio float64                     `json:"baselineOvercommitRatio"`
	MaxPerformanceMultiplier float64                    `json:"maxPerformanceMultiplier"`
	Tiers                   map[QualityTier]TierPolicy  `json:"tiers"`
	Weights                 ScoringWeights              `json:"weights"`
	Safety                  SafetyLimits                `json:"safety"`
	HeartbeatStaleAfter     time.Duration               `json:"heartbeatStaleAfter"`
}

// TierPolicy is the per-tier scheduling policy
type TierPolicy struct {
	MinimumBenchmark      int     `json:"minimumBenchmark"`
	CpuOvercommitRatio    float64 `json:"cpuOvercommitRatio"`
	StorageOvercommitRatio float64 `json:"storageOvercommitRatio"`
	PriceMultiplier       float64 `json:"priceMultiplier"`
}

// ScoringWeights must sum to 1.0
type ScoringWeights struct {
	Capacity   float64 `json:"capacity"`
	Load       float64 `json:"load"`
	Reputation float64 `json:"reputation"`
	Locality   float64 `json:"locality"`
}

// SafetyLimits bound node utilisation after placement
type SafetyLimits struct {
	MaxUtilisationPercent float64 `json:"maxUtilisationPercent"`
	MinFreeMemoryBytes    int64   `json:"minFreeMemoryBytes"`
	MaxLoadAverage        float64 `json:"maxLoadAverage"`
}

// DefaultSchedulingConfig returns the baseline policy
func DefaultSchedulingConfig() *SchedulingConfig {
	return &SchedulingConfig{
		Version:                  "",
		BaselineBenchmark:        1000,
		BaselineOvercommitRatio:  1.0,
		MaxPerformanceMultiplier: 4.0,
		Tiers: map[QualityTier]TierPolicy{
			TierGuaranteed: {MinimumBenchmark: 1500, CpuOvercommitRatio: 1.0, StorageOvercommitRatio: 1.0, PriceMultiplier: 2.0},
			TierStandard:   {MinimumBenchmark: 1000, CpuOvercommitRatio: 2.0, StorageOvercommitRatio: 1.5, PriceMultiplier: 1.0},
			TierBalanced:   {MinimumBenchmark: 750, CpuOvercommitRatio: 3.0, StorageOvercommitRatio: 2.0, PriceMultiplier: 0.75},
			TierBurstable:  {MinimumBenchmark: 500, CpuOvercommitRatio: 4.0, StorageOvercommitRatio: 3.0, PriceMultiplier: 0.5},
		},
		Weights: ScoringWeights{Capacity: 0.4, Load: 0.3, Reputation: 0.2, Locality: 0.1},
		Safety: SafetyLimits{
			MaxUtilisationPercent: 90.0,
			MinFreeMemoryBytes:    512 * 1024 * 1024,
			MaxLoadAverage:        8.0,
		},
		HeartbeatStaleAfter: 2 * time.Minute,
	}
}

// UsageRecord is an append-only billing entry
type UsageRecord struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	VmID           string          `json:"vmId"`
	NodeID         string          `json:"nodeId,omitempty"`
	PeriodStart    time.Time       `json:"periodStart"`
	PeriodEnd      time.Time       `json:"periodEnd"`
	Cost           decimal.Decimal `json:"cost"`
	SettledOnChain bool            `json:"settledOnChain"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Attestation is the persisted audit record of one liveness challenge
type Attestation struct {
	ID             string    `json:"id"`
	VmID           string    `json:"vmId"`
	NodeID         string    `json:"nodeId"`
	ChallengeID    string    `json:"challengeId"`
	Timestamp      time.Time `json:"timestamp"`
	Passed         bool      `json:"passed"`
	FailureReason  string    `json:"failureReason,omitempty"`
	RoundTripMs    float64   `json:"roundTripMs"`
	ProcessingMs   float64   `json:"processingMs"`
	ReportedCores  int       `json:"reportedCores,omitempty"`
	ReportedMemoryKb int64   `json:"reportedMemoryKb,omitempty"`
	BootID         string    `json:"bootId,omitempty"`
	MachineID      string    `json:"machineId,omitempty"`
}

// Event is a persisted cluster event
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	NodeID    string            `json:"nodeId,omitempty"`
	VmID      string            `json:"vmId,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// User is a marketplace account
type User struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"walletAddress"`
	Email         string    `json:"email,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Image is a bootable VM image
type Image struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Architecture string `json:"architecture"`
	SizeBytes    int64  `json:"sizeBytes"`
}

// PricingTier maps a quality tier to an hourly base rate
type PricingTier struct {
	ID         string          `json:"id"`
	Tier       QualityTier     `json:"tier"`
	HourlyRate decimal.Decimal `json:"hourlyRate"`
}

// VmTemplate is a marketplace template; exposed ports drive the
// allocate-ports recovery path
type VmTemplate struct {
	ID           string          `json:"id"`
	Slug         string          `json:"slug"`
	Name         string          `json:"name"`
	ImageID      string          `json:"imageId"`
	ExposedPorts []PortMapping   `json:"exposedPorts,omitempty"`
	CreatorID    string          `json:"creatorId,omitempty"`
	FeePercent   decimal.Decimal `json:"feePercent"`
}

// MarketplaceReview is a user review of a node or template
type MarketplaceReview struct {
	ID           string    `json:"id"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	ReviewerID   string    `json:"reviewerId"`
	Rating       int       `json:"rating"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NodeRegistrationRequest is the agent's registration body
type NodeRegistrationRequest struct {
	MachineID     string             `json:"machineId"`
	WalletAddress string             `json:"walletAddress"`
	Message       string             `json:"message"`
	Signature     string             `json:"signature"`
	Hardware      *HardwareInventory `json:"hardware"`
	PublicIP      string             `json:"publicIp"`
	AgentPort     int                `json:"agentPort"`
	Region        string             `json:"region,omitempty"`
	Zone          string             `json:"zone,omitempty"`
}

// NodeRegistrationResponse is returned on successful registration
type NodeRegistrationResponse struct {
	NodeID           string            `json:"nodeId"`
	APIKey           string            `json:"apiKey"`
	SchedulingConfig *SchedulingConfig `json:"schedulingConfig"`
	DhtBootstrap     []string          `json:"dhtBootstrap,omitempty"`
}

// ActiveVmReport is the per-VM state a node reports in heartbeats
type ActiveVmReport struct {
	VmID         string        `json:"vmId"`
	PowerState   string        `json:"powerState"`
	PrivateIP    string        `json:"privateIp,omitempty"`
	MacAddress   string        `json:"macAddress,omitempty"`
	PortMappings []PortMapping `json:"portMappings,omitempty"`
	ServiceReady bool          `json:"serviceReady"`
}

// NodeHeartbeat is the agent's periodic report
type NodeHeartbeat struct {
	NodeID                  string              `json:"nodeId"`
	Metrics                 *NodeMetrics        `json:"metrics,omitempty"`
	AvailableResources      *AvailableResources `json:"availableResources,omitempty"`
	SchedulingConfigVersion string              `json:"schedulingConfigVersion,omitempty"`
	ActiveVms               []ActiveVmReport    `json:"activeVms,omitempty"`
	CgnatInfo               *CgnatInfo          `json:"cgnatInfo,omitempty"`
}

// NodeHeartbeatResponse carries pending commands back to the agent
type NodeHeartbeatResponse struct {
	Acknowledged     bool              `json:"acknowledged"`
	PendingCommands  []*NodeCommand    `json:"pendingCommands,omitempty"`
	SchedulingConfig *SchedulingConfig `json:"schedulingConfig,omitempty"`
}

// AttestationChallenge is the liveness probe sent to a VM's in-guest
// attestation endpoint through the node agent's proxy
type AttestationChallenge struct {
	ChallengeID      string `json:"challengeId"`
	VmID             string `json:"vmId"`
	Nonce            string `json:"nonce"` // hex, 16 random bytes
	Timestamp        int64  `json:"timestamp"`
	ExpectedCores    int    `json:"expectedCores"`
	ExpectedMemoryMb int64  `json:"expectedMemoryMb"`
}

// GuestMetrics is the system state the guest measures for a challenge
type GuestMetrics struct {
	CPUCores    int     `json:"cpuCores"`
	MemoryKb    int64   `json:"memoryKb"`
	BootID      string  `json:"bootId"`
	MachineID   string  `json:"machineId"`
	LoadAverage float64 `json:"loadAverage"`
	UptimeSec   float64 `json:"uptimeSec"`
}

// MemoryTouchResult proves the guest's memory is resident, not swapped
type MemoryTouchResult struct {
	PagesTouched    int     `json:"pagesTouched"`
	ContentHash     string  `json:"contentHash"`
	TotalMs         float64 `json:"totalMs"`
	MaxSinglePageMs float64 `json:"maxSinglePageMs"`
}

// AttestationResponse is the guest's signed answer to a challenge
type AttestationResponse struct {
	Nonce           string             `json:"nonce"`
	EphemeralPubKey string             `json:"ephemeralPubKey"` // hex Ed25519
	Metrics         *GuestMetrics      `json:"metrics"`
	MemoryTouch     *MemoryTouchResult `json:"memoryTouch"`
	Signature       string             `json:"signature"` // hex Ed25519
}
