package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/corralhq/corral/pkg/types"
)

// Config is the full orchestrator configuration. Values load in three
// layers: compiled defaults, then the YAML file, then CORRAL_*
// environment variables. The orchestrator private key is only ever read
// from the environment.
type Config struct {
	ListenAddr        string   `yaml:"listenAddr"`
	DataDir           string   `yaml:"dataDir"`
	Development       bool     `yaml:"development"`
	IngressDomain     string   `yaml:"ingressDomain"`
	DhtBootstrapPeers []string `yaml:"dhtBootstrapPeers"`

	Log            Log            `yaml:"log"`
	Reconciliation Reconciliation `yaml:"reconciliation"`
	Scheduler      Scheduler      `yaml:"scheduler"`
	Attestation    Attestation    `yaml:"attestation"`
	Payment        Payment        `yaml:"payment"`
	Billing        Billing        `yaml:"billing"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type Reconciliation struct {
	TickIntervalSeconds   int `yaml:"tickIntervalSeconds"`
	MaxConcurrentHandlers int `yaml:"maxConcurrentHandlers"`
}

// Scheduler carries the tunable parts of the placement policy. Tier
// policies keep their compiled defaults; only weights and safety limits
// are operator-facing.
type Scheduler struct {
	Weights types.ScoringWeights `yaml:"weights"`
	Safety  types.SafetyLimits   `yaml:"safety"`

	MaxPerformanceMultiplier float64 `yaml:"maxPerformanceMultiplier"`
	HeartbeatStaleSeconds    int     `yaml:"heartbeatStaleSeconds"`
}

type Attestation struct {
	MaxResponseTimeMs               int `yaml:"maxResponseTimeMs"`
	StartupChallengeIntervalSeconds int `yaml:"startupChallengeIntervalSeconds"`
	NormalChallengeIntervalSeconds  int `yaml:"normalChallengeIntervalSeconds"`
	FailureThreshold                int `yaml:"failureThreshold"`
	RecoveryThreshold               int `yaml:"recoveryThreshold"`
}

type Payment struct {
	PlatformFeePercent        float64 `yaml:"platformFeePercent"`
	OrchestratorWalletAddress string  `yaml:"orchestratorWalletAddress"`

	// Never loaded from the file; see Load.
	OrchestratorPrivateKey string `yaml:"-"`
}

type Billing struct {
	GateIntervalMinutes int `yaml:"gateIntervalMinutes"`
}

// Default returns the compiled baseline configuration.
func Default() *Config {
	sched := types.DefaultSchedulingConfig()
	return &Config{
		ListenAddr:    ":8080",
		DataDir:       "/var/lib/corral",
		IngressDomain: "vms.corral.dev",
		Log:           Log{Level: "info", JSON: true},
		Reconciliation: Reconciliation{
			TickIntervalSeconds:   5,
			MaxConcurrentHandlers: 10,
		},
		Scheduler: Scheduler{
			Weights:                  sched.Weights,
			Safety:                   sched.Safety,
			MaxPerformanceMultiplier: sched.MaxPerformanceMultiplier,
			HeartbeatStaleSeconds:    int(sched.HeartbeatStaleAfter / time.Second),
		},
		Attestation: Attestation{
			MaxResponseTimeMs:               500,
			StartupChallengeIntervalSeconds: 60,
			NormalChallengeIntervalSeconds:  3600,
			FailureThreshold:                3,
			RecoveryThreshold:               2,
		},
		Payment: Payment{
			PlatformFeePercent: 15,
		},
		Billing: Billing{GateIntervalMinutes: 5},
	}
}

// Load builds the configuration from the optional YAML file at path and
// the environment. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CORRAL_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CORRAL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CORRAL_DEV_MODE"); v != "" {
		c.Development, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("CORRAL_INGRESS_DOMAIN"); v != "" {
		c.IngressDomain = v
	}
	if v := os.Getenv("CORRAL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CORRAL_DHT_BOOTSTRAP_PEERS"); v != "" {
		c.DhtBootstrapPeers = strings.Split(v, ",")
	}
	if v := os.Getenv("CORRAL_ORCHESTRATOR_WALLET_ADDRESS"); v != "" {
		c.Payment.OrchestratorWalletAddress = v
	}
	// Key material stays out of files on purpose.
	c.Payment.OrchestratorPrivateKey = os.Getenv("CORRAL_ORCHESTRATOR_PRIVATE_KEY")
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if c.Reconciliation.TickIntervalSeconds <= 0 {
		return fmt.Errorf("reconciliation.tickIntervalSeconds must be positive")
	}
	if c.Reconciliation.MaxConcurrentHandlers <= 0 {
		return fmt.Errorf("reconciliation.maxConcurrentHandlers must be positive")
	}

	w := c.Scheduler.Weights
	sum := w.Capacity + w.Load + w.Reputation + w.Locality
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("scheduler.weights must sum to 1.0, got %v", sum)
	}
	if w.Capacity < 0 || w.Load < 0 || w.Reputation < 0 || w.Locality < 0 {
		return fmt.Errorf("scheduler.weights must be non-negative")
	}

	if c.Attestation.MaxResponseTimeMs < 1 || c.Attestation.MaxResponseTimeMs > 1000 {
		return fmt.Errorf("attestation.maxResponseTimeMs must be in [1, 1000], got %d", c.Attestation.MaxResponseTimeMs)
	}
	if c.Attestation.FailureThreshold <= 0 || c.Attestation.RecoveryThreshold <= 0 {
		return fmt.Errorf("attestation thresholds must be positive")
	}

	if c.Payment.PlatformFeePercent < 0 || c.Payment.PlatformFeePercent > 100 {
		return fmt.Errorf("payment.platformFeePercent must be in [0, 100], got %v", c.Payment.PlatformFeePercent)
	}

	if c.Billing.GateIntervalMinutes <= 0 {
		return fmt.Errorf("billing.gateIntervalMinutes must be positive")
	}
	return nil
}

// TickInterval returns the reconciliation tick as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Reconciliation.TickIntervalSeconds) * time.Second
}

// GateInterval returns the billing gate cadence as a duration.
func (c *Config) GateInterval() time.Duration {
	return time.Duration(c.Billing.GateIntervalMinutes) * time.Minute
}

// SchedulingConfig merges the operator overrides onto the baseline
// policy and stamps a content-derived version so nodes can cheaply
// detect that the policy changed.
func (c *Config) SchedulingConfig() (*types.SchedulingConfig, error) {
	sc := types.DefaultSchedulingConfig()
	sc.Weights = c.Scheduler.Weights
	sc.Safety = c.Scheduler.Safety
	if c.Scheduler.MaxPerformanceMultiplier > 0 {
		sc.MaxPerformanceMultiplier = c.Scheduler.MaxPerformanceMultiplier
	}
	if c.Scheduler.HeartbeatStaleSeconds > 0 {
		sc.HeartbeatStaleAfter = time.Duration(c.Scheduler.HeartbeatStaleSeconds) * time.Second
	}

	sc.Version = ""
	hash, err := hashstructure.Hash(sc, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("hash scheduling config: %w", err)
	}
	sc.Version = fmt.Sprintf("%016x", hash)
	return sc, nil
}
