package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/api"
	"github.com/corralhq/corral/pkg/attestation"
	"github.com/corralhq/corral/pkg/billing"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/handlers"
	"github.com/corralhq/corral/pkg/health"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/nodes"
	"github.com/corralhq/corral/pkg/obligation"
	"github.com/corralhq/corral/pkg/recovery"
	"github.com/corralhq/corral/pkg/scheduler"
	"github.com/corralhq/corral/pkg/state"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/corralhq/corral/pkg/wallet"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator",
	Long: `Start the Corral orchestrator: state store, reconciliation
engine, scheduler, node lifecycle, attestation, recovery scanner,
billing gate and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serverCmd.Flags().String("config", "/etc/corral/corral.yaml", "Path to the YAML configuration file")
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("server")
	metrics.SetVersion(Version)

	schedulingCfg, err := cfg.SchedulingConfig()
	if err != nil {
		return err
	}

	// Durable store: bbolt under the data dir, memory without one.
	var cold storage.Store
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		cold, err = storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open durable store: %w", err)
		}
	} else {
		logger.Warn().Msg("no data dir configured, state will not survive restarts")
		cold = storage.NewMemoryStore()
	}
	defer cold.Close()

	st := state.New(cold)
	if err := st.Load(); err != nil {
		return fmt.Errorf("load hot state: %w", err)
	}
	st.StartBackground()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker(st)
	obs := obligation.NewStore()
	engine := obligation.NewEngine(obs, cfg.TickInterval(), cfg.Reconciliation.MaxConcurrentHandlers)

	sched := scheduler.NewScheduler(st, cold, schedulingCfg)
	agentClient := agent.NewClient()
	verifier := wallet.NewVerifier(cfg.Development)
	nodeMgr := nodes.NewManager(st, obs, obs, broker, verifier, agentClient,
		func() *types.SchedulingConfig { return schedulingCfg }, cfg.DhtBootstrapPeers)

	ledger := billing.NewLedger()
	gate := billing.NewGate(st, ledger, obs, broker)
	gate.SetInterval(cfg.GateInterval())
	gate.SetPlatformFee(cfg.Payment.PlatformFeePercent)

	attestEngine := attestation.NewEngine(st, agentClient, broker)
	attestEngine.Configure(time.Duration(cfg.Attestation.MaxResponseTimeMs)*time.Millisecond,
		cfg.Attestation.FailureThreshold, cfg.Attestation.RecoveryThreshold)
	attestSvc := attestation.NewService(attestEngine)
	attestSvc.SetCadence(time.Duration(cfg.Attestation.StartupChallengeIntervalSeconds)*time.Second,
		time.Duration(cfg.Attestation.NormalChallengeIntervalSeconds)*time.Second)
	scanner := recovery.NewScanner(st, obs, recovery.DefaultScanInterval)
	relayMonitor := health.NewMonitor(st)
	collector := metrics.NewCollector(st)

	handlerSet := handlers.New(st, sched, nodeMgr, obs, broker, gate, cfg.IngressDomain)
	handlerSet.RegisterAll(engine)

	server := api.NewServer(cfg.ListenAddr, st, nodeMgr, obs)

	engine.Start(ctx)
	attestSvc.Start(ctx)
	scanner.Start(ctx)
	relayMonitor.Start()
	gate.Start(ctx)
	collector.Start()
	go sweepStaleNodes(ctx, nodeMgr, obs, schedulingCfg.HeartbeatStaleAfter)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	logger.Info().Str("addr", cfg.ListenAddr).Bool("development", cfg.Development).Msg("orchestrator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
		}
	}

	// Stop intake first, then the loops in reverse start order.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	collector.Stop()
	gate.Stop()
	relayMonitor.Stop()
	scanner.Stop()
	attestSvc.Stop()
	engine.Stop()
	st.Stop()
	cancel()

	logger.Info().Msg("orchestrator stopped")
	return nil
}

// sweepStaleNodes marks silent nodes offline and prunes terminal
// obligations on a slow cadence.
func sweepStaleNodes(ctx context.Context, mgr *nodes.Manager, obs *obligation.Store, staleAfter time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.MarkStaleNodesOffline(staleAfter)
			obs.PruneTerminal(24*time.Hour, 10000)
		}
	}
}
