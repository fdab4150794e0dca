package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/netlabio/controller/internal/agentclient"
	"github.com/netlabio/controller/internal/api"
	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/cooldown"
	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/enforcer"
	"github.com/netlabio/controller/internal/healthmonitor"
	"github.com/netlabio/controller/internal/imagesync"
	"github.com/netlabio/controller/internal/jobengine"
	"github.com/netlabio/controller/internal/metrics"
	"github.com/netlabio/controller/internal/multihost"
	"github.com/netlabio/controller/internal/reconciler"
	"github.com/netlabio/controller/internal/registry"
	"github.com/netlabio/controller/internal/repository"
	"github.com/netlabio/controller/internal/selector"
	"github.com/netlabio/controller/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "netlab-controller",
		Short: "netlab controller — orchestrates netlab agents across labs",
		Long: `The netlab controller is the central component of the netlab distributed
lab system. It registers agents, selects one per job, drives the job
lifecycle, reconciles observed state, enforces desired state, keeps agent
image caches in sync, and dispatches lifecycle webhooks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	bindFlags(root, &cfg)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netlab-controller %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// bindFlags registers one persistent flag per config.Config field. The
// listen, database, secret, log-level, token and Redis flags default to
// their NETLAB_* environment variable; every other flag defaults to the
// config.Default() value and has no environment variable.
func bindFlags(root *cobra.Command, cfg *config.Config) {
	f := root.PersistentFlags()

	f.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault("NETLAB_LISTEN_ADDR", cfg.ListenAddr), "HTTP listen address")
	f.StringVar(&cfg.Driver, "db-driver", envOrDefault("NETLAB_DB_DRIVER", cfg.Driver), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.DSN, "db-dsn", envOrDefault("NETLAB_DB_DSN", cfg.DSN), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.SecretKey, "secret-key", envOrDefault("NETLAB_SECRET_KEY", ""), "AES-256 key for encrypting webhook secrets at rest, padded or truncated to 32 bytes (required)")
	f.StringVar(&cfg.LogLevel, "log-level", envOrDefault("NETLAB_LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.APIToken, "api-token", envOrDefault("NETLAB_API_TOKEN", ""), "Shared bearer token gating client-facing endpoints (empty = disabled, dev only)")
	f.StringVar(&cfg.AgentSharedSecret, "agent-shared-secret", envOrDefault("NETLAB_AGENT_SHARED_SECRET", ""), "Shared secret gating agent-facing endpoints (empty = disabled, dev only)")
	f.StringVar(&cfg.RedisAddr, "redis-addr", envOrDefault("NETLAB_REDIS_ADDR", cfg.RedisAddr), "Redis address backing the state enforcer's cooldown store")

	f.DurationVar(&cfg.AgentDeployTimeout, "agent-deploy-timeout", cfg.AgentDeployTimeout, "Agent HTTP timeout for deploy actions")
	f.DurationVar(&cfg.AgentDestroyTimeout, "agent-destroy-timeout", cfg.AgentDestroyTimeout, "Agent HTTP timeout for destroy actions")
	f.DurationVar(&cfg.AgentNodeActionTimeout, "agent-node-action-timeout", cfg.AgentNodeActionTimeout, "Agent HTTP timeout for single-node actions")
	f.DurationVar(&cfg.AgentStatusTimeout, "agent-status-timeout", cfg.AgentStatusTimeout, "Agent HTTP timeout for status polls")
	f.DurationVar(&cfg.AgentHealthCheckTimeout, "agent-health-check-timeout", cfg.AgentHealthCheckTimeout, "Agent HTTP timeout for health checks")

	f.IntVar(&cfg.AgentMaxRetries, "agent-max-retries", cfg.AgentMaxRetries, "Maximum agent client HTTP attempts per call on transient errors")
	f.DurationVar(&cfg.AgentRetryBackoffBase, "agent-retry-backoff-base", cfg.AgentRetryBackoffBase, "Agent client retry backoff base")
	f.DurationVar(&cfg.AgentRetryBackoffMax, "agent-retry-backoff-max", cfg.AgentRetryBackoffMax, "Agent client retry backoff ceiling")

	f.DurationVar(&cfg.AgentHealthCheckInterval, "agent-health-check-interval", cfg.AgentHealthCheckInterval, "Interval between agent staleness sweeps")
	f.DurationVar(&cfg.AgentStaleTimeout, "agent-stale-timeout", cfg.AgentStaleTimeout, "Heartbeat age after which an agent is marked offline")

	f.IntVar(&cfg.MaxConcurrentJobsPerUser, "max-concurrent-jobs-per-user", cfg.MaxConcurrentJobsPerUser, "Maximum non-terminal jobs per user")

	f.DurationVar(&cfg.ReconciliationInterval, "reconciliation-interval", cfg.ReconciliationInterval, "Interval between reconciliation passes")
	f.DurationVar(&cfg.StalePendingThreshold, "stale-pending-threshold", cfg.StalePendingThreshold, "Age after which a pending node is treated as stuck")
	f.DurationVar(&cfg.StaleStartingThreshold, "stale-starting-threshold", cfg.StaleStartingThreshold, "Age after which a starting lab is treated as stuck")

	f.DurationVar(&cfg.JobHealthCheckInterval, "job-health-check-interval", cfg.JobHealthCheckInterval, "Interval between job health sweeps")
	f.IntVar(&cfg.JobMaxRetries, "job-max-retries", cfg.JobMaxRetries, "Maximum automatic retries per job")
	f.DurationVar(&cfg.JobTimeoutDeploy, "job-timeout-deploy", cfg.JobTimeoutDeploy, "Deploy job timeout")
	f.DurationVar(&cfg.JobTimeoutDestroy, "job-timeout-destroy", cfg.JobTimeoutDestroy, "Destroy job timeout")
	f.DurationVar(&cfg.JobTimeoutSync, "job-timeout-sync", cfg.JobTimeoutSync, "Image sync job timeout")
	f.DurationVar(&cfg.JobTimeoutNode, "job-timeout-node", cfg.JobTimeoutNode, "Single-node action job timeout")
	f.DurationVar(&cfg.JobStuckGracePeriod, "job-stuck-grace-period", cfg.JobStuckGracePeriod, "Grace period before a running job with no heartbeat is considered stuck")

	f.BoolVar(&cfg.StateEnforcementEnabled, "state-enforcement-enabled", cfg.StateEnforcementEnabled, "Enable the state enforcer")
	f.DurationVar(&cfg.StateEnforcementInterval, "state-enforcement-interval", cfg.StateEnforcementInterval, "Interval between enforcement passes")
	f.DurationVar(&cfg.StateEnforcementCooldown, "state-enforcement-cooldown", cfg.StateEnforcementCooldown, "Per-(lab, node) cooldown between corrective actions")

	f.BoolVar(&cfg.ImageSyncEnabled, "image-sync-enabled", cfg.ImageSyncEnabled, "Enable pre-deploy image sync checks")
	f.StringVar(&cfg.ImageSyncFallbackStrategy, "image-sync-fallback-strategy", cfg.ImageSyncFallbackStrategy, "Strategy used when an agent doesn't declare one")
	f.BoolVar(&cfg.ImageSyncPreDeployCheck, "image-sync-pre-deploy-check", cfg.ImageSyncPreDeployCheck, "Block a deploy until every referenced image is present")
	f.DurationVar(&cfg.ImageSyncTimeout, "image-sync-timeout", cfg.ImageSyncTimeout, "Per-image sync wait timeout")
	f.IntVar(&cfg.ImageSyncMaxConcurrent, "image-sync-max-concurrent", cfg.ImageSyncMaxConcurrent, "Maximum concurrent sync jobs per host")
	f.IntVar(&cfg.ImageSyncChunkSize, "image-sync-chunk-size", cfg.ImageSyncChunkSize, "Image transfer chunk size in bytes")
	f.DurationVar(&cfg.ImageSyncJobPendingTimeout, "image-sync-job-pending-timeout", cfg.ImageSyncJobPendingTimeout, "Pending-age threshold for image sync jobs (not read by the health monitor's stuck-sync check)")
	f.DurationVar(&cfg.ImageSyncReconcileInterval, "image-sync-reconcile-interval", cfg.ImageSyncReconcileInterval, "Interval between image inventory reconciliation passes")

	f.BoolVar(&cfg.FeatureMultihostLabs, "feature-multihost-labs", cfg.FeatureMultihostLabs, "Enable multi-host lab deploys")
	f.BoolVar(&cfg.FeatureVXLANOverlay, "feature-vxlan-overlay", cfg.FeatureVXLANOverlay, "Enable VXLAN overlay links for cross-host deploys")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.SecretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or NETLAB_SECRET_KEY")
	}

	logger.Info("starting netlab controller",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("db_driver", cfg.Driver),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so webhook secrets
	// can encrypt/decrypt transparently on write/read. The key is padded or
	// truncated to exactly 32 bytes (AES-256).
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.SecretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.Driver,
		DSN:      cfg.DSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Repositories ---
	agentRepo := repository.NewAgentRepository(gormDB)
	labRepo := repository.NewLabRepository(gormDB)
	nodeRepo := repository.NewNodeRepository(gormDB)
	linkRepo := repository.NewLinkRepository(gormDB)
	nodeStateRepo := repository.NewNodeStateRepository(gormDB)
	linkStateRepo := repository.NewLinkStateRepository(gormDB)
	placementRepo := repository.NewNodePlacementRepository(gormDB)
	jobRepo := repository.NewJobRepository(gormDB)
	imageHostRepo := repository.NewImageHostRepository(gormDB)
	imageSyncJobRepo := repository.NewImageSyncJobRepository(gormDB)
	webhookRepo := repository.NewWebhookRepository(gormDB)
	agentUpdateJobRepo := repository.NewAgentUpdateJobRepository(gormDB)

	// --- 4. Metrics ---
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	if err := metrics.RegisterAgentGauges(promReg, agentRepo); err != nil {
		return fmt.Errorf("failed to register agent gauges: %w", err)
	}

	// --- 5. Agent transport, registry, selection ---
	client := agentclient.New(agentclient.Config{
		MaxRetries:         cfg.AgentMaxRetries,
		BackoffBase:        cfg.AgentRetryBackoffBase,
		BackoffMax:         cfg.AgentRetryBackoffMax,
		DeployTimeout:      cfg.AgentDeployTimeout,
		DestroyTimeout:     cfg.AgentDestroyTimeout,
		NodeActionTimeout:  cfg.AgentNodeActionTimeout,
		StatusTimeout:      cfg.AgentStatusTimeout,
		HealthCheckTimeout: cfg.AgentHealthCheckTimeout,
	}, logger)

	agentRegistry := registry.New(agentRepo, cfg.AgentStaleTimeout, logger)
	sel := selector.New(agentRepo, jobRepo, placementRepo)

	cooldownStore, err := cooldown.New(cfg.RedisAddr, cfg.StateEnforcementCooldown)
	if err != nil {
		return fmt.Errorf("failed to connect to redis for cooldown store: %w", err)
	}
	defer cooldownStore.Close() //nolint:errcheck

	// --- 6. Webhooks, multi-host deploy, image sync ---
	webhookDispatcher := webhook.New(webhookRepo, logger, m)
	multihostDeployer := multihost.New(placementRepo, agentRepo, jobRepo, client, logger)
	imageSyncer := imagesync.New(imageHostRepo, imageSyncJobRepo, agentRepo, client, *cfg, logger, m)

	// --- 7. Job engine ---
	engine := jobengine.New(
		jobRepo, labRepo, nodeRepo, nodeStateRepo, placementRepo, agentRepo,
		client, sel, webhookDispatcher, multihostDeployer, imageSyncer,
		*cfg, logger, m,
	)

	// --- 8. Reconciler, health monitor, state enforcer ---
	recon, err := reconciler.New(
		labRepo, nodeRepo, linkRepo, nodeStateRepo, linkStateRepo, placementRepo,
		agentRepo, jobRepo, client, webhookDispatcher, *cfg, logger, m,
	)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}
	if err := recon.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	defer stopWithLog(recon.Stop, logger, "reconciler")

	monitor, err := healthmonitor.New(jobRepo, agentRepo, imageSyncJobRepo, imageHostRepo, client, engine, *cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create health monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	defer stopWithLog(monitor.Stop, logger, "health monitor")

	stateEnforcer, err := enforcer.New(labRepo, nodeRepo, nodeStateRepo, placementRepo, agentRepo, jobRepo, cooldownStore, engine, *cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create state enforcer: %w", err)
	}
	if err := stateEnforcer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start state enforcer: %w", err)
	}
	defer stopWithLog(stateEnforcer.Stop, logger, "state enforcer")

	staleSweeper := startStaleAgentSweeper(ctx, agentRegistry, cfg.AgentHealthCheckInterval, logger)
	defer staleSweeper()

	imageSyncScheduler, err := imagesync.NewScheduler(imageSyncer, agentRepo, *cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create image sync scheduler: %w", err)
	}
	if err := imageSyncScheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start image sync scheduler: %w", err)
	}
	defer stopWithLog(imageSyncScheduler.Stop, logger, "image sync scheduler")

	// --- 9. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Registry:       agentRegistry,
		Jobs:           engine,
		Images:         imageSyncer,
		Webhooks:       webhookDispatcher,
		Reconciler:     recon,
		Client:         client,
		Agents:         agentRepo,
		Labs:           labRepo,
		Nodes:          nodeRepo,
		Links:          linkRepo,
		NodeStates:     nodeStateRepo,
		LinkStates:     linkStateRepo,
		Placements:     placementRepo,
		JobRepo:        jobRepo,
		WebhookRepo:    webhookRepo,
		UpdateJobRepo:  agentUpdateJobRepo,
		ImageHosts:     imageHostRepo,
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Cfg:            *cfg,
		Logger:         logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down netlab controller")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("netlab controller stopped")
	return nil
}

// startStaleAgentSweeper runs registry.SweepStale on a fixed interval in its
// own goroutine — the registry has no scheduler of its own, unlike the
// reconciler/health-monitor/enforcer, since sweeping stale agents is a
// single unconditional query rather than a multi-step pass worth a gocron
// job. Returns a stop function that blocks until the goroutine exits.
func startStaleAgentSweeper(ctx context.Context, reg *registry.Registry, interval time.Duration, logger *zap.Logger) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if stale, err := reg.SweepStale(ctx); err != nil {
					logger.Error("sweep stale agents", zap.Error(err))
				} else if len(stale) > 0 {
					logger.Info("marked agents offline", zap.Int("count", len(stale)))
				}
			}
		}
	}()
	return func() { <-done }
}

func stopWithLog(stop func() error, logger *zap.Logger, name string) {
	if err := stop(); err != nil {
		logger.Warn(name+" shutdown error", zap.Error(err))
	}
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var zapCfg zap.Config
	switch level {
	case "debug":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		zapCfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zapCfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
