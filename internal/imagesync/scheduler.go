package imagesync

import (
	"context"
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/repository"
)

// Scheduler wraps a gocron scheduler running the image sync reconciliation
// pass on a fixed interval — the same pattern the reconciler/health
// monitor/enforcer use for their own background passes.
type Scheduler struct {
	cron gocron.Scheduler

	syncer *Syncer
	agents repository.AgentRepository

	cfg config.Config
	log *zap.Logger
}

// NewScheduler constructs the periodic reconciliation loop around syncer.
// Call Start to begin it.
func NewScheduler(syncer *Syncer, agents repository.AgentRepository, cfg config.Config, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("imagesync: create scheduler: %w", err)
	}
	return &Scheduler{cron: s, syncer: syncer, agents: agents, cfg: cfg, log: logger.Named("imagesync.scheduler")}, nil
}

// Start schedules the reconciliation pass on image_sync_reconcile_interval.
// A no-op when image_sync_enabled is false.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.ImageSyncEnabled {
		s.log.Info("image sync disabled, not starting reconciliation loop")
		return nil
	}
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.ImageSyncReconcileInterval),
		gocron.NewTask(func() { s.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("imagesync: schedule pass: %w", err)
	}
	s.cron.Start()
	s.log.Info("image sync reconciliation loop started", zap.Duration("interval", s.cfg.ImageSyncReconcileInterval))
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("imagesync: shutdown: %w", err)
	}
	return nil
}

// RunOnce reconciles every online agent's reported image inventory against
// its ImageHost rows. A failure reconciling one agent is logged and never
// blocks the rest.
func (s *Scheduler) RunOnce(ctx context.Context) {
	online, err := s.agents.ListOnline(ctx)
	if err != nil {
		s.log.Error("list online agents", zap.Error(err))
		return
	}
	for i := range online {
		s.syncer.Reconcile(ctx, &online[i])
	}
}
