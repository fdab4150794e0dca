// Package healthmonitor runs the controller's periodic fleet-health sweep:
// stuck jobs, orphaned queued jobs, jobs stranded on offline agents, stuck
// image-sync transfers, and stuck agent-side deploy locks. Each check is
// isolated so one failing check, or one failing item within a check, never
// stops the rest.
package healthmonitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/agentclient"
	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/jobengine"
	"github.com/netlabio/controller/internal/repository"
)

// Monitor wraps a gocron scheduler running the five health checks on a fixed
// interval.
type Monitor struct {
	cron gocron.Scheduler

	jobs      repository.JobRepository
	agents    repository.AgentRepository
	imageJobs repository.ImageSyncJobRepository
	imageHost repository.ImageHostRepository
	client    *agentclient.Client
	engine    *jobengine.Engine

	cfg config.Config
	log *zap.Logger
}

// New constructs a Monitor. Call Start to begin the periodic sweep.
func New(
	jobs repository.JobRepository,
	agents repository.AgentRepository,
	imageJobs repository.ImageSyncJobRepository,
	imageHost repository.ImageHostRepository,
	client *agentclient.Client,
	engine *jobengine.Engine,
	cfg config.Config,
	logger *zap.Logger,
) (*Monitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("healthmonitor: create scheduler: %w", err)
	}
	return &Monitor{
		cron: s, jobs: jobs, agents: agents, imageJobs: imageJobs, imageHost: imageHost,
		client: client, engine: engine, cfg: cfg, log: logger.Named("healthmonitor"),
	}, nil
}

// Start schedules the sweep on job_health_check_interval and starts the
// underlying gocron scheduler.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.cfg.JobHealthCheckInterval),
		gocron.NewTask(func() { m.runSweep(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("healthmonitor: schedule sweep: %w", err)
	}
	m.cron.Start()
	m.log.Info("health monitor started", zap.Duration("interval", m.cfg.JobHealthCheckInterval))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight sweep.
func (m *Monitor) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("healthmonitor: shutdown: %w", err)
	}
	return nil
}

// runSweep runs the five checks in sequence, each isolated by a recover and
// its own error log so a panic or error in one cannot prevent the others.
func (m *Monitor) runSweep(ctx context.Context) {
	checks := []struct {
		name string
		run  func(context.Context)
	}{
		{"stuck_jobs", m.checkStuckJobs},
		{"orphaned_queued_jobs", m.checkOrphanedQueuedJobs},
		{"jobs_on_offline_agents", m.checkJobsOnOfflineAgents},
		{"stuck_image_sync_jobs", m.checkStuckImageSyncJobs},
		{"stuck_agent_locks", m.checkStuckAgentLocks},
	}

	for _, c := range checks {
		m.runIsolated(ctx, c.name, c.run)
	}
}

func (m *Monitor) runIsolated(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("health check panicked", zap.String("check", name), zap.Any("recover", r))
		}
	}()
	fn(ctx)
}

// checkStuckJobs implements the stuck-job definition from §4.4: running with
// a stale heartbeat past the action's timeout, or queued for too long.
func (m *Monitor) checkStuckJobs(ctx context.Context) {
	cutoff := time.Now().Add(-60 * time.Second)
	stuck, err := m.jobs.ListStuckRunning(ctx, cutoff)
	if err != nil {
		m.log.Error("list stuck running jobs", zap.Error(err))
		return
	}
	for _, job := range stuck {
		if !m.runningPastTimeout(job) {
			continue
		}
		if err := m.engine.Retry(ctx, job, "job stuck: no heartbeat within 60s and past action timeout"); err != nil {
			m.log.Error("retry stuck job", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
}

func (m *Monitor) runningPastTimeout(job db.Job) bool {
	if job.StartedAt == nil {
		return false
	}
	return time.Since(*job.StartedAt) > m.cfg.TimeoutForAction(job.Action)
}

// checkOrphanedQueuedJobs retries or fails jobs that never left queued within
// the stuck-queue grace period.
func (m *Monitor) checkOrphanedQueuedJobs(ctx context.Context) {
	cutoff := time.Now().Add(-2 * time.Minute)
	queued, err := m.jobs.ListQueuedOlderThan(ctx, cutoff)
	if err != nil {
		m.log.Error("list orphaned queued jobs", zap.Error(err))
		return
	}
	for _, job := range queued {
		if err := m.engine.Retry(ctx, job, "job orphaned: queued for over 2 minutes without dispatch"); err != nil {
			m.log.Error("retry orphaned job", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
}

// checkJobsOnOfflineAgents retries active jobs whose assigned agent has gone
// offline since dispatch.
func (m *Monitor) checkJobsOnOfflineAgents(ctx context.Context) {
	for _, status := range []string{"queued", "running"} {
		jobs, err := m.jobs.ListByStatus(ctx, status)
		if err != nil {
			m.log.Error("list jobs by status", zap.String("status", status), zap.Error(err))
			continue
		}
		for _, job := range jobs {
			if job.AgentID == nil {
				continue
			}
			agent, err := m.agents.GetByID(ctx, *job.AgentID)
			if err != nil || agent.Status != "offline" {
				continue
			}
			if err := m.engine.Retry(ctx, job, "job's agent went offline"); err != nil {
				m.log.Error("retry job on offline agent", zap.String("job_id", job.ID.String()), zap.Error(err))
			}
		}
	}
}

// checkStuckImageSyncJobs marks image-sync jobs failed, along with their
// ImageHost rows, when they have been transferring or loading since before
// the ImageSyncTimeout cutoff. Jobs still pending, and jobs bound to a host
// that has gone offline, are not examined.
func (m *Monitor) checkStuckImageSyncJobs(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.ImageSyncTimeout)
	stuck, err := m.imageJobs.ListStuck(ctx, cutoff)
	if err != nil {
		m.log.Error("list stuck image sync jobs", zap.Error(err))
		return
	}
	now := time.Now()
	for i := range stuck {
		job := stuck[i]
		job.Status = "failed"
		job.CompletedAt = &now
		if err := m.imageJobs.Update(ctx, &job); err != nil {
			m.log.Error("fail stuck image sync job", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		ih, err := m.imageHost.Get(ctx, job.ImageID, job.HostID)
		if err != nil {
			continue
		}
		ih.Status = "failed"
		ih.ErrorMessage = "sync timed out or agent went offline"
		if err := m.imageHost.Upsert(ctx, ih); err != nil {
			m.log.Error("mark image host failed", zap.Error(err))
		}
	}
}

// checkStuckAgentLocks asks every online agent for its held deploy locks and
// releases any flagged stuck.
func (m *Monitor) checkStuckAgentLocks(ctx context.Context) {
	online, err := m.agents.ListOnline(ctx)
	if err != nil {
		m.log.Error("list online agents", zap.Error(err))
		return
	}
	for i := range online {
		agent := online[i]
		status, err := m.client.GetLockStatus(ctx, &agent)
		if err != nil {
			m.log.Warn("get lock status", zap.String("agent_id", agent.ID.String()), zap.Error(err))
			continue
		}
		for _, lock := range status.Locks {
			if !lock.IsStuck {
				continue
			}
			if err := m.client.ReleaseLock(ctx, &agent, lock.LabID); err != nil {
				m.log.Warn("release stuck lock",
					zap.String("agent_id", agent.ID.String()), zap.String("lab_id", lock.LabID), zap.Error(err))
			}
		}
	}
}
