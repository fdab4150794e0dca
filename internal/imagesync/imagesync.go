// Package imagesync keeps each agent's local image cache aligned with what
// its labs need: a pre-deploy check that blocks a deploy on a missing image,
// push/pull fan-out on manifest changes, and a reconciliation sweep that
// reads an agent's actual inventory back into ImageHost rows.
package imagesync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netlabio/controller/internal/agentclient"
	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/metrics"
	"github.com/netlabio/controller/internal/repository"
)

// ErrConcurrencyLimit is returned by StartSync when the host already has
// image_sync_max_concurrent jobs in flight.
var ErrConcurrencyLimit = fmt.Errorf("imagesync: host concurrency limit reached")

// Syncer owns every image-transfer operation between the controller and its
// agents.
type Syncer struct {
	imageHosts repository.ImageHostRepository
	syncJobs   repository.ImageSyncJobRepository
	agents     repository.AgentRepository
	client     *agentclient.Client

	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Registry
}

// New returns a Syncer wired to its dependencies. m may be nil, in which
// case sync metrics are not recorded.
func New(
	imageHosts repository.ImageHostRepository,
	syncJobs repository.ImageSyncJobRepository,
	agents repository.AgentRepository,
	client *agentclient.Client,
	cfg config.Config,
	logger *zap.Logger,
	m *metrics.Registry,
) *Syncer {
	return &Syncer{imageHosts: imageHosts, syncJobs: syncJobs, agents: agents, client: client, cfg: cfg, log: logger.Named("imagesync"), metrics: m}
}

// PreDeployCheck is called by the Job Engine before dispatching an "up"
// action. It checks every image reference against agent, and — when
// image_sync_enabled and agent's strategy isn't disabled — starts a sync job
// per missing reference and waits up to image_sync_timeout. Returns an error
// naming every reference still missing, which the caller should treat as a
// deploy-blocking failure.
func (s *Syncer) PreDeployCheck(ctx context.Context, agent *db.Agent, refs []string) error {
	if !s.cfg.ImageSyncEnabled || !s.cfg.ImageSyncPreDeployCheck || len(refs) == 0 {
		return nil
	}

	missing := s.checkAll(ctx, agent, refs)
	if len(missing) == 0 {
		return nil
	}

	strategy := agent.ImageSyncStrategy
	if strategy == "" {
		strategy = s.cfg.ImageSyncFallbackStrategy
	}
	if strategy == "disabled" {
		return fmt.Errorf("missing images on agent %s: %s", agent.Name, strings.Join(missing, ", "))
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.ImageSyncTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(syncCtx)
	for _, ref := range missing {
		ref := ref
		g.Go(func() error { return s.syncAndWait(gctx, agent, ref) })
	}
	if err := g.Wait(); err != nil {
		s.log.Warn("image sync before deploy failed", zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}

	stillMissing := s.checkAll(ctx, agent, missing)
	if len(stillMissing) > 0 {
		return fmt.Errorf("images still missing after sync: %s", strings.Join(stillMissing, ", "))
	}
	return nil
}

func (s *Syncer) checkAll(ctx context.Context, agent *db.Agent, refs []string) []string {
	var missing []string
	for _, ref := range refs {
		present, err := s.client.CheckImage(ctx, agent, ref)
		if err != nil || !present {
			missing = append(missing, ref)
		}
	}
	return missing
}

// syncAndWait starts a sync job for reference on agent and blocks until it
// reaches a terminal status or the context deadline.
func (s *Syncer) syncAndWait(ctx context.Context, agent *db.Agent, reference string) error {
	job, err := s.StartSync(ctx, agent.ID, reference)
	if err != nil {
		return fmt.Errorf("start sync for %s: %w", reference, err)
	}
	return s.waitForTerminal(ctx, job.ID)
}

// StartSync creates an ImageSyncJob for (hostID, reference) and dispatches
// it to the agent, respecting image_sync_max_concurrent. A synchronous (2xx,
// non-202) agent response marks the job completed inline; a 202 leaves it
// transferring for HandleCallback to settle.
func (s *Syncer) StartSync(ctx context.Context, hostID uuid.UUID, reference string) (*db.ImageSyncJob, error) {
	active, err := s.syncJobs.CountActiveByHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("imagesync: count active: %w", err)
	}
	if active >= int64(s.cfg.ImageSyncMaxConcurrent) {
		return nil, ErrConcurrencyLimit
	}

	agent, err := s.agents.GetByID(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("imagesync: load agent: %w", err)
	}

	job := &db.ImageSyncJob{ImageID: reference, HostID: hostID, Status: "pending"}
	if err := s.syncJobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("imagesync: create job: %w", err)
	}

	now := time.Now()
	job.Status = "transferring"
	job.StartedAt = &now
	if err := s.syncJobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("imagesync: mark transferring: %w", err)
	}

	accepted, err := s.client.SyncImage(ctx, agent, job.ID.String(), reference, s.cfg.ImageSyncChunkSize)
	if err != nil {
		s.failJob(ctx, job, err.Error())
		return job, err
	}
	if !accepted {
		s.completeJob(ctx, job)
	}
	return job, nil
}

func (s *Syncer) waitForTerminal(ctx context.Context, jobID uuid.UUID) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("imagesync: wait for sync job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
			job, err := s.syncJobs.GetByID(ctx, jobID)
			if err != nil {
				return err
			}
			switch job.Status {
			case "completed":
				return nil
			case "failed":
				return fmt.Errorf("sync job %s failed", jobID)
			}
		}
	}
}

// HandleCallback applies an agent-reported progress or completion update to
// an ImageSyncJob. Idempotent against a job already in a terminal status,
// same pattern as the Job Engine's job callback handling.
func (s *Syncer) HandleCallback(ctx context.Context, jobID uuid.UUID, status string, bytesTransferred, totalBytes int64) error {
	job, err := s.syncJobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("imagesync: load sync job: %w", err)
	}
	if job.Status == "completed" || job.Status == "failed" {
		return nil
	}

	job.BytesTransferred = bytesTransferred
	if totalBytes > 0 {
		job.TotalBytes = totalBytes
	}
	job.Status = status

	if status == "completed" || status == "failed" {
		now := time.Now()
		job.CompletedAt = &now
	}
	if err := s.syncJobs.Update(ctx, job); err != nil {
		return fmt.Errorf("imagesync: update sync job: %w", err)
	}

	if status == "completed" {
		_ = s.imageHosts.Upsert(ctx, &db.ImageHost{ImageID: job.ImageID, HostID: job.HostID, Reference: job.ImageID, Status: "synced", SyncedAt: job.CompletedAt})
	} else if status == "failed" {
		_ = s.imageHosts.Upsert(ctx, &db.ImageHost{ImageID: job.ImageID, HostID: job.HostID, Reference: job.ImageID, Status: "failed"})
	}
	s.recordSyncMetric(status)
	return nil
}

func (s *Syncer) completeJob(ctx context.Context, job *db.ImageSyncJob) {
	now := time.Now()
	job.Status = "completed"
	job.CompletedAt = &now
	if err := s.syncJobs.Update(ctx, job); err != nil {
		s.log.Error("mark sync job completed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	_ = s.imageHosts.Upsert(ctx, &db.ImageHost{ImageID: job.ImageID, HostID: job.HostID, Reference: job.ImageID, Status: "synced", SyncedAt: job.CompletedAt})
	s.recordSyncMetric("completed")
}

func (s *Syncer) failJob(ctx context.Context, job *db.ImageSyncJob, message string) {
	now := time.Now()
	job.Status = "failed"
	job.CompletedAt = &now
	if err := s.syncJobs.Update(ctx, job); err != nil {
		s.log.Error("mark sync job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	_ = s.imageHosts.Upsert(ctx, &db.ImageHost{ImageID: job.ImageID, HostID: job.HostID, Reference: job.ImageID, Status: "failed", ErrorMessage: message})
	s.recordSyncMetric("failed")
}

func (s *Syncer) recordSyncMetric(outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ImageSyncTotal.WithLabelValues(outcome).Inc()
}

// PushOnUpload enumerates every online agent whose image_sync_strategy is
// "push" and starts a sync for reference on each. Called when a new image
// enters the manifest.
func (s *Syncer) PushOnUpload(ctx context.Context, reference string) {
	agents, err := s.agents.ListByImageSyncStrategy(ctx, "push")
	if err != nil {
		s.log.Error("list push agents", zap.Error(err))
		return
	}
	for _, agent := range agents {
		if _, err := s.StartSync(ctx, agent.ID, reference); err != nil {
			s.log.Warn("push on upload failed to start", zap.String("agent_id", agent.ID.String()), zap.String("reference", reference), zap.Error(err))
		}
	}
}

// PullOnRegistration reconciles agent's inventory and starts a sync for any
// manifest entry it's missing, called when an agent (re)registers with
// strategy "pull".
func (s *Syncer) PullOnRegistration(ctx context.Context, agent *db.Agent) {
	if agent.ImageSyncStrategy != "pull" {
		return
	}
	s.Reconcile(ctx, agent)

	manifest, err := s.imageHosts.ListDistinctImageIDs(ctx)
	if err != nil {
		s.log.Error("list manifest images", zap.Error(err))
		return
	}
	for _, ref := range manifest {
		if _, err := s.imageHosts.Get(ctx, ref, agent.ID); err == nil {
			continue
		}
		if _, err := s.StartSync(ctx, agent.ID, ref); err != nil {
			s.log.Warn("pull on registration failed to start", zap.String("agent_id", agent.ID.String()), zap.String("reference", ref), zap.Error(err))
		}
	}
}

// Reconcile polls agent's actual image inventory and updates every known
// ImageHost row for it to synced or missing accordingly.
func (s *Syncer) Reconcile(ctx context.Context, agent *db.Agent) {
	inv, err := s.client.GetImageInventory(ctx, agent)
	if err != nil {
		s.log.Warn("get image inventory", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		return
	}
	present := make(map[string]bool, len(inv.Images))
	for _, ref := range inv.Images {
		present[ref] = true
	}

	hosted, err := s.imageHosts.ListByHost(ctx, agent.ID)
	if err != nil {
		s.log.Error("list image hosts", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		return
	}
	for _, ih := range hosted {
		status := "missing"
		var syncedAt *time.Time
		if present[ih.ImageID] {
			status = "synced"
			now := time.Now()
			syncedAt = &now
		}
		ih.Status = status
		ih.SyncedAt = syncedAt
		if err := s.imageHosts.Upsert(ctx, &ih); err != nil {
			s.log.Error("upsert reconciled image host", zap.String("image_id", ih.ImageID), zap.Error(err))
		}
	}
}
