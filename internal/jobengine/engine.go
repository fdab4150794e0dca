// Package jobengine implements the controller's job lifecycle: enqueueing,
// dispatch to a selected agent, the running/completed/failed/cancelled
// state machine, idempotent callback handling, and retry-with-failover.
package jobengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/agentclient"
	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/imagesync"
	"github.com/netlabio/controller/internal/metrics"
	"github.com/netlabio/controller/internal/multihost"
	"github.com/netlabio/controller/internal/repository"
	"github.com/netlabio/controller/internal/selector"
	"github.com/netlabio/controller/internal/webhook"
)

// ErrConcurrencyLimit is returned by Enqueue when the user already has
// max_concurrent_jobs_per_user non-terminal jobs.
var ErrConcurrencyLimit = fmt.Errorf("jobengine: user concurrency limit reached")

// Engine owns job creation, dispatch, and the background task per job.
type Engine struct {
	jobs       repository.JobRepository
	labs       repository.LabRepository
	nodes      repository.NodeRepository
	nodeStates repository.NodeStateRepository
	placements repository.NodePlacementRepository
	agents     repository.AgentRepository

	client    *agentclient.Client
	selector  *selector.Selector
	webhooks  *webhook.Dispatcher
	multihost *multihost.Deployer
	images    *imagesync.Syncer

	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Registry

	// restartMu serializes "up"/"down" dispatch per lab so two such jobs
	// never call out to an agent at the same moment. Restart's explicit
	// down-then-up sequencing (see restart.go) additionally waits for the
	// down job's terminal status before enqueueing up, which this mutex
	// alone cannot guarantee for an agent that accepts a call async.
	restartMu sync.Map // map[uuid.UUID]*sync.Mutex
}

// New returns an Engine wired to its dependencies. m may be nil, in which
// case job metrics are not recorded.
func New(
	jobs repository.JobRepository,
	labs repository.LabRepository,
	nodes repository.NodeRepository,
	nodeStates repository.NodeStateRepository,
	placements repository.NodePlacementRepository,
	agents repository.AgentRepository,
	client *agentclient.Client,
	sel *selector.Selector,
	webhooks *webhook.Dispatcher,
	mh *multihost.Deployer,
	images *imagesync.Syncer,
	cfg config.Config,
	logger *zap.Logger,
	m *metrics.Registry,
) *Engine {
	return &Engine{
		jobs: jobs, labs: labs, nodes: nodes, nodeStates: nodeStates,
		placements: placements, agents: agents,
		client: client, selector: sel, webhooks: webhooks, multihost: mh, images: images,
		cfg: cfg, log: logger.Named("jobengine"), metrics: m,
	}
}

// recordJobMetrics observes a terminal job's action/status count and, if
// the job has both a start and completion timestamp, its duration.
func (e *Engine) recordJobMetrics(job *db.Job) {
	if e.metrics == nil {
		return
	}
	e.metrics.JobsTotal.WithLabelValues(job.Action, job.Status).Inc()
	if job.StartedAt != nil && job.CompletedAt != nil {
		e.metrics.JobDuration.WithLabelValues(job.Action).Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
	}
}

func (e *Engine) labMutex(labID uuid.UUID) *sync.Mutex {
	m, _ := e.restartMu.LoadOrStore(labID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Enqueue creates a queued job row for (labID, action, userID) after
// checking the caller's non-terminal job count, then starts its background
// task. The background task runs detached from the calling request context
// so an HTTP handler can return immediately after Enqueue.
func (e *Engine) Enqueue(ctx context.Context, labID uuid.UUID, action string, userID uuid.UUID) (*db.Job, error) {
	active, err := e.jobs.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("jobengine: enqueue: %w", err)
	}
	if len(active) >= e.cfg.MaxConcurrentJobsPerUser {
		return nil, ErrConcurrencyLimit
	}

	job := &db.Job{
		LabID:  &labID,
		UserID: &userID,
		Action: action,
		Status: "queued",
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("jobengine: enqueue: create: %w", err)
	}

	e.dispatchAsync(job.ID, labID, action, nil)
	return job, nil
}

// EnqueueSystem creates a queued job with no owning user — used by the State
// Enforcer for corrective node-action jobs, which are not subject to the
// per-user concurrency limit because no user requested them.
func (e *Engine) EnqueueSystem(ctx context.Context, labID uuid.UUID, action string) (*db.Job, error) {
	job := &db.Job{LabID: &labID, Action: action, Status: "queued"}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("jobengine: enqueue system: create: %w", err)
	}
	e.dispatchAsync(job.ID, labID, action, nil)
	return job, nil
}

// dispatchAsync starts the background task for a job in a new goroutine,
// detached from any request context. excludeAgents carries forward the
// failed agent(s) on a retry dispatch.
func (e *Engine) dispatchAsync(jobID, labID uuid.UUID, action string, excludeAgents []uuid.UUID) {
	go func() {
		ctx := context.Background()

		if action == "up" || action == "down" {
			mu := e.labMutex(labID)
			mu.Lock()
			defer mu.Unlock()
		}

		if err := e.runTask(ctx, jobID, labID, action, excludeAgents); err != nil {
			e.log.Error("job task failed", zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}()
}

// timeoutForAction is a thin wrapper kept for readability at call sites.
func (e *Engine) timeoutForAction(action string) time.Duration {
	return e.cfg.TimeoutForAction(action)
}
