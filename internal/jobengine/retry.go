package jobengine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/db"
)

// Retry is invoked by the Health Monitor against a stuck, orphaned, or
// agent-offline job. The old job is marked failed with a diagnostic; if
// retry_count has not reached job_max_retries and the job can still be
// reconstructed (a deploy needs its lab's topology YAML intact), a new job
// row is created with retry_count+1 and dispatched excluding the failed
// agent. Permanent failure otherwise.
func (e *Engine) Retry(ctx context.Context, job db.Job, reason string) error {
	now := time.Now()
	job.Status = "failed"
	job.CompletedAt = &now
	if err := e.jobs.Update(ctx, &job); err != nil {
		return fmt.Errorf("jobengine: retry: fail old job: %w", err)
	}
	_ = e.jobs.BulkCreateLogs(ctx, []db.JobLog{{JobID: job.ID, Level: "error", Message: reason, Timestamp: now}})

	if job.LabID == nil {
		return nil
	}

	if job.RetryCount >= e.cfg.JobMaxRetries {
		e.log.Info("job exhausted retries, giving up",
			zap.String("job_id", job.ID.String()), zap.Int("retry_count", job.RetryCount))
		if err := e.labs.UpdateState(ctx, *job.LabID, "error", reason); err != nil {
			e.log.Error("update lab state after exhausted retries", zap.Error(err))
		}
		return nil
	}

	lab, err := e.labs.GetByID(ctx, *job.LabID)
	if err != nil {
		return fmt.Errorf("jobengine: retry: load lab: %w", err)
	}
	if job.Action == "up" && lab.TopologyYAML == "" {
		e.log.Warn("cannot retry deploy: topology no longer reconstructible", zap.String("lab_id", lab.ID.String()))
		if err := e.labs.UpdateState(ctx, lab.ID, "error", "retry failed: topology unavailable"); err != nil {
			e.log.Error("update lab state on unretryable deploy", zap.Error(err))
		}
		return nil
	}

	var exclude []uuid.UUID
	if job.AgentID != nil {
		if agent, err := e.agents.GetByID(ctx, *job.AgentID); err == nil {
			_ = e.client.ReleaseLock(ctx, agent, lab.ID.String())
		}
		exclude = append(exclude, *job.AgentID)
	}

	newJob := &db.Job{
		LabID:      job.LabID,
		UserID:     job.UserID,
		Action:     job.Action,
		Status:     "queued",
		RetryCount: job.RetryCount + 1,
	}
	if err := e.jobs.Create(ctx, newJob); err != nil {
		return fmt.Errorf("jobengine: retry: create new job: %w", err)
	}

	e.log.Info("retrying job with failover",
		zap.String("old_job_id", job.ID.String()),
		zap.String("new_job_id", newJob.ID.String()),
		zap.Int("retry_count", newJob.RetryCount))

	e.dispatchAsync(newJob.ID, lab.ID, newJob.Action, exclude)
	return nil
}
