package jobengine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/db"
)

// restartPollInterval is how often waitForJobTerminal polls a job's status
// while waiting out the down phase of a restart sequence.
const restartPollInterval = 2 * time.Second

// Restart enqueues a lab's restart as a down job followed by an up job. The
// down job is created and dispatched immediately and returned to the caller;
// once it reaches a terminal status, the up job is enqueued to bring the lab
// back. This is the down-then-up ordering guarantee: the up phase is only
// started after explicitly observing the down job's final status, not
// merely after the down dispatch call returns (which, for an agent that
// accepts the action asynchronously, happens well before the agent is
// actually finished).
func (e *Engine) Restart(ctx context.Context, labID uuid.UUID, userID uuid.UUID) (*db.Job, error) {
	downJob, err := e.Enqueue(ctx, labID, "down", userID)
	if err != nil {
		return nil, err
	}
	go e.continueRestart(labID, userID, downJob.ID)
	return downJob, nil
}

// continueRestart waits out the down phase and, if it completed cleanly,
// enqueues the up phase. It runs detached from the original request
// context, same as dispatchAsync's background task.
func (e *Engine) continueRestart(labID, userID, downJobID uuid.UUID) {
	ctx := context.Background()

	final, err := e.waitForJobTerminal(ctx, downJobID)
	if err != nil {
		e.log.Error("restart: wait for down phase",
			zap.String("lab_id", labID.String()), zap.String("down_job_id", downJobID.String()), zap.Error(err))
		return
	}
	if !restartShouldProceed(final.Status) {
		e.log.Warn("restart: down phase did not complete cleanly, skipping up phase",
			zap.String("lab_id", labID.String()), zap.String("down_job_id", downJobID.String()), zap.String("status", final.Status))
		return
	}
	if _, err := e.Enqueue(ctx, labID, "up", userID); err != nil {
		e.log.Error("restart: enqueue up phase", zap.String("lab_id", labID.String()), zap.Error(err))
	}
}

// restartShouldProceed reports whether a restart's up phase should be
// enqueued given the down phase's terminal status — only a clean completion
// is trusted enough to proceed; a failed or cancelled down phase leaves the
// lab's real state uncertain, so the restart stops there.
func restartShouldProceed(downStatus string) bool {
	return downStatus == "completed"
}

// waitForJobTerminal polls jobID until it reaches a terminal status or ctx
// is cancelled.
func (e *Engine) waitForJobTerminal(ctx context.Context, jobID uuid.UUID) (*db.Job, error) {
	ticker := time.NewTicker(restartPollInterval)
	defer ticker.Stop()
	for {
		job, err := e.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if isTerminal(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
