package jobengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/errkind"
	"github.com/netlabio/controller/internal/repository"
)

// CallbackPayload is the body an agent POSTs to /callbacks/job/{id} once a
// job it accepted asynchronously finishes.
type CallbackPayload struct {
	Status       string            `json:"status"` // "completed" or "failed"
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	ErrorMessage string            `json:"error_message"`
	NodeStates   map[string]string `json:"node_states,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// isTerminal reports whether status is one jobs cannot transition out of.
func isTerminal(status string) bool {
	return status == "completed" || status == "failed" || status == "cancelled"
}

// HandleCallback applies an agent's asynchronous job-completion report. It is
// idempotent — a job already in a terminal status is a no-op, so the same
// callback delivered twice (or arriving after a cancellation) produces
// identical final state either way.
func (e *Engine) HandleCallback(ctx context.Context, jobID uuid.UUID, payload CallbackPayload) error {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errkind.Wrap(errkind.JobNotFound, err)
		}
		return fmt.Errorf("jobengine: handle callback: load job: %w", err)
	}
	if isTerminal(job.Status) {
		return nil
	}

	if payload.Status != "completed" && payload.Status != "failed" {
		return errkind.Wrap(errkind.InvalidState, fmt.Errorf("unrecognized callback status %q", payload.Status))
	}

	var lab *db.Lab
	if job.LabID != nil {
		lab, err = e.labs.GetByID(ctx, *job.LabID)
		if err != nil {
			return fmt.Errorf("jobengine: handle callback: load lab: %w", err)
		}
	}

	if len(payload.NodeStates) > 0 && lab != nil {
		e.applyNodeStates(ctx, lab.ID, payload.NodeStates)
	}

	logMsg := payload.ErrorMessage
	if logMsg == "" && payload.Stderr != "" {
		logMsg = payload.Stderr
	}
	if payload.Status == "failed" {
		now := time.Now()
		job.Status = "failed"
		job.CompletedAt = &now
		if err := e.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("jobengine: handle callback: update job: %w", err)
		}
		_ = e.jobs.BulkCreateLogs(ctx, []db.JobLog{{JobID: job.ID, Level: "error", Message: logMsg, Timestamp: now}})
		if lab != nil {
			if err := e.labs.UpdateState(ctx, lab.ID, "error", logMsg); err != nil {
				e.log.Error("update lab state", zap.Error(err))
			}
			e.notifyJobTerminal(ctx, lab, job)
		}
		e.recordJobMetrics(job)
		return nil
	}

	return e.completeJob(ctx, job, lab, "completed", logMsg)
}

// applyNodeStates updates the actual_state of every NodeState named in the
// callback's node_states map, matched by node name within labID.
func (e *Engine) applyNodeStates(ctx context.Context, labID uuid.UUID, states map[string]string) {
	existing, err := e.nodeStates.ListByLab(ctx, labID)
	if err != nil {
		e.log.Error("load node states for callback", zap.Error(err))
		return
	}
	byName := make(map[string]db.NodeState, len(existing))
	for _, ns := range existing {
		byName[ns.NodeName] = ns
	}

	for name, actual := range states {
		ns, ok := byName[name]
		if !ok {
			continue
		}
		ns.ActualState = actual
		if actual != "running" {
			ns.IsReady = false
			ns.BootStartedAt = nil
		}
		if err := e.nodeStates.Upsert(ctx, &ns); err != nil {
			e.log.Error("upsert node state from callback", zap.String("node", name), zap.Error(err))
		}
	}
}

// HandleDeadLetter records an agent's last-resort report that it could not
// deliver a normal callback after retries: the job is forced to failed and
// the lab to unknown, since we cannot know whether the action itself
// succeeded.
func (e *Engine) HandleDeadLetter(ctx context.Context, jobID uuid.UUID, message string) error {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errkind.Wrap(errkind.JobNotFound, err)
		}
		return fmt.Errorf("jobengine: handle dead letter: load job: %w", err)
	}
	if isTerminal(job.Status) {
		return nil
	}

	now := time.Now()
	job.Status = "failed"
	job.CompletedAt = &now
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("jobengine: handle dead letter: update job: %w", err)
	}
	_ = e.jobs.BulkCreateLogs(ctx, []db.JobLog{{
		JobID: job.ID, Level: "error",
		Message: "dead-letter: " + message, Timestamp: now,
	}})

	if job.LabID != nil {
		if err := e.labs.UpdateState(ctx, *job.LabID, "unknown", ""); err != nil {
			e.log.Error("update lab state on dead letter", zap.Error(err))
		}
		if lab, err := e.labs.GetByID(ctx, *job.LabID); err == nil {
			e.notifyJobTerminal(ctx, lab, job)
		}
	}
	e.recordJobMetrics(job)
	return nil
}

// Cancel records user cancellation intent. Any in-flight agent HTTP call is
// left to run to completion on the controller's side (fire-and-forget); the
// callback path will find the job already terminal and ignore a late
// completion.
func (e *Engine) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errkind.Wrap(errkind.JobNotFound, err)
		}
		return fmt.Errorf("jobengine: cancel: load job: %w", err)
	}
	if isTerminal(job.Status) {
		return errkind.Wrap(errkind.InvalidState, fmt.Errorf("job %s already %s", jobID, job.Status))
	}

	now := time.Now()
	job.Status = "cancelled"
	job.CompletedAt = &now
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("jobengine: cancel: update job: %w", err)
	}
	_ = e.jobs.BulkCreateLogs(ctx, []db.JobLog{{JobID: job.ID, Level: "info", Message: "cancelled by user", Timestamp: now}})

	if job.LabID != nil {
		if err := e.labs.UpdateState(ctx, *job.LabID, "unknown", ""); err != nil {
			e.log.Error("update lab state on cancel", zap.Error(err))
		}
	}
	e.recordJobMetrics(job)
	return nil
}
