package jobengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/errkind"
	"github.com/netlabio/controller/internal/selector"
	"github.com/netlabio/controller/internal/topology"
	"github.com/netlabio/controller/internal/webhook"
)

// runTask drives a single job from queued to a terminal status: select an
// agent, mark running, dispatch the action, and either settle synchronously
// (non-2xx/2xx responses that complete inline) or leave the job running for
// the matching /callbacks/job/{id} to settle later.
func (e *Engine) runTask(ctx context.Context, jobID, labID uuid.UUID, action string, excludeAgents []uuid.UUID) error {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("runTask: load job: %w", err)
	}

	lab, err := e.labs.GetByID(ctx, labID)
	if err != nil {
		return e.failJob(ctx, job, lab, errkind.ResourceNotFound, fmt.Sprintf("lab not found: %v", err))
	}

	agent, err := e.selector.SelectForLab(ctx, labID, selector.Criteria{
		RequiredProvider: lab.Provider,
		PreferAgentID:    lab.AgentID,
		ExcludeAgentIDs:  excludeAgents,
	})
	if err != nil {
		return e.failJob(ctx, job, lab, errkind.AgentOffline, fmt.Sprintf("no suitable agent: %v", err))
	}

	now := time.Now()
	job.Status = "running"
	job.AgentID = &agent.ID
	job.StartedAt = &now
	job.LastHeartbeat = &now
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("runTask: mark running: %w", err)
	}
	e.setLabState(ctx, lab, transientStateFor(action))
	e.notifyJobStarted(ctx, lab, action)

	if action == "up" && e.images != nil {
		if err := e.preDeployImageCheck(ctx, agent, lab); err != nil {
			return e.failJob(ctx, job, lab, errkind.ImageNotFound, err.Error())
		}
	}

	timeout := e.timeoutForAction(action)
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	accepted, dispatchErr := e.dispatch(dispatchCtx, agent, job, lab, action)
	if dispatchErr != nil {
		return e.handleDispatchFailure(ctx, job, lab, agent, action, excludeAgents, dispatchErr)
	}
	if accepted {
		// Agent will report completion asynchronously via the job callback.
		return nil
	}

	// Synchronous 2xx response: the agent finished inline (no callback will
	// arrive), so settle the job immediately as completed.
	return e.completeJob(ctx, job, lab, "completed", "")
}

// preDeployImageCheck extracts every image reference from lab's topology and
// blocks on the image sync pre-deploy check before the real deploy call.
func (e *Engine) preDeployImageCheck(ctx context.Context, agent *db.Agent, lab *db.Lab) error {
	graph, err := topology.Parse(lab.TopologyYAML)
	if err != nil {
		return fmt.Errorf("parse topology: %w", err)
	}
	refs := topology.ImageReferences(graph)
	if len(refs) == 0 {
		return nil
	}
	return e.images.PreDeployCheck(ctx, agent, refs)
}

// dispatch issues the agent call matching action's kind.
func (e *Engine) dispatch(ctx context.Context, agent *db.Agent, job *db.Job, lab *db.Lab, action string) (accepted bool, err error) {
	jobID := job.ID.String()
	labID := lab.ID.String()

	switch {
	case action == "up" && !lab.SingleHost && e.multihost != nil:
		// Multi-host deploys are synchronous: every host's sub-graph has
		// already been deployed (or the error returned) by the time this
		// call returns, so there is no async callback to wait for.
		return false, e.multihost.Deploy(ctx, job, lab)
	case action == "up":
		accepted, _, err = e.client.Deploy(ctx, agent, jobID, labID, lab.TopologyYAML, lab.Provider)
		return accepted, err
	case action == "down" && !lab.SingleHost && e.multihost != nil:
		return false, e.multihost.Destroy(ctx, job, lab)
	case action == "down":
		return e.client.Destroy(ctx, agent, jobID, labID)
	case strings.HasPrefix(action, "node:start:"):
		node := strings.TrimPrefix(action, "node:start:")
		return e.client.NodeAction(ctx, agent, jobID, labID, node, "start")
	case strings.HasPrefix(action, "node:stop:"):
		node := strings.TrimPrefix(action, "node:stop:")
		return e.client.NodeAction(ctx, agent, jobID, labID, node, "stop")
	default:
		return false, errkind.Wrap(errkind.Configuration, fmt.Errorf("unrecognized job action %q", action))
	}
}

// transientStateFor is the lab state to set while a job of this action kind
// is in flight.
func transientStateFor(action string) string {
	switch {
	case action == "up":
		return "starting"
	case action == "down":
		return "stopping"
	default:
		return "running"
	}
}

func (e *Engine) setLabState(ctx context.Context, lab *db.Lab, state string) {
	if err := e.labs.UpdateState(ctx, lab.ID, state, ""); err != nil {
		e.log.Error("update lab state", zap.String("lab_id", lab.ID.String()), zap.Error(err))
	}
}

// handleDispatchFailure classifies a dispatch error and either retries with
// failover to a different agent or fails the job permanently. AgentJobError
// moves the lab to error with the agent's message recorded as state_error;
// AgentUnavailable moves it to unknown (deployed-or-not is indistinguishable)
// and marks the agent offline.
func (e *Engine) handleDispatchFailure(ctx context.Context, job *db.Job, lab *db.Lab, agent *db.Agent, action string, excludeAgents []uuid.UUID, dispatchErr error) error {
	kind, _ := errkind.Of(dispatchErr)

	if kind == errkind.AgentUnavailable {
		agent.Status = "offline"
		if err := e.agents.Update(ctx, agent); err != nil {
			e.log.Error("mark agent offline", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		}
	}

	if !errkind.Retryable(kind) || job.RetryCount >= e.cfg.JobMaxRetries {
		return e.failJob(ctx, job, lab, kind, dispatchErr.Error())
	}

	// Best-effort: release the lock the failed agent may be holding before
	// handing the job to a different one.
	_ = e.client.ReleaseLock(ctx, agent, lab.ID.String())

	job.RetryCount++
	job.Status = "queued"
	job.AgentID = nil
	job.StartedAt = nil
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("handleDispatchFailure: requeue: %w", err)
	}

	e.log.Warn("retrying job on a different agent",
		zap.String("job_id", job.ID.String()),
		zap.String("failed_agent_id", agent.ID.String()),
		zap.Int("retry_count", job.RetryCount))

	e.dispatchAsync(job.ID, lab.ID, action, append(excludeAgents, agent.ID))
	return nil
}

// failJob marks job permanently failed. The lab lands in unknown for an
// AgentUnavailable cause (we cannot tell whether the agent actually acted
// before going dark) or in error with state_error set for anything else,
// including an AgentJobError.
func (e *Engine) failJob(ctx context.Context, job *db.Job, lab *db.Lab, kind errkind.Kind, message string) error {
	now := time.Now()
	job.Status = "failed"
	job.CompletedAt = &now
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failJob: update job: %w", err)
	}
	_ = e.jobs.BulkCreateLogs(ctx, []db.JobLog{{JobID: job.ID, Level: "error", Message: message, Timestamp: now}})

	if lab != nil {
		state := "error"
		if kind == errkind.AgentUnavailable {
			state = "unknown"
			message = ""
		}
		if err := e.labs.UpdateState(ctx, lab.ID, state, message); err != nil {
			e.log.Error("update lab state", zap.String("lab_id", lab.ID.String()), zap.Error(err))
		}
		e.notifyJobTerminal(ctx, lab, job)
	}
	e.recordJobMetrics(job)
	return nil
}

// completeJob marks job as completed (or failed, for a synchronous
// non-2xx-but-not-retryable outcome) and advances the lab to its steady
// state.
func (e *Engine) completeJob(ctx context.Context, job *db.Job, lab *db.Lab, status, message string) error {
	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	if err := e.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("completeJob: update job: %w", err)
	}
	if message != "" {
		_ = e.jobs.BulkCreateLogs(ctx, []db.JobLog{{JobID: job.ID, Level: "info", Message: message, Timestamp: now}})
	}

	state := steadyStateFor(job.Action, status)
	e.setLabState(ctx, lab, state)
	e.notifyJobTerminal(ctx, lab, job)
	e.recordJobMetrics(job)
	return nil
}

func steadyStateFor(action, status string) string {
	if status != "completed" {
		return "error"
	}
	switch {
	case action == "up":
		return "running"
	case action == "down":
		return "stopped"
	default:
		return "running"
	}
}

func (e *Engine) notifyJobTerminal(ctx context.Context, lab *db.Lab, job *db.Job) {
	if e.webhooks == nil || lab == nil {
		return
	}
	var duration *float64
	if job.StartedAt != nil && job.CompletedAt != nil {
		d := job.CompletedAt.Sub(*job.StartedAt).Seconds()
		duration = &d
	}
	e.webhooks.Dispatch(ctx, webhook.Event{
		Type:  terminalEventFor(job.Action, job.Status),
		Owner: lab.Owner,
		LabID: lab.ID,
		Lab:   &webhook.LabPayload{ID: lab.ID.String(), Name: lab.Name, State: lab.State},
		Job: &webhook.JobPayload{
			ID: job.ID.String(), Action: job.Action, Status: job.Status, DurationSeconds: duration,
		},
	})
}

// terminalEventFor maps a job's (action, status) to the webhook event
// vocabulary: "up"/"down" get the lab-lifecycle names, everything else
// (node actions, sync jobs) is reported generically as job.completed/failed.
func terminalEventFor(action, status string) string {
	switch {
	case action == "up" && status == "completed":
		return "lab.deploy_complete"
	case action == "up":
		return "lab.deploy_failed"
	case action == "down" && status == "completed":
		return "lab.destroy_complete"
	case action == "down":
		return "lab.destroy_failed"
	case status == "completed":
		return "job.completed"
	default:
		return "job.failed"
	}
}

// notifyJobStarted announces the lab-lifecycle event for a job that just
// began dispatch — only "up"/"down" have a named started event.
func (e *Engine) notifyJobStarted(ctx context.Context, lab *db.Lab, action string) {
	if e.webhooks == nil || lab == nil {
		return
	}
	var eventType string
	switch action {
	case "up":
		eventType = "lab.deploy_started"
	case "down":
		eventType = "lab.destroy_started"
	default:
		return
	}
	e.webhooks.Dispatch(ctx, webhook.Event{
		Type:  eventType,
		Owner: lab.Owner,
		LabID: lab.ID,
		Lab:   &webhook.LabPayload{ID: lab.ID.String(), Name: lab.Name, State: lab.State},
	})
}
