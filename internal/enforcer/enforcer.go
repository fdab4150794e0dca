// Package enforcer drives desired_state/actual_state mismatches toward
// convergence by enqueuing corrective node-action jobs, one per drifting
// node, throttled by a per-(lab, node) cooldown so a node whose action keeps
// failing doesn't get retried every cycle.
package enforcer

import (
	"context"
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/cooldown"
	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/jobengine"
	"github.com/netlabio/controller/internal/repository"
)

// stableLabStates are the lab states the enforcer is willing to act within —
// anything mid-transition (starting/stopping) is the Job Engine's business,
// not ours.
var stableLabStates = map[string]bool{"running": true, "stopped": true, "error": true}

// Enforcer wraps a gocron scheduler running the enforcement pass on a fixed
// interval.
type Enforcer struct {
	cron gocron.Scheduler

	labs       repository.LabRepository
	nodes      repository.NodeRepository
	nodeStates repository.NodeStateRepository
	placements repository.NodePlacementRepository
	agents     repository.AgentRepository
	jobs       repository.JobRepository
	cooldowns  *cooldown.Store
	engine     *jobengine.Engine

	cfg config.Config
	log *zap.Logger
}

// New constructs an Enforcer. Call Start to begin the periodic pass.
func New(
	labs repository.LabRepository,
	nodes repository.NodeRepository,
	nodeStates repository.NodeStateRepository,
	placements repository.NodePlacementRepository,
	agents repository.AgentRepository,
	jobs repository.JobRepository,
	cooldowns *cooldown.Store,
	engine *jobengine.Engine,
	cfg config.Config,
	logger *zap.Logger,
) (*Enforcer, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("enforcer: create scheduler: %w", err)
	}
	return &Enforcer{
		cron: s, labs: labs, nodes: nodes, nodeStates: nodeStates, placements: placements,
		agents: agents, jobs: jobs, cooldowns: cooldowns, engine: engine, cfg: cfg,
		log: logger.Named("enforcer"),
	}, nil
}

// Start schedules the enforcement pass on state_enforcement_interval. A
// no-op when state_enforcement_enabled is false.
func (e *Enforcer) Start(ctx context.Context) error {
	if !e.cfg.StateEnforcementEnabled {
		e.log.Info("state enforcement disabled, not starting")
		return nil
	}
	_, err := e.cron.NewJob(
		gocron.DurationJob(e.cfg.StateEnforcementInterval),
		gocron.NewTask(func() { e.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("enforcer: schedule pass: %w", err)
	}
	e.cron.Start()
	e.log.Info("enforcer started", zap.Duration("interval", e.cfg.StateEnforcementInterval))
	return nil
}

// Stop gracefully shuts down the scheduler.
func (e *Enforcer) Stop() error {
	if err := e.cron.Shutdown(); err != nil {
		return fmt.Errorf("enforcer: shutdown: %w", err)
	}
	return nil
}

// RunOnce examines every drifting NodeState once and, for each that clears
// the cooldown and active-job checks, enqueues a corrective job. A failure
// enforcing one node is logged and never blocks the rest.
func (e *Enforcer) RunOnce(ctx context.Context) {
	drifting, err := e.nodeStates.ListDesiredRunningNotRunning(ctx)
	if err != nil {
		e.log.Error("list desired running not running", zap.Error(err))
		return
	}

	labCache := make(map[uuid.UUID]*db.Lab)
	for _, ns := range drifting {
		e.enforceNode(ctx, ns, labCache)
	}

	// ListDesiredRunningNotRunning only covers desired=running drift; the
	// opposite direction (desired=stopped, actual=running) has no dedicated
	// query, so scan stable labs' node states for it directly.
	e.enforceStopDrift(ctx, labCache)
}

func (e *Enforcer) enforceStopDrift(ctx context.Context, labCache map[uuid.UUID]*db.Lab) {
	for _, state := range []string{"running", "stopped", "error"} {
		labs, err := e.labs.ListByState(ctx, state)
		if err != nil {
			e.log.Error("list labs by state", zap.String("state", state), zap.Error(err))
			continue
		}
		for _, lab := range labs {
			labCache[lab.ID] = &lab
			states, err := e.nodeStates.ListByLab(ctx, lab.ID)
			if err != nil {
				e.log.Error("list node states for lab", zap.String("lab_id", lab.ID.String()), zap.Error(err))
				continue
			}
			for _, ns := range states {
				if ns.DesiredState == "stopped" && ns.ActualState == "running" {
					e.enforceNode(ctx, ns, labCache)
				}
			}
		}
	}
}

func (e *Enforcer) enforceNode(ctx context.Context, ns db.NodeState, labCache map[uuid.UUID]*db.Lab) {
	action := enforcementAction(ns)
	if action == "" {
		return
	}

	lab, ok := labCache[ns.LabID]
	if !ok {
		loaded, err := e.labs.GetByID(ctx, ns.LabID)
		if err != nil {
			e.log.Error("load lab for enforcement", zap.String("lab_id", ns.LabID.String()), zap.Error(err))
			return
		}
		lab = loaded
		labCache[ns.LabID] = lab
	}
	if !stableLabStates[lab.State] {
		return
	}

	onCooldown, err := e.cooldowns.Active(ctx, ns.LabID, ns.NodeName)
	if err != nil {
		e.log.Error("check cooldown", zap.String("node", ns.NodeName), zap.Error(err))
		return
	}
	if onCooldown {
		return
	}

	active, err := e.jobs.ListActiveByLab(ctx, ns.LabID)
	if err != nil {
		e.log.Error("list active jobs for lab", zap.String("lab_id", ns.LabID.String()), zap.Error(err))
		return
	}
	for _, job := range active {
		if job.Action == "up" || job.Action == "down" {
			return
		}
		if job.Action == fmt.Sprintf("node:start:%s", ns.NodeName) || job.Action == fmt.Sprintf("node:stop:%s", ns.NodeName) {
			return
		}
	}

	agent, err := e.locateAgent(ctx, lab, ns.NodeID, ns.NodeName)
	if err != nil {
		e.log.Warn("no agent available to enforce node", zap.String("node", ns.NodeName), zap.Error(err))
		return
	}

	if err := e.placements.Upsert(ctx, &db.NodePlacement{LabID: ns.LabID, NodeName: ns.NodeName, HostID: agent.ID, Status: ns.ActualState}); err != nil {
		e.log.Error("upsert node placement before enforcement", zap.String("node", ns.NodeName), zap.Error(err))
	}

	if err := e.cooldowns.Set(ctx, ns.LabID, ns.NodeName); err != nil {
		e.log.Error("set enforcement cooldown", zap.String("node", ns.NodeName), zap.Error(err))
		return
	}

	jobAction := fmt.Sprintf("node:%s:%s", action, ns.NodeName)
	if _, err := e.engine.EnqueueSystem(ctx, ns.LabID, jobAction); err != nil {
		e.log.Error("enqueue corrective job", zap.String("node", ns.NodeName), zap.String("action", jobAction), zap.Error(err))
	}
}

// enforcementAction maps a NodeState's drift into the corrective action, or
// "" if the state doesn't warrant one.
func enforcementAction(ns db.NodeState) string {
	if ns.DesiredState == ns.ActualState {
		return ""
	}
	switch {
	case ns.DesiredState == "running" && (ns.ActualState == "stopped" || ns.ActualState == "undeployed" || ns.ActualState == "exited"):
		return "start"
	case ns.DesiredState == "stopped" && ns.ActualState == "running":
		return "stop"
	default:
		return ""
	}
}

// locateAgent resolves the agent that should receive the corrective action:
// the node's explicit host placement first, then its current NodePlacement,
// then the lab's default host, then the lab's affinity agent. Returns an
// error if none resolves to an online agent.
func (e *Enforcer) locateAgent(ctx context.Context, lab *db.Lab, nodeID uuid.UUID, nodeName string) (*db.Agent, error) {
	node, err := e.nodes.GetByID(ctx, nodeID)
	if err == nil && node.HostID != "" {
		if agent, err := e.agents.GetByName(ctx, node.HostID); err == nil && agent.Status == "online" {
			return agent, nil
		}
	}

	if placement, err := e.placements.GetByLabAndNode(ctx, lab.ID, nodeName); err == nil {
		if agent, err := e.agents.GetByID(ctx, placement.HostID); err == nil && agent.Status == "online" {
			return agent, nil
		}
	}

	if lab.DefaultHostID != "" {
		if agent, err := e.agents.GetByName(ctx, lab.DefaultHostID); err == nil && agent.Status == "online" {
			return agent, nil
		}
	}

	if lab.AgentID != nil {
		if agent, err := e.agents.GetByID(ctx, *lab.AgentID); err == nil && agent.Status == "online" {
			return agent, nil
		}
	}

	return nil, fmt.Errorf("no online agent resolves for node %s in lab %s", nodeName, lab.ID)
}
