// Package reconciler makes the controller's database match ground truth
// without taking corrective action itself: it polls agents for live
// container status, derives NodeState/LinkState/lab state from what it
// observes, and backfills NodePlacement rows. Acting on drift is the State
// Enforcer's job, not this one's.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/agentclient"
	"github.com/netlabio/controller/internal/config"
	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/metrics"
	"github.com/netlabio/controller/internal/repository"
	"github.com/netlabio/controller/internal/webhook"
)

// Reconciler wraps a gocron scheduler running the reconciliation pass on a
// fixed interval.
type Reconciler struct {
	cron gocron.Scheduler

	labs       repository.LabRepository
	nodes      repository.NodeRepository
	links      repository.LinkRepository
	nodeStates repository.NodeStateRepository
	linkStates repository.LinkStateRepository
	placements repository.NodePlacementRepository
	agents     repository.AgentRepository
	jobs       repository.JobRepository
	client     *agentclient.Client
	webhooks   *webhook.Dispatcher

	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Registry
}

// New constructs a Reconciler. Call Start to begin the periodic pass. m may
// be nil, in which case reconciliation metrics are not recorded.
func New(
	labs repository.LabRepository,
	nodes repository.NodeRepository,
	links repository.LinkRepository,
	nodeStates repository.NodeStateRepository,
	linkStates repository.LinkStateRepository,
	placements repository.NodePlacementRepository,
	agents repository.AgentRepository,
	jobs repository.JobRepository,
	client *agentclient.Client,
	webhooks *webhook.Dispatcher,
	cfg config.Config,
	logger *zap.Logger,
	m *metrics.Registry,
) (*Reconciler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reconciler: create scheduler: %w", err)
	}
	return &Reconciler{
		cron: s, labs: labs, nodes: nodes, links: links, nodeStates: nodeStates,
		linkStates: linkStates, placements: placements, agents: agents, jobs: jobs,
		client: client, webhooks: webhooks, cfg: cfg, log: logger.Named("reconciler"), metrics: m,
	}, nil
}

// Start schedules the reconciliation pass on reconciliation_interval.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.cron.NewJob(
		gocron.DurationJob(r.cfg.ReconciliationInterval),
		gocron.NewTask(func() { r.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("reconciler: schedule pass: %w", err)
	}
	r.cron.Start()
	r.log.Info("reconciler started", zap.Duration("interval", r.cfg.ReconciliationInterval))
	return nil
}

// Stop gracefully shuts down the scheduler.
func (r *Reconciler) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("reconciler: shutdown: %w", err)
	}
	return nil
}

// RunOnce runs the readiness-polling pass and the full per-lab
// reconciliation pass once. Exported so an admin /reconcile trigger and
// tests can invoke it directly between scheduled ticks.
func (r *Reconciler) RunOnce(ctx context.Context) {
	start := time.Now()
	r.pollReadiness(ctx)

	targets, err := r.selectTargets(ctx)
	if err != nil {
		r.log.Error("select reconciliation targets", zap.Error(err))
		return
	}
	for _, labID := range targets {
		r.reconcileLab(ctx, labID)
	}

	if r.metrics != nil {
		r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		r.metrics.ReconcileLabsScanned.Add(float64(len(targets)))
	}
}

// pollReadiness checks every running-but-not-ready node against its agent.
// It runs independently of target selection and of any in-flight job on the
// lab, because setting a single boolean is always safe.
func (r *Reconciler) pollReadiness(ctx context.Context) {
	pending, err := r.nodeStates.ListRunningNotReady(ctx)
	if err != nil {
		r.log.Error("list running-not-ready node states", zap.Error(err))
		return
	}
	for i := range pending {
		ns := pending[i]
		if ns.BootStartedAt == nil {
			now := time.Now()
			ns.BootStartedAt = &now
			if err := r.nodeStates.Upsert(ctx, &ns); err != nil {
				r.log.Error("record boot_started_at", zap.Error(err))
			}
		}

		agent, err := r.resolveAgent(ctx, ns.LabID, ns.NodeName)
		if err != nil || agent == nil {
			continue
		}
		ready, err := r.client.CheckNodeReadiness(ctx, agent, ns.LabID.String(), ns.NodeName)
		if err != nil {
			continue
		}
		if ready && !ns.IsReady {
			ns.IsReady = true
			if err := r.nodeStates.Upsert(ctx, &ns); err != nil {
				r.log.Error("mark node ready", zap.Error(err))
				continue
			}
			r.notifyNodeReady(ctx, ns)
		}
	}
}

func (r *Reconciler) notifyNodeReady(ctx context.Context, ns db.NodeState) {
	if r.webhooks == nil {
		return
	}
	lab, err := r.labs.GetByID(ctx, ns.LabID)
	if err != nil {
		return
	}
	r.webhooks.Dispatch(ctx, webhook.Event{
		Type:  "node.ready",
		Owner: lab.Owner,
		LabID: lab.ID,
		Lab:   &webhook.LabPayload{ID: lab.ID.String(), Name: lab.Name, State: lab.State},
		Nodes: []webhook.NodeSummary{{Name: ns.NodeName, State: ns.ActualState}},
	})
}

// selectTargets returns the deduplicated union of labs needing a full
// reconciliation pass, per §4.6's target-selection rule.
func (r *Reconciler) selectTargets(ctx context.Context) ([]uuid.UUID, error) {
	targets := make(map[uuid.UUID]bool)

	for _, state := range []string{"starting", "stopping", "unknown"} {
		labs, err := r.labs.ListByState(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("list labs by state %q: %w", state, err)
		}
		for _, l := range labs {
			targets[l.ID] = true
		}
	}

	stuckPending, err := r.nodeStates.ListStuckPending(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		return nil, fmt.Errorf("list stuck pending node states: %w", err)
	}
	addLabIDs(targets, stuckPending)

	notReady, err := r.nodeStates.ListRunningNotReady(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running not ready: %w", err)
	}
	addLabIDs(targets, notReady)

	inError, err := r.nodeStates.ListInError(ctx)
	if err != nil {
		return nil, fmt.Errorf("list in error: %w", err)
	}
	addLabIDs(targets, inError)

	driftingDesired, err := r.nodeStates.ListDesiredRunningNotRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("list desired running not running: %w", err)
	}
	addLabIDs(targets, driftingDesired)

	missingPlacement, err := r.nodeStates.ListRunningWithoutPlacement(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running without placement: %w", err)
	}
	addLabIDs(targets, missingPlacement)

	out := make([]uuid.UUID, 0, len(targets))
	for id := range targets {
		out = append(out, id)
	}
	return out, nil
}

func addLabIDs(set map[uuid.UUID]bool, states []db.NodeState) {
	for _, s := range states {
		set[s.LabID] = true
	}
}

// reconcileLab runs the full per-lab reconciliation pass described in §4.6
// steps 1-8. Errors are logged and the lab is skipped — a failure here must
// never abort the rest of the targets.
func (r *Reconciler) reconcileLab(ctx context.Context, labID uuid.UUID) {
	lab, err := r.labs.GetByID(ctx, labID)
	if err != nil {
		r.log.Error("load lab for reconciliation", zap.String("lab_id", labID.String()), zap.Error(err))
		return
	}

	active, err := r.jobs.ListActiveByLab(ctx, labID)
	if err != nil {
		r.log.Error("list active jobs for lab", zap.String("lab_id", labID.String()), zap.Error(err))
		return
	}
	for _, job := range active {
		if job.StartedAt == nil {
			continue
		}
		grace := r.cfg.TimeoutForAction(job.Action) + r.cfg.JobStuckGracePeriod
		if time.Since(*job.StartedAt) < grace {
			// Still plausibly in flight — deliberately within the job's own
			// window, the Health Monitor owns anything stuck past it.
			return
		}
	}

	agentIDs, err := r.candidateAgents(ctx, lab)
	if err != nil {
		r.log.Error("select candidate agents", zap.String("lab_id", labID.String()), zap.Error(err))
		return
	}
	if len(agentIDs) == 0 {
		return
	}

	containerStatus := make(map[string]agentclient.ContainerStatus)
	containerAgent := make(map[string]uuid.UUID)
	for _, agentID := range agentIDs {
		agent, err := r.agents.GetByID(ctx, agentID)
		if err != nil {
			continue
		}
		status, err := r.client.GetLabStatus(ctx, agent, labID.String())
		if err != nil {
			r.log.Warn("get lab status", zap.String("agent_id", agentID.String()), zap.Error(err))
			continue
		}
		for _, c := range status.Containers {
			containerStatus[c.NodeName] = c
			containerAgent[c.NodeName] = agentID
		}
	}

	nodes, err := r.nodes.ListByLab(ctx, labID)
	if err != nil {
		r.log.Error("list nodes for lab", zap.String("lab_id", labID.String()), zap.Error(err))
		return
	}

	anyError, anyRunning := false, false
	for _, node := range nodes {
		ns, err := r.nodeStates.GetByLabAndNode(ctx, labID, node.ID)
		if err != nil {
			ns = &db.NodeState{LabID: labID, NodeID: node.ID, NodeName: node.ContainerName, DesiredState: "stopped"}
		}

		cs, observed := containerStatus[node.ContainerName]
		actual := mapContainerStatus(cs.Status, observed)
		ns.ActualState = actual
		if actual == "error" {
			ns.ErrorMessage = fmt.Sprintf("container reported status %q", cs.Status)
			anyError = true
		} else {
			ns.ErrorMessage = ""
		}
		if actual == "running" {
			anyRunning = true
		} else {
			ns.IsReady = false
			ns.BootStartedAt = nil
		}
		if err := r.nodeStates.Upsert(ctx, ns); err != nil {
			r.log.Error("upsert node state", zap.String("node", node.ContainerName), zap.Error(err))
			continue
		}

		if observed {
			placement := &db.NodePlacement{LabID: labID, NodeName: node.ContainerName, HostID: containerAgent[node.ContainerName], Status: actual}
			if err := r.placements.Upsert(ctx, placement); err != nil {
				r.log.Error("upsert node placement", zap.String("node", node.ContainerName), zap.Error(err))
			}
		}
	}

	newState := "stopped"
	if anyError {
		newState = "error"
	} else if anyRunning {
		newState = "running"
	}
	if err := r.labs.UpdateState(ctx, labID, newState, ""); err != nil {
		r.log.Error("update lab state", zap.String("lab_id", labID.String()), zap.Error(err))
	}

	r.reconcileLinkStates(ctx, labID)
}

// candidateAgents returns the set of agents that could plausibly host this
// lab's nodes: every NodePlacement host, the lab's affinity agent, and — if
// nothing else is known — any online agent as a last resort.
func (r *Reconciler) candidateAgents(ctx context.Context, lab *db.Lab) ([]uuid.UUID, error) {
	set := make(map[uuid.UUID]bool)

	placements, err := r.placements.ListByLab(ctx, lab.ID)
	if err != nil {
		return nil, fmt.Errorf("list placements: %w", err)
	}
	for _, p := range placements {
		set[p.HostID] = true
	}
	if lab.AgentID != nil {
		set[*lab.AgentID] = true
	}

	if len(set) == 0 {
		online, err := r.agents.ListOnline(ctx)
		if err != nil {
			return nil, fmt.Errorf("list online agents: %w", err)
		}
		for _, a := range online {
			set[a.ID] = true
		}
	}

	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// mapContainerStatus translates an agent-reported container status into our
// NodeState actual_state vocabulary. A node absent from the agent's report
// is undeployed.
func mapContainerStatus(status string, observed bool) string {
	if !observed {
		return "undeployed"
	}
	switch status {
	case "running":
		return "running"
	case "stopped", "exited":
		return "stopped"
	case "dead", "error":
		return "error"
	default:
		return "undeployed"
	}
}

// reconcileLinkStates derives every Link's LinkState from its two endpoint
// NodeStates and backfills rows for any Link definition lacking one yet.
func (r *Reconciler) reconcileLinkStates(ctx context.Context, labID uuid.UUID) {
	links, err := r.links.ListByLab(ctx, labID)
	if err != nil {
		r.log.Error("list links for lab", zap.String("lab_id", labID.String()), zap.Error(err))
		return
	}
	nodes, err := r.nodes.ListByLab(ctx, labID)
	if err != nil {
		r.log.Error("list nodes for lab", zap.String("lab_id", labID.String()), zap.Error(err))
		return
	}
	nodeByID := make(map[uuid.UUID]db.Node, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
	}
	statesByLab, err := r.nodeStates.ListByLab(ctx, labID)
	if err != nil {
		r.log.Error("list node states for lab", zap.String("lab_id", labID.String()), zap.Error(err))
		return
	}
	stateByNodeID := make(map[uuid.UUID]db.NodeState, len(statesByLab))
	for _, ns := range statesByLab {
		stateByNodeID[ns.NodeID] = ns
	}

	for _, link := range links {
		src, srcOK := nodeByID[link.SourceNodeID]
		dst, dstOK := nodeByID[link.TargetNodeID]
		if !srcOK || !dstOK {
			continue
		}
		srcState := stateByNodeID[link.SourceNodeID]
		dstState := stateByNodeID[link.TargetNodeID]

		ls := &db.LinkState{
			LabID: labID, LinkName: link.LinkName,
			SourceNode: src.ContainerName, SourceInterface: link.SourceInterface,
			TargetNode: dst.ContainerName, TargetInterface: link.TargetInterface,
			ActualState: deriveLinkState(srcState.ActualState, dstState.ActualState),
		}
		if ls.ActualState == "error" {
			ls.ErrorMessage = fmt.Sprintf("endpoint in error: %s or %s", src.ContainerName, dst.ContainerName)
		}
		if err := r.linkStates.Upsert(ctx, ls); err != nil {
			r.log.Error("upsert link state", zap.String("link", link.LinkName), zap.Error(err))
		}
	}
}

// deriveLinkState implements §4.6 step 7's endpoint-aggregation rule.
// desired_state is intentionally untouched by the caller.
func deriveLinkState(a, b string) string {
	if a == "running" && b == "running" {
		return "up"
	}
	if a == "error" || b == "error" {
		return "error"
	}
	if a == "stopped" || a == "undeployed" || b == "stopped" || b == "undeployed" {
		return "down"
	}
	return "unknown"
}

// MatchLabIDPrefix implements the tie-break rule for correlating an
// agent-reported (possibly truncated) lab id prefix against known lab ids:
// exact match wins; otherwise the prefix match whose id starts with the
// observed prefix, preferring equal length, else the first found.
func MatchLabIDPrefix(observed string, known []uuid.UUID) (uuid.UUID, bool) {
	for _, id := range known {
		if id.String() == observed {
			return id, true
		}
	}

	var candidates []uuid.UUID
	for _, id := range known {
		if strings.HasPrefix(id.String(), observed) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return uuid.UUID{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].String()) < len(candidates[j].String())
	})
	return candidates[0], true
}

func (r *Reconciler) resolveAgent(ctx context.Context, labID uuid.UUID, nodeName string) (*db.Agent, error) {
	placement, err := r.placements.GetByLabAndNode(ctx, labID, nodeName)
	if err == nil {
		return r.agents.GetByID(ctx, placement.HostID)
	}

	lab, err := r.labs.GetByID(ctx, labID)
	if err != nil {
		return nil, err
	}
	if lab.AgentID != nil {
		return r.agents.GetByID(ctx, *lab.AgentID)
	}
	return nil, fmt.Errorf("no agent known for lab %s node %s", labID, nodeName)
}
