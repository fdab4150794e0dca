// Package multihost fans a single lab's topology out across multiple
// agents: it analyzes and splits the manifest into one sub-graph per host,
// deploys each in parallel, and re-establishes links that cross a host
// boundary via each agent's overlay endpoint.
package multihost

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netlabio/controller/internal/agentclient"
	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/repository"
	"github.com/netlabio/controller/internal/topology"
)

// Deployer drives the multi-host deploy/destroy flow for labs whose
// topology analysis reports more than one distinct host.
type Deployer struct {
	placements repository.NodePlacementRepository
	agents     repository.AgentRepository
	jobs       repository.JobRepository
	client     *agentclient.Client
	log        *zap.Logger
}

// New returns a Deployer wired to its dependencies.
func New(
	placements repository.NodePlacementRepository,
	agents repository.AgentRepository,
	jobs repository.JobRepository,
	client *agentclient.Client,
	logger *zap.Logger,
) *Deployer {
	return &Deployer{placements: placements, agents: agents, jobs: jobs, client: client, log: logger.Named("multihost")}
}

// Deploy runs the full multi-host deploy flow for job against lab. Returns an
// error (and leaves the job for the caller to fail) when the topology cannot
// be parsed, when a placement host has no online agent with the lab's
// provider, or when a host's sub-graph deploy failed — overlay setup failures
// for cross-host links are logged to the job and never fail the deploy,
// since the containers involved are already running.
func (d *Deployer) Deploy(ctx context.Context, job *db.Job, lab *db.Lab) error {
	graph, err := topology.Parse(lab.TopologyYAML)
	if err != nil {
		return fmt.Errorf("multihost: parse topology: %w", err)
	}
	analysis := topology.Analyze(graph, lab.DefaultHostID)
	subGraphs := topology.Split(graph, analysis)

	hostAgents, missing := d.resolveHosts(ctx, analysis.Placements, lab.Provider)
	if len(missing) > 0 {
		return fmt.Errorf("missing hosts: %s", strings.Join(missing, ", "))
	}

	if err := d.deploySubGraphs(ctx, job, lab, subGraphs, hostAgents); err != nil {
		return err
	}

	d.setupCrossHostLinks(ctx, job, lab, analysis, hostAgents)
	return nil
}

// resolveHosts maps every logical host name in placements to an online agent
// with lab's required provider. Any host that doesn't resolve is returned in
// missing.
func (d *Deployer) resolveHosts(ctx context.Context, placements map[string][]string, provider string) (map[string]*db.Agent, []string) {
	resolved := make(map[string]*db.Agent, len(placements))
	var missing []string
	for host := range placements {
		agent, err := d.agents.GetByName(ctx, host)
		if err != nil || agent.Status != "online" || !supportsProvider(agent, provider) {
			missing = append(missing, host)
			continue
		}
		resolved[host] = agent
	}
	return resolved, missing
}

func supportsProvider(agent *db.Agent, provider string) bool {
	return strings.Contains(agent.Providers, provider)
}

// deploySubGraphs dispatches one deploy call per host in parallel via
// errgroup, logging each host's outcome to the job. Any single host failure
// fails the whole deploy.
func (d *Deployer) deploySubGraphs(ctx context.Context, job *db.Job, lab *db.Lab, subGraphs map[string]*topology.Graph, hostAgents map[string]*db.Agent) error {
	g, gctx := errgroup.WithContext(ctx)
	logs := make([]db.JobLog, 0, len(subGraphs))

	for host, sub := range subGraphs {
		host, sub := host, sub
		agent := hostAgents[host]
		g.Go(func() error {
			yamlOut, err := topology.ToAgentYAML(sub)
			if err != nil {
				return fmt.Errorf("host %s: %w", host, err)
			}
			_, _, err = d.client.Deploy(gctx, agent, job.ID.String(), lab.ID.String(), yamlOut, lab.Provider)
			if err != nil {
				return fmt.Errorf("host %s: %w", host, err)
			}
			return nil
		})
	}

	err := g.Wait()
	for host := range subGraphs {
		level, msg := "info", fmt.Sprintf("host %s deployed", host)
		if err != nil && strings.Contains(err.Error(), "host "+host+":") {
			level, msg = "error", err.Error()
		}
		logs = append(logs, db.JobLog{JobID: job.ID, Level: level, Message: msg, Timestamp: time.Now()})
	}
	_ = d.jobs.BulkCreateLogs(ctx, logs)

	return err
}

// containerName builds the containerlab container name an agent's
// /overlay/cross_host endpoint expects for a topology node: clab-<lab name>-
// <node name>, the same convention containerlab itself uses to name the
// containers it launches.
func containerName(lab *db.Lab, node string) string {
	return fmt.Sprintf("clab-%s-%s", lab.Name, node)
}

// setupCrossHostLinks re-establishes every cross-host link via each side's
// overlay endpoint. Failures are logged, never fatal — best effort per §4.8.
func (d *Deployer) setupCrossHostLinks(ctx context.Context, job *db.Job, lab *db.Lab, analysis topology.Analysis, hostAgents map[string]*db.Agent) {
	for _, link := range analysis.CrossHost {
		hostA := analysis.NodeHost[link.A.Node]
		hostB := analysis.NodeHost[link.B.Node]
		agentA, agentB := hostAgents[hostA], hostAgents[hostB]
		if agentA == nil || agentB == nil {
			continue
		}

		containerA := containerName(lab, link.A.Node)
		containerB := containerName(lab, link.B.Node)

		reqA := agentclient.CrossHostLinkRequest{
			LabID: lab.ID.String(), LinkID: link.Name,
			LocalAgent: agentA.Name, RemoteAgent: agentB.Name,
			LocalNode: containerA, LocalIface: link.A.Interface,
			RemoteNode: containerB, RemoteIface: link.B.Interface,
		}
		reqB := agentclient.CrossHostLinkRequest{
			LabID: lab.ID.String(), LinkID: link.Name,
			LocalAgent: agentB.Name, RemoteAgent: agentA.Name,
			LocalNode: containerB, LocalIface: link.B.Interface,
			RemoteNode: containerA, RemoteIface: link.A.Interface,
		}

		var failures []string
		if err := d.client.SetupCrossHostLink(ctx, agentA, reqA); err != nil {
			failures = append(failures, fmt.Sprintf("%s side: %v", agentA.Name, err))
		}
		if err := d.client.SetupCrossHostLink(ctx, agentB, reqB); err != nil {
			failures = append(failures, fmt.Sprintf("%s side: %v", agentB.Name, err))
		}
		if len(failures) > 0 {
			d.log.Warn("cross-host link setup failed", zap.String("link", link.Name), zap.Strings("failures", failures))
			_ = d.jobs.BulkCreateLogs(ctx, []db.JobLog{{
				JobID: job.ID, Level: "warn", Timestamp: time.Now(),
				Message: fmt.Sprintf("overlay setup for link %s degraded: %s", link.Name, strings.Join(failures, "; ")),
			}})
		}
	}
}

// Destroy tears down every host's deployment for lab: cleanup_overlay first
// on each agent holding a placement, then destroy in parallel. Best-effort —
// the job completes even with partial failures.
func (d *Deployer) Destroy(ctx context.Context, job *db.Job, lab *db.Lab) error {
	placements, err := d.placements.ListByLab(ctx, lab.ID)
	if err != nil {
		return fmt.Errorf("multihost: list placements: %w", err)
	}

	hostIDs := make(map[string]bool)
	var agentList []*db.Agent
	for _, p := range placements {
		if hostIDs[p.HostID.String()] {
			continue
		}
		hostIDs[p.HostID.String()] = true
		agent, err := d.agents.GetByID(ctx, p.HostID)
		if err != nil {
			continue
		}
		agentList = append(agentList, agent)
	}

	for _, agent := range agentList {
		if err := d.client.CleanupOverlay(ctx, agent, lab.ID.String()); err != nil {
			d.log.Warn("cleanup overlay failed", zap.String("agent_id", agent.ID.String()), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, agent := range agentList {
		agent := agent
		g.Go(func() error {
			_, err := d.client.Destroy(gctx, agent, job.ID.String(), lab.ID.String())
			if err != nil {
				d.log.Warn("destroy failed on host", zap.String("agent_id", agent.ID.String()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}
