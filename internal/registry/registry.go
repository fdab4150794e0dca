// Package registry implements agent registration, heartbeat ingestion, and
// staleness detection — the controller's source of truth for which agents
// exist and whether they are reachable.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netlabio/controller/internal/agentclient"
	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/repository"
)

// Registry handles agent identity reconciliation and liveness tracking.
type Registry struct {
	agents repository.AgentRepository
	log    *zap.Logger

	staleTimeout time.Duration
}

// New returns a Registry backed by the given repository.
func New(agents repository.AgentRepository, staleTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{agents: agents, staleTimeout: staleTimeout, log: logger.Named("registry")}
}

// RegisterRequest is the payload accompanying a registration attempt.
type RegisterRequest struct {
	ID           *uuid.UUID      `json:"id,omitempty"`
	Name         string          `json:"name"`
	Address      string          `json:"address"`
	Version      string          `json:"version"`
	Capabilities json.RawMessage `json:"capabilities"`
}

// RegisterResult reports back which row the agent is now identified by.
type RegisterResult struct {
	AssignedID uuid.UUID
	Created    bool
}

// Register reconciles an incoming registration against existing rows.
// Lookup order: by id, then by (name OR address), then insert. A match on
// any of those updates the existing row in place and returns its id, so an
// agent that registers twice — even under a new id after a data wipe — never
// produces a duplicate row. This preserves foreign-key references held by
// labs, jobs, and placements.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (RegisterResult, error) {
	caps := agentclient.ParseCapabilities(req.Capabilities)
	providers, _ := json.Marshal(caps.Providers)
	features, _ := json.Marshal(caps.Features)
	now := time.Now()

	var existing *db.Agent
	var err error

	if req.ID != nil {
		existing, err = r.agents.GetByID(ctx, *req.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return RegisterResult{}, fmt.Errorf("registry: lookup by id: %w", err)
		}
	}

	if existing == nil {
		existing, err = r.agents.GetByName(ctx, req.Name)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return RegisterResult{}, fmt.Errorf("registry: lookup by name: %w", err)
		}
	}

	if existing == nil {
		existing, err = r.agents.GetByAddress(ctx, req.Address)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return RegisterResult{}, fmt.Errorf("registry: lookup by address: %w", err)
		}
	}

	if existing != nil {
		existing.Name = req.Name
		existing.Address = req.Address
		existing.Version = req.Version
		existing.Status = "online"
		existing.Providers = string(providers)
		existing.Features = string(features)
		existing.MaxConcurrentJobs = caps.MaxConcurrentJobs
		existing.LastHeartbeatAt = &now
		if err := r.agents.Update(ctx, existing); err != nil {
			return RegisterResult{}, fmt.Errorf("registry: update existing: %w", err)
		}
		r.log.Info("agent re-registered", zap.String("agent_id", existing.ID.String()), zap.String("name", existing.Name))
		return RegisterResult{AssignedID: existing.ID, Created: false}, nil
	}

	agent := &db.Agent{
		Name:              req.Name,
		Address:           req.Address,
		Status:            "online",
		Version:           req.Version,
		Providers:         string(providers),
		Features:          string(features),
		MaxConcurrentJobs: caps.MaxConcurrentJobs,
		ImageSyncStrategy: "on_demand",
		LastHeartbeatAt:   &now,
	}
	if err := r.agents.Create(ctx, agent); err != nil {
		return RegisterResult{}, fmt.Errorf("registry: create: %w", err)
	}
	r.log.Info("agent registered", zap.String("agent_id", agent.ID.String()), zap.String("name", agent.Name))
	return RegisterResult{AssignedID: agent.ID, Created: true}, nil
}

// HeartbeatRequest is the payload of a heartbeat call.
type HeartbeatRequest struct {
	Status        string          `json:"status"`
	ActiveJobs    int             `json:"active_jobs"`
	ResourceUsage json.RawMessage `json:"resource_usage"`
}

// HeartbeatResult is returned to the agent. PendingJobs is always empty:
// jobs reach an agent through the controller's outbound calls, and nothing
// fills this list.
type HeartbeatResult struct {
	Acknowledged bool
	PendingJobs  []string
}

// Heartbeat updates an agent's liveness and resource snapshot.
func (r *Registry) Heartbeat(ctx context.Context, agentID uuid.UUID, req HeartbeatRequest) (HeartbeatResult, error) {
	usage := "{}"
	if len(req.ResourceUsage) > 0 {
		usage = string(req.ResourceUsage)
	}
	status := req.Status
	if status == "" {
		status = "online"
	}
	if err := r.agents.UpdateHeartbeat(ctx, agentID, status, time.Now(), usage); err != nil {
		return HeartbeatResult{}, fmt.Errorf("registry: heartbeat: %w", err)
	}
	return HeartbeatResult{Acknowledged: true, PendingJobs: []string{}}, nil
}

// SweepStale transitions every online agent whose last heartbeat predates
// the configured stale_timeout to offline, and returns the agents that were
// flipped so the Job Engine can fail over their active jobs.
func (r *Registry) SweepStale(ctx context.Context) ([]db.Agent, error) {
	cutoff := time.Now().Add(-r.staleTimeout)

	online, err := r.agents.ListOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: sweep stale: list online: %w", err)
	}

	var stale []db.Agent
	for _, a := range online {
		if a.LastHeartbeatAt == nil || a.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, a)
		}
	}

	if _, err := r.agents.MarkStale(ctx, cutoff); err != nil {
		return nil, fmt.Errorf("registry: sweep stale: mark stale: %w", err)
	}

	if len(stale) > 0 {
		r.log.Info("marked agents offline on staleness sweep", zap.Int("count", len(stale)))
	}
	return stale, nil
}

// RecordAgentVersion updates the cached Version on an agent row,
// independent of an AgentUpdateJob rollout. Nothing in the controller
// calls it.
func (r *Registry) RecordAgentVersion(ctx context.Context, agentID uuid.UUID, version string) error {
	agent, err := r.agents.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("registry: record agent version: %w", err)
	}
	agent.Version = version
	return r.agents.Update(ctx, agent)
}
