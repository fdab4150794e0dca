// Package selector chooses which agent should run a given piece of work:
// capability filtering, load-balancing, affinity, and sticky per-lab
// placement.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/netlabio/controller/internal/db"
	"github.com/netlabio/controller/internal/repository"
)

// Selector picks an online, capable, least-loaded agent for dispatch.
type Selector struct {
	agents     repository.AgentRepository
	jobs       repository.JobRepository
	placements repository.NodePlacementRepository
}

// New returns a Selector backed by the given repositories.
func New(agents repository.AgentRepository, jobs repository.JobRepository, placements repository.NodePlacementRepository) *Selector {
	return &Selector{agents: agents, jobs: jobs, placements: placements}
}

// Criteria narrows the candidate pool before load-balancing.
type Criteria struct {
	RequiredProvider string
	PreferAgentID    *uuid.UUID
	ExcludeAgentIDs  []uuid.UUID
}

// ErrNoAgent is returned when no agent satisfies the criteria.
var ErrNoAgent = fmt.Errorf("no suitable agent available")

// Select returns the agent that should handle the next dispatch for the
// given criteria.
//
//  1. Load all online agents, excluding ExcludeAgentIDs.
//  2. Filter to those whose capabilities include RequiredProvider.
//  3. Drop any agent at or above its MaxConcurrentJobs active-job count.
//  4. If PreferAgentID survived steps 1-3, return it — affinity wins even
//     if it is not the least-loaded candidate.
//  5. Otherwise return the least-loaded agent, ties broken by id.
func (s *Selector) Select(ctx context.Context, crit Criteria) (*db.Agent, error) {
	online, err := s.agents.ListOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: list online: %w", err)
	}

	excluded := make(map[uuid.UUID]bool, len(crit.ExcludeAgentIDs))
	for _, id := range crit.ExcludeAgentIDs {
		excluded[id] = true
	}

	type candidate struct {
		agent      db.Agent
		activeJobs int
	}
	var candidates []candidate

	for _, a := range online {
		if excluded[a.ID] {
			continue
		}
		if crit.RequiredProvider != "" && !hasProvider(a, crit.RequiredProvider) {
			continue
		}

		active, err := s.countActiveJobs(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if active >= a.MaxConcurrentJobs {
			continue
		}

		candidates = append(candidates, candidate{agent: a, activeJobs: active})
	}

	if len(candidates) == 0 {
		return nil, ErrNoAgent
	}

	if crit.PreferAgentID != nil {
		for _, c := range candidates {
			if c.agent.ID == *crit.PreferAgentID {
				agent := c.agent
				return &agent, nil
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].activeJobs != candidates[j].activeJobs {
			return candidates[i].activeJobs < candidates[j].activeJobs
		}
		return candidates[i].agent.ID.String() < candidates[j].agent.ID.String()
	})

	agent := candidates[0].agent
	return &agent, nil
}

func (s *Selector) countActiveJobs(ctx context.Context, agentID uuid.UUID) (int, error) {
	count, err := s.jobs.CountActiveByAgent(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("selector: count active jobs: %w", err)
	}
	return count, nil
}

func hasProvider(agent db.Agent, provider string) bool {
	var providers []string
	if err := json.Unmarshal([]byte(agent.Providers), &providers); err != nil {
		return false
	}
	for _, p := range providers {
		if p == provider {
			return true
		}
	}
	return false
}

// SelectForLab extends Select with sticky per-lab affinity: it inspects
// existing NodePlacement rows for the lab and prefers whichever agent holds
// the majority of them. Only when no placements exist does it fall back to
// ordinary Select. This keeps a redeployed lab on the same host without a
// hard binding.
func (s *Selector) SelectForLab(ctx context.Context, labID uuid.UUID, crit Criteria) (*db.Agent, error) {
	placements, err := s.placements.ListByLab(ctx, labID)
	if err != nil {
		return nil, fmt.Errorf("selector: list placements: %w", err)
	}

	if len(placements) > 0 {
		counts := make(map[uuid.UUID]int)
		for _, p := range placements {
			counts[p.HostID]++
		}
		var majority uuid.UUID
		best := 0
		for host, count := range counts {
			if count > best {
				majority = host
				best = count
			}
		}
		majority2 := majority
		crit.PreferAgentID = &majority2
	}

	return s.Select(ctx, crit)
}
