package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netlabio/controller/internal/db"
)

type gormAgentUpdateJobRepository struct {
	db *gorm.DB
}

// NewAgentUpdateJobRepository returns an AgentUpdateJobRepository backed by
// the provided *gorm.DB.
func NewAgentUpdateJobRepository(gdb *gorm.DB) AgentUpdateJobRepository {
	return &gormAgentUpdateJobRepository{db: gdb}
}

func (r *gormAgentUpdateJobRepository) Create(ctx context.Context, job *db.AgentUpdateJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("agent_update_jobs: create: %w", err)
	}
	return nil
}

// GetPendingForAgent returns the oldest unresolved update job for an agent,
// the row an agent's own updater polls for on heartbeat.
func (r *gormAgentUpdateJobRepository) GetPendingForAgent(ctx context.Context, agentID uuid.UUID) (*db.AgentUpdateJob, error) {
	var job db.AgentUpdateJob
	err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status IN ?", agentID, []string{"pending", "in_progress"}).
		Order("created_at ASC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent_update_jobs: get pending for agent: %w", err)
	}
	return &job, nil
}

func (r *gormAgentUpdateJobRepository) Update(ctx context.Context, job *db.AgentUpdateJob) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("agent_update_jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
