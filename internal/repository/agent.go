package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netlabio/controller/internal/db"
)

type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(gdb *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: gdb}
}

func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByName retrieves a non-deleted agent by its declared name. Used during
// registration to detect a reconnecting agent that was assigned a new
// address (e.g. restarted behind a different NAT port) but kept its name.
func (r *gormAgentRepository) GetByName(ctx context.Context, name string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by name: %w", err)
	}
	return &agent, nil
}

// GetByAddress retrieves a non-deleted agent by its dial address. Used as the
// second fallback in the registration reconciliation order: id, then name,
// then address.
func (r *gormAgentRepository) GetByAddress(ctx context.Context, address string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "address = ?", address).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by address: %w", err)
	}
	return &agent, nil
}

func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat updates only the columns touched by a heartbeat, avoiding
// write amplification on the full row for what is otherwise a high-frequency
// operation.
func (r *gormAgentRepository) UpdateHeartbeat(ctx context.Context, id uuid.UUID, status string, at time.Time, resourceUsage string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":            status,
			"last_heartbeat_at": at,
			"resource_usage":    resourceUsage,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: update heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStale flips every agent whose last heartbeat is older than olderThan
// (or that has never heartbeated, whatever its age) from online to offline,
// returning the number of rows changed.
func (r *gormAgentRepository) MarkStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("status = ? AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)", "online", olderThan).
		Update("status", "offline")
	if result.Error != nil {
		return 0, fmt.Errorf("agents: mark stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormAgentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Agent{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("agents: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

func (r *gormAgentRepository) ListOnline(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).Where("status = ?", "online").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list online: %w", err)
	}
	return agents, nil
}

// ListByImageSyncStrategy returns every online agent configured with the
// given image sync strategy — push-on-upload's fan-out target set.
func (r *gormAgentRepository) ListByImageSyncStrategy(ctx context.Context, strategy string) ([]db.Agent, error) {
	var agents []db.Agent
	err := r.db.WithContext(ctx).
		Where("image_sync_strategy = ? AND status = ?", strategy, "online").
		Find(&agents).Error
	if err != nil {
		return nil, fmt.Errorf("agents: list by image sync strategy: %w", err)
	}
	return agents, nil
}
