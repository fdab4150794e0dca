package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netlabio/controller/internal/db"
)

type gormLabRepository struct {
	db *gorm.DB
}

// NewLabRepository returns a LabRepository backed by the provided *gorm.DB.
func NewLabRepository(gdb *gorm.DB) LabRepository {
	return &gormLabRepository{db: gdb}
}

func (r *gormLabRepository) Create(ctx context.Context, lab *db.Lab) error {
	if err := r.db.WithContext(ctx).Create(lab).Error; err != nil {
		return fmt.Errorf("labs: create: %w", err)
	}
	return nil
}

func (r *gormLabRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Lab, error) {
	var lab db.Lab
	err := r.db.WithContext(ctx).First(&lab, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("labs: get by id: %w", err)
	}
	return &lab, nil
}

func (r *gormLabRepository) Update(ctx context.Context, lab *db.Lab) error {
	result := r.db.WithContext(ctx).Save(lab)
	if result.Error != nil {
		return fmt.Errorf("labs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateState sets state and state_updated_at. stateError replaces
// state_error, with one exception: a transition to "unknown" carrying an
// empty message leaves the existing state_error alone, since "unknown"
// callers (agent-unavailable dispatch failures, dead letters, cancellation)
// pass "" to mean "no new diagnostic", not "clear the old one" — a prior
// error lab's state_error should survive until reconciliation overwrites it.
func (r *gormLabRepository) UpdateState(ctx context.Context, id uuid.UUID, state, stateError string) error {
	updates := map[string]interface{}{
		"state":            state,
		"state_updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
	}
	if state != "unknown" || stateError != "" {
		updates["state_error"] = stateError
	}

	result := r.db.WithContext(ctx).
		Model(&db.Lab{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("labs: update state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormLabRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Lab{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("labs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormLabRepository) List(ctx context.Context, opts ListOptions) ([]db.Lab, int64, error) {
	var labs []db.Lab
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Lab{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("labs: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&labs).Error; err != nil {
		return nil, 0, fmt.Errorf("labs: list: %w", err)
	}
	return labs, total, nil
}

func (r *gormLabRepository) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]db.Lab, int64, error) {
	var labs []db.Lab
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Lab{}).Where("owner = ?", owner)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("labs: list by owner count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("owner = ?", owner).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&labs).Error; err != nil {
		return nil, 0, fmt.Errorf("labs: list by owner: %w", err)
	}
	return labs, total, nil
}

func (r *gormLabRepository) ListByState(ctx context.Context, state string) ([]db.Lab, error) {
	var labs []db.Lab
	if err := r.db.WithContext(ctx).Where("state = ?", state).Find(&labs).Error; err != nil {
		return nil, fmt.Errorf("labs: list by state: %w", err)
	}
	return labs, nil
}

func (r *gormLabRepository) ListByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Lab, error) {
	var labs []db.Lab
	if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).Find(&labs).Error; err != nil {
		return nil, fmt.Errorf("labs: list by agent: %w", err)
	}
	return labs, nil
}
