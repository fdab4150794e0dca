package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/netlabio/controller/internal/db"
)

type gormNodeStateRepository struct {
	db *gorm.DB
}

// NewNodeStateRepository returns a NodeStateRepository backed by the
// provided *gorm.DB.
func NewNodeStateRepository(gdb *gorm.DB) NodeStateRepository {
	return &gormNodeStateRepository{db: gdb}
}

// Upsert inserts a NodeState or, if one already exists for (lab_id, node_id),
// overwrites its mutable columns in place. The reconciler calls this once per
// node on every reconciliation pass, so exactly one row per node always
// exists — never a second row racing the first.
func (r *gormNodeStateRepository) Upsert(ctx context.Context, state *db.NodeState) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "lab_id"}, {Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"node_name", "desired_state", "actual_state", "is_ready",
				"boot_started_at", "error_message", "updated_at",
			}),
		}).
		Create(state).Error
	if err != nil {
		return fmt.Errorf("node_states: upsert: %w", err)
	}
	return nil
}

func (r *gormNodeStateRepository) GetByLabAndNode(ctx context.Context, labID, nodeID uuid.UUID) (*db.NodeState, error) {
	var state db.NodeState
	err := r.db.WithContext(ctx).First(&state, "lab_id = ? AND node_id = ?", labID, nodeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("node_states: get by lab and node: %w", err)
	}
	return &state, nil
}

func (r *gormNodeStateRepository) ListByLab(ctx context.Context, labID uuid.UUID) ([]db.NodeState, error) {
	var states []db.NodeState
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Find(&states).Error; err != nil {
		return nil, fmt.Errorf("node_states: list by lab: %w", err)
	}
	return states, nil
}

// ListStuckPending returns nodes that have been "pending" since before
// olderThan, the reconciler's raw material for the stale-pending check.
func (r *gormNodeStateRepository) ListStuckPending(ctx context.Context, olderThan time.Time) ([]db.NodeState, error) {
	var states []db.NodeState
	err := r.db.WithContext(ctx).
		Where("actual_state = ? AND boot_started_at IS NOT NULL AND boot_started_at < ?", "pending", olderThan).
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("node_states: list stuck pending: %w", err)
	}
	return states, nil
}

// ListRunningNotReady returns every NodeState whose actual_state is running
// but is_ready is still false — the reconciler's readiness-polling input.
func (r *gormNodeStateRepository) ListRunningNotReady(ctx context.Context) ([]db.NodeState, error) {
	var states []db.NodeState
	err := r.db.WithContext(ctx).
		Where("actual_state = ? AND is_ready = ?", "running", false).
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("node_states: list running not ready: %w", err)
	}
	return states, nil
}

// ListInError returns every NodeState currently in the error actual_state.
func (r *gormNodeStateRepository) ListInError(ctx context.Context) ([]db.NodeState, error) {
	var states []db.NodeState
	if err := r.db.WithContext(ctx).Where("actual_state = ?", "error").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("node_states: list in error: %w", err)
	}
	return states, nil
}

// ListDesiredRunningNotRunning returns every NodeState whose desired_state is
// running but actual_state has not caught up — the reconciler's and state
// enforcer's shared target-selection input.
func (r *gormNodeStateRepository) ListDesiredRunningNotRunning(ctx context.Context) ([]db.NodeState, error) {
	var states []db.NodeState
	err := r.db.WithContext(ctx).
		Where("desired_state = ? AND actual_state IN ?", "running", []string{"stopped", "undeployed"}).
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("node_states: list desired running not running: %w", err)
	}
	return states, nil
}

// ListRunningWithoutPlacement returns every running NodeState whose node has
// no corresponding NodePlacement row yet — newly-running containers the
// reconciler hasn't recorded a host for.
func (r *gormNodeStateRepository) ListRunningWithoutPlacement(ctx context.Context) ([]db.NodeState, error) {
	var states []db.NodeState
	err := r.db.WithContext(ctx).
		Where("actual_state = ? AND NOT EXISTS (SELECT 1 FROM node_placements np WHERE np.lab_id = node_states.lab_id AND np.node_name = node_states.node_name)", "running").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("node_states: list running without placement: %w", err)
	}
	return states, nil
}

func (r *gormNodeStateRepository) DeleteByLab(ctx context.Context, labID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Delete(&db.NodeState{}).Error; err != nil {
		return fmt.Errorf("node_states: delete by lab: %w", err)
	}
	return nil
}
