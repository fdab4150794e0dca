package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/netlabio/controller/internal/db"
)

type gormLinkStateRepository struct {
	db *gorm.DB
}

// NewLinkStateRepository returns a LinkStateRepository backed by the
// provided *gorm.DB.
func NewLinkStateRepository(gdb *gorm.DB) LinkStateRepository {
	return &gormLinkStateRepository{db: gdb}
}

func (r *gormLinkStateRepository) Upsert(ctx context.Context, state *db.LinkState) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "lab_id"}, {Name: "link_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"source_node", "source_interface", "target_node", "target_interface",
				"desired_state", "actual_state", "error_message", "updated_at",
			}),
		}).
		Create(state).Error
	if err != nil {
		return fmt.Errorf("link_states: upsert: %w", err)
	}
	return nil
}

func (r *gormLinkStateRepository) ListByLab(ctx context.Context, labID uuid.UUID) ([]db.LinkState, error) {
	var states []db.LinkState
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Find(&states).Error; err != nil {
		return nil, fmt.Errorf("link_states: list by lab: %w", err)
	}
	return states, nil
}

func (r *gormLinkStateRepository) DeleteByLab(ctx context.Context, labID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Delete(&db.LinkState{}).Error; err != nil {
		return fmt.Errorf("link_states: delete by lab: %w", err)
	}
	return nil
}
