package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/netlabio/controller/internal/db"
)

type gormNodePlacementRepository struct {
	db *gorm.DB
}

// NewNodePlacementRepository returns a NodePlacementRepository backed by the
// provided *gorm.DB.
func NewNodePlacementRepository(gdb *gorm.DB) NodePlacementRepository {
	return &gormNodePlacementRepository{db: gdb}
}

// Upsert records which agent currently hosts a container. Call sites that
// observe a placement during reconciliation always overwrite rather than
// append, since only the latest placement is meaningful for affinity.
func (r *gormNodePlacementRepository) Upsert(ctx context.Context, placement *db.NodePlacement) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "lab_id"}, {Name: "node_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"host_id", "status", "updated_at"}),
		}).
		Create(placement).Error
	if err != nil {
		return fmt.Errorf("node_placements: upsert: %w", err)
	}
	return nil
}

func (r *gormNodePlacementRepository) GetByLabAndNode(ctx context.Context, labID uuid.UUID, nodeName string) (*db.NodePlacement, error) {
	var placement db.NodePlacement
	err := r.db.WithContext(ctx).First(&placement, "lab_id = ? AND node_name = ?", labID, nodeName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("node_placements: get by lab and node: %w", err)
	}
	return &placement, nil
}

func (r *gormNodePlacementRepository) ListByLab(ctx context.Context, labID uuid.UUID) ([]db.NodePlacement, error) {
	var placements []db.NodePlacement
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Find(&placements).Error; err != nil {
		return nil, fmt.Errorf("node_placements: list by lab: %w", err)
	}
	return placements, nil
}

func (r *gormNodePlacementRepository) ListByHost(ctx context.Context, hostID uuid.UUID) ([]db.NodePlacement, error) {
	var placements []db.NodePlacement
	if err := r.db.WithContext(ctx).Where("host_id = ?", hostID).Find(&placements).Error; err != nil {
		return nil, fmt.Errorf("node_placements: list by host: %w", err)
	}
	return placements, nil
}

func (r *gormNodePlacementRepository) DeleteByLab(ctx context.Context, labID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Delete(&db.NodePlacement{}).Error; err != nil {
		return fmt.Errorf("node_placements: delete by lab: %w", err)
	}
	return nil
}
