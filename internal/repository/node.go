package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netlabio/controller/internal/db"
)

type gormNodeRepository struct {
	db *gorm.DB
}

// NewNodeRepository returns a NodeRepository backed by the provided *gorm.DB.
func NewNodeRepository(gdb *gorm.DB) NodeRepository {
	return &gormNodeRepository{db: gdb}
}

func (r *gormNodeRepository) Create(ctx context.Context, node *db.Node) error {
	if err := r.db.WithContext(ctx).Create(node).Error; err != nil {
		return fmt.Errorf("nodes: create: %w", err)
	}
	return nil
}

// CreateBatch inserts every node of a topology import in one round trip.
func (r *gormNodeRepository) CreateBatch(ctx context.Context, nodes []db.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(nodes, 100).Error; err != nil {
		return fmt.Errorf("nodes: create batch: %w", err)
	}
	return nil
}

func (r *gormNodeRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Node, error) {
	var node db.Node
	err := r.db.WithContext(ctx).First(&node, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nodes: get by id: %w", err)
	}
	return &node, nil
}

func (r *gormNodeRepository) GetByContainerName(ctx context.Context, labID uuid.UUID, containerName string) (*db.Node, error) {
	var node db.Node
	err := r.db.WithContext(ctx).First(&node, "lab_id = ? AND container_name = ?", labID, containerName).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("nodes: get by container name: %w", err)
	}
	return &node, nil
}

func (r *gormNodeRepository) ListByLab(ctx context.Context, labID uuid.UUID) ([]db.Node, error) {
	var nodes []db.Node
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("nodes: list by lab: %w", err)
	}
	return nodes, nil
}

func (r *gormNodeRepository) DeleteByLab(ctx context.Context, labID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Delete(&db.Node{}).Error; err != nil {
		return fmt.Errorf("nodes: delete by lab: %w", err)
	}
	return nil
}
