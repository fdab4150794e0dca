package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netlabio/controller/internal/db"
)

type gormLinkRepository struct {
	db *gorm.DB
}

// NewLinkRepository returns a LinkRepository backed by the provided *gorm.DB.
func NewLinkRepository(gdb *gorm.DB) LinkRepository {
	return &gormLinkRepository{db: gdb}
}

func (r *gormLinkRepository) Create(ctx context.Context, link *db.Link) error {
	if err := r.db.WithContext(ctx).Create(link).Error; err != nil {
		return fmt.Errorf("links: create: %w", err)
	}
	return nil
}

func (r *gormLinkRepository) CreateBatch(ctx context.Context, links []db.Link) error {
	if len(links) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(links, 100).Error; err != nil {
		return fmt.Errorf("links: create batch: %w", err)
	}
	return nil
}

func (r *gormLinkRepository) ListByLab(ctx context.Context, labID uuid.UUID) ([]db.Link, error) {
	var links []db.Link
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Find(&links).Error; err != nil {
		return nil, fmt.Errorf("links: list by lab: %w", err)
	}
	return links, nil
}

func (r *gormLinkRepository) DeleteByLab(ctx context.Context, labID uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("lab_id = ?", labID).Delete(&db.Link{}).Error; err != nil {
		return fmt.Errorf("links: delete by lab: %w", err)
	}
	return nil
}
