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

type gormImageHostRepository struct {
	db *gorm.DB
}

// NewImageHostRepository returns an ImageHostRepository backed by the
// provided *gorm.DB.
func NewImageHostRepository(gdb *gorm.DB) ImageHostRepository {
	return &gormImageHostRepository{db: gdb}
}

func (r *gormImageHostRepository) Upsert(ctx context.Context, ih *db.ImageHost) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "image_id"}, {Name: "host_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"reference", "status", "synced_at", "error_message", "updated_at",
			}),
		}).
		Create(ih).Error
	if err != nil {
		return fmt.Errorf("image_hosts: upsert: %w", err)
	}
	return nil
}

func (r *gormImageHostRepository) Get(ctx context.Context, imageID string, hostID uuid.UUID) (*db.ImageHost, error) {
	var ih db.ImageHost
	err := r.db.WithContext(ctx).First(&ih, "image_id = ? AND host_id = ?", imageID, hostID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("image_hosts: get: %w", err)
	}
	return &ih, nil
}

func (r *gormImageHostRepository) ListByImage(ctx context.Context, imageID string) ([]db.ImageHost, error) {
	var hosts []db.ImageHost
	if err := r.db.WithContext(ctx).Where("image_id = ?", imageID).Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("image_hosts: list by image: %w", err)
	}
	return hosts, nil
}

func (r *gormImageHostRepository) ListByHost(ctx context.Context, hostID uuid.UUID) ([]db.ImageHost, error) {
	var hosts []db.ImageHost
	if err := r.db.WithContext(ctx).Where("host_id = ?", hostID).Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("image_hosts: list by host: %w", err)
	}
	return hosts, nil
}

func (r *gormImageHostRepository) ListDistinctImageIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&db.ImageHost{}).
		Distinct("image_id").
		Pluck("image_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("image_hosts: list distinct image ids: %w", err)
	}
	return ids, nil
}
