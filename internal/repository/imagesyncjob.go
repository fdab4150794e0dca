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

type gormImageSyncJobRepository struct {
	db *gorm.DB
}

// NewImageSyncJobRepository returns an ImageSyncJobRepository backed by the
// provided *gorm.DB.
func NewImageSyncJobRepository(gdb *gorm.DB) ImageSyncJobRepository {
	return &gormImageSyncJobRepository{db: gdb}
}

func (r *gormImageSyncJobRepository) Create(ctx context.Context, job *db.ImageSyncJob) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("image_sync_jobs: create: %w", err)
	}
	return nil
}

func (r *gormImageSyncJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ImageSyncJob, error) {
	var job db.ImageSyncJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("image_sync_jobs: get by id: %w", err)
	}
	return &job, nil
}

func (r *gormImageSyncJobRepository) Update(ctx context.Context, job *db.ImageSyncJob) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("image_sync_jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveByHost counts pending/transferring/loading jobs against a host, the
// input to the per-agent concurrency cap on image sync.
func (r *gormImageSyncJobRepository) CountActiveByHost(ctx context.Context, hostID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.ImageSyncJob{}).
		Where("host_id = ? AND status IN ?", hostID, []string{"pending", "transferring", "loading"}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("image_sync_jobs: count active by host: %w", err)
	}
	return count, nil
}

func (r *gormImageSyncJobRepository) ListStuck(ctx context.Context, startedBefore time.Time) ([]db.ImageSyncJob, error) {
	var jobs []db.ImageSyncJob
	err := r.db.WithContext(ctx).
		Where("status IN ? AND started_at IS NOT NULL AND started_at < ?",
			[]string{"transferring", "loading"}, startedBefore).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("image_sync_jobs: list stuck: %w", err)
	}
	return jobs, nil
}
