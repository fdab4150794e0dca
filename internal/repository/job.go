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

type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(gdb *gorm.DB) JobRepository {
	return &gormJobRepository{db: gdb}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetByIDWithLogs retrieves a job together with its JobLog rows, ordered by
// timestamp ascending so the caller can replay execution order without
// additional sorting. Logs are returned as a separate slice rather than
// embedded in the Job struct, since GORM cannot auto-resolve a uuid.UUID
// foreign key.
func (r *gormJobRepository) GetByIDWithLogs(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobLog, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("jobs: get by id with logs: %w", err)
	}

	var logs []db.JobLog
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", id).
		Order("timestamp ASC").
		Find(&logs).Error; err != nil {
		return nil, nil, fmt.Errorf("jobs: get logs for job %s: %w", id, err)
	}

	return &job, logs, nil
}

func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status and completed_at fields, avoiding
// clobbering fields mutated concurrently by the heartbeat writer.
func (r *gormJobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat updates only last_heartbeat. Nothing in the job engine
// calls it: the running task sets last_heartbeat once, when it marks the
// job running.
func (r *gormJobRepository) UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Update("last_heartbeat", at)
	if result.Error != nil {
		return fmt.Errorf("jobs: update heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListByLab(ctx context.Context, labID uuid.UUID, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Where("lab_id = ?", labID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by lab count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("lab_id = ?", labID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by lab: %w", err)
	}
	return jobs, total, nil
}

func (r *gormJobRepository) ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by user count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list by user: %w", err)
	}
	return jobs, total, nil
}

// ListActiveByUser returns the queued/running jobs for a user, the input to
// the job engine's per-user concurrency limit check.
func (r *gormJobRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []string{"queued", "running"}).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list active by user: %w", err)
	}
	return jobs, nil
}

// ListActiveByLab returns the queued/running jobs for a lab — the
// reconciler's and state enforcer's "is there an in-flight job" check.
func (r *gormJobRepository) ListActiveByLab(ctx context.Context, labID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("lab_id = ? AND status IN ?", labID, []string{"queued", "running"}).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list active by lab: %w", err)
	}
	return jobs, nil
}

// CountActiveByAgent counts queued/running jobs assigned to an agent, the
// Selector's load-balancing input.
func (r *gormJobRepository) CountActiveByAgent(ctx context.Context, agentID uuid.UUID) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("agent_id = ? AND status IN ?", agentID, []string{"queued", "running"}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("jobs: count active by agent: %w", err)
	}
	return int(count), nil
}

func (r *gormJobRepository) ListByStatus(ctx context.Context, status string) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).Where("status = ?", status).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by status: %w", err)
	}
	return jobs, nil
}

// ListStuckRunning returns running jobs whose last_heartbeat predates
// heartbeatOlderThan — the health monitor's stuck-job detection input.
func (r *gormJobRepository) ListStuckRunning(ctx context.Context, heartbeatOlderThan time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?) AND (started_at IS NOT NULL AND started_at < ?)",
			"running", heartbeatOlderThan, heartbeatOlderThan).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list stuck running: %w", err)
	}
	return jobs, nil
}

// ListQueuedOlderThan returns queued jobs that never transitioned to running
// before t — orphaned by a crash between enqueue and dispatch.
func (r *gormJobRepository) ListQueuedOlderThan(ctx context.Context, t time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", "queued", t).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("jobs: list queued older than: %w", err)
	}
	return jobs, nil
}

func (r *gormJobRepository) BulkCreateLogs(ctx context.Context, logs []db.JobLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("jobs: bulk create logs: %w", err)
	}
	return nil
}

func (r *gormJobRepository) GetLogs(ctx context.Context, jobID uuid.UUID) ([]db.JobLog, error) {
	var logs []db.JobLog
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("jobs: get logs: %w", err)
	}
	return logs, nil
}
