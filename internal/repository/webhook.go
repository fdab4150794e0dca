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

type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by the provided
// *gorm.DB.
func NewWebhookRepository(gdb *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: gdb}
}

func (r *gormWebhookRepository) Create(ctx context.Context, webhook *db.Webhook) error {
	if err := r.db.WithContext(ctx).Create(webhook).Error; err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

func (r *gormWebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error) {
	var webhook db.Webhook
	err := r.db.WithContext(ctx).First(&webhook, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get by id: %w", err)
	}
	return &webhook, nil
}

func (r *gormWebhookRepository) Update(ctx context.Context, webhook *db.Webhook) error {
	result := r.db.WithContext(ctx).Save(webhook)
	if result.Error != nil {
		return fmt.Errorf("webhooks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Webhook{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("webhooks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWebhookRepository) List(ctx context.Context, opts ListOptions) ([]db.Webhook, int64, error) {
	var webhooks []db.Webhook
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Webhook{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&webhooks).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list: %w", err)
	}
	return webhooks, total, nil
}

func (r *gormWebhookRepository) ListByOwner(ctx context.Context, ownerID string) ([]db.Webhook, error) {
	var webhooks []db.Webhook
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&webhooks).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list by owner: %w", err)
	}
	return webhooks, nil
}

// ListForEvent returns every enabled webhook owned by ownerID that is either
// scoped to labID specifically or subscribed to all of the owner's labs
// (LabID nil), and whose Events array contains event. Events is stored as a
// JSON array string; membership is checked with a substring match on the
// quoted event name, which is exact because event names never contain a
// literal '"'.
func (r *gormWebhookRepository) ListForEvent(ctx context.Context, ownerID string, labID uuid.UUID, event string) ([]db.Webhook, error) {
	var webhooks []db.Webhook
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND enabled = ? AND (lab_id = ? OR lab_id IS NULL) AND events LIKE ?",
			ownerID, true, labID, "%\""+event+"\"%").
		Find(&webhooks).Error
	if err != nil {
		return nil, fmt.Errorf("webhooks: list for event: %w", err)
	}
	return webhooks, nil
}

func (r *gormWebhookRepository) RecordDelivery(ctx context.Context, delivery *db.WebhookDelivery) error {
	if err := r.db.WithContext(ctx).Create(delivery).Error; err != nil {
		return fmt.Errorf("webhooks: record delivery: %w", err)
	}
	return nil
}

func (r *gormWebhookRepository) UpdateLastDelivery(ctx context.Context, id uuid.UUID, at time.Time, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Webhook{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_delivery_at":     at,
			"last_delivery_status": status,
		})
	if result.Error != nil {
		return fmt.Errorf("webhooks: update last delivery: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
