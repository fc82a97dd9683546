package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"marketplace-sync-service/internal/models"
)

// WebhookRepository handles database operations for webhook events
type WebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository creates a new webhook repository
func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Create persists a new webhook event
func (r *WebhookRepository) Create(ctx context.Context, event *models.MarketplaceWebhookEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(event).Error
}

// ExistsWithIdempotencyKey reports whether an event with the given key was
// already ingested
func (r *WebhookRepository) ExistsWithIdempotencyKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&models.MarketplaceWebhookEvent{}).
		Where("idempotency_key = ?", key).
		Count(&count).Error
	return count > 0, err
}

// MarkProcessed flags an event as successfully processed
func (r *WebhookRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.MarketplaceWebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":    true,
			"processed_at": &now,
		}).Error
}

// MarkFailed records a processing error on an event
func (r *WebhookRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).Model(&models.MarketplaceWebhookEvent{}).
		Where("id = ?", id).
		Update("processing_error", reason).Error
}

// ListUnprocessed retrieves events awaiting processing
func (r *WebhookRepository) ListUnprocessed(ctx context.Context, limit int) ([]models.MarketplaceWebhookEvent, error) {
	var events []models.MarketplaceWebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ? AND processing_error = ?", false, "").
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
