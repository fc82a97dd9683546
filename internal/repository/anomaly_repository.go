package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"marketplace-sync-service/internal/models"
)

// AnomalyRepository handles database operations for conflict anomalies
type AnomalyRepository struct {
	db *gorm.DB
}

// NewAnomalyRepository creates a new anomaly repository
func NewAnomalyRepository(db *gorm.DB) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

// Create persists a new conflict anomaly
func (r *AnomalyRepository) Create(ctx context.Context, anomaly *models.ConflictAnomaly) error {
	if anomaly.ID == uuid.Nil {
		anomaly.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(anomaly).Error
}

// List retrieves anomalies with pagination, optionally only unresolved ones
func (r *AnomalyRepository) List(ctx context.Context, unresolvedOnly bool, limit, offset int) ([]models.ConflictAnomaly, int64, error) {
	var anomalies []models.ConflictAnomaly
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ConflictAnomaly{})
	if unresolvedOnly {
		query = query.Where("resolved = ?", false)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Limit(limit).Offset(offset).Order("created_at DESC").Find(&anomalies).Error
	return anomalies, total, err
}

// Resolve marks an anomaly resolved with an operator note
func (r *AnomalyRepository) Resolve(ctx context.Context, id uuid.UUID, resolution string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.ConflictAnomaly{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": &now,
			"resolution":  resolution,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUnresolved returns the number of open anomalies
func (r *AnomalyRepository) CountUnresolved(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ConflictAnomaly{}).
		Where("resolved = ?", false).
		Count(&count).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return count, err
}
