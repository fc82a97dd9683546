package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketplace-sync-service/internal/models"
)

// CycleRepository handles database operations for sync cycles, their results
// and pagination cursors
type CycleRepository struct {
	db *gorm.DB
}

// NewCycleRepository creates a new cycle repository
func NewCycleRepository(db *gorm.DB) *CycleRepository {
	return &CycleRepository{db: db}
}

// CreateCycle persists a new sync cycle
func (r *CycleRepository) CreateCycle(ctx context.Context, cycle *models.SyncCycle) error {
	if cycle.ID == uuid.Nil {
		cycle.ID = uuid.New()
	}
	if cycle.StartedAt == nil {
		now := time.Now()
		cycle.StartedAt = &now
	}
	return r.db.WithContext(ctx).Create(cycle).Error
}

// UpdateCycleState records a cycle state transition
func (r *CycleRepository) UpdateCycleState(ctx context.Context, cycleID uuid.UUID, state models.CycleState) error {
	return r.db.WithContext(ctx).Model(&models.SyncCycle{}).
		Where("id = ?", cycleID).
		Update("state", state).Error
}

// CompleteCycle marks a cycle finished with its outcome and retry total
func (r *CycleRepository) CompleteCycle(ctx context.Context, cycleID uuid.UUID, outcome models.CycleOutcome, errMsg string, retryCount int) error {
	now := time.Now()
	state := models.CycleIdle
	if outcome == models.OutcomeFailed {
		state = models.CycleFailed
	}
	return r.db.WithContext(ctx).Model(&models.SyncCycle{}).
		Where("id = ?", cycleID).
		Updates(map[string]interface{}{
			"state":         state,
			"outcome":       outcome,
			"error_message": errMsg,
			"retry_count":   retryCount,
			"completed_at":  &now,
		}).Error
}

// SaveResult persists one entity-type result of a cycle
func (r *CycleRepository) SaveResult(ctx context.Context, result *models.SyncResult) error {
	if result.ID == uuid.Nil {
		result.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(result).Error
}

// GetCycle retrieves a cycle with its results
func (r *CycleRepository) GetCycle(ctx context.Context, id uuid.UUID) (*models.SyncCycle, error) {
	var cycle models.SyncCycle
	err := r.db.WithContext(ctx).Preload("Results").First(&cycle, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cycle, nil
}

// ListCycles retrieves cycle history, optionally filtered by marketplace
func (r *CycleRepository) ListCycles(ctx context.Context, marketplace models.MarketplaceType, limit, offset int) ([]models.SyncCycle, int64, error) {
	var cycles []models.SyncCycle
	var total int64

	query := r.db.WithContext(ctx).Model(&models.SyncCycle{})
	if marketplace != "" {
		query = query.Where("marketplace = ?", marketplace)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Preload("Results").Limit(limit).Offset(offset).Order("created_at DESC").Find(&cycles).Error
	return cycles, total, err
}

// CycleStats aggregates cycle outcomes per marketplace
type CycleStats struct {
	Marketplace models.MarketplaceType `json:"marketplace"`
	Total       int64                  `json:"total"`
	Succeeded   int64                  `json:"succeeded"`
	Partial     int64                  `json:"partial"`
	Failed      int64                  `json:"failed"`
}

// GetStats returns per-marketplace cycle outcome counts
func (r *CycleRepository) GetStats(ctx context.Context) ([]CycleStats, error) {
	var stats []CycleStats
	err := r.db.WithContext(ctx).Model(&models.SyncCycle{}).
		Select(`marketplace,
			COUNT(*) AS total,
			SUM(CASE WHEN outcome = 'SUCCESS' THEN 1 ELSE 0 END) AS succeeded,
			SUM(CASE WHEN outcome = 'PARTIAL' THEN 1 ELSE 0 END) AS partial,
			SUM(CASE WHEN outcome = 'FAILED' THEN 1 ELSE 0 END) AS failed`).
		Group("marketplace").
		Scan(&stats).Error
	return stats, err
}

// GetCursor returns the checkpointed cursor for a marketplace and entity
// type; empty string when no checkpoint exists
func (r *CycleRepository) GetCursor(ctx context.Context, marketplace models.MarketplaceType, entityType models.EntityType) (string, error) {
	var cursor models.SyncCursor
	err := r.db.WithContext(ctx).
		Where("marketplace = ? AND entity_type = ?", marketplace, entityType).
		First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return cursor.Cursor, nil
}

// SaveCursor upserts the cursor checkpoint for a marketplace and entity type
func (r *CycleRepository) SaveCursor(ctx context.Context, marketplace models.MarketplaceType, entityType models.EntityType, value string) error {
	cursor := models.SyncCursor{
		ID:          uuid.New(),
		Marketplace: marketplace,
		EntityType:  entityType,
		Cursor:      value,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "marketplace"}, {Name: "entity_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
	}).Create(&cursor).Error
}
