package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CycleState represents the state of a marketplace sync cycle
type CycleState string

const (
	CycleIdle        CycleState = "IDLE"
	CycleFetching    CycleState = "FETCHING"
	CycleReconciling CycleState = "RECONCILING"
	CyclePushing     CycleState = "PUSHING"
	CycleFailed      CycleState = "FAILED"
)

// CycleOutcome summarizes a completed sync cycle
type CycleOutcome string

const (
	OutcomeSuccess   CycleOutcome = "SUCCESS"
	OutcomePartial   CycleOutcome = "PARTIAL"
	OutcomeFailed    CycleOutcome = "FAILED"
	OutcomeCancelled CycleOutcome = "CANCELLED"
)

// TriggerType represents what triggered the sync cycle
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerWebhook   TriggerType = "WEBHOOK"
)

// SyncCycle represents one fetch-reconcile-push pass for a single marketplace
type SyncCycle struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Marketplace MarketplaceType `gorm:"type:varchar(50);not null;index:idx_sync_cycles_marketplace" json:"marketplace"`
	State       CycleState      `gorm:"type:varchar(20);not null;default:'IDLE';index:idx_sync_cycles_state" json:"state"`
	Outcome     CycleOutcome    `gorm:"type:varchar(20)" json:"outcome,omitempty"`
	TriggeredBy TriggerType     `gorm:"type:varchar(20)" json:"triggeredBy,omitempty"`

	// Total transient-error retries spent across the cycle's adapter calls
	RetryCount   int    `gorm:"default:0" json:"retryCount"`
	ErrorMessage string `gorm:"type:text" json:"errorMessage,omitempty"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	Results []SyncResult `gorm:"foreignKey:CycleID" json:"results,omitempty"`
}

// TableName specifies the table name for SyncCycle
func (SyncCycle) TableName() string {
	return "sync_cycles"
}

// ItemError describes a single record that failed during reconciliation
type ItemError struct {
	RemoteID string `json:"remoteId"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`
}

// ItemErrors is a list of per-item error descriptors stored as JSON
type ItemErrors []ItemError

func (e ItemErrors) Value() (driver.Value, error) {
	return json.Marshal([]ItemError(e))
}

func (e *ItemErrors) Scan(value interface{}) error {
	if value == nil {
		*e = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return nil
	}
}

// SyncResult aggregates the outcome of one entity type within a sync cycle
type SyncResult struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	CycleID     uuid.UUID       `gorm:"type:uuid;not null;index:idx_sync_results_cycle" json:"cycleId"`
	Marketplace MarketplaceType `gorm:"type:varchar(50);not null" json:"marketplace"`
	EntityType  EntityType      `gorm:"type:varchar(20);not null" json:"entityType"`

	Created int `gorm:"default:0" json:"created"`
	Updated int `gorm:"default:0" json:"updated"`
	Skipped int `gorm:"default:0" json:"skipped"`
	Failed  int `gorm:"default:0" json:"failed"`
	Pushed  int `gorm:"default:0" json:"pushed"`

	Errors ItemErrors `gorm:"type:text" json:"errors,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName specifies the table name for SyncResult
func (SyncResult) TableName() string {
	return "sync_results"
}

// AddError records a failed record and its error descriptor
func (r *SyncResult) AddError(remoteID, field, reason string) {
	r.Failed++
	r.Errors = append(r.Errors, ItemError{RemoteID: remoteID, Field: field, Reason: reason})
}

// AnomalyKind classifies a conflict anomaly
type AnomalyKind string

const (
	AnomalyInvalidTransition  AnomalyKind = "INVALID_TRANSITION"
	AnomalyAmbiguousAuthority AnomalyKind = "AMBIGUOUS_AUTHORITY"
)

// ConflictAnomaly records a rejected change that needs operator review:
// an invalid status transition or a non-authoritative marketplace claiming
// a pinned field. Anomalies are never auto-resolved.
type ConflictAnomaly struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Kind        AnomalyKind     `gorm:"type:varchar(50);not null;index:idx_anomalies_kind" json:"kind"`
	EntityType  EntityType      `gorm:"type:varchar(20);not null" json:"entityType"`
	EntityID    *uuid.UUID      `gorm:"type:uuid;index:idx_anomalies_entity" json:"entityId,omitempty"`
	Marketplace MarketplaceType `gorm:"type:varchar(50);not null" json:"marketplace"`
	RemoteID    string          `gorm:"type:varchar(255)" json:"remoteId,omitempty"`
	Field       string          `gorm:"type:varchar(100)" json:"field,omitempty"`

	CanonicalValue string `gorm:"type:text" json:"canonicalValue,omitempty"`
	IncomingValue  string `gorm:"type:text" json:"incomingValue,omitempty"`

	Resolved   bool       `gorm:"default:false;index:idx_anomalies_resolved" json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Resolution *string    `gorm:"type:text" json:"resolution,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName specifies the table name for ConflictAnomaly
func (ConflictAnomaly) TableName() string {
	return "conflict_anomalies"
}

// SyncCursor checkpoints pagination progress per marketplace and entity type
// so an interrupted cycle resumes where it stopped
type SyncCursor struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Marketplace MarketplaceType `gorm:"type:varchar(50);not null;uniqueIndex:idx_sync_cursors_key,priority:1" json:"marketplace"`
	EntityType  EntityType      `gorm:"type:varchar(20);not null;uniqueIndex:idx_sync_cursors_key,priority:2" json:"entityType"`
	Cursor      string          `gorm:"type:varchar(500)" json:"cursor"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name for SyncCursor
func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// MarketplaceWebhookEvent represents an incoming webhook event from a marketplace
type MarketplaceWebhookEvent struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Marketplace MarketplaceType `gorm:"type:varchar(50);not null;index:idx_webhook_events_marketplace" json:"marketplace"`

	EventID   string `gorm:"type:varchar(255);not null" json:"eventId"`
	EventType string `gorm:"type:varchar(100)" json:"eventType,omitempty"`

	Payload JSONB `gorm:"type:text" json:"payload"`

	Processed       bool       `gorm:"default:false;index:idx_webhook_events_processed" json:"processed"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processingError,omitempty"`

	IdempotencyKey string `gorm:"type:varchar(255);index:idx_webhook_events_idempotency" json:"idempotencyKey,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName specifies the table name for MarketplaceWebhookEvent
func (MarketplaceWebhookEvent) TableName() string {
	return "marketplace_webhook_events"
}
