package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/repository"
)

var (
	// ErrDuplicateEvent is returned when a webhook event was already ingested
	ErrDuplicateEvent = errors.New("webhook event already processed")

	// ErrVerificationFailed is returned on a bad webhook signature
	ErrVerificationFailed = errors.New("webhook verification failed")
)

// WebhookService ingests marketplace push notifications. Each event is
// verified, persisted with an idempotency key, and its embedded resource is
// fed through the same reconcile path a full sync cycle uses, recorded under
// a webhook-triggered cycle.
type WebhookService struct {
	adapters  map[models.MarketplaceType]clients.MarketplaceAdapter
	webhooks  *repository.WebhookRepository
	cycles    *repository.CycleRepository
	reconcile *ReconcileService
	logger    *zap.Logger
}

// NewWebhookService creates a new webhook service
func NewWebhookService(
	adapters map[models.MarketplaceType]clients.MarketplaceAdapter,
	webhooks *repository.WebhookRepository,
	cycles *repository.CycleRepository,
	reconcile *ReconcileService,
	logger *zap.Logger,
) *WebhookService {
	return &WebhookService{
		adapters:  adapters,
		webhooks:  webhooks,
		cycles:    cycles,
		reconcile: reconcile,
		logger:    logger,
	}
}

// Ingest verifies, persists and processes one webhook payload
func (s *WebhookService) Ingest(ctx context.Context, mp models.MarketplaceType, payload []byte, signature, secret string) error {
	adapter, ok := s.adapters[mp]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarketplace, mp)
	}

	if err := adapter.VerifyWebhook(payload, signature, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	parsed, err := adapter.ParseWebhook(payload)
	if err != nil {
		return err
	}

	idempotencyKey := fmt.Sprintf("%s:%s", mp, parsed.EventID)
	exists, err := s.webhooks.ExistsWithIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to check idempotency: %w", err)
	}
	if exists {
		return ErrDuplicateEvent
	}

	var payloadJSON models.JSONB
	if err := json.Unmarshal(payload, &payloadJSON); err != nil {
		payloadJSON = nil
	}
	event := &models.MarketplaceWebhookEvent{
		Marketplace:    mp,
		EventID:        parsed.EventID,
		EventType:      parsed.EventType,
		Payload:        payloadJSON,
		IdempotencyKey: idempotencyKey,
	}
	if err := s.webhooks.Create(ctx, event); err != nil {
		return fmt.Errorf("failed to persist webhook event: %w", err)
	}

	if err := s.process(ctx, mp, parsed); err != nil {
		if markErr := s.webhooks.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
			s.logger.Error("failed to mark webhook event failed",
				zap.String("eventId", parsed.EventID), zap.Error(markErr))
		}
		return err
	}

	if err := s.webhooks.MarkProcessed(ctx, event.ID); err != nil {
		s.logger.Error("failed to mark webhook event processed",
			zap.String("eventId", parsed.EventID), zap.Error(err))
	}
	return nil
}

// process reconciles the event's embedded resource under a webhook-triggered
// cycle so the result is visible in cycle history like any other sync
func (s *WebhookService) process(ctx context.Context, mp models.MarketplaceType, parsed *clients.WebhookEvent) error {
	cycle := &models.SyncCycle{
		Marketplace: mp,
		State:       models.CycleReconciling,
		TriggeredBy: models.TriggerWebhook,
	}
	if err := s.cycles.CreateCycle(ctx, cycle); err != nil {
		return fmt.Errorf("failed to create webhook cycle: %w", err)
	}

	result := &models.SyncResult{
		CycleID:     cycle.ID,
		Marketplace: mp,
		EntityType:  parsed.ResourceType,
	}

	switch parsed.ResourceType {
	case models.EntityProduct:
		// Price push-back, if needed, happens in the next full cycle's
		// Pushing phase
		s.reconcile.ReconcileProduct(ctx, mp, *parsed.Product, result)
	case models.EntityOrder:
		s.reconcile.ReconcileOrder(ctx, mp, *parsed.Order, result)
	case models.EntityReturn:
		s.reconcile.ReconcileReturn(ctx, mp, *parsed.Return, result)
	default:
		return fmt.Errorf("unsupported webhook resource type %q", parsed.ResourceType)
	}

	if err := s.cycles.SaveResult(ctx, result); err != nil {
		s.logger.Error("failed to persist webhook sync result",
			zap.String("cycleId", cycle.ID.String()), zap.Error(err))
	}

	outcome := models.OutcomeSuccess
	errMsg := ""
	if result.Failed > 0 {
		outcome = models.OutcomePartial
		errMsg = result.Errors[0].Reason
	}
	if err := s.cycles.CompleteCycle(ctx, cycle.ID, outcome, errMsg, 0); err != nil {
		s.logger.Error("failed to complete webhook cycle",
			zap.String("cycleId", cycle.ID.String()), zap.Error(err))
	}

	s.logger.Info("webhook event processed",
		zap.String("marketplace", string(mp)),
		zap.String("eventId", parsed.EventID),
		zap.String("resourceType", string(parsed.ResourceType)),
		zap.String("outcome", string(outcome)))
	return nil
}
