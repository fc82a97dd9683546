package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/repository"
)

// errNoChange aborts a read-modify-write without persisting when the incoming
// record matches canonical state field for field
var errNoChange = errors.New("no change")

// PushRequest asks the orchestrator to push pinned canonical price/stock back
// to a marketplace that reported a conflicting value
type PushRequest struct {
	ProductID   uuid.UUID
	Marketplace models.MarketplaceType
}

// ReconcileService merges normalized marketplace records into the canonical
// store. Identity is resolved through marketplace refs, falling back to SKU
// for products. Fields merge last-writer-wins except price, which only the
// configured authority marketplace may change; status changes must follow the
// entity's state machine. Rejected changes are recorded as conflict anomalies,
// never silently applied or dropped.
type ReconcileService struct {
	store          repository.CanonicalStore
	anomalies      *repository.AnomalyRepository
	priceAuthority models.MarketplaceType
	logger         *zap.Logger
}

// NewReconcileService creates a new reconcile service
func NewReconcileService(store repository.CanonicalStore, anomalies *repository.AnomalyRepository, priceAuthority models.MarketplaceType, logger *zap.Logger) *ReconcileService {
	return &ReconcileService{
		store:          store,
		anomalies:      anomalies,
		priceAuthority: priceAuthority,
		logger:         logger,
	}
}

// ReconcileProduct merges one raw product into the canonical store. Counters
// and per-item errors are recorded on result; the returned push request is
// non-nil when the marketplace needs the pinned price pushed back.
func (s *ReconcileService) ReconcileProduct(ctx context.Context, mp models.MarketplaceType, raw clients.RawProduct, result *models.SyncResult) *PushRequest {
	id, err := s.store.FindByMarketplaceRef(ctx, models.EntityProduct, mp, raw.RemoteID)
	if errors.Is(err, repository.ErrNotFound) {
		// Same listing may already exist under another marketplace; match by
		// SKU before creating a duplicate canonical product.
		if existing, skuErr := s.store.FindProductBySKU(ctx, raw.SKU); skuErr == nil {
			if refErr := s.store.AddRef(ctx, &models.MarketplaceRef{
				EntityType:  models.EntityProduct,
				EntityID:    existing.ID,
				Marketplace: mp,
				RemoteID:    raw.RemoteID,
				RemoteSKU:   raw.SKU,
			}); refErr != nil {
				result.AddError(raw.RemoteID, "", refErr.Error())
				return nil
			}
			id = existing.ID
			err = nil
		}
	}

	if errors.Is(err, repository.ErrNotFound) {
		product := &models.CanonicalProduct{
			SKU:      raw.SKU,
			Name:     raw.Name,
			Category: raw.Category,
			Price:    raw.Price,
			Currency: raw.Currency,
			Stock:    raw.Stock,
			Status:   raw.Status,
		}
		ref := &models.MarketplaceRef{Marketplace: mp, RemoteID: raw.RemoteID, RemoteSKU: raw.SKU}
		if err := s.store.CreateProduct(ctx, product, ref); err != nil {
			result.AddError(raw.RemoteID, "", err.Error())
			return nil
		}
		result.Created++
		return nil
	}
	if err != nil {
		result.AddError(raw.RemoteID, "", err.Error())
		return nil
	}

	var push *PushRequest
	_, err = s.store.UpdateProduct(ctx, id, func(p *models.CanonicalProduct) error {
		changed := false

		if raw.Name != "" && raw.Name != p.Name {
			p.Name = raw.Name
			changed = true
		}
		if raw.Category != "" && raw.Category != p.Category {
			p.Category = raw.Category
			changed = true
		}
		if raw.Currency != "" && raw.Currency != p.Currency {
			p.Currency = raw.Currency
			changed = true
		}
		if raw.Stock != p.Stock {
			p.Stock = raw.Stock
			changed = true
		}

		if !raw.Price.Equal(p.Price) {
			if mp == s.priceAuthority {
				p.Price = raw.Price
				changed = true
			} else {
				s.recordAnomaly(ctx, &models.ConflictAnomaly{
					Kind:           models.AnomalyAmbiguousAuthority,
					EntityType:     models.EntityProduct,
					EntityID:       &id,
					Marketplace:    mp,
					RemoteID:       raw.RemoteID,
					Field:          "price",
					CanonicalValue: p.Price.String(),
					IncomingValue:  raw.Price.String(),
				})
				push = &PushRequest{ProductID: id, Marketplace: mp}
			}
		}

		if raw.Status != p.Status {
			if p.Status.CanTransitionTo(raw.Status) {
				p.Status = raw.Status
				changed = true
			} else {
				s.recordAnomaly(ctx, &models.ConflictAnomaly{
					Kind:           models.AnomalyInvalidTransition,
					EntityType:     models.EntityProduct,
					EntityID:       &id,
					Marketplace:    mp,
					RemoteID:       raw.RemoteID,
					Field:          "status",
					CanonicalValue: string(p.Status),
					IncomingValue:  string(raw.Status),
				})
			}
		}

		if !changed {
			return errNoChange
		}
		return nil
	})

	switch {
	case errors.Is(err, errNoChange):
		result.Skipped++
	case err != nil:
		result.AddError(raw.RemoteID, "", err.Error())
	default:
		result.Updated++
	}
	return push
}

// ReconcileOrder merges one raw order into the canonical store
func (s *ReconcileService) ReconcileOrder(ctx context.Context, mp models.MarketplaceType, raw clients.RawOrder, result *models.SyncResult) {
	id, err := s.store.FindByMarketplaceRef(ctx, models.EntityOrder, mp, raw.RemoteID)
	if errors.Is(err, repository.ErrNotFound) {
		order := &models.CanonicalOrder{
			Number:   raw.Number,
			Customer: raw.Customer,
			Total:    raw.Total,
			Currency: raw.Currency,
			Status:   raw.Status,
			Items:    convertItems(raw.Items),
			PlacedAt: raw.PlacedAt,
		}
		ref := &models.MarketplaceRef{Marketplace: mp, RemoteID: raw.RemoteID}
		if err := s.store.CreateOrder(ctx, order, ref); err != nil {
			result.AddError(raw.RemoteID, "", err.Error())
			return
		}
		result.Created++
		return
	}
	if err != nil {
		result.AddError(raw.RemoteID, "", err.Error())
		return
	}

	_, err = s.store.UpdateOrder(ctx, id, func(o *models.CanonicalOrder) error {
		changed := false

		if raw.Customer != "" && raw.Customer != o.Customer {
			o.Customer = raw.Customer
			changed = true
		}
		if !raw.Total.Equal(o.Total) {
			o.Total = raw.Total
			changed = true
		}
		if raw.Currency != "" && raw.Currency != o.Currency {
			o.Currency = raw.Currency
			changed = true
		}
		if items := convertItems(raw.Items); len(items) > 0 && !itemsEqual(items, o.Items) {
			o.Items = items
			changed = true
		}

		if raw.Status != o.Status {
			if o.Status.CanTransitionTo(raw.Status) {
				o.Status = raw.Status
				changed = true
			} else {
				s.recordAnomaly(ctx, &models.ConflictAnomaly{
					Kind:           models.AnomalyInvalidTransition,
					EntityType:     models.EntityOrder,
					EntityID:       &id,
					Marketplace:    mp,
					RemoteID:       raw.RemoteID,
					Field:          "status",
					CanonicalValue: string(o.Status),
					IncomingValue:  string(raw.Status),
				})
			}
		}

		if !changed {
			return errNoChange
		}
		return nil
	})

	switch {
	case errors.Is(err, errNoChange):
		result.Skipped++
	case err != nil:
		result.AddError(raw.RemoteID, "", err.Error())
	default:
		result.Updated++
	}
}

// ReconcileReturn merges one raw return into the canonical store. The
// referenced order must already exist, and the refund amount may not exceed
// the order total.
func (s *ReconcileService) ReconcileReturn(ctx context.Context, mp models.MarketplaceType, raw clients.RawReturn, result *models.SyncResult) {
	orderID, err := s.store.FindByMarketplaceRef(ctx, models.EntityOrder, mp, raw.OrderRemoteID)
	if errors.Is(err, repository.ErrNotFound) {
		result.AddError(raw.RemoteID, "orderRemoteId", fmt.Sprintf("order %s not found", raw.OrderRemoteID))
		return
	}
	if err != nil {
		result.AddError(raw.RemoteID, "", err.Error())
		return
	}

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		result.AddError(raw.RemoteID, "", err.Error())
		return
	}
	if raw.Amount.GreaterThan(order.Total) {
		result.AddError(raw.RemoteID, "amount",
			fmt.Sprintf("refund %s exceeds order total %s", raw.Amount.String(), order.Total.String()))
		return
	}

	id, err := s.store.FindByMarketplaceRef(ctx, models.EntityReturn, mp, raw.RemoteID)
	if errors.Is(err, repository.ErrNotFound) {
		ret := &models.CanonicalReturn{
			OrderID:  orderID,
			Reason:   raw.Reason,
			Amount:   raw.Amount,
			Currency: raw.Currency,
			Status:   raw.Status,
			PlacedAt: raw.PlacedAt,
		}
		ref := &models.MarketplaceRef{Marketplace: mp, RemoteID: raw.RemoteID}
		if err := s.store.CreateReturn(ctx, ret, ref); err != nil {
			result.AddError(raw.RemoteID, "", err.Error())
			return
		}
		result.Created++
		return
	}
	if err != nil {
		result.AddError(raw.RemoteID, "", err.Error())
		return
	}

	_, err = s.store.UpdateReturn(ctx, id, func(ret *models.CanonicalReturn) error {
		changed := false

		if raw.Reason != "" && raw.Reason != ret.Reason {
			ret.Reason = raw.Reason
			changed = true
		}
		if !raw.Amount.Equal(ret.Amount) {
			ret.Amount = raw.Amount
			changed = true
		}
		if raw.Currency != "" && raw.Currency != ret.Currency {
			ret.Currency = raw.Currency
			changed = true
		}

		if raw.Status != ret.Status {
			if ret.Status.CanTransitionTo(raw.Status) {
				ret.Status = raw.Status
				changed = true
			} else {
				s.recordAnomaly(ctx, &models.ConflictAnomaly{
					Kind:           models.AnomalyInvalidTransition,
					EntityType:     models.EntityReturn,
					EntityID:       &id,
					Marketplace:    mp,
					RemoteID:       raw.RemoteID,
					Field:          "status",
					CanonicalValue: string(ret.Status),
					IncomingValue:  string(raw.Status),
				})
			}
		}

		if !changed {
			return errNoChange
		}
		return nil
	})

	switch {
	case errors.Is(err, errNoChange):
		result.Skipped++
	case err != nil:
		result.AddError(raw.RemoteID, "", err.Error())
	default:
		result.Updated++
	}
}

// recordAnomaly persists a conflict anomaly. An anomaly that cannot be
// written is only logged; the reconcile pass itself continues.
func (s *ReconcileService) recordAnomaly(ctx context.Context, anomaly *models.ConflictAnomaly) {
	if err := s.anomalies.Create(ctx, anomaly); err != nil {
		s.logger.Error("failed to record conflict anomaly",
			zap.String("kind", string(anomaly.Kind)),
			zap.String("marketplace", string(anomaly.Marketplace)),
			zap.String("remoteId", anomaly.RemoteID),
			zap.Error(err))
		return
	}
	s.logger.Warn("conflict anomaly recorded",
		zap.String("kind", string(anomaly.Kind)),
		zap.String("entityType", string(anomaly.EntityType)),
		zap.String("marketplace", string(anomaly.Marketplace)),
		zap.String("remoteId", anomaly.RemoteID),
		zap.String("field", anomaly.Field))
}

func convertItems(items []clients.RawLineItem) models.OrderItems {
	out := make(models.OrderItems, 0, len(items))
	for _, item := range items {
		out = append(out, models.OrderItem{
			RemoteID:  item.RemoteID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}
	return out
}

func itemsEqual(a, b models.OrderItems) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].RemoteID != b[i].RemoteID ||
			a[i].SKU != b[i].SKU ||
			a[i].Name != b[i].Name ||
			a[i].Quantity != b[i].Quantity ||
			!a[i].UnitPrice.Equal(b[i].UnitPrice) ||
			!a[i].Total.Equal(b[i].Total) {
			return false
		}
	}
	return true
}
