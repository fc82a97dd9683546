package clients

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"marketplace-sync-service/internal/models"
)

// MarketplaceAdapter defines the interface that all marketplace adapters must
// implement. Fetch calls are paginated: each page is keyed by an opaque cursor
// so an interrupted cycle can resume without re-fetching the whole catalog.
// Adapters normalize remote identifiers, currencies and status vocabularies
// into the canonical enums using table-driven mappings.
type MarketplaceAdapter interface {
	// Type returns the marketplace type
	Type() models.MarketplaceType

	// Initialize sets up the adapter with credentials
	Initialize(ctx context.Context, credentials map[string]string) error

	// TestConnection verifies the connection is working
	TestConnection(ctx context.Context) error

	// Products
	FetchProducts(ctx context.Context, cursor string) (*ProductPage, error)

	// Orders
	FetchOrders(ctx context.Context, cursor string) (*OrderPage, error)

	// Returns
	FetchReturns(ctx context.Context, cursor string) (*ReturnPage, error)

	// PushProductUpdate pushes canonical price/stock back to the marketplace
	// and returns the remote reference of the submission
	PushProductUpdate(ctx context.Context, product *models.CanonicalProduct) (string, error)

	// Webhooks
	VerifyWebhook(payload []byte, signature string, secret string) error
	ParseWebhook(payload []byte) (*WebhookEvent, error)
}

// RawProduct is a normalized product record fetched from a marketplace
type RawProduct struct {
	RemoteID string               `json:"remoteId"`
	SKU      string               `json:"sku,omitempty"`
	Name     string               `json:"name"`
	Category string               `json:"category,omitempty"`
	Price    decimal.Decimal      `json:"price"`
	Currency string               `json:"currency"`
	Stock    int                  `json:"stock"`
	Status   models.ProductStatus `json:"status"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// RawLineItem is a normalized order line item
type RawLineItem struct {
	RemoteID  string          `json:"remoteId,omitempty"`
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Total     decimal.Decimal `json:"total"`
}

// RawOrder is a normalized order record fetched from a marketplace
type RawOrder struct {
	RemoteID string             `json:"remoteId"`
	Number   string             `json:"number"`
	Customer string             `json:"customer,omitempty"`
	Total    decimal.Decimal    `json:"total"`
	Currency string             `json:"currency"`
	Status   models.OrderStatus `json:"status"`
	Items    []RawLineItem      `json:"items"`
	PlacedAt time.Time          `json:"placedAt"`
}

// RawReturn is a normalized return record fetched from a marketplace.
// OrderRemoteID is the marketplace's identifier of the referenced order.
type RawReturn struct {
	RemoteID      string              `json:"remoteId"`
	OrderRemoteID string              `json:"orderRemoteId"`
	Reason        string              `json:"reason,omitempty"`
	Amount        decimal.Decimal     `json:"amount"`
	Currency      string              `json:"currency"`
	Status        models.ReturnStatus `json:"status"`
	PlacedAt      time.Time           `json:"placedAt"`
}

// SkippedRecord describes a malformed record the adapter dropped while
// normalizing a page. Skipped records never abort the batch.
type SkippedRecord struct {
	RemoteID string `json:"remoteId"`
	Reason   string `json:"reason"`
}

// ProductPage contains one page of normalized product results
type ProductPage struct {
	Products   []RawProduct
	Skipped    []SkippedRecord
	NextCursor string
	HasMore    bool
}

// OrderPage contains one page of normalized order results
type OrderPage struct {
	Orders     []RawOrder
	Skipped    []SkippedRecord
	NextCursor string
	HasMore    bool
}

// ReturnPage contains one page of normalized return results
type ReturnPage struct {
	Returns    []RawReturn
	Skipped    []SkippedRecord
	NextCursor string
	HasMore    bool
}

// WebhookEvent is a parsed marketplace push notification. Exactly one of
// Product, Order or Return is set, matching ResourceType.
type WebhookEvent struct {
	EventID      string            `json:"eventId"`
	EventType    string            `json:"eventType"`
	ResourceType models.EntityType `json:"resourceType"`

	Product *RawProduct `json:"product,omitempty"`
	Order   *RawOrder   `json:"order,omitempty"`
	Return  *RawReturn  `json:"return,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// UnsupportedMarketplaceError is returned when a marketplace type is not supported
type UnsupportedMarketplaceError struct {
	MarketplaceType string
}

func (e *UnsupportedMarketplaceError) Error() string {
	return "unsupported marketplace: " + e.MarketplaceType
}
