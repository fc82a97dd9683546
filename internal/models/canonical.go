package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductStatus represents the lifecycle status of a canonical product
type ProductStatus string

const (
	ProductDraft    ProductStatus = "DRAFT"
	ProductPending  ProductStatus = "PENDING"
	ProductActive   ProductStatus = "ACTIVE"
	ProductRejected ProductStatus = "REJECTED"
)

// OrderStatus represents the lifecycle status of a canonical order
type OrderStatus string

const (
	OrderNew        OrderStatus = "NEW"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderShipped    OrderStatus = "SHIPPED"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCanceled   OrderStatus = "CANCELED"
)

// ReturnStatus represents the lifecycle status of a canonical return
type ReturnStatus string

const (
	ReturnPending   ReturnStatus = "PENDING"
	ReturnApproved  ReturnStatus = "APPROVED"
	ReturnRejected  ReturnStatus = "REJECTED"
	ReturnCompleted ReturnStatus = "COMPLETED"
)

// Allowed status transitions. Cancellation and rejection are terminal states;
// entities are never physically deleted.
var (
	productTransitions = map[ProductStatus][]ProductStatus{
		ProductDraft:   {ProductPending},
		ProductPending: {ProductActive, ProductRejected},
		ProductActive:  {ProductRejected},
	}

	orderTransitions = map[OrderStatus][]OrderStatus{
		OrderNew:        {OrderProcessing, OrderShipped, OrderDelivered, OrderCanceled},
		OrderProcessing: {OrderShipped, OrderDelivered, OrderCanceled},
		OrderShipped:    {OrderDelivered},
	}

	returnTransitions = map[ReturnStatus][]ReturnStatus{
		ReturnPending:  {ReturnApproved, ReturnRejected},
		ReturnApproved: {ReturnCompleted},
	}
)

// CanTransitionTo reports whether a product may move from s to next
func (s ProductStatus) CanTransitionTo(next ProductStatus) bool {
	for _, allowed := range productTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether an order may move from s to next
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether a return may move from s to next
func (s ReturnStatus) CanTransitionTo(next ReturnStatus) bool {
	for _, allowed := range returnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MarketplaceRef links a canonical entity to its remote identifier on one
// marketplace. The (entity_type, marketplace, remote_id) index is the join
// key used to decide whether an incoming raw record is new or an update.
type MarketplaceRef struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	EntityType  EntityType      `gorm:"type:varchar(20);not null;uniqueIndex:idx_refs_remote,priority:1;uniqueIndex:idx_refs_entity,priority:1" json:"entityType"`
	EntityID    uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_refs_entity,priority:2" json:"entityId"`
	Marketplace MarketplaceType `gorm:"type:varchar(50);not null;uniqueIndex:idx_refs_remote,priority:2;uniqueIndex:idx_refs_entity,priority:3" json:"marketplace"`
	RemoteID    string          `gorm:"type:varchar(255);not null;uniqueIndex:idx_refs_remote,priority:3" json:"remoteId"`
	RemoteSKU   string          `gorm:"type:varchar(255)" json:"remoteSku,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name for MarketplaceRef
func (MarketplaceRef) TableName() string {
	return "marketplace_refs"
}

// CanonicalProduct is the marketplace-agnostic representation of a product
type CanonicalProduct struct {
	ID       uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	SKU      string          `gorm:"type:varchar(255);index:idx_products_sku" json:"sku,omitempty"`
	Name     string          `gorm:"type:varchar(500);not null" json:"name"`
	Category string          `gorm:"type:varchar(255)" json:"category,omitempty"`
	Price    decimal.Decimal `gorm:"type:decimal(14,2)" json:"price"`
	Currency string          `gorm:"type:varchar(10)" json:"currency"`
	Stock    int             `gorm:"not null;default:0" json:"stock"`
	Status   ProductStatus   `gorm:"type:varchar(20);not null;default:'DRAFT'" json:"status"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Refs []MarketplaceRef `gorm:"polymorphic:Entity;polymorphicValue:PRODUCT" json:"refs,omitempty"`
}

// TableName specifies the table name for CanonicalProduct
func (CanonicalProduct) TableName() string {
	return "canonical_products"
}

// OrderItem is a single line item on a canonical order
type OrderItem struct {
	RemoteID  string          `json:"remoteId,omitempty"`
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Total     decimal.Decimal `json:"total"`
}

// OrderItems is an ordered sequence of line items stored as JSON
type OrderItems []OrderItem

func (items OrderItems) Value() (driver.Value, error) {
	return json.Marshal([]OrderItem(items))
}

func (items *OrderItems) Scan(value interface{}) error {
	if value == nil {
		*items = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, items)
	case string:
		return json.Unmarshal([]byte(v), items)
	default:
		return nil
	}
}

// CanonicalOrder is the marketplace-agnostic representation of an order
type CanonicalOrder struct {
	ID       uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	Number   string          `gorm:"type:varchar(255);index:idx_orders_number" json:"number"`
	Customer string          `gorm:"type:varchar(255)" json:"customer,omitempty"`
	Total    decimal.Decimal `gorm:"type:decimal(14,2)" json:"total"`
	Currency string          `gorm:"type:varchar(10)" json:"currency"`
	Status   OrderStatus     `gorm:"type:varchar(20);not null;default:'NEW'" json:"status"`
	Items    OrderItems      `gorm:"type:text" json:"items"`
	PlacedAt time.Time       `json:"placedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Refs []MarketplaceRef `gorm:"polymorphic:Entity;polymorphicValue:ORDER" json:"refs,omitempty"`
}

// TableName specifies the table name for CanonicalOrder
func (CanonicalOrder) TableName() string {
	return "canonical_orders"
}

// CanonicalReturn is the marketplace-agnostic representation of a return.
// A return always references an existing canonical order.
type CanonicalReturn struct {
	ID       uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID  uuid.UUID       `gorm:"type:uuid;not null;index:idx_returns_order" json:"orderId"`
	Reason   string          `gorm:"type:text" json:"reason,omitempty"`
	Amount   decimal.Decimal `gorm:"type:decimal(14,2)" json:"amount"`
	Currency string          `gorm:"type:varchar(10)" json:"currency"`
	Status   ReturnStatus    `gorm:"type:varchar(20);not null;default:'PENDING'" json:"status"`
	PlacedAt time.Time       `json:"placedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Refs []MarketplaceRef `gorm:"polymorphic:Entity;polymorphicValue:RETURN" json:"refs,omitempty"`
}

// TableName specifies the table name for CanonicalReturn
func (CanonicalReturn) TableName() string {
	return "canonical_returns"
}
