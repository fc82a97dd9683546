package repository

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketplace-sync-service/internal/models"
)

// ErrNotFound is returned when a canonical entity or ref does not exist
var ErrNotFound = errors.New("not found")

// CanonicalStore is the canonical entity store. Writes to a single entity are
// serialized through a keyed lock, so concurrent reconcilers touching the same
// entity apply their read-modify-write cycles one at a time.
type CanonicalStore interface {
	CreateProduct(ctx context.Context, product *models.CanonicalProduct, ref *models.MarketplaceRef) error
	UpdateProduct(ctx context.Context, id uuid.UUID, fn func(*models.CanonicalProduct) error) (*models.CanonicalProduct, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*models.CanonicalProduct, error)
	ListProducts(ctx context.Context, limit, offset int) ([]models.CanonicalProduct, int64, error)
	FindProductBySKU(ctx context.Context, sku string) (*models.CanonicalProduct, error)

	CreateOrder(ctx context.Context, order *models.CanonicalOrder, ref *models.MarketplaceRef) error
	UpdateOrder(ctx context.Context, id uuid.UUID, fn func(*models.CanonicalOrder) error) (*models.CanonicalOrder, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.CanonicalOrder, error)
	ListOrders(ctx context.Context, limit, offset int) ([]models.CanonicalOrder, int64, error)

	CreateReturn(ctx context.Context, ret *models.CanonicalReturn, ref *models.MarketplaceRef) error
	UpdateReturn(ctx context.Context, id uuid.UUID, fn func(*models.CanonicalReturn) error) (*models.CanonicalReturn, error)
	GetReturn(ctx context.Context, id uuid.UUID) (*models.CanonicalReturn, error)
	ListReturns(ctx context.Context, limit, offset int) ([]models.CanonicalReturn, int64, error)

	FindByMarketplaceRef(ctx context.Context, entityType models.EntityType, marketplace models.MarketplaceType, remoteID string) (uuid.UUID, error)
	AddRef(ctx context.Context, ref *models.MarketplaceRef) error
}

const lockStripes = 64

// CanonicalRepository is the gorm-backed CanonicalStore
type CanonicalRepository struct {
	db    *gorm.DB
	locks [lockStripes]sync.Mutex
}

// NewCanonicalRepository creates a new canonical repository
func NewCanonicalRepository(db *gorm.DB) *CanonicalRepository {
	return &CanonicalRepository{db: db}
}

// lockFor returns the stripe lock for an entity ID. Distinct entities may
// share a stripe; that only costs contention, never correctness.
func (r *CanonicalRepository) lockFor(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &r.locks[h.Sum32()%lockStripes]
}

// CreateProduct inserts a product and its originating marketplace ref in one
// transaction
func (r *CanonicalRepository) CreateProduct(ctx context.Context, product *models.CanonicalProduct, ref *models.MarketplaceRef) error {
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(product).Error; err != nil {
			return err
		}
		if ref != nil {
			ref.EntityType = models.EntityProduct
			ref.EntityID = product.ID
			if ref.ID == uuid.Nil {
				ref.ID = uuid.New()
			}
			return tx.Create(ref).Error
		}
		return nil
	})
}

// UpdateProduct applies fn to the current product row under the entity lock
// and persists the result. fn returning an error aborts without writing.
func (r *CanonicalRepository) UpdateProduct(ctx context.Context, id uuid.UUID, fn func(*models.CanonicalProduct) error) (*models.CanonicalProduct, error) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	product, err := r.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(product); err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Save(product).Error; err != nil {
		return nil, err
	}
	return product, nil
}

// GetProduct retrieves a product with its marketplace refs
func (r *CanonicalRepository) GetProduct(ctx context.Context, id uuid.UUID) (*models.CanonicalProduct, error) {
	var product models.CanonicalProduct
	err := r.db.WithContext(ctx).Preload("Refs").First(&product, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

// ListProducts retrieves products with pagination
func (r *CanonicalRepository) ListProducts(ctx context.Context, limit, offset int) ([]models.CanonicalProduct, int64, error) {
	var products []models.CanonicalProduct
	var total int64

	query := r.db.WithContext(ctx).Model(&models.CanonicalProduct{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Preload("Refs").Limit(limit).Offset(offset).Order("created_at DESC").Find(&products).Error
	return products, total, err
}

// FindProductBySKU retrieves a product by SKU, used to match the same listing
// across marketplaces before creating a duplicate canonical product
func (r *CanonicalRepository) FindProductBySKU(ctx context.Context, sku string) (*models.CanonicalProduct, error) {
	if sku == "" {
		return nil, ErrNotFound
	}
	var product models.CanonicalProduct
	err := r.db.WithContext(ctx).Preload("Refs").First(&product, "sku = ?", sku).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

// CreateOrder inserts an order and its originating marketplace ref in one
// transaction
func (r *CanonicalRepository) CreateOrder(ctx context.Context, order *models.CanonicalOrder, ref *models.MarketplaceRef) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		if ref != nil {
			ref.EntityType = models.EntityOrder
			ref.EntityID = order.ID
			if ref.ID == uuid.Nil {
				ref.ID = uuid.New()
			}
			return tx.Create(ref).Error
		}
		return nil
	})
}

// UpdateOrder applies fn to the current order row under the entity lock
func (r *CanonicalRepository) UpdateOrder(ctx context.Context, id uuid.UUID, fn func(*models.CanonicalOrder) error) (*models.CanonicalOrder, error) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	order, err := r.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(order); err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Save(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder retrieves an order with its marketplace refs
func (r *CanonicalRepository) GetOrder(ctx context.Context, id uuid.UUID) (*models.CanonicalOrder, error) {
	var order models.CanonicalOrder
	err := r.db.WithContext(ctx).Preload("Refs").First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves orders with pagination
func (r *CanonicalRepository) ListOrders(ctx context.Context, limit, offset int) ([]models.CanonicalOrder, int64, error) {
	var orders []models.CanonicalOrder
	var total int64

	query := r.db.WithContext(ctx).Model(&models.CanonicalOrder{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Preload("Refs").Limit(limit).Offset(offset).Order("placed_at DESC").Find(&orders).Error
	return orders, total, err
}

// CreateReturn inserts a return and its originating marketplace ref in one
// transaction
func (r *CanonicalRepository) CreateReturn(ctx context.Context, ret *models.CanonicalReturn, ref *models.MarketplaceRef) error {
	if ret.ID == uuid.Nil {
		ret.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ret).Error; err != nil {
			return err
		}
		if ref != nil {
			ref.EntityType = models.EntityReturn
			ref.EntityID = ret.ID
			if ref.ID == uuid.Nil {
				ref.ID = uuid.New()
			}
			return tx.Create(ref).Error
		}
		return nil
	})
}

// UpdateReturn applies fn to the current return row under the entity lock
func (r *CanonicalRepository) UpdateReturn(ctx context.Context, id uuid.UUID, fn func(*models.CanonicalReturn) error) (*models.CanonicalReturn, error) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	ret, err := r.GetReturn(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(ret); err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Save(ret).Error; err != nil {
		return nil, err
	}
	return ret, nil
}

// GetReturn retrieves a return with its marketplace refs
func (r *CanonicalRepository) GetReturn(ctx context.Context, id uuid.UUID) (*models.CanonicalReturn, error) {
	var ret models.CanonicalReturn
	err := r.db.WithContext(ctx).Preload("Refs").First(&ret, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ret, nil
}

// ListReturns retrieves returns with pagination
func (r *CanonicalRepository) ListReturns(ctx context.Context, limit, offset int) ([]models.CanonicalReturn, int64, error) {
	var returns []models.CanonicalReturn
	var total int64

	query := r.db.WithContext(ctx).Model(&models.CanonicalReturn{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.Preload("Refs").Limit(limit).Offset(offset).Order("placed_at DESC").Find(&returns).Error
	return returns, total, err
}

// FindByMarketplaceRef resolves a remote identifier to a canonical entity ID
// through the unique (entity_type, marketplace, remote_id) index
func (r *CanonicalRepository) FindByMarketplaceRef(ctx context.Context, entityType models.EntityType, marketplace models.MarketplaceType, remoteID string) (uuid.UUID, error) {
	var ref models.MarketplaceRef
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND marketplace = ? AND remote_id = ?", entityType, marketplace, remoteID).
		First(&ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, err
	}
	return ref.EntityID, nil
}

// AddRef attaches a marketplace ref to an existing entity. Re-adding the same
// remote identifier is a no-op.
func (r *CanonicalRepository) AddRef(ctx context.Context, ref *models.MarketplaceRef) error {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "marketplace"}, {Name: "remote_id"}},
		DoNothing: true,
	}).Create(ref).Error
}
