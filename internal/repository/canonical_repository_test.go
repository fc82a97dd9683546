package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marketplace-sync-service/internal/models"
)

func testDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.CanonicalProduct{},
		&models.CanonicalOrder{},
		&models.CanonicalReturn{},
		&models.MarketplaceRef{},
		&models.SyncCycle{},
		&models.SyncResult{},
		&models.ConflictAnomaly{},
		&models.SyncCursor{},
		&models.MarketplaceWebhookEvent{},
	))

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

func TestCreateAndFindProductByRef(t *testing.T) {
	repo := NewCanonicalRepository(testDB(t))
	ctx := context.Background()

	product := &models.CanonicalProduct{
		SKU:      "SKU-1",
		Name:     "Widget",
		Price:    decimal.RequireFromString("10.00"),
		Currency: "TRY",
		Stock:    5,
		Status:   models.ProductActive,
	}
	ref := &models.MarketplaceRef{Marketplace: models.MarketplaceTrendyol, RemoteID: "B-1", RemoteSKU: "SKU-1"}
	require.NoError(t, repo.CreateProduct(ctx, product, ref))

	id, err := repo.FindByMarketplaceRef(ctx, models.EntityProduct, models.MarketplaceTrendyol, "B-1")
	require.NoError(t, err)
	assert.Equal(t, product.ID, id)

	loaded, err := repo.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Widget", loaded.Name)
	require.Len(t, loaded.Refs, 1)
	assert.Equal(t, "B-1", loaded.Refs[0].RemoteID)

	// Ref lookups are scoped by marketplace and entity type
	_, err = repo.FindByMarketplaceRef(ctx, models.EntityProduct, models.MarketplaceAmazon, "B-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.FindByMarketplaceRef(ctx, models.EntityOrder, models.MarketplaceTrendyol, "B-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindProductBySKU(t *testing.T) {
	repo := NewCanonicalRepository(testDB(t))
	ctx := context.Background()

	product := &models.CanonicalProduct{SKU: "SKU-9", Name: "Gadget", Status: models.ProductDraft}
	require.NoError(t, repo.CreateProduct(ctx, product, nil))

	found, err := repo.FindProductBySKU(ctx, "SKU-9")
	require.NoError(t, err)
	assert.Equal(t, product.ID, found.ID)

	_, err = repo.FindProductBySKU(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.FindProductBySKU(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddRefIsIdempotent(t *testing.T) {
	repo := NewCanonicalRepository(testDB(t))
	ctx := context.Background()

	product := &models.CanonicalProduct{Name: "Widget", Status: models.ProductDraft}
	require.NoError(t, repo.CreateProduct(ctx, product,
		&models.MarketplaceRef{Marketplace: models.MarketplaceTrendyol, RemoteID: "B-1"}))

	ref := &models.MarketplaceRef{
		EntityType:  models.EntityProduct,
		EntityID:    product.ID,
		Marketplace: models.MarketplaceAmazon,
		RemoteID:    "ASIN-1",
	}
	require.NoError(t, repo.AddRef(ctx, ref))

	dup := &models.MarketplaceRef{
		EntityType:  models.EntityProduct,
		EntityID:    product.ID,
		Marketplace: models.MarketplaceAmazon,
		RemoteID:    "ASIN-1",
	}
	require.NoError(t, repo.AddRef(ctx, dup))

	loaded, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Refs, 2)
}

func TestUpdateProductAbortsWithoutWriting(t *testing.T) {
	repo := NewCanonicalRepository(testDB(t))
	ctx := context.Background()

	product := &models.CanonicalProduct{Name: "Widget", Stock: 5, Status: models.ProductDraft}
	require.NoError(t, repo.CreateProduct(ctx, product, nil))

	wantErr := fmt.Errorf("nope")
	_, err := repo.UpdateProduct(ctx, product.ID, func(p *models.CanonicalProduct) error {
		p.Stock = 99
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	loaded, err := repo.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Stock)
}

func TestOrderAndReturnRoundTrip(t *testing.T) {
	repo := NewCanonicalRepository(testDB(t))
	ctx := context.Background()

	order := &models.CanonicalOrder{
		Number:   "TY-1",
		Total:    decimal.RequireFromString("50.00"),
		Currency: "TRY",
		Status:   models.OrderNew,
		Items: models.OrderItems{
			{SKU: "SKU-1", Name: "Widget", Quantity: 2, UnitPrice: decimal.RequireFromString("25.00"), Total: decimal.RequireFromString("50.00")},
		},
	}
	require.NoError(t, repo.CreateOrder(ctx, order,
		&models.MarketplaceRef{Marketplace: models.MarketplaceTrendyol, RemoteID: "TY-1"}))

	loaded, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, 2, loaded.Items[0].Quantity)
	assert.True(t, loaded.Items[0].Total.Equal(decimal.RequireFromString("50.00")))

	ret := &models.CanonicalReturn{
		OrderID:  order.ID,
		Amount:   decimal.RequireFromString("25.00"),
		Currency: "TRY",
		Status:   models.ReturnPending,
	}
	require.NoError(t, repo.CreateReturn(ctx, ret,
		&models.MarketplaceRef{Marketplace: models.MarketplaceTrendyol, RemoteID: "C-1"}))

	retID, err := repo.FindByMarketplaceRef(ctx, models.EntityReturn, models.MarketplaceTrendyol, "C-1")
	require.NoError(t, err)
	assert.Equal(t, ret.ID, retID)
}

func TestListProductsPaginates(t *testing.T) {
	repo := NewCanonicalRepository(testDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.CreateProduct(ctx, &models.CanonicalProduct{
			Name:   fmt.Sprintf("P%d", i),
			Status: models.ProductDraft,
		}, nil))
	}

	page, total, err := repo.ListProducts(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, page, 2)

	rest, _, err := repo.ListProducts(ctx, 10, 4)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

// Concurrent read-modify-write cycles on one entity must not lose updates:
// the keyed lock serializes them.
func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	repo := NewCanonicalRepository(testDB(t))
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("no stock increment is lost", prop.ForAll(
		func(deltas []int) bool {
			product := &models.CanonicalProduct{Name: "Counter", Status: models.ProductDraft}
			if err := repo.CreateProduct(ctx, product, nil); err != nil {
				return false
			}

			var wg sync.WaitGroup
			for _, delta := range deltas {
				delta := delta
				wg.Add(1)
				go func() {
					defer wg.Done()
					repo.UpdateProduct(ctx, product.ID, func(p *models.CanonicalProduct) error {
						p.Stock += delta
						return nil
					})
				}()
			}
			wg.Wait()

			sum := 0
			for _, delta := range deltas {
				sum += delta
			}
			loaded, err := repo.GetProduct(ctx, product.ID)
			return err == nil && loaded.Stock == sum
		},
		gen.SliceOfN(8, gen.IntRange(1, 10)),
	))

	properties.TestingRun(t)
}
