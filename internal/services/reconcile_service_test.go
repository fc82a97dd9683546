package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/repository"
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

type reconcileFixture struct {
	store     *repository.CanonicalRepository
	anomalies *repository.AnomalyRepository
	service   *ReconcileService
}

func newReconcileFixture(t *testing.T, priceAuthority models.MarketplaceType) *reconcileFixture {
	db := testDB(t)
	store := repository.NewCanonicalRepository(db)
	anomalies := repository.NewAnomalyRepository(db)
	return &reconcileFixture{
		store:     store,
		anomalies: anomalies,
		service:   NewReconcileService(store, anomalies, priceAuthority, zap.NewNop()),
	}
}

func rawProduct(remoteID, sku string, price string, stock int, status models.ProductStatus) clients.RawProduct {
	return clients.RawProduct{
		RemoteID:  remoteID,
		SKU:       sku,
		Name:      "Widget",
		Price:     decimal.RequireFromString(price),
		Currency:  "TRY",
		Stock:     stock,
		Status:    status,
		UpdatedAt: time.Now(),
	}
}

func TestReconcileProductCreatesThenIsIdempotent(t *testing.T) {
	f := newReconcileFixture(t, models.MarketplaceTrendyol)
	ctx := context.Background()
	result := &models.SyncResult{}

	raw := rawProduct("B-1", "SKU-1", "10.00", 5, models.ProductActive)
	push := f.service.ReconcileProduct(ctx, models.MarketplaceTrendyol, raw, result)
	assert.Nil(t, push)
	assert.Equal(t, 1, result.Created)

	// Re-reconciling identical content changes nothing
	push = f.service.ReconcileProduct(ctx, models.MarketplaceTrendyol, raw, result)
	assert.Nil(t, push)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Failed)

	id, err := f.store.FindByMarketplaceRef(ctx, models.EntityProduct, models.MarketplaceTrendyol, "B-1")
	require.NoError(t, err)
	product, err := f.store.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, product.Stock)
}

func TestReconcileProductAppliesAuthorityPrice(t *testing.T) {
	f := newReconcileFixture(t, models.MarketplaceTrendyol)
	ctx := context.Background()
	result := &models.SyncResult{}

	f.service.ReconcileProduct(ctx, models.MarketplaceTrendyol, rawProduct("B-1", "SKU-1", "10.00", 5, models.ProductActive), result)

	updated := rawProduct("B-1", "SKU-1", "12.50", 5, models.ProductActive)
	push := f.service.ReconcileProduct(ctx, models.MarketplaceTrendyol, updated, result)
	assert.Nil(t, push)
	assert.Equal(t, 1, result.Updated)

	id, _ := f.store.FindByMarketplaceRef(ctx, models.EntityProduct, models.MarketplaceTrendyol, "B-1")
	product, err := f.store.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.True(t, product.Price.Equal(decimal.RequireFromString("12.50")))
}

func TestReconcileProductPinsPriceAgainstNonAuthority(t *testing.T) {
	f := newReconcileFixture(t, models.MarketplaceTrendyol)
	ctx := context.Background()
	result := &models.SyncResult{}

	f.service.ReconcileProduct(ctx, models.MarketplaceTrendyol, rawProduct("B-1", "SKU-1", "10.00", 5, models.ProductActive), result)
	id, _ := f.store.FindByMarketplaceRef(ctx, models.EntityProduct, models.MarketplaceTrendyol, "B-1")

	// Amazon knows the same listing under its own remote id but shares SKU
	fromAmazon := rawProduct("ASIN-1", "SKU-1", "11.00", 5, models.ProductActive)
	push := f.service.ReconcileProduct(ctx, models.MarketplaceAmazon, fromAmazon, result)

	require.NotNil(t, push)
	assert.Equal(t, id, push.ProductID)
	assert.Equal(t, models.MarketplaceAmazon, push.Marketplace)

	// Pinned price survives
	product, err := f.store.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.True(t, product.Price.Equal(decimal.RequireFromString("10.00")))

	// SKU match attached the Amazon ref instead of duplicating the product
	assert.Len(t, product.Refs, 2)

	anomalies, _, err := f.anomalies.List(ctx, true, 10, 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, models.AnomalyAmbiguousAuthority, anomalies[0].Kind)
	assert.Equal(t, "price", anomalies[0].Field)
	assert.True(t, decimal.RequireFromString(anomalies[0].CanonicalValue).Equal(decimal.RequireFromString("10.00")))
	assert.True(t, decimal.RequireFromString(anomalies[0].IncomingValue).Equal(decimal.RequireFromString("11.00")))
}

func TestReconcileProductRejectsInvalidTransition(t *testing.T) {
	f := newReconcileFixture(t, models.MarketplaceTrendyol)
	ctx := context.Background()
	result := &models.SyncResult{}

	f.service.ReconcileProduct(ctx, models.MarketplaceTrendyol, rawProduct("B-1", "SKU-1", "10.00", 5, models.ProductActive), result)

	// ACTIVE -> DRAFT is not a legal move; the stock change still lands
	regressed := rawProduct("B-1", "SKU-1", "10.00", 9, models.ProductDraft)
	f.service.ReconcileProduct(ctx, models.MarketplaceTrendyol, regressed, result)

	id, _ := f.store.FindByMarketplaceRef(ctx, models.EntityProduct, models.MarketplaceTrendyol, "B-1")
	product, err := f.store.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ProductActive, product.Status)
	assert.Equal(t, 9, product.Stock)

	anomalies, _, err := f.anomalies.List(ctx, true, 10, 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, models.AnomalyInvalidTransition, anomalies[0].Kind)
}

func rawOrder(remoteID string, total string, status models.OrderStatus) clients.RawOrder {
	return clients.RawOrder{
		RemoteID: remoteID,
		Number:   remoteID,
		Total:    decimal.RequireFromString(total),
		Currency: "TRY",
		Status:   status,
		PlacedAt: time.Now(),
	}
}

func TestReconcileOrderStatusMachine(t *testing.T) {
	f := newReconcileFixture(t, models.MarketplaceTrendyol)
	ctx := context.Background()
	result := &models.SyncResult{}

	f.service.ReconcileOrder(ctx, models.MarketplaceTrendyol, rawOrder("TY-1", "50.00", models.OrderNew), result)
	assert.Equal(t, 1, result.Created)

	f.service.ReconcileOrder(ctx, models.MarketplaceTrendyol, rawOrder("TY-1", "50.00", models.OrderShipped), result)
	assert.Equal(t, 1, result.Updated)

	// Cancelling a shipped order is rejected and recorded
	f.service.ReconcileOrder(ctx, models.MarketplaceTrendyol, rawOrder("TY-1", "50.00", models.OrderCanceled), result)

	id, _ := f.store.FindByMarketplaceRef(ctx, models.EntityOrder, models.MarketplaceTrendyol, "TY-1")
	order, err := f.store.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.OrderShipped, order.Status)

	anomalies, _, err := f.anomalies.List(ctx, true, 10, 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, models.AnomalyInvalidTransition, anomalies[0].Kind)
	assert.Equal(t, string(models.OrderShipped), anomalies[0].CanonicalValue)
	assert.Equal(t, string(models.OrderCanceled), anomalies[0].IncomingValue)
}

func TestReconcileReturnValidation(t *testing.T) {
	f := newReconcileFixture(t, models.MarketplaceTrendyol)
	ctx := context.Background()
	result := &models.SyncResult{}

	f.service.ReconcileOrder(ctx, models.MarketplaceTrendyol, rawOrder("TY-1", "50.00", models.OrderDelivered), result)

	// Return against a missing order fails that record only
	orphan := clients.RawReturn{
		RemoteID:      "C-0",
		OrderRemoteID: "TY-missing",
		Amount:        decimal.RequireFromString("10.00"),
		Currency:      "TRY",
		Status:        models.ReturnPending,
	}
	f.service.ReconcileReturn(ctx, models.MarketplaceTrendyol, orphan, result)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "C-0", result.Errors[0].RemoteID)
	assert.Equal(t, "orderRemoteId", result.Errors[0].Field)

	// Refund above the order total is rejected
	excessive := clients.RawReturn{
		RemoteID:      "C-1",
		OrderRemoteID: "TY-1",
		Amount:        decimal.RequireFromString("60.00"),
		Currency:      "TRY",
		Status:        models.ReturnPending,
	}
	f.service.ReconcileReturn(ctx, models.MarketplaceTrendyol, excessive, result)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, "amount", result.Errors[1].Field)

	// A valid return is created and can move through its machine
	valid := clients.RawReturn{
		RemoteID:      "C-2",
		OrderRemoteID: "TY-1",
		Amount:        decimal.RequireFromString("25.00"),
		Currency:      "TRY",
		Status:        models.ReturnPending,
	}
	f.service.ReconcileReturn(ctx, models.MarketplaceTrendyol, valid, result)
	assert.Equal(t, 2, result.Created) // order + return

	valid.Status = models.ReturnApproved
	f.service.ReconcileReturn(ctx, models.MarketplaceTrendyol, valid, result)

	id, err := f.store.FindByMarketplaceRef(ctx, models.EntityReturn, models.MarketplaceTrendyol, "C-2")
	require.NoError(t, err)
	ret, err := f.store.GetReturn(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ReturnApproved, ret.Status)
}
