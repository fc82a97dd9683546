package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/repository"
)

// fakeAdapter is a scripted MarketplaceAdapter for orchestrator tests
type fakeAdapter struct {
	mp models.MarketplaceType

	mu           sync.Mutex
	productPages [][]clients.RawProduct
	orders       []clients.RawOrder
	returns      []clients.RawReturn
	fetchErrs    []error

	fetchStarted chan struct{}
	block        chan struct{}

	connErr error
	pushed  int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{mp: models.MarketplaceTrendyol}
}

func (f *fakeAdapter) Type() models.MarketplaceType { return f.mp }

func (f *fakeAdapter) Initialize(ctx context.Context, credentials map[string]string) error {
	return nil
}

func (f *fakeAdapter) TestConnection(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connErr
}

func (f *fakeAdapter) FetchProducts(ctx context.Context, cursor string) (*clients.ProductPage, error) {
	if f.fetchStarted != nil {
		select {
		case f.fetchStarted <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.block:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		return nil, err
	}

	page := 0
	if cursor != "" {
		page, _ = strconv.Atoi(cursor)
	}
	result := &clients.ProductPage{}
	if page < len(f.productPages) {
		result.Products = f.productPages[page]
	}
	if page+1 < len(f.productPages) {
		result.NextCursor = strconv.Itoa(page + 1)
		result.HasMore = true
	}
	return result, nil
}

func (f *fakeAdapter) FetchOrders(ctx context.Context, cursor string) (*clients.OrderPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &clients.OrderPage{Orders: f.orders}, nil
}

func (f *fakeAdapter) FetchReturns(ctx context.Context, cursor string) (*clients.ReturnPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &clients.ReturnPage{Returns: f.returns}, nil
}

func (f *fakeAdapter) PushProductUpdate(ctx context.Context, product *models.CanonicalProduct) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed++
	return "push-1", nil
}

func (f *fakeAdapter) VerifyWebhook(payload []byte, signature string, secret string) error {
	if signature != "valid" {
		return errors.New("invalid webhook signature")
	}
	return nil
}

func (f *fakeAdapter) ParseWebhook(payload []byte) (*clients.WebhookEvent, error) {
	return &clients.WebhookEvent{
		EventID:      string(payload),
		EventType:    "order.updated",
		ResourceType: models.EntityOrder,
		Order: &clients.RawOrder{
			RemoteID: "TY-webhook",
			Number:   "TY-webhook",
			Status:   models.OrderNew,
			Currency: "TRY",
		},
		Timestamp: time.Now(),
	}, nil
}

type syncFixture struct {
	adapter *fakeAdapter
	service *SyncService
	cycles  *repository.CycleRepository
	store   *repository.CanonicalRepository
}

func newSyncFixture(t *testing.T, retryConfig *clients.RetryConfig) *syncFixture {
	db := testDB(t)
	store := repository.NewCanonicalRepository(db)
	cycles := repository.NewCycleRepository(db)
	anomalies := repository.NewAnomalyRepository(db)
	reconcile := NewReconcileService(store, anomalies, models.MarketplaceTrendyol, zap.NewNop())

	adapter := newFakeAdapter()
	adapters := map[models.MarketplaceType]clients.MarketplaceAdapter{
		models.MarketplaceTrendyol: adapter,
	}
	if retryConfig == nil {
		retryConfig = &clients.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2.0,
		}
	}
	retrier := clients.NewRetrier(retryConfig)

	service := NewSyncService(adapters, reconcile, cycles, store, retrier, time.Hour, zap.NewNop())
	return &syncFixture{adapter: adapter, service: service, cycles: cycles, store: store}
}

func TestRunCycleSuccess(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.adapter.productPages = [][]clients.RawProduct{
		{rawProduct("B-1", "SKU-1", "10.00", 5, models.ProductActive)},
		{rawProduct("B-2", "SKU-2", "20.00", 3, models.ProductActive)},
	}
	f.adapter.orders = []clients.RawOrder{rawOrder("TY-1", "50.00", models.OrderNew)}

	cycle, err := f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, cycle.Outcome)
	assert.Equal(t, 0, cycle.RetryCount)

	persisted, err := f.cycles.GetCycle(context.Background(), cycle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, persisted.Outcome)
	require.Len(t, persisted.Results, 3)

	byEntity := map[models.EntityType]models.SyncResult{}
	for _, result := range persisted.Results {
		byEntity[result.EntityType] = result
	}
	assert.Equal(t, 2, byEntity[models.EntityProduct].Created)
	assert.Equal(t, 1, byEntity[models.EntityOrder].Created)
	assert.Equal(t, 0, byEntity[models.EntityReturn].Created)
}

func TestRunCycleRetriesTransientThenSucceeds(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.adapter.fetchErrs = []error{
		&clients.TransientError{Op: "fetch", StatusCode: 503, Err: errors.New("down")},
		&clients.TransientError{Op: "fetch", StatusCode: 503, Err: errors.New("down")},
	}
	f.adapter.productPages = [][]clients.RawProduct{
		{rawProduct("B-1", "SKU-1", "10.00", 5, models.ProductActive)},
	}

	cycle, err := f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, cycle.Outcome)
	assert.Equal(t, 2, cycle.RetryCount)
}

func TestRunCycleFailsAfterExhaustedRetries(t *testing.T) {
	// Single attempt so the failure is immediate, with a backoff window wide
	// enough to still be open when the next trigger arrives
	f := newSyncFixture(t, &clients.RetryConfig{
		MaxAttempts:    1,
		InitialBackoff: time.Minute,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2.0,
	})
	transient := &clients.TransientError{Op: "fetch", StatusCode: 503, Err: errors.New("down")}
	f.adapter.fetchErrs = []error{transient}

	cycle, err := f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
	require.Error(t, err)
	assert.True(t, clients.IsTransient(err))
	assert.Equal(t, models.OutcomeFailed, cycle.Outcome)

	// Scheduled triggers back off after a failure; manual ones do not
	_, err = f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerScheduled)
	assert.ErrorIs(t, err, ErrBackingOff)

	_, err = f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
	assert.NoError(t, err)
}

func TestRunCycleAuthErrorBlocksMarketplace(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.adapter.fetchErrs = []error{
		&clients.AuthError{Op: "fetch", StatusCode: 401, Err: errors.New("bad creds")},
	}

	cycle, err := f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
	require.Error(t, err)
	assert.True(t, clients.IsAuth(err))
	assert.Equal(t, models.OutcomeFailed, cycle.Outcome)

	// Marketplace is halted, even for manual triggers
	_, err = f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
	assert.ErrorIs(t, err, ErrAuthBlocked)

	// A successful connection test clears the block
	require.NoError(t, f.service.TestConnection(context.Background(), models.MarketplaceTrendyol))
	_, err = f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
	assert.NoError(t, err)
}

func TestRunCycleRejectsOverlap(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.adapter.fetchStarted = make(chan struct{}, 1)
	f.adapter.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
	}()

	<-f.adapter.fetchStarted
	_, err := f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
	assert.ErrorIs(t, err, ErrCycleRunning)

	close(f.adapter.block)
	<-done
}

func TestCancelCycle(t *testing.T) {
	f := newSyncFixture(t, nil)
	f.adapter.fetchStarted = make(chan struct{}, 1)
	f.adapter.block = make(chan struct{})

	type outcome struct {
		cycle *models.SyncCycle
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		cycle, err := f.service.RunCycle(context.Background(), models.MarketplaceTrendyol, models.TriggerManual)
		done <- outcome{cycle, err}
	}()

	<-f.adapter.fetchStarted
	assert.True(t, f.service.CancelCycle(models.MarketplaceTrendyol))

	result := <-done
	require.Error(t, result.err)
	assert.Equal(t, models.OutcomeCancelled, result.cycle.Outcome)

	// Nothing left to cancel
	assert.False(t, f.service.CancelCycle(models.MarketplaceTrendyol))
}

func TestRunCyclePushesPinnedPrice(t *testing.T) {
	f := newSyncFixture(t, nil)
	ctx := context.Background()

	// Seed a canonical product owned by the authority at 10.00, with a ref
	// the fake marketplace reports a conflicting price for
	product := &models.CanonicalProduct{
		SKU:      "SKU-1",
		Name:     "Widget",
		Price:    decimal.RequireFromString("10.00"),
		Currency: "TRY",
		Stock:    5,
		Status:   models.ProductActive,
	}
	require.NoError(t, f.store.CreateProduct(ctx, product,
		&models.MarketplaceRef{Marketplace: models.MarketplaceTrendyol, RemoteID: "B-1"}))

	// Non-authority adapter: same remote id, different price
	f.adapter.mp = models.MarketplaceAmazon
	f.service.adapters = map[models.MarketplaceType]clients.MarketplaceAdapter{
		models.MarketplaceAmazon: f.adapter,
	}
	require.NoError(t, f.store.AddRef(ctx, &models.MarketplaceRef{
		EntityType:  models.EntityProduct,
		EntityID:    product.ID,
		Marketplace: models.MarketplaceAmazon,
		RemoteID:    "ASIN-1",
	}))
	f.adapter.productPages = [][]clients.RawProduct{
		{rawProduct("ASIN-1", "SKU-1", "12.00", 5, models.ProductActive)},
	}

	cycle, err := f.service.RunCycle(ctx, models.MarketplaceAmazon, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, cycle.Outcome)
	assert.Equal(t, 1, f.adapter.pushed)

	loaded, err := f.store.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Price.Equal(decimal.RequireFromString("10.00")))
}

func TestRunCycleUnknownMarketplace(t *testing.T) {
	f := newSyncFixture(t, nil)
	_, err := f.service.RunCycle(context.Background(), models.MarketplaceHepsiburada, models.TriggerManual)
	assert.ErrorIs(t, err, ErrUnknownMarketplace)
}
