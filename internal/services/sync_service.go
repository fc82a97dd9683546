package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-sync-service/internal/clients"
	"marketplace-sync-service/internal/models"
	"marketplace-sync-service/internal/repository"
)

var (
	// ErrCycleRunning is returned when a cycle for the marketplace is already
	// in flight
	ErrCycleRunning = errors.New("sync cycle already running for marketplace")

	// ErrAuthBlocked is returned when the marketplace is halted on rejected
	// credentials and needs a successful connection test to resume
	ErrAuthBlocked = errors.New("marketplace blocked on authentication failure")

	// ErrBackingOff is returned when a scheduled cycle fires inside the
	// failure backoff window
	ErrBackingOff = errors.New("marketplace in backoff after repeated failures")

	// ErrUnknownMarketplace is returned for a marketplace with no adapter
	ErrUnknownMarketplace = errors.New("no adapter configured for marketplace")
)

// marketplaceState tracks per-marketplace cycle coordination. The mutex
// guarantees at most one cycle per marketplace; cycles for different
// marketplaces run fully concurrently.
type marketplaceState struct {
	mu sync.Mutex

	stateMu             sync.Mutex
	running             bool
	cancel              context.CancelFunc
	consecutiveFailures int
	nextEligibleAt      time.Time
	authBlocked         bool
	lastCycleID         uuid.UUID
}

// MarketplaceStatus is a point-in-time snapshot of one marketplace's
// orchestration state
type MarketplaceStatus struct {
	Marketplace         models.MarketplaceType `json:"marketplace"`
	Running             bool                   `json:"running"`
	AuthBlocked         bool                   `json:"authBlocked"`
	ConsecutiveFailures int                    `json:"consecutiveFailures"`
	NextEligibleAt      *time.Time             `json:"nextEligibleAt,omitempty"`
	LastCycleID         *uuid.UUID             `json:"lastCycleId,omitempty"`
}

// SyncService orchestrates sync cycles. Each cycle walks
// Fetching -> Reconciling -> Pushing for one marketplace, persisting a
// SyncResult per entity type no matter how many records failed. Transient
// adapter errors are retried with exponential backoff inside the cycle;
// exhausted retries fail the cycle and push the next eligible run out.
type SyncService struct {
	adapters  map[models.MarketplaceType]clients.MarketplaceAdapter
	reconcile *ReconcileService
	cycles    *repository.CycleRepository
	store     repository.CanonicalStore
	retrier   *clients.Retrier
	interval  time.Duration
	logger    *zap.Logger

	statesMu sync.Mutex
	states   map[models.MarketplaceType]*marketplaceState

	schedulerCancel context.CancelFunc
	wg              sync.WaitGroup
}

// NewSyncService creates a new sync orchestrator
func NewSyncService(
	adapters map[models.MarketplaceType]clients.MarketplaceAdapter,
	reconcile *ReconcileService,
	cycles *repository.CycleRepository,
	store repository.CanonicalStore,
	retrier *clients.Retrier,
	interval time.Duration,
	logger *zap.Logger,
) *SyncService {
	states := make(map[models.MarketplaceType]*marketplaceState, len(adapters))
	for mp := range adapters {
		states[mp] = &marketplaceState{}
	}
	return &SyncService{
		adapters:  adapters,
		reconcile: reconcile,
		cycles:    cycles,
		store:     store,
		retrier:   retrier,
		interval:  interval,
		logger:    logger,
		states:    states,
	}
}

// Start launches the interval scheduler. Each tick triggers a scheduled cycle
// for every configured marketplace; marketplaces that are busy, blocked or
// backing off are skipped until the next tick.
func (s *SyncService) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.schedulerCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for mp := range s.adapters {
					mp := mp
					s.wg.Add(1)
					go func() {
						defer s.wg.Done()
						if _, err := s.RunCycle(ctx, mp, models.TriggerScheduled); err != nil {
							if !errors.Is(err, ErrCycleRunning) && !errors.Is(err, ErrBackingOff) && !errors.Is(err, ErrAuthBlocked) {
								s.logger.Error("scheduled sync cycle failed",
									zap.String("marketplace", string(mp)), zap.Error(err))
							}
						}
					}()
				}
			}
		}
	}()
}

// Shutdown stops the scheduler, cancels in-flight cycles and waits for them
// to drain
func (s *SyncService) Shutdown() {
	if s.schedulerCancel != nil {
		s.schedulerCancel()
	}
	s.statesMu.Lock()
	for _, st := range s.states {
		st.stateMu.Lock()
		if st.cancel != nil {
			st.cancel()
		}
		st.stateMu.Unlock()
	}
	s.statesMu.Unlock()
	s.wg.Wait()
}

// RunCycle executes one sync cycle for a marketplace. It returns
// ErrCycleRunning when a cycle is already in flight, ErrAuthBlocked while the
// marketplace is halted on bad credentials, and ErrBackingOff when a
// scheduled trigger lands inside the failure backoff window. Manual triggers
// bypass the backoff window.
func (s *SyncService) RunCycle(ctx context.Context, mp models.MarketplaceType, trigger models.TriggerType) (*models.SyncCycle, error) {
	adapter, ok := s.adapters[mp]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarketplace, mp)
	}
	state := s.stateFor(mp)

	state.stateMu.Lock()
	if state.authBlocked {
		state.stateMu.Unlock()
		return nil, ErrAuthBlocked
	}
	if trigger == models.TriggerScheduled && time.Now().Before(state.nextEligibleAt) {
		state.stateMu.Unlock()
		return nil, ErrBackingOff
	}
	state.stateMu.Unlock()

	if !state.mu.TryLock() {
		return nil, ErrCycleRunning
	}
	defer state.mu.Unlock()

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cycle := &models.SyncCycle{
		Marketplace: mp,
		State:       models.CycleIdle,
		TriggeredBy: trigger,
	}
	if err := s.cycles.CreateCycle(ctx, cycle); err != nil {
		return nil, fmt.Errorf("failed to create sync cycle: %w", err)
	}

	state.stateMu.Lock()
	state.running = true
	state.cancel = cancel
	state.lastCycleID = cycle.ID
	state.stateMu.Unlock()

	outcome, retries, runErr := s.run(cycleCtx, adapter, cycle)

	state.stateMu.Lock()
	state.running = false
	state.cancel = nil
	switch outcome {
	case models.OutcomeFailed:
		if clients.IsAuth(runErr) {
			state.authBlocked = true
		} else {
			state.consecutiveFailures++
			backoff := s.retrier.CalculateBackoff(state.consecutiveFailures-1, 0)
			state.nextEligibleAt = time.Now().Add(backoff)
		}
	case models.OutcomeSuccess, models.OutcomePartial:
		state.consecutiveFailures = 0
		state.nextEligibleAt = time.Time{}
	}
	state.stateMu.Unlock()

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := s.cycles.CompleteCycle(ctx, cycle.ID, outcome, errMsg, retries); err != nil {
		s.logger.Error("failed to persist cycle completion",
			zap.String("cycleId", cycle.ID.String()), zap.Error(err))
	}
	cycle.Outcome = outcome
	cycle.RetryCount = retries
	cycle.ErrorMessage = errMsg

	s.logger.Info("sync cycle finished",
		zap.String("marketplace", string(mp)),
		zap.String("cycleId", cycle.ID.String()),
		zap.String("outcome", string(outcome)),
		zap.Int("retries", retries))

	if runErr != nil {
		return cycle, runErr
	}
	return cycle, nil
}

// fetched holds everything pulled down during the Fetching phase
type fetched struct {
	products []clients.RawProduct
	orders   []clients.RawOrder
	returns  []clients.RawReturn

	skippedProducts []clients.SkippedRecord
	skippedOrders   []clients.SkippedRecord
	skippedReturns  []clients.SkippedRecord
}

// run drives one cycle through its phases and reports the outcome, the total
// retry count and the terminal error if any
func (s *SyncService) run(ctx context.Context, adapter clients.MarketplaceAdapter, cycle *models.SyncCycle) (models.CycleOutcome, int, error) {
	mp := cycle.Marketplace
	retries := 0

	// Fetching
	if err := s.transition(ctx, cycle, models.CycleFetching); err != nil {
		return models.OutcomeFailed, retries, err
	}
	data, fetchRetries, err := s.fetchAll(ctx, adapter, mp)
	retries += fetchRetries
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return models.OutcomeCancelled, retries, err
		}
		return models.OutcomeFailed, retries, err
	}

	// Reconciling
	if err := s.transition(ctx, cycle, models.CycleReconciling); err != nil {
		return models.OutcomeFailed, retries, err
	}

	productResult := &models.SyncResult{CycleID: cycle.ID, Marketplace: mp, EntityType: models.EntityProduct}
	orderResult := &models.SyncResult{CycleID: cycle.ID, Marketplace: mp, EntityType: models.EntityOrder}
	returnResult := &models.SyncResult{CycleID: cycle.ID, Marketplace: mp, EntityType: models.EntityReturn}

	for _, skip := range data.skippedProducts {
		productResult.AddError(skip.RemoteID, "", skip.Reason)
	}
	for _, skip := range data.skippedOrders {
		orderResult.AddError(skip.RemoteID, "", skip.Reason)
	}
	for _, skip := range data.skippedReturns {
		returnResult.AddError(skip.RemoteID, "", skip.Reason)
	}

	var pushes []*PushRequest
	for _, raw := range data.products {
		if ctx.Err() != nil {
			s.saveResults(productResult, orderResult, returnResult)
			return models.OutcomeCancelled, retries, ctx.Err()
		}
		if push := s.reconcile.ReconcileProduct(ctx, mp, raw, productResult); push != nil {
			pushes = append(pushes, push)
		}
	}
	// Orders before returns so a return can resolve its order within the
	// same cycle
	for _, raw := range data.orders {
		if ctx.Err() != nil {
			s.saveResults(productResult, orderResult, returnResult)
			return models.OutcomeCancelled, retries, ctx.Err()
		}
		s.reconcile.ReconcileOrder(ctx, mp, raw, orderResult)
	}
	for _, raw := range data.returns {
		if ctx.Err() != nil {
			s.saveResults(productResult, orderResult, returnResult)
			return models.OutcomeCancelled, retries, ctx.Err()
		}
		s.reconcile.ReconcileReturn(ctx, mp, raw, returnResult)
	}

	// Pushing
	if err := s.transition(ctx, cycle, models.CyclePushing); err != nil {
		s.saveResults(productResult, orderResult, returnResult)
		return models.OutcomeFailed, retries, err
	}
	for _, push := range pushes {
		if ctx.Err() != nil {
			s.saveResults(productResult, orderResult, returnResult)
			return models.OutcomeCancelled, retries, ctx.Err()
		}
		pushRetries := s.pushProduct(ctx, adapter, push, productResult)
		retries += pushRetries
	}

	s.saveResults(productResult, orderResult, returnResult)

	if productResult.Failed > 0 || orderResult.Failed > 0 || returnResult.Failed > 0 {
		return models.OutcomePartial, retries, nil
	}
	return models.OutcomeSuccess, retries, nil
}

// fetchAll pulls every page of every entity type, checkpointing the cursor
// after each page so an aborted cycle resumes where it stopped. Cancellation
// is checked between pages, never mid-page.
func (s *SyncService) fetchAll(ctx context.Context, adapter clients.MarketplaceAdapter, mp models.MarketplaceType) (*fetched, int, error) {
	data := &fetched{}
	retries := 0

	productRetries, err := s.fetchPages(ctx, mp, models.EntityProduct, func(ctx context.Context, cursor string) (string, bool, error) {
		page, err := adapter.FetchProducts(ctx, cursor)
		if err != nil {
			return "", false, err
		}
		data.products = append(data.products, page.Products...)
		data.skippedProducts = append(data.skippedProducts, page.Skipped...)
		return page.NextCursor, page.HasMore, nil
	})
	retries += productRetries
	if err != nil {
		return nil, retries, err
	}

	orderRetries, err := s.fetchPages(ctx, mp, models.EntityOrder, func(ctx context.Context, cursor string) (string, bool, error) {
		page, err := adapter.FetchOrders(ctx, cursor)
		if err != nil {
			return "", false, err
		}
		data.orders = append(data.orders, page.Orders...)
		data.skippedOrders = append(data.skippedOrders, page.Skipped...)
		return page.NextCursor, page.HasMore, nil
	})
	retries += orderRetries
	if err != nil {
		return nil, retries, err
	}

	returnRetries, err := s.fetchPages(ctx, mp, models.EntityReturn, func(ctx context.Context, cursor string) (string, bool, error) {
		page, err := adapter.FetchReturns(ctx, cursor)
		if err != nil {
			return "", false, err
		}
		data.returns = append(data.returns, page.Returns...)
		data.skippedReturns = append(data.skippedReturns, page.Skipped...)
		return page.NextCursor, page.HasMore, nil
	})
	retries += returnRetries
	if err != nil {
		return nil, retries, err
	}

	return data, retries, nil
}

// fetchPages walks one entity type's pages from the checkpointed cursor
func (s *SyncService) fetchPages(ctx context.Context, mp models.MarketplaceType, entityType models.EntityType, fetchPage func(ctx context.Context, cursor string) (string, bool, error)) (int, error) {
	cursor, err := s.cycles.GetCursor(ctx, mp, entityType)
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}

	retries := 0
	for {
		if ctx.Err() != nil {
			return retries, ctx.Err()
		}

		var nextCursor string
		var hasMore bool
		attempts, err := s.retrier.Do(ctx, func(ctx context.Context) error {
			var pageErr error
			nextCursor, hasMore, pageErr = fetchPage(ctx, cursor)
			return pageErr
		})
		retries += attempts - 1
		if err != nil {
			return retries, fmt.Errorf("fetch %s %s: %w", mp, entityType, err)
		}

		if err := s.cycles.SaveCursor(ctx, mp, entityType, nextCursor); err != nil {
			return retries, fmt.Errorf("failed to checkpoint cursor: %w", err)
		}
		if !hasMore {
			// Completed walk; next cycle starts from the beginning
			if err := s.cycles.SaveCursor(ctx, mp, entityType, ""); err != nil {
				return retries, fmt.Errorf("failed to reset cursor: %w", err)
			}
			return retries, nil
		}
		cursor = nextCursor
	}
}

// pushProduct pushes the pinned canonical price/stock back to one marketplace
func (s *SyncService) pushProduct(ctx context.Context, adapter clients.MarketplaceAdapter, push *PushRequest, result *models.SyncResult) int {
	product, err := s.store.GetProduct(ctx, push.ProductID)
	if err != nil {
		result.AddError(push.ProductID.String(), "", err.Error())
		return 0
	}

	attempts, err := s.retrier.Do(ctx, func(ctx context.Context) error {
		_, pushErr := adapter.PushProductUpdate(ctx, product)
		return pushErr
	})
	if err != nil {
		result.AddError(push.ProductID.String(), "", fmt.Sprintf("push failed: %v", err))
		return attempts - 1
	}
	result.Pushed++
	return attempts - 1
}

func (s *SyncService) transition(ctx context.Context, cycle *models.SyncCycle, state models.CycleState) error {
	cycle.State = state
	if err := s.cycles.UpdateCycleState(ctx, cycle.ID, state); err != nil {
		return fmt.Errorf("failed to persist cycle state %s: %w", state, err)
	}
	return nil
}

func (s *SyncService) saveResults(results ...*models.SyncResult) {
	// Results are persisted even for failed or cancelled cycles
	ctx := context.Background()
	for _, result := range results {
		if err := s.cycles.SaveResult(ctx, result); err != nil {
			s.logger.Error("failed to persist sync result",
				zap.String("cycleId", result.CycleID.String()),
				zap.String("entityType", string(result.EntityType)),
				zap.Error(err))
		}
	}
}

// CancelCycle cancels the in-flight cycle for a marketplace, if any
func (s *SyncService) CancelCycle(mp models.MarketplaceType) bool {
	state := s.stateFor(mp)
	state.stateMu.Lock()
	defer state.stateMu.Unlock()
	if state.cancel != nil {
		state.cancel()
		return true
	}
	return false
}

// TestConnection probes the marketplace and clears the auth block on success
func (s *SyncService) TestConnection(ctx context.Context, mp models.MarketplaceType) error {
	adapter, ok := s.adapters[mp]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarketplace, mp)
	}
	if err := adapter.TestConnection(ctx); err != nil {
		return err
	}

	state := s.stateFor(mp)
	state.stateMu.Lock()
	if state.authBlocked {
		s.logger.Info("auth block cleared", zap.String("marketplace", string(mp)))
	}
	state.authBlocked = false
	state.stateMu.Unlock()
	return nil
}

// Status returns orchestration snapshots for all configured marketplaces
func (s *SyncService) Status() []MarketplaceStatus {
	statuses := make([]MarketplaceStatus, 0, len(s.adapters))
	for mp := range s.adapters {
		state := s.stateFor(mp)
		state.stateMu.Lock()
		status := MarketplaceStatus{
			Marketplace:         mp,
			Running:             state.running,
			AuthBlocked:         state.authBlocked,
			ConsecutiveFailures: state.consecutiveFailures,
		}
		if !state.nextEligibleAt.IsZero() {
			t := state.nextEligibleAt
			status.NextEligibleAt = &t
		}
		if state.lastCycleID != uuid.Nil {
			id := state.lastCycleID
			status.LastCycleID = &id
		}
		state.stateMu.Unlock()
		statuses = append(statuses, status)
	}
	return statuses
}

func (s *SyncService) stateFor(mp models.MarketplaceType) *marketplaceState {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	state, ok := s.states[mp]
	if !ok {
		state = &marketplaceState{}
		s.states[mp] = state
	}
	return state
}
