package inventory_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/store/sqlite"
)

var (
	manager = generic.Actor{ID: "wm-1", Role: generic.RoleWarehouseManager}
	central = generic.Warehouse("W1")
	today   = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
)

func newService(t *testing.T, opts ...inventory.Option) (*inventory.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, _ := test.NewNullLogger()
	opts = append([]inventory.Option{
		inventory.WithClock(generic.FixedClock(today)),
		inventory.WithLogger(logger),
	}, opts...)
	return inventory.NewService(store, opts...), store
}

// newFileService runs on a database file, so concurrent units use separate
// connections and contend on the database lock.
func newFileService(t *testing.T) *inventory.Service {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "stock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, _ := test.NewNullLogger()
	return inventory.NewService(store, inventory.WithClock(generic.FixedClock(today)), inventory.WithLogger(logger))
}

func receive(t *testing.T, svc *inventory.Service, product, code string, qty int64, expiry *generic.Day) string {
	t.Helper()
	entry, err := svc.Receive(context.Background(), inventory.ReceiveInput{
		Actor:      manager,
		Entity:     central,
		ProductID:  product,
		BatchCode:  code,
		ExpiryDate: expiry,
		Quantity:   qty,
	})
	require.NoError(t, err)
	require.Len(t, entry.Allocations, 1)
	return entry.Allocations[0].BatchID
}

func day(y int, m time.Month, d int) *generic.Day {
	return generic.DayPtr(generic.NewDay(y, m, d))
}

func allocate(svc *inventory.Service, product string, qty int64, blockExpired bool) (*inventory.Allocation, error) {
	return svc.Allocate(context.Background(), inventory.AllocateInput{
		Actor:        manager,
		Entity:       central,
		ProductID:    product,
		Quantity:     qty,
		RefType:      inventory.RefOrder,
		RefID:        "ORD-1",
		BlockExpired: blockExpired,
	})
}

func onHand(t *testing.T, svc *inventory.Service, batchID string) int64 {
	t.Helper()
	b, err := svc.Batch(context.Background(), batchID)
	require.NoError(t, err)
	return b.QuantityOnHand
}

func available(t *testing.T, svc *inventory.Service, product string) int64 {
	t.Helper()
	a, err := svc.Availability(context.Background(), central, product)
	require.NoError(t, err)
	return a.AvailableQty
}

// =============================================================================
// FEFO ALLOCATION
// =============================================================================

func TestAllocate_EarliestExpiryFirst(t *testing.T) {
	// GIVEN: Two lots of 10 expiring 2026-01-10 and 2026-02-01, received latest-expiry first
	svc, _ := newService(t)
	late := receive(t, svc, "P1", "B-LATE", 10, day(2026, 2, 1))
	early := receive(t, svc, "P1", "B-EARLY", 10, day(2026, 1, 10))

	// WHEN: Allocating 15 pieces
	alloc, err := allocate(svc, "P1", 15, true)

	// THEN: The early lot is drained and 5 come from the late one
	require.NoError(t, err)
	require.Len(t, alloc.Allocations, 2)
	assert.Equal(t, early, alloc.Allocations[0].BatchID)
	assert.Equal(t, int64(10), alloc.Allocations[0].QuantityUsed)
	assert.Equal(t, late, alloc.Allocations[1].BatchID)
	assert.Equal(t, int64(5), alloc.Allocations[1].QuantityUsed)

	assert.Equal(t, int64(0), onHand(t, svc, early))
	assert.Equal(t, int64(5), onHand(t, svc, late))
	assert.Equal(t, int64(5), available(t, svc, "P1"))

	entries, err := svc.Entries(context.Background(), inventory.EntryFilter{Kind: inventory.KindDispatch})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-15), entries[0].Delta)
	assert.Equal(t, "ORD-1", entries[0].RefID)
	assert.Len(t, entries[0].Allocations, 2)
}

func TestAllocate_LotsWithoutExpiryLast(t *testing.T) {
	// GIVEN: An undated lot received before a dated one
	svc, _ := newService(t)
	undated := receive(t, svc, "P1", "", 5, nil)
	dated := receive(t, svc, "P1", "B-DATED", 5, day(2027, 6, 1))

	// WHEN: Allocating 6
	alloc, err := allocate(svc, "P1", 6, true)

	// THEN: The dated lot goes first regardless of arrival order
	require.NoError(t, err)
	require.Len(t, alloc.Allocations, 2)
	assert.Equal(t, dated, alloc.Allocations[0].BatchID)
	assert.Equal(t, undated, alloc.Allocations[1].BatchID)
	assert.Equal(t, int64(1), alloc.Allocations[1].QuantityUsed)
}

func TestAllocate_SameExpiryOldestFirst(t *testing.T) {
	svc, _ := newService(t)
	first := receive(t, svc, "P1", "B1", 4, day(2026, 3, 1))
	receive(t, svc, "P1", "B2", 4, day(2026, 3, 1))

	alloc, err := allocate(svc, "P1", 3, true)

	require.NoError(t, err)
	require.Len(t, alloc.Allocations, 1)
	assert.Equal(t, first, alloc.Allocations[0].BatchID)
}

func TestAllocate_ConservesQuantity(t *testing.T) {
	// GIVEN: Three lots of mixed sizes
	svc, _ := newService(t)
	receive(t, svc, "P1", "A", 3, day(2026, 2, 1))
	receive(t, svc, "P1", "B", 7, day(2026, 3, 1))
	receive(t, svc, "P1", "C", 11, nil)

	for _, qty := range []int64{1, 4, 9, 2} {
		// WHEN: Allocating
		alloc, err := allocate(svc, "P1", qty, true)
		require.NoError(t, err)

		// THEN: The allocation rows add up to the request
		var sum int64
		for _, a := range alloc.Allocations {
			assert.Positive(t, a.QuantityUsed)
			sum += a.QuantityUsed
		}
		assert.Equal(t, qty, sum)
	}

	// AND: Ledger, batches and snapshot agree
	rec, err := svc.Verify(context.Background(), central, "P1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, int64(21-16), rec.BatchSum)
	assert.Equal(t, rec.BatchSum, rec.LedgerSum)
}

func TestAllocate_InsufficientStock(t *testing.T) {
	// GIVEN: 8 pieces on hand
	svc, _ := newService(t)
	batch := receive(t, svc, "P1", "A", 8, nil)

	// WHEN: Requesting 9
	_, err := allocate(svc, "P1", 9, true)

	// THEN: Rejected with the available quantity and nothing moved
	require.ErrorIs(t, err, generic.ErrInsufficientStock)
	var stockErr *generic.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, int64(8), stockErr.Available)
	assert.Equal(t, int64(9), stockErr.Requested)
	assert.Equal(t, int64(8), onHand(t, svc, batch))
	assert.Equal(t, "INSUFFICIENT_STOCK", generic.Code(err))
}

func TestAllocate_RejectsNonPositiveQuantity(t *testing.T) {
	svc, _ := newService(t)
	receive(t, svc, "P1", "A", 8, nil)

	for _, qty := range []int64{0, -3} {
		_, err := allocate(svc, "P1", qty, true)
		assert.ErrorIs(t, err, generic.ErrInvalidQuantity)
	}
}

func TestAllocate_ExpiredLotBlocksWholeRequest(t *testing.T) {
	// GIVEN: An expired lot of 3 and a good lot of 10 (today is 2026-01-05)
	svc, _ := newService(t)
	expired := receive(t, svc, "P1", "OLD", 3, day(2026, 1, 4))
	good := receive(t, svc, "P1", "NEW", 10, day(2026, 6, 1))

	// WHEN: Allocating 5 with expired stock blocked
	_, err := allocate(svc, "P1", 5, true)

	// THEN: Nothing is taken from either lot
	require.ErrorIs(t, err, generic.ErrExpiredBatchBlocked)
	var stockErr *generic.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, expired, stockErr.BatchID)
	assert.Equal(t, int64(3), onHand(t, svc, expired))
	assert.Equal(t, int64(10), onHand(t, svc, good))
	assert.Equal(t, int64(13), available(t, svc, "P1"))

	// WHEN: The same request without blocking
	alloc, err := allocate(svc, "P1", 5, false)

	// THEN: The expired lot is consumed first
	require.NoError(t, err)
	assert.Equal(t, expired, alloc.Allocations[0].BatchID)
	assert.Equal(t, int64(3), alloc.Allocations[0].QuantityUsed)
}

func TestAllocate_LotExpiringTodayIsUsable(t *testing.T) {
	svc, _ := newService(t)
	receive(t, svc, "P1", "TODAY", 4, day(2026, 1, 5))

	_, err := allocate(svc, "P1", 4, true)

	assert.NoError(t, err)
}

func TestAllocate_SnapshotAheadOfBatchesIsRetryable(t *testing.T) {
	// GIVEN: The snapshot claims 100 but the lots hold 10
	svc, store := newService(t)
	batch := receive(t, svc, "P1", "A", 10, nil)
	require.NoError(t, store.PutSnapshot(context.Background(), inventory.Snapshot{
		Entity: central, ProductID: "P1", AvailableQty: 100, UpdatedAt: today,
	}))

	// WHEN: Allocating 20, which passes the snapshot check
	_, err := allocate(svc, "P1", 20, true)

	// THEN: The walk comes up short and the unit is rolled back
	require.ErrorIs(t, err, generic.ErrStockChangedRetry)
	assert.True(t, generic.IsRetryable(err))
	assert.Equal(t, int64(10), onHand(t, svc, batch))

	entries, err := svc.Entries(context.Background(), inventory.EntryFilter{Kind: inventory.KindDispatch})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAllocate_ContendedOnFileDatabase(t *testing.T) {
	// GIVEN: 20 pieces across two lots in a file database
	svc := newFileService(t)
	a := receive(t, svc, "P1", "A", 12, day(2026, 2, 1))
	b := receive(t, svc, "P1", "B", 8, nil)

	// WHEN: Forty callers released together each take one piece
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	start := make(chan struct{})
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := allocate(svc, "P1", 1, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, generic.ErrInsufficientStock), errors.Is(err, generic.ErrStockChangedRetry):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// THEN: Every piece went out once and nothing more
	assert.Equal(t, 20, succeeded)
	assert.Equal(t, 20, rejected)
	assert.Equal(t, int64(0), onHand(t, svc, a))
	assert.Equal(t, int64(0), onHand(t, svc, b))

	entries, err := svc.Entries(context.Background(), inventory.EntryFilter{Entity: central, ProductID: "P1", Kind: inventory.KindDispatch})
	require.NoError(t, err)
	assert.Len(t, entries, 20)

	rec, err := svc.Verify(context.Background(), central, "P1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, int64(0), rec.SnapshotQty)
}

func TestAllocate_ConcurrentRequestsNeverOversell(t *testing.T) {
	// GIVEN: 20 pieces across two lots
	svc, _ := newService(t)
	a := receive(t, svc, "P1", "A", 12, day(2026, 2, 1))
	b := receive(t, svc, "P1", "B", 8, day(2026, 3, 1))

	// WHEN: Ten callers each take 3 at once
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := allocate(svc, "P1", 3, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, generic.ErrInsufficientStock), errors.Is(err, generic.ErrStockChangedRetry):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly six fit and no lot went negative
	assert.Equal(t, 6, succeeded)
	assert.Equal(t, 4, rejected)
	assert.GreaterOrEqual(t, onHand(t, svc, a), int64(0))
	assert.GreaterOrEqual(t, onHand(t, svc, b), int64(0))
	assert.Equal(t, int64(2), onHand(t, svc, a)+onHand(t, svc, b))

	rec, err := svc.Verify(context.Background(), central, "P1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

// =============================================================================
// ORDER DISPATCH
// =============================================================================

func TestDispatchOrder_AllLinesOrNone(t *testing.T) {
	// GIVEN: Enough of P1 but not of P2
	svc, _ := newService(t)
	p1 := receive(t, svc, "P1", "A", 10, nil)
	p2 := receive(t, svc, "P2", "B", 2, nil)

	// WHEN: Dispatching an order needing 4 of P1 and 5 of P2
	_, err := svc.DispatchOrder(context.Background(), inventory.DispatchInput{
		Actor:   manager,
		OrderID: "ORD-7",
		Entity:  central,
		Lines: []inventory.DispatchLine{
			{ProductID: "P1", Quantity: 4},
			{ProductID: "P2", Quantity: 5},
		},
	})

	// THEN: The order fails on line 2 and line 1 is not dispatched either
	require.ErrorIs(t, err, generic.ErrInsufficientStock)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, int64(10), onHand(t, svc, p1))
	assert.Equal(t, int64(2), onHand(t, svc, p2))
	assert.Equal(t, int64(10), available(t, svc, "P1"))
}

func TestDispatchOrder_ReplayedKeyIsRejected(t *testing.T) {
	// GIVEN: An order dispatched with an idempotency key
	svc, _ := newService(t)
	batch := receive(t, svc, "P1", "A", 10, nil)
	in := inventory.DispatchInput{
		Actor:          manager,
		OrderID:        "ORD-8",
		IdempotencyKey: "dispatch-ORD-8",
		Entity:         central,
		Lines:          []inventory.DispatchLine{{ProductID: "P1", Quantity: 3}},
	}
	res, err := svc.DispatchOrder(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)

	// WHEN: The client retries the same request
	_, err = svc.DispatchOrder(context.Background(), in)

	// THEN: The replay is refused and stock moved only once
	require.ErrorIs(t, err, generic.ErrDuplicateEvent)
	assert.Equal(t, int64(7), onHand(t, svc, batch))
}

func TestDispatchOrder_FailedOrderDoesNotBurnKey(t *testing.T) {
	svc, _ := newService(t)
	receive(t, svc, "P1", "A", 2, nil)
	in := inventory.DispatchInput{
		Actor:          manager,
		OrderID:        "ORD-9",
		IdempotencyKey: "dispatch-ORD-9",
		Entity:         central,
		Lines:          []inventory.DispatchLine{{ProductID: "P1", Quantity: 3}},
	}

	_, err := svc.DispatchOrder(context.Background(), in)
	require.ErrorIs(t, err, generic.ErrInsufficientStock)

	// Restocked, the same key now goes through.
	receive(t, svc, "P1", "B", 5, nil)
	_, err = svc.DispatchOrder(context.Background(), in)
	assert.NoError(t, err)
}

// =============================================================================
// RECEIPTS AND ADJUSTMENTS
// =============================================================================

func TestReceive_SameBatchCodeTopsUpLot(t *testing.T) {
	svc, _ := newService(t)
	first := receive(t, svc, "P1", "LOT-1", 5, day(2026, 9, 1))

	second := receive(t, svc, "P1", "LOT-1", 7, day(2026, 9, 1))

	assert.Equal(t, first, second)
	assert.Equal(t, int64(12), onHand(t, svc, first))
	assert.Equal(t, int64(12), available(t, svc, "P1"))
}

func TestAdjust_CannotDriveBatchNegative(t *testing.T) {
	// GIVEN: A lot of 4
	svc, _ := newService(t)
	batch := receive(t, svc, "P1", "A", 4, nil)

	// WHEN: Writing off 5
	_, err := svc.Adjust(context.Background(), inventory.AdjustInput{
		Actor: manager, BatchID: batch, Delta: -5, Reason: "damaged",
	})

	// THEN: Blocked, with the lot untouched
	require.ErrorIs(t, err, generic.ErrNegativeStockBlocked)
	var batchErr *generic.BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, int64(4), batchErr.OnHand)
	assert.Equal(t, int64(4), onHand(t, svc, batch))

	// WHEN: Writing off 4
	entry, err := svc.Adjust(context.Background(), inventory.AdjustInput{
		Actor: manager, BatchID: batch, Delta: -4, Reason: "damaged",
	})

	// THEN: Allowed down to exactly zero, reason kept on the entry
	require.NoError(t, err)
	assert.Equal(t, inventory.KindAdjustment, entry.Kind)
	assert.Equal(t, "damaged", entry.Reason)
	assert.Equal(t, int64(0), onHand(t, svc, batch))
}

func TestAdjust_RequiresReason(t *testing.T) {
	svc, _ := newService(t)
	batch := receive(t, svc, "P1", "A", 4, nil)

	_, err := svc.Adjust(context.Background(), inventory.AdjustInput{Actor: manager, BatchID: batch, Delta: 1})

	require.ErrorIs(t, err, generic.ErrInvalidInput)
	var fieldErr *generic.FieldError
	require.True(t, errors.As(err, &fieldErr))
	assert.Contains(t, fieldErr.Fields[0], "Reason")
}

func TestApplyDelta_ShortWithoutBatch(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.ApplyDelta(context.Background(), inventory.DeltaInput{
		Actor: manager, Entity: central, ProductID: "P1", Delta: -2, Kind: inventory.KindAuditCorrection,
	})

	assert.ErrorIs(t, err, generic.ErrMissingBatchForShort)
}

func TestResolveBatch(t *testing.T) {
	svc, _ := newService(t)
	id := receive(t, svc, "P1", "LOT-1", 5, nil)

	b, err := svc.ResolveBatch(context.Background(), central, "P1", "LOT-1")
	require.NoError(t, err)
	assert.Equal(t, id, b.ID)

	_, err = svc.ResolveBatch(context.Background(), central, "P1", "LOT-404")
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// SNAPSHOT MAINTENANCE
// =============================================================================

func TestRebuildSnapshot_RepairsDrift(t *testing.T) {
	// GIVEN: A snapshot that drifted from the batches
	svc, store := newService(t)
	receive(t, svc, "P1", "A", 9, nil)
	require.NoError(t, store.PutSnapshot(context.Background(), inventory.Snapshot{
		Entity: central, ProductID: "P1", AvailableQty: 2, UpdatedAt: today,
	}))
	rec, err := svc.Verify(context.Background(), central, "P1")
	require.NoError(t, err)
	require.False(t, rec.Consistent)

	// WHEN: Rebuilding
	snap, err := svc.RebuildSnapshot(context.Background(), central, "P1")

	// THEN: Availability matches the batches again
	require.NoError(t, err)
	assert.Equal(t, int64(9), snap.AvailableQty)
	rec, err = svc.Verify(context.Background(), central, "P1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestVerify_LogsDrift(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	logger, hook := test.NewNullLogger()
	svc := inventory.NewService(store, inventory.WithLogger(logger))

	require.NoError(t, store.PutSnapshot(context.Background(), inventory.Snapshot{
		Entity: central, ProductID: "P1", AvailableQty: 3, UpdatedAt: today,
	}))
	_, err = svc.Verify(context.Background(), central, "P1")

	require.NoError(t, err)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "stock drift detected", hook.LastEntry().Message)
}

// =============================================================================
// AVAILABILITY PUBLISHING
// =============================================================================

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []inventory.Snapshot
}

func (p *recordingPublisher) PublishAvailability(_ context.Context, snap inventory.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
	return nil
}

func (p *recordingPublisher) published() []inventory.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]inventory.Snapshot(nil), p.snaps...)
}

func TestPublisher_OnlyCommittedChanges(t *testing.T) {
	// GIVEN: A service with a publisher
	pub := &recordingPublisher{}
	svc, _ := newService(t, inventory.WithPublisher(pub))
	receive(t, svc, "P1", "A", 10, nil)
	require.Len(t, pub.published(), 1)
	assert.Equal(t, int64(10), pub.published()[0].AvailableQty)

	// WHEN: An allocation commits and another is rejected
	_, err := allocate(svc, "P1", 4, true)
	require.NoError(t, err)
	_, err = allocate(svc, "P1", 40, true)
	require.Error(t, err)

	// THEN: Only the committed one was published, with the post-commit value
	snaps := pub.published()
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(6), snaps[1].AvailableQty)
}

func TestPublisher_FailedOrderPublishesNothing(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newService(t, inventory.WithPublisher(pub))
	receive(t, svc, "P1", "A", 10, nil)
	receive(t, svc, "P2", "B", 1, nil)
	before := len(pub.published())

	_, err := svc.DispatchOrder(context.Background(), inventory.DispatchInput{
		Actor:   manager,
		OrderID: "ORD-10",
		Entity:  central,
		Lines: []inventory.DispatchLine{
			{ProductID: "P1", Quantity: 2},
			{ProductID: "P2", Quantity: 2},
		},
	})

	require.Error(t, err)
	assert.Len(t, pub.published(), before)
}
