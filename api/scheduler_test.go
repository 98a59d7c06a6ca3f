package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/audit"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/store/sqlite"
)

func TestAuditScheduler_RunNow(t *testing.T) {
	// GIVEN: Two entities with stock, one with a drifted snapshot
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	logger, _ := test.NewNullLogger()
	clock := generic.FixedClock(time.Date(2026, 11, 1, 0, 5, 0, 0, time.UTC))
	stock := inventory.NewService(store, inventory.WithClock(clock), inventory.WithLogger(logger))
	audits := audit.NewWorkflow(store, stock, audit.Thresholds{Quantity: 10, Percent: 5},
		audit.WithClock(clock), audit.WithLogger(logger))

	ctx := context.Background()
	warehouse, depot := generic.Warehouse("W1"), generic.Distributor("D1")
	for _, e := range []generic.EntityRef{warehouse, depot} {
		_, err := stock.Receive(ctx, inventory.ReceiveInput{
			Actor: generic.SystemActor("seed"), Entity: e, ProductID: "P1", Quantity: 8,
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.PutSnapshot(ctx, inventory.Snapshot{
		Entity: depot, ProductID: "P1", AvailableQty: 1, UpdatedAt: clock.Now(),
	}))

	sched := api.NewAuditScheduler(audits, stock, []generic.EntityRef{warehouse, depot}, logger)
	sched.Clock = clock

	// WHEN: The monthly pass runs twice
	first := sched.RunNow(ctx)
	second := sched.RunNow(ctx)

	// THEN: Each entity gets exactly one November audit and the drift is repaired
	assert.Equal(t, api.RunSummary{AuditsCreated: 2, SnapshotsRebuilt: 1}, first)
	assert.Equal(t, api.RunSummary{AuditsExisting: 2}, second)

	list, err := audits.List(ctx, audit.Filter{Entity: depot})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2026-11", list[0].PeriodKey)
	assert.Equal(t, "system:audit-scheduler", list[0].CreatedBy)

	rec, err := stock.Verify(ctx, depot, "P1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestAuditScheduler_RepairsDrainedProduct(t *testing.T) {
	// GIVEN: A product whose only lot was fully dispatched, with a snapshot
	// still claiming stock
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	logger, _ := test.NewNullLogger()
	clock := generic.FixedClock(time.Date(2026, 11, 1, 0, 5, 0, 0, time.UTC))
	stock := inventory.NewService(store, inventory.WithClock(clock), inventory.WithLogger(logger))
	audits := audit.NewWorkflow(store, stock, audit.Thresholds{Quantity: 10, Percent: 5},
		audit.WithClock(clock), audit.WithLogger(logger))

	ctx := context.Background()
	depot := generic.Distributor("D1")
	actor := generic.SystemActor("seed")
	_, err = stock.Receive(ctx, inventory.ReceiveInput{Actor: actor, Entity: depot, ProductID: "P1", Quantity: 5})
	require.NoError(t, err)
	_, err = stock.Allocate(ctx, inventory.AllocateInput{
		Actor: actor, Entity: depot, ProductID: "P1", Quantity: 5, RefType: inventory.RefOrder, RefID: "ORD-1",
	})
	require.NoError(t, err)
	require.NoError(t, store.PutSnapshot(ctx, inventory.Snapshot{
		Entity: depot, ProductID: "P1", AvailableQty: 4, UpdatedAt: clock.Now(),
	}))

	order := inventory.AllocateInput{
		Actor: actor, Entity: depot, ProductID: "P1", Quantity: 2, RefType: inventory.RefOrder, RefID: "ORD-2",
	}
	_, err = stock.Allocate(ctx, order)
	require.ErrorIs(t, err, generic.ErrStockChangedRetry)

	sched := api.NewAuditScheduler(audits, stock, []generic.EntityRef{depot}, logger)
	sched.Clock = clock

	// WHEN
	sum := sched.RunNow(ctx)

	// THEN: The drained product is reconciled and orders get a definite answer
	assert.Equal(t, 1, sum.SnapshotsRebuilt)
	rec, err := stock.Verify(ctx, depot, "P1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
	assert.Equal(t, int64(0), rec.SnapshotQty)

	_, err = stock.Allocate(ctx, order)
	assert.ErrorIs(t, err, generic.ErrInsufficientStock)
}

func TestAuditScheduler_StartStop(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	logger, _ := test.NewNullLogger()
	stock := inventory.NewService(store, inventory.WithLogger(logger))
	audits := audit.NewWorkflow(store, stock, audit.Thresholds{}, audit.WithLogger(logger))

	sched := api.NewAuditScheduler(audits, stock, []generic.EntityRef{generic.Warehouse("W1")}, logger)
	sched.CheckInterval = time.Hour
	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	// The immediate pass on start raised this month's audit.
	list, err := audits.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.WithinDuration(t, time.Now().Add(time.Hour), sched.GetNextRunTime(), time.Minute)
}
