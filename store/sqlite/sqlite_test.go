package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
)

var at = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBatch(t *testing.T, s *Store, id string, qty int64) inventory.Batch {
	t.Helper()
	b := inventory.Batch{
		ID:             id,
		Entity:         generic.Warehouse("W1"),
		ProductID:      "P1",
		BatchCode:      "CODE-" + id,
		ExpiryDate:     generic.DayPtr(generic.NewDay(2026, 9, 30)),
		QuantityOnHand: qty,
		CreatedAt:      at,
	}
	require.NoError(t, s.CreateBatch(context.Background(), b))
	return b
}

func TestMoveBatch_GuardsNegative(t *testing.T) {
	s := newStore(t)
	seedBatch(t, s, "b1", 5)
	ctx := context.Background()

	ok, err := s.MoveBatch(ctx, "b1", -5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MoveBatch(ctx, "b1", -1)
	require.NoError(t, err)
	assert.False(t, ok)

	b, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.QuantityOnHand)
}

func TestBatch_RoundTripsDates(t *testing.T) {
	s := newStore(t)
	seedBatch(t, s, "b1", 5)

	b, err := s.GetBatch(context.Background(), "b1")

	require.NoError(t, err)
	require.NotNil(t, b.ExpiryDate)
	assert.Equal(t, "2026-09-30", b.ExpiryDate.String())
	assert.Nil(t, b.MfgDate)
	assert.True(t, at.Equal(b.CreatedAt))

	_, err = s.GetBatch(context.Background(), "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestCreateBatch_DuplicateCode(t *testing.T) {
	s := newStore(t)
	b := seedBatch(t, s, "b1", 5)

	b.ID = "b2"
	err := s.CreateBatch(context.Background(), b)

	assert.ErrorIs(t, err, generic.ErrDuplicateKey)
}

func TestLedger_AppendOnly(t *testing.T) {
	// GIVEN: One entry with its allocation
	s := newStore(t)
	ctx := context.Background()
	seedBatch(t, s, "b1", 5)
	require.NoError(t, s.AppendEntry(ctx, inventory.LedgerEntry{
		ID: "e1", Entity: generic.Warehouse("W1"), ProductID: "P1", Delta: 5,
		Kind: inventory.KindReceipt, RefType: inventory.RefGoodsIn, RefID: "GRN-1", ActorID: "u1", CreatedAt: at,
		Allocations: []inventory.BatchAllocation{{EntryID: "e1", BatchID: "b1", QuantityUsed: 5}},
	}))

	// WHEN / THEN: Updates and deletes are refused by the database
	_, err := s.db.Exec(`UPDATE ledger_entries SET delta = 50 WHERE id = 'e1'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.Exec(`DELETE FROM ledger_entries WHERE id = 'e1'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.Exec(`UPDATE batch_allocations SET quantity_used = 1`)
	assert.ErrorContains(t, err, "append-only")

	entries, err := s.Entries(ctx, inventory.EntryFilter{RefID: "GRN-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(5), entries[0].Delta)
	require.Len(t, entries[0].Allocations, 1)
	assert.Equal(t, "b1", entries[0].Allocations[0].BatchID)

	sum, err := s.LedgerSum(ctx, generic.Warehouse("W1"), "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum)
}

func TestSnapshot_ShiftNeverBelowZero(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := generic.Warehouse("W1")

	snap, err := s.GetSnapshot(ctx, w, "P1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, s.ShiftSnapshot(ctx, w, "P1", 4, at))
	require.NoError(t, s.ShiftSnapshot(ctx, w, "P1", -9, at))

	snap, err = s.GetSnapshot(ctx, w, "P1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(0), snap.AvailableQty)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seedBatch(t, s, "b1", 5)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context) error {
		ok, err := s.MoveBatch(ctx, "b1", -3)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})

	require.ErrorIs(t, err, boom)
	b, err := s.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.QuantityOnHand)
}

func TestInTx_TimeoutIsRetryable(t *testing.T) {
	s := newStore(t, WithUnitTimeout(20*time.Millisecond))

	err := s.InTx(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.ErrorIs(t, err, generic.ErrUnitTimeout)
	assert.True(t, generic.IsRetryable(err))
	assert.Equal(t, "UNIT_TIMEOUT", generic.Code(err))
}

func TestClaims_UniquePerScope(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	c := inventory.Claim{Scope: "order_dispatch", Key: "k1", RefID: "ORD-1", CreatedAt: at}

	require.NoError(t, s.CreateClaim(ctx, c))
	assert.ErrorIs(t, s.CreateClaim(ctx, c), generic.ErrDuplicateKey)

	c.Scope = "other"
	require.NoError(t, s.CreateClaim(ctx, c))

	got, err := s.GetClaim(ctx, "order_dispatch", "k1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", got.RefID)

	_, err = s.GetClaim(ctx, "order_dispatch", "k2")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestProducts_IncludesDrainedAndSnapshotOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	w := generic.Warehouse("W1")
	seedBatch(t, s, "b1", 5)
	drained := seedBatch(t, s, "b2", 3)
	drained.ID, drained.ProductID, drained.BatchCode = "b3", "P2", "CODE-P2"
	require.NoError(t, s.CreateBatch(ctx, drained))
	ok, err := s.MoveBatch(ctx, "b3", -3)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.PutSnapshot(ctx, inventory.Snapshot{Entity: w, ProductID: "P3", AvailableQty: 2, UpdatedAt: at}))
	require.NoError(t, s.PutSnapshot(ctx, inventory.Snapshot{Entity: generic.Distributor("D1"), ProductID: "P9", UpdatedAt: at}))

	products, err := s.Products(ctx, w)

	require.NoError(t, err)
	assert.Equal(t, []string{"P1", "P2", "P3"}, products)
}
