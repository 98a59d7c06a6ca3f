package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/warp/stock-ledger/generic"
)

// =============================================================================
// FEFO ORDERING
// =============================================================================

// fefoOrder sorts lots for consumption: lots with an expiry date first,
// earliest expiry then oldest; lots without expiry last, oldest first.
func fefoOrder(batches []Batch) []Batch {
	ordered := make([]Batch, len(batches))
	copy(ordered, batches)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		switch {
		case a.ExpiryDate != nil && b.ExpiryDate == nil:
			return true
		case a.ExpiryDate == nil && b.ExpiryDate != nil:
			return false
		case a.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return ordered
}

// =============================================================================
// ALLOCATE
// =============================================================================

// Allocate takes Quantity pieces from the entity's lots in FEFO order and
// records one DISPATCH entry with an allocation row per lot touched.
//
// Errors:
//   - ErrInvalidQuantity: Quantity <= 0
//   - ErrInsufficientStock: the snapshot shows less than requested
//   - ErrExpiredBatchBlocked: BlockExpired and an expired lot came up first
//   - ErrStockChangedRetry: lots were drained concurrently; retry as is
//
// Nothing is written unless the whole quantity is allocated.
func (s *Service) Allocate(ctx context.Context, in AllocateInput) (*Allocation, error) {
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", generic.ErrInvalidQuantity, in.Quantity)
	}
	if err := generic.Validate(in); err != nil {
		return nil, err
	}

	var out *Allocation
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		a, err := s.allocate(ctx, in)
		out = a
		return err
	})

	fields := logrus.Fields{
		"entity":   in.Entity.String(),
		"product":  in.ProductID,
		"quantity": in.Quantity,
		"ref":      in.RefType + ":" + in.RefID,
	}
	if err != nil {
		s.log.WithFields(fields).WithField("code", generic.Code(err)).Info("allocation rejected")
		return nil, err
	}
	s.log.WithFields(fields).WithField("entry", out.EntryID).Debug("stock allocated")
	return out, nil
}

// allocate runs inside the caller's unit of work.
func (s *Service) allocate(ctx context.Context, in AllocateInput) (*Allocation, error) {
	snap, err := s.store.GetSnapshot(ctx, in.Entity, in.ProductID)
	if err != nil {
		return nil, err
	}
	var available int64
	if snap != nil {
		available = snap.AvailableQty
	}
	if available < in.Quantity {
		return nil, &generic.StockError{
			Kind:      generic.ErrInsufficientStock,
			Entity:    in.Entity,
			ProductID: in.ProductID,
			Requested: in.Quantity,
			Available: available,
		}
	}

	batches, err := s.store.ListBatches(ctx, in.Entity, in.ProductID)
	if err != nil {
		return nil, err
	}

	today := s.clock.Today()
	remaining := in.Quantity
	var allocs []BatchAllocation
	for _, b := range fefoOrder(batches) {
		if remaining == 0 {
			break
		}
		if in.BlockExpired && b.ExpiredOn(today) {
			return nil, &generic.StockError{
				Kind:      generic.ErrExpiredBatchBlocked,
				Entity:    in.Entity,
				ProductID: in.ProductID,
				BatchID:   b.ID,
				Requested: in.Quantity,
				Available: available,
			}
		}
		take := min(remaining, b.QuantityOnHand)
		ok, err := s.store.MoveBatch(ctx, b.ID, -take)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &generic.StockError{
				Kind:      generic.ErrStockChangedRetry,
				Entity:    in.Entity,
				ProductID: in.ProductID,
				BatchID:   b.ID,
				Requested: take,
				Available: b.QuantityOnHand,
			}
		}
		allocs = append(allocs, BatchAllocation{BatchID: b.ID, QuantityUsed: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, &generic.StockError{
			Kind:      generic.ErrStockChangedRetry,
			Entity:    in.Entity,
			ProductID: in.ProductID,
			Requested: in.Quantity,
			Available: in.Quantity - remaining,
		}
	}

	entry := LedgerEntry{
		Entity:      in.Entity,
		ProductID:   in.ProductID,
		Delta:       -in.Quantity,
		Kind:        KindDispatch,
		RefType:     in.RefType,
		RefID:       in.RefID,
		ActorID:     in.Actor.ID,
		Allocations: allocs,
	}
	if err := s.post(ctx, &entry); err != nil {
		return nil, err
	}
	return &Allocation{
		EntryID:     entry.ID,
		ProductID:   in.ProductID,
		Quantity:    in.Quantity,
		Allocations: entry.Allocations,
	}, nil
}
