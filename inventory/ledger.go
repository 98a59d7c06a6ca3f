package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/stock-ledger/generic"
)

// =============================================================================
// SIGNED-DELTA WRITE PATH
// =============================================================================

// ApplyDelta moves one batch by a signed quantity and records it in the
// ledger. Receipts, manual adjustments and audit corrections all come
// through here. Called inside an open unit it joins that unit; the caller
// then owns atomicity across several deltas.
func (s *Service) ApplyDelta(ctx context.Context, in DeltaInput) (*LedgerEntry, error) {
	if in.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must be non-zero", generic.ErrInvalidQuantity)
	}
	if in.Kind == "" {
		return nil, fmt.Errorf("%w: ledger kind required", generic.ErrInvalidInput)
	}

	var entry *LedgerEntry
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		batch, err := s.moveOrOpen(ctx, in)
		if err != nil {
			return err
		}
		e := LedgerEntry{
			Entity:    batch.Entity,
			ProductID: batch.ProductID,
			Delta:     in.Delta,
			Kind:      in.Kind,
			RefType:   in.RefType,
			RefID:     in.RefID,
			ActorID:   in.Actor.ID,
			Reason:    in.Reason,
			Allocations: []BatchAllocation{
				{BatchID: batch.ID, QuantityUsed: abs(in.Delta)},
			},
		}
		if err := s.post(ctx, &e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// moveOrOpen applies the delta to the named batch, or opens a new lot for a
// positive delta with no batch.
func (s *Service) moveOrOpen(ctx context.Context, in DeltaInput) (*Batch, error) {
	if in.BatchID == "" {
		if in.Delta < 0 {
			return nil, &generic.BatchError{
				Kind:      generic.ErrMissingBatchForShort,
				ProductID: in.ProductID,
				BatchCode: in.BatchCode,
				Delta:     in.Delta,
			}
		}
		if in.Entity.IsZero() || in.ProductID == "" {
			return nil, fmt.Errorf("%w: entity and product required to open a batch", generic.ErrInvalidInput)
		}
		b := Batch{
			ID:             s.newID(),
			Entity:         in.Entity,
			ProductID:      in.ProductID,
			ProductName:    in.ProductName,
			BatchCode:      in.BatchCode,
			MfgDate:        in.MfgDate,
			ExpiryDate:     in.ExpiryDate,
			QuantityOnHand: in.Delta,
			CreatedAt:      s.clock.Now().UTC(),
		}
		if err := s.store.CreateBatch(ctx, b); err != nil {
			return nil, err
		}
		return &b, nil
	}

	b, err := s.store.GetBatch(ctx, in.BatchID)
	if err != nil {
		return nil, err
	}
	if !in.Entity.IsZero() && b.Entity != in.Entity {
		return nil, fmt.Errorf("%w: batch %s belongs to %s, not %s",
			generic.ErrInvalidInput, b.ID, b.Entity, in.Entity)
	}
	ok, err := s.store.MoveBatch(ctx, b.ID, in.Delta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &generic.BatchError{
			Kind:      generic.ErrNegativeStockBlocked,
			BatchID:   b.ID,
			ProductID: b.ProductID,
			BatchCode: b.BatchCode,
			OnHand:    b.QuantityOnHand,
			Delta:     in.Delta,
		}
	}
	b.QuantityOnHand += in.Delta
	return b, nil
}

// post appends the entry and moves the snapshot by its delta. The batch
// rows named by the allocations must already be written.
func (s *Service) post(ctx context.Context, e *LedgerEntry) error {
	e.ID = s.newID()
	e.CreatedAt = s.clock.Now().UTC()
	for i := range e.Allocations {
		e.Allocations[i].EntryID = e.ID
	}
	if err := s.store.AppendEntry(ctx, *e); err != nil {
		return err
	}
	if err := s.store.ShiftSnapshot(ctx, e.Entity, e.ProductID, e.Delta, e.CreatedAt); err != nil {
		return err
	}
	return s.publishOnCommit(ctx, e.Entity, e.ProductID)
}

// publishOnCommit captures the snapshot as written by this unit and hands it
// to the publisher once the unit commits.
func (s *Service) publishOnCommit(ctx context.Context, entity generic.EntityRef, productID string) error {
	if s.publisher == nil {
		return nil
	}
	snap, err := s.store.GetSnapshot(ctx, entity, productID)
	if err != nil || snap == nil {
		return err
	}
	captured := *snap
	generic.AfterCommit(ctx, func() {
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.publisher.PublishAvailability(pctx, captured); err != nil {
			s.log.WithFields(logrus.Fields{
				"entity":  captured.Entity.String(),
				"product": captured.ProductID,
			}).WithError(err).Warn("availability publish failed")
		}
	})
	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
