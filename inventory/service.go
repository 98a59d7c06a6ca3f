package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/stock-ledger/generic"
)

// ClaimScopeDispatch namespaces order idempotency keys.
const ClaimScopeDispatch = "order_dispatch"

// Service is the entry point for every stock-changing operation.
type Service struct {
	store     Store
	clock     generic.Clock
	log       logrus.FieldLogger
	publisher Publisher
	newID     func() string
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c generic.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l logrus.FieldLogger) Option { return func(s *Service) { s.log = l } }

// WithPublisher sets the post-commit availability publisher.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   logrus.StandardLogger(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for collaborators sharing its units.
func (s *Service) Store() Store { return s.store }

// =============================================================================
// ORDER DISPATCH
// =============================================================================

// DispatchOrder allocates every line of an order in one unit of work. Any
// line failure rejects the whole order; no line is partially dispatched.
func (s *Service) DispatchOrder(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	for i, line := range in.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d quantity %d", generic.ErrInvalidQuantity, i+1, line.Quantity)
		}
	}
	if err := generic.Validate(in); err != nil {
		return nil, err
	}

	var result *DispatchResult
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		if in.IdempotencyKey != "" {
			if err := s.claim(ctx, ClaimScopeDispatch, in.IdempotencyKey, in.OrderID); err != nil {
				return err
			}
		}
		res := &DispatchResult{OrderID: in.OrderID}
		for i, line := range in.Lines {
			a, err := s.allocate(ctx, AllocateInput{
				Actor:        in.Actor,
				Entity:       in.Entity,
				ProductID:    line.ProductID,
				ProductName:  line.ProductName,
				Quantity:     line.Quantity,
				RefType:      RefOrder,
				RefID:        in.OrderID,
				BlockExpired: in.BlockExpired,
			})
			if err != nil {
				return fmt.Errorf("order %s line %d (%s): %w", in.OrderID, i+1, line.ProductID, err)
			}
			res.Lines = append(res.Lines, *a)
		}
		result = res
		return nil
	})

	log := s.log.WithFields(logrus.Fields{
		"entity": in.Entity.String(),
		"order":  in.OrderID,
		"lines":  len(in.Lines),
	})
	if err != nil {
		log.WithField("code", generic.Code(err)).Info("order dispatch rejected")
		return nil, err
	}
	log.Info("order dispatched")
	return result, nil
}

// claim records a business-event key. A key seen before is ErrDuplicateEvent.
func (s *Service) claim(ctx context.Context, scope, key, refID string) error {
	claimed, created, err := generic.FindOrCreate(ctx, s.store,
		func(ctx context.Context) (*Claim, error) {
			return s.store.GetClaim(ctx, scope, key)
		},
		func(ctx context.Context) (*Claim, error) {
			c := Claim{Scope: scope, Key: key, RefID: refID, CreatedAt: s.clock.Now().UTC()}
			if err := s.store.CreateClaim(ctx, c); err != nil {
				return nil, err
			}
			return &c, nil
		},
	)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: key %q already used by %s", generic.ErrDuplicateEvent, key, claimed.RefID)
	}
	return nil
}

// =============================================================================
// STOCK-IN AND MANUAL ADJUSTMENT
// =============================================================================

// Receive books incoming stock as a RECEIPT entry.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (*LedgerEntry, error) {
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", generic.ErrInvalidQuantity, in.Quantity)
	}
	if err := generic.Validate(in); err != nil {
		return nil, err
	}
	if in.RefType == "" {
		in.RefType = RefGoodsIn
	}
	if in.RefID == "" {
		in.RefID = s.newID()
	}

	var entry *LedgerEntry
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		delta := DeltaInput{
			Actor:       in.Actor,
			Entity:      in.Entity,
			ProductID:   in.ProductID,
			ProductName: in.ProductName,
			BatchCode:   in.BatchCode,
			MfgDate:     in.MfgDate,
			ExpiryDate:  in.ExpiryDate,
			Delta:       in.Quantity,
			Kind:        KindReceipt,
			RefType:     in.RefType,
			RefID:       in.RefID,
		}
		if in.BatchCode != "" {
			existing, err := s.store.FindBatches(ctx, in.Entity, in.ProductID, in.BatchCode)
			if err != nil {
				return err
			}
			switch len(existing) {
			case 0:
			case 1:
				delta.BatchID = existing[0].ID
			default:
				return &generic.BatchError{Kind: generic.ErrAmbiguousBatch, ProductID: in.ProductID, BatchCode: in.BatchCode}
			}
		}
		e, err := s.ApplyDelta(ctx, delta)
		entry = e
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"entity":   in.Entity.String(),
		"product":  in.ProductID,
		"batch":    entry.Allocations[0].BatchID,
		"quantity": in.Quantity,
	}).Info("stock received")
	return entry, nil
}

// Adjust applies a manual signed correction to one batch.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (*LedgerEntry, error) {
	if in.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must be non-zero", generic.ErrInvalidQuantity)
	}
	if err := generic.Validate(in); err != nil {
		return nil, err
	}

	var entry *LedgerEntry
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		b, err := s.store.GetBatch(ctx, in.BatchID)
		if err != nil {
			return err
		}
		e, err := s.ApplyDelta(ctx, DeltaInput{
			Actor:     in.Actor,
			Entity:    b.Entity,
			ProductID: b.ProductID,
			BatchID:   b.ID,
			Delta:     in.Delta,
			Kind:      KindAdjustment,
			RefType:   RefManual,
			RefID:     b.ID,
			Reason:    in.Reason,
		})
		entry = e
		return err
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"batch": in.BatchID, "delta": in.Delta}).
			WithField("code", generic.Code(err)).Info("adjustment rejected")
		return nil, err
	}
	return entry, nil
}

// =============================================================================
// SNAPSHOT MAINTENANCE
// =============================================================================

// RebuildSnapshot resets the cached availability from the batches:
// AvailableQty = sum of on-hand minus reserved, never below zero.
func (s *Service) RebuildSnapshot(ctx context.Context, entity generic.EntityRef, productID string) (*Snapshot, error) {
	var out *Snapshot
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		sum, err := s.store.BatchSum(ctx, entity, productID)
		if err != nil {
			return err
		}
		snap := Snapshot{Entity: entity, ProductID: productID}
		if cur, err := s.store.GetSnapshot(ctx, entity, productID); err != nil {
			return err
		} else if cur != nil {
			snap.ReservedQty = cur.ReservedQty
		}
		snap.AvailableQty = max(sum-snap.ReservedQty, 0)
		snap.UpdatedAt = s.clock.Now().UTC()
		if err := s.store.PutSnapshot(ctx, snap); err != nil {
			return err
		}
		out = &snap
		return s.publishOnCommit(ctx, entity, productID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Verify recomputes the ledger and batch totals and compares them with the
// snapshot. It never writes.
func (s *Service) Verify(ctx context.Context, entity generic.EntityRef, productID string) (*Reconciliation, error) {
	rec := &Reconciliation{Entity: entity, ProductID: productID}
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		if rec.LedgerSum, err = s.store.LedgerSum(ctx, entity, productID); err != nil {
			return err
		}
		if rec.BatchSum, err = s.store.BatchSum(ctx, entity, productID); err != nil {
			return err
		}
		snap, err := s.store.GetSnapshot(ctx, entity, productID)
		if err != nil {
			return err
		}
		if snap != nil {
			rec.SnapshotQty = snap.AvailableQty
			rec.ReservedQty = snap.ReservedQty
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	rec.Consistent = rec.LedgerSum == rec.BatchSum &&
		rec.SnapshotQty == max(rec.BatchSum-rec.ReservedQty, 0)
	if !rec.Consistent {
		s.log.WithFields(logrus.Fields{
			"entity":   entity.String(),
			"product":  productID,
			"ledger":   rec.LedgerSum,
			"batches":  rec.BatchSum,
			"snapshot": rec.SnapshotQty,
		}).Warn("stock drift detected")
	}
	return rec, nil
}

// =============================================================================
// READ MODELS
// =============================================================================

// Availability is the read model for reporting consumers.
type Availability struct {
	Entity       generic.EntityRef `json:"entity"`
	ProductID    string            `json:"product_id"`
	AvailableQty int64             `json:"available_qty"`
	ReservedQty  int64             `json:"reserved_qty"`
	OnHand       int64             `json:"on_hand"`
	Batches      []Batch           `json:"batches"`
}

func (s *Service) Availability(ctx context.Context, entity generic.EntityRef, productID string) (*Availability, error) {
	out := &Availability{Entity: entity, ProductID: productID}
	snap, err := s.store.GetSnapshot(ctx, entity, productID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		out.AvailableQty = snap.AvailableQty
		out.ReservedQty = snap.ReservedQty
	}
	batches, err := s.store.ListBatches(ctx, entity, productID)
	if err != nil {
		return nil, err
	}
	out.Batches = fefoOrder(batches)
	for _, b := range batches {
		out.OnHand += b.QuantityOnHand
	}
	return out, nil
}

// OnHand returns every lot of the entity that still holds stock.
func (s *Service) OnHand(ctx context.Context, entity generic.EntityRef) ([]Batch, error) {
	return s.store.ListEntityBatches(ctx, entity)
}

// Products lists every product the entity has ever stocked, including
// products whose lots are all drained.
func (s *Service) Products(ctx context.Context, entity generic.EntityRef) ([]string, error) {
	return s.store.Products(ctx, entity)
}

// Entries lists ledger entries, newest first.
func (s *Service) Entries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	return s.store.Entries(ctx, filter)
}

// Batch returns one lot by id.
func (s *Service) Batch(ctx context.Context, id string) (*Batch, error) {
	return s.store.GetBatch(ctx, id)
}

// ResolveBatch finds the single lot matching (entity, product, batch code).
// No match is ErrNotFound; several matches are ErrAmbiguousBatch.
func (s *Service) ResolveBatch(ctx context.Context, entity generic.EntityRef, productID, batchCode string) (*Batch, error) {
	found, err := s.store.FindBatches(ctx, entity, productID, batchCode)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: batch %q of %s at %s", generic.ErrNotFound, batchCode, productID, entity)
	case 1:
		return &found[0], nil
	}
	return nil, &generic.BatchError{Kind: generic.ErrAmbiguousBatch, ProductID: productID, BatchCode: batchCode}
}
