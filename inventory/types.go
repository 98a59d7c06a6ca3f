/*
Package inventory implements the batch-tracked stock ledger.

PURPOSE:
  Physical stock lives in batches (lots) owned by a warehouse or a
  distributor. Every change to a batch quantity is recorded as one
  append-only LedgerEntry plus the BatchAllocation rows naming the lots
  it touched. A per-(entity, product) Snapshot caches the available
  quantity for fast admission checks.

KEY CONCEPTS:
  Batch:           A physical lot with optional batch code and expiry date
  Snapshot:        Cached available quantity; advisory, never authoritative
  LedgerEntry:     Immutable record of one signed quantity change
  BatchAllocation: Which lot an entry touched and by how much

SOURCE OF TRUTH:
  The ledger says what happened. Batches and snapshots are materialized
  views over it. Verify recomputes all three and reports drift; Rebuild
  resets the snapshot from the batches.

ALLOCATION (FEFO):
  Outgoing stock is taken from the lot closest to expiry first. Lots with
  no expiry are consumed last, oldest first. See allocator.go.

SEE ALSO:
  - ledger.go:    ApplyDelta, the single signed-delta write path
  - allocator.go: FEFO ordering and Allocate
  - service.go:   Receive, Adjust, DispatchOrder, read models
*/
package inventory

import (
	"time"

	"github.com/warp/stock-ledger/generic"
)

// =============================================================================
// LEDGER KINDS
// =============================================================================

// Kind classifies a ledger entry by the business event that caused it.
type Kind string

const (
	KindDispatch        Kind = "DISPATCH"
	KindAdjustment      Kind = "ADJUSTMENT"
	KindAuditCorrection Kind = "AUDIT_CORRECTION"
	KindReceipt         Kind = "RECEIPT"
)

// Reference types recorded on ledger entries.
const (
	RefOrder      = "ORDER"
	RefAudit      = "AUDIT"
	RefManual     = "MANUAL"
	RefGoodsIn    = "GOODS_RECEIPT"
	RefAllocation = "ALLOCATION"
)

// =============================================================================
// BATCH
// =============================================================================

// Batch is one physical lot. QuantityOnHand is never negative.
type Batch struct {
	ID             string            `json:"id"`
	Entity         generic.EntityRef `json:"entity"`
	ProductID      string            `json:"product_id"`
	ProductName    string            `json:"product_name"`
	BatchCode      string            `json:"batch_code,omitempty"`
	MfgDate        *generic.Day      `json:"mfg_date,omitempty"`
	ExpiryDate     *generic.Day      `json:"expiry_date,omitempty"`
	QuantityOnHand int64             `json:"quantity_on_hand"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ExpiredOn reports whether the lot expired strictly before today.
// A lot expiring today is still usable today.
func (b Batch) ExpiredOn(today generic.Day) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(today)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot caches the available quantity for one entity and product.
type Snapshot struct {
	Entity       generic.EntityRef `json:"entity"`
	ProductID    string            `json:"product_id"`
	AvailableQty int64             `json:"available_qty"`
	ReservedQty  int64             `json:"reserved_qty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// =============================================================================
// LEDGER
// =============================================================================

// LedgerEntry is an immutable record of one signed quantity change.
type LedgerEntry struct {
	ID          string            `json:"id"`
	Entity      generic.EntityRef `json:"entity"`
	ProductID   string            `json:"product_id"`
	Delta       int64             `json:"delta"`
	Kind        Kind              `json:"kind"`
	RefType     string            `json:"ref_type"`
	RefID       string            `json:"ref_id"`
	ActorID     string            `json:"actor_id"`
	Reason      string            `json:"reason,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Allocations []BatchAllocation `json:"allocations"`
}

// BatchAllocation records how much of one lot an entry used. QuantityUsed
// is always positive; the direction comes from the entry's Delta sign.
type BatchAllocation struct {
	EntryID      string `json:"entry_id"`
	BatchID      string `json:"batch_id"`
	QuantityUsed int64  `json:"quantity_used"`
}

// EntryFilter narrows a ledger listing. Zero fields match everything.
type EntryFilter struct {
	Entity    generic.EntityRef
	ProductID string
	Kind      Kind
	RefType   string
	RefID     string
	Limit     int
}

// Claim is a processed business-event idempotency key.
type Claim struct {
	Scope     string
	Key       string
	RefID     string
	CreatedAt time.Time
}

// =============================================================================
// INPUTS AND RESULTS
// =============================================================================

// AllocateInput requests FEFO allocation of Quantity pieces.
type AllocateInput struct {
	Actor        generic.Actor     `validate:"required"`
	Entity       generic.EntityRef `validate:"required"`
	ProductID    string            `validate:"required"`
	ProductName  string
	Quantity     int64
	RefType      string `validate:"required"`
	RefID        string `validate:"required"`
	BlockExpired bool
}

// Allocation is the result of a successful FEFO allocation.
type Allocation struct {
	EntryID     string            `json:"entry_id"`
	ProductID   string            `json:"product_id"`
	Quantity    int64             `json:"quantity"`
	Allocations []BatchAllocation `json:"allocations"`
}

// DispatchLine is one line item of an outgoing order.
type DispatchLine struct {
	ProductID   string `json:"product_id" validate:"required"`
	ProductName string `json:"product_name"`
	Quantity    int64  `json:"quantity"`
}

// DispatchInput dispatches a whole order. IdempotencyKey is optional; a
// replayed key is rejected with ErrDuplicateEvent.
type DispatchInput struct {
	Actor          generic.Actor     `validate:"required"`
	OrderID        string            `validate:"required"`
	IdempotencyKey string
	Entity         generic.EntityRef `validate:"required"`
	Lines          []DispatchLine    `validate:"required,min=1,dive"`
	BlockExpired   bool
}

// DispatchResult holds one allocation per order line, in line order.
type DispatchResult struct {
	OrderID string       `json:"order_id"`
	Lines   []Allocation `json:"lines"`
}

// ReceiveInput records stock-in. A non-empty BatchCode that already exists
// for the entity and product tops up that lot instead of opening a new one.
type ReceiveInput struct {
	Actor       generic.Actor     `validate:"required"`
	Entity      generic.EntityRef `validate:"required"`
	ProductID   string            `validate:"required"`
	ProductName string
	BatchCode   string
	MfgDate     *generic.Day
	ExpiryDate  *generic.Day
	Quantity    int64
	RefType     string
	RefID       string
}

// AdjustInput is a manual signed correction on one batch.
type AdjustInput struct {
	Actor   generic.Actor `validate:"required"`
	BatchID string        `validate:"required"`
	Delta   int64
	Reason  string `validate:"required"`
}

// DeltaInput is one signed change through the ledger. With BatchID empty a
// positive delta opens a new lot from the batch fields; a negative delta
// fails with ErrMissingBatchForShort.
type DeltaInput struct {
	Actor       generic.Actor
	Entity      generic.EntityRef
	ProductID   string
	ProductName string
	BatchID     string
	BatchCode   string
	MfgDate     *generic.Day
	ExpiryDate  *generic.Day
	Delta       int64
	Kind        Kind
	RefType     string
	RefID       string
	Reason      string
}

// Reconciliation compares the ledger, the batches and the snapshot for one
// entity and product.
type Reconciliation struct {
	Entity      generic.EntityRef `json:"entity"`
	ProductID   string            `json:"product_id"`
	LedgerSum   int64             `json:"ledger_sum"`
	BatchSum    int64             `json:"batch_sum"`
	SnapshotQty int64             `json:"snapshot_qty"`
	ReservedQty int64             `json:"reserved_qty"`
	Consistent  bool              `json:"consistent"`
}
