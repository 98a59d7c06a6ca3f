package inventory

import (
	"context"
	"time"

	"github.com/warp/stock-ledger/generic"
)

// Store persists batches, snapshots and the stock ledger. Every method
// runs inside the unit of work carried by ctx when there is one.
type Store interface {
	generic.Transactor

	// Batches

	// ListBatches returns the lots of one product with QuantityOnHand > 0.
	ListBatches(ctx context.Context, entity generic.EntityRef, productID string) ([]Batch, error)
	// ListEntityBatches returns every lot of the entity with QuantityOnHand > 0,
	// ordered by product then creation.
	ListEntityBatches(ctx context.Context, entity generic.EntityRef) ([]Batch, error)
	// FindBatches returns every lot, drained ones included, matching the key.
	FindBatches(ctx context.Context, entity generic.EntityRef, productID, batchCode string) ([]Batch, error)
	GetBatch(ctx context.Context, id string) (*Batch, error)
	CreateBatch(ctx context.Context, b Batch) error
	// MoveBatch adds delta to the lot's quantity unless the result would be
	// negative. ok is false when the guard rejected the write.
	MoveBatch(ctx context.Context, id string, delta int64) (ok bool, err error)
	BatchSum(ctx context.Context, entity generic.EntityRef, productID string) (int64, error)
	// Products lists every product the entity has a lot, snapshot row or
	// ledger entry for, drained ones included.
	Products(ctx context.Context, entity generic.EntityRef) ([]string, error)

	// Snapshots

	// GetSnapshot returns nil and no error when the row does not exist.
	GetSnapshot(ctx context.Context, entity generic.EntityRef, productID string) (*Snapshot, error)
	// ShiftSnapshot creates the row if needed and adds delta, clamped at zero.
	ShiftSnapshot(ctx context.Context, entity generic.EntityRef, productID string, delta int64, at time.Time) error
	PutSnapshot(ctx context.Context, snap Snapshot) error

	// Ledger

	AppendEntry(ctx context.Context, e LedgerEntry) error
	Entries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)
	LedgerSum(ctx context.Context, entity generic.EntityRef, productID string) (int64, error)

	// Idempotency

	GetClaim(ctx context.Context, scope, key string) (*Claim, error)
	// CreateClaim returns ErrDuplicateKey when the key was already claimed.
	CreateClaim(ctx context.Context, c Claim) error
}

// Publisher pushes committed availability to read-only consumers.
type Publisher interface {
	PublishAvailability(ctx context.Context, snap Snapshot) error
}
