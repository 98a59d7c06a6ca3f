/*
Package incentive awards behavior-based points to field actors.

PURPOSE:
  Collections, order submissions and similar business events earn points
  for the actor who performed them. Clients retry those events after
  network failures, so the award must happen at most once per event.

IDEMPOTENCY:
  An EARN entry is unique on (actor, refType, refID, reason). EarnOnce
  looks for that tuple first and skips when it exists; the unique index is
  the backstop for two concurrent first attempts. A skip is a successful
  result, reported with Skipped=true, never an error.

RULES:
  The caller computes the points from the fixed rule table in rules.go and
  passes them in. The ledger itself only enforces at-most-once and persists.

SEE ALSO:
  - rules.go:           Rule table (base plus capped scaling term)
  - generic/store.go:   FindOrCreate
*/
package incentive

import (
	"context"
	"time"

	"github.com/warp/stock-ledger/generic"
)

// Kind of incentive entry. Only EARN entries carry the uniqueness rule.
type Kind string

const KindEarn Kind = "EARN"

// Reason codes used by the built-in rules.
const (
	ReasonCollection    = "COLLECTION"
	ReasonOrderSubmit   = "ORDER_SUBMITTED"
	ReasonAuditApproved = "AUDIT_APPROVED"
)

// Reference types for incentive entries.
const (
	RefMoneyEntry = "RETAILER_LEDGER"
	RefOrder      = "ORDER"
	RefAudit      = "AUDIT"
)

// Entry is one incentive ledger row.
type Entry struct {
	ID        string            `json:"id"`
	ActorID   string            `json:"actor_id"`
	Points    int64             `json:"points"`
	Reason    string            `json:"reason"`
	RefType   string            `json:"ref_type"`
	RefID     string            `json:"ref_id"`
	Kind      Kind              `json:"kind"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// EarnInput credits Points to ActorID for one business event.
type EarnInput struct {
	ActorID string `validate:"required"`
	Points  int64
	Reason  string `validate:"required"`
	RefType string `validate:"required"`
	RefID   string `validate:"required"`
	Meta    map[string]string
}

// EarnResult reports the persisted entry and whether this call was a no-op.
type EarnResult struct {
	Entry   *Entry `json:"entry"`
	Skipped bool   `json:"skipped"`
}

// Store persists incentive entries.
type Store interface {
	generic.Transactor

	// FindEarn returns ErrNotFound when no EARN entry exists for the tuple.
	FindEarn(ctx context.Context, actorID, refType, refID, reason string) (*Entry, error)
	// AppendIncentive returns ErrDuplicateKey when the EARN tuple exists.
	AppendIncentive(ctx context.Context, e Entry) error
	IncentiveEntries(ctx context.Context, actorID string) ([]Entry, error)
	IncentiveBalance(ctx context.Context, actorID string) (int64, error)
}
