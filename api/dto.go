/*
dto.go - Request and response bodies for the HTTP API

PURPOSE:
  Request bodies are decoded into the types below and translated into the
  domain inputs by the handlers. Responses reuse the domain types directly
  where their JSON shape is already the public contract (batches, ledger
  entries, audit documents, statements).

NAMING CONVENTION:
  - *Request:  request body from clients
  - *Response: wrapper returned to clients when a domain type alone is not enough

DATES AND MONEY:
  Dates are "YYYY-MM-DD" strings (generic.Day). Amounts are decimals and
  accept either a JSON number or a string ("1250.50"); strings avoid float
  rounding in clients that care.

SEE ALSO:
  - handlers.go: translation into domain inputs
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/audit"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/incentive"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/money"
)

// =============================================================================
// STOCK
// =============================================================================

// EntityDTO names a stock-holding entity in request bodies.
type EntityDTO struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

func (e EntityDTO) ref() (generic.EntityRef, error) {
	return parseEntity(e.EntityType, e.EntityID)
}

type ReceiveRequest struct {
	EntityDTO
	ProductID   string       `json:"product_id"`
	ProductName string       `json:"product_name"`
	BatchCode   string       `json:"batch_code"`
	MfgDate     *generic.Day `json:"mfg_date"`
	ExpiryDate  *generic.Day `json:"expiry_date"`
	Quantity    int64        `json:"quantity"`
	RefType     string       `json:"ref_type"`
	RefID       string       `json:"ref_id"`
}

type AdjustRequest struct {
	BatchID string `json:"batch_id"`
	Delta   int64  `json:"delta"`
	Reason  string `json:"reason"`
}

// AllocateRequest leaves BlockExpired nil to use the server default.
type AllocateRequest struct {
	EntityDTO
	ProductID    string `json:"product_id"`
	ProductName  string `json:"product_name"`
	Quantity     int64  `json:"quantity"`
	RefType      string `json:"ref_type"`
	RefID        string `json:"ref_id"`
	BlockExpired *bool  `json:"block_expired"`
}

// DispatchRequest may carry its idempotency key in the body or in the
// Idempotency-Key header.
type DispatchRequest struct {
	EntityDTO
	IdempotencyKey string                   `json:"idempotency_key"`
	Lines          []inventory.DispatchLine `json:"lines"`
	BlockExpired   *bool                    `json:"block_expired"`
}

type RebuildResponse struct {
	Snapshot       *inventory.Snapshot       `json:"snapshot"`
	Reconciliation *inventory.Reconciliation `json:"reconciliation"`
}

// =============================================================================
// AUDITS
// =============================================================================

type EnsureAuditRequest struct {
	EntityDTO
	PeriodKey string      `json:"period_key"`
	AuditDate generic.Day `json:"audit_date"`
}

type EnsureAuditResponse struct {
	*audit.Document
	Created bool `json:"created"`
}

type RecordCountsRequest struct {
	Counts []audit.Count `json:"counts"`
}

type AddLineRequest struct {
	ProductID   string       `json:"product_id"`
	ProductName string       `json:"product_name"`
	BatchCode   string       `json:"batch_code"`
	SystemQty   *int64       `json:"system_qty"`
	Count       *audit.Count `json:"count"`
}

// AuditResponse adds the investigation shortlist to a document.
type AuditResponse struct {
	*audit.Document
	Investigations []audit.Line `json:"investigations"`
}

// =============================================================================
// RETAILER MONEY
// =============================================================================

type DebitRequest struct {
	DistributorID string          `json:"distributor_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference"`
	Narration     string          `json:"narration"`
	BusinessDate  generic.Day     `json:"business_date"`
}

type CollectionRequest struct {
	DistributorID  string          `json:"distributor_id"`
	Amount         decimal.Decimal `json:"amount"`
	Mode           string          `json:"mode"`
	Reference      string          `json:"reference"`
	Narration      string          `json:"narration"`
	BusinessDate   generic.Day     `json:"business_date"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// CollectionResponse reports the payment and the incentive it earned.
// Incentive is nil when no rule applies or the award failed; the payment
// stands either way and a retry with the same key completes the award.
type CollectionResponse struct {
	Entry     *money.Entry          `json:"entry"`
	Replayed  bool                  `json:"replayed"`
	Incentive *incentive.EarnResult `json:"incentive,omitempty"`
}

type BalanceResponse struct {
	*money.Balance
	Display decimal.Decimal `json:"display_outstanding"`
}

// =============================================================================
// INCENTIVES
// =============================================================================

// EarnRequest reports a business event for the path actor. Points come
// from the rule table, never from the client.
type EarnRequest struct {
	Reason  string            `json:"reason"`
	RefType string            `json:"ref_type"`
	RefID   string            `json:"ref_id"`
	Amount  decimal.Decimal   `json:"amount"`
	Meta    map[string]string `json:"meta"`
}

type IncentivesResponse struct {
	ActorID string            `json:"actor_id"`
	Balance int64             `json:"balance"`
	Entries []incentive.Entry `json:"entries"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}
