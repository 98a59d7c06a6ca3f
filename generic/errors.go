/*
errors.go - Centralized error types for the stock ledger engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Every failure a caller can act on is a sentinel, so callers branch with
  errors.Is and render a precise message. Structured errors carry the
  offending identifiers and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Input errors      - InvalidQuantity, InvalidAmount, InvalidInput, ...
  2. Stock errors      - InsufficientStock, ExpiredBatchBlocked, StockChangedRetry
  3. Audit errors      - MismatchReasonRequired, IncompletePhysicalCount,
                         NegativeStockBlocked, MissingBatchForShort, ...
  4. Store errors      - NotFound, DuplicateKey, UnitTimeout

RETRY SEMANTICS:
  StockChangedRetry and UnitTimeout are transient: the same request may be
  sent again unchanged. Everything else needs a changed request or an
  operator action.

USAGE:
  if errors.Is(err, generic.ErrStockChangedRetry) {
      // retry the allocation
  }
  var se *generic.StockError
  if errors.As(err, &se) {
      log.Printf("short by %d", se.Requested-se.Available)
  }
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidQuantity is returned for a zero or negative stock quantity or points.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInvalidAmount is returned for a zero or negative money amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidInput covers structurally invalid arguments (missing ids, bad enums).
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientStock is the advisory fast-fail from the snapshot.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrExpiredBatchBlocked aborts an allocation that would touch expired stock.
	ErrExpiredBatchBlocked = errors.New("expired batch blocked")

	// ErrStockChangedRetry means stock moved between the snapshot check and
	// the guarded decrement. Safe to retry immediately.
	ErrStockChangedRetry = errors.New("stock changed, retry")

	ErrMismatchReasonRequired  = errors.New("mismatch reason required")
	ErrIncompletePhysicalCount = errors.New("incomplete physical count")
	ErrReferenceRequired       = errors.New("payment reference required")
	ErrInvalidPaymentMode      = errors.New("invalid payment mode")

	// ErrNegativeStockBlocked is returned when a correction would drive a
	// batch below zero.
	ErrNegativeStockBlocked = errors.New("negative stock blocked")

	// ErrMissingBatchForShort is returned when a SHORT variance has no batch
	// to decrement.
	ErrMissingBatchForShort = errors.New("missing batch for short variance")

	// ErrAmbiguousBatch is returned when a batch lookup key matches more than one lot.
	ErrAmbiguousBatch = errors.New("ambiguous batch")

	// ErrAuditImmutable is returned for any write against an APPROVED audit.
	ErrAuditImmutable = errors.New("audit is approved and immutable")

	// ErrInvalidTransition is returned when a workflow step is not legal from
	// the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned by stores when a unique constraint rejects a write.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrDuplicateEvent is returned when a business event idempotency key was
	// already processed.
	ErrDuplicateEvent = errors.New("business event already processed")

	// ErrUnitTimeout is returned when a unit of work exceeds its deadline.
	ErrUnitTimeout = errors.New("unit of work timed out")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StockError describes a stock-level failure for one entity and product.
type StockError struct {
	Kind      error
	Entity    EntityRef
	ProductID string
	BatchID   string
	Requested int64
	Available int64
}

func (e *StockError) Error() string {
	msg := fmt.Sprintf("%v: %s product %s requested %d available %d",
		e.Kind, e.Entity, e.ProductID, e.Requested, e.Available)
	if e.BatchID != "" {
		msg += " (batch " + e.BatchID + ")"
	}
	return msg
}

func (e *StockError) Unwrap() error { return e.Kind }

// BatchError describes a rejected write against one batch.
type BatchError struct {
	Kind      error
	BatchID   string
	ProductID string
	BatchCode string
	OnHand    int64
	Delta     int64
}

func (e *BatchError) Error() string {
	if e.BatchID == "" {
		return fmt.Sprintf("%v: product %s batch %q delta %d", e.Kind, e.ProductID, e.BatchCode, e.Delta)
	}
	return fmt.Sprintf("%v: batch %s (%s %q) on hand %d delta %d",
		e.Kind, e.BatchID, e.ProductID, e.BatchCode, e.OnHand, e.Delta)
}

func (e *BatchError) Unwrap() error { return e.Kind }

// LineError points at the audit lines that failed a rule.
type LineError struct {
	Kind      error
	AuditID   string
	LineIDs   []string
	ProductID string
	BatchCode string
}

func (e *LineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: audit %s", e.Kind, e.AuditID)
	if len(e.LineIDs) > 0 {
		fmt.Fprintf(&b, " lines [%s]", strings.Join(e.LineIDs, ", "))
	}
	if e.ProductID != "" {
		fmt.Fprintf(&b, " product %s batch %q", e.ProductID, e.BatchCode)
	}
	return b.String()
}

func (e *LineError) Unwrap() error { return e.Kind }

// FieldError names the input fields that failed validation.
type FieldError struct {
	Kind   error
	Fields []string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, strings.Join(e.Fields, ", "))
}

func (e *FieldError) Unwrap() error { return e.Kind }

// =============================================================================
// ERROR HELPERS
// =============================================================================

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidQuantity, "INVALID_QUANTITY"},
	{ErrInvalidAmount, "INVALID_AMOUNT"},
	{ErrInsufficientStock, "INSUFFICIENT_STOCK"},
	{ErrExpiredBatchBlocked, "EXPIRED_BATCH_BLOCKED"},
	{ErrStockChangedRetry, "STOCK_CHANGED_RETRY"},
	{ErrMismatchReasonRequired, "MISMATCH_REASON_REQUIRED"},
	{ErrIncompletePhysicalCount, "INCOMPLETE_PHYSICAL_COUNT"},
	{ErrReferenceRequired, "REFERENCE_REQUIRED"},
	{ErrInvalidPaymentMode, "INVALID_PAYMENT_MODE"},
	{ErrNegativeStockBlocked, "NEGATIVE_STOCK_BLOCKED"},
	{ErrMissingBatchForShort, "MISSING_BATCH_FOR_SHORT"},
	{ErrAmbiguousBatch, "AMBIGUOUS_BATCH"},
	{ErrAuditImmutable, "AUDIT_IMMUTABLE"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrDuplicateEvent, "DUPLICATE_EVENT"},
	{ErrDuplicateKey, "DUPLICATE_KEY"},
	{ErrNotFound, "NOT_FOUND"},
	{ErrUnitTimeout, "UNIT_TIMEOUT"},
	{ErrInvalidInput, "INVALID_INPUT"},
}

// Code returns a stable machine-readable code for err, or "INTERNAL".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "UNIT_TIMEOUT"
	}
	return "INTERNAL"
}

// IsRetryable returns true if the same request might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStockChangedRetry) ||
		errors.Is(err, ErrUnitTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to the request or the
// current business state rather than the system.
func IsClientError(err error) bool {
	switch Code(err) {
	case "INTERNAL", "UNIT_TIMEOUT", "NOT_FOUND", "STOCK_CHANGED_RETRY", "":
		return false
	}
	return true
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
