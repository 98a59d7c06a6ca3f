/*
Package money implements the per-retailer money ledger.

PURPOSE:
  Tracks what a retailer was billed (DEBIT) and what was collected from
  them (CREDIT). Entries are append-only. The outstanding balance is always
  computed from the entries, never stored, so it cannot drift.

BALANCE:
  outstanding = sum(DEBIT) - sum(CREDIT)

  Overpayment is legal, so outstanding may be negative. DisplayOutstanding
  clamps to zero for screens that show "amount due".

BUSINESS DATE:
  Every entry carries an explicit business date. Monthly and date-range
  reporting filters on it, never on the insert timestamp.

PAYMENT MODES:
  CASH needs no reference. UPI, BANK_TRANSFER and CHEQUE need the payment
  reference (UTR, cheque number) or the payment is rejected.
*/
package money

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/generic"
)

// EntryType is the accounting side of an entry.
type EntryType string

const (
	Debit  EntryType = "DEBIT"
	Credit EntryType = "CREDIT"
)

// Mode is how a payment was made.
type Mode string

const (
	ModeCash         Mode = "CASH"
	ModeUPI          Mode = "UPI"
	ModeBankTransfer Mode = "BANK_TRANSFER"
	ModeCheque       Mode = "CHEQUE"
)

// ParseMode accepts the canonical names in any case, plus "bank" and "neft".
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CASH":
		return ModeCash, nil
	case "UPI":
		return ModeUPI, nil
	case "BANK_TRANSFER", "BANK", "NEFT":
		return ModeBankTransfer, nil
	case "CHEQUE", "CHECK":
		return ModeCheque, nil
	}
	return "", fmt.Errorf("%w: %q", generic.ErrInvalidPaymentMode, s)
}

// RequiresReference reports whether payments in this mode must carry a reference.
func (m Mode) RequiresReference() bool { return m != ModeCash }

// Entry is one row of the retailer ledger.
type Entry struct {
	ID             string          `json:"id"`
	RetailerID     string          `json:"retailer_id"`
	DistributorID  string          `json:"distributor_id"`
	Type           EntryType       `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Mode           Mode            `json:"mode,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	Narration      string          `json:"narration,omitempty"`
	BusinessDate   generic.Day     `json:"business_date"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ActorID        string          `json:"actor_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// signed returns the entry's effect on outstanding.
func (e Entry) signed() decimal.Decimal {
	if e.Type == Credit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// PaymentInput records a collection from a retailer.
type PaymentInput struct {
	Actor          generic.Actor `validate:"required"`
	RetailerID     string        `validate:"required"`
	DistributorID  string        `validate:"required"`
	Amount         decimal.Decimal
	Mode           Mode
	Reference      string
	Narration      string
	BusinessDate   generic.Day
	IdempotencyKey string
}

// DebitInput records a billed amount.
type DebitInput struct {
	Actor         generic.Actor `validate:"required"`
	RetailerID    string        `validate:"required"`
	DistributorID string        `validate:"required"`
	Amount        decimal.Decimal
	Reference     string
	Narration     string
	BusinessDate  generic.Day
}

// Balance is the computed position of one retailer.
type Balance struct {
	RetailerID  string          `json:"retailer_id"`
	Debits      decimal.Decimal `json:"debits"`
	Credits     decimal.Decimal `json:"credits"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// StatementLine is an entry with the running balance after it.
type StatementLine struct {
	Entry
	Running decimal.Decimal `json:"running_balance"`
}

// Statement lists entries in business-date order with running balances.
// Opening is the outstanding before the range.
type Statement struct {
	RetailerID string            `json:"retailer_id"`
	Range      generic.DateRange `json:"range"`
	Opening    decimal.Decimal   `json:"opening"`
	Closing    decimal.Decimal   `json:"closing"`
	Lines      []StatementLine   `json:"lines"`
}

// Store persists retailer ledger entries.
type Store interface {
	generic.Transactor

	// AppendRetailerEntry returns ErrDuplicateKey when the entry's
	// idempotency key was already used for the retailer.
	AppendRetailerEntry(ctx context.Context, e Entry) error
	// RetailerEntryByKey returns ErrNotFound for an unused key.
	RetailerEntryByKey(ctx context.Context, retailerID, key string) (*Entry, error)
	// RetailerEntries returns entries ordered by business date then insertion.
	// A nil range returns everything.
	RetailerEntries(ctx context.Context, retailerID string, r *generic.DateRange) ([]Entry, error)
}
