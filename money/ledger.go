package money

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/stock-ledger/generic"
)

// Ledger records and reads retailer money entries.
type Ledger struct {
	store Store
	clock generic.Clock
	log   logrus.FieldLogger
	newID func() string
}

type Option func(*Ledger)

func WithClock(c generic.Clock) Option        { return func(l *Ledger) { l.clock = c } }
func WithLogger(lg logrus.FieldLogger) Option { return func(l *Ledger) { l.log = lg } }

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, log: logrus.StandardLogger(), newID: uuid.NewString}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// WRITES
// =============================================================================

// RecordPayment appends a CREDIT entry. A repeated IdempotencyKey returns
// the entry written the first time; replayed reports that case.
func (l *Ledger) RecordPayment(ctx context.Context, in PaymentInput) (entry *Entry, replayed bool, err error) {
	if !in.Amount.IsPositive() {
		return nil, false, fmt.Errorf("%w: %s", generic.ErrInvalidAmount, in.Amount)
	}
	mode, err := ParseMode(string(in.Mode))
	if err != nil {
		return nil, false, err
	}
	in.Reference = strings.TrimSpace(in.Reference)
	if mode.RequiresReference() && in.Reference == "" {
		return nil, false, fmt.Errorf("%w: mode %s", generic.ErrReferenceRequired, mode)
	}
	if err := generic.Validate(in); err != nil {
		return nil, false, err
	}

	e := Entry{
		RetailerID:     in.RetailerID,
		DistributorID:  in.DistributorID,
		Type:           Credit,
		Amount:         in.Amount,
		Mode:           mode,
		Reference:      in.Reference,
		Narration:      in.Narration,
		BusinessDate:   l.businessDate(in.BusinessDate),
		IdempotencyKey: in.IdempotencyKey,
		ActorID:        in.Actor.ID,
	}

	if in.IdempotencyKey == "" {
		if err := l.append(ctx, &e); err != nil {
			return nil, false, err
		}
		l.recorded(e)
		return &e, false, nil
	}

	got, created, err := generic.FindOrCreate(ctx, l.store,
		func(ctx context.Context) (*Entry, error) {
			return l.store.RetailerEntryByKey(ctx, in.RetailerID, in.IdempotencyKey)
		},
		func(ctx context.Context) (*Entry, error) {
			if err := l.append(ctx, &e); err != nil {
				return nil, err
			}
			return &e, nil
		},
	)
	if err != nil {
		return nil, false, err
	}
	if created {
		l.recorded(*got)
	}
	return got, !created, nil
}

// RecordDebit appends a DEBIT entry for a billed amount.
func (l *Ledger) RecordDebit(ctx context.Context, in DebitInput) (*Entry, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", generic.ErrInvalidAmount, in.Amount)
	}
	if err := generic.Validate(in); err != nil {
		return nil, err
	}
	e := Entry{
		RetailerID:    in.RetailerID,
		DistributorID: in.DistributorID,
		Type:          Debit,
		Amount:        in.Amount,
		Reference:     in.Reference,
		Narration:     in.Narration,
		BusinessDate:  l.businessDate(in.BusinessDate),
		ActorID:       in.Actor.ID,
	}
	if err := l.append(ctx, &e); err != nil {
		return nil, err
	}
	l.recorded(e)
	return &e, nil
}

func (l *Ledger) append(ctx context.Context, e *Entry) error {
	e.ID = l.newID()
	e.CreatedAt = l.clock.Now().UTC()
	return l.store.AppendRetailerEntry(ctx, *e)
}

func (l *Ledger) businessDate(d generic.Day) generic.Day {
	if d.IsZero() {
		return l.clock.Today()
	}
	return d
}

func (l *Ledger) recorded(e Entry) {
	l.log.WithFields(logrus.Fields{
		"entry":    e.ID,
		"retailer": e.RetailerID,
		"type":     e.Type,
		"amount":   e.Amount.String(),
		"date":     e.BusinessDate.String(),
	}).Info("money entry recorded")
}

// =============================================================================
// READS
// =============================================================================

// Outstanding computes sum(DEBIT) - sum(CREDIT), optionally within a range
// of business dates. The result may be negative.
func (l *Ledger) Outstanding(ctx context.Context, retailerID string, r *generic.DateRange) (*Balance, error) {
	entries, err := l.store.RetailerEntries(ctx, retailerID, r)
	if err != nil {
		return nil, err
	}
	b := &Balance{RetailerID: retailerID, Debits: decimal.Zero, Credits: decimal.Zero}
	for _, e := range entries {
		if e.Type == Credit {
			b.Credits = b.Credits.Add(e.Amount)
		} else {
			b.Debits = b.Debits.Add(e.Amount)
		}
	}
	b.Outstanding = b.Debits.Sub(b.Credits)
	return b, nil
}

// DisplayOutstanding is Outstanding clamped at zero.
func (l *Ledger) DisplayOutstanding(ctx context.Context, retailerID string) (decimal.Decimal, error) {
	b, err := l.Outstanding(ctx, retailerID, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Max(b.Outstanding, decimal.Zero), nil
}

// Statement lists the entries in r with a running balance. The opening
// balance covers everything before r.From.
func (l *Ledger) Statement(ctx context.Context, retailerID string, r generic.DateRange) (*Statement, error) {
	st := &Statement{RetailerID: retailerID, Range: r, Opening: decimal.Zero}
	err := l.store.InTx(ctx, func(ctx context.Context) error {
		if !r.From.IsZero() {
			before := generic.DateRange{To: r.From.AddDays(-1)}
			opening, err := l.Outstanding(ctx, retailerID, &before)
			if err != nil {
				return err
			}
			st.Opening = opening.Outstanding
		}
		entries, err := l.store.RetailerEntries(ctx, retailerID, &r)
		if err != nil {
			return err
		}
		running := st.Opening
		for _, e := range entries {
			running = running.Add(e.signed())
			st.Lines = append(st.Lines, StatementLine{Entry: e, Running: running})
		}
		st.Closing = running
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}
