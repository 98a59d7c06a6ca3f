package incentive

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/stock-ledger/generic"
)

// Ledger is the idempotent incentive ledger.
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

// EarnOnce credits points for a business event unless that exact event
// already earned them.
func (l *Ledger) EarnOnce(ctx context.Context, in EarnInput) (*EarnResult, error) {
	if in.Points <= 0 {
		return nil, fmt.Errorf("%w: points %d", generic.ErrInvalidQuantity, in.Points)
	}
	if err := generic.Validate(in); err != nil {
		return nil, err
	}

	entry, created, err := generic.FindOrCreate(ctx, l.store,
		func(ctx context.Context) (*Entry, error) {
			return l.store.FindEarn(ctx, in.ActorID, in.RefType, in.RefID, in.Reason)
		},
		func(ctx context.Context) (*Entry, error) {
			e := Entry{
				ID:        l.newID(),
				ActorID:   in.ActorID,
				Points:    in.Points,
				Reason:    in.Reason,
				RefType:   in.RefType,
				RefID:     in.RefID,
				Kind:      KindEarn,
				Meta:      in.Meta,
				CreatedAt: l.clock.Now().UTC(),
			}
			if err := l.store.AppendIncentive(ctx, e); err != nil {
				return nil, err
			}
			return &e, nil
		},
	)
	if err != nil {
		return nil, err
	}

	log := l.log.WithFields(logrus.Fields{
		"actor":  in.ActorID,
		"reason": in.Reason,
		"ref":    in.RefType + ":" + in.RefID,
	})
	if !created {
		log.Info("incentive already earned, skipped")
		return &EarnResult{Entry: entry, Skipped: true}, nil
	}
	log.WithField("points", entry.Points).Info("incentive earned")
	return &EarnResult{Entry: entry}, nil
}

// Balance is the sum of the actor's points.
func (l *Ledger) Balance(ctx context.Context, actorID string) (int64, error) {
	return l.store.IncentiveBalance(ctx, actorID)
}

// Entries lists the actor's entries, newest first.
func (l *Ledger) Entries(ctx context.Context, actorID string) ([]Entry, error) {
	return l.store.IncentiveEntries(ctx, actorID)
}
