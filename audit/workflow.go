package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
)

// minRemarks is the shortest explanation accepted for a variance.
const minRemarks = 3

// Workflow drives audit documents through their states.
type Workflow struct {
	store      Store
	stock      *inventory.Service
	thresholds Thresholds
	clock      generic.Clock
	log        logrus.FieldLogger
	newID      func() string
}

type Option func(*Workflow)

func WithClock(c generic.Clock) Option        { return func(w *Workflow) { w.clock = c } }
func WithLogger(l logrus.FieldLogger) Option { return func(w *Workflow) { w.log = l } }

// NewWorkflow wires the audit store to the stock ledger. Both must share
// one transactional store so approval commits atomically.
func NewWorkflow(store Store, stock *inventory.Service, thresholds Thresholds, opts ...Option) *Workflow {
	w := &Workflow{
		store:      store,
		stock:      stock,
		thresholds: thresholds,
		log:        logrus.StandardLogger(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// =============================================================================
// ENSURE
// =============================================================================

// Ensure returns the audit for the entity and period, creating it with one
// line per stocked lot if none exists. created reports which happened.
func (w *Workflow) Ensure(ctx context.Context, in EnsureInput) (doc *Document, created bool, err error) {
	if err := generic.Validate(in); err != nil {
		return nil, false, err
	}
	if in.AuditDate.IsZero() {
		in.AuditDate = w.clock.Today()
	}
	if in.PeriodKey == "" {
		in.PeriodKey = in.AuditDate.MonthKey()
	}

	a, created, err := generic.FindOrCreate(ctx, w.store,
		func(ctx context.Context) (*Audit, error) {
			return w.store.FindAuditForPeriod(ctx, in.Entity, in.PeriodKey)
		},
		func(ctx context.Context) (*Audit, error) {
			return w.create(ctx, in)
		},
	)
	if err != nil {
		return nil, false, err
	}
	if created {
		w.log.WithFields(logrus.Fields{
			"audit_id": a.ID,
			"entity":   in.Entity.String(),
			"period":   in.PeriodKey,
		}).Info("audit created")
	}
	doc, err = w.Get(ctx, a.ID)
	return doc, created, err
}

func (w *Workflow) create(ctx context.Context, in EnsureInput) (*Audit, error) {
	now := w.clock.Now().UTC()
	a := Audit{
		ID:                w.newID(),
		Entity:            in.Entity,
		PeriodKey:         in.PeriodKey,
		AuditDate:         in.AuditDate,
		Status:            StatusDraft,
		QuantityThreshold: w.thresholds.Quantity,
		PercentThreshold:  w.thresholds.Percent,
		CreatedBy:         in.Actor.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := w.store.CreateAudit(ctx, a); err != nil {
		return nil, err
	}

	batches, err := w.stock.OnHand(ctx, in.Entity)
	if err != nil {
		return nil, err
	}
	lines := make([]Line, 0, len(batches))
	for _, b := range batches {
		l := Line{
			ID:          w.newID(),
			AuditID:     a.ID,
			ProductID:   b.ProductID,
			ProductName: b.ProductName,
			BatchCode:   b.BatchCode,
			BatchID:     b.ID,
			SystemQty:   b.QuantityOnHand,
			UpdatedAt:   now,
		}
		if err := w.store.InsertAuditLine(ctx, l); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	tally(&a, lines)
	if err := w.store.UpdateAudit(ctx, a); err != nil {
		return nil, err
	}
	return &a, nil
}

// =============================================================================
// COUNTS
// =============================================================================

// RecordCounts applies physical counts to lines. If any counted line has a
// variance without a reason and remarks, nothing is written.
func (w *Workflow) RecordCounts(ctx context.Context, in RecordInput) (*Document, error) {
	for _, c := range in.Counts {
		if c.PhysicalQty < 0 {
			return nil, fmt.Errorf("%w: line %s physical quantity %d", generic.ErrInvalidQuantity, c.LineID, c.PhysicalQty)
		}
	}
	if err := generic.Validate(in); err != nil {
		return nil, err
	}

	err := w.store.InTx(ctx, func(ctx context.Context) error {
		a, err := w.writable(ctx, in.AuditID)
		if err != nil {
			return err
		}
		lines, err := w.store.AuditLines(ctx, a.ID)
		if err != nil {
			return err
		}
		index := make(map[string]int, len(lines))
		for i, l := range lines {
			index[l.ID] = i
		}

		th := Thresholds{Quantity: a.QuantityThreshold, Percent: a.PercentThreshold}
		seen := make(map[int]bool, len(in.Counts))
		var touched []int
		for _, c := range in.Counts {
			i, ok := index[c.LineID]
			if !ok {
				return fmt.Errorf("%w: line %s in audit %s", generic.ErrNotFound, c.LineID, a.ID)
			}
			applyCount(&lines[i], c, th)
			if !seen[i] {
				seen[i] = true
				touched = append(touched, i)
			}
		}
		var unexplained []string
		for _, i := range touched {
			if !explained(lines[i]) {
				unexplained = append(unexplained, lines[i].ID)
			}
		}
		if len(unexplained) > 0 {
			return &generic.LineError{Kind: generic.ErrMismatchReasonRequired, AuditID: a.ID, LineIDs: unexplained}
		}

		now := w.clock.Now().UTC()
		for _, i := range touched {
			lines[i].UpdatedAt = now
			if err := w.store.UpdateAuditLine(ctx, lines[i]); err != nil {
				return err
			}
		}
		tally(a, lines)
		a.Status = StatusInProgress
		a.UpdatedAt = now
		return w.store.UpdateAudit(ctx, *a)
	})
	if err != nil {
		w.rejected("record counts", in.AuditID, err)
		return nil, err
	}
	return w.Get(ctx, in.AuditID)
}

// AddLine counts stock the creation snapshot did not list.
func (w *Workflow) AddLine(ctx context.Context, in AddLineInput) (*Line, error) {
	if err := generic.Validate(in); err != nil {
		return nil, err
	}
	if in.SystemQty != nil && *in.SystemQty < 0 {
		return nil, fmt.Errorf("%w: system quantity %d", generic.ErrInvalidQuantity, *in.SystemQty)
	}

	var line Line
	err := w.store.InTx(ctx, func(ctx context.Context) error {
		a, err := w.writable(ctx, in.AuditID)
		if err != nil {
			return err
		}
		lines, err := w.store.AuditLines(ctx, a.ID)
		if err != nil {
			return err
		}

		now := w.clock.Now().UTC()
		line = Line{
			ID:          w.newID(),
			AuditID:     a.ID,
			ProductID:   in.ProductID,
			ProductName: in.ProductName,
			BatchCode:   in.BatchCode,
			UpdatedAt:   now,
		}
		b, err := w.stock.ResolveBatch(ctx, a.Entity, in.ProductID, in.BatchCode)
		switch {
		case err == nil:
			line.BatchID = b.ID
			line.SystemQty = b.QuantityOnHand
			if line.ProductName == "" {
				line.ProductName = b.ProductName
			}
		case !generic.IsNotFound(err):
			return err
		}
		for _, existing := range lines {
			if existing.ProductID == line.ProductID && existing.BatchCode == line.BatchCode {
				return fmt.Errorf("%w: %s batch %q already counted on line %s",
					generic.ErrInvalidInput, line.ProductID, line.BatchCode, existing.ID)
			}
		}
		if in.SystemQty != nil {
			line.SystemQty = *in.SystemQty
		}
		if in.Count != nil {
			applyCount(&line, *in.Count, Thresholds{Quantity: a.QuantityThreshold, Percent: a.PercentThreshold})
			if !explained(line) {
				return &generic.LineError{
					Kind:      generic.ErrMismatchReasonRequired,
					AuditID:   a.ID,
					ProductID: line.ProductID,
					BatchCode: line.BatchCode,
				}
			}
		}
		if err := w.store.InsertAuditLine(ctx, line); err != nil {
			return err
		}
		tally(a, append(lines, line))
		a.Status = StatusInProgress
		a.UpdatedAt = now
		return w.store.UpdateAudit(ctx, *a)
	})
	if err != nil {
		w.rejected("add line", in.AuditID, err)
		return nil, err
	}
	return &line, nil
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit moves a fully counted, fully explained audit to SUBMITTED.
func (w *Workflow) Submit(ctx context.Context, actor generic.Actor, auditID string) (*Document, error) {
	if err := generic.Validate(actor); err != nil {
		return nil, err
	}
	err := w.store.InTx(ctx, func(ctx context.Context) error {
		a, err := w.writable(ctx, auditID)
		if err != nil {
			return err
		}
		if a.Status != StatusInProgress {
			return fmt.Errorf("%w: cannot submit audit %s from %s", generic.ErrInvalidTransition, a.ID, a.Status)
		}
		lines, err := w.store.AuditLines(ctx, a.ID)
		if err != nil {
			return err
		}

		var uncounted, unexplained []string
		for _, l := range lines {
			if l.PhysicalQty == nil {
				uncounted = append(uncounted, l.ID)
			} else if !explained(l) {
				unexplained = append(unexplained, l.ID)
			}
		}
		if len(uncounted) > 0 {
			return &generic.LineError{Kind: generic.ErrIncompletePhysicalCount, AuditID: a.ID, LineIDs: uncounted}
		}
		if len(unexplained) > 0 {
			return &generic.LineError{Kind: generic.ErrMismatchReasonRequired, AuditID: a.ID, LineIDs: unexplained}
		}

		now := w.clock.Now().UTC()
		a.Status = StatusSubmitted
		a.SubmittedBy = actor.ID
		a.SubmittedAt = &now
		a.UpdatedAt = now
		return w.store.UpdateAudit(ctx, *a)
	})
	if err != nil {
		w.rejected("submit", auditID, err)
		return nil, err
	}
	w.log.WithFields(logrus.Fields{"audit_id": auditID, "actor": actor.ID}).Info("audit submitted")
	return w.Get(ctx, auditID)
}

// =============================================================================
// APPROVE
// =============================================================================

// Approve writes every variance into the stock ledger and closes the audit.
// Either all corrections land and the audit is APPROVED, or nothing changes
// and it stays SUBMITTED.
func (w *Workflow) Approve(ctx context.Context, actor generic.Actor, auditID string) (*Document, error) {
	if err := generic.Validate(actor); err != nil {
		return nil, err
	}
	var corrections int
	err := w.store.InTx(ctx, func(ctx context.Context) error {
		a, err := w.writable(ctx, auditID)
		if err != nil {
			return err
		}
		if a.Status != StatusSubmitted {
			return fmt.Errorf("%w: cannot approve audit %s from %s", generic.ErrInvalidTransition, a.ID, a.Status)
		}
		lines, err := w.store.AuditLines(ctx, a.ID)
		if err != nil {
			return err
		}

		for _, l := range lines {
			if l.DiffQty == 0 {
				continue
			}
			if err := w.correct(ctx, actor, a, l); err != nil {
				return fmt.Errorf("audit %s line %s: %w", a.ID, l.ID, err)
			}
			corrections++
		}

		now := w.clock.Now().UTC()
		a.Status = StatusApproved
		a.ApprovedBy = actor.ID
		a.ApprovedAt = &now
		a.UpdatedAt = now
		return w.store.UpdateAudit(ctx, *a)
	})
	if err != nil {
		w.rejected("approve", auditID, err)
		return nil, err
	}
	w.log.WithFields(logrus.Fields{
		"audit_id":    auditID,
		"actor":       actor.ID,
		"corrections": corrections,
	}).Info("audit approved")
	return w.Get(ctx, auditID)
}

// correct applies one line's variance. The batch is the line's own lot, or
// the single lot matching (entity, product, batch code).
func (w *Workflow) correct(ctx context.Context, actor generic.Actor, a *Audit, l Line) error {
	batchID := l.BatchID
	if batchID == "" {
		b, err := w.stock.ResolveBatch(ctx, a.Entity, l.ProductID, l.BatchCode)
		switch {
		case err == nil:
			batchID = b.ID
		case !generic.IsNotFound(err):
			return err
		}
	}

	entry, err := w.stock.ApplyDelta(ctx, inventory.DeltaInput{
		Actor:       actor,
		Entity:      a.Entity,
		ProductID:   l.ProductID,
		ProductName: l.ProductName,
		BatchID:     batchID,
		BatchCode:   l.BatchCode,
		Delta:       l.DiffQty,
		Kind:        inventory.KindAuditCorrection,
		RefType:     inventory.RefAudit,
		RefID:       a.ID,
		Reason:      l.Reason,
	})
	if err != nil {
		return err
	}
	if batchID == "" {
		// A lot opened for found stock; keep the line pointing at it.
		l.BatchID = entry.Allocations[0].BatchID
		return w.store.UpdateAuditLine(ctx, l)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Get returns the audit header with its lines.
func (w *Workflow) Get(ctx context.Context, id string) (*Document, error) {
	a, err := w.store.GetAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := w.store.AuditLines(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Document{Audit: *a, Lines: lines}, nil
}

func (w *Workflow) List(ctx context.Context, filter Filter) ([]Audit, error) {
	return w.store.ListAudits(ctx, filter)
}

// =============================================================================
// HELPERS
// =============================================================================

// writable loads an audit that may still change.
func (w *Workflow) writable(ctx context.Context, id string) (*Audit, error) {
	a, err := w.store.GetAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusApproved {
		return nil, fmt.Errorf("%w: %s", generic.ErrAuditImmutable, a.ID)
	}
	return a, nil
}

func (w *Workflow) rejected(op, auditID string, err error) {
	entry := w.log.WithFields(logrus.Fields{
		"audit_id": auditID,
		"op":       op,
		"code":     generic.Code(err),
	})
	if generic.IsClientError(err) || errors.Is(err, generic.ErrNotFound) {
		entry.Info("audit operation rejected")
		return
	}
	entry.WithError(err).Error("audit operation failed")
}

func applyCount(l *Line, c Count, th Thresholds) {
	physical := c.PhysicalQty
	l.PhysicalQty = &physical
	l.DiffQty = physical - l.SystemQty
	l.MismatchType = classify(l.DiffQty)
	l.NeedsInvestigation = needsInvestigation(l.DiffQty, l.SystemQty, th)
	l.Reason = strings.TrimSpace(c.Reason)
	l.RootCause = strings.TrimSpace(c.RootCause)
	l.Remarks = strings.TrimSpace(c.Remarks)
}

func classify(diff int64) MismatchType {
	switch {
	case diff < 0:
		return MismatchShort
	case diff > 0:
		return MismatchExcess
	}
	return MismatchMatch
}

func needsInvestigation(diff, system int64, th Thresholds) bool {
	ad := diff
	if ad < 0 {
		ad = -ad
	}
	if ad >= th.Quantity {
		return true
	}
	var pct float64
	switch {
	case system > 0:
		pct = float64(ad) / float64(system) * 100
	case ad > 0:
		pct = 100
	}
	return pct >= th.Percent
}

// explained reports whether a line may pass the reason gate.
func explained(l Line) bool {
	if l.DiffQty == 0 {
		return true
	}
	return strings.TrimSpace(l.Reason) != "" &&
		utf8.RuneCountInString(strings.TrimSpace(l.Remarks)) >= minRemarks
}

// tally recomputes header totals. Uncounted lines contribute 0 physical.
func tally(a *Audit, lines []Line) {
	a.TotalSystemQty, a.TotalPhysicalQty, a.TotalVarianceQty = 0, 0, 0
	for _, l := range lines {
		a.TotalSystemQty += l.SystemQty
		if l.PhysicalQty != nil {
			a.TotalPhysicalQty += *l.PhysicalQty
		}
		a.TotalVarianceQty += l.DiffQty
	}
}
