package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/stock-ledger/audit"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/store/sqlite"
)

var (
	counter  = generic.Actor{ID: "fo-1", Role: generic.RoleFieldOfficer}
	approver = generic.Actor{ID: "sm-1", Role: generic.RoleSalesManager}
	depot    = generic.Distributor("D1")
	now      = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	stock    *inventory.Service
	workflow *audit.Workflow
	store    *sqlite.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger, _ := test.NewNullLogger()
	clock := generic.FixedClock(now)
	stock := inventory.NewService(store, inventory.WithClock(clock), inventory.WithLogger(logger))
	wf := audit.NewWorkflow(store, stock, audit.Thresholds{Quantity: 10, Percent: 10},
		audit.WithClock(clock), audit.WithLogger(logger))
	return &fixture{stock: stock, workflow: wf, store: store}
}

func (f *fixture) receive(t *testing.T, product, code string, qty int64) string {
	t.Helper()
	e, err := f.stock.Receive(context.Background(), inventory.ReceiveInput{
		Actor: counter, Entity: depot, ProductID: product, BatchCode: code, Quantity: qty,
	})
	require.NoError(t, err)
	return e.Allocations[0].BatchID
}

func (f *fixture) ensure(t *testing.T) *audit.Document {
	t.Helper()
	doc, _, err := f.workflow.Ensure(context.Background(), audit.EnsureInput{Actor: counter, Entity: depot})
	require.NoError(t, err)
	return doc
}

func (f *fixture) onHand(t *testing.T, batchID string) int64 {
	t.Helper()
	b, err := f.stock.Batch(context.Background(), batchID)
	require.NoError(t, err)
	return b.QuantityOnHand
}

func lineFor(t *testing.T, doc *audit.Document, product string) audit.Line {
	t.Helper()
	for _, l := range doc.Lines {
		if l.ProductID == product {
			return l
		}
	}
	t.Fatalf("no line for %s", product)
	return audit.Line{}
}

func (f *fixture) record(doc *audit.Document, counts ...audit.Count) (*audit.Document, error) {
	return f.workflow.RecordCounts(context.Background(), audit.RecordInput{
		Actor: counter, AuditID: doc.ID, Counts: counts,
	})
}

// =============================================================================
// ENSURE
// =============================================================================

func TestEnsure_OnePerEntityAndPeriod(t *testing.T) {
	// GIVEN: Two lots on hand
	f := newFixture(t)
	f.receive(t, "P1", "A", 100)
	f.receive(t, "P2", "B", 40)

	// WHEN: Ensuring the audit twice
	first, created, err := f.workflow.Ensure(context.Background(), audit.EnsureInput{Actor: counter, Entity: depot})
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := f.workflow.Ensure(context.Background(), audit.EnsureInput{Actor: counter, Entity: depot})
	require.NoError(t, err)

	// THEN: The same DRAFT document comes back with one line per lot
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "2026-03", first.PeriodKey)
	assert.Equal(t, audit.StatusDraft, first.Status)
	assert.Len(t, first.Lines, 2)
	assert.Equal(t, int64(140), first.TotalSystemQty)
	assert.Equal(t, int64(10), first.QuantityThreshold)

	audits, err := f.workflow.List(context.Background(), audit.Filter{Entity: depot})
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestEnsure_ExplicitPeriod(t *testing.T) {
	f := newFixture(t)

	doc, created, err := f.workflow.Ensure(context.Background(), audit.EnsureInput{
		Actor: counter, Entity: depot, PeriodKey: "2026-Q1", AuditDate: generic.NewDay(2026, 3, 31),
	})

	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "2026-Q1", doc.PeriodKey)
	assert.Equal(t, "2026-03-31", doc.AuditDate.String())
	assert.Empty(t, doc.Lines)
}

// =============================================================================
// FULL CYCLE
// =============================================================================

func TestAudit_ShortCountApprovedIntoLedger(t *testing.T) {
	// GIVEN: 100 on hand and an audit snapshot of it
	f := newFixture(t)
	batch := f.receive(t, "P1", "A", 100)
	doc := f.ensure(t)
	line := lineFor(t, doc, "P1")
	require.Equal(t, int64(100), line.SystemQty)

	// WHEN: 70 are counted without an explanation
	_, err := f.record(doc, audit.Count{LineID: line.ID, PhysicalQty: 70})

	// THEN: The count is refused and the line stays uncounted
	require.ErrorIs(t, err, generic.ErrMismatchReasonRequired)
	var lineErr *generic.LineError
	require.True(t, errors.As(err, &lineErr))
	assert.Equal(t, []string{line.ID}, lineErr.LineIDs)
	got, err := f.workflow.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Lines[0].PhysicalQty)

	// WHEN: Counted again with a reason and remarks
	doc, err = f.record(doc, audit.Count{LineID: line.ID, PhysicalQty: 70, Reason: "damage", Remarks: "water leak"})

	// THEN: The variance is classified and flagged
	require.NoError(t, err)
	assert.Equal(t, audit.StatusInProgress, doc.Status)
	line = doc.Lines[0]
	assert.Equal(t, int64(-30), line.DiffQty)
	assert.Equal(t, audit.MismatchShort, line.MismatchType)
	assert.True(t, line.NeedsInvestigation)
	assert.Equal(t, int64(-30), doc.TotalVarianceQty)
	assert.Len(t, doc.Investigations(), 1)

	// WHEN: Submitted and approved
	doc, err = f.workflow.Submit(context.Background(), counter, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSubmitted, doc.Status)
	assert.Equal(t, counter.ID, doc.SubmittedBy)

	doc, err = f.workflow.Approve(context.Background(), approver, doc.ID)

	// THEN: One -30 correction lands on the lot
	require.NoError(t, err)
	assert.Equal(t, audit.StatusApproved, doc.Status)
	assert.Equal(t, approver.ID, doc.ApprovedBy)
	assert.Equal(t, int64(70), f.onHand(t, batch))

	entries, err := f.stock.Entries(context.Background(), inventory.EntryFilter{Kind: inventory.KindAuditCorrection})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-30), entries[0].Delta)
	assert.Equal(t, inventory.RefAudit, entries[0].RefType)
	assert.Equal(t, doc.ID, entries[0].RefID)
	assert.Equal(t, "damage", entries[0].Reason)
	assert.Equal(t, approver.ID, entries[0].ActorID)

	rec, err := f.stock.Verify(context.Background(), depot, "P1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestAudit_MatchingCountNeedsNoReason(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "P1", "A", 50)
	doc := f.ensure(t)

	doc, err := f.record(doc, audit.Count{LineID: doc.Lines[0].ID, PhysicalQty: 50})

	require.NoError(t, err)
	assert.Equal(t, audit.MismatchMatch, doc.Lines[0].MismatchType)
	assert.False(t, doc.Lines[0].NeedsInvestigation)
}

func TestAudit_RemarksTooShort(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "P1", "A", 50)
	doc := f.ensure(t)

	_, err := f.record(doc, audit.Count{LineID: doc.Lines[0].ID, PhysicalQty: 49, Reason: "count", Remarks: " ok "})

	assert.ErrorIs(t, err, generic.ErrMismatchReasonRequired)
}

func TestAudit_SmallVarianceNotFlagged(t *testing.T) {
	// GIVEN: 200 on hand, thresholds 10 pieces or 10%
	f := newFixture(t)
	f.receive(t, "P1", "A", 200)
	doc := f.ensure(t)

	// WHEN: Counting 195
	doc, err := f.record(doc, audit.Count{LineID: doc.Lines[0].ID, PhysicalQty: 195, Reason: "count", Remarks: "miscount"})

	// THEN: 5 pieces and 2.5% are under both thresholds
	require.NoError(t, err)
	assert.False(t, doc.Lines[0].NeedsInvestigation)
}

// =============================================================================
// SUBMIT GATES
// =============================================================================

func TestSubmit_RequiresEveryLineCounted(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "P1", "A", 10)
	f.receive(t, "P2", "B", 10)
	doc := f.ensure(t)
	p1 := lineFor(t, doc, "P1")
	p2 := lineFor(t, doc, "P2")
	_, err := f.record(doc, audit.Count{LineID: p1.ID, PhysicalQty: 10})
	require.NoError(t, err)

	_, err = f.workflow.Submit(context.Background(), counter, doc.ID)

	require.ErrorIs(t, err, generic.ErrIncompletePhysicalCount)
	var lineErr *generic.LineError
	require.True(t, errors.As(err, &lineErr))
	assert.Equal(t, []string{p2.ID}, lineErr.LineIDs)
}

func TestSubmit_FromDraftIsInvalid(t *testing.T) {
	f := newFixture(t)
	doc := f.ensure(t)

	_, err := f.workflow.Submit(context.Background(), counter, doc.ID)

	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

func TestApprove_RequiresSubmitted(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "P1", "A", 10)
	doc := f.ensure(t)
	_, err := f.record(doc, audit.Count{LineID: doc.Lines[0].ID, PhysicalQty: 10})
	require.NoError(t, err)

	_, err = f.workflow.Approve(context.Background(), approver, doc.ID)

	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

// =============================================================================
// APPROVAL ATOMICITY
// =============================================================================

func TestApprove_NegativeCorrectionRollsBackWholeAudit(t *testing.T) {
	// GIVEN: Two lots audited and submitted: P1 found +5, P2 short -8
	f := newFixture(t)
	p1Batch := f.receive(t, "P1", "A", 20)
	p2Batch := f.receive(t, "P2", "B", 10)
	doc := f.ensure(t)
	_, err := f.record(doc,
		audit.Count{LineID: lineFor(t, doc, "P1").ID, PhysicalQty: 25, Reason: "found", Remarks: "back shelf"},
		audit.Count{LineID: lineFor(t, doc, "P2").ID, PhysicalQty: 2, Reason: "theft", Remarks: "reported"},
	)
	require.NoError(t, err)
	_, err = f.workflow.Submit(context.Background(), counter, doc.ID)
	require.NoError(t, err)

	// AND: P2 is dispatched down to 5 before approval
	_, err = f.stock.Allocate(context.Background(), inventory.AllocateInput{
		Actor: counter, Entity: depot, ProductID: "P2", Quantity: 5, RefType: inventory.RefOrder, RefID: "ORD-1",
	})
	require.NoError(t, err)

	// WHEN: Approving
	_, err = f.workflow.Approve(context.Background(), approver, doc.ID)

	// THEN: The -8 would go negative, so neither correction lands
	require.ErrorIs(t, err, generic.ErrNegativeStockBlocked)
	assert.Equal(t, int64(20), f.onHand(t, p1Batch))
	assert.Equal(t, int64(5), f.onHand(t, p2Batch))

	got, err := f.workflow.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSubmitted, got.Status)
	assert.Empty(t, got.ApprovedBy)

	entries, err := f.stock.Entries(context.Background(), inventory.EntryFilter{Kind: inventory.KindAuditCorrection})
	require.NoError(t, err)
	assert.Empty(t, entries)

	// WHEN: The count is corrected, resubmitted and approved
	doc, err = f.record(got, audit.Count{LineID: lineFor(t, got, "P2").ID, PhysicalQty: 2, Reason: "theft", Remarks: "recount"})
	require.NoError(t, err)
	assert.Equal(t, audit.StatusInProgress, doc.Status)
}

func TestApprove_ExcessWithoutBatchOpensLot(t *testing.T) {
	// GIVEN: An added line for a lot the system never saw
	f := newFixture(t)
	doc := f.ensure(t)
	line, err := f.workflow.AddLine(context.Background(), audit.AddLineInput{
		Actor: counter, AuditID: doc.ID, ProductID: "P9", BatchCode: "FOUND-1",
		Count: &audit.Count{PhysicalQty: 6, Reason: "found", Remarks: "unlabelled carton"},
	})
	require.NoError(t, err)
	assert.Empty(t, line.BatchID)
	assert.Equal(t, audit.MismatchExcess, line.MismatchType)

	_, err = f.workflow.Submit(context.Background(), counter, doc.ID)
	require.NoError(t, err)

	// WHEN: Approved
	doc, err = f.workflow.Approve(context.Background(), approver, doc.ID)

	// THEN: A new lot holds the found stock and the line points at it
	require.NoError(t, err)
	require.Len(t, doc.Lines, 1)
	require.NotEmpty(t, doc.Lines[0].BatchID)
	assert.Equal(t, int64(6), f.onHand(t, doc.Lines[0].BatchID))

	b, err := f.stock.ResolveBatch(context.Background(), depot, "P9", "FOUND-1")
	require.NoError(t, err)
	assert.Equal(t, doc.Lines[0].BatchID, b.ID)
}

func TestApprove_ShortWithoutBatchIsRejected(t *testing.T) {
	f := newFixture(t)
	doc := f.ensure(t)
	system := int64(4)
	_, err := f.workflow.AddLine(context.Background(), audit.AddLineInput{
		Actor: counter, AuditID: doc.ID, ProductID: "P9", BatchCode: "GHOST", SystemQty: &system,
		Count: &audit.Count{PhysicalQty: 1, Reason: "lost", Remarks: "not on shelf"},
	})
	require.NoError(t, err)
	_, err = f.workflow.Submit(context.Background(), counter, doc.ID)
	require.NoError(t, err)

	_, err = f.workflow.Approve(context.Background(), approver, doc.ID)

	require.ErrorIs(t, err, generic.ErrMissingBatchForShort)
	got, err := f.workflow.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSubmitted, got.Status)
}

// =============================================================================
// IMMUTABILITY
// =============================================================================

func TestApproved_RejectsEveryWrite(t *testing.T) {
	// GIVEN: An approved audit
	f := newFixture(t)
	f.receive(t, "P1", "A", 10)
	doc := f.ensure(t)
	lineID := doc.Lines[0].ID
	_, err := f.record(doc, audit.Count{LineID: lineID, PhysicalQty: 10})
	require.NoError(t, err)
	_, err = f.workflow.Submit(context.Background(), counter, doc.ID)
	require.NoError(t, err)
	doc, err = f.workflow.Approve(context.Background(), approver, doc.ID)
	require.NoError(t, err)

	// WHEN / THEN: Counts, new lines and transitions are refused
	_, err = f.record(doc, audit.Count{LineID: lineID, PhysicalQty: 9, Reason: "x", Remarks: "late recount"})
	assert.ErrorIs(t, err, generic.ErrAuditImmutable)

	_, err = f.workflow.AddLine(context.Background(), audit.AddLineInput{Actor: counter, AuditID: doc.ID, ProductID: "P2"})
	assert.ErrorIs(t, err, generic.ErrAuditImmutable)

	_, err = f.workflow.Submit(context.Background(), counter, doc.ID)
	assert.ErrorIs(t, err, generic.ErrAuditImmutable)

	_, err = f.workflow.Approve(context.Background(), approver, doc.ID)
	assert.ErrorIs(t, err, generic.ErrAuditImmutable)

	// AND: The store refuses direct writes too
	line := doc.Lines[0]
	line.Remarks = "tampered"
	err = f.store.UpdateAuditLine(context.Background(), line)
	assert.ErrorIs(t, err, generic.ErrAuditImmutable)
}

// =============================================================================
// ADD LINE
// =============================================================================

func TestAddLine_UsesBatchOnHandAsSystemQty(t *testing.T) {
	f := newFixture(t)
	doc := f.ensure(t)
	batch := f.receive(t, "P3", "LATE", 12)

	line, err := f.workflow.AddLine(context.Background(), audit.AddLineInput{
		Actor: counter, AuditID: doc.ID, ProductID: "P3", BatchCode: "LATE",
	})

	require.NoError(t, err)
	assert.Equal(t, batch, line.BatchID)
	assert.Equal(t, int64(12), line.SystemQty)
	assert.Nil(t, line.PhysicalQty)
}

func TestAddLine_RejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "P1", "A", 10)
	doc := f.ensure(t)

	_, err := f.workflow.AddLine(context.Background(), audit.AddLineInput{
		Actor: counter, AuditID: doc.ID, ProductID: "P1", BatchCode: "A",
	})

	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}
