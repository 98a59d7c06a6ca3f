/*
Package audit implements the periodic physical stock audit.

PURPOSE:
  Once a month (or on demand) each stock-holding entity counts what is on
  the shelf. The audit document snapshots the system quantity of every lot
  at creation, collects the physical counts, classifies each variance and
  gates approval on explanations. Approval writes the variances back into
  the stock ledger as AUDIT_CORRECTION entries in one unit of work.

STATE MACHINE:
  DRAFT ──counts──▶ IN_PROGRESS ──submit──▶ SUBMITTED ──approve──▶ APPROVED
                        ▲                       │
                        └──────counts───────────┘

  APPROVED is terminal: the header and its lines reject every write.
  Recording counts on a SUBMITTED audit sends it back to IN_PROGRESS so a
  failed approval can be corrected and resubmitted.

VARIANCE RULES:
  diff      = physical - system
  mismatch  = MATCH (0), SHORT (<0), EXCESS (>0)
  investigate when |diff| >= quantity threshold
            or  percent(|diff|, system) >= percent threshold
  where percent is |diff|/system*100, or 100 when system is 0 and diff is not.

SEE ALSO:
  - workflow.go:  Ensure, RecordCounts, AddLine, Submit, Approve
  - inventory/:   the ledger the approval writes through
*/
package audit

import (
	"context"
	"time"

	"github.com/warp/stock-ledger/generic"
)

// Status of an audit document.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSubmitted  Status = "SUBMITTED"
	StatusApproved   Status = "APPROVED"
)

// MismatchType classifies a line's variance.
type MismatchType string

const (
	MismatchMatch  MismatchType = "MATCH"
	MismatchShort  MismatchType = "SHORT"
	MismatchExcess MismatchType = "EXCESS"
)

// Thresholds decide when a variance needs investigation.
type Thresholds struct {
	Quantity int64
	Percent  float64
}

// Audit is the header of one audit document.
type Audit struct {
	ID                string            `json:"id"`
	Entity            generic.EntityRef `json:"entity"`
	PeriodKey         string            `json:"period_key"`
	AuditDate         generic.Day       `json:"audit_date"`
	Status            Status            `json:"status"`
	TotalSystemQty    int64             `json:"total_system_qty"`
	TotalPhysicalQty  int64             `json:"total_physical_qty"`
	TotalVarianceQty  int64             `json:"total_variance_qty"`
	QuantityThreshold int64             `json:"quantity_threshold"`
	PercentThreshold  float64           `json:"percent_threshold"`
	CreatedBy         string            `json:"created_by"`
	SubmittedBy       string            `json:"submitted_by,omitempty"`
	SubmittedAt       *time.Time        `json:"submitted_at,omitempty"`
	ApprovedBy        string            `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time        `json:"approved_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Line is one counted product batch.
type Line struct {
	ID                 string       `json:"id"`
	AuditID            string       `json:"audit_id"`
	ProductID          string       `json:"product_id"`
	ProductName        string       `json:"product_name"`
	BatchCode          string       `json:"batch_code,omitempty"`
	BatchID            string       `json:"batch_id,omitempty"`
	SystemQty          int64        `json:"system_qty"`
	PhysicalQty        *int64       `json:"physical_qty"`
	DiffQty            int64        `json:"diff_qty"`
	MismatchType       MismatchType `json:"mismatch_type"`
	NeedsInvestigation bool         `json:"needs_investigation"`
	Reason             string       `json:"reason,omitempty"`
	RootCause          string       `json:"root_cause,omitempty"`
	Remarks            string       `json:"remarks,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Document is a header with its lines.
type Document struct {
	Audit
	Lines []Line `json:"lines"`
}

// Investigations returns the lines the approver must look at.
func (d Document) Investigations() []Line {
	var out []Line
	for _, l := range d.Lines {
		if l.NeedsInvestigation {
			out = append(out, l)
		}
	}
	return out
}

// Filter narrows an audit listing.
type Filter struct {
	Entity generic.EntityRef
	Status Status
	Limit  int
}

// =============================================================================
// INPUTS
// =============================================================================

// EnsureInput names the audit period. PeriodKey defaults to the month of
// AuditDate; AuditDate defaults to today.
type EnsureInput struct {
	Actor     generic.Actor     `validate:"required"`
	Entity    generic.EntityRef `validate:"required"`
	PeriodKey string
	AuditDate generic.Day
}

// Count is the physical count for one line.
type Count struct {
	LineID      string `json:"line_id"`
	PhysicalQty int64  `json:"physical_qty" validate:"gte=0"`
	Reason      string `json:"reason"`
	RootCause   string `json:"root_cause"`
	Remarks     string `json:"remarks"`
}

type RecordInput struct {
	Actor   generic.Actor `validate:"required"`
	AuditID string        `validate:"required"`
	Counts  []Count       `validate:"required,min=1,dive"`
}

// AddLineInput adds a line for stock not in the creation snapshot. With
// SystemQty nil the system quantity is the resolved batch's on-hand, or 0.
type AddLineInput struct {
	Actor       generic.Actor `validate:"required"`
	AuditID     string        `validate:"required"`
	ProductID   string        `validate:"required"`
	ProductName string
	BatchCode   string
	SystemQty   *int64
	Count       *Count
}

// =============================================================================
// STORE
// =============================================================================

// Store persists audit headers and lines.
type Store interface {
	generic.Transactor

	// FindAuditForPeriod returns ErrNotFound when no audit exists.
	FindAuditForPeriod(ctx context.Context, entity generic.EntityRef, periodKey string) (*Audit, error)
	GetAudit(ctx context.Context, id string) (*Audit, error)
	// CreateAudit returns ErrDuplicateKey for a second audit of the same period.
	CreateAudit(ctx context.Context, a Audit) error
	UpdateAudit(ctx context.Context, a Audit) error
	ListAudits(ctx context.Context, filter Filter) ([]Audit, error)

	AuditLines(ctx context.Context, auditID string) ([]Line, error)
	InsertAuditLine(ctx context.Context, l Line) error
	UpdateAuditLine(ctx context.Context, l Line) error
}
