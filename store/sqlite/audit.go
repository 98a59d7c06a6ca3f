package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/stock-ledger/audit"
	"github.com/warp/stock-ledger/generic"
)

var _ audit.Store = (*Store)(nil)

// =============================================================================
// AUDIT HEADERS
// =============================================================================

const auditColumns = `id, entity_type, entity_id, period_key, audit_date, status,
	total_system_qty, total_physical_qty, total_variance_qty,
	quantity_threshold, percent_threshold, created_by,
	submitted_by, submitted_at, approved_by, approved_at, created_at, updated_at`

func (s *Store) FindAuditForPeriod(ctx context.Context, entity generic.EntityRef, periodKey string) (*audit.Audit, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM stock_audits WHERE entity_type = ? AND entity_id = ? AND period_key = ?`,
		entity.Type, entity.ID, periodKey,
	)
	a, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: audit %s for %s", generic.ErrNotFound, periodKey, entity)
	}
	return a, err
}

func (s *Store) GetAudit(ctx context.Context, id string) (*audit.Audit, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+auditColumns+` FROM stock_audits WHERE id = ?`, id)
	a, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: audit %s", generic.ErrNotFound, id)
	}
	return a, err
}

func (s *Store) CreateAudit(ctx context.Context, a audit.Audit) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO stock_audits (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Entity.Type, a.Entity.ID, a.PeriodKey, a.AuditDate.String(), a.Status,
		a.TotalSystemQty, a.TotalPhysicalQty, a.TotalVarianceQty,
		a.QuantityThreshold, a.PercentThreshold, a.CreatedBy,
		nullString(a.SubmittedBy), formatTimePtr(a.SubmittedAt),
		nullString(a.ApprovedBy), formatTimePtr(a.ApprovedAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: audit %s for %s", generic.ErrDuplicateKey, a.PeriodKey, a.Entity)
	}
	if err != nil {
		return fmt.Errorf("failed to create audit: %w", err)
	}
	return nil
}

// UpdateAudit rewrites the mutable header fields. The frozen trigger turns
// any write to an approved audit into ErrAuditImmutable.
func (s *Store) UpdateAudit(ctx context.Context, a audit.Audit) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE stock_audits SET
			status = ?, total_system_qty = ?, total_physical_qty = ?, total_variance_qty = ?,
			submitted_by = ?, submitted_at = ?, approved_by = ?, approved_at = ?, updated_at = ?
		WHERE id = ?
	`, a.Status, a.TotalSystemQty, a.TotalPhysicalQty, a.TotalVarianceQty,
		nullString(a.SubmittedBy), formatTimePtr(a.SubmittedAt),
		nullString(a.ApprovedBy), formatTimePtr(a.ApprovedAt),
		formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return auditWriteError(err, "failed to update audit")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: audit %s", generic.ErrNotFound, a.ID)
	}
	return nil
}

func (s *Store) ListAudits(ctx context.Context, filter audit.Filter) ([]audit.Audit, error) {
	var (
		where []string
		args  []any
	)
	if !filter.Entity.IsZero() {
		where = append(where, "entity_type = ? AND entity_id = ?")
		args = append(args, filter.Entity.Type, filter.Entity.ID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + auditColumns + ` FROM stock_audits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY period_key DESC, created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audits: %w", err)
	}
	defer rows.Close()

	var audits []audit.Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		audits = append(audits, *a)
	}
	return audits, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudit(row scanner) (*audit.Audit, error) {
	var (
		a                       audit.Audit
		entityType, auditDate   string
		submittedBy, approvedBy sql.NullString
		submittedAt, approvedAt sql.NullString
		createdAt, updatedAt    string
	)
	err := row.Scan(&a.ID, &entityType, &a.Entity.ID, &a.PeriodKey, &auditDate, &a.Status,
		&a.TotalSystemQty, &a.TotalPhysicalQty, &a.TotalVarianceQty,
		&a.QuantityThreshold, &a.PercentThreshold, &a.CreatedBy,
		&submittedBy, &submittedAt, &approvedBy, &approvedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Entity.Type = generic.EntityType(entityType)
	if d, err := generic.ParseDay(auditDate); err == nil {
		a.AuditDate = d
	}
	a.SubmittedBy = submittedBy.String
	a.SubmittedAt = parseTimePtr(submittedAt)
	a.ApprovedBy = approvedBy.String
	a.ApprovedAt = parseTimePtr(approvedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// =============================================================================
// AUDIT LINES
// =============================================================================

const lineColumns = `id, audit_id, product_id, product_name, batch_code, batch_id,
	system_qty, physical_qty, diff_qty, mismatch_type, needs_investigation,
	reason, root_cause, remarks, updated_at`

// AuditLines returns lines in insertion order.
func (s *Store) AuditLines(ctx context.Context, auditID string) ([]audit.Line, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+lineColumns+` FROM stock_audit_lines WHERE audit_id = ? ORDER BY rowid ASC`, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit lines: %w", err)
	}
	defer rows.Close()

	var lines []audit.Line
	for rows.Next() {
		var (
			l         audit.Line
			batchID   sql.NullString
			physical  sql.NullInt64
			mismatch  string
			flagged   int
			updatedAt string
		)
		if err := rows.Scan(&l.ID, &l.AuditID, &l.ProductID, &l.ProductName, &l.BatchCode, &batchID,
			&l.SystemQty, &physical, &l.DiffQty, &mismatch, &flagged,
			&l.Reason, &l.RootCause, &l.Remarks, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit line: %w", err)
		}
		l.BatchID = batchID.String
		if physical.Valid {
			v := physical.Int64
			l.PhysicalQty = &v
		}
		l.MismatchType = audit.MismatchType(mismatch)
		l.NeedsInvestigation = flagged != 0
		l.UpdatedAt = parseTime(updatedAt)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (s *Store) InsertAuditLine(ctx context.Context, l audit.Line) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO stock_audit_lines (`+lineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.AuditID, l.ProductID, l.ProductName, l.BatchCode, nullString(l.BatchID),
		l.SystemQty, nullInt64(l.PhysicalQty), l.DiffQty, string(l.MismatchType), boolInt(l.NeedsInvestigation),
		l.Reason, l.RootCause, l.Remarks, formatTime(l.UpdatedAt),
	)
	if err != nil {
		return auditWriteError(err, "failed to insert audit line")
	}
	return nil
}

func (s *Store) UpdateAuditLine(ctx context.Context, l audit.Line) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE stock_audit_lines SET
			batch_id = ?, system_qty = ?, physical_qty = ?, diff_qty = ?, mismatch_type = ?,
			needs_investigation = ?, reason = ?, root_cause = ?, remarks = ?, updated_at = ?
		WHERE id = ?
	`, nullString(l.BatchID), l.SystemQty, nullInt64(l.PhysicalQty), l.DiffQty, string(l.MismatchType),
		boolInt(l.NeedsInvestigation), l.Reason, l.RootCause, l.Remarks, formatTime(l.UpdatedAt), l.ID,
	)
	if err != nil {
		return auditWriteError(err, "failed to update audit line")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: audit line %s", generic.ErrNotFound, l.ID)
	}
	return nil
}

func auditWriteError(err error, msg string) error {
	if isFrozenAuditError(err) {
		return fmt.Errorf("%w: %v", generic.ErrAuditImmutable, err)
	}
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", generic.ErrDuplicateKey, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
