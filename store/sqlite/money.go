package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/money"
)

var _ money.Store = (*Store)(nil)

// Amounts are stored as decimal text so no float rounding ever touches money.

const retailerColumns = `id, retailer_id, distributor_id, entry_type, amount, mode, reference,
	narration, business_date, idempotency_key, actor_id, created_at`

func (s *Store) AppendRetailerEntry(ctx context.Context, e money.Entry) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO retailer_ledger (`+retailerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.RetailerID, e.DistributorID, e.Type, e.Amount.String(),
		nullString(string(e.Mode)), nullString(e.Reference), nullString(e.Narration),
		e.BusinessDate.String(), nullString(e.IdempotencyKey), e.ActorID, formatTime(e.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: retailer %s key %q", generic.ErrDuplicateKey, e.RetailerID, e.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to append retailer entry: %w", err)
	}
	return nil
}

func (s *Store) RetailerEntryByKey(ctx context.Context, retailerID, key string) (*money.Entry, error) {
	rows, err := s.queryRetailer(ctx,
		`SELECT `+retailerColumns+` FROM retailer_ledger WHERE retailer_id = ? AND idempotency_key = ?`,
		retailerID, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: retailer %s key %q", generic.ErrNotFound, retailerID, key)
	}
	return &rows[0], nil
}

func (s *Store) RetailerEntries(ctx context.Context, retailerID string, r *generic.DateRange) ([]money.Entry, error) {
	query := `SELECT ` + retailerColumns + ` FROM retailer_ledger WHERE retailer_id = ?`
	args := []any{retailerID}
	if r != nil {
		if !r.From.IsZero() {
			query += " AND business_date >= ?"
			args = append(args, r.From.String())
		}
		if !r.To.IsZero() {
			query += " AND business_date <= ?"
			args = append(args, r.To.String())
		}
	}
	query += " ORDER BY business_date ASC, rowid ASC"
	return s.queryRetailer(ctx, query, args...)
}

func (s *Store) queryRetailer(ctx context.Context, query string, args ...any) ([]money.Entry, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query retailer ledger: %w", err)
	}
	defer rows.Close()

	var entries []money.Entry
	for rows.Next() {
		var (
			e                               money.Entry
			entryType, amount, businessDate string
			mode, reference, narration, key sql.NullString
			createdAt                       string
		)
		if err := rows.Scan(&e.ID, &e.RetailerID, &e.DistributorID, &entryType, &amount,
			&mode, &reference, &narration, &businessDate, &key, &e.ActorID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan retailer entry: %w", err)
		}
		e.Type = money.EntryType(entryType)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount %q on entry %s: %w", amount, e.ID, err)
		}
		e.Mode = money.Mode(mode.String)
		e.Reference = reference.String
		e.Narration = narration.String
		e.IdempotencyKey = key.String
		if d, err := generic.ParseDay(businessDate); err == nil {
			e.BusinessDate = d
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
