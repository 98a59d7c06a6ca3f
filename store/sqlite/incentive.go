package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/incentive"
)

var _ incentive.Store = (*Store)(nil)

const incentiveColumns = `id, actor_id, points, reason, ref_type, ref_id, kind, meta_json, created_at`

func (s *Store) FindEarn(ctx context.Context, actorID, refType, refID, reason string) (*incentive.Entry, error) {
	entries, err := s.queryIncentives(ctx, `
		SELECT `+incentiveColumns+` FROM incentive_ledger
		WHERE actor_id = ? AND ref_type = ? AND ref_id = ? AND reason = ? AND kind = 'EARN'
	`, actorID, refType, refID, reason)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, generic.ErrNotFound
	}
	return &entries[0], nil
}

func (s *Store) AppendIncentive(ctx context.Context, e incentive.Entry) error {
	var meta sql.NullString
	if len(e.Meta) > 0 {
		raw, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode incentive meta: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO incentive_ledger (`+incentiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ActorID, e.Points, e.Reason, e.RefType, e.RefID, e.Kind, meta, formatTime(e.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s earned %s for %s:%s", generic.ErrDuplicateKey, e.ActorID, e.Reason, e.RefType, e.RefID)
	}
	if err != nil {
		return fmt.Errorf("failed to append incentive: %w", err)
	}
	return nil
}

func (s *Store) IncentiveEntries(ctx context.Context, actorID string) ([]incentive.Entry, error) {
	return s.queryIncentives(ctx, `
		SELECT `+incentiveColumns+` FROM incentive_ledger
		WHERE actor_id = ? ORDER BY created_at DESC, rowid DESC
	`, actorID)
}

func (s *Store) IncentiveBalance(ctx context.Context, actorID string) (int64, error) {
	var total int64
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM incentive_ledger WHERE actor_id = ?`, actorID,
	).Scan(&total)
	return total, err
}

func (s *Store) queryIncentives(ctx context.Context, query string, args ...any) ([]incentive.Entry, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incentives: %w", err)
	}
	defer rows.Close()

	var entries []incentive.Entry
	for rows.Next() {
		var (
			e         incentive.Entry
			kind      string
			meta      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Points, &e.Reason, &e.RefType, &e.RefID,
			&kind, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan incentive: %w", err)
		}
		e.Kind = incentive.Kind(kind)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				return nil, fmt.Errorf("corrupt meta on incentive %s: %w", e.ID, err)
			}
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
