package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/stock-ledger/generic"
	"github.com/warp/stock-ledger/inventory"
)

var _ inventory.Store = (*Store)(nil)

// =============================================================================
// BATCHES
// =============================================================================

const batchColumns = `id, entity_type, entity_id, product_id, product_name, batch_code,
	mfg_date, expiry_date, quantity_on_hand, created_at`

// ListBatches returns the stocked lots of one product, oldest first.
func (s *Store) ListBatches(ctx context.Context, entity generic.EntityRef, productID string) ([]inventory.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE entity_type = ? AND entity_id = ? AND product_id = ? AND quantity_on_hand > 0
		ORDER BY created_at ASC, rowid ASC`
	return s.queryBatches(ctx, query, entity.Type, entity.ID, productID)
}

// ListEntityBatches returns every stocked lot the entity holds.
func (s *Store) ListEntityBatches(ctx context.Context, entity generic.EntityRef) ([]inventory.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE entity_type = ? AND entity_id = ? AND quantity_on_hand > 0
		ORDER BY product_id ASC, created_at ASC, rowid ASC`
	return s.queryBatches(ctx, query, entity.Type, entity.ID)
}

// Products returns the distinct product ids known for the entity across
// batches, snapshots and the ledger.
func (s *Store) Products(ctx context.Context, entity generic.EntityRef) ([]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT product_id FROM batches WHERE entity_type = ? AND entity_id = ?
		UNION
		SELECT product_id FROM snapshots WHERE entity_type = ? AND entity_id = ?
		UNION
		SELECT product_id FROM ledger_entries WHERE entity_type = ? AND entity_id = ?
		ORDER BY product_id ASC
	`, entity.Type, entity.ID, entity.Type, entity.ID, entity.Type, entity.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, id)
	}
	return products, rows.Err()
}

// FindBatches returns all lots, drained ones included, with the given code.
func (s *Store) FindBatches(ctx context.Context, entity generic.EntityRef, productID, batchCode string) ([]inventory.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE entity_type = ? AND entity_id = ? AND product_id = ? AND batch_code = ?
		ORDER BY created_at ASC, rowid ASC`
	return s.queryBatches(ctx, query, entity.Type, entity.ID, productID, batchCode)
}

func (s *Store) GetBatch(ctx context.Context, id string) (*inventory.Batch, error) {
	batches, err := s.queryBatches(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: batch %s", generic.ErrNotFound, id)
	}
	return &batches[0], nil
}

func (s *Store) CreateBatch(ctx context.Context, b inventory.Batch) error {
	query := `
		INSERT INTO batches (` + batchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		b.ID, b.Entity.Type, b.Entity.ID, b.ProductID, b.ProductName, b.BatchCode,
		dayPtrValue(b.MfgDate), dayPtrValue(b.ExpiryDate),
		b.QuantityOnHand, formatTime(b.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: batch %q of %s", generic.ErrDuplicateKey, b.BatchCode, b.ProductID)
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// MoveBatch is the guarded update. The WHERE clause refuses any change that
// would leave the lot negative, so a concurrent drain shows up as ok=false
// rather than an oversell.
func (s *Store) MoveBatch(ctx context.Context, id string, delta int64) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE batches SET quantity_on_hand = quantity_on_hand + ?
		WHERE id = ? AND quantity_on_hand + ? >= 0
	`, delta, id, delta)
	if err != nil {
		return false, fmt.Errorf("failed to move batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) BatchSum(ctx context.Context, entity generic.EntityRef, productID string) (int64, error) {
	var sum int64
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_on_hand), 0) FROM batches
		WHERE entity_type = ? AND entity_id = ? AND product_id = ?
	`, entity.Type, entity.ID, productID).Scan(&sum)
	return sum, err
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]inventory.Batch, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []inventory.Batch
	for rows.Next() {
		var (
			b               inventory.Batch
			entityType      string
			mfgDate, expiry sql.NullString
			createdAt       string
		)
		if err := rows.Scan(&b.ID, &entityType, &b.Entity.ID, &b.ProductID, &b.ProductName, &b.BatchCode,
			&mfgDate, &expiry, &b.QuantityOnHand, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.Entity.Type = generic.EntityType(entityType)
		b.MfgDate = parseDayPtr(mfgDate)
		b.ExpiryDate = parseDayPtr(expiry)
		b.CreatedAt = parseTime(createdAt)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func (s *Store) GetSnapshot(ctx context.Context, entity generic.EntityRef, productID string) (*inventory.Snapshot, error) {
	snap := inventory.Snapshot{Entity: entity, ProductID: productID}
	var updatedAt string
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT available_qty, reserved_qty, updated_at FROM snapshots
		WHERE entity_type = ? AND entity_id = ? AND product_id = ?
	`, entity.Type, entity.ID, productID).Scan(&snap.AvailableQty, &snap.ReservedQty, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap.UpdatedAt = parseTime(updatedAt)
	return &snap, nil
}

// ShiftSnapshot upserts the row and adds delta, never going below zero.
func (s *Store) ShiftSnapshot(ctx context.Context, entity generic.EntityRef, productID string, delta int64, at time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO snapshots (entity_type, entity_id, product_id, available_qty, reserved_qty, updated_at)
		VALUES (?, ?, ?, MAX(?, 0), 0, ?)
		ON CONFLICT(entity_type, entity_id, product_id) DO UPDATE SET
			available_qty = MAX(snapshots.available_qty + ?, 0),
			updated_at = excluded.updated_at
	`, entity.Type, entity.ID, productID, delta, formatTime(at), delta)
	if err != nil {
		return fmt.Errorf("failed to shift snapshot: %w", err)
	}
	return nil
}

func (s *Store) PutSnapshot(ctx context.Context, snap inventory.Snapshot) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO snapshots (entity_type, entity_id, product_id, available_qty, reserved_qty, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, product_id) DO UPDATE SET
			available_qty = excluded.available_qty,
			reserved_qty = excluded.reserved_qty,
			updated_at = excluded.updated_at
	`, snap.Entity.Type, snap.Entity.ID, snap.ProductID, snap.AvailableQty, snap.ReservedQty, formatTime(snap.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

// AppendEntry writes the entry and its allocation rows.
func (s *Store) AppendEntry(ctx context.Context, e inventory.LedgerEntry) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		_, err := q.ExecContext(ctx, `
			INSERT INTO ledger_entries
			(id, entity_type, entity_id, product_id, delta, kind, ref_type, ref_id, actor_id, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.Entity.Type, e.Entity.ID, e.ProductID, e.Delta, e.Kind,
			e.RefType, e.RefID, e.ActorID, nullString(e.Reason), formatTime(e.CreatedAt))
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: ledger entry %s", generic.ErrDuplicateKey, e.ID)
			}
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
		for _, a := range e.Allocations {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO batch_allocations (entry_id, batch_id, quantity_used) VALUES (?, ?, ?)`,
				e.ID, a.BatchID, a.QuantityUsed,
			); err != nil {
				return fmt.Errorf("failed to append batch allocation: %w", err)
			}
		}
		return nil
	})
}

// Entries returns ledger entries matching filter, newest first.
func (s *Store) Entries(ctx context.Context, filter inventory.EntryFilter) ([]inventory.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	if !filter.Entity.IsZero() {
		where = append(where, "entity_type = ? AND entity_id = ?")
		args = append(args, filter.Entity.Type, filter.Entity.ID)
	}
	if filter.ProductID != "" {
		where = append(where, "product_id = ?")
		args = append(args, filter.ProductID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.RefType != "" {
		where = append(where, "ref_type = ?")
		args = append(args, filter.RefType)
	}
	if filter.RefID != "" {
		where = append(where, "ref_id = ?")
		args = append(args, filter.RefID)
	}

	query := `SELECT id, entity_type, entity_id, product_id, delta, kind, ref_type, ref_id,
		actor_id, reason, created_at FROM ledger_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	q := s.q(ctx)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	var (
		entries []inventory.LedgerEntry
		index   = map[string]int{}
	)
	for rows.Next() {
		var (
			e          inventory.LedgerEntry
			entityType string
			reason     sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &entityType, &e.Entity.ID, &e.ProductID, &e.Delta, &e.Kind,
			&e.RefType, &e.RefID, &e.ActorID, &reason, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Entity.Type = generic.EntityType(entityType)
		e.Reason = reason.String
		e.CreatedAt = parseTime(createdAt)
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(entries) == 0 {
		return entries, nil
	}
	ids := make([]any, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	arows, err := q.QueryContext(ctx, `
		SELECT entry_id, batch_id, quantity_used FROM batch_allocations
		WHERE entry_id IN (`+placeholders(len(ids))+`)
		ORDER BY rowid ASC`, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var a inventory.BatchAllocation
		if err := arows.Scan(&a.EntryID, &a.BatchID, &a.QuantityUsed); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		i := index[a.EntryID]
		entries[i].Allocations = append(entries[i].Allocations, a)
	}
	return entries, arows.Err()
}

func (s *Store) LedgerSum(ctx context.Context, entity generic.EntityRef, productID string) (int64, error) {
	var sum int64
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries
		WHERE entity_type = ? AND entity_id = ? AND product_id = ?
	`, entity.Type, entity.ID, productID).Scan(&sum)
	return sum, err
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func (s *Store) GetClaim(ctx context.Context, scope, key string) (*inventory.Claim, error) {
	c := inventory.Claim{Scope: scope, Key: key}
	var createdAt string
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT ref_id, created_at FROM idempotency_keys WHERE scope = ? AND idem_key = ?`,
		scope, key,
	).Scan(&c.RefID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (s *Store) CreateClaim(ctx context.Context, c inventory.Claim) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO idempotency_keys (scope, idem_key, ref_id, created_at) VALUES (?, ?, ?, ?)`,
		c.Scope, c.Key, c.RefID, formatTime(c.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s/%s", generic.ErrDuplicateKey, c.Scope, c.Key)
	}
	return err
}
