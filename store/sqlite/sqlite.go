/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence contract of the engine on one database so a
  single unit of work can span stock, audit, money and incentive writes.
  In production the same patterns apply to PostgreSQL with only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  generic.Transactor: Units of work (InTx)
  inventory.Store:    Batches, snapshots, stock ledger, idempotency keys
  audit.Store:        Audit headers and lines
  money.Store:        Retailer ledger
  incentive.Store:    Incentive ledger

UNITS OF WORK:
  InTx opens a transaction, puts it in the context and commits when fn
  returns nil. Every store method reads the transaction from its context,
  so services compose calls without passing transaction handles around.
  A nested InTx joins the outer transaction. Each unit is bounded by the
  unit timeout; running out of time surfaces as ErrUnitTimeout.

APPEND-ONLY ENFORCEMENT:
  ledger_entries, batch_allocations, retailer_ledger and incentive_ledger
  reject UPDATE and DELETE through triggers. Approved audits and their
  lines reject UPDATE the same way.

NON-NEGATIVE STOCK:
  Batch quantities change only through the guarded update in MoveBatch:
    UPDATE batches SET quantity_on_hand = quantity_on_hand + ?
    WHERE id = ? AND quantity_on_hand + ? >= 0
  A CHECK constraint backs it up.

CONCURRENCY:
  Transactions start with BEGIN IMMEDIATE (_txlock=immediate), so writers
  serialize on the database lock and wait up to busy_timeout instead of
  failing. An in-memory database is pinned to one connection so every
  unit sees the same data. There are no process-local locks.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/stock.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  stock := inventory.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/stock-ledger/generic"
)

// DefaultUnitTimeout bounds one unit of work.
const DefaultUnitTimeout = 5 * time.Second

// Store implements all storage interfaces using SQLite.
type Store struct {
	db          *sql.DB
	unitTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithUnitTimeout overrides DefaultUnitTimeout.
func WithUnitTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.unitTimeout = d
		}
	}
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, unitTimeout: DefaultUnitTimeout}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// UNITS OF WORK (generic.Transactor)
// =============================================================================

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction carried by ctx, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// InTx executes fn within a database transaction.
// If fn returns error, the transaction is rolled back.
// If fn returns nil, the transaction is committed and after-commit hooks run.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, s.unitTimeout)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unitError(ctx, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	txCtx, hooks := generic.WithCommitHooks(context.WithValue(ctx, txKey{}, sqlTx))
	if err := fn(txCtx); err != nil {
		return unitError(ctx, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return unitError(ctx, fmt.Errorf("failed to commit transaction: %w", err))
	}
	hooks.Run()
	return nil
}

// unitError marks failures caused by the unit running out of time.
func unitError(ctx context.Context, err error) error {
	if errors.Is(err, generic.ErrUnitTimeout) {
		return err
	}
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) && generic.Code(err) == "INTERNAL"
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", generic.ErrUnitTimeout, err)
	}
	return err
}

// =============================================================================
// SCHEMA
// =============================================================================

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Batches (physical lots)
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		product_name TEXT NOT NULL DEFAULT '',
		batch_code TEXT NOT NULL DEFAULT '',
		mfg_date TEXT,
		expiry_date TEXT,
		quantity_on_hand INTEGER NOT NULL CHECK (quantity_on_hand >= 0),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batches_entity_product
		ON batches(entity_type, entity_id, product_id);

	-- One lot per non-empty batch code; uncoded lots may repeat
	CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_code
		ON batches(entity_type, entity_id, product_id, batch_code)
		WHERE batch_code <> '';

	-- Snapshots (cached availability)
	CREATE TABLE IF NOT EXISTS snapshots (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		available_qty INTEGER NOT NULL DEFAULT 0 CHECK (available_qty >= 0),
		reserved_qty INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id, product_id)
	);

	-- Stock ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		delta INTEGER NOT NULL CHECK (delta <> 0),
		kind TEXT NOT NULL,
		ref_type TEXT NOT NULL DEFAULT '',
		ref_id TEXT NOT NULL DEFAULT '',
		actor_id TEXT NOT NULL DEFAULT '',
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entity_product
		ON ledger_entries(entity_type, entity_id, product_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_reference
		ON ledger_entries(ref_type, ref_id);

	CREATE TABLE IF NOT EXISTS batch_allocations (
		entry_id TEXT NOT NULL REFERENCES ledger_entries(id),
		batch_id TEXT NOT NULL REFERENCES batches(id),
		quantity_used INTEGER NOT NULL CHECK (quantity_used > 0),
		PRIMARY KEY (entry_id, batch_id)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_batch
		ON batch_allocations(batch_id);

	-- Business-event idempotency keys
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		scope TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (scope, idem_key)
	);

	-- Stock audits
	CREATE TABLE IF NOT EXISTS stock_audits (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		period_key TEXT NOT NULL,
		audit_date TEXT NOT NULL,
		status TEXT NOT NULL,
		total_system_qty INTEGER NOT NULL DEFAULT 0,
		total_physical_qty INTEGER NOT NULL DEFAULT 0,
		total_variance_qty INTEGER NOT NULL DEFAULT 0,
		quantity_threshold INTEGER NOT NULL,
		percent_threshold REAL NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		submitted_by TEXT,
		submitted_at TEXT,
		approved_by TEXT,
		approved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (entity_type, entity_id, period_key)
	);

	CREATE INDEX IF NOT EXISTS idx_stock_audits_status
		ON stock_audits(status);

	CREATE TABLE IF NOT EXISTS stock_audit_lines (
		id TEXT PRIMARY KEY,
		audit_id TEXT NOT NULL REFERENCES stock_audits(id),
		product_id TEXT NOT NULL,
		product_name TEXT NOT NULL DEFAULT '',
		batch_code TEXT NOT NULL DEFAULT '',
		batch_id TEXT,
		system_qty INTEGER NOT NULL,
		physical_qty INTEGER,
		diff_qty INTEGER NOT NULL DEFAULT 0,
		mismatch_type TEXT NOT NULL DEFAULT '',
		needs_investigation INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		root_cause TEXT NOT NULL DEFAULT '',
		remarks TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_audit_lines_audit
		ON stock_audit_lines(audit_id);

	-- Retailer money ledger (append-only)
	CREATE TABLE IF NOT EXISTS retailer_ledger (
		id TEXT PRIMARY KEY,
		retailer_id TEXT NOT NULL,
		distributor_id TEXT NOT NULL,
		entry_type TEXT NOT NULL CHECK (entry_type IN ('DEBIT', 'CREDIT')),
		amount TEXT NOT NULL,
		mode TEXT,
		reference TEXT,
		narration TEXT,
		business_date TEXT NOT NULL,
		idempotency_key TEXT,
		actor_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_retailer_ledger_date
		ON retailer_ledger(retailer_id, business_date);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_retailer_ledger_key
		ON retailer_ledger(retailer_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;

	-- Incentive ledger (append-only)
	CREATE TABLE IF NOT EXISTS incentive_ledger (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		points INTEGER NOT NULL CHECK (points > 0),
		reason TEXT NOT NULL,
		ref_type TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		meta_json TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one EARN per (actor, ref_type, ref_id, reason)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_incentive_earn_once
		ON incentive_ledger(actor_id, ref_type, ref_id, reason)
		WHERE kind = 'EARN';
	CREATE INDEX IF NOT EXISTS idx_incentive_actor
		ON incentive_ledger(actor_id, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	for _, table := range []string{"ledger_entries", "batch_allocations", "retailer_ledger", "incentive_ledger"} {
		triggers := fmt.Sprintf(`
		CREATE TRIGGER IF NOT EXISTS %[1]s_no_update BEFORE UPDATE ON %[1]s
		BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END;
		CREATE TRIGGER IF NOT EXISTS %[1]s_no_delete BEFORE DELETE ON %[1]s
		BEGIN SELECT RAISE(ABORT, '%[1]s is append-only'); END;
		`, table)
		if _, err := s.db.Exec(triggers); err != nil {
			return err
		}
	}

	_, err := s.db.Exec(`
	CREATE TRIGGER IF NOT EXISTS stock_audits_frozen BEFORE UPDATE ON stock_audits
	WHEN OLD.status = 'APPROVED'
	BEGIN SELECT RAISE(ABORT, 'audit is approved and immutable'); END;

	CREATE TRIGGER IF NOT EXISTS stock_audit_lines_frozen BEFORE UPDATE ON stock_audit_lines
	WHEN (SELECT status FROM stock_audits WHERE id = OLD.audit_id) = 'APPROVED'
	BEGIN SELECT RAISE(ABORT, 'audit is approved and immutable'); END;

	CREATE TRIGGER IF NOT EXISTS stock_audit_lines_frozen_insert BEFORE INSERT ON stock_audit_lines
	WHEN (SELECT status FROM stock_audits WHERE id = NEW.audit_id) = 'APPROVED'
	BEGIN SELECT RAISE(ABORT, 'audit is approved and immutable'); END;
	`)
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func dayPtrValue(d *generic.Day) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDayPtr(ns sql.NullString) *generic.Day {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d, err := generic.ParseDay(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint &&
			(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isFrozenAuditError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "audit is approved and immutable")
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
