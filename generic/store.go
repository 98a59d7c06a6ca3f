/*
store.go - Unit of work and the find-or-create primitive

PURPOSE:
  Every consistency guarantee in the engine rests on one rule: all reads
  and writes of one business operation happen inside one unit of work, and
  a failure anywhere rolls back everything written so far. Transactor is
  the contract for that unit; the store packages implement it.

CONTEXT-CARRIED TRANSACTIONS:
  InTx hands fn a context that carries the open transaction. Store methods
  called with that context run inside it; called with a plain context they
  run standalone. An InTx nested inside another joins the outer unit, so
  DispatchOrder can call Allocate per line and still commit once.

FIND-OR-CREATE:
  Several operations are "create unless it already exists, keyed by a
  natural unique tuple": ensuring the audit for a period, earning an
  incentive once per business event, claiming an order idempotency key.
  FindOrCreate is the single implementation. The unique index in the store
  is the backstop; a lost race surfaces as ErrDuplicateKey and is resolved
  by reading the winner's row.

AFTER-COMMIT HOOKS:
  Work that must only happen once data is durable (pushing availability
  to the read mirror) registers with AfterCommit. The outermost unit runs
  the hooks after a successful commit and drops them on rollback. Outside
  any unit the hook runs immediately.

SEE ALSO:
  - store/sqlite: Transactor implementation
  - audit.Workflow.Ensure, incentive.Ledger.EarnOnce: FindOrCreate users
*/
package generic

import (
	"context"
	"errors"
	"sync"
)

// Transactor opens units of work.
type Transactor interface {
	// InTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// FindOrCreate returns the record find locates, or the one create makes.
// created reports whether this call wrote it. find must return (nil, nil)
// or ErrNotFound when nothing matches.
func FindOrCreate[T any](
	ctx context.Context,
	tx Transactor,
	find func(ctx context.Context) (*T, error),
	create func(ctx context.Context) (*T, error),
) (result *T, created bool, err error) {
	lookup := func(ctx context.Context) (*T, error) {
		found, err := find(ctx)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return found, err
	}

	err = tx.InTx(ctx, func(ctx context.Context) error {
		found, err := lookup(ctx)
		if err != nil {
			return err
		}
		if found != nil {
			result = found
			return nil
		}
		made, err := create(ctx)
		if err != nil {
			return err
		}
		result, created = made, true
		return nil
	})
	if !errors.Is(err, ErrDuplicateKey) {
		return result, created, err
	}

	// A concurrent writer won the unique index. Its row is the answer.
	err = tx.InTx(ctx, func(ctx context.Context) error {
		found, err := lookup(ctx)
		if err != nil {
			return err
		}
		if found == nil {
			return ErrDuplicateKey
		}
		result = found
		return nil
	})
	return result, false, err
}

// =============================================================================
// AFTER-COMMIT HOOKS
// =============================================================================

type hooksKey struct{}

// CommitHooks collects callbacks for the outermost unit of work.
type CommitHooks struct {
	mu    sync.Mutex
	hooks []func()
}

// WithCommitHooks attaches a fresh hook list to ctx. Transactor
// implementations call it when opening an outermost unit.
func WithCommitHooks(ctx context.Context) (context.Context, *CommitHooks) {
	h := &CommitHooks{}
	return context.WithValue(ctx, hooksKey{}, h), h
}

// AfterCommit defers fn until the unit carried by ctx commits.
func AfterCommit(ctx context.Context, fn func()) {
	h, ok := ctx.Value(hooksKey{}).(*CommitHooks)
	if !ok || h == nil {
		fn()
		return
	}
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Run invokes the collected hooks in registration order.
func (h *CommitHooks) Run() {
	h.mu.Lock()
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
