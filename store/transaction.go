package store

import (
	"context"
	"errors"

	"github.com/eematrix/cryptostore/types"
)

// ErrTransactionDone is returned when a Transaction is committed or rolled
// back more than once.
var ErrTransactionDone = errors.New("transaction already finished")

// Transaction is an exclusive read-write view over the cached account. While
// one is open no CacheGuard can be taken, so readers never observe a
// half-applied mutation. Exactly one of Commit or Rollback must be called.
type Transaction struct {
	store   *Store
	cache   *Cache
	changes types.PendingChanges
	done    bool
}

// Transaction opens an exclusive transaction, blocking until all read guards
// are released.
func (s *Store) Transaction() *Transaction {
	s.cacheMu.Lock()
	return &Transaction{store: s, cache: s.cache}
}

// WithTransaction runs fn inside a transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (s *Store) WithTransaction(ctx context.Context, fn func(*Transaction) error) error {
	txn := s.Transaction()
	defer txn.Rollback()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit(ctx)
}

// Account returns the mutable account for this transaction, moving it out of
// the cache on first access. Mutations become visible to readers only after
// Commit.
func (t *Transaction) Account(ctx context.Context) (*types.Account, error) {
	if t.done {
		return nil, ErrTransactionDone
	}
	if t.changes.Account != nil {
		return t.changes.Account, nil
	}

	account, err := t.cache.takeAccount(ctx)
	if err != nil {
		return nil, err
	}
	t.changes.Account = account
	return account, nil
}

// Commit persists the accumulated mutations and, on success, publishes them
// to the cache. If the save fails the cache keeps its pre-transaction state:
// the account slot stays empty and the next reader reloads from storage, so
// cache and storage cannot diverge.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.done {
		return ErrTransactionDone
	}
	t.done = true
	defer t.store.cacheMu.Unlock()

	if t.changes.IsEmpty() {
		return nil
	}

	// Clone before saving so later cache mutations can never alias state
	// a backend may still be holding.
	clone := t.changes.Account.DeepClone()

	if err := t.cache.store.SavePendingChanges(ctx, &t.changes); err != nil {
		return wrapBackend(err)
	}

	t.cache.restoreAccount(clone)
	return nil
}

// Rollback abandons the transaction. The account slot is left empty, so the
// next reader reloads the unmodified value from storage. Safe to call after
// Commit.
func (t *Transaction) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.store.cacheMu.Unlock()
}
