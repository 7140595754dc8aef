package store

import (
	"context"
	"sync"

	"github.com/eematrix/cryptostore/types"
)

// Cache is the single in-process materialized view over the backing store:
// the current account, the tracked-user set and the "tracked users loaded"
// flag. A Cache is never handed out directly; readers hold a CacheGuard and
// writers a Transaction, both vended by the Store.
type Cache struct {
	store *storeWrapper

	// accountMu guards the account slot. The slot is empty until the
	// first load and while a transaction holds the value for mutation.
	accountMu sync.Mutex
	account   *types.Account

	// loadedMu guards loadedTrackedUsers; the flag is double-checked so
	// concurrent cache misses collapse into one storage read.
	loadedMu           sync.RWMutex
	loadedTrackedUsers bool

	trackedMu    sync.RWMutex
	trackedUsers map[types.UserID]struct{}
}

func newCache(store *storeWrapper) *Cache {
	return &Cache{
		store:        store,
		trackedUsers: make(map[types.UserID]struct{}),
	}
}

// account returns the cached account, loading and memoizing it on first
// access. The slot is also empty while a transaction holds the value, but
// the cache write lock makes that state unobservable to readers.
func (c *Cache) getAccount(ctx context.Context) (*types.Account, error) {
	c.accountMu.Lock()
	defer c.accountMu.Unlock()

	if c.account != nil {
		return c.account, nil
	}

	account, err := c.store.LoadAccount(ctx)
	if err != nil {
		return nil, wrapBackend(err)
	}
	if account == nil {
		return nil, ErrAccountUnset
	}

	c.account = account
	return c.account, nil
}

// takeAccount moves the account out of the cache slot, loading it first if
// it was never cached. Only the transaction write path calls this; the
// emptied slot guarantees a single mutable copy exists.
func (c *Cache) takeAccount(ctx context.Context) (*types.Account, error) {
	if _, err := c.getAccount(ctx); err != nil {
		return nil, err
	}

	c.accountMu.Lock()
	defer c.accountMu.Unlock()
	account := c.account
	c.account = nil
	return account, nil
}

// restoreAccount fills the account slot after a successful commit.
func (c *Cache) restoreAccount(account *types.Account) {
	c.accountMu.Lock()
	c.account = account
	c.accountMu.Unlock()
}

// trackedUsersSnapshot copies the current tracked-user set.
func (c *Cache) trackedUsersSnapshot() map[types.UserID]struct{} {
	c.trackedMu.RLock()
	defer c.trackedMu.RUnlock()

	users := make(map[types.UserID]struct{}, len(c.trackedUsers))
	for user := range c.trackedUsers {
		users[user] = struct{}{}
	}
	return users
}

// CacheGuard is a shared read guard over the Cache. Holding one keeps
// transactions out; it must be released when done.
type CacheGuard struct {
	cache   *Cache
	release sync.Once
	unlock  func()
}

// Account returns the account, loading it from storage on first access.
func (g *CacheGuard) Account(ctx context.Context) (*types.Account, error) {
	return g.cache.getAccount(ctx)
}

// TrackedUsers returns a snapshot of the tracked-user set. Callers that need
// the set to be complete must go through KeyQueryManager.Synced first, which
// loads it from storage exactly once per cache lifetime.
func (g *CacheGuard) TrackedUsers() map[types.UserID]struct{} {
	return g.cache.trackedUsersSnapshot()
}

// Release drops the read guard. Safe to call more than once.
func (g *CacheGuard) Release() {
	g.release.Do(g.unlock)
}
