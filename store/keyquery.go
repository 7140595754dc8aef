package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eematrix/cryptostore/logging"
	"github.com/eematrix/cryptostore/types"
)

// UserKeyQueryResult is the outcome of waiting for a user's pending key
// query.
type UserKeyQueryResult int

const (
	// UserKeyQueryWasNotPending means no key query was pending for the
	// user; the call returned immediately.
	UserKeyQueryWasNotPending UserKeyQueryResult = iota
	// UserKeyQueryWasPending means a pending query resolved before the
	// timeout.
	UserKeyQueryWasPending
	// UserKeyQueryTimeoutExpired means the pending query did not resolve
	// in time; dependent device state may be stale.
	UserKeyQueryTimeoutExpired
)

func (r UserKeyQueryResult) String() string {
	switch r {
	case UserKeyQueryWasNotPending:
		return "was_not_pending"
	case UserKeyQueryWasPending:
		return "was_pending"
	default:
		return "timeout_expired"
	}
}

// KeyQueryManager tracks which users have a stale device list and lets
// callers block until a pending key query for a user resolves.
//
// It owns its own lock domain: the mutex guarding the dirty-set/waiter
// table. Code must never hold that mutex while acquiring the cache write
// lock, and never block on a notification while holding either.
type KeyQueryManager struct {
	logger logging.Logger

	mu    sync.Mutex
	users *usersForKeyQuery

	// notify is closed and replaced each time key-query results are
	// applied. Waiters grab the current channel under mu before
	// suspending, so a wakeup signalled between the check and the wait
	// cannot be missed.
	notify chan struct{}
}

func newKeyQueryManager(logger logging.Logger) *KeyQueryManager {
	return &KeyQueryManager{
		logger: logger,
		users:  newUsersForKeyQuery(),
		notify: make(chan struct{}),
	}
}

// Synced makes sure the tracked-user list is loaded and returns a view that
// can operate on it. The guard must stay held while the returned manager is
// used.
func (m *KeyQueryManager) Synced(ctx context.Context, cache *CacheGuard) (*SyncedKeyQueryManager, error) {
	if err := m.ensureSyncTrackedUsers(ctx, cache.cache); err != nil {
		return nil, err
	}
	return &SyncedKeyQueryManager{cache: cache.cache, manager: m}, nil
}

// ensureSyncTrackedUsers loads the tracked-user list from the backing store
// exactly once per cache lifetime. The loaded flag is double-checked under
// the write half of its lock, collapsing N concurrent misses into one
// storage read. Users loaded as dirty are registered with the key-query
// table under the same operation, so tracked state and pending-query state
// never diverge.
func (m *KeyQueryManager) ensureSyncTrackedUsers(ctx context.Context, cache *Cache) (err error) {
	cache.loadedMu.RLock()
	loaded := cache.loadedTrackedUsers
	cache.loadedMu.RUnlock()
	if loaded {
		return nil
	}

	cache.loadedMu.Lock()
	defer cache.loadedMu.Unlock()

	// Another caller may have finished the load between the two
	// acquisitions.
	if cache.loadedTrackedUsers {
		return nil
	}

	trackedUsers, err := cache.store.LoadTrackedUsers(ctx)
	if err != nil {
		return wrapBackend(err)
	}

	m.mu.Lock()
	cache.trackedMu.Lock()
	for _, user := range trackedUsers {
		cache.trackedUsers[user.UserID] = struct{}{}
		if user.Dirty {
			m.users.insertUser(user.UserID)
		}
	}
	cache.trackedMu.Unlock()
	m.mu.Unlock()

	cache.loadedTrackedUsers = true
	return nil
}

// WaitIfUserKeyQueryPending waits for a key-query response to be applied if
// one is expected for the given user.
//
// The guard is only used to make sure the tracked-user list is loaded and is
// released before blocking, so no cache lock is held across a potentially
// long wait. If the timeout elapses the call resolves with
// UserKeyQueryTimeoutExpired rather than an error, since absence of fresh
// data is an expected, recoverable condition.
func (m *KeyQueryManager) WaitIfUserKeyQueryPending(ctx context.Context, cache *CacheGuard, timeout time.Duration, user types.UserID) (UserKeyQueryResult, error) {
	err := m.ensureSyncTrackedUsers(ctx, cache.cache)
	cache.Release()
	if err != nil {
		return UserKeyQueryWasNotPending, err
	}

	m.mu.Lock()
	waiter := m.users.maybeRegisterWaitingTask(user)
	if waiter == nil {
		m.mu.Unlock()
		return UserKeyQueryWasNotPending, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for !waiter.completed.Load() {
		// Grab the notification channel before releasing the mutex:
		// anyone applying results after we unlock will close this very
		// channel, so the wakeup cannot fall between our check and our
		// wait.
		notified := m.notify
		m.mu.Unlock()

		select {
		case <-notified:
		case <-timer.C:
			m.logger.Warn(ctx, "user has a pending key query which did not finish yet, some devices might be missing",
				"user_id", user)
			return UserKeyQueryTimeoutExpired, nil
		case <-ctx.Done():
			return UserKeyQueryTimeoutExpired, fmt.Errorf("waiting for key query: %w", ctx.Err())
		}

		// Reacquire before rechecking the flag, so two back-to-back
		// notifications cannot race the recheck.
		m.mu.Lock()
	}
	m.mu.Unlock()

	return UserKeyQueryWasPending, nil
}

// SyncedKeyQueryManager operates on the tracked-user set once it is known to
// be loaded. Obtained via KeyQueryManager.Synced.
type SyncedKeyQueryManager struct {
	cache   *Cache
	manager *KeyQueryManager
}

// UpdateTrackedUsers adds users to the tracked set. Users not already on the
// list are flagged as awaiting a key query and persisted as dirty;
// already-tracked users are unaffected.
func (s *SyncedKeyQueryManager) UpdateTrackedUsers(ctx context.Context, users ...types.UserID) error {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()

	var updates []types.TrackedUser

	s.cache.trackedMu.Lock()
	for _, user := range users {
		if _, tracked := s.cache.trackedUsers[user]; !tracked {
			s.cache.trackedUsers[user] = struct{}{}
			s.manager.users.insertUser(user)
			updates = append(updates, types.TrackedUser{UserID: user, Dirty: true})
		}
	}
	s.cache.trackedMu.Unlock()

	return wrapBackend(s.cache.store.SaveTrackedUsers(ctx, updates))
}

// MarkTrackedUsersAsChanged processes a device-list-changed notification.
// Users whose device lists we track are flagged as needing a key query;
// untracked users are ignored, since only followed device lists are
// relevant.
func (s *SyncedKeyQueryManager) MarkTrackedUsersAsChanged(ctx context.Context, users ...types.UserID) error {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()

	var updates []types.TrackedUser

	s.cache.trackedMu.RLock()
	for _, user := range users {
		if _, tracked := s.cache.trackedUsers[user]; tracked {
			s.manager.users.insertUser(user)
			updates = append(updates, types.TrackedUser{UserID: user, Dirty: true})
		}
	}
	s.cache.trackedMu.RUnlock()

	return wrapBackend(s.cache.store.SaveTrackedUsers(ctx, updates))
}

// MarkTrackedUsersAsUpToDate flags the given users' device lists as fresh
// after a key-query response computed under the given sequence number. A
// user re-marked dirty at or after that sequence number stays dirty and is
// persisted as such. All waiters are woken afterwards.
func (s *SyncedKeyQueryManager) MarkTrackedUsersAsUpToDate(ctx context.Context, users []types.UserID, seq SequenceNumber) error {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()

	var updates []types.TrackedUser

	s.cache.trackedMu.RLock()
	for _, user := range users {
		if _, tracked := s.cache.trackedUsers[user]; tracked {
			clean := s.manager.users.maybeRemoveUser(user, seq)
			updates = append(updates, types.TrackedUser{UserID: user, Dirty: !clean})
		}
	}
	s.cache.trackedMu.RUnlock()

	if err := s.cache.store.SaveTrackedUsers(ctx, updates); err != nil {
		return wrapBackend(err)
	}

	// Wake up every task waiting on a pending query. The mutex is held,
	// so the swap is atomic with respect to waiter registration.
	close(s.manager.notify)
	s.manager.notify = make(chan struct{})

	return nil
}

// UsersForKeyQuery draws the current dirty set together with the sequence
// number callers must echo back to MarkTrackedUsersAsUpToDate.
func (s *SyncedKeyQueryManager) UsersForKeyQuery() (map[types.UserID]struct{}, SequenceNumber) {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()
	return s.manager.users.usersForKeyQuery()
}

// TrackedUsers returns a snapshot of every tracked user, clean or dirty.
func (s *SyncedKeyQueryManager) TrackedUsers() map[types.UserID]struct{} {
	return s.cache.trackedUsersSnapshot()
}

// MarkUserAsChanged tracks the user (if new) and flags their device list as
// outdated, so the next UsersForKeyQuery includes them.
func (s *SyncedKeyQueryManager) MarkUserAsChanged(ctx context.Context, user types.UserID) error {
	s.manager.mu.Lock()
	defer s.manager.mu.Unlock()

	s.manager.users.insertUser(user)

	s.cache.trackedMu.Lock()
	s.cache.trackedUsers[user] = struct{}{}
	s.cache.trackedMu.Unlock()

	return wrapBackend(s.cache.store.SaveTrackedUsers(ctx, []types.TrackedUser{{UserID: user, Dirty: true}}))
}
