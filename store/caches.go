package store

import (
	"sync/atomic"

	"github.com/eematrix/cryptostore/types"
)

// SequenceNumber orders dirty marks relative to key-query batch reads. It
// grows by one each time a batch is drawn via UsersForKeyQuery; a dirty mark
// records the counter value current at marking time.
type SequenceNumber int64

// keyQueryWaiter is shared by all tasks waiting for one user's key query to
// resolve.
type keyQueryWaiter struct {
	user      types.UserID
	completed atomic.Bool
}

// usersForKeyQuery is the record of users waiting for a key query, together
// with the tasks waiting for such queries to finish. Guarded by the
// KeyQueryManager mutex.
type usersForKeyQuery struct {
	// nextSeq is the value the next batch read will produce.
	nextSeq SequenceNumber

	// dirty maps each stale user to the sequence number current when the
	// user was last marked.
	dirty map[types.UserID]SequenceNumber

	// waiters holds one shared waiter per user with an unresolved query.
	waiters map[types.UserID]*keyQueryWaiter
}

func newUsersForKeyQuery() *usersForKeyQuery {
	return &usersForKeyQuery{
		dirty:   make(map[types.UserID]SequenceNumber),
		waiters: make(map[types.UserID]*keyQueryWaiter),
	}
}

// insertUser marks a user as needing a key query, recording the current
// sequence number so that later batch reads can tell whether the mark
// predates them.
func (u *usersForKeyQuery) insertUser(user types.UserID) {
	u.dirty[user] = u.nextSeq
}

// usersForKeyQuery draws the current dirty set. The returned sequence number
// must be echoed back to maybeRemoveUser; marks made at or after the draw
// carry a value >= the returned one and survive the corresponding clean.
func (u *usersForKeyQuery) usersForKeyQuery() (map[types.UserID]struct{}, SequenceNumber) {
	u.nextSeq++

	users := make(map[types.UserID]struct{}, len(u.dirty))
	for user := range u.dirty {
		users[user] = struct{}{}
	}
	return users, u.nextSeq
}

// maybeRemoveUser clears the dirty flag of a user, but only if the user was
// not re-marked at or after the batch identified by seq. It reports whether
// the user is now clean.
func (u *usersForKeyQuery) maybeRemoveUser(user types.UserID, seq SequenceNumber) bool {
	markedAt, ok := u.dirty[user]
	if !ok {
		return true
	}
	if markedAt >= seq {
		return false
	}

	delete(u.dirty, user)

	if waiter, ok := u.waiters[user]; ok {
		waiter.completed.Store(true)
		delete(u.waiters, user)
	}
	return true
}

// maybeRegisterWaitingTask returns the shared waiter for a user with a
// pending key query, creating it on first use, or nil if no query is
// pending.
func (u *usersForKeyQuery) maybeRegisterWaitingTask(user types.UserID) *keyQueryWaiter {
	if _, pending := u.dirty[user]; !pending {
		return nil
	}

	waiter, ok := u.waiters[user]
	if !ok {
		waiter = &keyQueryWaiter{user: user}
		u.waiters[user] = waiter
	}
	return waiter
}
