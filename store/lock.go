package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	// leaseDuration is how long a lease lives without renewal. Short, so a
	// crashed holder frees the lock quickly.
	leaseDuration = 500 * time.Millisecond

	// renewInterval is how often a held lease is extended. Well under the
	// lease duration, so one missed renewal does not lose the lock.
	renewInterval = 50 * time.Millisecond
)

// ErrLockNotHeld is returned by Unlock when the lock is not currently held.
var ErrLockNotHeld = errors.New("cross-process lock is not held")

// CrossProcessLock is a store-backed lease: mutual exclusion between
// processes sharing one crypto store. The lease expires on its own, so a
// crashed holder cannot deadlock the others; a live holder keeps it by
// renewing in the background.
type CrossProcessLock struct {
	store  *Store
	key    string
	holder string

	mu          sync.Mutex
	cancelRenew context.CancelFunc
	renewDone   chan struct{}
}

// CreateStoreLock builds a lock on the given key. The holder name identifies
// this process in the lease table; an empty name gets a random one.
func (s *Store) CreateStoreLock(key, holder string) *CrossProcessLock {
	if holder == "" {
		holder = uuid.NewString()
	}
	return &CrossProcessLock{store: s, key: key, holder: holder}
}

// TryLock attempts to take the lease once. It reports false when another
// holder currently owns it.
func (l *CrossProcessLock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.store.store.TryTakeLeasedLock(ctx, leaseDuration, l.key, l.holder)
	if err != nil {
		return false, wrapBackend(err)
	}
	if acquired {
		l.startRenewing()
	}
	return acquired, nil
}

// Lock takes the lease, retrying with backoff until it succeeds or the
// context is cancelled.
func (l *CrossProcessLock) Lock(ctx context.Context) error {
	backoff := retry.WithJitter(10*time.Millisecond, retry.NewConstant(renewInterval))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if !acquired {
			return retry.RetryableError(errors.New("lease is held by another process"))
		}
		return nil
	})
}

// Unlock stops renewing and lets the lease expire. The store offers no
// delete primitive, so release is expiry; the lease duration bounds how long
// others may still see it held.
func (l *CrossProcessLock) Unlock() error {
	l.mu.Lock()
	cancel, done := l.cancelRenew, l.renewDone
	l.cancelRenew, l.renewDone = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return ErrLockNotHeld
	}
	cancel()
	<-done
	return nil
}

func (l *CrossProcessLock) startRenewing() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelRenew != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancelRenew = cancel
	l.renewDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(renewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.store.store.TryTakeLeasedLock(ctx, leaseDuration, l.key, l.holder); err != nil {
					l.store.logger.Warn(ctx, "failed to renew cross-process lock lease",
						"key", l.key,
						"error", err)
				}
			}
		}
	}()
}
