package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eematrix/cryptostore/logging"
	"github.com/eematrix/cryptostore/types"
)

const (
	testUser   = types.UserID("@alice:localhost")
	testDevice = types.DeviceID("ALICEDEVICE")
)

func newTestStore(t *testing.T) (*Store, *MemoryStore) {
	t.Helper()
	backend := NewMemoryStore()
	s := NewStore(testUser, testDevice, nil, backend, logging.NewNopLogger())
	t.Cleanup(s.Close)
	return s, backend
}

// countingStore counts tracked-user loads on top of a MemoryStore.
type countingStore struct {
	*MemoryStore
	loads atomic.Int64
}

func (c *countingStore) LoadTrackedUsers(ctx context.Context) ([]types.TrackedUser, error) {
	c.loads.Add(1)
	return c.MemoryStore.LoadTrackedUsers(ctx)
}

func syncedManager(t *testing.T, s *Store) (*SyncedKeyQueryManager, *CacheGuard) {
	t.Helper()
	guard := s.Cache()
	synced, err := s.KeyQueries().Synced(context.Background(), guard)
	if err != nil {
		guard.Release()
		t.Fatalf("Synced: %v", err)
	}
	return synced, guard
}

func TestKeyQueryManager_LoadsTrackedUsersOnce(t *testing.T) {
	backend := &countingStore{MemoryStore: NewMemoryStore()}
	err := backend.SaveTrackedUsers(context.Background(), []types.TrackedUser{
		{UserID: "@bob:localhost", Dirty: true},
		{UserID: "@carol:localhost", Dirty: false},
	})
	if err != nil {
		t.Fatalf("SaveTrackedUsers: %v", err)
	}

	s := NewStore(testUser, testDevice, nil, backend, logging.NewNopLogger())
	defer s.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard := s.Cache()
			defer guard.Release()
			if _, err := s.KeyQueries().Synced(context.Background(), guard); err != nil {
				t.Errorf("Synced: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := backend.loads.Load(); got != 1 {
		t.Fatalf("expected exactly 1 tracked-user load, got %d", got)
	}

	synced, guard := syncedManager(t, s)
	defer guard.Release()

	tracked := synced.TrackedUsers()
	if len(tracked) != 2 {
		t.Fatalf("expected 2 tracked users, got %d", len(tracked))
	}

	users, _ := synced.UsersForKeyQuery()
	if _, ok := users["@bob:localhost"]; !ok {
		t.Fatal("bob was stored dirty and must need a key query")
	}
	if _, ok := users["@carol:localhost"]; ok {
		t.Fatal("carol was stored clean and must not need a key query")
	}
}

func TestSyncedKeyQueryManager_UpdateTrackedUsers(t *testing.T) {
	s, backend := newTestStore(t)
	synced, guard := syncedManager(t, s)
	defer guard.Release()

	if err := synced.UpdateTrackedUsers(context.Background(), "@bob:localhost"); err != nil {
		t.Fatalf("UpdateTrackedUsers: %v", err)
	}

	users, _ := synced.UsersForKeyQuery()
	if _, ok := users["@bob:localhost"]; !ok {
		t.Fatal("a newly tracked user must need a key query")
	}

	stored, err := backend.LoadTrackedUsers(context.Background())
	if err != nil {
		t.Fatalf("LoadTrackedUsers: %v", err)
	}
	if len(stored) != 1 || stored[0].UserID != "@bob:localhost" || !stored[0].Dirty {
		t.Fatalf("expected bob stored dirty, got %+v", stored)
	}

	// Updating an already-tracked user must not reset its state.
	if err := synced.UpdateTrackedUsers(context.Background(), "@bob:localhost"); err != nil {
		t.Fatalf("UpdateTrackedUsers: %v", err)
	}
	if got := len(synced.TrackedUsers()); got != 1 {
		t.Fatalf("expected 1 tracked user, got %d", got)
	}
}

func TestSyncedKeyQueryManager_MarkChangedIgnoresUntracked(t *testing.T) {
	s, backend := newTestStore(t)
	synced, guard := syncedManager(t, s)
	defer guard.Release()

	if err := synced.MarkTrackedUsersAsChanged(context.Background(), "@stranger:localhost"); err != nil {
		t.Fatalf("MarkTrackedUsersAsChanged: %v", err)
	}

	users, _ := synced.UsersForKeyQuery()
	if len(users) != 0 {
		t.Fatalf("untracked users must be ignored, got %v", users)
	}

	stored, err := backend.LoadTrackedUsers(context.Background())
	if err != nil {
		t.Fatalf("LoadTrackedUsers: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("nothing should be persisted, got %+v", stored)
	}
}

func TestSyncedKeyQueryManager_SequenceRace(t *testing.T) {
	s, backend := newTestStore(t)
	synced, guard := syncedManager(t, s)
	defer guard.Release()

	bob := types.UserID("@bob:localhost")
	if err := synced.UpdateTrackedUsers(context.Background(), bob); err != nil {
		t.Fatalf("UpdateTrackedUsers: %v", err)
	}

	users, seq := synced.UsersForKeyQuery()
	if _, ok := users[bob]; !ok {
		t.Fatal("bob must be in the drawn batch")
	}

	// Bob's device list changes again while the response is in flight.
	if err := synced.MarkTrackedUsersAsChanged(context.Background(), bob); err != nil {
		t.Fatalf("MarkTrackedUsersAsChanged: %v", err)
	}

	if err := synced.MarkTrackedUsersAsUpToDate(context.Background(), []types.UserID{bob}, seq); err != nil {
		t.Fatalf("MarkTrackedUsersAsUpToDate: %v", err)
	}

	users, seq = synced.UsersForKeyQuery()
	if _, ok := users[bob]; !ok {
		t.Fatal("bob must stay dirty after the stale response")
	}

	// The follow-up response, with no intervening change, cleans him.
	if err := synced.MarkTrackedUsersAsUpToDate(context.Background(), []types.UserID{bob}, seq); err != nil {
		t.Fatalf("MarkTrackedUsersAsUpToDate: %v", err)
	}
	users, _ = synced.UsersForKeyQuery()
	if len(users) != 0 {
		t.Fatalf("bob should be clean now, got %v", users)
	}

	stored, err := backend.LoadTrackedUsers(context.Background())
	if err != nil {
		t.Fatalf("LoadTrackedUsers: %v", err)
	}
	if len(stored) != 1 || stored[0].Dirty {
		t.Fatalf("bob should be persisted clean, got %+v", stored)
	}
}

func TestWaitIfUserKeyQueryPending_NotPending(t *testing.T) {
	s, _ := newTestStore(t)

	result, err := s.KeyQueries().WaitIfUserKeyQueryPending(context.Background(), s.Cache(), time.Second, "@bob:localhost")
	if err != nil {
		t.Fatalf("WaitIfUserKeyQueryPending: %v", err)
	}
	if result != UserKeyQueryWasNotPending {
		t.Fatalf("expected was_not_pending, got %s", result)
	}
}

func TestWaitIfUserKeyQueryPending_ResolvedByResponse(t *testing.T) {
	s, _ := newTestStore(t)
	bob := types.UserID("@bob:localhost")

	synced, guard := syncedManager(t, s)
	if err := synced.UpdateTrackedUsers(context.Background(), bob); err != nil {
		t.Fatalf("UpdateTrackedUsers: %v", err)
	}
	_, seq := synced.UsersForKeyQuery()
	guard.Release()

	done := make(chan UserKeyQueryResult, 1)
	go func() {
		result, err := s.KeyQueries().WaitIfUserKeyQueryPending(context.Background(), s.Cache(), 5*time.Second, bob)
		if err != nil {
			t.Errorf("WaitIfUserKeyQueryPending: %v", err)
		}
		done <- result
	}()

	// Give the waiter a moment to park before applying the response.
	time.Sleep(20 * time.Millisecond)

	synced, guard = syncedManager(t, s)
	if err := synced.MarkTrackedUsersAsUpToDate(context.Background(), []types.UserID{bob}, seq); err != nil {
		t.Fatalf("MarkTrackedUsersAsUpToDate: %v", err)
	}
	guard.Release()

	select {
	case result := <-done:
		if result != UserKeyQueryWasPending {
			t.Fatalf("expected was_pending, got %s", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter did not wake up")
	}
}

func TestWaitIfUserKeyQueryPending_Timeout(t *testing.T) {
	s, _ := newTestStore(t)
	bob := types.UserID("@bob:localhost")

	synced, guard := syncedManager(t, s)
	if err := synced.UpdateTrackedUsers(context.Background(), bob); err != nil {
		t.Fatalf("UpdateTrackedUsers: %v", err)
	}
	guard.Release()

	result, err := s.KeyQueries().WaitIfUserKeyQueryPending(context.Background(), s.Cache(), 30*time.Millisecond, bob)
	if err != nil {
		t.Fatalf("WaitIfUserKeyQueryPending: %v", err)
	}
	if result != UserKeyQueryTimeoutExpired {
		t.Fatalf("expected timeout_expired, got %s", result)
	}
}
