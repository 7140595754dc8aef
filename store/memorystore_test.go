package store

import (
	"context"
	"testing"
	"time"

	"github.com/eematrix/cryptostore/types"
)

func TestMemoryStore_AccountRoundtrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	loaded, err := m.LoadAccount(ctx)
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if loaded != nil {
		t.Fatal("a fresh store has no account")
	}

	account := &types.Account{
		UserID:   testUser,
		DeviceID: testDevice,
		Pickle:   []byte("pickle"),
	}
	if err := m.SavePendingChanges(ctx, &types.PendingChanges{Account: account}); err != nil {
		t.Fatalf("SavePendingChanges: %v", err)
	}

	loaded, err = m.LoadAccount(ctx)
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if loaded.UserID != testUser {
		t.Fatalf("unexpected account: %+v", loaded)
	}

	// The stored value must be isolated from caller mutation.
	account.Pickle[0] = 'X'
	loaded, _ = m.LoadAccount(ctx)
	if loaded.Pickle[0] == 'X' {
		t.Fatal("stored account aliases the caller's value")
	}
}

func TestMemoryStore_GroupSessionIsolation(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	session := &types.InboundGroupSession{
		RoomID:     "!room:localhost",
		SessionID:  "session1",
		SessionKey: "key",
		SenderClaimedKeys: map[string]types.Ed25519Key{
			"ed25519": "claimed",
		},
	}
	if err := m.SaveInboundGroupSessions(ctx, []*types.InboundGroupSession{session}, ""); err != nil {
		t.Fatalf("SaveInboundGroupSessions: %v", err)
	}

	loaded, err := m.GetInboundGroupSession(ctx, "!room:localhost", "session1")
	if err != nil {
		t.Fatalf("GetInboundGroupSession: %v", err)
	}
	loaded.SenderClaimedKeys["ed25519"] = "tampered"

	again, _ := m.GetInboundGroupSession(ctx, "!room:localhost", "session1")
	if again.SenderClaimedKeys["ed25519"] != "claimed" {
		t.Fatal("loaded session aliases the stored value")
	}
}

func TestMemoryStore_DevicesAndIdentities(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	changes := &types.Changes{
		Identities: types.IdentityChanges{New: []*types.IdentityData{
			{UserID: "@bob:localhost", MasterKey: "bob_master"},
		}},
		Devices: types.DeviceChanges{New: []*types.DeviceData{
			{UserID: "@bob:localhost", DeviceID: "BOBDEVICE"},
			{UserID: "@bob:localhost", DeviceID: "BOBTABLET"},
		}},
	}
	if err := m.SaveChanges(ctx, changes); err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}

	devices, err := m.GetUserDevices(ctx, "@bob:localhost")
	if err != nil {
		t.Fatalf("GetUserDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}

	// Deletion removes exactly the named device.
	err = m.SaveChanges(ctx, &types.Changes{
		Devices: types.DeviceChanges{Deleted: []*types.DeviceData{
			{UserID: "@bob:localhost", DeviceID: "BOBTABLET"},
		}},
	})
	if err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}

	device, err := m.GetDevice(ctx, "@bob:localhost", "BOBTABLET")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if device != nil {
		t.Fatal("deleted device still present")
	}

	identity, err := m.GetUserIdentity(ctx, "@bob:localhost")
	if err != nil {
		t.Fatalf("GetUserIdentity: %v", err)
	}
	if identity == nil || identity.MasterKey != "bob_master" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestMemoryStore_LeasedLock(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	acquired, err := m.TryTakeLeasedLock(ctx, time.Second, "lock", "alice")
	if err != nil {
		t.Fatalf("TryTakeLeasedLock: %v", err)
	}
	if !acquired {
		t.Fatal("first taker must acquire the lease")
	}

	// Another holder is refused while the lease lives.
	acquired, _ = m.TryTakeLeasedLock(ctx, time.Second, "lock", "bob")
	if acquired {
		t.Fatal("a live lease must refuse other holders")
	}

	// The same holder extends freely.
	acquired, _ = m.TryTakeLeasedLock(ctx, time.Second, "lock", "alice")
	if !acquired {
		t.Fatal("the current holder must be able to extend")
	}

	// After expiry anyone can take it.
	now = now.Add(2 * time.Second)
	acquired, _ = m.TryTakeLeasedLock(ctx, time.Second, "lock", "bob")
	if !acquired {
		t.Fatal("an expired lease must be takeable")
	}
}

func TestMemoryStore_SecretInboxOrder(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for _, sender := range []types.DeviceID{"FIRST", "SECOND"} {
		err := m.SaveChanges(ctx, &types.Changes{Secrets: []*types.GossippedSecret{
			{Name: types.SecretNameRecoveryKey, Sender: sender, Secret: "value"},
		}})
		if err != nil {
			t.Fatalf("SaveChanges: %v", err)
		}
	}

	secrets, err := m.GetSecretsFromInbox(ctx, types.SecretNameRecoveryKey)
	if err != nil {
		t.Fatalf("GetSecretsFromInbox: %v", err)
	}
	if len(secrets) != 2 || secrets[0].Sender != "FIRST" || secrets[1].Sender != "SECOND" {
		t.Fatalf("inbox must preserve arrival order, got %+v", secrets)
	}
}
