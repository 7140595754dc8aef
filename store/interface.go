package store

import (
	"context"
	"time"

	"github.com/eematrix/cryptostore/types"
)

// CryptoStore is the capability interface a persistence backend must
// implement. All operations take a context, may be arbitrarily slow and may
// fail with a backend-specific error; the core wraps such failures in
// BackendError and never inspects them.
//
// Lookups return (nil, nil) when the requested record does not exist.
// Implementations must serialize their own writes per logical key but are
// not required to provide cross-process mutual exclusion beyond
// TryTakeLeasedLock.
type CryptoStore interface {
	// LoadAccount returns the stored account, or nil if none was saved
	// yet.
	LoadAccount(ctx context.Context) (*types.Account, error)

	// SaveChanges persists a heterogeneous change batch atomically.
	SaveChanges(ctx context.Context, changes *types.Changes) error

	// SavePendingChanges persists the account mutations of a transaction.
	SavePendingChanges(ctx context.Context, pending *types.PendingChanges) error

	// GetSessions returns all Olm sessions established with the device
	// owning the given sender key.
	GetSessions(ctx context.Context, senderKey types.Curve25519Key) ([]*types.Session, error)

	// GetInboundGroupSession returns the room key stored under
	// (room id, session id), or nil.
	GetInboundGroupSession(ctx context.Context, roomID types.RoomID, sessionID string) (*types.InboundGroupSession, error)

	// GetInboundGroupSessions returns every stored room key.
	GetInboundGroupSessions(ctx context.Context) ([]*types.InboundGroupSession, error)

	// SaveInboundGroupSessions persists the given room keys in one batch.
	// A non-empty backupVersion tags them as already backed up under that
	// version.
	SaveInboundGroupSessions(ctx context.Context, sessions []*types.InboundGroupSession, backupVersion string) error

	// GetDevice returns the device record for (user, device), or nil.
	GetDevice(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (*types.DeviceData, error)

	// GetUserDevices returns all known devices of a user, keyed by device
	// id.
	GetUserDevices(ctx context.Context, userID types.UserID) (map[types.DeviceID]*types.DeviceData, error)

	// GetUserIdentity returns the stored identity of a user, or nil.
	GetUserIdentity(ctx context.Context, userID types.UserID) (*types.IdentityData, error)

	// LoadIdentity returns the stored private cross-signing identity, or
	// nil if none was saved yet.
	LoadIdentity(ctx context.Context) (*types.PrivateCrossSigningIdentity, error)

	// LoadTrackedUsers returns the full tracked-user list with dirty
	// flags.
	LoadTrackedUsers(ctx context.Context) ([]types.TrackedUser, error)

	// SaveTrackedUsers upserts tracked-user records.
	SaveTrackedUsers(ctx context.Context, users []types.TrackedUser) error

	// LoadBackupKeys returns the stored backup key material.
	LoadBackupKeys(ctx context.Context) (types.BackupKeys, error)

	// GetCustomValue returns the named binary value, or nil if unset.
	GetCustomValue(ctx context.Context, key string) ([]byte, error)

	// SetCustomValue stores a named binary value.
	SetCustomValue(ctx context.Context, key string, value []byte) error

	// RemoveCustomValue deletes a named binary value.
	RemoveCustomValue(ctx context.Context, key string) error

	// GetSecretsFromInbox returns the received secrets with the given
	// name, in arrival order.
	GetSecretsFromInbox(ctx context.Context, name types.SecretName) ([]*types.GossippedSecret, error)

	// DeleteSecretsFromInbox drains all secrets with the given name.
	DeleteSecretsFromInbox(ctx context.Context, name types.SecretName) error

	// GetWithheldInfo returns the withheld declaration stored for
	// (room id, session id), or nil.
	GetWithheldInfo(ctx context.Context, roomID types.RoomID, sessionID string) (*types.RoomKeyWithheldContent, error)

	// GetReceivedRoomKeyBundleData returns the received historic bundle
	// record for the given room and sender, or nil.
	GetReceivedRoomKeyBundleData(ctx context.Context, roomID types.RoomID, senderUser types.UserID) (*types.StoredRoomKeyBundleData, error)

	// TryTakeLeasedLock attempts to acquire (or extend) the lease named
	// by key for the given holder. It reports whether the lease is now
	// held by holder.
	TryTakeLeasedLock(ctx context.Context, leaseDuration time.Duration, key, holder string) (bool, error)
}
