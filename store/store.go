package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eematrix/cryptostore/logging"
	"github.com/eematrix/cryptostore/types"
)

const onlyAllowTrustedDevicesKey = "only_allow_trusted_devices"

// Store is the caching, notifying front of a CryptoStore backend. It owns
// the in-process cache, the private cross-signing identity, the key-query
// state machine and the change-notification streams.
//
// All methods are safe for concurrent use.
type Store struct {
	userID   types.UserID
	deviceID types.DeviceID
	logger   logging.Logger

	store    *storeWrapper
	keyQuery *KeyQueryManager

	identityMu sync.Mutex
	identity   *types.PrivateCrossSigningIdentity

	// cacheMu arbitrates between read guards (shared) and transactions
	// (exclusive).
	cacheMu sync.RWMutex
	cache   *Cache
}

// NewStore wraps a persistence backend. The identity may be empty; it is
// filled in by secret imports later.
func NewStore(userID types.UserID, deviceID types.DeviceID, identity *types.PrivateCrossSigningIdentity, backend CryptoStore, logger logging.Logger) *Store {
	if identity == nil {
		identity = types.NewEmptyCrossSigningIdentity(userID)
	}
	wrapper := newStoreWrapper(backend, userID, logger)
	return &Store{
		userID:   userID,
		deviceID: deviceID,
		logger:   logger,
		store:    wrapper,
		keyQuery: newKeyQueryManager(logger),
		identity: identity,
		cache:    newCache(wrapper),
	}
}

// UserID returns the user the store belongs to.
func (s *Store) UserID() types.UserID { return s.userID }

// DeviceID returns the device the store belongs to.
func (s *Store) DeviceID() types.DeviceID { return s.deviceID }

// Cache takes a shared read guard over the cached state. The guard blocks
// transactions while held and must be released.
func (s *Store) Cache() *CacheGuard {
	s.cacheMu.RLock()
	return &CacheGuard{cache: s.cache, unlock: s.cacheMu.RUnlock}
}

// KeyQueries returns the key-query state machine.
func (s *Store) KeyQueries() *KeyQueryManager { return s.keyQuery }

// SaveChanges persists a change batch and publishes the matching
// notifications on success.
func (s *Store) SaveChanges(ctx context.Context, changes *types.Changes) error {
	return wrapBackend(s.store.SaveChanges(ctx, changes))
}

// SaveSessions persists Olm sessions.
func (s *Store) SaveSessions(ctx context.Context, sessions []*types.Session) error {
	return s.SaveChanges(ctx, &types.Changes{Sessions: sessions})
}

// GetSessions returns all Olm sessions established with the device owning
// the given sender key.
func (s *Store) GetSessions(ctx context.Context, senderKey types.Curve25519Key) ([]*types.Session, error) {
	sessions, err := s.store.GetSessions(ctx, senderKey)
	return sessions, wrapBackend(err)
}

// GetInboundGroupSession returns the room key stored under
// (room id, session id), or nil.
func (s *Store) GetInboundGroupSession(ctx context.Context, roomID types.RoomID, sessionID string) (*types.InboundGroupSession, error) {
	session, err := s.store.GetInboundGroupSession(ctx, roomID, sessionID)
	return session, wrapBackend(err)
}

// CompareGroupSession orders a candidate room key against whatever is
// already stored under its identity. A candidate with no stored counterpart
// compares as Better.
func (s *Store) CompareGroupSession(ctx context.Context, session *types.InboundGroupSession) (types.SessionOrdering, error) {
	existing, err := s.store.GetInboundGroupSession(ctx, session.RoomID, session.SessionID)
	if err != nil {
		return types.SessionOrderingUnconnected, wrapBackend(err)
	}
	if existing == nil {
		return types.SessionOrderingBetter, nil
	}
	return session.Compare(existing), nil
}

// GetDeviceData returns the raw device record for (user, device), or nil.
func (s *Store) GetDeviceData(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (*types.DeviceData, error) {
	device, err := s.store.GetDevice(ctx, userID, deviceID)
	return device, wrapBackend(err)
}

// ownIdentityData loads our own stored public identity, or nil.
func (s *Store) ownIdentityData(ctx context.Context) (*types.IdentityData, error) {
	identity, err := s.store.GetUserIdentity(ctx, s.userID)
	if err != nil {
		return nil, wrapBackend(err)
	}
	if identity == nil || !identity.Own {
		return nil, nil
	}
	return identity, nil
}

// GetDevice returns the device record wrapped with the identity context
// needed for trust decisions, or nil if the device is unknown.
func (s *Store) GetDevice(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (*Device, error) {
	data, err := s.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, wrapBackend(err)
	}
	if data == nil {
		return nil, nil
	}

	ownerIdentity, err := s.store.GetUserIdentity(ctx, userID)
	if err != nil {
		return nil, wrapBackend(err)
	}
	ownIdentity, err := s.ownIdentityData(ctx)
	if err != nil {
		return nil, err
	}

	return &Device{Data: data, OwnerIdentity: ownerIdentity, OwnIdentity: ownIdentity}, nil
}

// GetUserDevices returns all known devices of a user, wrapped with identity
// context and keyed by device id.
func (s *Store) GetUserDevices(ctx context.Context, userID types.UserID) (map[types.DeviceID]*Device, error) {
	devices, err := s.store.GetUserDevices(ctx, userID)
	if err != nil {
		return nil, wrapBackend(err)
	}

	ownerIdentity, err := s.store.GetUserIdentity(ctx, userID)
	if err != nil {
		return nil, wrapBackend(err)
	}
	ownIdentity, err := s.ownIdentityData(ctx)
	if err != nil {
		return nil, err
	}

	wrapped := make(map[types.DeviceID]*Device, len(devices))
	for id, data := range devices {
		wrapped[id] = &Device{Data: data, OwnerIdentity: ownerIdentity, OwnIdentity: ownIdentity}
	}
	return wrapped, nil
}

// GetUserDevicesFiltered is GetUserDevices with our own device excluded,
// which is what key-sharing decisions want.
func (s *Store) GetUserDevicesFiltered(ctx context.Context, userID types.UserID) (map[types.DeviceID]*Device, error) {
	devices, err := s.GetUserDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	if userID == s.userID {
		delete(devices, s.deviceID)
	}
	return devices, nil
}

// GetIdentity returns a user's cross-signing identity, or nil.
func (s *Store) GetIdentity(ctx context.Context, userID types.UserID) (*Identity, error) {
	data, err := s.store.GetUserIdentity(ctx, userID)
	if err != nil {
		return nil, wrapBackend(err)
	}
	if data == nil {
		return nil, nil
	}
	return &Identity{Data: data, Own: data.Own}, nil
}

// CrossSigningStatus reports which private cross-signing keys are available.
func (s *Store) CrossSigningStatus() types.CrossSigningStatus {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	return s.identity.Status()
}

// PrivateCrossSigningIdentity returns a copy of the private cross-signing
// identity.
func (s *Store) PrivateCrossSigningIdentity() *types.PrivateCrossSigningIdentity {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	return s.identity.Clone()
}

// LoadPrivateIdentity fills the in-memory identity from the backend if the
// in-memory one is still empty. Called once after opening a store that was
// used before.
func (s *Store) LoadPrivateIdentity(ctx context.Context) error {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()

	if !s.identity.IsEmpty() {
		return nil
	}

	stored, err := s.store.LoadIdentity(ctx)
	if err != nil {
		return wrapBackend(err)
	}
	if stored != nil {
		s.identity = stored
	}
	return nil
}

// ExportSecret encodes the named secret for sharing with another of our
// devices. It returns "" without error when the secret is not available.
func (s *Store) ExportSecret(ctx context.Context, name types.SecretName) (string, error) {
	switch name {
	case types.SecretNameCrossSigningMasterKey,
		types.SecretNameCrossSigningSelfSigningKey,
		types.SecretNameCrossSigningUserSigningKey:
		s.identityMu.Lock()
		defer s.identityMu.Unlock()
		secret, _ := s.identity.ExportSecret(name)
		return secret, nil

	case types.SecretNameRecoveryKey:
		keys, err := s.store.LoadBackupKeys(ctx)
		if err != nil {
			return "", wrapBackend(err)
		}
		if keys.DecryptionKey == nil {
			return "", nil
		}
		return keys.DecryptionKey.ToBase64(), nil

	default:
		s.logger.Warn(ctx, "unknown secret was requested", "secret_name", name)
		return "", nil
	}
}

// ExportCrossSigningKeys bundles the available private cross-signing keys,
// or returns nil if none are present.
func (s *Store) ExportCrossSigningKeys(ctx context.Context) (*types.CrossSigningKeyExport, error) {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	return s.identity.Export(), nil
}

// ImportCrossSigningKeys installs private cross-signing keys. When our
// public identity is known each key is checked against it; a complete,
// verified import also marks the public identity as verified. The new
// private keys are persisted before the call returns.
func (s *Store) ImportCrossSigningKeys(ctx context.Context, export *types.CrossSigningKeyExport) (types.CrossSigningStatus, error) {
	publicIdentity, err := s.ownIdentityData(ctx)
	if err != nil {
		return types.CrossSigningStatus{}, err
	}

	s.identityMu.Lock()
	defer s.identityMu.Unlock()

	if publicIdentity == nil {
		s.logger.Warn(ctx, "no public identity found while importing cross-signing keys, the keys will not be checked")
		if err := s.identity.ImportUnchecked(export.MasterKey, export.SelfSigningKey, export.UserSigningKey); err != nil {
			return types.CrossSigningStatus{}, err
		}
	} else {
		if err := s.identity.ImportChecked(publicIdentity, export.MasterKey, export.SelfSigningKey, export.UserSigningKey); err != nil {
			return types.CrossSigningStatus{}, err
		}
	}

	changes := &types.Changes{PrivateIdentity: s.identity.Clone()}

	status := s.identity.Status()
	if publicIdentity != nil && status.IsComplete() {
		// A checked, complete import proves we own the identity.
		publicIdentity.Verified = true
		changes.Identities.Changed = append(changes.Identities.Changed, publicIdentity)
	}

	if err := s.SaveChanges(ctx, changes); err != nil {
		return types.CrossSigningStatus{}, err
	}
	return status, nil
}

// ExportSecretsBundle packages the complete cross-signing identity, plus the
// backup key if one exists, for transferring to a new device. All three
// cross-signing keys must be present, and a stored backup key must have its
// companion version.
func (s *Store) ExportSecretsBundle(ctx context.Context) (*types.SecretsBundle, error) {
	s.identityMu.Lock()
	export := s.identity.Export()
	status := s.identity.Status()
	s.identityMu.Unlock()

	if export == nil {
		return nil, ErrMissingCrossSigningKeys
	}
	switch {
	case !status.HasMaster:
		return nil, &MissingCrossSigningKeyError{Usage: types.KeyUsageMaster}
	case !status.HasSelfSigning:
		return nil, &MissingCrossSigningKeyError{Usage: types.KeyUsageSelfSigning}
	case !status.HasUserSigning:
		return nil, &MissingCrossSigningKeyError{Usage: types.KeyUsageUserSigning}
	}

	bundle := &types.SecretsBundle{
		CrossSigning: types.CrossSigningSecrets{
			MasterKey:      export.MasterKey,
			SelfSigningKey: export.SelfSigningKey,
			UserSigningKey: export.UserSigningKey,
		},
	}

	keys, err := s.store.LoadBackupKeys(ctx)
	if err != nil {
		return nil, wrapBackend(err)
	}
	if keys.DecryptionKey != nil {
		if keys.BackupVersion == "" {
			return nil, ErrMissingBackupVersion
		}
		bundle.Backup = &types.MegolmBackupSecrets{
			Key:           keys.DecryptionKey,
			BackupVersion: keys.BackupVersion,
		}
	}

	return bundle, nil
}

// ImportSecretsBundle installs a secrets bundle received from an existing
// device. The bundle arrives over a freshly verified channel, so the keys
// are imported unchecked and a new, verified public identity is derived from
// them.
func (s *Store) ImportSecretsBundle(ctx context.Context, bundle *types.SecretsBundle) error {
	s.identityMu.Lock()
	err := s.identity.ImportUnchecked(
		bundle.CrossSigning.MasterKey,
		bundle.CrossSigning.SelfSigningKey,
		bundle.CrossSigning.UserSigningKey,
	)
	var identity *types.PrivateCrossSigningIdentity
	var publicIdentity *types.IdentityData
	if err == nil {
		identity = s.identity.Clone()
		publicIdentity, err = s.identity.ToPublicIdentity()
	}
	s.identityMu.Unlock()
	if err != nil {
		return err
	}
	publicIdentity.Verified = true

	changes := &types.Changes{PrivateIdentity: identity}
	changes.Identities.New = append(changes.Identities.New, publicIdentity)

	if bundle.Backup != nil {
		changes.BackupDecryptionKey = bundle.Backup.Key
		changes.BackupVersion = bundle.Backup.BackupVersion
	}

	return s.SaveChanges(ctx, changes)
}

// ImportSecret routes a gossipped secret to its destination: cross-signing
// secrets into the private identity, the backup recovery key into the backup
// key store. The secret stays in the inbox; callers drain it once the secret
// is accepted. Unknown secrets are logged and ignored.
func (s *Store) ImportSecret(ctx context.Context, secret *types.GossippedSecret) error {
	switch secret.Name {
	case types.SecretNameCrossSigningMasterKey:
		return s.importCrossSigningSecret(ctx, &types.CrossSigningKeyExport{MasterKey: secret.Secret})
	case types.SecretNameCrossSigningSelfSigningKey:
		return s.importCrossSigningSecret(ctx, &types.CrossSigningKeyExport{SelfSigningKey: secret.Secret})
	case types.SecretNameCrossSigningUserSigningKey:
		return s.importCrossSigningSecret(ctx, &types.CrossSigningKeyExport{UserSigningKey: secret.Secret})

	case types.SecretNameRecoveryKey:
		key, err := types.BackupDecryptionKeyFromBase64(secret.Secret)
		if err != nil {
			return err
		}
		return s.SaveChanges(ctx, &types.Changes{BackupDecryptionKey: key})

	default:
		s.logger.Warn(ctx, "received an unknown secret", "secret_name", secret.Name)
		return nil
	}
}

func (s *Store) importCrossSigningSecret(ctx context.Context, export *types.CrossSigningKeyExport) error {
	_, err := s.ImportCrossSigningKeys(ctx, export)
	return err
}

// GetSecretsFromInbox returns the received secrets with the given name.
func (s *Store) GetSecretsFromInbox(ctx context.Context, name types.SecretName) ([]*types.GossippedSecret, error) {
	secrets, err := s.store.GetSecretsFromInbox(ctx, name)
	return secrets, wrapBackend(err)
}

// DeleteSecretsFromInbox drains all secrets with the given name.
func (s *Store) DeleteSecretsFromInbox(ctx context.Context, name types.SecretName) error {
	return wrapBackend(s.store.DeleteSecretsFromInbox(ctx, name))
}

// LoadBackupKeys returns the stored backup key material.
func (s *Store) LoadBackupKeys(ctx context.Context) (types.BackupKeys, error) {
	keys, err := s.store.LoadBackupKeys(ctx)
	return keys, wrapBackend(err)
}

// GetWithheldInfo returns the withheld declaration stored for
// (room id, session id), or nil.
func (s *Store) GetWithheldInfo(ctx context.Context, roomID types.RoomID, sessionID string) (*types.RoomKeyWithheldContent, error) {
	info, err := s.store.GetWithheldInfo(ctx, roomID, sessionID)
	return info, wrapBackend(err)
}

// GetReceivedRoomKeyBundleData returns the received historic bundle record
// for the given room and sender, or nil.
func (s *Store) GetReceivedRoomKeyBundleData(ctx context.Context, roomID types.RoomID, senderUser types.UserID) (*types.StoredRoomKeyBundleData, error) {
	data, err := s.store.GetReceivedRoomKeyBundleData(ctx, roomID, senderUser)
	return data, wrapBackend(err)
}

// GetValue decodes the named custom value into out. It reports whether the
// value existed.
func (s *Store) GetValue(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.store.GetCustomValue(ctx, key)
	if err != nil {
		return false, wrapBackend(err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decoding custom value %q: %w", key, err)
	}
	return true, nil
}

// SetValue stores the named custom value as JSON.
func (s *Store) SetValue(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding custom value %q: %w", key, err)
	}
	return wrapBackend(s.store.SetCustomValue(ctx, key, raw))
}

// RemoveValue deletes the named custom value.
func (s *Store) RemoveValue(ctx context.Context, key string) error {
	return wrapBackend(s.store.RemoveCustomValue(ctx, key))
}

// GetOnlyAllowTrustedDevices reports whether room keys must only be shared
// with verified devices. Defaults to false when unset.
func (s *Store) GetOnlyAllowTrustedDevices(ctx context.Context) (bool, error) {
	var value bool
	_, err := s.GetValue(ctx, onlyAllowTrustedDevicesKey, &value)
	return value, err
}

// SetOnlyAllowTrustedDevices stores the trusted-devices-only policy flag.
func (s *Store) SetOnlyAllowTrustedDevices(ctx context.Context, value bool) error {
	return s.SetValue(ctx, onlyAllowTrustedDevicesKey, value)
}

// RoomKeysReceivedStream notifies about every room key batch that was saved.
// This stream errors out with ErrStreamLagged instead of dropping values:
// a missed room key cannot be re-requested if nobody knows it was missed.
func (s *Store) RoomKeysReceivedStream() *Subscription[[]types.RoomKeyInfo] {
	return s.store.roomKeysReceived.subscribe()
}

// RoomKeysWithheldStream notifies about saved withheld declarations. Lossy.
func (s *Store) RoomKeysWithheldStream() *Subscription[[]types.RoomKeyWithheldInfo] {
	return s.store.roomKeysWithheld.subscribe()
}

// SecretsStream notifies about received gossipped secrets. Lossy; consumers
// should drain the secret inbox rather than rely on every notification.
func (s *Store) SecretsStream() *Subscription[*types.GossippedSecret] {
	return s.store.secrets.subscribe()
}

// RoomKeyBundlesStream notifies about received historic room key bundles.
// Lossy.
func (s *Store) RoomKeyBundlesStream() *Subscription[types.RoomKeyBundleInfo] {
	return s.store.bundles.subscribe()
}

// IdentitiesStreamRaw notifies about the raw identity and device deltas of
// saved batches. Lower-level than the projected update streams: the deltas
// carry no identity context, just what was persisted. Lossy.
func (s *Store) IdentitiesStreamRaw() *Subscription[RawIdentityChanges] {
	return mapSubscription(s.store.identities.subscribe(), func(delta identityDelta) RawIdentityChanges {
		return RawIdentityChanges{Identities: delta.Identities, Devices: delta.Devices}
	})
}

// IdentityUpdatesStream notifies about identities that appeared or changed
// in saved batches. Lossy.
func (s *Store) IdentityUpdatesStream() *Subscription[IdentityUpdates] {
	return mapSubscription(s.store.identities.subscribe(), collectIdentityUpdates)
}

// DeviceUpdatesStream notifies about devices that appeared or changed in
// saved batches, wrapped with identity context. Lossy.
func (s *Store) DeviceUpdatesStream() *Subscription[DeviceUpdates] {
	return mapSubscription(s.store.identities.subscribe(), collectDeviceUpdates)
}

// Close terminates every notification stream. The backend itself is owned
// by the caller and stays open.
func (s *Store) Close() {
	s.store.close()
}
