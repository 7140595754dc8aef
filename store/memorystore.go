package store

import (
	"context"
	"sync"
	"time"

	"github.com/eematrix/cryptostore/types"
)

type groupSessionKey struct {
	roomID    types.RoomID
	sessionID string
}

type bundleKey struct {
	roomID types.RoomID
	sender types.UserID
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// MemoryStore is a CryptoStore keeping everything in process memory. Used in
// tests and for ephemeral sessions that should leave no trace on disk.
type MemoryStore struct {
	mu sync.RWMutex

	account         *types.Account
	privateIdentity *types.PrivateCrossSigningIdentity
	backupKeys      types.BackupKeys

	sessions      map[types.Curve25519Key][]*types.Session
	groupSessions map[groupSessionKey]*types.InboundGroupSession
	devices       map[types.UserID]map[types.DeviceID]*types.DeviceData
	identities    map[types.UserID]*types.IdentityData
	trackedUsers  map[types.UserID]bool
	values        map[string][]byte
	secretInbox   map[types.SecretName][]*types.GossippedSecret
	withheld      map[groupSessionKey]*types.RoomKeyWithheldContent
	bundles       map[bundleKey]*types.StoredRoomKeyBundleData
	leases        map[string]lease

	now func() time.Time
}

var _ CryptoStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[types.Curve25519Key][]*types.Session),
		groupSessions: make(map[groupSessionKey]*types.InboundGroupSession),
		devices:       make(map[types.UserID]map[types.DeviceID]*types.DeviceData),
		identities:    make(map[types.UserID]*types.IdentityData),
		trackedUsers:  make(map[types.UserID]bool),
		values:        make(map[string][]byte),
		secretInbox:   make(map[types.SecretName][]*types.GossippedSecret),
		withheld:      make(map[groupSessionKey]*types.RoomKeyWithheldContent),
		bundles:       make(map[bundleKey]*types.StoredRoomKeyBundleData),
		leases:        make(map[string]lease),
		now:           time.Now,
	}
}

func (m *MemoryStore) LoadAccount(ctx context.Context) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account == nil {
		return nil, nil
	}
	return m.account.DeepClone(), nil
}

func (m *MemoryStore) SaveChanges(ctx context.Context, changes *types.Changes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if changes.PrivateIdentity != nil {
		m.privateIdentity = changes.PrivateIdentity.Clone()
	}
	if changes.BackupDecryptionKey != nil {
		m.backupKeys.DecryptionKey = changes.BackupDecryptionKey
	}
	if changes.BackupVersion != "" {
		m.backupKeys.BackupVersion = changes.BackupVersion
	}

	for _, session := range changes.Sessions {
		m.sessions[session.SenderKey] = append(m.sessions[session.SenderKey], session)
	}
	m.storeGroupSessions(changes.InboundGroupSessions)

	for _, bucket := range [][]*types.IdentityData{changes.Identities.New, changes.Identities.Changed, changes.Identities.Unchanged} {
		for _, identity := range bucket {
			m.identities[identity.UserID] = identity.Clone()
		}
	}
	for _, bucket := range [][]*types.DeviceData{changes.Devices.New, changes.Devices.Changed} {
		for _, device := range bucket {
			byDevice, ok := m.devices[device.UserID]
			if !ok {
				byDevice = make(map[types.DeviceID]*types.DeviceData)
				m.devices[device.UserID] = byDevice
			}
			byDevice[device.DeviceID] = device.Clone()
		}
	}
	for _, device := range changes.Devices.Deleted {
		delete(m.devices[device.UserID], device.DeviceID)
	}

	for _, content := range changes.Withheld {
		m.withheld[groupSessionKey{content.RoomID, content.SessionID}] = &content
	}
	for _, secret := range changes.Secrets {
		m.secretInbox[secret.Name] = append(m.secretInbox[secret.Name], secret)
	}
	for _, bundle := range changes.ReceivedRoomKeyBundles {
		m.bundles[bundleKey{bundle.RoomID, bundle.SenderUser}] = bundle
	}

	return nil
}

func (m *MemoryStore) SavePendingChanges(ctx context.Context, pending *types.PendingChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pending.Account != nil {
		m.account = pending.Account.DeepClone()
	}
	return nil
}

func (m *MemoryStore) GetSessions(ctx context.Context, senderKey types.Curve25519Key) ([]*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*types.Session(nil), m.sessions[senderKey]...), nil
}

func (m *MemoryStore) storeGroupSessions(sessions []*types.InboundGroupSession) {
	for _, session := range sessions {
		m.groupSessions[groupSessionKey{session.RoomID, session.SessionID}] = session.Clone()
	}
}

func (m *MemoryStore) GetInboundGroupSession(ctx context.Context, roomID types.RoomID, sessionID string) (*types.InboundGroupSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.groupSessions[groupSessionKey{roomID, sessionID}]
	if !ok {
		return nil, nil
	}
	return session.Clone(), nil
}

func (m *MemoryStore) GetInboundGroupSessions(ctx context.Context) ([]*types.InboundGroupSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*types.InboundGroupSession, 0, len(m.groupSessions))
	for _, session := range m.groupSessions {
		sessions = append(sessions, session.Clone())
	}
	return sessions, nil
}

func (m *MemoryStore) SaveInboundGroupSessions(ctx context.Context, sessions []*types.InboundGroupSession, backupVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeGroupSessions(sessions)
	return nil
}

func (m *MemoryStore) GetDevice(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (*types.DeviceData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	device, ok := m.devices[userID][deviceID]
	if !ok {
		return nil, nil
	}
	return device.Clone(), nil
}

func (m *MemoryStore) GetUserDevices(ctx context.Context, userID types.UserID) (map[types.DeviceID]*types.DeviceData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := make(map[types.DeviceID]*types.DeviceData, len(m.devices[userID]))
	for id, device := range m.devices[userID] {
		devices[id] = device.Clone()
	}
	return devices, nil
}

func (m *MemoryStore) GetUserIdentity(ctx context.Context, userID types.UserID) (*types.IdentityData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[userID]
	if !ok {
		return nil, nil
	}
	return identity.Clone(), nil
}

func (m *MemoryStore) LoadIdentity(ctx context.Context) (*types.PrivateCrossSigningIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.privateIdentity == nil {
		return nil, nil
	}
	return m.privateIdentity.Clone(), nil
}

func (m *MemoryStore) LoadTrackedUsers(ctx context.Context) ([]types.TrackedUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]types.TrackedUser, 0, len(m.trackedUsers))
	for user, dirty := range m.trackedUsers {
		users = append(users, types.TrackedUser{UserID: user, Dirty: dirty})
	}
	return users, nil
}

func (m *MemoryStore) SaveTrackedUsers(ctx context.Context, users []types.TrackedUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range users {
		m.trackedUsers[user.UserID] = user.Dirty
	}
	return nil
}

func (m *MemoryStore) LoadBackupKeys(ctx context.Context) (types.BackupKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backupKeys, nil
}

func (m *MemoryStore) GetCustomValue(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) SetCustomValue(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) RemoveCustomValue(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) GetSecretsFromInbox(ctx context.Context, name types.SecretName) ([]*types.GossippedSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*types.GossippedSecret(nil), m.secretInbox[name]...), nil
}

func (m *MemoryStore) DeleteSecretsFromInbox(ctx context.Context, name types.SecretName) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secretInbox, name)
	return nil
}

func (m *MemoryStore) GetWithheldInfo(ctx context.Context, roomID types.RoomID, sessionID string) (*types.RoomKeyWithheldContent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.withheld[groupSessionKey{roomID, sessionID}]
	if !ok {
		return nil, nil
	}
	clone := *info
	return &clone, nil
}

func (m *MemoryStore) GetReceivedRoomKeyBundleData(ctx context.Context, roomID types.RoomID, senderUser types.UserID) (*types.StoredRoomKeyBundleData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.bundles[bundleKey{roomID, senderUser}]
	if !ok {
		return nil, nil
	}
	clone := *data
	return &clone, nil
}

func (m *MemoryStore) TryTakeLeasedLock(ctx context.Context, leaseDuration time.Duration, key, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, ok := m.leases[key]
	if ok && current.holder != holder && current.expiresAt.After(now) {
		return false, nil
	}

	m.leases[key] = lease{holder: holder, expiresAt: now.Add(leaseDuration)}
	return true, nil
}
