package store

import (
	"context"

	"github.com/eematrix/cryptostore/logging"
	"github.com/eematrix/cryptostore/types"
)

// identityDelta groups the identity and device deltas of one saved batch,
// with our own identity (if it changed) pulled out for convenience.
type identityDelta struct {
	Own        *types.IdentityData
	Identities types.IdentityChanges
	Devices    types.DeviceChanges
}

// storeWrapper decorates a CryptoStore backend with change notifications.
// Every save path publishes what it persisted, after and only after the
// backend reported success, so subscribers never observe a change that did
// not durably happen.
type storeWrapper struct {
	CryptoStore

	ownUserID types.UserID
	logger    logging.Logger

	// Dropping a room-key batch could leave a session undecryptable
	// forever, so that stream errors out on lag instead of shedding.
	roomKeysReceived *broadcaster[[]types.RoomKeyInfo]
	roomKeysWithheld *broadcaster[[]types.RoomKeyWithheldInfo]
	secrets          *broadcaster[*types.GossippedSecret]
	bundles          *broadcaster[types.RoomKeyBundleInfo]
	identities       *broadcaster[identityDelta]
}

func newStoreWrapper(backend CryptoStore, ownUserID types.UserID, logger logging.Logger) *storeWrapper {
	return &storeWrapper{
		CryptoStore:      backend,
		ownUserID:        ownUserID,
		logger:           logger,
		roomKeysReceived: newBroadcaster[[]types.RoomKeyInfo](logger, "room_keys_received", false),
		roomKeysWithheld: newBroadcaster[[]types.RoomKeyWithheldInfo](logger, "room_keys_withheld", true),
		secrets:          newBroadcaster[*types.GossippedSecret](logger, "secrets", true),
		bundles:          newBroadcaster[types.RoomKeyBundleInfo](logger, "room_key_bundles", true),
		identities:       newBroadcaster[identityDelta](logger, "identity_changes", true),
	}
}

func (w *storeWrapper) SaveChanges(ctx context.Context, changes *types.Changes) error {
	roomKeys := make([]types.RoomKeyInfo, 0, len(changes.InboundGroupSessions))
	for _, session := range changes.InboundGroupSessions {
		roomKeys = append(roomKeys, types.RoomKeyInfoFromSession(session))
	}

	withheld := make([]types.RoomKeyWithheldInfo, 0, len(changes.Withheld))
	for _, content := range changes.Withheld {
		withheld = append(withheld, types.RoomKeyWithheldInfo{
			RoomID:    content.RoomID,
			SessionID: content.SessionID,
			Withheld:  content,
		})
	}

	delta := identityDelta{
		Identities: changes.Identities,
		Devices:    changes.Devices,
	}
	for _, bucket := range [][]*types.IdentityData{changes.Identities.New, changes.Identities.Changed, changes.Identities.Unchanged} {
		for _, identity := range bucket {
			if identity.Own && identity.UserID == w.ownUserID {
				delta.Own = identity
			}
		}
	}

	if err := w.CryptoStore.SaveChanges(ctx, changes); err != nil {
		return err
	}

	if len(roomKeys) > 0 {
		w.roomKeysReceived.publish(ctx, roomKeys)
	}
	if len(withheld) > 0 {
		w.roomKeysWithheld.publish(ctx, withheld)
	}
	for _, secret := range changes.Secrets {
		w.secrets.publish(ctx, secret)
	}
	for _, bundle := range changes.ReceivedRoomKeyBundles {
		w.bundles.publish(ctx, types.RoomKeyBundleInfo{RoomID: bundle.RoomID, Sender: bundle.SenderUser})
	}
	if delta.Own != nil || !delta.Identities.IsEmpty() || !delta.Devices.IsEmpty() {
		w.identities.publish(ctx, delta)
	}

	return nil
}

func (w *storeWrapper) SaveInboundGroupSessions(ctx context.Context, sessions []*types.InboundGroupSession, backupVersion string) error {
	if err := w.CryptoStore.SaveInboundGroupSessions(ctx, sessions, backupVersion); err != nil {
		return err
	}

	if len(sessions) > 0 {
		roomKeys := make([]types.RoomKeyInfo, 0, len(sessions))
		for _, session := range sessions {
			roomKeys = append(roomKeys, types.RoomKeyInfoFromSession(session))
		}
		w.roomKeysReceived.publish(ctx, roomKeys)
	}

	return nil
}

func (w *storeWrapper) close() {
	w.roomKeysReceived.closeAll()
	w.roomKeysWithheld.closeAll()
	w.secrets.closeAll()
	w.bundles.closeAll()
	w.identities.closeAll()
}
