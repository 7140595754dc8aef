package store

import (
	"context"

	"github.com/eematrix/cryptostore/types"
)

// BuildRoomKeyBundle collects everything needed to share a room's history
// with an invitee: the keys flagged as shared-history, plus withheld
// declarations for the keys we hold but refuse to share.
func (s *Store) BuildRoomKeyBundle(ctx context.Context, roomID types.RoomID) (*types.RoomKeyBundle, error) {
	sessions, err := s.store.GetInboundGroupSessions(ctx)
	if err != nil {
		return nil, wrapBackend(err)
	}

	bundle := &types.RoomKeyBundle{}
	for _, session := range sessions {
		if session.RoomID != roomID {
			continue
		}

		if session.SharedHistory {
			bundle.RoomKeys = append(bundle.RoomKeys, session.Export())
		} else {
			bundle.Withheld = append(bundle.Withheld, types.RoomKeyWithheldContent{
				Algorithm:  session.Algorithm,
				Code:       types.WithheldCodeUnauthorised,
				RoomID:     session.RoomID,
				SessionID:  session.SessionID,
				SenderKey:  session.SenderKey,
				FromDevice: s.deviceID,
			})
		}
	}

	return bundle, nil
}

// ReceiveRoomKeyBundle imports a downloaded historic room key bundle.
//
// Bundles come from other users, so their content is validated rather than
// trusted: keys claiming a different room than the bundle was announced for
// are discarded. A bundle with nothing valid left is a logged no-op, not an
// error. The sender data is attached to every imported key so later trust
// decisions know where the key came from.
func (s *Store) ReceiveRoomKeyBundle(ctx context.Context, bundleData *types.StoredRoomKeyBundleData, bundle *types.RoomKeyBundle, progress func(imported, total int)) error {
	if bundle.IsEmpty() {
		s.logger.Warn(ctx, "received an empty room key bundle",
			"room_id", bundleData.RoomID,
			"sender", bundleData.SenderUser)
		return nil
	}

	good := make([]*types.ExportedRoomKey, 0, len(bundle.RoomKeys))
	for _, key := range bundle.RoomKeys {
		if key.RoomID == bundleData.RoomID {
			good = append(good, key)
		}
	}

	if len(good) != len(bundle.RoomKeys) {
		s.logger.Warn(ctx, "ignoring room keys with a mismatched room id in a received bundle",
			"room_id", bundleData.RoomID,
			"sender", bundleData.SenderUser,
			"ignored", len(bundle.RoomKeys)-len(good))
	}
	if len(good) == 0 {
		return nil
	}

	total := len(good)
	var sessions []*types.InboundGroupSession

	for i, key := range good {
		if progress != nil {
			progress(i, total)
		}

		session, err := key.IntoSession()
		if err != nil {
			s.logger.Warn(ctx, "couldn't import a room key from a bundle",
				"room_id", key.RoomID,
				"session_id", key.SessionID,
				"error", err)
			continue
		}
		session.SenderData = bundleData.SenderData

		ordering, err := s.CompareGroupSession(ctx, session)
		if err != nil {
			return err
		}
		if ordering != types.SessionOrderingBetter {
			continue
		}

		sessions = append(sessions, session)
	}

	if err := s.store.SaveInboundGroupSessions(ctx, sessions, ""); err != nil {
		return wrapBackend(err)
	}

	s.logger.Info(ctx, "imported room keys from a bundle",
		"room_id", bundleData.RoomID,
		"sender", bundleData.SenderUser,
		"imported", len(sessions),
		"total", total)

	return nil
}
