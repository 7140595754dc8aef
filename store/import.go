package store

import (
	"context"
	"iter"

	"github.com/eematrix/cryptostore/types"
)

// RoomKeyImportResult summarizes a room key import: how many keys were
// actually installed out of how many were offered, and which ones, keyed by
// room, sender key and session id.
type RoomKeyImportResult struct {
	ImportedCount int
	TotalCount    int
	Keys          map[types.RoomID]map[types.Curve25519Key]map[string]struct{}
}

func newRoomKeyImportResult(imported, total int) RoomKeyImportResult {
	return RoomKeyImportResult{
		ImportedCount: imported,
		TotalCount:    total,
		Keys:          make(map[types.RoomID]map[types.Curve25519Key]map[string]struct{}),
	}
}

func (r *RoomKeyImportResult) add(session *types.InboundGroupSession) {
	bySender, ok := r.Keys[session.RoomID]
	if !ok {
		bySender = make(map[types.Curve25519Key]map[string]struct{})
		r.Keys[session.RoomID] = bySender
	}
	sessions, ok := bySender[session.SenderKey]
	if !ok {
		sessions = make(map[string]struct{})
		bySender[session.SenderKey] = sessions
	}
	sessions[session.SessionID] = struct{}{}
}

// ImportExportedRoomKeys imports room keys that came from a file export.
// Keys imported this way are not considered backed up.
func (s *Store) ImportExportedRoomKeys(ctx context.Context, keys []*types.ExportedRoomKey, progress func(imported, total int)) (RoomKeyImportResult, error) {
	return s.importRoomKeys(ctx, keys, "", progress)
}

// ImportRoomKeys imports room keys downloaded from the server-side backup
// with the given version. The keys are marked as backed up, so the next
// backup round does not re-upload them.
func (s *Store) ImportRoomKeys(ctx context.Context, keys []*types.ExportedRoomKey, backupVersion string, progress func(imported, total int)) (RoomKeyImportResult, error) {
	return s.importRoomKeys(ctx, keys, backupVersion, progress)
}

// importRoomKeys installs the given exported keys, skipping any key that is
// not strictly better than what is already stored. Unparsable keys are
// logged and skipped rather than failing the whole batch. The surviving keys
// are persisted in one write, which also publishes them on the received
// room keys stream.
func (s *Store) importRoomKeys(ctx context.Context, keys []*types.ExportedRoomKey, backupVersion string, progress func(imported, total int)) (RoomKeyImportResult, error) {
	total := len(keys)
	var sessions []*types.InboundGroupSession
	result := newRoomKeyImportResult(0, total)

	for i, key := range keys {
		if progress != nil {
			progress(i, total)
		}

		session, err := key.IntoSession()
		if err != nil {
			s.logger.Warn(ctx, "couldn't import a room key",
				"room_id", key.RoomID,
				"session_id", key.SessionID,
				"error", err)
			continue
		}

		ordering, err := s.CompareGroupSession(ctx, session)
		if err != nil {
			return result, err
		}
		if ordering != types.SessionOrderingBetter {
			s.logger.Debug(ctx, "skipping room key, we already have a better version",
				"room_id", session.RoomID,
				"session_id", session.SessionID,
				"ordering", ordering.String())
			continue
		}

		if backupVersion != "" {
			session.MarkAsBackedUp()
		}

		sessions = append(sessions, session)
		result.add(session)
	}

	result.ImportedCount = len(sessions)

	if err := s.store.SaveInboundGroupSessions(ctx, sessions, backupVersion); err != nil {
		return result, wrapBackend(err)
	}

	s.logger.Info(ctx, "imported room keys",
		"imported", result.ImportedCount,
		"total", result.TotalCount)

	return result, nil
}

// ExportRoomKeys exports all room keys matching the predicate in one slice.
func (s *Store) ExportRoomKeys(ctx context.Context, predicate func(*types.InboundGroupSession) bool) ([]*types.ExportedRoomKey, error) {
	var exported []*types.ExportedRoomKey
	for key, err := range s.ExportRoomKeysSeq(ctx, predicate) {
		if err != nil {
			return nil, err
		}
		exported = append(exported, key)
	}
	return exported, nil
}

// ExportRoomKeysSeq lazily exports the room keys matching the predicate. The
// predicate runs before any export work, so filtered-out sessions cost
// nothing. A failed load yields exactly one (nil, error) pair.
func (s *Store) ExportRoomKeysSeq(ctx context.Context, predicate func(*types.InboundGroupSession) bool) iter.Seq2[*types.ExportedRoomKey, error] {
	return func(yield func(*types.ExportedRoomKey, error) bool) {
		sessions, err := s.store.GetInboundGroupSessions(ctx)
		if err != nil {
			yield(nil, wrapBackend(err))
			return
		}

		for _, session := range sessions {
			if !predicate(session) {
				continue
			}
			if !yield(session.Export(), nil) {
				return
			}
		}
	}
}
