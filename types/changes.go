package types

// IdentityChanges partitions an identity delta by what happened to each
// record.
type IdentityChanges struct {
	New       []*IdentityData
	Changed   []*IdentityData
	Unchanged []*IdentityData
}

// IsEmpty reports whether the delta carries no identities at all.
func (c *IdentityChanges) IsEmpty() bool {
	return len(c.New) == 0 && len(c.Changed) == 0 && len(c.Unchanged) == 0
}

// DeviceChanges partitions a device delta by what happened to each record.
type DeviceChanges struct {
	New     []*DeviceData
	Changed []*DeviceData
	Deleted []*DeviceData
}

// IsEmpty reports whether the delta carries no devices at all.
func (c *DeviceChanges) IsEmpty() bool {
	return len(c.New) == 0 && len(c.Changed) == 0 && len(c.Deleted) == 0
}

// Changes accumulates a heterogeneous batch of records that should be
// persisted in one storage write.
type Changes struct {
	PrivateIdentity *PrivateCrossSigningIdentity

	BackupDecryptionKey *BackupDecryptionKey
	BackupVersion       string

	Sessions             []*Session
	InboundGroupSessions []*InboundGroupSession

	Identities IdentityChanges
	Devices    DeviceChanges

	// Withheld records declarations that a room key was intentionally
	// not shared with us.
	Withheld []RoomKeyWithheldContent

	Secrets                []*GossippedSecret
	ReceivedRoomKeyBundles []*StoredRoomKeyBundleData
}

// IsEmpty reports whether there is nothing to persist.
func (c *Changes) IsEmpty() bool {
	return c.PrivateIdentity == nil &&
		c.BackupDecryptionKey == nil &&
		c.BackupVersion == "" &&
		len(c.Sessions) == 0 &&
		len(c.InboundGroupSessions) == 0 &&
		c.Identities.IsEmpty() &&
		c.Devices.IsEmpty() &&
		len(c.Withheld) == 0 &&
		len(c.Secrets) == 0 &&
		len(c.ReceivedRoomKeyBundles) == 0
}

// PendingChanges accumulates the mutations scoped to one transaction. Only
// the account lives here; everything else goes through Changes.
type PendingChanges struct {
	Account *Account
}

// IsEmpty reports whether the transaction touched nothing.
func (p *PendingChanges) IsEmpty() bool {
	return p.Account == nil
}

// RoomKeyInfo describes a received or imported room key in change
// notifications.
type RoomKeyInfo struct {
	Algorithm string        `json:"algorithm"`
	RoomID    RoomID        `json:"room_id"`
	SenderKey Curve25519Key `json:"sender_key"`
	SessionID string        `json:"session_id"`
}

// RoomKeyInfoFromSession projects the notification record out of a session.
func RoomKeyInfoFromSession(s *InboundGroupSession) RoomKeyInfo {
	return RoomKeyInfo{
		Algorithm: s.Algorithm,
		RoomID:    s.RoomID,
		SenderKey: s.SenderKey,
		SessionID: s.SessionID,
	}
}

// RoomKeyWithheldInfo describes a received withheld declaration in change
// notifications.
type RoomKeyWithheldInfo struct {
	RoomID    RoomID                 `json:"room_id"`
	SessionID string                 `json:"session_id"`
	Withheld  RoomKeyWithheldContent `json:"withheld"`
}
