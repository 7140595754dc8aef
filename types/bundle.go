package types

// RoomKeyWithheldContent declares that a room key was intentionally not
// shared, with a machine-readable reason.
type RoomKeyWithheldContent struct {
	Algorithm  string        `json:"algorithm"`
	Code       WithheldCode  `json:"code"`
	RoomID     RoomID        `json:"room_id"`
	SessionID  string        `json:"session_id"`
	SenderKey  Curve25519Key `json:"sender_key"`
	FromDevice DeviceID      `json:"from_device,omitempty"`
}

// RoomKeyBundle is a shareable collection of a room's keys: the exportable
// ones plus withheld declarations for those we refuse to share.
type RoomKeyBundle struct {
	RoomKeys []*ExportedRoomKey       `json:"room_keys"`
	Withheld []RoomKeyWithheldContent `json:"withheld"`
}

// IsEmpty reports whether the bundle carries neither keys nor withheld
// declarations.
func (b *RoomKeyBundle) IsEmpty() bool {
	return len(b.RoomKeys) == 0 && len(b.Withheld) == 0
}

// RoomKeyBundleInfo announces that a historic room key bundle became
// available.
type RoomKeyBundleInfo struct {
	RoomID RoomID `json:"room_id"`
	Sender UserID `json:"sender"`
}

// StoredRoomKeyBundleData records a received (but not yet imported) historic
// room key bundle.
type StoredRoomKeyBundleData struct {
	RoomID     RoomID     `json:"room_id"`
	SenderUser UserID     `json:"sender_user"`
	SenderData SenderData `json:"sender_data,omitzero"`

	// URI locates the encrypted bundle payload for download.
	URI string `json:"uri,omitempty"`
}
