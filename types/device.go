package types

// DeviceData is the persisted record of a user's device and its public keys.
type DeviceData struct {
	UserID        UserID        `json:"user_id"`
	DeviceID      DeviceID      `json:"device_id"`
	Ed25519Key    Ed25519Key    `json:"ed25519,omitempty"`
	Curve25519Key Curve25519Key `json:"curve25519,omitempty"`
	DisplayName   string        `json:"display_name,omitempty"`

	// LocallyTrusted is the manual verification flag for this device.
	LocallyTrusted bool `json:"locally_trusted"`
}

// Clone returns an independent copy of the device record.
func (d *DeviceData) Clone() *DeviceData {
	clone := *d
	return &clone
}

// IdentityData is the persisted record of a user's cross-signing identity.
// Own marks the identity belonging to the account owner.
type IdentityData struct {
	UserID         UserID     `json:"user_id"`
	MasterKey      Ed25519Key `json:"master_key"`
	SelfSigningKey Ed25519Key `json:"self_signing_key"`
	UserSigningKey Ed25519Key `json:"user_signing_key,omitempty"`
	Own            bool       `json:"own"`

	// Verified is only meaningful for the own identity.
	Verified bool `json:"verified"`
}

// Clone returns an independent copy of the identity record.
func (i *IdentityData) Clone() *IdentityData {
	clone := *i
	return &clone
}

// TrackedUser is a user whose device list we follow, together with the
// "needs key query" flag.
type TrackedUser struct {
	UserID UserID `json:"user_id"`
	Dirty  bool   `json:"dirty"`
}
