package types

import "time"

// Account is the durable cryptographic identity of this device: the
// long-term identity keys plus the opaque pickled ratchet state produced by
// the crypto engine. Exactly one Account exists per store.
type Account struct {
	UserID        UserID        `json:"user_id"`
	DeviceID      DeviceID      `json:"device_id"`
	Ed25519Key    Ed25519Key    `json:"ed25519"`
	Curve25519Key Curve25519Key `json:"curve25519"`

	// Shared is set once the public identity keys have been uploaded.
	Shared bool `json:"shared"`

	// UploadedKeyCount is the number of one-time keys the server holds.
	UploadedKeyCount uint64 `json:"uploaded_key_count"`

	// OneTimeKeys are the currently unpublished one-time keys, keyed by
	// key id.
	OneTimeKeys map[string]Curve25519Key `json:"one_time_keys,omitempty"`

	// Pickle is the serialized ratchet state. The store never looks
	// inside it.
	Pickle []byte `json:"pickle"`
}

// DeepClone returns an independent copy of the account.
//
// The cache hands committed accounts back to readers, so the transaction
// commits a copy rather than the value the caller may keep mutating. The
// cost is linear in the pickle size and the one-time key count.
func (a *Account) DeepClone() *Account {
	clone := *a

	if a.OneTimeKeys != nil {
		clone.OneTimeKeys = make(map[string]Curve25519Key, len(a.OneTimeKeys))
		for id, key := range a.OneTimeKeys {
			clone.OneTimeKeys[id] = key
		}
	}
	if a.Pickle != nil {
		clone.Pickle = make([]byte, len(a.Pickle))
		copy(clone.Pickle, a.Pickle)
	}

	return &clone
}

// Session is an established one-to-one Olm session with another device.
type Session struct {
	SessionID string        `json:"session_id"`
	SenderKey Curve25519Key `json:"sender_key"`

	// Pickle is the serialized double-ratchet state.
	Pickle []byte `json:"pickle"`

	CreationTime time.Time `json:"creation_time"`
	LastUseTime  time.Time `json:"last_use_time"`
}
