package types

import "errors"

// ErrInvalidRoomKey is returned when an exported room key misses the fields
// needed to reconstruct a group session.
var ErrInvalidRoomKey = errors.New("invalid room key: missing room id, session id or session key")

// SessionOrdering is the result of comparing two group sessions that claim
// the same identity.
type SessionOrdering int

const (
	// SessionOrderingEqual means both sessions hold the same data.
	SessionOrderingEqual SessionOrdering = iota
	// SessionOrderingBetter means the receiver connects to an earlier
	// ratchet index than the other session and thus can decrypt more.
	SessionOrderingBetter
	// SessionOrderingWorse is the opposite of Better.
	SessionOrderingWorse
	// SessionOrderingUnconnected means the sessions do not share an
	// identity and cannot be ordered.
	SessionOrderingUnconnected
)

func (o SessionOrdering) String() string {
	switch o {
	case SessionOrderingEqual:
		return "equal"
	case SessionOrderingBetter:
		return "better"
	case SessionOrderingWorse:
		return "worse"
	default:
		return "unconnected"
	}
}

// SenderData records what was known about the sending device of a room key
// at the time the key was received.
type SenderData struct {
	UserID    UserID     `json:"user_id,omitempty"`
	DeviceID  DeviceID   `json:"device_id,omitempty"`
	MasterKey Ed25519Key `json:"master_key,omitempty"`
}

// InboundGroupSession is a room key: the receiving half of a one-to-many
// Megolm channel, identified by (room id, session id).
type InboundGroupSession struct {
	RoomID    RoomID        `json:"room_id"`
	SessionID string        `json:"session_id"`
	SenderKey Curve25519Key `json:"sender_key"`

	// SenderClaimedKeys are the signing keys the sender claimed to own,
	// keyed by algorithm.
	SenderClaimedKeys map[string]Ed25519Key `json:"sender_claimed_keys,omitempty"`

	// SessionKey is the opaque exported Megolm key material.
	SessionKey string `json:"session_key"`

	// FirstKnownIndex is the earliest ratchet index this session can
	// decrypt from.
	FirstKnownIndex uint32 `json:"first_known_index"`

	Algorithm  string     `json:"algorithm"`
	SenderData SenderData `json:"sender_data,omitzero"`

	// SharedHistory marks the key as eligible for historic key bundles.
	SharedHistory bool `json:"shared_history"`

	// BackedUp is set once the key is stored in a server-side backup.
	BackedUp bool `json:"backed_up"`
}

// Compare orders the session against another session claiming the same
// identity. Sessions from different rooms or with different session ids are
// never ordered and compare as Unconnected.
func (s *InboundGroupSession) Compare(other *InboundGroupSession) SessionOrdering {
	if s.RoomID != other.RoomID || s.SessionID != other.SessionID || s.SenderKey != other.SenderKey {
		return SessionOrderingUnconnected
	}

	switch {
	case s.FirstKnownIndex == other.FirstKnownIndex:
		return SessionOrderingEqual
	case s.FirstKnownIndex < other.FirstKnownIndex:
		return SessionOrderingBetter
	default:
		return SessionOrderingWorse
	}
}

// MarkAsBackedUp flags the session as present in a server-side key backup.
func (s *InboundGroupSession) MarkAsBackedUp() {
	s.BackedUp = true
}

// Export extracts the shareable representation of the session.
func (s *InboundGroupSession) Export() *ExportedRoomKey {
	claimed := make(map[string]Ed25519Key, len(s.SenderClaimedKeys))
	for alg, key := range s.SenderClaimedKeys {
		claimed[alg] = key
	}

	return &ExportedRoomKey{
		Algorithm:         s.Algorithm,
		RoomID:            s.RoomID,
		SessionID:         s.SessionID,
		SessionKey:        s.SessionKey,
		SenderKey:         s.SenderKey,
		SenderClaimedKeys: claimed,
		FirstKnownIndex:   s.FirstKnownIndex,
		SharedHistory:     s.SharedHistory,
	}
}

// Clone returns an independent copy of the session.
func (s *InboundGroupSession) Clone() *InboundGroupSession {
	clone := *s
	if s.SenderClaimedKeys != nil {
		clone.SenderClaimedKeys = make(map[string]Ed25519Key, len(s.SenderClaimedKeys))
		for alg, key := range s.SenderClaimedKeys {
			clone.SenderClaimedKeys[alg] = key
		}
	}
	return &clone
}

// ExportedRoomKey is the portable form of an InboundGroupSession, produced
// by key exports and room key bundles.
type ExportedRoomKey struct {
	Algorithm         string                `json:"algorithm"`
	RoomID            RoomID                `json:"room_id"`
	SessionID         string                `json:"session_id"`
	SessionKey        string                `json:"session_key"`
	SenderKey         Curve25519Key         `json:"sender_key"`
	SenderClaimedKeys map[string]Ed25519Key `json:"sender_claimed_keys,omitempty"`

	// ForwardingChain lists the devices the key was forwarded through
	// before it reached us.
	ForwardingChain []Curve25519Key `json:"forwarding_curve25519_key_chain,omitempty"`

	// FirstKnownIndex is the earliest ratchet index the exported key
	// material can decrypt from.
	FirstKnownIndex uint32 `json:"first_known_index"`

	SharedHistory bool `json:"shared_history"`
}

// IntoSession reconstructs a group session from the exported form.
func (k *ExportedRoomKey) IntoSession() (*InboundGroupSession, error) {
	if k.RoomID == "" || k.SessionID == "" || k.SessionKey == "" {
		return nil, ErrInvalidRoomKey
	}

	algorithm := k.Algorithm
	if algorithm == "" {
		algorithm = MegolmV1AesSha2
	}

	claimed := make(map[string]Ed25519Key, len(k.SenderClaimedKeys))
	for alg, key := range k.SenderClaimedKeys {
		claimed[alg] = key
	}

	return &InboundGroupSession{
		RoomID:            k.RoomID,
		SessionID:         k.SessionID,
		SenderKey:         k.SenderKey,
		SenderClaimedKeys: claimed,
		SessionKey:        k.SessionKey,
		FirstKnownIndex:   k.FirstKnownIndex,
		Algorithm:         algorithm,
		SharedHistory:     k.SharedHistory,
	}, nil
}
