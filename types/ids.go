package types

// UserID identifies a user, e.g. "@alice:example.org".
type UserID string

// DeviceID identifies one of a user's devices.
type DeviceID string

// RoomID identifies a room, e.g. "!room:example.org".
type RoomID string

// Ed25519Key is an unpadded-base64 encoded Ed25519 public key.
type Ed25519Key string

// Curve25519Key is an unpadded-base64 encoded Curve25519 public key.
type Curve25519Key string

// MegolmV1AesSha2 is the algorithm name of v1 Megolm group sessions.
const MegolmV1AesSha2 = "m.megolm.v1.aes-sha2"

// KeyUsage names one of the three cross-signing key roles.
type KeyUsage string

const (
	KeyUsageMaster      KeyUsage = "master"
	KeyUsageSelfSigning KeyUsage = "self_signing"
	KeyUsageUserSigning KeyUsage = "user_signing"
)

// SecretName identifies a shareable secret.
type SecretName string

const (
	SecretNameCrossSigningMasterKey      SecretName = "m.cross_signing.master"
	SecretNameCrossSigningSelfSigningKey SecretName = "m.cross_signing.self_signing"
	SecretNameCrossSigningUserSigningKey SecretName = "m.cross_signing.user_signing"
	SecretNameRecoveryKey                SecretName = "m.megolm_backup.v1"
)

// WithheldCode is the machine-readable reason a room key was not shared.
type WithheldCode string

const (
	WithheldCodeUnauthorised WithheldCode = "m.unauthorised"
	WithheldCodeBlacklisted  WithheldCode = "m.blacklisted"
	WithheldCodeUnverified   WithheldCode = "m.unverified"
	WithheldCodeUnavailable  WithheldCode = "m.unavailable"
)
