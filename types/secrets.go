package types

// GossippedSecret is a secret received from another of our devices over a
// verified channel, parked in the secret inbox until accepted.
type GossippedSecret struct {
	Name SecretName `json:"name"`

	// Sender is the device the secret arrived from.
	Sender DeviceID `json:"sender,omitempty"`

	// Secret is the unpadded-base64 encoded secret value.
	Secret string `json:"secret"`
}

// CrossSigningSecrets are the three private cross-signing keys of a secrets
// bundle, all required.
type CrossSigningSecrets struct {
	MasterKey      string `json:"master_key"`
	SelfSigningKey string `json:"self_signing_key"`
	UserSigningKey string `json:"user_signing_key"`
}

// MegolmBackupSecrets is the optional backup part of a secrets bundle.
type MegolmBackupSecrets struct {
	Key           *BackupDecryptionKey `json:"key"`
	BackupVersion string               `json:"backup_version"`
}

// SecretsBundle packages private cross-signing and backup key material for
// bootstrapping a new device. It is importable as a whole or not at all.
type SecretsBundle struct {
	CrossSigning CrossSigningSecrets  `json:"cross_signing"`
	Backup       *MegolmBackupSecrets `json:"backup,omitempty"`
}
