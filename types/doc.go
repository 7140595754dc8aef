// Package types holds the records persisted and cached by the crypto store:
// the account, Olm and Megolm sessions, device and identity data,
// cross-signing key material, secrets and room-key bundles.
//
// Cryptographic state (ratchets, signatures) is carried as opaque values;
// the only key operations performed here are public-key derivations needed
// to validate imported private key material.
package types
