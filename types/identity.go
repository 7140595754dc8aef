package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKeyMaterial is returned when a private key seed cannot be
	// decoded or has the wrong length.
	ErrInvalidKeyMaterial = errors.New("invalid private key material")

	// ErrMismatchedPublicKeys is returned when the public key derived from
	// an imported private key does not match the known public identity.
	ErrMismatchedPublicKeys = errors.New("the public key of the imported private key doesn't match the known public identity")

	// ErrIncompleteCrossSigningIdentity is returned when an operation
	// needs all three cross-signing keys but some are missing.
	ErrIncompleteCrossSigningIdentity = errors.New("cross-signing identity is incomplete")
)

// CrossSigningStatus reports which private cross-signing keys are available.
type CrossSigningStatus struct {
	HasMaster      bool `json:"has_master"`
	HasSelfSigning bool `json:"has_self_signing"`
	HasUserSigning bool `json:"has_user_signing"`
}

// IsComplete reports whether all three private keys are available.
func (s CrossSigningStatus) IsComplete() bool {
	return s.HasMaster && s.HasSelfSigning && s.HasUserSigning
}

// CrossSigningKeyExport carries private cross-signing key seeds as unpadded
// base64 strings. An empty string marks an absent key.
type CrossSigningKeyExport struct {
	MasterKey      string `json:"master_key,omitempty"`
	SelfSigningKey string `json:"self_signing_key,omitempty"`
	UserSigningKey string `json:"user_signing_key,omitempty"`
}

// PrivateCrossSigningIdentity holds the private halves of the three
// cross-signing key pairs. Any of them may be absent.
type PrivateCrossSigningIdentity struct {
	UserID UserID `json:"user_id"`

	MasterSeed      []byte `json:"master_seed,omitempty"`
	SelfSigningSeed []byte `json:"self_signing_seed,omitempty"`
	UserSigningSeed []byte `json:"user_signing_seed,omitempty"`
}

// NewEmptyCrossSigningIdentity creates an identity with no key material.
func NewEmptyCrossSigningIdentity(userID UserID) *PrivateCrossSigningIdentity {
	return &PrivateCrossSigningIdentity{UserID: userID}
}

// GenerateCrossSigningIdentity creates a fresh, complete identity. Used when
// bootstrapping cross-signing and in tests.
func GenerateCrossSigningIdentity(userID UserID) (*PrivateCrossSigningIdentity, error) {
	seeds := make([][]byte, 3)
	for i := range seeds {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generating cross-signing seed: %w", err)
		}
		seeds[i] = seed
	}

	return &PrivateCrossSigningIdentity{
		UserID:          userID,
		MasterSeed:      seeds[0],
		SelfSigningSeed: seeds[1],
		UserSigningSeed: seeds[2],
	}, nil
}

// Status reports which private keys are present.
func (p *PrivateCrossSigningIdentity) Status() CrossSigningStatus {
	return CrossSigningStatus{
		HasMaster:      len(p.MasterSeed) > 0,
		HasSelfSigning: len(p.SelfSigningSeed) > 0,
		HasUserSigning: len(p.UserSigningSeed) > 0,
	}
}

// IsEmpty reports whether no private key is present at all.
func (p *PrivateCrossSigningIdentity) IsEmpty() bool {
	s := p.Status()
	return !s.HasMaster && !s.HasSelfSigning && !s.HasUserSigning
}

// Clone returns an independent copy of the identity.
func (p *PrivateCrossSigningIdentity) Clone() *PrivateCrossSigningIdentity {
	clone := &PrivateCrossSigningIdentity{UserID: p.UserID}
	clone.MasterSeed = append([]byte(nil), p.MasterSeed...)
	clone.SelfSigningSeed = append([]byte(nil), p.SelfSigningSeed...)
	clone.UserSigningSeed = append([]byte(nil), p.UserSigningSeed...)
	return clone
}

// Reset drops all private key material.
func (p *PrivateCrossSigningIdentity) Reset() {
	p.MasterSeed = nil
	p.SelfSigningSeed = nil
	p.UserSigningSeed = nil
}

func derivePublicKey(seed []byte) Ed25519Key {
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return Ed25519Key(base64.RawStdEncoding.EncodeToString(pub))
}

func decodeSeed(encoded string) ([]byte, error) {
	seed, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: expected a %d byte seed, got %d", ErrInvalidKeyMaterial, ed25519.SeedSize, len(seed))
	}
	return seed, nil
}

// PublicKey derives the public key for the given usage, or "" if the
// corresponding private key is absent.
func (p *PrivateCrossSigningIdentity) PublicKey(usage KeyUsage) Ed25519Key {
	var seed []byte
	switch usage {
	case KeyUsageMaster:
		seed = p.MasterSeed
	case KeyUsageSelfSigning:
		seed = p.SelfSigningSeed
	case KeyUsageUserSigning:
		seed = p.UserSigningSeed
	}
	if len(seed) == 0 {
		return ""
	}
	return derivePublicKey(seed)
}

// ExportSecret encodes the private key named by the secret, if present.
func (p *PrivateCrossSigningIdentity) ExportSecret(name SecretName) (string, bool) {
	var seed []byte
	switch name {
	case SecretNameCrossSigningMasterKey:
		seed = p.MasterSeed
	case SecretNameCrossSigningSelfSigningKey:
		seed = p.SelfSigningSeed
	case SecretNameCrossSigningUserSigningKey:
		seed = p.UserSigningSeed
	}
	if len(seed) == 0 {
		return "", false
	}
	return base64.RawStdEncoding.EncodeToString(seed), true
}

// Export bundles all available private keys, or returns nil if none are
// present.
func (p *PrivateCrossSigningIdentity) Export() *CrossSigningKeyExport {
	if p.IsEmpty() {
		return nil
	}

	export := &CrossSigningKeyExport{}
	if secret, ok := p.ExportSecret(SecretNameCrossSigningMasterKey); ok {
		export.MasterKey = secret
	}
	if secret, ok := p.ExportSecret(SecretNameCrossSigningSelfSigningKey); ok {
		export.SelfSigningKey = secret
	}
	if secret, ok := p.ExportSecret(SecretNameCrossSigningUserSigningKey); ok {
		export.UserSigningKey = secret
	}
	return export
}

// ImportUnchecked installs the given private keys without validating them
// against a public identity. Empty strings leave the corresponding key
// untouched. This is the trust-on-receipt path; use ImportChecked when a
// public identity is known.
func (p *PrivateCrossSigningIdentity) ImportUnchecked(master, selfSigning, userSigning string) error {
	apply := func(encoded string, target *[]byte) error {
		if encoded == "" {
			return nil
		}
		seed, err := decodeSeed(encoded)
		if err != nil {
			return err
		}
		*target = seed
		return nil
	}

	if err := apply(master, &p.MasterSeed); err != nil {
		return err
	}
	if err := apply(selfSigning, &p.SelfSigningSeed); err != nil {
		return err
	}
	return apply(userSigning, &p.UserSigningSeed)
}

// ImportChecked installs the given private keys after verifying that each
// one's derived public key matches the known public identity.
func (p *PrivateCrossSigningIdentity) ImportChecked(public *IdentityData, master, selfSigning, userSigning string) error {
	check := func(encoded string, expected Ed25519Key, target *[]byte) error {
		if encoded == "" {
			return nil
		}
		seed, err := decodeSeed(encoded)
		if err != nil {
			return err
		}
		if derivePublicKey(seed) != expected {
			return ErrMismatchedPublicKeys
		}
		*target = seed
		return nil
	}

	if err := check(master, public.MasterKey, &p.MasterSeed); err != nil {
		return err
	}
	if err := check(selfSigning, public.SelfSigningKey, &p.SelfSigningSeed); err != nil {
		return err
	}
	return check(userSigning, public.UserSigningKey, &p.UserSigningSeed)
}

// ToPublicIdentity derives the public identity record. It fails unless all
// three private keys are present.
func (p *PrivateCrossSigningIdentity) ToPublicIdentity() (*IdentityData, error) {
	if !p.Status().IsComplete() {
		return nil, ErrIncompleteCrossSigningIdentity
	}

	return &IdentityData{
		UserID:         p.UserID,
		MasterKey:      derivePublicKey(p.MasterSeed),
		SelfSigningKey: derivePublicKey(p.SelfSigningSeed),
		UserSigningKey: derivePublicKey(p.UserSigningSeed),
		Own:            true,
	}, nil
}
