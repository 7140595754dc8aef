package store

import (
	"errors"
	"fmt"

	"github.com/eematrix/cryptostore/types"
)

var (
	// ErrAccountUnset is returned when an operation needs the account but
	// the backend has never stored one.
	ErrAccountUnset = errors.New("the store doesn't contain an account")

	// ErrMissingCrossSigningKeys is returned by ExportSecretsBundle when
	// no private cross-signing key is available at all.
	ErrMissingCrossSigningKeys = errors.New("the store doesn't contain any cross-signing keys")

	// ErrMissingBackupVersion is returned by ExportSecretsBundle when a
	// backup decryption key is stored without its companion version.
	ErrMissingBackupVersion = errors.New("the store contains a backup key, but no backup version")

	// ErrStreamLagged terminates a notification stream whose subscriber
	// fell too far behind.
	ErrStreamLagged = errors.New("notification stream lagged too far behind")
)

// BackendError wraps any failure coming out of a CryptoStore
// implementation. The core never inspects backend failures, it only wraps
// and propagates them.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("crypto store backend error: %v", e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// wrapBackend wraps err in a BackendError unless it is nil, already wrapped,
// or one of this package's own conditions.
func wrapBackend(err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Err: err}
}

// MissingCrossSigningKeyError is returned by ExportSecretsBundle when one
// specific cross-signing key is absent. Usage names the missing key.
type MissingCrossSigningKeyError struct {
	Usage types.KeyUsage
}

func (e *MissingCrossSigningKeyError) Error() string {
	return fmt.Sprintf("the store is missing the %s cross-signing key", e.Usage)
}
