package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eematrix/cryptostore/logging"
	"github.com/eematrix/cryptostore/types"
)

func newStoreWithIdentity(t *testing.T) (*Store, *MemoryStore, *types.PrivateCrossSigningIdentity) {
	t.Helper()
	identity, err := types.GenerateCrossSigningIdentity(testUser)
	require.NoError(t, err)

	backend := NewMemoryStore()
	s := NewStore(testUser, testDevice, identity, backend, logging.NewNopLogger())
	t.Cleanup(s.Close)
	return s, backend, identity
}

func TestExportSecretsBundle(t *testing.T) {
	s, _, identity := newStoreWithIdentity(t)

	bundle, err := s.ExportSecretsBundle(context.Background())
	require.NoError(t, err)

	export := identity.Export()
	require.Equal(t, export.MasterKey, bundle.CrossSigning.MasterKey)
	require.Equal(t, export.SelfSigningKey, bundle.CrossSigning.SelfSigningKey)
	require.Equal(t, export.UserSigningKey, bundle.CrossSigning.UserSigningKey)
	require.Nil(t, bundle.Backup, "no backup key is stored")
}

func TestExportSecretsBundle_NoKeys(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.ExportSecretsBundle(context.Background())
	require.ErrorIs(t, err, ErrMissingCrossSigningKeys)
}

func TestExportSecretsBundle_MissingOneKey(t *testing.T) {
	identity, err := types.GenerateCrossSigningIdentity(testUser)
	require.NoError(t, err)
	identity.SelfSigningSeed = nil

	s := NewStore(testUser, testDevice, identity, NewMemoryStore(), logging.NewNopLogger())
	defer s.Close()

	_, err = s.ExportSecretsBundle(context.Background())

	var missing *MissingCrossSigningKeyError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, types.KeyUsageSelfSigning, missing.Usage)
}

func TestExportSecretsBundle_BackupKeyWithoutVersion(t *testing.T) {
	s, _, _ := newStoreWithIdentity(t)

	key, err := types.NewBackupDecryptionKey()
	require.NoError(t, err)
	require.NoError(t, s.SaveChanges(context.Background(), &types.Changes{BackupDecryptionKey: key}))

	_, err = s.ExportSecretsBundle(context.Background())
	require.ErrorIs(t, err, ErrMissingBackupVersion)
}

func TestSecretsBundle_Roundtrip(t *testing.T) {
	source, _, _ := newStoreWithIdentity(t)
	ctx := context.Background()

	key, err := types.NewBackupDecryptionKey()
	require.NoError(t, err)
	require.NoError(t, source.SaveChanges(ctx, &types.Changes{
		BackupDecryptionKey: key,
		BackupVersion:       "backup-v1",
	}))

	bundle, err := source.ExportSecretsBundle(ctx)
	require.NoError(t, err)

	// A brand-new device imports the bundle.
	target, backend := newTestStore(t)
	require.NoError(t, target.ImportSecretsBundle(ctx, bundle))

	status := target.CrossSigningStatus()
	require.True(t, status.IsComplete())

	// The import derives a verified own identity.
	identity, err := target.GetIdentity(ctx, testUser)
	require.NoError(t, err)
	require.NotNil(t, identity)
	require.True(t, identity.Own)
	require.True(t, identity.Data.Verified)

	keys, err := backend.LoadBackupKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, "backup-v1", keys.BackupVersion)
	require.Equal(t, key.ToBase64(), keys.DecryptionKey.ToBase64())

	// Both stores now export the same bundle.
	reExported, err := target.ExportSecretsBundle(ctx)
	require.NoError(t, err)
	require.Equal(t, bundle.CrossSigning, reExported.CrossSigning)
	require.Equal(t, bundle.Backup.BackupVersion, reExported.Backup.BackupVersion)
}

func TestImportCrossSigningKeys_ChecksAgainstPublicIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Our published identity derives from one key set...
	published, err := types.GenerateCrossSigningIdentity(testUser)
	require.NoError(t, err)
	publicIdentity, err := published.ToPublicIdentity()
	require.NoError(t, err)
	require.NoError(t, s.SaveChanges(ctx, &types.Changes{
		Identities: types.IdentityChanges{New: []*types.IdentityData{publicIdentity}},
	}))

	// ...but the import carries a different one.
	wrong, err := types.GenerateCrossSigningIdentity(testUser)
	require.NoError(t, err)

	_, err = s.ImportCrossSigningKeys(ctx, wrong.Export())
	require.ErrorIs(t, err, types.ErrMismatchedPublicKeys)

	// The matching keys import fine and mark the identity verified.
	status, err := s.ImportCrossSigningKeys(ctx, published.Export())
	require.NoError(t, err)
	require.True(t, status.IsComplete())

	identity, err := s.GetIdentity(ctx, testUser)
	require.NoError(t, err)
	require.True(t, identity.Data.Verified)
}

func TestImportCrossSigningKeys_NoPublicIdentity(t *testing.T) {
	s, _ := newTestStore(t)

	keys, err := types.GenerateCrossSigningIdentity(testUser)
	require.NoError(t, err)

	// Without a public identity the keys import unchecked.
	status, err := s.ImportCrossSigningKeys(context.Background(), keys.Export())
	require.NoError(t, err)
	require.True(t, status.IsComplete())
}

func TestExportSecret(t *testing.T) {
	s, _, identity := newStoreWithIdentity(t)
	ctx := context.Background()

	secret, err := s.ExportSecret(ctx, types.SecretNameCrossSigningMasterKey)
	require.NoError(t, err)
	want, _ := identity.ExportSecret(types.SecretNameCrossSigningMasterKey)
	require.Equal(t, want, secret)

	// No backup key stored: empty, not an error.
	secret, err = s.ExportSecret(ctx, types.SecretNameRecoveryKey)
	require.NoError(t, err)
	require.Empty(t, secret)

	key, err := types.NewBackupDecryptionKey()
	require.NoError(t, err)
	require.NoError(t, s.SaveChanges(ctx, &types.Changes{BackupDecryptionKey: key}))

	secret, err = s.ExportSecret(ctx, types.SecretNameRecoveryKey)
	require.NoError(t, err)
	require.Equal(t, key.ToBase64(), secret)

	// Unknown secrets are logged and reported as absent.
	secret, err = s.ExportSecret(ctx, "org.example.unknown")
	require.NoError(t, err)
	require.Empty(t, secret)
}

func TestImportSecret_RecoveryKey(t *testing.T) {
	s, backend := newTestStore(t)

	key, err := types.NewBackupDecryptionKey()
	require.NoError(t, err)

	err = s.ImportSecret(context.Background(), &types.GossippedSecret{
		Name:   types.SecretNameRecoveryKey,
		Sender: "BOBDEVICE",
		Secret: key.ToBase64(),
	})
	require.NoError(t, err)

	keys, err := backend.LoadBackupKeys(context.Background())
	require.NoError(t, err)
	require.Equal(t, key.ToBase64(), keys.DecryptionKey.ToBase64())
}

func TestImportSecret_GarbageRecoveryKey(t *testing.T) {
	s, _ := newTestStore(t)

	err := s.ImportSecret(context.Background(), &types.GossippedSecret{
		Name:   types.SecretNameRecoveryKey,
		Secret: "not base64!!!",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrInvalidKeyMaterial))
}

func TestSecretInbox(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	secret := &types.GossippedSecret{
		Name:   types.SecretNameRecoveryKey,
		Sender: "BOBDEVICE",
		Secret: "c2VjcmV0",
	}

	sub := s.SecretsStream()
	defer sub.Close()

	require.NoError(t, s.SaveChanges(ctx, &types.Changes{Secrets: []*types.GossippedSecret{secret}}))

	select {
	case received := <-sub.C:
		require.Equal(t, secret.Name, received.Name)
	case <-time.After(time.Second):
		t.Fatal("no secret notification received")
	}

	inbox, err := s.GetSecretsFromInbox(ctx, types.SecretNameRecoveryKey)
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	require.NoError(t, s.DeleteSecretsFromInbox(ctx, types.SecretNameRecoveryKey))
	inbox, err = s.GetSecretsFromInbox(ctx, types.SecretNameRecoveryKey)
	require.NoError(t, err)
	require.Empty(t, inbox)
}
