// Package postgres implements the crypto store on PostgreSQL.
//
// Records are stored as JSONB payloads under their natural keys. The store
// never interprets the pickled key material it persists, so a plain
// document-per-row layout keeps the schema stable while the payload types
// evolve.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/eematrix/cryptostore/dbx"
	"github.com/eematrix/cryptostore/store"
	"github.com/eematrix/cryptostore/store/postgres/migrations"
	"github.com/eematrix/cryptostore/types"
)

// Store is a store.CryptoStore backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.CryptoStore = (*Store)(nil)

// New wraps an open database handle. The caller owns the handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to the given DSN and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	s := New(db)
	if err := s.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return s, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them.
func (s *Store) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, s.db, ".")
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func loadSingleton[T any](ctx context.Context, db dbx.DBTX, table string) (*T, error) {
	var raw []byte
	err := db.QueryRowContext(ctx, `SELECT data FROM `+table+` WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	value := new(T)
	if err := json.Unmarshal(raw, value); err != nil {
		return nil, fmt.Errorf("decoding %s record: %w", table, err)
	}
	return value, nil
}

func saveSingleton(ctx context.Context, db dbx.DBTX, table string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", table, err)
	}

	query := `INSERT INTO ` + table + ` (id, data) VALUES (1, $1)
	          ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`
	if _, err := db.ExecContext(ctx, query, raw); err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (s *Store) LoadAccount(ctx context.Context) (*types.Account, error) {
	return loadSingleton[types.Account](ctx, s.db, "account")
}

func (s *Store) LoadIdentity(ctx context.Context) (*types.PrivateCrossSigningIdentity, error) {
	return loadSingleton[types.PrivateCrossSigningIdentity](ctx, s.db, "private_identity")
}

func (s *Store) SavePendingChanges(ctx context.Context, pending *types.PendingChanges) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if pending.Account != nil {
			if err := saveSingleton(ctx, tx, "account", pending.Account); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SaveChanges(ctx context.Context, changes *types.Changes) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if changes.PrivateIdentity != nil {
			if err := saveSingleton(ctx, tx, "private_identity", changes.PrivateIdentity); err != nil {
				return err
			}
		}
		if err := saveBackupKeys(ctx, tx, changes.BackupDecryptionKey, changes.BackupVersion); err != nil {
			return err
		}
		if err := saveSessions(ctx, tx, changes.Sessions); err != nil {
			return err
		}
		if err := saveGroupSessions(ctx, tx, changes.InboundGroupSessions, ""); err != nil {
			return err
		}
		if err := saveIdentities(ctx, tx, &changes.Identities); err != nil {
			return err
		}
		if err := saveDevices(ctx, tx, &changes.Devices); err != nil {
			return err
		}
		if err := saveWithheld(ctx, tx, changes.Withheld); err != nil {
			return err
		}
		if err := saveSecrets(ctx, tx, changes.Secrets); err != nil {
			return err
		}
		return saveReceivedBundles(ctx, tx, changes.ReceivedRoomKeyBundles)
	})
}

func saveBackupKeys(ctx context.Context, tx dbx.DBTX, key *types.BackupDecryptionKey, version string) error {
	if key == nil && version == "" {
		return nil
	}

	query := `INSERT INTO backup_keys (id, decryption_key, backup_version) VALUES (1, $1, $2)
	          ON CONFLICT (id) DO UPDATE SET
	              decryption_key = COALESCE(EXCLUDED.decryption_key, backup_keys.decryption_key),
	              backup_version = CASE WHEN EXCLUDED.backup_version = '' THEN backup_keys.backup_version
	                                    ELSE EXCLUDED.backup_version END`

	var encoded sql.NullString
	if key != nil {
		encoded = sql.NullString{String: key.ToBase64(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, query, encoded, version); err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func saveSessions(ctx context.Context, tx dbx.DBTX, sessions []*types.Session) error {
	query := `INSERT INTO olm_sessions (session_id, sender_key, data) VALUES ($1, $2, $3)
	          ON CONFLICT (session_id) DO UPDATE SET data = EXCLUDED.data`

	for _, session := range sessions {
		raw, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encoding olm session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, session.SessionID, string(session.SenderKey), raw); err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
	}
	return nil
}

func saveGroupSessions(ctx context.Context, tx dbx.DBTX, sessions []*types.InboundGroupSession, backupVersion string) error {
	// An empty incoming version keeps the stored one, so re-saving an
	// already-backed-up session does not wipe its backup tag.
	query := `INSERT INTO group_sessions (room_id, session_id, backed_up, backup_version, data)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (room_id, session_id) DO UPDATE SET
	              backed_up = EXCLUDED.backed_up,
	              backup_version = CASE WHEN EXCLUDED.backup_version = '' THEN group_sessions.backup_version
	                                    ELSE EXCLUDED.backup_version END,
	              data = EXCLUDED.data`

	for _, session := range sessions {
		raw, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encoding group session: %w", err)
		}
		_, err = tx.ExecContext(ctx, query,
			string(session.RoomID), session.SessionID, session.BackedUp, backupVersion, raw)
		if err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
	}
	return nil
}

func saveIdentities(ctx context.Context, tx dbx.DBTX, changes *types.IdentityChanges) error {
	query := `INSERT INTO identities (user_id, data) VALUES ($1, $2)
	          ON CONFLICT (user_id) DO UPDATE SET data = EXCLUDED.data`

	for _, bucket := range [][]*types.IdentityData{changes.New, changes.Changed, changes.Unchanged} {
		for _, identity := range bucket {
			raw, err := json.Marshal(identity)
			if err != nil {
				return fmt.Errorf("encoding identity: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, string(identity.UserID), raw); err != nil {
				return fmt.Errorf("error performing sql request: %w", err)
			}
		}
	}
	return nil
}

func saveDevices(ctx context.Context, tx dbx.DBTX, changes *types.DeviceChanges) error {
	upsert := `INSERT INTO devices (user_id, device_id, data) VALUES ($1, $2, $3)
	           ON CONFLICT (user_id, device_id) DO UPDATE SET data = EXCLUDED.data`

	for _, bucket := range [][]*types.DeviceData{changes.New, changes.Changed} {
		for _, device := range bucket {
			raw, err := json.Marshal(device)
			if err != nil {
				return fmt.Errorf("encoding device: %w", err)
			}
			if _, err := tx.ExecContext(ctx, upsert, string(device.UserID), string(device.DeviceID), raw); err != nil {
				return fmt.Errorf("error performing sql request: %w", err)
			}
		}
	}

	for _, device := range changes.Deleted {
		query := `DELETE FROM devices WHERE user_id = $1 AND device_id = $2`
		if _, err := tx.ExecContext(ctx, query, string(device.UserID), string(device.DeviceID)); err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
	}
	return nil
}

func saveWithheld(ctx context.Context, tx dbx.DBTX, withheld []types.RoomKeyWithheldContent) error {
	query := `INSERT INTO withheld_sessions (room_id, session_id, data) VALUES ($1, $2, $3)
	          ON CONFLICT (room_id, session_id) DO UPDATE SET data = EXCLUDED.data`

	for _, content := range withheld {
		raw, err := json.Marshal(content)
		if err != nil {
			return fmt.Errorf("encoding withheld record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, string(content.RoomID), content.SessionID, raw); err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
	}
	return nil
}

func saveSecrets(ctx context.Context, tx dbx.DBTX, secrets []*types.GossippedSecret) error {
	query := `INSERT INTO secret_inbox (name, data) VALUES ($1, $2)`

	for _, secret := range secrets {
		raw, err := json.Marshal(secret)
		if err != nil {
			return fmt.Errorf("encoding secret: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, string(secret.Name), raw); err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
	}
	return nil
}

func saveReceivedBundles(ctx context.Context, tx dbx.DBTX, bundles []*types.StoredRoomKeyBundleData) error {
	query := `INSERT INTO received_bundles (room_id, sender_user, data) VALUES ($1, $2, $3)
	          ON CONFLICT (room_id, sender_user) DO UPDATE SET data = EXCLUDED.data`

	for _, bundle := range bundles {
		raw, err := json.Marshal(bundle)
		if err != nil {
			return fmt.Errorf("encoding received bundle: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, string(bundle.RoomID), string(bundle.SenderUser), raw); err != nil {
			return fmt.Errorf("error performing sql request: %w", err)
		}
	}
	return nil
}

func (s *Store) GetSessions(ctx context.Context, senderKey types.Curve25519Key) ([]*types.Session, error) {
	query := `SELECT data FROM olm_sessions WHERE sender_key = $1`

	rows, err := s.db.QueryContext(ctx, query, string(senderKey))
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("error performing sql request: %w", err)
		}
		session := &types.Session{}
		if err := json.Unmarshal(raw, session); err != nil {
			return nil, fmt.Errorf("decoding olm session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) GetInboundGroupSession(ctx context.Context, roomID types.RoomID, sessionID string) (*types.InboundGroupSession, error) {
	query := `SELECT data FROM group_sessions WHERE room_id = $1 AND session_id = $2`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, string(roomID), sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	session := &types.InboundGroupSession{}
	if err := json.Unmarshal(raw, session); err != nil {
		return nil, fmt.Errorf("decoding group session: %w", err)
	}
	return session, nil
}

func (s *Store) GetInboundGroupSessions(ctx context.Context) ([]*types.InboundGroupSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM group_sessions`)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var sessions []*types.InboundGroupSession
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("error performing sql request: %w", err)
		}
		session := &types.InboundGroupSession{}
		if err := json.Unmarshal(raw, session); err != nil {
			return nil, fmt.Errorf("decoding group session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) SaveInboundGroupSessions(ctx context.Context, sessions []*types.InboundGroupSession, backupVersion string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return saveGroupSessions(ctx, tx, sessions, backupVersion)
	})
}

func (s *Store) GetDevice(ctx context.Context, userID types.UserID, deviceID types.DeviceID) (*types.DeviceData, error) {
	query := `SELECT data FROM devices WHERE user_id = $1 AND device_id = $2`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, string(userID), string(deviceID)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	device := &types.DeviceData{}
	if err := json.Unmarshal(raw, device); err != nil {
		return nil, fmt.Errorf("decoding device: %w", err)
	}
	return device, nil
}

func (s *Store) GetUserDevices(ctx context.Context, userID types.UserID) (map[types.DeviceID]*types.DeviceData, error) {
	query := `SELECT data FROM devices WHERE user_id = $1`

	rows, err := s.db.QueryContext(ctx, query, string(userID))
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	devices := make(map[types.DeviceID]*types.DeviceData)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("error performing sql request: %w", err)
		}
		device := &types.DeviceData{}
		if err := json.Unmarshal(raw, device); err != nil {
			return nil, fmt.Errorf("decoding device: %w", err)
		}
		devices[device.DeviceID] = device
	}
	return devices, rows.Err()
}

func (s *Store) GetUserIdentity(ctx context.Context, userID types.UserID) (*types.IdentityData, error) {
	query := `SELECT data FROM identities WHERE user_id = $1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, string(userID)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	identity := &types.IdentityData{}
	if err := json.Unmarshal(raw, identity); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	return identity, nil
}

func (s *Store) LoadTrackedUsers(ctx context.Context) ([]types.TrackedUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, dirty FROM tracked_users`)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var users []types.TrackedUser
	for rows.Next() {
		var user types.TrackedUser
		if err := rows.Scan(&user.UserID, &user.Dirty); err != nil {
			return nil, fmt.Errorf("error performing sql request: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) SaveTrackedUsers(ctx context.Context, users []types.TrackedUser) error {
	query := `INSERT INTO tracked_users (user_id, dirty) VALUES ($1, $2)
	          ON CONFLICT (user_id) DO UPDATE SET dirty = EXCLUDED.dirty`

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, user := range users {
			if _, err := tx.ExecContext(ctx, query, string(user.UserID), user.Dirty); err != nil {
				return fmt.Errorf("error performing sql request: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) LoadBackupKeys(ctx context.Context) (types.BackupKeys, error) {
	var (
		keys    types.BackupKeys
		encoded sql.NullString
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT decryption_key, backup_version FROM backup_keys WHERE id = 1`,
	).Scan(&encoded, &keys.BackupVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BackupKeys{}, nil
	}
	if err != nil {
		return types.BackupKeys{}, fmt.Errorf("error performing sql request: %w", err)
	}

	if encoded.Valid {
		key, err := types.BackupDecryptionKeyFromBase64(encoded.String)
		if err != nil {
			return types.BackupKeys{}, err
		}
		keys.DecryptionKey = key
	}
	return keys, nil
}

func (s *Store) GetCustomValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM custom_values WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	return value, nil
}

func (s *Store) SetCustomValue(ctx context.Context, key string, value []byte) error {
	query := `INSERT INTO custom_values (key, value) VALUES ($1, $2)
	          ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (s *Store) RemoveCustomValue(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM custom_values WHERE key = $1`, key); err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (s *Store) GetSecretsFromInbox(ctx context.Context, name types.SecretName) ([]*types.GossippedSecret, error) {
	query := `SELECT data FROM secret_inbox WHERE name = $1 ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, string(name))
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var secrets []*types.GossippedSecret
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("error performing sql request: %w", err)
		}
		secret := &types.GossippedSecret{}
		if err := json.Unmarshal(raw, secret); err != nil {
			return nil, fmt.Errorf("decoding secret: %w", err)
		}
		secrets = append(secrets, secret)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteSecretsFromInbox(ctx context.Context, name types.SecretName) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secret_inbox WHERE name = $1`, string(name)); err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (s *Store) GetWithheldInfo(ctx context.Context, roomID types.RoomID, sessionID string) (*types.RoomKeyWithheldContent, error) {
	query := `SELECT data FROM withheld_sessions WHERE room_id = $1 AND session_id = $2`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, string(roomID), sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	content := &types.RoomKeyWithheldContent{}
	if err := json.Unmarshal(raw, content); err != nil {
		return nil, fmt.Errorf("decoding withheld record: %w", err)
	}
	return content, nil
}

func (s *Store) GetReceivedRoomKeyBundleData(ctx context.Context, roomID types.RoomID, senderUser types.UserID) (*types.StoredRoomKeyBundleData, error) {
	query := `SELECT data FROM received_bundles WHERE room_id = $1 AND sender_user = $2`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, string(roomID), string(senderUser)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	data := &types.StoredRoomKeyBundleData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("decoding received bundle: %w", err)
	}
	return data, nil
}

func (s *Store) TryTakeLeasedLock(ctx context.Context, leaseDuration time.Duration, key, holder string) (bool, error) {
	// The insert wins if no lease exists; the update wins if the lease is
	// ours or expired. Postgres serializes the row, so two processes
	// cannot both see success. The expiry is computed on the server so all
	// processes compare leases against the same clock.
	query := `INSERT INTO leases (key, holder, expires_at)
	          VALUES ($1, $2, NOW() + $3 * interval '1 millisecond')
	          ON CONFLICT (key) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
	          WHERE leases.holder = EXCLUDED.holder OR leases.expires_at < NOW()`

	res, err := s.db.ExecContext(ctx, query, key, holder, leaseDuration.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error performing sql request: %w", err)
	}
	return affected > 0, nil
}
