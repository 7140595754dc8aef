package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"

	"github.com/eematrix/cryptostore/types"
)

func newDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sqlmock expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestLoadAccount(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	account := &types.Account{UserID: "@alice:localhost", DeviceID: "ALICEDEVICE"}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM account WHERE id = 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(mustJSON(t, account)))

	loaded, err := s.LoadAccount(context.Background())
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if loaded.UserID != "@alice:localhost" {
		t.Fatalf("unexpected account: %+v", loaded)
	}
}

func TestLoadAccount_Missing(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM account WHERE id = 1`)).
		WillReturnError(sql.ErrNoRows)

	loaded, err := s.LoadAccount(context.Background())
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if loaded != nil {
		t.Fatal("a missing account must come back nil, not an error")
	}
}

func TestSavePendingChanges_UpsertsAccountInTx(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO account`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pending := &types.PendingChanges{Account: &types.Account{UserID: "@alice:localhost"}}
	if err := s.SavePendingChanges(context.Background(), pending); err != nil {
		t.Fatalf("SavePendingChanges: %v", err)
	}
}

func TestSaveChanges_RollsBackOnError(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	wantErr := errors.New("constraint violation")
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO identities`).WillReturnError(wantErr)
	mock.ExpectRollback()

	changes := &types.Changes{
		Identities: types.IdentityChanges{New: []*types.IdentityData{
			{UserID: "@bob:localhost"},
		}},
	}
	if err := s.SaveChanges(context.Background(), changes); !errors.Is(err, wantErr) {
		t.Fatalf("expected the exec error, got %v", err)
	}
}

func TestSaveChanges_WritesAllRecordKinds(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO private_identity`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO backup_keys`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO olm_sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO group_sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO identities`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO devices`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO withheld_sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO secret_inbox`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO received_bundles`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changes := &types.Changes{
		PrivateIdentity: types.NewEmptyCrossSigningIdentity("@alice:localhost"),
		BackupVersion:   "backup-v1",
		Sessions: []*types.Session{
			{SessionID: "olm1", SenderKey: "curve"},
		},
		InboundGroupSessions: []*types.InboundGroupSession{
			{RoomID: "!room:localhost", SessionID: "megolm1", SessionKey: "key"},
		},
		Identities: types.IdentityChanges{New: []*types.IdentityData{{UserID: "@bob:localhost"}}},
		Devices:    types.DeviceChanges{New: []*types.DeviceData{{UserID: "@bob:localhost", DeviceID: "BOBDEVICE"}}},
		Withheld: []types.RoomKeyWithheldContent{
			{RoomID: "!room:localhost", SessionID: "withheld1", Code: types.WithheldCodeUnverified},
		},
		Secrets: []*types.GossippedSecret{
			{Name: types.SecretNameRecoveryKey, Secret: "value"},
		},
		ReceivedRoomKeyBundles: []*types.StoredRoomKeyBundleData{
			{RoomID: "!room:localhost", SenderUser: "@bob:localhost"},
		},
	}
	if err := s.SaveChanges(context.Background(), changes); err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}
}

func TestSaveChanges_KeepsGroupSessionBackupVersion(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	// SaveChanges writes group sessions without a backup version; the upsert
	// must fall back to the stored value instead of blanking it.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CASE WHEN EXCLUDED.backup_version = '' THEN group_sessions.backup_version`)).
		WithArgs("!room:localhost", "megolm1", true, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changes := &types.Changes{
		InboundGroupSessions: []*types.InboundGroupSession{
			{RoomID: "!room:localhost", SessionID: "megolm1", SessionKey: "key", BackedUp: true},
		},
	}
	if err := s.SaveChanges(context.Background(), changes); err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}
}

func TestGetInboundGroupSession(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	session := &types.InboundGroupSession{RoomID: "!room:localhost", SessionID: "megolm1", SessionKey: "key"}
	mock.ExpectQuery(`SELECT data FROM group_sessions WHERE room_id`).
		WithArgs("!room:localhost", "megolm1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(mustJSON(t, session)))

	loaded, err := s.GetInboundGroupSession(context.Background(), "!room:localhost", "megolm1")
	if err != nil {
		t.Fatalf("GetInboundGroupSession: %v", err)
	}
	if loaded.SessionKey != "key" {
		t.Fatalf("unexpected session: %+v", loaded)
	}

	mock.ExpectQuery(`SELECT data FROM group_sessions WHERE room_id`).
		WithArgs("!room:localhost", "ghost").
		WillReturnError(sql.ErrNoRows)

	loaded, err = s.GetInboundGroupSession(context.Background(), "!room:localhost", "ghost")
	if err != nil || loaded != nil {
		t.Fatalf("a missing session must come back (nil, nil), got (%+v, %v)", loaded, err)
	}
}

func TestGetUserDevices(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	rows := sqlmock.NewRows([]string{"data"}).
		AddRow(mustJSON(t, &types.DeviceData{UserID: "@bob:localhost", DeviceID: "BOBDEVICE"})).
		AddRow(mustJSON(t, &types.DeviceData{UserID: "@bob:localhost", DeviceID: "BOBTABLET"}))
	mock.ExpectQuery(`SELECT data FROM devices WHERE user_id`).
		WithArgs("@bob:localhost").
		WillReturnRows(rows)

	devices, err := s.GetUserDevices(context.Background(), "@bob:localhost")
	if err != nil {
		t.Fatalf("GetUserDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if _, ok := devices["BOBTABLET"]; !ok {
		t.Fatal("devices must be keyed by device id")
	}
}

func TestLoadTrackedUsers(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	rows := sqlmock.NewRows([]string{"user_id", "dirty"}).
		AddRow("@bob:localhost", true).
		AddRow("@carol:localhost", false)
	mock.ExpectQuery(`SELECT user_id, dirty FROM tracked_users`).WillReturnRows(rows)

	users, err := s.LoadTrackedUsers(context.Background())
	if err != nil {
		t.Fatalf("LoadTrackedUsers: %v", err)
	}
	if len(users) != 2 || users[0].UserID != "@bob:localhost" || !users[0].Dirty {
		t.Fatalf("unexpected tracked users: %+v", users)
	}
}

func TestSaveTrackedUsers_UpsertsInTx(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO tracked_users`).
		WithArgs("@bob:localhost", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO tracked_users`).
		WithArgs("@carol:localhost", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveTrackedUsers(context.Background(), []types.TrackedUser{
		{UserID: "@bob:localhost", Dirty: true},
		{UserID: "@carol:localhost", Dirty: false},
	})
	if err != nil {
		t.Fatalf("SaveTrackedUsers: %v", err)
	}
}

func TestCustomValues(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO custom_values`).
		WithArgs("flag", []byte("true")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.SetCustomValue(ctx, "flag", []byte("true")); err != nil {
		t.Fatalf("SetCustomValue: %v", err)
	}

	mock.ExpectQuery(`SELECT value FROM custom_values`).
		WithArgs("flag").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("true")))
	value, err := s.GetCustomValue(ctx, "flag")
	if err != nil {
		t.Fatalf("GetCustomValue: %v", err)
	}
	if string(value) != "true" {
		t.Fatalf("unexpected value: %q", value)
	}

	mock.ExpectQuery(`SELECT value FROM custom_values`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	value, err = s.GetCustomValue(ctx, "missing")
	if err != nil || value != nil {
		t.Fatalf("a missing value must come back (nil, nil), got (%q, %v)", value, err)
	}

	mock.ExpectExec(`DELETE FROM custom_values`).
		WithArgs("flag").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.RemoveCustomValue(ctx, "flag"); err != nil {
		t.Fatalf("RemoveCustomValue: %v", err)
	}
}

func TestTryTakeLeasedLock(t *testing.T) {
	db, mock := newDB(t)
	s := New(db)

	// The expiry is a server-side NOW() offset, so the only time value on
	// the wire is the lease duration in milliseconds.
	mock.ExpectExec(regexp.QuoteMeta(`NOW() + $3 * interval '1 millisecond'`)).
		WithArgs("crypto-store", "alice", time.Second.Milliseconds()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	acquired, err := s.TryTakeLeasedLock(context.Background(), time.Second, "crypto-store", "alice")
	if err != nil {
		t.Fatalf("TryTakeLeasedLock: %v", err)
	}
	if !acquired {
		t.Fatal("an affected row means the lease was taken")
	}

	// No row affected: somebody else holds a live lease.
	mock.ExpectExec(`INSERT INTO leases`).
		WithArgs("crypto-store", "bob", time.Second.Milliseconds()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	acquired, err = s.TryTakeLeasedLock(context.Background(), time.Second, "crypto-store", "bob")
	if err != nil {
		t.Fatalf("TryTakeLeasedLock: %v", err)
	}
	if acquired {
		t.Fatal("zero affected rows means the lease was refused")
	}
}

func TestRunMigrations_CallsGoose(t *testing.T) {
	db, _ := newDB(t)
	s := New(db)

	called := false
	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		called = true
		if dir != "." {
			t.Errorf("dir = %q, want %q", dir, ".")
		}
		return nil
	}

	if err := s.RunMigrations(context.Background()); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if !called {
		t.Fatal("goose.UpContext was not invoked")
	}
}
