package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"carelock.org/internal/audit"
	"carelock.org/internal/session"
	"carelock.org/internal/twofactor"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestAuditAppend(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Audit().Append(context.Background(), &audit.Event{
		ID:        "evt-1",
		Timestamp: time.Now().UTC(),
		Actor:     audit.Actor{UserID: "u1", Role: "DOCTOR"},
		EventType: audit.TypePHIAccess,
		Action:    "chart read",
		Outcome:   audit.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAuditAppendWrapsStorageError(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into audit_events").
		WillReturnError(errors.New("connection refused"))

	err := store.Audit().Append(context.Background(), &audit.Event{ID: "evt-1"})
	if !errors.Is(err, audit.ErrStorage) {
		t.Fatalf("err = %v, want wrapped ErrStorage", err)
	}
}

func TestAuditQueryCountsBeforePaging(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select count\\(\\*\\) from audit_events where actor_user_id").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))
	mock.ExpectQuery("select .+ from audit_events where actor_user_id .+ order by ts desc").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "ts", "actor_user_id", "actor_role", "actor_name", "event_type", "event_category",
			"action", "resource_type", "resource_id", "resource_name", "outcome", "risk_level",
			"ip_address", "user_agent", "phi_accessed", "subject_patient_id", "access_reason",
			"data_fields", "metadata", "retention_date", "archived",
		}).AddRow("evt-1", now, "u1", "DOCTOR", nil, audit.TypePHIAccess, audit.CategoryDataAccess,
			"chart read", "PATIENT_DATA", "p1", nil, audit.OutcomeSuccess, audit.RiskLow,
			nil, nil, true, "p1", "active patient consent",
			[]byte(`["name","dob"]`), []byte(`{"k":"v"}`), now.Add(7*365*24*time.Hour), false))

	events, total, err := store.Audit().Query(context.Background(), audit.Filter{ActorUserID: "u1", Limit: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 42 || len(events) != 1 {
		t.Fatalf("total=%d events=%d", total, len(events))
	}
	e := events[0]
	if e.Metadata["k"] != "v" || len(e.DataFieldsAccessed) != 2 {
		t.Fatalf("decoded event = %+v", e)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionTerminateOnlyOnce(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("update sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	flipped, err := store.Sessions().Terminate(context.Background(), "tok", "expired", now)
	if err != nil || !flipped {
		t.Fatalf("first terminate = (%v, %v), want (true, nil)", flipped, err)
	}

	// Second flip matches no active row; the existence probe finds the row.
	mock.ExpectExec("update sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from sessions").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	flipped, err = store.Sessions().Terminate(context.Background(), "tok", "expired", now)
	if err != nil || flipped {
		t.Fatalf("second terminate = (%v, %v), want (false, nil)", flipped, err)
	}

	// Unknown token.
	mock.ExpectExec("update sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from sessions").
		WillReturnError(sql.ErrNoRows)
	_, err = store.Sessions().Terminate(context.Background(), "missing", "expired", now)
	if err != session.ErrSessionInvalid {
		t.Fatalf("unknown token err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumeSMSCodeExpired(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	// Conditional update misses, the probe shows an expired challenge, and
	// the challenge is cleared.
	mock.ExpectExec("update two_factor_credentials").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select sms_code_expires_at from two_factor_credentials").
		WillReturnRows(sqlmock.NewRows([]string{"sms_code_expires_at"}).AddRow(now.Add(-time.Minute)))
	mock.ExpectExec("update two_factor_credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.Credentials().ConsumeSMSCode(context.Background(), "u1", "hash", now)
	if ok || !errors.Is(err, twofactor.ErrCodeExpired) {
		t.Fatalf("got (%v, %v), want (false, ErrCodeExpired)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumeBackupCodeRemovesHash(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select backup_code_hashes from two_factor_credentials").
		WillReturnRows(sqlmock.NewRows([]string{"backup_code_hashes"}).
			AddRow([]byte(`["aaa","bbb"]`)))
	mock.ExpectExec("update two_factor_credentials set backup_code_hashes").
		WithArgs("u1", string(twofactor.MethodTOTP), []byte(`["aaa"]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := store.Credentials().ConsumeBackupCode(context.Background(), "u1", "bbb")
	if err != nil || !ok {
		t.Fatalf("consume = (%v, %v), want (true, nil)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumeBackupCodeMiss(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select backup_code_hashes from two_factor_credentials").
		WillReturnRows(sqlmock.NewRows([]string{"backup_code_hashes"}).
			AddRow([]byte(`["aaa"]`)))
	mock.ExpectRollback()

	ok, err := store.Credentials().ConsumeBackupCode(context.Background(), "u1", "zzz")
	if err != nil || ok {
		t.Fatalf("consume = (%v, %v), want (false, nil)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
