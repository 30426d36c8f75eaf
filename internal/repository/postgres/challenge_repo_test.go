package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/qrhealth/consent-core/internal/crypto"
	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/model"
)

var challengeColNames = []string{
	"id", "grant_id", "code_hash", "salt", "issued_at", "expires_at", "attempts_remaining", "consumed",
}

func sampleChallenge(code string) model.Challenge {
	salt := []byte("0123456789abcdef")
	return model.Challenge{
		ID:                uuid.Must(uuid.NewV7()),
		GrantID:           uuid.Must(uuid.NewV7()),
		CodeHash:          crypto.HashCode(code, salt),
		Salt:              salt,
		IssuedAt:          t0,
		ExpiresAt:         t0.Add(5 * time.Minute),
		AttemptsRemaining: 5,
	}
}

func challengeRow(c model.Challenge) *pgxmock.Rows {
	return pgxmock.NewRows(challengeColNames).
		AddRow(c.ID, c.GrantID, c.CodeHash, c.Salt, c.IssuedAt, c.ExpiresAt, c.AttemptsRemaining, c.Consumed)
}

func expectGrantLock(mock pgxmock.PgxPoolIface, grantID uuid.UUID, st model.Status) {
	mock.ExpectQuery(`SELECT status FROM access_grants WHERE id=\$1 FOR UPDATE`).
		WithArgs(grantID).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(string(st)))
}

func baseAudit(c model.Challenge) model.AuditEntry {
	return model.NewAudit(model.Actor{ID: "p1", Role: model.RolePatient}, "", "HID-1234-5678", t0).ForGrant(c.GrantID)
}

func TestChallengeRepo_Create_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChallengeRepo(db)
	c := sampleChallenge("123456")
	e := baseAudit(c).With(model.ActionOTPIssued, "")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO otp_challenges .* WHERE EXISTS \(SELECT 1 FROM access_grants WHERE id=\$2 AND status='PENDING' FOR SHARE\)`).
		WithArgs(c.ID, c.GrantID, c.CodeHash, c.Salt, c.IssuedAt, c.ExpiresAt, c.AttemptsRemaining).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectAudit(mock, e)
	mock.ExpectCommit()

	require.NoError(t, r.Create(context.Background(), c, e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeRepo_Create_GrantNotPending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChallengeRepo(db)
	c := sampleChallenge("123456")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO otp_challenges`).
		WithArgs(c.ID, c.GrantID, c.CodeHash, c.Salt, c.IssuedAt, c.ExpiresAt, c.AttemptsRemaining).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	require.ErrorIs(t, r.Create(context.Background(), c, baseAudit(c)), errs.ErrInvalidState)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO otp_challenges`).
		WithArgs(c.ID, c.GrantID, c.CodeHash, c.Salt, c.IssuedAt, c.ExpiresAt, c.AttemptsRemaining).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	require.ErrorIs(t, r.Create(context.Background(), c, baseAudit(c)), errs.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeRepo_Attempt_Mismatch(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChallengeRepo(db)
	c := sampleChallenge("123456")
	base := baseAudit(c)

	mock.ExpectBegin()
	expectGrantLock(mock, c.GrantID, model.StatusPending)
	mock.ExpectQuery(`FROM otp_challenges WHERE grant_id=\$1 FOR UPDATE`).
		WithArgs(c.GrantID).
		WillReturnRows(challengeRow(c))
	mock.ExpectExec(`UPDATE otp_challenges SET attempts_remaining=\$2 WHERE id=\$1`).
		WithArgs(c.ID, 4).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAudit(mock, base.With(model.ActionOTPFailed, "reason=mismatch"))
	mock.ExpectCommit()

	a, err := r.Attempt(context.Background(), c.GrantID, crypto.HashCode("654321", c.Salt), t0, base)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeMismatch, a.Outcome)
	require.Equal(t, 4, a.Challenge.AttemptsRemaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeRepo_Attempt_Verified(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChallengeRepo(db)
	c := sampleChallenge("123456")
	base := baseAudit(c)

	mock.ExpectBegin()
	expectGrantLock(mock, c.GrantID, model.StatusPending)
	mock.ExpectQuery(`FROM otp_challenges WHERE grant_id=\$1 FOR UPDATE`).
		WithArgs(c.GrantID).
		WillReturnRows(challengeRow(c))
	mock.ExpectExec(`UPDATE otp_challenges SET consumed=true WHERE id=\$1`).
		WithArgs(c.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAudit(mock, base.With(model.ActionOTPVerified, ""))
	mock.ExpectCommit()

	a, err := r.Attempt(context.Background(), c.GrantID, crypto.HashCode("123456", c.Salt), t0, base)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeVerified, a.Outcome)
	require.True(t, a.Challenge.Consumed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeRepo_Attempt_ExpiredWritesOnlyAudit(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChallengeRepo(db)
	c := sampleChallenge("123456")
	base := baseAudit(c)
	late := c.ExpiresAt.Add(time.Second)

	mock.ExpectBegin()
	expectGrantLock(mock, c.GrantID, model.StatusPending)
	mock.ExpectQuery(`FROM otp_challenges WHERE grant_id=\$1 FOR UPDATE`).
		WithArgs(c.GrantID).
		WillReturnRows(challengeRow(c))
	expectAudit(mock, base.With(model.ActionOTPFailed, "reason=expired"))
	mock.ExpectCommit()

	a, err := r.Attempt(context.Background(), c.GrantID, c.CodeHash, late, base)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeExpired, a.Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeRepo_Attempt_GrantClosed(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChallengeRepo(db)
	c := sampleChallenge("123456")

	mock.ExpectBegin()
	expectGrantLock(mock, c.GrantID, model.StatusDenied)
	mock.ExpectRollback()

	_, err := r.Attempt(context.Background(), c.GrantID, c.CodeHash, t0, baseAudit(c))
	require.ErrorIs(t, err, errs.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM access_grants WHERE id=\$1 FOR UPDATE`).
		WithArgs(c.GrantID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err = r.Attempt(context.Background(), c.GrantID, c.CodeHash, t0, baseAudit(c))
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChallengeRepo_GetByGrant_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewChallengeRepo(db)
	id := uuid.Must(uuid.NewV7())

	mock.ExpectQuery(`FROM otp_challenges WHERE grant_id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := r.GetByGrant(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
