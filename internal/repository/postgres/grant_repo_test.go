package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var grantColNames = []string{
	"id", "doctor_id", "patient_id", "status", "scope",
	"requested_at", "granted_at", "expires_at", "closed_at", "closed_by",
}

func grantRow(g model.Grant) *pgxmock.Rows {
	return pgxmock.NewRows(grantColNames).AddRow(
		g.ID, g.DoctorID, g.PatientID, string(g.Status), int16(g.Scope),
		g.RequestedAt, g.GrantedAt, g.ExpiresAt, g.ClosedAt, g.ClosedBy,
	)
}

func auditFor(g model.Grant, a model.Action) model.AuditEntry {
	return model.NewAudit(model.Actor{ID: g.DoctorID, Role: model.RoleDoctor}, a, g.PatientID, t0).ForGrant(g.ID)
}

func expectAudit(mock pgxmock.PgxPoolIface, e model.AuditEntry) {
	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(pgxmock.AnyArg(), e.ActorID, string(e.ActorRole), string(e.Action),
			e.SubjectPatientID, e.GrantID, e.Details, e.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func sampleGrant() model.Grant {
	return model.Grant{
		ID:          uuid.Must(uuid.NewV7()),
		DoctorID:    "doc-1",
		PatientID:   "HID-1234-5678",
		Status:      model.StatusPending,
		Scope:       model.DefaultScope,
		RequestedAt: t0,
	}
}

func TestGrantRepo_CreatePending_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	g := sampleGrant()
	e := auditFor(g, model.ActionRequestAccess)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO access_grants \(id, doctor_id, patient_id, status, scope, requested_at\)`).
		WithArgs(g.ID, g.DoctorID, g.PatientID, int16(g.Scope), g.RequestedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectAudit(mock, e)
	mock.ExpectCommit()

	require.NoError(t, r.CreatePending(context.Background(), g, e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepo_CreatePending_Conflicts(t *testing.T) {
	cases := []struct {
		name   string
		status model.Status
		want   error
	}{
		{"active", model.StatusActive, errs.ErrAlreadyActive},
		{"pending", model.StatusPending, errs.ErrDuplicatePending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newDB(t)
			defer mock.Close()
			r := NewGrantRepo(db)
			g := sampleGrant()
			existing := sampleGrant()
			existing.Status = tc.status

			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO access_grants`).
				WithArgs(g.ID, g.DoctorID, g.PatientID, int16(g.Scope), g.RequestedAt).
				WillReturnError(&pgconn.PgError{Code: "23505"})
			mock.ExpectRollback()
			mock.ExpectQuery(`FROM access_grants WHERE doctor_id=\$1 AND patient_id=\$2 AND status IN \('PENDING','ACTIVE'\)`).
				WithArgs(g.DoctorID, g.PatientID).
				WillReturnRows(grantRow(existing))

			err := r.CreatePending(context.Background(), g, auditFor(g, model.ActionRequestAccess))
			require.ErrorIs(t, err, tc.want)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGrantRepo_CreatePending_StorageFailure(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)

	mock.ExpectBegin().WillReturnError(errors.New("conn reset"))
	err := r.CreatePending(context.Background(), sampleGrant(), model.AuditEntry{})
	require.ErrorIs(t, err, errs.ErrStorage)
	require.False(t, errs.IsDomain(err))
}

func TestGrantRepo_Promote_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	g := sampleGrant()
	ttl := 30 * time.Minute
	granted := t0.Add(time.Minute)
	exp := granted.Add(ttl)
	active := g
	active.Status = model.StatusActive
	active.GrantedAt = &granted
	active.ExpiresAt = &exp
	e := auditFor(g, model.ActionGrantActivated)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE access_grants SET status='ACTIVE', granted_at=\$2, expires_at=\$3 WHERE id=\$1 AND status='PENDING' RETURNING`).
		WithArgs(g.ID, granted, exp).
		WillReturnRows(grantRow(active))
	expectAudit(mock, e)
	mock.ExpectCommit()

	got, err := r.Promote(context.Background(), g.ID, granted, ttl, e)
	require.NoError(t, err)
	require.Equal(t, model.StatusActive, got.Status)
	require.Equal(t, ttl, got.ExpiresAt.Sub(*got.GrantedAt))
	require.Equal(t, model.DefaultScope, got.Scope)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepo_Promote_WrongState(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	id := uuid.Must(uuid.NewV7())

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE access_grants SET status='ACTIVE'`).
		WithArgs(id, t0, t0.Add(time.Minute)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT 1 FROM access_grants WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	_, err := r.Promote(context.Background(), id, t0, time.Minute, model.AuditEntry{})
	require.ErrorIs(t, err, errs.ErrInvalidState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepo_Revoke_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	id := uuid.Must(uuid.NewV7())

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE access_grants SET status='REVOKED', closed_at=\$2, closed_by=\$3 WHERE id=\$1 AND status='ACTIVE' AND expires_at >= \$2`).
		WithArgs(id, t0, "p1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT 1 FROM access_grants WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := r.Revoke(context.Background(), id, "p1", t0, model.AuditEntry{})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepo_ExpireIfDue_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	g := sampleGrant()
	now := t0.Add(time.Hour)
	exp := t0.Add(30 * time.Minute)
	closed := g
	closed.Status = model.StatusExpired
	closed.ExpiresAt = &exp
	closed.ClosedAt = &now
	closed.ClosedBy = model.SystemActor.ID
	e := model.NewAudit(model.SystemActor, model.ActionGrantExpired, g.PatientID, now).ForGrant(g.ID)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE access_grants SET status='EXPIRED', closed_at=\$2, closed_by=\$3 WHERE id=\$1 AND status='ACTIVE' AND expires_at < \$2`).
		WithArgs(g.ID, now, model.SystemActor.ID).
		WillReturnRows(grantRow(closed))
	expectAudit(mock, e)
	mock.ExpectCommit()

	got, err := r.ExpireIfDue(context.Background(), g.ID, now, e)
	require.NoError(t, err)
	require.Equal(t, model.StatusExpired, got.Status)
	require.Equal(t, "system", got.ClosedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepo_FindActive_NotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)

	mock.ExpectQuery(`FROM access_grants WHERE doctor_id=\$1 AND patient_id=\$2 AND status='ACTIVE'`).
		WithArgs("doc-1", "HID-1234-5678").
		WillReturnError(pgx.ErrNoRows)

	_, err := r.FindActive(context.Background(), "doc-1", "HID-1234-5678")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGrantRepo_ListStalePending(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	a, b := sampleGrant(), sampleGrant()

	mock.ExpectQuery(`LEFT JOIN otp_challenges c ON c.grant_id = g.id WHERE g.status='PENDING'`).
		WithArgs(t0, t0.Add(-repository.OrphanGrace), 50).
		WillReturnRows(pgxmock.NewRows(grantColNames).
			AddRow(a.ID, a.DoctorID, a.PatientID, "PENDING", int16(a.Scope), a.RequestedAt, a.GrantedAt, a.ExpiresAt, a.ClosedAt, "").
			AddRow(b.ID, b.DoctorID, b.PatientID, "PENDING", int16(b.Scope), b.RequestedAt, b.GrantedAt, b.ExpiresAt, b.ClosedAt, ""))

	got, err := r.ListStalePending(context.Background(), t0, 50)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, a.ID, got[0].ID)
	require.Equal(t, model.StatusPending, got[1].Status)
}

func TestGrantRepo_ListForPatient_QueryError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)

	mock.ExpectQuery(`WHERE patient_id=\$1 ORDER BY requested_at DESC, id DESC`).
		WithArgs("HID-1234-5678").
		WillReturnError(errors.New("boom"))

	_, err := r.ListForPatient(context.Background(), "HID-1234-5678")
	require.ErrorIs(t, err, errs.ErrStorage)
}
