package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/repository"
)

// GrantRepo implements GrantRepository using PostgreSQL.
type GrantRepo struct{ db *DB }

var _ repository.GrantRepository = (*GrantRepo)(nil)

// NewGrantRepo constructs a grant repository.
func NewGrantRepo(db *DB) *GrantRepo { return &GrantRepo{db: db} }

const grantCols = `id, doctor_id, patient_id, status, scope, requested_at, granted_at, expires_at, closed_at, closed_by`

func scanGrant(row pgx.Row) (model.Grant, error) {
	var (
		g      model.Grant
		status string
		scope  int16
	)
	err := row.Scan(&g.ID, &g.DoctorID, &g.PatientID, &status, &scope,
		&g.RequestedAt, &g.GrantedAt, &g.ExpiresAt, &g.ClosedAt, &g.ClosedBy)
	if err != nil {
		return model.Grant{}, err
	}
	g.Status = model.Status(status)
	g.Scope = model.Scope(scope)
	return g, nil
}

// CreatePending inserts a PENDING grant together with its audit entry. The
// partial unique index on open pairs makes the check-and-insert atomic.
func (r *GrantRepo) CreatePending(ctx context.Context, g model.Grant, audit model.AuditEntry) error {
	const ins = `
INSERT INTO access_grants (id, doctor_id, patient_id, status, scope, requested_at)
VALUES ($1, $2, $3, 'PENDING', $4, $5)`
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ins, g.ID, g.DoctorID, g.PatientID, int16(g.Scope), g.RequestedAt); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
	if !isUniqueViolation(err) {
		return errs.Storage("grants.create", err)
	}
	open, ferr := r.FindOpen(ctx, g.DoctorID, g.PatientID)
	switch {
	case ferr == nil && open.Status == model.StatusActive:
		return errs.ErrAlreadyActive
	case ferr == nil, errors.Is(ferr, errs.ErrNotFound):
		return errs.ErrDuplicatePending
	default:
		return ferr
	}
}

// transition runs a guarded UPDATE ... RETURNING and appends audit in the
// same transaction. Zero rows means the grant is missing or in the wrong state.
func (r *GrantRepo) transition(ctx context.Context, op string, id uuid.UUID, audit model.AuditEntry, q string, args ...any) (model.Grant, error) {
	var g model.Grant
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		g, err = scanGrant(tx.QueryRow(ctx, q, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.classifyMiss(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return model.Grant{}, errs.Storage(op, err)
	}
	return g, nil
}

func (r *GrantRepo) classifyMiss(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM access_grants WHERE id=$1`, id).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errs.ErrNotFound
	case err != nil:
		return err
	}
	return errs.ErrInvalidState
}

// Promote moves PENDING to ACTIVE with a fixed expiry.
func (r *GrantRepo) Promote(ctx context.Context, id uuid.UUID, grantedAt time.Time, ttl time.Duration, audit model.AuditEntry) (model.Grant, error) {
	const q = `
UPDATE access_grants SET status='ACTIVE', granted_at=$2, expires_at=$3
WHERE id=$1 AND status='PENDING'
RETURNING ` + grantCols
	return r.transition(ctx, "grants.promote", id, audit, q, id, grantedAt, grantedAt.Add(ttl))
}

// Revoke moves a not-yet-due ACTIVE grant to REVOKED.
func (r *GrantRepo) Revoke(ctx context.Context, id uuid.UUID, actorID string, at time.Time, audit model.AuditEntry) (model.Grant, error) {
	const q = `
UPDATE access_grants SET status='REVOKED', closed_at=$2, closed_by=$3
WHERE id=$1 AND status='ACTIVE' AND expires_at >= $2
RETURNING ` + grantCols
	return r.transition(ctx, "grants.revoke", id, audit, q, id, at, actorID)
}

// ExpireIfDue moves a due ACTIVE grant to EXPIRED.
func (r *GrantRepo) ExpireIfDue(ctx context.Context, id uuid.UUID, now time.Time, audit model.AuditEntry) (model.Grant, error) {
	const q = `
UPDATE access_grants SET status='EXPIRED', closed_at=$2, closed_by=$3
WHERE id=$1 AND status='ACTIVE' AND expires_at < $2
RETURNING ` + grantCols
	return r.transition(ctx, "grants.expire", id, audit, q, id, now, audit.ActorID)
}

// Deny moves PENDING to DENIED.
func (r *GrantRepo) Deny(ctx context.Context, id uuid.UUID, actorID string, at time.Time, audit model.AuditEntry) (model.Grant, error) {
	const q = `
UPDATE access_grants SET status='DENIED', closed_at=$2, closed_by=$3
WHERE id=$1 AND status='PENDING'
RETURNING ` + grantCols
	return r.transition(ctx, "grants.deny", id, audit, q, id, at, actorID)
}

func (r *GrantRepo) one(ctx context.Context, op, q string, args ...any) (model.Grant, error) {
	g, err := scanGrant(r.db.Pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Grant{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Grant{}, errs.Storage(op, err)
	}
	return g, nil
}

// Get loads a grant by id.
func (r *GrantRepo) Get(ctx context.Context, id uuid.UUID) (model.Grant, error) {
	const q = `SELECT ` + grantCols + ` FROM access_grants WHERE id=$1`
	return r.one(ctx, "grants.get", q, id)
}

// FindActive returns the pair's ACTIVE grant.
func (r *GrantRepo) FindActive(ctx context.Context, doctorID, patientID string) (model.Grant, error) {
	const q = `SELECT ` + grantCols + ` FROM access_grants
WHERE doctor_id=$1 AND patient_id=$2 AND status='ACTIVE'`
	return r.one(ctx, "grants.find_active", q, doctorID, patientID)
}

// FindOpen returns the pair's PENDING or ACTIVE grant.
func (r *GrantRepo) FindOpen(ctx context.Context, doctorID, patientID string) (model.Grant, error) {
	const q = `SELECT ` + grantCols + ` FROM access_grants
WHERE doctor_id=$1 AND patient_id=$2 AND status IN ('PENDING','ACTIVE')`
	return r.one(ctx, "grants.find_open", q, doctorID, patientID)
}

func (r *GrantRepo) list(ctx context.Context, op, q string, args ...any) ([]model.Grant, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	defer rows.Close()

	var out []model.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, errs.Storage(op, err)
		}
		out = append(out, g)
	}
	return out, errs.Storage(op, rows.Err())
}

// ListForPatient returns the patient's grants, newest request first.
func (r *GrantRepo) ListForPatient(ctx context.Context, patientID string) ([]model.Grant, error) {
	const q = `SELECT ` + grantCols + ` FROM access_grants
WHERE patient_id=$1
ORDER BY requested_at DESC, id DESC`
	return r.list(ctx, "grants.list_patient", q, patientID)
}

// ListDue returns ACTIVE grants past expiry, oldest expiry first.
func (r *GrantRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Grant, error) {
	const q = `SELECT ` + grantCols + ` FROM access_grants
WHERE status='ACTIVE' AND expires_at < $1
ORDER BY expires_at
LIMIT $2`
	return r.list(ctx, "grants.list_due", q, now, limit)
}

// ListStalePending returns PENDING grants whose challenge is stale or missing.
func (r *GrantRepo) ListStalePending(ctx context.Context, now time.Time, limit int) ([]model.Grant, error) {
	const q = `
SELECT g.id, g.doctor_id, g.patient_id, g.status, g.scope, g.requested_at, g.granted_at, g.expires_at, g.closed_at, g.closed_by
FROM access_grants g
LEFT JOIN otp_challenges c ON c.grant_id = g.id
WHERE g.status='PENDING'
  AND ((c.id IS NULL AND g.requested_at < $2)
       OR c.expires_at < $1 OR c.attempts_remaining <= 0)
ORDER BY g.requested_at
LIMIT $3`
	return r.list(ctx, "grants.list_stale", q, now, now.Add(-repository.OrphanGrace), limit)
}
