package postgres

import (
	"context"

	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/repository"
)

// AuditRepo implements AuditRepository using PostgreSQL. Rows are never
// updated or deleted; a table trigger rejects both.
type AuditRepo struct{ db *DB }

var _ repository.AuditRepository = (*AuditRepo)(nil)

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Append records an entry outside of any grant transition.
func (r *AuditRepo) Append(ctx context.Context, e model.AuditEntry) error {
	return errs.Storage("audit.append", insertAudit(ctx, r.db.Pool, e))
}

// ListForPatient returns entries about a patient, newest first.
func (r *AuditRepo) ListForPatient(ctx context.Context, patientID string, limit int) ([]model.AuditEntry, error) {
	const q = `
SELECT id, actor_id, actor_role, action, subject_patient_id, grant_id, details, occurred_at
FROM audit_log
WHERE subject_patient_id=$1
ORDER BY occurred_at DESC, id DESC
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, patientID, limit)
	if err != nil {
		return nil, errs.Storage("audit.list", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e            model.AuditEntry
			role, action string
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &role, &action, &e.SubjectPatientID, &e.GrantID, &e.Details, &e.Timestamp); err != nil {
			return nil, errs.Storage("audit.list", err)
		}
		e.ActorRole = model.Role(role)
		e.Action = model.Action(action)
		out = append(out, e)
	}
	return out, errs.Storage("audit.list", rows.Err())
}
