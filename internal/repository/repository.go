// Package repository defines storage interfaces implemented by concrete backends.
//
// Every state transition takes the audit entry that records it; adapters
// persist both atomically or neither.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/qrhealth/consent-core/internal/model"
)

// OrphanGrace is how long a PENDING grant may exist without a challenge
// before it is considered stale.
const OrphanGrace = time.Minute

// GrantRepository stores access grants and their guarded transitions.
type GrantRepository interface {
	// CreatePending inserts a PENDING grant. Fails with errs.ErrDuplicatePending
	// or errs.ErrAlreadyActive when the pair already has an open grant.
	CreatePending(ctx context.Context, g model.Grant, audit model.AuditEntry) error

	// Promote moves PENDING to ACTIVE with expires_at = grantedAt + ttl.
	Promote(ctx context.Context, id uuid.UUID, grantedAt time.Time, ttl time.Duration, audit model.AuditEntry) (model.Grant, error)

	// Revoke moves ACTIVE to REVOKED while the grant is not yet due.
	Revoke(ctx context.Context, id uuid.UUID, actorID string, at time.Time, audit model.AuditEntry) (model.Grant, error)

	// ExpireIfDue moves ACTIVE to EXPIRED when now is past expires_at.
	// Returns errs.ErrInvalidState when the grant is not due or not ACTIVE.
	ExpireIfDue(ctx context.Context, id uuid.UUID, now time.Time, audit model.AuditEntry) (model.Grant, error)

	// Deny moves PENDING to DENIED.
	Deny(ctx context.Context, id uuid.UUID, actorID string, at time.Time, audit model.AuditEntry) (model.Grant, error)

	// Get loads a grant by id.
	Get(ctx context.Context, id uuid.UUID) (model.Grant, error)

	// FindActive returns the pair's ACTIVE grant or errs.ErrNotFound.
	FindActive(ctx context.Context, doctorID, patientID string) (model.Grant, error)

	// FindOpen returns the pair's PENDING or ACTIVE grant or errs.ErrNotFound.
	FindOpen(ctx context.Context, doctorID, patientID string) (model.Grant, error)

	// ListForPatient returns every grant of a patient, newest request first.
	ListForPatient(ctx context.Context, patientID string) ([]model.Grant, error)

	// ListDue returns up to limit ACTIVE grants past expiry at now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Grant, error)

	// ListStalePending returns up to limit PENDING grants whose challenge is
	// expired or exhausted, or that never received one within OrphanGrace.
	ListStalePending(ctx context.Context, now time.Time, limit int) ([]model.Grant, error)
}

// ChallengeRepository stores OTP challenges.
type ChallengeRepository interface {
	// Create inserts the challenge of a PENDING grant. Fails with
	// errs.ErrInvalidState if the grant is not PENDING or already has one.
	Create(ctx context.Context, c model.Challenge, audit model.AuditEntry) error

	// GetByGrant loads the challenge of a grant.
	GetByGrant(ctx context.Context, grantID uuid.UUID) (model.Challenge, error)

	// Attempt compares codeHash with the stored hash under a row lock,
	// applies the outcome and records AttemptAudit(base, outcome). It fails
	// ErrInvalidState without side effects once the grant left PENDING.
	Attempt(ctx context.Context, grantID uuid.UUID, codeHash []byte, now time.Time, base model.AuditEntry) (model.Attempt, error)
}

// AuditRepository is the append-only audit log.
type AuditRepository interface {
	// Append records an entry that is not part of a state transition.
	Append(ctx context.Context, e model.AuditEntry) error

	// ListForPatient returns up to limit entries about a patient, newest first.
	ListForPatient(ctx context.Context, patientID string, limit int) ([]model.AuditEntry, error)
}
