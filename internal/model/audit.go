package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Action names an audited event.
type Action string

const (
	ActionLookupBasic    Action = "LOOKUP_BASIC"
	ActionRequestAccess  Action = "REQUEST_ACCESS"
	ActionOTPIssued      Action = "OTP_ISSUED"
	ActionOTPVerified    Action = "OTP_VERIFIED"
	ActionOTPFailed      Action = "OTP_FAILED"
	ActionGrantActivated Action = "GRANT_ACTIVATED"
	ActionGrantExpired   Action = "GRANT_EXPIRED"
	ActionGrantRevoked   Action = "GRANT_REVOKED"
	ActionGrantDenied    Action = "GRANT_DENIED"
)

// Role is the caller role carried by the session.
type Role string

const (
	RoleDoctor  Role = "DOCTOR"
	RolePatient Role = "PATIENT"
	RoleAdmin   Role = "ADMIN"
	RoleSystem  Role = "SYSTEM"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleDoctor, RolePatient, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is the verified identity of a caller. HealthID is set for patient sessions.
type Actor struct {
	ID       string
	Role     Role
	HealthID string
}

// SystemActor attributes background transitions such as expiry.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// AuditEntry is one immutable row of the audit log.
type AuditEntry struct {
	ID               uuid.UUID     `json:"id"`
	ActorID          string        `json:"actor_id"`
	ActorRole        Role          `json:"actor_role"`
	Action           Action        `json:"action"`
	SubjectPatientID string        `json:"subject_patient_id"`
	GrantID          uuid.NullUUID `json:"grant_id"`
	Details          string        `json:"details,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// NewAudit builds an entry attributed to actor. The store assigns the id.
func NewAudit(actor Actor, action Action, patientID string, at time.Time) AuditEntry {
	return AuditEntry{
		ActorID:          actor.ID,
		ActorRole:        actor.Role,
		Action:           action,
		SubjectPatientID: patientID,
		Timestamp:        at,
	}
}

// ForGrant returns a copy of e bound to grant id.
func (e AuditEntry) ForGrant(id uuid.UUID) AuditEntry {
	e.GrantID = uuid.NullUUID{UUID: id, Valid: true}
	return e
}

// With returns a copy of e with action and details replaced.
func (e AuditEntry) With(action Action, details string) AuditEntry {
	e.Action = action
	e.Details = details
	return e
}

// AttemptAudit returns the entry recorded for an attempt outcome: OTP_VERIFIED
// on success and OTP_FAILED carrying the reason otherwise.
func AttemptAudit(base AuditEntry, a Attempt) AuditEntry {
	if a.Outcome == OutcomeVerified {
		return base.With(ActionOTPVerified, "")
	}
	return base.With(ActionOTPFailed, "reason="+string(a.Outcome))
}
