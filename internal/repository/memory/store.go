// Package memory contains in-process implementations of repository interfaces,
// used in development mode and by concurrency tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/qrhealth/consent-core/internal/crypto"
	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/repository"
)

// Store holds grants, challenges and audit entries under one mutex, so a
// transition and its audit entry are always applied together.
type Store struct {
	mu         sync.Mutex
	grants     map[uuid.UUID]model.Grant
	challenges map[uuid.UUID]model.Challenge // keyed by grant id
	audit      []model.AuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		grants:     make(map[uuid.UUID]model.Grant),
		challenges: make(map[uuid.UUID]model.Challenge),
	}
}

// Grants returns the grant repository view of s.
func (s *Store) Grants() *GrantRepo { return &GrantRepo{s: s} }

// Challenges returns the challenge repository view of s.
func (s *Store) Challenges() *ChallengeRepo { return &ChallengeRepo{s: s} }

// Audit returns the audit repository view of s.
func (s *Store) Audit() *AuditRepo { return &AuditRepo{s: s} }

// AuditEntries returns a copy of every entry in append order.
func (s *Store) AuditEntries() []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

// stamp assigns an id to e. Caller holds s.mu and appends only after every
// other check of the transition has passed.
func stamp(e model.AuditEntry) (model.AuditEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return e, err
	}
	e.ID = id
	return e, nil
}

func (s *Store) openFor(doctorID, patientID string) (model.Grant, bool) {
	for _, g := range s.grants {
		if g.DoctorID == doctorID && g.PatientID == patientID && g.Status.Open() {
			return g, true
		}
	}
	return model.Grant{}, false
}

// GrantRepo implements repository.GrantRepository.
type GrantRepo struct{ s *Store }

var _ repository.GrantRepository = (*GrantRepo)(nil)

// CreatePending inserts g when the pair has no open grant.
func (r *GrantRepo) CreatePending(_ context.Context, g model.Grant, audit model.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if cur, ok := r.s.openFor(g.DoctorID, g.PatientID); ok {
		if cur.Status == model.StatusActive {
			return errs.ErrAlreadyActive
		}
		return errs.ErrDuplicatePending
	}
	if _, ok := r.s.grants[g.ID]; ok {
		return errs.ErrInvalidState
	}
	e, err := stamp(audit)
	if err != nil {
		return err
	}
	g.Status = model.StatusPending
	r.s.grants[g.ID] = g
	r.s.audit = append(r.s.audit, e)
	return nil
}

// transition applies fn to the grant under the store lock. fn returns the
// updated grant or a domain error; the audit entry is appended on success.
func (r *GrantRepo) transition(id uuid.UUID, audit model.AuditEntry, fn func(g model.Grant) (model.Grant, error)) (model.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	g, ok := r.s.grants[id]
	if !ok {
		return model.Grant{}, errs.ErrNotFound
	}
	next, err := fn(g)
	if err != nil {
		return model.Grant{}, err
	}
	e, err := stamp(audit)
	if err != nil {
		return model.Grant{}, err
	}
	r.s.grants[id] = next
	r.s.audit = append(r.s.audit, e)
	return next, nil
}

// Promote moves PENDING to ACTIVE.
func (r *GrantRepo) Promote(_ context.Context, id uuid.UUID, grantedAt time.Time, ttl time.Duration, audit model.AuditEntry) (model.Grant, error) {
	return r.transition(id, audit, func(g model.Grant) (model.Grant, error) {
		if g.Status != model.StatusPending {
			return g, errs.ErrInvalidState
		}
		exp := grantedAt.Add(ttl)
		g.Status = model.StatusActive
		g.GrantedAt = &grantedAt
		g.ExpiresAt = &exp
		return g, nil
	})
}

// Revoke moves a not-yet-due ACTIVE grant to REVOKED.
func (r *GrantRepo) Revoke(_ context.Context, id uuid.UUID, actorID string, at time.Time, audit model.AuditEntry) (model.Grant, error) {
	return r.transition(id, audit, func(g model.Grant) (model.Grant, error) {
		if g.Status != model.StatusActive || g.Due(at) {
			return g, errs.ErrInvalidState
		}
		return closeGrant(g, model.StatusRevoked, actorID, at), nil
	})
}

// ExpireIfDue moves a due ACTIVE grant to EXPIRED.
func (r *GrantRepo) ExpireIfDue(_ context.Context, id uuid.UUID, now time.Time, audit model.AuditEntry) (model.Grant, error) {
	return r.transition(id, audit, func(g model.Grant) (model.Grant, error) {
		if !g.Due(now) {
			return g, errs.ErrInvalidState
		}
		return closeGrant(g, model.StatusExpired, audit.ActorID, now), nil
	})
}

// Deny moves PENDING to DENIED.
func (r *GrantRepo) Deny(_ context.Context, id uuid.UUID, actorID string, at time.Time, audit model.AuditEntry) (model.Grant, error) {
	return r.transition(id, audit, func(g model.Grant) (model.Grant, error) {
		if g.Status != model.StatusPending {
			return g, errs.ErrInvalidState
		}
		return closeGrant(g, model.StatusDenied, actorID, at), nil
	})
}

func closeGrant(g model.Grant, st model.Status, by string, at time.Time) model.Grant {
	g.Status = st
	g.ClosedAt = &at
	g.ClosedBy = by
	return g
}

// Get loads a grant by id.
func (r *GrantRepo) Get(_ context.Context, id uuid.UUID) (model.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[id]
	if !ok {
		return model.Grant{}, errs.ErrNotFound
	}
	return g, nil
}

// FindActive returns the pair's ACTIVE grant.
func (r *GrantRepo) FindActive(_ context.Context, doctorID, patientID string) (model.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.openFor(doctorID, patientID)
	if !ok || g.Status != model.StatusActive {
		return model.Grant{}, errs.ErrNotFound
	}
	return g, nil
}

// FindOpen returns the pair's PENDING or ACTIVE grant.
func (r *GrantRepo) FindOpen(_ context.Context, doctorID, patientID string) (model.Grant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.openFor(doctorID, patientID)
	if !ok {
		return model.Grant{}, errs.ErrNotFound
	}
	return g, nil
}

// ListForPatient returns the patient's grants, newest request first.
func (r *GrantRepo) ListForPatient(_ context.Context, patientID string) ([]model.Grant, error) {
	out := r.filter(func(g model.Grant) bool { return g.PatientID == patientID })
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

// ListDue returns ACTIVE grants past expiry, oldest expiry first.
func (r *GrantRepo) ListDue(_ context.Context, now time.Time, limit int) ([]model.Grant, error) {
	out := r.filter(func(g model.Grant) bool { return g.Due(now) })
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

// ListStalePending returns PENDING grants whose challenge is stale or missing.
func (r *GrantRepo) ListStalePending(_ context.Context, now time.Time, limit int) ([]model.Grant, error) {
	r.s.mu.Lock()
	var out []model.Grant
	for _, g := range r.s.grants {
		if g.Status != model.StatusPending {
			continue
		}
		c, ok := r.s.challenges[g.ID]
		if (ok && c.Stale(now)) || (!ok && g.RequestedAt.Before(now.Add(-repository.OrphanGrace))) {
			out = append(out, g)
		}
	}
	r.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return truncate(out, limit), nil
}

func (r *GrantRepo) filter(keep func(model.Grant) bool) []model.Grant {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Grant
	for _, g := range r.s.grants {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

// ChallengeRepo implements repository.ChallengeRepository.
type ChallengeRepo struct{ s *Store }

var _ repository.ChallengeRepository = (*ChallengeRepo)(nil)

// Create stores the challenge of a PENDING grant.
func (r *ChallengeRepo) Create(_ context.Context, c model.Challenge, audit model.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	g, ok := r.s.grants[c.GrantID]
	if !ok {
		return errs.ErrNotFound
	}
	if _, dup := r.s.challenges[c.GrantID]; dup || g.Status != model.StatusPending {
		return errs.ErrInvalidState
	}
	e, err := stamp(audit)
	if err != nil {
		return err
	}
	r.s.challenges[c.GrantID] = c
	r.s.audit = append(r.s.audit, e)
	return nil
}

// GetByGrant loads the challenge of a grant.
func (r *ChallengeRepo) GetByGrant(_ context.Context, grantID uuid.UUID) (model.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.challenges[grantID]
	if !ok {
		return model.Challenge{}, errs.ErrNotFound
	}
	return c, nil
}

// Attempt applies one verification attempt under the store lock. The
// challenge of a grant that is no longer PENDING is left untouched.
func (r *ChallengeRepo) Attempt(_ context.Context, grantID uuid.UUID, codeHash []byte, now time.Time, base model.AuditEntry) (model.Attempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.challenges[grantID]
	if !ok {
		return model.Attempt{}, errs.ErrNotFound
	}
	if r.s.grants[grantID].Status != model.StatusPending {
		return model.Attempt{}, errs.ErrInvalidState
	}
	a := c.Attempt(now, crypto.Equal(codeHash, c.CodeHash))
	e, err := stamp(model.AttemptAudit(base, a))
	if err != nil {
		return model.Attempt{}, err
	}
	r.s.challenges[grantID] = a.Challenge
	r.s.audit = append(r.s.audit, e)
	return a, nil
}

// AuditRepo implements repository.AuditRepository.
type AuditRepo struct{ s *Store }

var _ repository.AuditRepository = (*AuditRepo)(nil)

// Append records e.
func (r *AuditRepo) Append(_ context.Context, e model.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, err := stamp(e)
	if err != nil {
		return err
	}
	r.s.audit = append(r.s.audit, e)
	return nil
}

// ListForPatient returns entries about a patient, newest first.
func (r *AuditRepo) ListForPatient(_ context.Context, patientID string, limit int) ([]model.AuditEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.AuditEntry
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		if r.s.audit[i].SubjectPatientID == patientID {
			out = append(out, r.s.audit[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
