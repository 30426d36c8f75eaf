package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/directory"
	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/limiter"
	"github.com/qrhealth/consent-core/internal/metrics"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/notify"
	"github.com/qrhealth/consent-core/internal/repository"
)

const (
	// DefaultAuditLimit is the page size of ListAuditHistory.
	DefaultAuditLimit = 50
	// MaxAuditLimit caps a requested page size.
	MaxAuditLimit = 500
)

// AccessGateway is the consent API used by the record-serving layer and UI endpoints.
type AccessGateway interface {
	// Lookup returns the FULL view when the doctor holds an ACTIVE grant that
	// is not due, and the BASIC view otherwise.
	Lookup(ctx context.Context, actor model.Actor, healthID string) (model.View, error)
	// RequestAccess opens a PENDING grant and issues its OTP challenge.
	RequestAccess(ctx context.Context, actor model.Actor, healthID string, scope model.Scope) (model.ChallengeHandle, error)
	// VerifyAccess submits the patient's code for a grant.
	VerifyAccess(ctx context.Context, actor model.Actor, healthID string, grantID uuid.UUID, code string) (model.Grant, error)
	// Revoke ends an ACTIVE grant on behalf of its patient.
	Revoke(ctx context.Context, actor model.Actor, grantID uuid.UUID) error
	// Decline refuses a PENDING grant on behalf of its patient.
	Decline(ctx context.Context, actor model.Actor, grantID uuid.UUID) error
	// ListGrants returns every grant of a patient, newest first.
	ListGrants(ctx context.Context, actor model.Actor, healthID string) ([]model.GrantSummary, error)
	// ListAuditHistory returns up to limit audit entries about a patient.
	ListAuditHistory(ctx context.Context, actor model.Actor, healthID string, limit int) ([]model.AuditEntry, error)
}

type AccessGatewayImpl struct {
	grants  repository.GrantRepository
	audit   repository.AuditRepository
	otp     OTPService
	dir     directory.Directory
	lim     limiter.Limiter
	sender  notify.Sender
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// GatewayDeps groups the collaborators of AccessGatewayImpl.
type GatewayDeps struct {
	Grants    repository.GrantRepository
	Audit     repository.AuditRepository
	OTP       OTPService
	Directory directory.Directory
	Limiter   limiter.Limiter // nil disables request limiting
	Sender    notify.Sender   // nil disables grant events
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

// NewAccessGateway constructs AccessGateway with required dependencies.
func NewAccessGateway(d GatewayDeps) *AccessGatewayImpl {
	g := &AccessGatewayImpl{
		grants:  d.Grants,
		audit:   d.Audit,
		otp:     d.OTP,
		dir:     d.Directory,
		lim:     d.Limiter,
		sender:  d.Sender,
		log:     d.Log,
		metrics: d.Metrics,
		now:     time.Now,
	}
	if g.lim == nil {
		g.lim = limiter.Nop{}
	}
	if g.sender == nil {
		g.sender = notify.Nop{}
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	return g
}

// Lookup expires a due grant in place before choosing the view.
func (s *AccessGatewayImpl) Lookup(ctx context.Context, actor model.Actor, healthID string) (model.View, error) {
	if actor.Role != model.RoleDoctor {
		return model.View{}, errs.ErrForbidden
	}
	if !model.ValidHealthID(healthID) {
		return model.View{}, errs.ErrInvalidInput
	}
	p, err := s.dir.Patient(ctx, healthID)
	if err != nil {
		return model.View{}, err
	}

	now := s.now().UTC()
	g, err := s.grants.FindActive(ctx, actor.ID, healthID)
	switch {
	case err == nil && !g.Due(now):
		return model.FullView(p, g, now), nil
	case err == nil:
		if _, err := s.expire(ctx, g, now); err != nil {
			return model.View{}, err
		}
	case !errors.Is(err, errs.ErrNotFound):
		return model.View{}, err
	}

	if err := s.audit.Append(ctx, model.NewAudit(actor, model.ActionLookupBasic, healthID, now)); err != nil {
		return model.View{}, err
	}
	s.metrics.Audited(string(model.ActionLookupBasic))
	return model.BasicView(p, now), nil
}

// RequestAccess checks the doctor and the request budget, settles any open
// grant of the pair and creates a fresh PENDING grant with its challenge.
func (s *AccessGatewayImpl) RequestAccess(ctx context.Context, actor model.Actor, healthID string, scope model.Scope) (model.ChallengeHandle, error) {
	if actor.Role != model.RoleDoctor {
		return model.ChallengeHandle{}, errs.ErrForbidden
	}
	if !model.ValidHealthID(healthID) || !scope.Valid() {
		return model.ChallengeHandle{}, errs.ErrInvalidInput
	}
	doc, err := s.dir.Doctor(ctx, actor.ID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return model.ChallengeHandle{}, errs.ErrDoctorUnverified
	case err != nil:
		return model.ChallengeHandle{}, err
	case !doc.Verified:
		return model.ChallengeHandle{}, errs.ErrDoctorUnverified
	}
	if _, err := s.dir.Patient(ctx, healthID); err != nil {
		return model.ChallengeHandle{}, err
	}

	allowed, retry, err := s.lim.Allow(ctx, actor.ID)
	if err != nil {
		s.log.Warn("request limiter unavailable, allowing", zap.String("doctor_id", actor.ID), zap.Error(err))
	} else if !allowed {
		return model.ChallengeHandle{}, &errs.RetryAfterError{After: retry}
	}

	now := s.now().UTC()
	if err := s.settleOpen(ctx, actor.ID, healthID, now); err != nil {
		return model.ChallengeHandle{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return model.ChallengeHandle{}, err
	}
	g := model.Grant{
		ID:          id,
		DoctorID:    actor.ID,
		PatientID:   healthID,
		Status:      model.StatusPending,
		Scope:       scope,
		RequestedAt: now,
	}
	audit := model.NewAudit(actor, model.ActionRequestAccess, healthID, now).
		ForGrant(id).
		With(model.ActionRequestAccess, "scope="+scope.String())
	if err := s.grants.CreatePending(ctx, g, audit); err != nil {
		return model.ChallengeHandle{}, err
	}
	s.metrics.Audited(string(model.ActionRequestAccess))

	// A failed Issue leaves an orphan that the sweeper denies after OrphanGrace.
	return s.otp.Issue(ctx, g, actor)
}

// settleOpen clears the way for a new request of the pair: a due ACTIVE
// grant is expired and a PENDING grant whose challenge is dead is denied.
func (s *AccessGatewayImpl) settleOpen(ctx context.Context, doctorID, healthID string, now time.Time) error {
	open, err := s.grants.FindOpen(ctx, doctorID, healthID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if open.Status == model.StatusActive {
		if !open.Due(now) {
			return errs.ErrAlreadyActive
		}
		_, err := s.expire(ctx, open, now)
		return err
	}

	live, err := s.otp.Live(ctx, open)
	if err != nil {
		return err
	}
	if live {
		return errs.ErrDuplicatePending
	}
	audit := model.NewAudit(model.SystemActor, model.ActionGrantDenied, healthID, now).
		ForGrant(open.ID).
		With(model.ActionGrantDenied, "reason=superseded")
	_, err = s.grants.Deny(ctx, open.ID, model.SystemActor.ID, now, audit)
	switch {
	case err == nil:
		s.metrics.Audited(string(model.ActionGrantDenied))
	case !errors.Is(err, errs.ErrInvalidState):
		return err
	}
	return nil
}

// VerifyAccess is callable only by the patient the grant belongs to.
func (s *AccessGatewayImpl) VerifyAccess(ctx context.Context, actor model.Actor, healthID string, grantID uuid.UUID, code string) (model.Grant, error) {
	if err := ownPatient(actor, healthID); err != nil {
		return model.Grant{}, err
	}
	g, err := s.grants.Get(ctx, grantID)
	if err != nil {
		return model.Grant{}, err
	}
	if g.PatientID != healthID {
		return model.Grant{}, errs.ErrNotOwner
	}

	active, err := s.otp.Verify(ctx, g, code, actor)
	if err != nil {
		return model.Grant{}, err
	}
	s.notify(ctx, notify.EventGrantActivated, active)
	return active, nil
}

// Revoke lazily expires a due grant first, so revoking it reports InvalidState.
func (s *AccessGatewayImpl) Revoke(ctx context.Context, actor model.Actor, grantID uuid.UUID) error {
	g, err := s.owned(ctx, actor, grantID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if g.Due(now) {
		if _, err := s.expire(ctx, g, now); err != nil {
			return err
		}
		return errs.ErrInvalidState
	}

	audit := model.NewAudit(actor, model.ActionGrantRevoked, g.PatientID, now).ForGrant(g.ID)
	revoked, err := s.grants.Revoke(ctx, g.ID, actor.ID, now, audit)
	if err != nil {
		return err
	}
	s.metrics.Audited(string(model.ActionGrantRevoked))
	s.notify(ctx, notify.EventGrantRevoked, revoked)
	return nil
}

// Decline denies a PENDING grant.
func (s *AccessGatewayImpl) Decline(ctx context.Context, actor model.Actor, grantID uuid.UUID) error {
	g, err := s.owned(ctx, actor, grantID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	audit := model.NewAudit(actor, model.ActionGrantDenied, g.PatientID, now).
		ForGrant(g.ID).
		With(model.ActionGrantDenied, "reason=declined")
	if _, err := s.grants.Deny(ctx, g.ID, actor.ID, now, audit); err != nil {
		return err
	}
	s.metrics.Audited(string(model.ActionGrantDenied))
	return nil
}

// ListGrants expires due rows before projecting them.
func (s *AccessGatewayImpl) ListGrants(ctx context.Context, actor model.Actor, healthID string) ([]model.GrantSummary, error) {
	if err := readPatient(actor, healthID); err != nil {
		return nil, err
	}
	grants, err := s.grants.ListForPatient(ctx, healthID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := make([]model.GrantSummary, 0, len(grants))
	for _, g := range grants {
		if g.Due(now) {
			if g, err = s.expire(ctx, g, now); err != nil {
				return nil, err
			}
		}
		out = append(out, g.Summary())
	}
	return out, nil
}

// ListAuditHistory is readable by the patient and by admins.
func (s *AccessGatewayImpl) ListAuditHistory(ctx context.Context, actor model.Actor, healthID string, limit int) ([]model.AuditEntry, error) {
	if err := readPatient(actor, healthID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultAuditLimit
	case limit > MaxAuditLimit:
		limit = MaxAuditLimit
	}
	return s.audit.ListForPatient(ctx, healthID, limit)
}

// expire moves a due grant to EXPIRED. Losing the race to the sweeper or a
// concurrent lookup is not an error; the current row is returned instead.
func (s *AccessGatewayImpl) expire(ctx context.Context, g model.Grant, now time.Time) (model.Grant, error) {
	audit := model.NewAudit(model.SystemActor, model.ActionGrantExpired, g.PatientID, now).ForGrant(g.ID)
	exp, err := s.grants.ExpireIfDue(ctx, g.ID, now, audit)
	if errors.Is(err, errs.ErrInvalidState) {
		return s.grants.Get(ctx, g.ID)
	}
	if err != nil {
		return model.Grant{}, err
	}
	s.metrics.Audited(string(model.ActionGrantExpired))
	s.notify(ctx, notify.EventGrantExpired, exp)
	return exp, nil
}

func (s *AccessGatewayImpl) owned(ctx context.Context, actor model.Actor, grantID uuid.UUID) (model.Grant, error) {
	if actor.Role != model.RolePatient {
		return model.Grant{}, errs.ErrForbidden
	}
	g, err := s.grants.Get(ctx, grantID)
	if err != nil {
		return model.Grant{}, err
	}
	if g.PatientID != actor.HealthID {
		return model.Grant{}, errs.ErrNotOwner
	}
	return g, nil
}

func (s *AccessGatewayImpl) notify(ctx context.Context, kind notify.EventKind, g model.Grant) {
	ev := notify.Event{
		Kind:      kind,
		GrantID:   g.ID.String(),
		DoctorID:  g.DoctorID,
		PatientID: g.PatientID,
		ExpiresAt: g.ExpiresAt,
		At:        s.now().UTC(),
	}
	if err := s.sender.SendGrantEvent(ctx, ev); err != nil {
		s.log.Warn("grant event not queued", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// ownPatient admits only the patient session of healthID.
func ownPatient(actor model.Actor, healthID string) error {
	if actor.Role != model.RolePatient {
		return errs.ErrForbidden
	}
	if !model.ValidHealthID(healthID) {
		return errs.ErrInvalidInput
	}
	if actor.HealthID != healthID {
		return errs.ErrNotOwner
	}
	return nil
}

// readPatient also admits admins.
func readPatient(actor model.Actor, healthID string) error {
	if actor.Role == model.RoleAdmin {
		if !model.ValidHealthID(healthID) {
			return errs.ErrInvalidInput
		}
		return nil
	}
	return ownPatient(actor, healthID)
}
