// Package service contains the consent services: OTP challenges and the
// access gateway used by the HTTP boundary.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/crypto"
	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/metrics"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/notify"
	"github.com/qrhealth/consent-core/internal/repository"
)

// maxCodeLen bounds submitted codes before they reach the hash.
const maxCodeLen = 32

// OTPConfig holds the challenge and grant constants.
type OTPConfig struct {
	Digits      int
	TTL         time.Duration
	MaxAttempts int
	GrantTTL    time.Duration
}

// DefaultOTPConfig is a six digit code, valid five minutes with five
// attempts, unlocking thirty minutes of access.
var DefaultOTPConfig = OTPConfig{Digits: 6, TTL: 5 * time.Minute, MaxAttempts: 5, GrantTTL: 30 * time.Minute}

// OTPService issues and verifies grant challenges.
type OTPService interface {
	// Issue creates the challenge of PENDING grant g and hands the code to
	// the notifier. The code is never returned.
	Issue(ctx context.Context, g model.Grant, actor model.Actor) (model.ChallengeHandle, error)
	// Verify applies one attempt of code against g's challenge and promotes
	// g to ACTIVE on a match.
	Verify(ctx context.Context, g model.Grant, code string, actor model.Actor) (model.Grant, error)
	// Live reports whether PENDING grant g can still be approved.
	Live(ctx context.Context, g model.Grant) (bool, error)
}

type OTPServiceImpl struct {
	grants     repository.GrantRepository
	challenges repository.ChallengeRepository
	audit      repository.AuditRepository
	sender     notify.Sender
	cfg        OTPConfig
	log        *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewOTPService constructs OTPService with required dependencies.
func NewOTPService(grants repository.GrantRepository, challenges repository.ChallengeRepository, audit repository.AuditRepository, sender notify.Sender, cfg OTPConfig, log *zap.Logger, m *metrics.Metrics) *OTPServiceImpl {
	return &OTPServiceImpl{
		grants:     grants,
		challenges: challenges,
		audit:      audit,
		sender:     sender,
		cfg:        cfg,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// Issue generates a code, stores its argon2id hash and queues delivery.
func (s *OTPServiceImpl) Issue(ctx context.Context, g model.Grant, actor model.Actor) (model.ChallengeHandle, error) {
	code, err := crypto.NewCode(s.cfg.Digits)
	if err != nil {
		return model.ChallengeHandle{}, err
	}
	salt, err := crypto.RandBytes(crypto.SaltLen)
	if err != nil {
		return model.ChallengeHandle{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.ChallengeHandle{}, err
	}
	now := s.now().UTC()
	c := model.Challenge{
		ID:                id,
		GrantID:           g.ID,
		CodeHash:          crypto.HashCode(code, salt),
		Salt:              salt,
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.cfg.TTL),
		AttemptsRemaining: s.cfg.MaxAttempts,
	}
	audit := model.NewAudit(actor, model.ActionOTPIssued, g.PatientID, now).ForGrant(g.ID)
	if err := s.challenges.Create(ctx, c, audit); err != nil {
		return model.ChallengeHandle{}, err
	}
	s.metrics.Audited(string(model.ActionOTPIssued))

	if err := s.sender.SendOTP(ctx, g.PatientID, code); err != nil {
		s.log.Warn("otp not queued", zap.String("grant_id", g.ID.String()), zap.Error(err))
	}
	return c.Handle(), nil
}

// Verify charges one attempt. A match promotes the grant; an expired
// challenge or the mismatch that uses the last attempt denies it.
func (s *OTPServiceImpl) Verify(ctx context.Context, g model.Grant, code string, actor model.Actor) (model.Grant, error) {
	now := s.now().UTC()
	base := model.NewAudit(actor, model.ActionOTPFailed, g.PatientID, now).ForGrant(g.ID)
	if len(code) > maxCodeLen {
		return model.Grant{}, s.reject(ctx, base, "invalid_input", errs.ErrInvalidInput)
	}
	c, err := s.challenges.GetByGrant(ctx, g.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Grant{}, s.reject(ctx, base, "no_challenge", err)
	}
	if err != nil {
		return model.Grant{}, err
	}
	hash := crypto.HashCode(code, c.Salt)

	a, err := s.challenges.Attempt(ctx, g.ID, hash, now, base)
	if err != nil {
		return model.Grant{}, err
	}
	s.metrics.Attempt(string(a.Outcome))
	s.metrics.Audited(string(model.AttemptAudit(base, a).Action))

	switch {
	case a.Outcome == model.OutcomeVerified:
		audit := model.NewAudit(actor, model.ActionGrantActivated, g.PatientID, now).ForGrant(g.ID)
		active, err := s.grants.Promote(ctx, g.ID, now, s.cfg.GrantTTL, audit)
		if err != nil {
			return model.Grant{}, err
		}
		s.metrics.Audited(string(model.ActionGrantActivated))
		return active, nil
	case a.Outcome == model.OutcomeExpired:
		s.deny(ctx, g, now, "otp_expired")
	case a.Exhausted():
		s.deny(ctx, g, now, "attempts_exhausted")
	}
	return model.Grant{}, a.Outcome.Err()
}

// reject records an OTP_FAILED entry for a submission that never reached the
// challenge, so no attempt is charged, and returns cause.
func (s *OTPServiceImpl) reject(ctx context.Context, base model.AuditEntry, reason string, cause error) error {
	if err := s.audit.Append(ctx, base.With(model.ActionOTPFailed, "reason="+reason)); err != nil {
		return err
	}
	s.metrics.Audited(string(model.ActionOTPFailed))
	return cause
}

// deny closes g after a failed challenge. Failures are left to the sweeper.
func (s *OTPServiceImpl) deny(ctx context.Context, g model.Grant, now time.Time, reason string) {
	audit := model.NewAudit(model.SystemActor, model.ActionGrantDenied, g.PatientID, now).
		ForGrant(g.ID).
		With(model.ActionGrantDenied, "reason="+reason)
	_, err := s.grants.Deny(ctx, g.ID, model.SystemActor.ID, now, audit)
	switch {
	case err == nil:
		s.metrics.Audited(string(model.ActionGrantDenied))
	case errors.Is(err, errs.ErrInvalidState):
	default:
		s.log.Warn("deny after failed otp", zap.String("grant_id", g.ID.String()), zap.Error(err))
	}
}

// Live reports whether g's challenge can still succeed. A grant without a
// challenge counts as live during repository.OrphanGrace, while Issue is
// still running.
func (s *OTPServiceImpl) Live(ctx context.Context, g model.Grant) (bool, error) {
	now := s.now().UTC()
	c, err := s.challenges.GetByGrant(ctx, g.ID)
	if errors.Is(err, errs.ErrNotFound) {
		return now.Sub(g.RequestedAt) < repository.OrphanGrace, nil
	}
	if err != nil {
		return false, err
	}
	return !c.Dead(now), nil
}
