package model

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/qrhealth/consent-core/internal/errs"
)

// Challenge is the OTP artifact tied to one PENDING grant. The plaintext
// code is never stored.
type Challenge struct {
	ID                uuid.UUID
	GrantID           uuid.UUID
	CodeHash          []byte
	Salt              []byte
	IssuedAt          time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
	Consumed          bool
}

// Check returns the reason no further attempt may succeed, or nil.
func (c Challenge) Check(now time.Time) error {
	switch {
	case now.After(c.ExpiresAt):
		return errs.ErrExpired
	case c.Consumed:
		return errs.ErrAlreadyConsumed
	case c.AttemptsRemaining <= 0:
		return errs.ErrAttemptsExhausted
	}
	return nil
}

// Dead reports whether the challenge can no longer be verified.
func (c Challenge) Dead(now time.Time) bool { return c.Check(now) != nil }

// Stale reports whether the sweeper may deny the challenge's grant. A
// consumed challenge only turns stale once expired, leaving room for the
// promotion that follows a successful attempt.
func (c Challenge) Stale(now time.Time) bool {
	return now.After(c.ExpiresAt) || c.AttemptsRemaining <= 0
}

// ChallengeHandle is returned to the requesting doctor. It never carries the code.
type ChallengeHandle struct {
	GrantID           uuid.UUID `json:"grant_id"`
	ChallengeID       uuid.UUID `json:"challenge_id"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	AttemptsRemaining int       `json:"attempts_remaining"`
}

// Handle projects c for the requesting caller.
func (c Challenge) Handle() ChallengeHandle {
	return ChallengeHandle{
		GrantID:           c.GrantID,
		ChallengeID:       c.ID,
		IssuedAt:          c.IssuedAt,
		ExpiresAt:         c.ExpiresAt,
		AttemptsRemaining: c.AttemptsRemaining,
	}
}

// Outcome classifies a single verification attempt.
type Outcome string

const (
	OutcomeVerified  Outcome = "verified"
	OutcomeMismatch  Outcome = "mismatch"
	OutcomeExpired   Outcome = "expired"
	OutcomeConsumed  Outcome = "consumed"
	OutcomeExhausted Outcome = "exhausted"
)

// OutcomeOf maps a Check result to an outcome.
func OutcomeOf(err error) Outcome {
	switch err {
	case errs.ErrExpired:
		return OutcomeExpired
	case errs.ErrAlreadyConsumed:
		return OutcomeConsumed
	case errs.ErrAttemptsExhausted:
		return OutcomeExhausted
	}
	return ""
}

// Err returns the OTP error of a rejected outcome, or nil when verified.
func (o Outcome) Err() error {
	switch o {
	case OutcomeVerified:
		return nil
	case OutcomeMismatch:
		return errs.ErrCodeMismatch
	case OutcomeExpired:
		return errs.ErrExpired
	case OutcomeConsumed:
		return errs.ErrAlreadyConsumed
	default:
		return errs.ErrAttemptsExhausted
	}
}

// Attempt is the result of one atomic verification attempt.
type Attempt struct {
	Outcome   Outcome
	Challenge Challenge // state after the attempt
}

// Attempt applies the outcome of comparing a submitted code to c at now and
// returns the updated challenge. Both store adapters call it under their lock.
func (c Challenge) Attempt(now time.Time, matched bool) Attempt {
	if err := c.Check(now); err != nil {
		return Attempt{Outcome: OutcomeOf(err), Challenge: c}
	}
	if matched {
		c.Consumed = true
		return Attempt{Outcome: OutcomeVerified, Challenge: c}
	}
	c.AttemptsRemaining--
	return Attempt{Outcome: OutcomeMismatch, Challenge: c}
}

// Exhausted reports whether this attempt used up the last try.
func (a Attempt) Exhausted() bool {
	return a.Outcome == OutcomeMismatch && a.Challenge.AttemptsRemaining <= 0
}
