package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/qrhealth/consent-core/internal/crypto"
	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/repository"
)

// ChallengeRepo implements ChallengeRepository using PostgreSQL.
type ChallengeRepo struct{ db *DB }

var _ repository.ChallengeRepository = (*ChallengeRepo)(nil)

// NewChallengeRepo constructs a challenge repository.
func NewChallengeRepo(db *DB) *ChallengeRepo { return &ChallengeRepo{db: db} }

const challengeCols = `id, grant_id, code_hash, salt, issued_at, expires_at, attempts_remaining, consumed`

func scanChallenge(row pgx.Row) (model.Challenge, error) {
	var c model.Challenge
	err := row.Scan(&c.ID, &c.GrantID, &c.CodeHash, &c.Salt, &c.IssuedAt, &c.ExpiresAt, &c.AttemptsRemaining, &c.Consumed)
	return c, err
}

// Create inserts the challenge only while its grant is PENDING.
func (r *ChallengeRepo) Create(ctx context.Context, c model.Challenge, audit model.AuditEntry) error {
	const ins = `
INSERT INTO otp_challenges (` + challengeCols + `)
SELECT $1::uuid, $2::uuid, $3::bytea, $4::bytea, $5::timestamptz, $6::timestamptz, $7::int, false
WHERE EXISTS (SELECT 1 FROM access_grants WHERE id=$2 AND status='PENDING' FOR SHARE)`
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, ins, c.ID, c.GrantID, c.CodeHash, c.Salt, c.IssuedAt, c.ExpiresAt, c.AttemptsRemaining)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrInvalidState
		}
		return insertAudit(ctx, tx, audit)
	})
	if isUniqueViolation(err) {
		return errs.ErrInvalidState
	}
	return errs.Storage("challenges.create", err)
}

// GetByGrant loads the challenge of a grant.
func (r *ChallengeRepo) GetByGrant(ctx context.Context, grantID uuid.UUID) (model.Challenge, error) {
	const q = `SELECT ` + challengeCols + ` FROM otp_challenges WHERE grant_id=$1`
	c, err := scanChallenge(r.db.Pool.QueryRow(ctx, q, grantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Challenge{}, errs.ErrNotFound
	}
	if err != nil {
		return model.Challenge{}, errs.Storage("challenges.get", err)
	}
	return c, nil
}

// Attempt locks the grant and then the challenge row, compares codeHash in
// constant time and persists the outcome with its audit entry before
// releasing the locks. A grant that is no longer PENDING fails with
// ErrInvalidState and its challenge is left untouched.
func (r *ChallengeRepo) Attempt(ctx context.Context, grantID uuid.UUID, codeHash []byte, now time.Time, base model.AuditEntry) (model.Attempt, error) {
	const (
		lock    = `SELECT status FROM access_grants WHERE id=$1 FOR UPDATE`
		sel     = `SELECT ` + challengeCols + ` FROM otp_challenges WHERE grant_id=$1 FOR UPDATE`
		consume = `UPDATE otp_challenges SET consumed=true WHERE id=$1`
		dec     = `UPDATE otp_challenges SET attempts_remaining=$2 WHERE id=$1`
	)
	var a model.Attempt
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, lock, grantID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.Status(status) != model.StatusPending {
			return errs.ErrInvalidState
		}

		c, err := scanChallenge(tx.QueryRow(ctx, sel, grantID))
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}
		a = c.Attempt(now, crypto.Equal(codeHash, c.CodeHash))
		switch a.Outcome {
		case model.OutcomeVerified:
			_, err = tx.Exec(ctx, consume, c.ID)
		case model.OutcomeMismatch:
			_, err = tx.Exec(ctx, dec, c.ID, a.Challenge.AttemptsRemaining)
		}
		if err != nil {
			return err
		}
		return insertAudit(ctx, tx, model.AttemptAudit(base, a))
	})
	if err != nil {
		return model.Attempt{}, errs.Storage("challenges.attempt", err)
	}
	return a, nil
}
