// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Request-side sentinels.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates a guarded transition was attempted from the wrong status.
	ErrInvalidState = errors.New("invalid state")

	// ErrDuplicatePending indicates the pair already has a PENDING grant with a live challenge.
	ErrDuplicatePending = errors.New("access request already pending")

	// ErrAlreadyActive indicates the pair already has an ACTIVE grant.
	ErrAlreadyActive = errors.New("access already active")

	// ErrNotOwner indicates the caller does not own the addressed patient or grant.
	ErrNotOwner = errors.New("not owner")

	// ErrForbidden indicates the caller's role may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrDoctorUnverified indicates the doctor has not been verified by an admin.
	ErrDoctorUnverified = errors.New("doctor unverified")

	// ErrInvalidInput indicates malformed identifiers, scopes or codes.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates a missing or invalid session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates too many access requests in the current window.
	ErrRateLimited = errors.New("rate limited")
)

// ErrAlreadyPending is the gateway-facing name of ErrDuplicatePending.
var ErrAlreadyPending = ErrDuplicatePending

// OTP-side sentinels.
var (
	ErrExpired           = errors.New("otp expired")
	ErrAlreadyConsumed   = errors.New("otp already consumed")
	ErrAttemptsExhausted = errors.New("otp attempts exhausted")
	ErrCodeMismatch      = errors.New("otp code mismatch")
)

// ErrStorage marks infrastructure failures of the persistence layer. It is
// never one of the domain sentinels above.
var ErrStorage = errors.New("storage failure")

// Storage wraps err as an infrastructure failure of op. Domain sentinels and
// nil pass through unchanged.
func Storage(op string, err error) error {
	if err == nil || IsDomain(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// IsDomain reports whether err is one of the recoverable domain errors.
func IsDomain(err error) bool {
	for _, s := range domain {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}

var domain = []error{
	ErrNotFound, ErrInvalidState, ErrDuplicatePending, ErrAlreadyActive,
	ErrNotOwner, ErrForbidden, ErrDoctorUnverified, ErrInvalidInput, ErrUnauthorized,
	ErrRateLimited, ErrExpired, ErrAlreadyConsumed, ErrAttemptsExhausted,
	ErrCodeMismatch,
}

// RetryAfterError is a rate-limit rejection carrying the time until the
// window resets. It matches ErrRateLimited.
type RetryAfterError struct{ After time.Duration }

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.After.Round(time.Second))
}

// Is reports whether target is ErrRateLimited.
func (e *RetryAfterError) Is(target error) bool { return target == ErrRateLimited }
