package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/directory"
	"github.com/qrhealth/consent-core/internal/errs"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// mapping lists sentinel errors with their status and stable code, most
// specific first.
var mapping = []struct {
	err    error
	status int
	code   string
	msg    string
}{
	{errs.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT", "invalid input"},
	{errs.ErrExpired, http.StatusBadRequest, "EXPIRED", "OTP expired, request access again"},
	{errs.ErrAlreadyConsumed, http.StatusBadRequest, "ALREADY_CONSUMED", "OTP already used"},
	{errs.ErrAttemptsExhausted, http.StatusBadRequest, "ATTEMPTS_EXHAUSTED", "too many wrong codes, request access again"},
	{errs.ErrCodeMismatch, http.StatusBadRequest, "CODE_MISMATCH", "wrong code"},
	{errs.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid session"},
	{errs.ErrDoctorUnverified, http.StatusForbidden, "DOCTOR_UNVERIFIED", "doctor account is not verified"},
	{errs.ErrNotOwner, http.StatusForbidden, "NOT_OWNER", "grant belongs to another patient"},
	{errs.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "operation not allowed for this role"},
	{errs.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "not found"},
	{errs.ErrDuplicatePending, http.StatusConflict, "ALREADY_PENDING", "a request is already pending"},
	{errs.ErrAlreadyActive, http.StatusConflict, "ALREADY_ACTIVE", "access is already granted"},
	{errs.ErrInvalidState, http.StatusConflict, "INVALID_STATE", "grant is not in a state that allows this"},
	{errs.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED", "too many access requests"},
	{directory.ErrUpstream, http.StatusBadGateway, "UPSTREAM", "directory unavailable"},
	{errs.ErrStorage, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "storage unavailable, retry later"},
}

// writeError maps err to a JSON error response. Unknown errors are logged
// and reported as 500 without detail.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var ra *errs.RetryAfterError
	if errors.As(err, &ra) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ra.After.Seconds()))))
	}
	for _, m := range mapping {
		if errors.Is(err, m.err) {
			if m.status >= http.StatusInternalServerError && log != nil {
				log.Warn("request failed", zap.Error(err))
			}
			writeJSON(w, m.status, errorBody{Error: m.code, Message: m.msg})
			return
		}
	}
	if log != nil {
		log.Error("unhandled error", zap.Error(err))
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "INTERNAL", Message: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
