package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/model"
	"github.com/qrhealth/consent-core/internal/service"
)

const maxBody = 64 << 10

type handlers struct {
	gw  service.AccessGateway
	log *zap.Logger
}

type requestOTPRequest struct {
	Scope []string `json:"scope"`
}

type verifyOTPRequest struct {
	GrantID string `json:"grant_id"`
	Code    string `json:"code"`
}

type verifyOTPResponse struct {
	GrantID   uuid.UUID    `json:"grant_id"`
	Status    model.Status `json:"status"`
	Scope     model.Scope  `json:"scope"`
	ExpiresAt *time.Time   `json:"expires_at"`
}

// actor is set by Authenticate on every route that reaches a handler.
func actor(r *http.Request) model.Actor {
	a, _ := ActorFromCtx(r.Context())
	return a
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errs.ErrInvalidInput
	}
	return nil
}

func grantIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.FromString(chi.URLParam(r, "grantID"))
	if err != nil {
		return uuid.Nil, errs.ErrInvalidInput
	}
	return id, nil
}

func (h *handlers) lookup(w http.ResponseWriter, r *http.Request) {
	v, err := h.gw.Lookup(r.Context(), actor(r), chi.URLParam(r, "healthID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) requestOTP(w http.ResponseWriter, r *http.Request) {
	var req requestOTPRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	scope, err := model.ParseScope(req.Scope)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	handle, err := h.gw.RequestAccess(r.Context(), actor(r), chi.URLParam(r, "healthID"), scope)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle)
}

func (h *handlers) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	grantID, err := uuid.FromString(req.GrantID)
	if err != nil || strings.TrimSpace(req.Code) == "" {
		writeError(w, h.log, errs.ErrInvalidInput)
		return
	}
	g, err := h.gw.VerifyAccess(r.Context(), actor(r), chi.URLParam(r, "healthID"), grantID, strings.TrimSpace(req.Code))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyOTPResponse{GrantID: g.ID, Status: g.Status, Scope: g.Scope, ExpiresAt: g.ExpiresAt})
}

func (h *handlers) revoke(w http.ResponseWriter, r *http.Request) {
	id, err := grantIDParam(r)
	if err == nil {
		err = h.gw.Revoke(r.Context(), actor(r), id)
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) decline(w http.ResponseWriter, r *http.Request) {
	id, err := grantIDParam(r)
	if err == nil {
		err = h.gw.Decline(r.Context(), actor(r), id)
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listGrants(w http.ResponseWriter, r *http.Request) {
	list, err := h.gw.ListGrants(r.Context(), actor(r), chi.URLParam(r, "healthID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if list == nil {
		list = []model.GrantSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) auditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, h.log, errs.ErrInvalidInput)
			return
		}
		limit = n
	}
	entries, err := h.gw.ListAuditHistory(r.Context(), actor(r), q.Get("patient_id"), limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
