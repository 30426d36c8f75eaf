package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/model"
)

// Claims is the session token issued by the identity service.
type Claims struct {
	Role     string `json:"role"`
	HealthID string `json:"hid,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 session tokens.
type Verifier struct {
	key []byte
}

// NewVerifier returns a verifier for tokens signed with key.
func NewVerifier(key []byte) *Verifier { return &Verifier{key: key} }

// Verify parses tok and returns the caller it identifies. Every failure
// wraps errs.ErrUnauthorized.
func (v *Verifier) Verify(tok string) (model.Actor, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.key, nil
	})
	if err != nil || !parsed.Valid {
		return model.Actor{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}

	val := jwt.NewValidator(jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err := val.Validate(&claims); err != nil {
		return model.Actor{}, fmt.Errorf("%w: token expired or not valid yet", errs.ErrUnauthorized)
	}

	a := model.Actor{ID: claims.Subject, Role: model.Role(claims.Role), HealthID: claims.HealthID}
	switch {
	case strings.TrimSpace(a.ID) == "":
		return model.Actor{}, fmt.Errorf("%w: missing subject", errs.ErrUnauthorized)
	case !a.Role.Valid() || a.Role == model.RoleSystem:
		return model.Actor{}, fmt.Errorf("%w: bad role", errs.ErrUnauthorized)
	case a.Role == model.RolePatient && !model.ValidHealthID(a.HealthID):
		return model.Actor{}, fmt.Errorf("%w: patient token without health id", errs.ErrUnauthorized)
	}
	return a, nil
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller in the request context.
func Authenticate(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r.Header.Get("Authorization"))
			if tok == "" {
				writeError(w, nil, errs.ErrUnauthorized)
				return
			}
			a, err := v.Verify(tok)
			if err != nil {
				writeError(w, nil, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a)))
		})
	}
}

func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
