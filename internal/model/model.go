// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/qrhealth/consent-core/internal/errs"
)

// Status is the lifecycle state of an access grant.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
	StatusDenied  Status = "DENIED"
)

// Open reports whether the status counts against the one-open-grant-per-pair rule.
func (s Status) Open() bool { return s == StatusPending || s == StatusActive }

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked || s == StatusDenied
}

// Scope is a set of capabilities carried by a grant.
type Scope uint8

const (
	ScopeViewRecords Scope = 1 << iota
	ScopeViewDocuments
	ScopeAddRecords
)

// ScopeAll is every known capability.
const ScopeAll = ScopeViewRecords | ScopeViewDocuments | ScopeAddRecords

// DefaultScope is applied when a request names no capabilities.
const DefaultScope = ScopeViewRecords | ScopeViewDocuments

var scopeNames = map[Scope]string{
	ScopeViewRecords:   "view_records",
	ScopeViewDocuments: "view_documents",
	ScopeAddRecords:    "add_records",
}

// Has reports whether every capability in c is present in s.
func (s Scope) Has(c Scope) bool { return c != 0 && s&c == c }

// Valid reports whether s is non-empty and contains only known capabilities.
func (s Scope) Valid() bool { return s != 0 && s&^ScopeAll == 0 }

// Names returns capability names in a stable order.
func (s Scope) Names() []string {
	out := make([]string, 0, len(scopeNames))
	for bit, name := range scopeNames {
		if s&bit != 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s Scope) String() string { return strings.Join(s.Names(), ",") }

// ParseScope converts capability names into a Scope. An empty list yields
// DefaultScope; unknown names fail with errs.ErrInvalidInput.
func ParseScope(names []string) (Scope, error) {
	var s Scope
	for _, raw := range names {
		n := strings.ToLower(strings.TrimSpace(raw))
		if n == "" {
			continue
		}
		found := false
		for bit, name := range scopeNames {
			if name == n {
				s |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("scope %q: %w", raw, errs.ErrInvalidInput)
		}
	}
	if s == 0 {
		return DefaultScope, nil
	}
	return s, nil
}

// MarshalJSON encodes the scope as a list of capability names.
func (s Scope) MarshalJSON() ([]byte, error) { return json.Marshal(s.Names()) }

// UnmarshalJSON decodes a list of capability names.
func (s *Scope) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	v, err := ParseScope(names)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Grant is one doctor's permission to view one patient's full record.
// Rows of a pair are kept as history once they reach a terminal status.
type Grant struct {
	ID          uuid.UUID
	DoctorID    string
	PatientID   string // health_id
	Status      Status
	Scope       Scope
	RequestedAt time.Time
	GrantedAt   *time.Time // set on promotion
	ExpiresAt   *time.Time // GrantedAt + TTL, never extended
	ClosedAt    *time.Time // set on entering a terminal status
	ClosedBy    string
}

// Due reports whether an ACTIVE grant is past its expiry at now.
func (g Grant) Due(now time.Time) bool {
	return g.Status == StatusActive && g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// GrantSummary is the read projection used by sharing-permission lists.
type GrantSummary struct {
	ID          uuid.UUID  `json:"id"`
	DoctorID    string     `json:"doctor_id"`
	Status      Status     `json:"status"`
	Scope       Scope      `json:"scope"`
	RequestedAt time.Time  `json:"requested_at"`
	GrantedAt   *time.Time `json:"granted_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Summary projects g for list views.
func (g Grant) Summary() GrantSummary {
	return GrantSummary{
		ID:          g.ID,
		DoctorID:    g.DoctorID,
		Status:      g.Status,
		Scope:       g.Scope,
		RequestedAt: g.RequestedAt,
		GrantedAt:   g.GrantedAt,
		ExpiresAt:   g.ExpiresAt,
		ClosedAt:    g.ClosedAt,
	}
}
