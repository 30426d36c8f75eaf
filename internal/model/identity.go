package model

import (
	"regexp"
	"time"

	"github.com/gofrs/uuid/v5"
)

var healthIDRe = regexp.MustCompile(`^HID-\d{4}-\d{4}$`)

// ValidHealthID reports whether s has the HID-####-#### form.
func ValidHealthID(s string) bool { return healthIDRe.MatchString(s) }

// Patient is the identity record returned by the directory.
type Patient struct {
	HealthID          string     `json:"health_id"`
	Name              string     `json:"name"`
	Gender            string     `json:"gender"`
	DateOfBirth       *time.Time `json:"date_of_birth,omitempty"`
	BloodGroup        string     `json:"blood_group,omitempty"`
	Allergies         string     `json:"allergies,omitempty"`
	ChronicConditions string     `json:"chronic_conditions,omitempty"`
}

// Age returns completed years at now, or 0 when the birth date is unknown.
func (p Patient) Age(now time.Time) int {
	if p.DateOfBirth == nil {
		return 0
	}
	dob := p.DateOfBirth.In(now.Location())
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// Doctor is the directory view of a doctor account.
type Doctor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Verified bool   `json:"verified"`
}

// ViewLevel is the detail level returned by a lookup.
type ViewLevel string

const (
	ViewBasic ViewLevel = "BASIC"
	ViewFull  ViewLevel = "FULL"
)

// BasicIdentity is what any doctor sees for a health id.
type BasicIdentity struct {
	HealthID string `json:"health_id"`
	Name     string `json:"name"`
	Age      int    `json:"age"`
	Gender   string `json:"gender"`
}

// MedicalIdentity is only disclosed while an ACTIVE grant exists.
type MedicalIdentity struct {
	DateOfBirth       *time.Time `json:"date_of_birth,omitempty"`
	BloodGroup        string     `json:"blood_group,omitempty"`
	Allergies         string     `json:"allergies,omitempty"`
	ChronicConditions string     `json:"chronic_conditions,omitempty"`
}

// View is the result of a lookup.
type View struct {
	Level     ViewLevel        `json:"view"`
	Identity  BasicIdentity    `json:"identity"`
	Medical   *MedicalIdentity `json:"medical,omitempty"`
	GrantID   *uuid.UUID       `json:"grant_id,omitempty"`
	Scope     *Scope           `json:"scope,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

// BasicView builds the minimal projection of p.
func BasicView(p Patient, now time.Time) View {
	return View{
		Level: ViewBasic,
		Identity: BasicIdentity{
			HealthID: p.HealthID,
			Name:     p.Name,
			Age:      p.Age(now),
			Gender:   p.Gender,
		},
	}
}

// FullView builds the full projection of p under grant g.
func FullView(p Patient, g Grant, now time.Time) View {
	v := BasicView(p, now)
	v.Level = ViewFull
	v.Medical = &MedicalIdentity{
		DateOfBirth:       p.DateOfBirth,
		BloodGroup:        p.BloodGroup,
		Allergies:         p.Allergies,
		ChronicConditions: p.ChronicConditions,
	}
	id, scope := g.ID, g.Scope
	v.GrantID = &id
	v.Scope = &scope
	v.ExpiresAt = g.ExpiresAt
	return v
}
