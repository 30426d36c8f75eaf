// Package notify delivers OTP codes and grant events to patients and doctors.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sender delivers notifications out of band.
type Sender interface {
	// SendOTP hands a plaintext code to the patient's delivery channel.
	SendOTP(ctx context.Context, patientID, code string) error
	// SendGrantEvent announces a grant transition.
	SendGrantEvent(ctx context.Context, ev Event) error
}

// EventKind names a grant notification.
type EventKind string

const (
	EventGrantActivated EventKind = "grant.activated"
	EventGrantRevoked   EventKind = "grant.revoked"
	EventGrantExpired   EventKind = "grant.expired"
)

// Event is the payload of a grant notification.
type Event struct {
	Kind      EventKind  `json:"kind"`
	GrantID   string     `json:"grant_id"`
	DoctorID  string     `json:"doctor_id"`
	PatientID string     `json:"patient_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	At        time.Time  `json:"at"`
}

// LogSender records notifications in the log instead of delivering them.
// Codes are never written.
type LogSender struct{ Log *zap.Logger }

// SendOTP logs that a code is ready for patientID.
func (s LogSender) SendOTP(_ context.Context, patientID, _ string) error {
	s.Log.Info("otp ready for delivery", zap.String("patient_id", patientID))
	return nil
}

// SendGrantEvent logs ev.
func (s LogSender) SendGrantEvent(_ context.Context, ev Event) error {
	s.Log.Info("grant event",
		zap.String("kind", string(ev.Kind)),
		zap.String("grant_id", ev.GrantID),
		zap.String("doctor_id", ev.DoctorID),
		zap.String("patient_id", ev.PatientID),
	)
	return nil
}

// Nop discards every notification.
type Nop struct{}

func (Nop) SendOTP(context.Context, string, string) error { return nil }
func (Nop) SendGrantEvent(context.Context, Event) error   { return nil }
