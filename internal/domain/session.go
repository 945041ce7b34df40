package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionID string

func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

type Modality string

const (
	ModalityVideo Modality = "video"
	ModalityAudio Modality = "audio"
	ModalityChat  Modality = "chat"
)

func ParseModality(s string) (Modality, error) {
	switch Modality(s) {
	case ModalityVideo, ModalityAudio, ModalityChat:
		return Modality(s), nil
	case "":
		return ModalityVideo, nil
	}
	return "", fmt.Errorf("unknown modality %q", s)
}

// HasMedia reports whether the modality needs a peer transport.
func (m Modality) HasMedia() bool { return m == ModalityVideo || m == ModalityAudio }

type State string

const (
	StateUninitialized State = "uninitialized"
	StateWaiting       State = "waiting"
	StateActive        State = "active"
	StatePaused        State = "paused"
	StateEnded         State = "ended"
)

// Session is one consultation encounter. Either participant may end it.
type Session struct {
	ID            SessionID     `json:"id"`
	AppointmentID AppointmentID `json:"appointment_id"`
	ProviderID    UserID        `json:"provider_id"`
	PatientID     UserID        `json:"patient_id"`
	Modality      Modality      `json:"modality"`
	State         State         `json:"state"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	EndedAt       time.Time     `json:"ended_at,omitzero"`
	Duration      time.Duration `json:"duration"`
	Notes         string        `json:"notes,omitempty"`
	EndedBy       UserID        `json:"ended_by,omitempty"`
}

func NewSession(appt Appointment, modality Modality, now time.Time) Session {
	return Session{
		ID:            NewSessionID(),
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		PatientID:     appt.PatientID,
		Modality:      modality,
		State:         StateWaiting,
		CreatedAt:     now,
	}
}

func (s Session) Ended() bool { return s.State == StateEnded }

// Peer returns the other participant of the session.
func (s Session) Peer(uid UserID) UserID {
	if uid == s.ProviderID {
		return s.PatientID
	}
	return s.ProviderID
}

// Finish stamps the end of the session. Duration is measured from StartedAt,
// or from CreatedAt when the session never became active.
func (s Session) Finish(by UserID, notes string, now time.Time) Session {
	from := s.StartedAt
	if from.IsZero() {
		from = s.CreatedAt
	}
	s.State = StateEnded
	s.EndedAt = now
	s.EndedBy = by
	s.Notes = notes
	s.Duration = now.Sub(from)
	if s.Duration < 0 {
		s.Duration = 0
	}
	return s
}
