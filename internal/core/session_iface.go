package core

import (
	"context"

	"github.com/dkeye/Consult/internal/domain"
)

// AppointmentDirectory is the external appointment collaborator.
type AppointmentDirectory interface {
	Appointment(ctx context.Context, id domain.AppointmentID) (domain.Appointment, error)
}

// SessionStore persists sessions; at most one live session per appointment.
type SessionStore interface {
	// CreateIfAbsent stores s unless a live session exists for its
	// appointment, in which case that one is returned with created=false.
	CreateIfAbsent(ctx context.Context, s domain.Session) (out domain.Session, created bool, err error)
	GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error)
	// UpdateSession applies fn to the stored row atomically.
	UpdateSession(ctx context.Context, id domain.SessionID, fn func(*domain.Session) error) (domain.Session, error)
}

// SessionService is what a participant needs from the lifecycle owner.
// Implemented in-process by lifecycle.Service and remotely by the HTTP client.
type SessionService interface {
	CreateOrResume(ctx context.Context, who domain.Identity, appt domain.AppointmentID, m domain.Modality) (domain.Session, error)
	Activate(ctx context.Context, who domain.Identity, id domain.SessionID) (domain.Session, error)
	End(ctx context.Context, who domain.Identity, id domain.SessionID, notes string) (domain.Session, error)
	Get(ctx context.Context, who domain.Identity, id domain.SessionID) (domain.Session, error)
}
