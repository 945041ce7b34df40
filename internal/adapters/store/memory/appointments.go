package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Appointments is a fixed directory, seeded from configuration or tests.
type Appointments struct {
	mu    sync.RWMutex
	items map[domain.AppointmentID]domain.Appointment
}

var _ core.AppointmentDirectory = (*Appointments)(nil)

func NewAppointments(items ...domain.Appointment) *Appointments {
	a := &Appointments{items: make(map[domain.AppointmentID]domain.Appointment, len(items))}
	for _, it := range items {
		a.items[it.ID] = it
	}
	return a
}

func (a *Appointments) Put(appt domain.Appointment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[appt.ID] = appt
}

func (a *Appointments) Appointment(_ context.Context, id domain.AppointmentID) (domain.Appointment, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	appt, ok := a.items[id]
	if !ok {
		return domain.Appointment{}, fmt.Errorf("%w: appointment %s", domain.ErrNotFound, id)
	}
	return appt, nil
}
