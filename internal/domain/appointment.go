package domain

type AppointmentID string

// Appointment is the slice of the external booking record this core needs.
type Appointment struct {
	ID         AppointmentID `json:"id"`
	ProviderID UserID        `json:"provider_id"`
	PatientID  UserID        `json:"patient_id"`
}

// Participant reports the role of uid in the appointment, if any.
func (a Appointment) Participant(uid UserID) (Role, bool) {
	switch uid {
	case a.ProviderID:
		return RoleProvider, true
	case a.PatientID:
		return RolePatient, true
	}
	return "", false
}
