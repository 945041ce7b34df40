// Package lobby implements the waiting-room handshake: the patient announces
// itself, the provider admits, the patient acknowledges. It holds state only;
// the caller publishes the envelopes it returns.
package lobby

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/domain"
)

// Entry is one patient waiting to be admitted.
type Entry struct {
	PatientID  domain.UserID     `json:"patient_id"`
	Name       string            `json:"name"`
	JoinedAt   time.Time         `json:"joined_at"`
	EnvelopeID domain.EnvelopeID `json:"envelope_id"`
}

// Outcome describes what applying one envelope changed.
type Outcome struct {
	Waiting  *Entry          // provider: a patient started (or refreshed) waiting
	Left     domain.UserID   // provider: a patient is no longer waiting
	Admitted bool            // patient: this participant was admitted
	Reply    *domain.Envelope // envelope to publish in response
}

type Lobby struct {
	self    domain.Identity
	session domain.Session

	waiting  map[domain.UserID]Entry
	admitted bool
	lastJoin time.Time
	inside   bool // provider: the patient acknowledged an admit and has not rejoined since
}

func New(self domain.Identity, sess domain.Session) *Lobby {
	return &Lobby{
		self:    self,
		session: sess,
		waiting: make(map[domain.UserID]Entry),
	}
}

// Join builds the patient's join-lobby envelope.
func (l *Lobby) Join() (domain.Envelope, error) {
	if l.self.IsProvider() {
		return domain.Envelope{}, fmt.Errorf("%w: providers do not join the lobby", domain.ErrPermissionDenied)
	}
	return domain.NewEnvelope(l.session.ID, l.self.UserID, domain.KindJoinLobby, domain.LobbyPayload{Name: l.self.Name})
}

// Joined records the stamped join so older admits are ignored.
func (l *Lobby) Joined(env domain.Envelope) {
	if env.CreatedAt.After(l.lastJoin) {
		l.lastJoin = env.CreatedAt
	}
	l.admitted = false
}

func (l *Lobby) Leave() (domain.Envelope, error) {
	if l.self.IsProvider() {
		return domain.Envelope{}, fmt.Errorf("%w: providers do not leave the lobby", domain.ErrPermissionDenied)
	}
	return domain.NewEnvelope(l.session.ID, l.self.UserID, domain.KindLeaveLobby, nil)
}

// Admit builds the admit-patient envelope. It is the only way a patient
// gets admitted.
func (l *Lobby) Admit(patientID domain.UserID) (domain.Envelope, error) {
	if !l.self.IsProvider() {
		return domain.Envelope{}, fmt.Errorf("%w: only the provider admits", domain.ErrPermissionDenied)
	}
	if patientID != l.session.PatientID {
		return domain.Envelope{}, fmt.Errorf("%w: %s is not the patient of session %s", domain.ErrNotFound, patientID, l.session.ID)
	}
	return domain.NewEnvelope(l.session.ID, l.self.UserID, domain.KindAdmitPatient, domain.AdmitPayload{PatientID: patientID})
}

// MarkAdmitted clears the waiting entry after the provider's own admit.
func (l *Lobby) MarkAdmitted(patientID domain.UserID) bool {
	l.inside = true
	return l.drop(patientID)
}

// PatientAdmitted reports, on the provider side, whether the patient is in
// the consultation rather than the lobby.
func (l *Lobby) PatientAdmitted() bool { return l.inside }

// Admitted reports whether this patient has been admitted since its last join.
func (l *Lobby) Admitted() bool { return l.admitted }

// Waiting lists waiting patients by join time.
func (l *Lobby) Waiting() []Entry {
	out := make([]Entry, 0, len(l.waiting))
	for _, e := range l.waiting {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// Replay applies historical envelopes in chronological order, the
// participant's own included.
func (l *Lobby) Replay(history []domain.Envelope) []Outcome {
	sorted := make([]domain.Envelope, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var out []Outcome
	for _, env := range sorted {
		if env.SenderID == l.self.UserID && env.Kind == domain.KindAdmitPatient {
			var p domain.AdmitPayload
			if env.Decode(&p) == nil && l.drop(p.PatientID) {
				out = append(out, Outcome{Left: p.PatientID})
			}
			continue
		}
		o, err := l.Apply(env)
		if err != nil {
			log.Warn().Str("module", "lobby").Str("sid", string(l.session.ID)).Err(err).Msg("skip history envelope")
			continue
		}
		if o != (Outcome{}) {
			out = append(out, o)
		}
	}
	return out
}

// Apply folds one lobby envelope from another participant into the state.
// Non-lobby kinds are ignored.
func (l *Lobby) Apply(env domain.Envelope) (Outcome, error) {
	if l.self.IsProvider() {
		return l.applyProvider(env)
	}
	return l.applyPatient(env)
}

func (l *Lobby) applyProvider(env domain.Envelope) (Outcome, error) {
	switch env.Kind {
	case domain.KindJoinLobby:
		if env.SenderID != l.session.PatientID {
			return Outcome{}, fmt.Errorf("%w: join from %s", domain.ErrPermissionDenied, env.SenderID)
		}
		var p domain.LobbyPayload
		if len(env.Payload) > 0 {
			if err := env.Decode(&p); err != nil {
				return Outcome{}, err
			}
		}
		if prev, ok := l.waiting[env.SenderID]; ok && prev.JoinedAt.After(env.CreatedAt) {
			return Outcome{}, nil
		}
		e := Entry{PatientID: env.SenderID, Name: p.Name, JoinedAt: env.CreatedAt, EnvelopeID: env.ID}
		l.waiting[env.SenderID] = e
		l.inside = false
		return Outcome{Waiting: &e}, nil
	case domain.KindAdmitAck, domain.KindLeaveLobby:
		if env.SenderID == l.session.PatientID {
			l.inside = env.Kind == domain.KindAdmitAck
		}
		if l.drop(env.SenderID) {
			return Outcome{Left: env.SenderID}, nil
		}
	case domain.KindAdmitPatient:
		// Another device of the same provider admitted.
		var p domain.AdmitPayload
		if err := env.Decode(&p); err != nil {
			return Outcome{}, err
		}
		if l.drop(p.PatientID) {
			return Outcome{Left: p.PatientID}, nil
		}
	}
	return Outcome{}, nil
}

func (l *Lobby) applyPatient(env domain.Envelope) (Outcome, error) {
	if env.Kind != domain.KindAdmitPatient {
		return Outcome{}, nil
	}
	if env.SenderID != l.session.ProviderID {
		return Outcome{}, fmt.Errorf("%w: admit from %s", domain.ErrPermissionDenied, env.SenderID)
	}
	var p domain.AdmitPayload
	if err := env.Decode(&p); err != nil {
		return Outcome{}, err
	}
	if p.PatientID != l.self.UserID || l.admitted {
		return Outcome{}, nil
	}
	if env.CreatedAt.Before(l.lastJoin) {
		log.Debug().Str("module", "lobby").Str("sid", string(l.session.ID)).Msg("ignore admit older than join")
		return Outcome{}, nil
	}
	l.admitted = true
	ack, err := domain.NewEnvelope(l.session.ID, l.self.UserID, domain.KindAdmitAck, domain.AdmitPayload{PatientID: l.self.UserID})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Admitted: true, Reply: &ack}, nil
}

func (l *Lobby) drop(uid domain.UserID) bool {
	if _, ok := l.waiting[uid]; !ok {
		return false
	}
	delete(l.waiting, uid)
	return true
}
