package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// EndHook is called once per session after it has been archived.
type EndHook func(ctx context.Context, s domain.Session)

// Service is the shared Session Lifecycle Manager.
type Service struct {
	store   core.SessionStore
	appts   core.AppointmentDirectory
	channel core.Channel
	now     func() time.Time

	mu    sync.RWMutex
	hooks []EndHook
}

var _ core.SessionService = (*Service)(nil)

func NewService(store core.SessionStore, appts core.AppointmentDirectory, ch core.Channel) *Service {
	return &Service{store: store, appts: appts, channel: ch, now: time.Now}
}

// OnEnded registers an end-of-call hook.
func (s *Service) OnEnded(h EndHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Service) CreateOrResume(ctx context.Context, who domain.Identity, apptID domain.AppointmentID, m domain.Modality) (domain.Session, error) {
	appt, err := s.appts.Appointment(ctx, apptID)
	if err != nil {
		return domain.Session{}, err
	}
	role, ok := appt.Participant(who.UserID)
	if !ok || role != who.Role {
		return domain.Session{}, fmt.Errorf("%w: %s is not the %s of appointment %s",
			domain.ErrPermissionDenied, who.UserID, who.Role, apptID)
	}
	if m == "" {
		m = domain.ModalityVideo
	}

	sess, created, err := s.store.CreateIfAbsent(ctx, domain.NewSession(appt, m, s.now().UTC()))
	if err != nil {
		return domain.Session{}, err
	}
	l := log.Info().Str("module", "lifecycle").Str("sid", string(sess.ID)).
		Str("appointment", string(apptID)).Str("user", string(who.UserID))
	if created {
		l.Str("modality", string(sess.Modality)).Msg("session created")
	} else {
		l.Str("state", string(sess.State)).Msg("session resumed")
	}
	return sess, nil
}

func (s *Service) Get(ctx context.Context, who domain.Identity, id domain.SessionID) (domain.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if err := authorize(sess, who); err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// Activate moves a waiting (or paused) session to active. Provider only.
func (s *Service) Activate(ctx context.Context, who domain.Identity, id domain.SessionID) (domain.Session, error) {
	changed := false
	sess, err := s.store.UpdateSession(ctx, id, func(sess *domain.Session) error {
		if err := authorize(*sess, who); err != nil {
			return err
		}
		if who.UserID != sess.ProviderID {
			return fmt.Errorf("%w: only the provider activates a session", domain.ErrPermissionDenied)
		}
		switch sess.State {
		case domain.StateActive:
			return nil
		case domain.StateEnded:
			return fmt.Errorf("%w: %s", domain.ErrSessionEnded, sess.ID)
		}
		if !CanTransition(sess.State, domain.StateActive) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, sess.State, domain.StateActive)
		}
		sess.State = domain.StateActive
		if sess.StartedAt.IsZero() {
			sess.StartedAt = s.now().UTC()
		}
		changed = true
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	if changed {
		log.Info().Str("module", "lifecycle").Str("sid", string(id)).Msg("session active")
		s.publishStatus(ctx, who.UserID, sess)
	}
	return sess, nil
}

// End archives the session. Ending an ended session returns it unchanged
// and fires nothing.
func (s *Service) End(ctx context.Context, who domain.Identity, id domain.SessionID, notes string) (domain.Session, error) {
	changed := false
	sess, err := s.store.UpdateSession(ctx, id, func(sess *domain.Session) error {
		if err := authorize(*sess, who); err != nil {
			return err
		}
		if sess.Ended() {
			return nil
		}
		*sess = sess.Finish(who.UserID, notes, s.now().UTC())
		changed = true
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	if !changed {
		return sess, nil
	}

	log.Info().Str("module", "lifecycle").Str("sid", string(id)).Str("ended_by", string(who.UserID)).
		Dur("duration", sess.Duration).Msg("session ended")
	s.publishStatus(ctx, who.UserID, sess)

	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, sess)
	}
	return sess, nil
}

func (s *Service) publishStatus(ctx context.Context, from domain.UserID, sess domain.Session) {
	if s.channel == nil {
		return
	}
	env, err := domain.NewEnvelope(sess.ID, from, domain.KindSessionStatus, domain.StatusPayload{
		State:    sess.State,
		EndedBy:  sess.EndedBy,
		Duration: sess.Duration,
	})
	if err == nil {
		_, err = s.channel.Publish(ctx, env)
	}
	if err != nil {
		log.Warn().Str("module", "lifecycle").Str("sid", string(sess.ID)).Err(err).Msg("status publish failed")
	}
}

func authorize(sess domain.Session, who domain.Identity) error {
	switch who.UserID {
	case sess.ProviderID:
		if who.Role == domain.RoleProvider {
			return nil
		}
	case sess.PatientID:
		if who.Role == domain.RolePatient {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a participant of session %s", domain.ErrPermissionDenied, who.UserID, sess.ID)
}
