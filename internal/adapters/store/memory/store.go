// Package memory holds process-local implementations of the persistence ports.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

// Store keeps sessions, envelopes and chat messages in maps.
type Store struct {
	mu        sync.RWMutex
	sessions  map[domain.SessionID]domain.Session
	live      map[domain.AppointmentID]domain.SessionID
	envelopes map[domain.SessionID][]domain.Envelope
	messages  map[domain.SessionID][]domain.ChatMessage
	msgIDs    map[messageKey]struct{}
}

// messageKey scopes message ids to their session.
type messageKey struct {
	sid domain.SessionID
	id  domain.MessageID
}

var (
	_ core.SessionStore  = (*Store)(nil)
	_ core.EnvelopeStore = (*Store)(nil)
	_ core.MessageStore  = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		sessions:  make(map[domain.SessionID]domain.Session),
		live:      make(map[domain.AppointmentID]domain.SessionID),
		envelopes: make(map[domain.SessionID][]domain.Envelope),
		messages:  make(map[domain.SessionID][]domain.ChatMessage),
		msgIDs:    make(map[messageKey]struct{}),
	}
}

func (s *Store) CreateIfAbsent(_ context.Context, sess domain.Session) (domain.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.live[sess.AppointmentID]; ok {
		return s.sessions[id], false, nil
	}
	s.sessions[sess.ID] = sess
	if !sess.Ended() {
		s.live[sess.AppointmentID] = sess.ID
	}
	return sess, true, nil
}

func (s *Store) GetSession(_ context.Context, id domain.SessionID) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	return sess, nil
}

func (s *Store) UpdateSession(_ context.Context, id domain.SessionID, fn func(*domain.Session) error) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: session %s", domain.ErrNotFound, id)
	}
	if err := fn(&sess); err != nil {
		return domain.Session{}, err
	}
	s.sessions[id] = sess
	if sess.Ended() && s.live[sess.AppointmentID] == id {
		delete(s.live, sess.AppointmentID)
	}
	return sess, nil
}

func (s *Store) AppendEnvelope(_ context.Context, env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes[env.SessionID] = append(s.envelopes[env.SessionID], env)
	return nil
}

func (s *Store) Envelopes(_ context.Context, sid domain.SessionID, f core.HistoryFilter) ([]domain.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.envelopes[sid]
	start := 0
	if f.AfterID != "" {
		for i, e := range all {
			if e.ID == f.AfterID {
				start = i + 1
				break
			}
		}
	}
	out := make([]domain.Envelope, 0, len(all)-start)
	for _, e := range all[start:] {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) AppendMessage(_ context.Context, m domain.ChatMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey{sid: m.SessionID, id: m.ID}
	if _, ok := s.msgIDs[key]; ok {
		return false, nil
	}
	s.msgIDs[key] = struct{}{}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return true, nil
}

func (s *Store) Messages(_ context.Context, sid domain.SessionID) ([]domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ChatMessage, len(s.messages[sid]))
	copy(out, s.messages[sid])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
