// Package presence tracks which participants hold a live channel
// connection to which session.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Consult/internal/domain"
)

type entry struct {
	who    domain.Identity
	since  time.Time
	token  uint64
	cancel context.CancelFunc
}

// Member is one connected participant.
type Member struct {
	Identity domain.Identity `json:"identity"`
	Since    time.Time       `json:"since"`
}

// Registry holds at most one connection per participant and session.
// Binding a second connection cancels the first.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]map[domain.UserID]*entry
	next     uint64
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]map[domain.UserID]*entry),
		now:      time.Now,
	}
}

// Bind records who on sid and returns the token Unbind needs.
func (r *Registry) Bind(sid domain.SessionID, who domain.Identity, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	r.next++
	token := r.next
	members, ok := r.sessions[sid]
	if !ok {
		members = make(map[domain.UserID]*entry)
		r.sessions[sid] = members
	}
	prev := members[who.UserID]
	members[who.UserID] = &entry{who: who, since: r.now().UTC(), token: token, cancel: cancel}
	r.mu.Unlock()

	if prev != nil && prev.cancel != nil {
		log.Info().Str("module", "app.presence").Str("sid", string(sid)).Str("user", string(who.UserID)).Msg("replacing connection")
		prev.cancel()
	}
	log.Info().Str("module", "app.presence").Str("sid", string(sid)).Str("user", string(who.UserID)).Msg("bound")
	return token
}

// Unbind removes the binding made with token. A newer binding is kept.
func (r *Registry) Unbind(sid domain.SessionID, uid domain.UserID, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.sessions[sid]
	e, ok := members[uid]
	if !ok || e.token != token {
		return false
	}
	delete(members, uid)
	if len(members) == 0 {
		delete(r.sessions, sid)
	}
	log.Info().Str("module", "app.presence").Str("sid", string(sid)).Str("user", string(uid)).Msg("unbound")
	return true
}

// Online lists the connected participants of sid, oldest first.
func (r *Registry) Online(sid domain.SessionID) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.sessions[sid]))
	for _, e := range r.sessions[sid] {
		out = append(out, Member{Identity: e.who, Since: e.since})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].Identity.UserID < out[j].Identity.UserID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

func (r *Registry) IsOnline(sid domain.SessionID, uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sid][uid]
	return ok
}

// Cancel drops every connection of sid.
func (r *Registry) Cancel(sid domain.SessionID) int {
	r.mu.Lock()
	members := r.sessions[sid]
	delete(r.sessions, sid)
	r.mu.Unlock()
	for _, e := range members {
		if e.cancel != nil {
			e.cancel()
		}
	}
	if len(members) > 0 {
		log.Info().Str("module", "app.presence").Str("sid", string(sid)).Int("count", len(members)).Msg("canceled connections")
	}
	return len(members)
}
